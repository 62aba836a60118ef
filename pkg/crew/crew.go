// Package crew runs trading crews: one worker goroutine per active crew that
// turns closed candles into order intents, fills them and keeps the crew's
// ledger.
package crew

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/crews/pkg/clock"
	"github.com/gregtusar/crews/pkg/events"
	"github.com/gregtusar/crews/pkg/ledger"
	"github.com/gregtusar/crews/pkg/marketdata"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/gregtusar/crews/pkg/repository"
	"github.com/gregtusar/crews/pkg/simulator"
	"github.com/gregtusar/crews/pkg/strategy"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// MarketData is the part of the market data store a crew reads.
type MarketData interface {
	GetCandles(ctx context.Context, symbol string, interval models.Interval, start, end time.Time, opts marketdata.Options) (*marketdata.Result, error)
	LatestClose(ctx context.Context, key models.SeriesKey, lookback int) (models.Candle, error)
}

type Options struct {
	// HistorySize caps the closed candles kept per series for deciders and
	// is how much history a crew loads when it starts.
	HistorySize int
	// DispatchTimeout bounds one LIVE execution, retries included. Zero
	// disables it.
	DispatchTimeout time.Duration
}

// Deps are shared by every crew of a registry.
type Deps struct {
	Market    MarketData
	Simulator *simulator.FillSimulator
	Executor  OrderExecutor
	Repos     *repository.Set
	Events    events.Publisher
	Clock     clock.Clock
	Logger    *logrus.Logger
	Options   Options
}

type manualTrade struct {
	ctx    context.Context
	intent models.OrderIntent
	reply  chan manualResult
}

type manualResult struct {
	fill   models.Fill
	filled bool
	err    error
}

// Crew is the runtime state of one crew. Lifecycle operations go through the
// Registry.
type Crew struct {
	deps *Deps
	id   string

	opMu sync.Mutex // serializes lifecycle operations

	mu       sync.RWMutex
	info     *models.Crew
	inbox    *mailbox
	commands chan manualTrade
	cancel   context.CancelFunc
	done     chan struct{}

	// swapped whole by Rebind; loaded once per step
	strategy atomic.Pointer[strategy.Bound]

	// owned by the worker goroutine while a run is active
	book    *ledger.Book
	history map[models.SeriesKey][]models.Candle
	last    map[models.SeriesKey]time.Time

	onExit func(id string)
}

func newCrew(deps *Deps, info *models.Crew) *Crew {
	return &Crew{deps: deps, id: info.ID, info: info.Clone()}
}

func (c *Crew) ID() string { return c.id }

// Info returns a copy of the crew record.
func (c *Crew) Info() *models.Crew {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info.Clone()
}

func (c *Crew) Status() models.CrewStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info.Status
}

func (c *Crew) log() *logrus.Entry {
	return c.deps.Logger.WithField("crew_id", c.id)
}

// transition moves the crew to status `to` if its current status is one of
// allowed, persisting the change before it becomes visible.
func (c *Crew) transition(ctx context.Context, op string, to models.CrewStatus, reason string, allowed ...models.CrewStatus) error {
	c.mu.Lock()
	from := c.info.Status
	ok := false
	for _, s := range allowed {
		if s == from {
			ok = true
			break
		}
	}
	if !ok {
		c.mu.Unlock()
		return &models.InvalidTransitionError{CrewID: c.id, From: from, Op: op}
	}

	next := c.info.Clone()
	next.Status = to
	next.FailureReason = reason
	next.UpdatedAt = c.deps.Clock.Now()
	if err := c.deps.Repos.Crews.Save(ctx, next); err != nil {
		c.mu.Unlock()
		return asPersistence("save crew", err)
	}
	c.info = next
	c.mu.Unlock()

	c.log().WithFields(logrus.Fields{"from": from, "to": to}).Info("Crew status changed")
	c.publish(ctx, events.CrewStatusChanged, next)
	return nil
}

func (c *Crew) publish(ctx context.Context, t events.Type, payload any) {
	ev, err := events.New(t, c.id, c.deps.Clock.Now(), payload)
	if err == nil {
		err = c.deps.Events.Publish(ctx, ev)
	}
	if err != nil {
		c.log().WithError(err).WithField("event", t).Warn("Failed to publish event")
	}
}

// rebind swaps the strategy the next step will run with.
func (c *Crew) rebind(ctx context.Context, bound *strategy.Bound) error {
	c.mu.Lock()
	previous := c.info.StrategyRef
	next := c.info.Clone()
	next.StrategyRef = bound.Ref()
	next.UpdatedAt = c.deps.Clock.Now()
	if err := c.deps.Repos.Crews.Save(ctx, next); err != nil {
		c.mu.Unlock()
		return asPersistence("save crew", err)
	}
	c.info = next
	c.strategy.Store(bound)
	c.mu.Unlock()

	c.log().WithFields(logrus.Fields{
		"from": previous.String(),
		"to":   bound.Ref().String(),
	}).Info("Strategy rebound")
	c.publish(ctx, events.StrategyRebound, next)
	return nil
}

// start loads the run state and spawns the worker.
func (c *Crew) start(ctx context.Context, bound *strategy.Bound, book *ledger.Book, op string, to models.CrewStatus, allowed ...models.CrewStatus) error {
	c.strategy.Store(bound)
	c.book = book
	c.history = make(map[models.SeriesKey][]models.Candle)
	c.last = make(map[models.SeriesKey]time.Time)
	c.warmHistory(ctx)

	inbox := newMailbox()
	commands := make(chan manualTrade)
	done := make(chan struct{})
	wctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.inbox, c.commands, c.cancel, c.done = inbox, commands, cancel, done
	c.mu.Unlock()

	if err := c.transition(ctx, op, to, "", allowed...); err != nil {
		cancel()
		close(done)
		return err
	}
	go c.run(wctx, inbox, commands, done)
	return nil
}

// halt stops scheduling steps and waits for the one in flight to finish.
func (c *Crew) halt() {
	c.mu.RLock()
	cancel, done := c.cancel, c.done
	c.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// working reports whether a worker goroutine is alive.
func (c *Crew) working() bool {
	c.mu.RLock()
	done := c.done
	c.mu.RUnlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (c *Crew) sink() marketdata.Sink {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inbox
}

func (c *Crew) warmHistory(ctx context.Context) {
	n := c.deps.Options.HistorySize
	if n <= 0 || c.deps.Market == nil {
		return
	}
	now := c.deps.Clock.Now()
	for _, sub := range c.Info().Subscriptions {
		end := sub.Interval.Floor(now)
		start := end.Add(-time.Duration(n) * sub.Interval.Duration())
		res, err := c.deps.Market.GetCandles(ctx, sub.Symbol, sub.Interval, start, end, marketdata.Options{})
		if err != nil {
			c.log().WithError(err).WithField("series", sub.Key().String()).Warn("Failed to load candle history")
			continue
		}
		if len(res.Candles) > 0 {
			c.history[sub.Key()] = res.Candles
			c.last[sub.Key()] = res.Candles[len(res.Candles)-1].OpenTime
		}
	}
}

func (c *Crew) run(ctx context.Context, inbox *mailbox, commands chan manualTrade, done chan struct{}) {
	defer close(done)
	c.log().Info("Crew worker started")
	defer c.log().Info("Crew worker stopped")

	// Steps run on a context that ignores cancellation, so a fill already
	// dispatched is always applied before the worker exits.
	stepCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-inbox.notify:
			for _, candle := range inbox.drain() {
				if ctx.Err() != nil {
					return
				}
				if err := c.handleCandle(stepCtx, candle); err != nil {
					c.fail(stepCtx, err)
					return
				}
			}
		case cmd := <-commands:
			res := c.handleManual(stepCtx, cmd)
			cmd.reply <- res
			if res.err != nil && models.Classify(res.err) == models.FatalToCrew {
				c.fail(stepCtx, res.err)
				return
			}
		}
	}
}

func (c *Crew) fail(ctx context.Context, cause error) {
	c.log().WithError(cause).WithField("disposition", models.Classify(cause).String()).Error("Crew failed")
	if err := c.transition(ctx, "fail", models.CrewStatusFailed, cause.Error(), models.CrewStatusRunning, models.CrewStatusPaused); err != nil {
		c.log().WithError(err).Error("Failed to record crew failure")
	}
	if c.onExit != nil {
		c.onExit(c.id)
	}
}

func (c *Crew) handleCandle(ctx context.Context, candle models.Candle) error {
	key := candle.Key()
	if last, ok := c.last[key]; ok && !candle.OpenTime.After(last) {
		return nil
	}
	c.last[key] = candle.OpenTime

	h := append(c.history[key], candle)
	if n := c.deps.Options.HistorySize; n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	c.history[key] = h

	// Paused crews keep their history current but take no decisions.
	if c.Status() != models.CrewStatusRunning {
		c.log().WithField("open_time", candle.OpenTime).Debug("Crew paused, skipping decision")
		return nil
	}
	return c.step(ctx, candle, h[:len(h):len(h)])
}

func (c *Crew) step(ctx context.Context, candle models.Candle, history []models.Candle) error {
	bound := c.strategy.Load()
	info := c.Info()

	intents, err := decide(bound, strategy.DecisionInput{
		CrewID:     c.id,
		Candle:     candle,
		History:    history,
		Position:   c.book.Position(candle.Symbol),
		Parameters: map[string]float64{"risk_percentage": info.RiskPercentage},
	})
	if err != nil {
		return err
	}

	for _, intent := range intents {
		var ok bool
		intent, ok = c.limit(c.prepare(intent, candle.Symbol), info.MaxPositionSize)
		if !ok {
			continue
		}
		_, _, err := c.execute(ctx, info.Mode, intent, candle)
		if errors.Is(err, models.ErrValidation) {
			c.log().WithError(err).WithField("strategy", bound.Ref().String()).Warn("Dropping invalid order intent")
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// decide runs the bound decider, turning a panic into an error that fails
// only this crew.
func decide(bound *strategy.Bound, in strategy.DecisionInput) (intents []models.OrderIntent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decider %s panicked: %v", bound.Ref(), r)
		}
	}()
	return bound.Decide(in), nil
}

func (c *Crew) prepare(intent models.OrderIntent, symbol string) models.OrderIntent {
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if intent.Symbol == "" {
		intent.Symbol = symbol
	}
	intent.CrewID = c.id
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = c.deps.Clock.Now()
	}
	return intent
}

// limit clips intent so that |net| stays within maxSize.
func (c *Crew) limit(intent models.OrderIntent, maxSize decimal.Decimal) (models.OrderIntent, bool) {
	if !maxSize.IsPositive() {
		return intent, true
	}
	net := c.book.Position(intent.Symbol).NetQuantity
	allowed := ledger.Clip(net, intent.Side, intent.Quantity, maxSize)
	if !allowed.IsPositive() {
		c.log().WithFields(logrus.Fields{"intent_id": intent.ID, "symbol": intent.Symbol}).Info("Dropping intent at max position size")
		return intent, false
	}
	if allowed.LessThan(intent.Quantity) {
		c.log().WithFields(logrus.Fields{
			"intent_id": intent.ID,
			"requested": intent.Quantity.String(),
			"allowed":   allowed.String(),
		}).Info("Clipping intent to max position size")
		intent.Quantity = allowed
	}
	return intent, true
}

// execute fills intent and applies the fill to the ledger. The fill is
// stored before the position so a re-derivation from fills is always possible.
func (c *Crew) execute(ctx context.Context, mode models.CrewMode, intent models.OrderIntent, candle models.Candle) (models.Fill, bool, error) {
	if err := intent.Validate(); err != nil {
		return models.Fill{}, false, err
	}

	var fill models.Fill
	switch mode {
	case models.CrewModeLive:
		dctx := ctx
		if t := c.deps.Options.DispatchTimeout; t > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, t)
			defer cancel()
		}
		f, err := c.deps.Executor.Execute(dctx, intent)
		if errors.Is(err, models.ErrNotFilled) {
			c.log().WithFields(logrus.Fields{"intent_id": intent.ID, "symbol": intent.Symbol}).Debug("Live order expired unfilled")
			return models.Fill{}, false, nil
		}
		if err != nil {
			return models.Fill{}, false, err
		}
		fill = f
		if fill.ID == "" {
			fill.ID = uuid.NewString()
		}
		if fill.Timestamp.IsZero() {
			fill.Timestamp = c.deps.Clock.Now()
		}
	default:
		f, ok, err := c.deps.Simulator.Simulate(intent, candle)
		if err != nil {
			return models.Fill{}, false, err
		}
		if !ok {
			c.log().WithFields(logrus.Fields{"intent_id": intent.ID, "symbol": intent.Symbol}).Debug("Limit order not filled")
			return models.Fill{}, false, nil
		}
		fill = f
	}

	fill.CrewID = c.id
	fill.IntentID = intent.ID
	if fill.Symbol == "" {
		fill.Symbol = intent.Symbol
	}
	if fill.Side == "" {
		fill.Side = intent.Side
	}
	fill.Sequence = c.book.NextSequence()

	if err := c.book.Check(fill, intent.Quantity); err != nil {
		return models.Fill{}, false, err
	}
	if err := c.deps.Repos.Fills.Save(ctx, fill); err != nil {
		return models.Fill{}, false, asPersistence("save fill", err)
	}
	pos, realized, err := c.book.Apply(fill)
	if err != nil {
		return models.Fill{}, false, err
	}
	if err := c.deps.Repos.Positions.Save(ctx, pos); err != nil {
		return models.Fill{}, false, asPersistence("save position", err)
	}

	c.log().WithFields(logrus.Fields{
		"intent_id":    intent.ID,
		"symbol":       fill.Symbol,
		"side":         fill.Side,
		"price":        fill.Price.String(),
		"quantity":     fill.Quantity.String(),
		"realized_pnl": realized.String(),
		"net_quantity": pos.NetQuantity.String(),
	}).Info("Recorded fill")
	c.publish(ctx, events.FillRecorded, fill)
	return fill, true, nil
}

// submit hands a manual paper trade to the worker so it is serialized with
// automatic steps.
func (c *Crew) submit(ctx context.Context, intent models.OrderIntent) (models.Fill, bool, error) {
	info := c.Info()
	if info.Mode != models.CrewModePaper {
		return models.Fill{}, false, models.NewValidationError("mode", "crew %s trades %s; paper trades need a PAPER crew", c.id, info.Mode)
	}
	if !info.Status.Active() {
		return models.Fill{}, false, &models.InvalidTransitionError{CrewID: c.id, From: info.Status, Op: "submit trade"}
	}

	c.mu.RLock()
	commands, done := c.commands, c.done
	c.mu.RUnlock()

	reply := make(chan manualResult, 1)
	select {
	case commands <- manualTrade{ctx: ctx, intent: intent, reply: reply}:
	case <-done:
		return models.Fill{}, false, &models.InvalidTransitionError{CrewID: c.id, From: c.Status(), Op: "submit trade"}
	case <-ctx.Done():
		return models.Fill{}, false, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.fill, res.filled, res.err
	case <-ctx.Done():
		return models.Fill{}, false, ctx.Err()
	}
}

func (c *Crew) handleManual(stepCtx context.Context, cmd manualTrade) manualResult {
	intent := c.prepare(cmd.intent, cmd.intent.Symbol)
	if err := intent.Validate(); err != nil {
		return manualResult{err: err}
	}

	interval, ok := c.Info().IntervalFor(intent.Symbol)
	if !ok {
		return manualResult{err: models.NewValidationError("symbol", "crew %s is not subscribed to %s", c.id, intent.Symbol)}
	}

	maxSize := c.Info().MaxPositionSize
	if clipped, ok := c.limit(intent, maxSize); !ok || !clipped.Quantity.Equal(intent.Quantity) {
		return manualResult{err: models.NewValidationError("quantity", "order would exceed max position size %s", maxSize)}
	}

	candle, err := c.deps.Market.LatestClose(cmd.ctx, models.SeriesKey{Symbol: intent.Symbol, Interval: interval}, 2)
	if err != nil {
		return manualResult{err: err}
	}

	fill, filled, err := c.execute(stepCtx, models.CrewModePaper, intent, candle)
	return manualResult{fill: fill, filled: filled, err: err}
}

func asPersistence(op string, err error) error {
	var pe *models.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &models.PersistenceError{Op: op, Err: err}
}
