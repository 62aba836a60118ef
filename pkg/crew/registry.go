package crew

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gregtusar/crews/pkg/events"
	"github.com/gregtusar/crews/pkg/ledger"
	"github.com/gregtusar/crews/pkg/marketdata"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/gregtusar/crews/pkg/strategy"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Subscriber routes candles of a series to a crew.
type Subscriber interface {
	Subscribe(key models.SeriesKey, id string, sink marketdata.Sink) error
	Unsubscribe(id string)
}

type CreateRequest struct {
	Name            string                `json:"name"`
	OwnerID         string                `json:"owner_id"`
	StrategyRef     models.StrategyRef    `json:"strategy_ref"`
	Mode            models.CrewMode       `json:"mode"`
	Subscriptions   []models.Subscription `json:"subscriptions"`
	MaxPositionSize decimal.Decimal       `json:"max_position_size"`
	RiskPercentage  float64               `json:"risk_percentage"`
}

func (r CreateRequest) validate() error {
	if r.Name == "" {
		return models.NewValidationError("name", "must not be empty")
	}
	if !r.Mode.Valid() {
		return models.NewValidationError("mode", "must be PAPER or LIVE, got %q", r.Mode)
	}
	if len(r.Subscriptions) == 0 {
		return models.NewValidationError("subscriptions", "at least one symbol and interval is required")
	}
	seen := make(map[string]bool)
	for _, s := range r.Subscriptions {
		if s.Symbol == "" {
			return models.NewValidationError("subscriptions", "symbol must not be empty")
		}
		if !s.Interval.Valid() {
			return &models.InvalidIntervalError{Interval: string(s.Interval)}
		}
		if seen[s.Symbol] {
			return models.NewValidationError("subscriptions", "%s is subscribed twice", s.Symbol)
		}
		seen[s.Symbol] = true
	}
	if r.MaxPositionSize.IsNegative() {
		return models.NewValidationError("max_position_size", "must not be negative")
	}
	if r.RiskPercentage < 0 || r.RiskPercentage > 100 {
		return models.NewValidationError("risk_percentage", "must be within [0, 100], got %v", r.RiskPercentage)
	}
	return nil
}

// Registry owns every crew of the process and enforces at most one active
// run per crew id.
type Registry struct {
	deps       *Deps
	strategies *strategy.Book
	feed       Subscriber

	mu    sync.RWMutex
	crews map[string]*Crew
}

func NewRegistry(deps *Deps, strategies *strategy.Book, feed Subscriber) *Registry {
	return &Registry{
		deps:       deps,
		strategies: strategies,
		feed:       feed,
		crews:      make(map[string]*Crew),
	}
}

// Load restores crews from the repository and relaunches the ones that were
// active when the process last stopped.
func (r *Registry) Load(ctx context.Context) error {
	stored, err := r.deps.Repos.Crews.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load crews: %w", err)
	}

	for _, info := range stored {
		c := r.track(info)
		if !info.Status.Active() {
			continue
		}
		c.opMu.Lock()
		err := r.launch(ctx, c, "restore", info.Status, info.Status)
		c.opMu.Unlock()
		if err != nil {
			r.deps.Logger.WithError(err).WithField("crew_id", info.ID).Error("Failed to relaunch crew")
			// launch has already recorded failures after the worker started.
			if c.Status().Terminal() {
				continue
			}
			if ferr := c.transition(ctx, "fail", models.CrewStatusFailed, err.Error(), info.Status); ferr != nil {
				r.deps.Logger.WithError(ferr).WithField("crew_id", info.ID).Error("Failed to record crew failure")
			}
		}
	}
	r.deps.Logger.WithField("crews", len(stored)).Info("Crews loaded")
	return nil
}

func (r *Registry) track(info *models.Crew) *Crew {
	c := newCrew(r.deps, info)
	c.onExit = r.feed.Unsubscribe
	r.mu.Lock()
	r.crews[info.ID] = c
	r.mu.Unlock()
	return c
}

func (r *Registry) crew(id string) (*Crew, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.crews[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "crew", ID: id}
	}
	return c, nil
}

// Create registers a new crew in CREATED state.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*models.Crew, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Mode == models.CrewModeLive && r.deps.Executor == nil {
		return nil, models.NewValidationError("mode", "LIVE crews need an order executor; none is configured")
	}
	if _, err := r.strategies.Resolve(ctx, req.StrategyRef); err != nil {
		return nil, err
	}

	now := r.deps.Clock.Now()
	info := &models.Crew{
		ID:              uuid.NewString(),
		Name:            req.Name,
		OwnerID:         req.OwnerID,
		StrategyRef:     req.StrategyRef,
		Mode:            req.Mode,
		Status:          models.CrewStatusCreated,
		Subscriptions:   append([]models.Subscription(nil), req.Subscriptions...),
		MaxPositionSize: req.MaxPositionSize,
		RiskPercentage:  req.RiskPercentage,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.deps.Repos.Crews.Save(ctx, info); err != nil {
		return nil, asPersistence("save crew", err)
	}
	c := r.track(info)

	r.deps.Logger.WithFields(logrus.Fields{
		"crew_id":  info.ID,
		"name":     info.Name,
		"mode":     info.Mode,
		"strategy": info.StrategyRef.String(),
	}).Info("Crew created")
	c.publish(ctx, events.CrewCreated, info)
	return info.Clone(), nil
}

func (r *Registry) Get(id string) (*models.Crew, error) {
	c, err := r.crew(id)
	if err != nil {
		return nil, err
	}
	return c.Info(), nil
}

// List returns every crew ordered by creation time.
func (r *Registry) List() []*models.Crew {
	r.mu.RLock()
	out := make([]*models.Crew, 0, len(r.crews))
	for _, c := range r.crews {
		out = append(out, c.Info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Running returns the crews currently in RUNNING state.
func (r *Registry) Running() []*models.Crew {
	var out []*models.Crew
	for _, c := range r.List() {
		if c.Status == models.CrewStatusRunning {
			out = append(out, c)
		}
	}
	return out
}

// Workers returns the number of live crew worker goroutines.
func (r *Registry) Workers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.crews {
		if c.working() {
			n++
		}
	}
	return n
}

// Start begins a run. A crew that is already RUNNING or PAUSED fails with
// DuplicateRunError; any other non-CREATED crew with InvalidTransitionError.
func (r *Registry) Start(ctx context.Context, id string) error {
	c, err := r.crew(id)
	if err != nil {
		return err
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	status := c.Status()
	if status.Active() {
		return &models.DuplicateRunError{CrewID: id}
	}
	if status != models.CrewStatusCreated {
		return &models.InvalidTransitionError{CrewID: id, From: status, Op: "start"}
	}
	return r.launch(ctx, c, "start", models.CrewStatusRunning, models.CrewStatusCreated)
}

// launch must be called with c.opMu held.
func (r *Registry) launch(ctx context.Context, c *Crew, op string, to models.CrewStatus, allowed ...models.CrewStatus) error {
	info := c.Info()
	bound, err := r.strategies.Resolve(ctx, info.StrategyRef)
	if err != nil {
		return err
	}
	fills, err := r.deps.Repos.Fills.ListBy(ctx, c.id)
	if err != nil {
		return asPersistence("list fills", err)
	}
	book, err := ledger.Restore(c.id, fills)
	if err != nil {
		return fmt.Errorf("failed to restore ledger of crew %s: %w", c.id, err)
	}

	if err := c.start(ctx, bound, book, op, to, allowed...); err != nil {
		return err
	}
	for _, sub := range info.Subscriptions {
		if err := r.feed.Subscribe(sub.Key(), c.id, c.sink()); err != nil {
			r.feed.Unsubscribe(c.id)
			c.halt()
			if terr := c.transition(ctx, "fail", models.CrewStatusFailed, err.Error(), to); terr != nil {
				r.deps.Logger.WithError(terr).WithField("crew_id", c.id).Error("Failed to record crew failure")
			}
			return err
		}
	}
	return nil
}

// Stop ends an active run after the step in flight has applied its fills.
func (r *Registry) Stop(ctx context.Context, id string) error {
	c, err := r.crew(id)
	if err != nil {
		return err
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if status := c.Status(); !status.Active() {
		return &models.InvalidTransitionError{CrewID: id, From: status, Op: "stop"}
	}
	r.feed.Unsubscribe(id)
	c.halt()
	return c.transition(ctx, "stop", models.CrewStatusStopped, "", models.CrewStatusRunning, models.CrewStatusPaused)
}

// Pause keeps the worker subscribed but skips decisions until Resume.
func (r *Registry) Pause(ctx context.Context, id string) error {
	c, err := r.crew(id)
	if err != nil {
		return err
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.transition(ctx, "pause", models.CrewStatusPaused, "", models.CrewStatusRunning)
}

func (r *Registry) Resume(ctx context.Context, id string) error {
	c, err := r.crew(id)
	if err != nil {
		return err
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.transition(ctx, "resume", models.CrewStatusRunning, "", models.CrewStatusPaused)
}

// Reset returns a terminal crew to CREATED so it can run again. Its fills and
// positions are kept.
func (r *Registry) Reset(ctx context.Context, id string) error {
	c, err := r.crew(id)
	if err != nil {
		return err
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.transition(ctx, "reset", models.CrewStatusCreated, "", models.CrewStatusStopped, models.CrewStatusFailed)
}

// Delete removes a crew in a terminal state.
func (r *Registry) Delete(ctx context.Context, id string) error {
	c, err := r.crew(id)
	if err != nil {
		return err
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if status := c.Status(); !status.Terminal() {
		return &models.CrewActiveError{CrewID: id, Status: status}
	}
	if err := r.deps.Repos.Crews.Delete(ctx, id); err != nil {
		return asPersistence("delete crew", err)
	}

	r.mu.Lock()
	delete(r.crews, id)
	r.mu.Unlock()

	r.deps.Logger.WithField("crew_id", id).Info("Crew deleted")
	c.publish(ctx, events.CrewDeleted, c.Info())
	return nil
}

// Rebind points the crew at another strategy version. A running crew picks
// it up at its next step; the step in flight keeps the old one.
func (r *Registry) Rebind(ctx context.Context, id string, ref models.StrategyRef) error {
	c, err := r.crew(id)
	if err != nil {
		return err
	}
	bound, err := r.strategies.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	return c.rebind(ctx, bound)
}

// SubmitTrade executes a manual paper trade on the crew's worker against the
// latest closed candle of the symbol. filled is false when a LIMIT order did
// not cross that candle.
func (r *Registry) SubmitTrade(ctx context.Context, id string, intent models.OrderIntent) (fill models.Fill, filled bool, err error) {
	c, err := r.crew(id)
	if err != nil {
		return models.Fill{}, false, err
	}
	return c.submit(ctx, intent)
}

// Shutdown stops every worker without changing crew status, so Load
// relaunches them on the next start.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	crews := make([]*Crew, 0, len(r.crews))
	for _, c := range r.crews {
		crews = append(crews, c)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range crews {
		wg.Add(1)
		go func(c *Crew) {
			defer wg.Done()
			r.feed.Unsubscribe(c.id)
			c.halt()
		}(c)
	}
	wg.Wait()
	r.deps.Logger.Info("All crew workers stopped")
}
