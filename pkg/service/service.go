// Package service exposes the crew engine's operations to outer layers. It
// checks that the calling principal owns the crew it acts on and otherwise
// delegates to the registry, the strategy book, the performance aggregator
// and the optimization loop.
package service

import (
	"context"
	"sort"
	"time"

	"github.com/gregtusar/crews/pkg/clock"
	"github.com/gregtusar/crews/pkg/crew"
	"github.com/gregtusar/crews/pkg/ledger"
	"github.com/gregtusar/crews/pkg/marketdata"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/gregtusar/crews/pkg/optimizer"
	"github.com/gregtusar/crews/pkg/performance"
	"github.com/gregtusar/crews/pkg/repository"
	"github.com/gregtusar/crews/pkg/strategy"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Principal is the authenticated caller.
type Principal struct {
	ID    string
	Admin bool
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller attached to ctx. Calls without one come
// from inside the process and are trusted.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Optimizer runs one optimization attempt for a crew.
type Optimizer interface {
	Optimize(ctx context.Context, crewID string) (*optimizer.Outcome, error)
}

// Candles reads market data through the store.
type Candles interface {
	GetCandles(ctx context.Context, symbol string, interval models.Interval, start, end time.Time, opts marketdata.Options) (*marketdata.Result, error)
}

type Deps struct {
	Crews       *crew.Registry
	Strategies  *strategy.Book
	Fills       repository.FillRepository
	Performance *performance.Aggregator
	Optimizer   Optimizer
	Market      Candles
	Clock       clock.Clock
	Logger      *logrus.Logger
}

type Service struct {
	crews      *crew.Registry
	strategies *strategy.Book
	fills      repository.FillRepository
	perf       *performance.Aggregator
	optimizer  Optimizer
	market     Candles
	clock      clock.Clock
	logger     *logrus.Logger
}

func New(d Deps) *Service {
	return &Service{
		crews:      d.Crews,
		strategies: d.Strategies,
		fills:      d.Fills,
		perf:       d.Performance,
		optimizer:  d.Optimizer,
		market:     d.Market,
		clock:      d.Clock,
		logger:     d.Logger,
	}
}

func canAccess(p Principal, c *models.Crew) bool {
	return p.Admin || c.OwnerID == "" || c.OwnerID == p.ID
}

// authorized returns the crew if the caller may act on it.
func (s *Service) authorized(ctx context.Context, crewID string) (*models.Crew, error) {
	c, err := s.crews.Get(crewID)
	if err != nil {
		return nil, err
	}
	if p, ok := PrincipalFrom(ctx); ok && !canAccess(p, c) {
		s.logger.WithFields(logrus.Fields{"crew_id": crewID, "principal": p.ID}).Warn("Permission denied")
		return nil, &models.PermissionError{Principal: p.ID, Resource: "crew/" + crewID}
	}
	return c, nil
}

// CreateCrew registers a crew owned by the caller. A strategy reference
// without a version binds the latest version.
func (s *Service) CreateCrew(ctx context.Context, req crew.CreateRequest) (*models.Crew, error) {
	if p, ok := PrincipalFrom(ctx); ok {
		switch {
		case req.OwnerID == "":
			req.OwnerID = p.ID
		case req.OwnerID != p.ID && !p.Admin:
			return nil, &models.PermissionError{Principal: p.ID, Resource: "owner/" + req.OwnerID}
		}
	}
	if req.StrategyRef.ID == "" {
		return nil, models.NewValidationError("strategy_ref", "strategy id is required")
	}
	if req.StrategyRef.Version == 0 {
		latest, err := s.strategies.Latest(ctx, req.StrategyRef.ID)
		if err != nil {
			return nil, err
		}
		req.StrategyRef = latest.Ref()
	}
	return s.crews.Create(ctx, req)
}

func (s *Service) GetCrew(ctx context.Context, crewID string) (*models.Crew, error) {
	return s.authorized(ctx, crewID)
}

// ListCrews returns the crews the caller may see.
func (s *Service) ListCrews(ctx context.Context) []*models.Crew {
	all := s.crews.List()
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return all
	}
	out := make([]*models.Crew, 0, len(all))
	for _, c := range all {
		if canAccess(p, c) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Service) StartCrew(ctx context.Context, crewID string) (*models.Crew, error) {
	return s.lifecycle(ctx, crewID, s.crews.Start)
}

// StopCrew returns once the step in flight has applied its fills.
func (s *Service) StopCrew(ctx context.Context, crewID string) (*models.Crew, error) {
	return s.lifecycle(ctx, crewID, s.crews.Stop)
}

func (s *Service) PauseCrew(ctx context.Context, crewID string) (*models.Crew, error) {
	return s.lifecycle(ctx, crewID, s.crews.Pause)
}

func (s *Service) ResumeCrew(ctx context.Context, crewID string) (*models.Crew, error) {
	return s.lifecycle(ctx, crewID, s.crews.Resume)
}

func (s *Service) ResetCrew(ctx context.Context, crewID string) (*models.Crew, error) {
	return s.lifecycle(ctx, crewID, s.crews.Reset)
}

func (s *Service) DeleteCrew(ctx context.Context, crewID string) error {
	if _, err := s.authorized(ctx, crewID); err != nil {
		return err
	}
	return s.crews.Delete(ctx, crewID)
}

func (s *Service) lifecycle(ctx context.Context, crewID string, op func(context.Context, string) error) (*models.Crew, error) {
	if _, err := s.authorized(ctx, crewID); err != nil {
		return nil, err
	}
	if err := op(ctx, crewID); err != nil {
		return nil, err
	}
	return s.crews.Get(crewID)
}

type TradeRequest struct {
	Symbol     string           `json:"symbol"`
	Side       models.OrderSide `json:"side"`
	Type       models.OrderType `json:"order_type"`
	Quantity   decimal.Decimal  `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
}

// TradeResult reports a manual trade. Filled is false when a LIMIT order
// did not cross the latest closed candle.
type TradeResult struct {
	Filled bool         `json:"filled"`
	Fill   *models.Fill `json:"fill,omitempty"`
}

// SubmitPaperTrade executes a manual trade on a running PAPER crew against
// the latest closed candle of the symbol.
func (s *Service) SubmitPaperTrade(ctx context.Context, crewID string, req TradeRequest) (*TradeResult, error) {
	if _, err := s.authorized(ctx, crewID); err != nil {
		return nil, err
	}
	if req.Type == "" {
		req.Type = models.OrderTypeMarket
	}
	intent := models.OrderIntent{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
	}
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	fill, filled, err := s.crews.SubmitTrade(ctx, crewID, intent)
	if err != nil {
		return nil, err
	}
	if !filled {
		return &TradeResult{}, nil
	}
	return &TradeResult{Filled: true, Fill: &fill}, nil
}

// ListTrades returns the fills of crewID, or of every crew the caller may
// see when crewID is empty, in timestamp then sequence order.
func (s *Service) ListTrades(ctx context.Context, crewID string) ([]models.Fill, error) {
	if crewID != "" {
		if _, err := s.authorized(ctx, crewID); err != nil {
			return nil, err
		}
		fills, err := s.fills.ListBy(ctx, crewID)
		if err != nil {
			return nil, &models.PersistenceError{Op: "list fills", Err: err}
		}
		ledger.SortFills(fills)
		return fills, nil
	}

	visible := make(map[string]bool)
	for _, c := range s.ListCrews(ctx) {
		visible[c.ID] = true
	}
	all, err := s.fills.List(ctx)
	if err != nil {
		return nil, &models.PersistenceError{Op: "list fills", Err: err}
	}
	out := make([]models.Fill, 0, len(all))
	for _, f := range all {
		if visible[f.CrewID] {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		if out[i].CrewID != out[j].CrewID {
			return out[i].CrewID < out[j].CrewID
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

// Performance is a crew's snapshot at the end of the requested range, the
// equity curve leading to it and the snapshots recorded inside the range.
type Performance struct {
	Snapshot models.PerformanceSnapshot   `json:"snapshot"`
	Curve    []performance.Point          `json:"equity_curve"`
	History  []models.PerformanceSnapshot `json:"history"`
}

// GetPerformance computes and records the crew's snapshot as of the end of
// r, or as of now without a range. Ranges are half-open, so fills at r.End
// are excluded.
func (s *Service) GetPerformance(ctx context.Context, crewID string, r *models.TimeRange) (*Performance, error) {
	if _, err := s.authorized(ctx, crewID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	asOf := now
	window := models.TimeRange{End: now.Add(time.Nanosecond)}
	if r != nil {
		if r.Empty() {
			return nil, models.NewValidationError("range", "end must be after start")
		}
		window = *r
		if r.End.Before(now) {
			asOf = r.End.Add(-time.Nanosecond)
		}
	}

	report, err := s.perf.RecordReport(ctx, crewID, asOf)
	if err != nil {
		return nil, err
	}
	history, err := s.perf.History(ctx, crewID, window)
	if err != nil {
		return nil, err
	}
	return &Performance{Snapshot: report.Snapshot, Curve: report.Curve, History: history}, nil
}

// RequestOptimization runs one optimization for the crew now, outside the
// loop's schedule. Concurrent requests for a crew share one attempt.
func (s *Service) RequestOptimization(ctx context.Context, crewID string) (*optimizer.Outcome, error) {
	if _, err := s.authorized(ctx, crewID); err != nil {
		return nil, err
	}
	out, err := s.optimizer.Optimize(ctx, crewID)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"crew_id": crewID,
		"applied": out.Applied,
		"reason":  out.Reason,
	}).Info("Optimization requested")
	return out, nil
}

type StrategyRequest struct {
	ID         string             `json:"id"`
	Decider    string             `json:"decider"`
	Parameters map[string]float64 `json:"parameters"`
}

// RegisterStrategy creates version 1 of a strategy. Missing parameters take
// the decider's defaults.
func (s *Service) RegisterStrategy(ctx context.Context, req StrategyRequest) (*models.Strategy, error) {
	d, err := s.strategies.Registry().Get(req.Decider)
	if err != nil {
		return nil, models.NewValidationError("decider", "unknown decider %q", req.Decider)
	}
	params := d.Defaults()
	for k, v := range req.Parameters {
		params[k] = v
	}
	return s.strategies.Register(ctx, req.ID, req.Decider, params)
}

func (s *Service) ListStrategies(ctx context.Context) ([]*models.Strategy, error) {
	return s.strategies.List(ctx)
}

func (s *Service) StrategyVersions(ctx context.Context, id string) ([]*models.Strategy, error) {
	versions, err := s.strategies.Versions(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, &models.NotFoundError{Kind: "strategy", ID: id}
	}
	return versions, nil
}

// Deciders lists the decision functions strategies can be built on.
func (s *Service) Deciders() []string {
	return s.strategies.Registry().Names()
}

// Candles reads a candle range through the market data store.
func (s *Service) Candles(ctx context.Context, symbol, interval string, start, end time.Time, strict bool) (*marketdata.Result, error) {
	iv, err := models.ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	if symbol == "" {
		return nil, models.NewValidationError("symbol", "must not be empty")
	}
	return s.market.GetCandles(ctx, symbol, iv, start, end, marketdata.Options{Strict: strict})
}
