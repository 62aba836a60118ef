package performance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gregtusar/crews/pkg/clock"
	"github.com/gregtusar/crews/pkg/events"
	"github.com/gregtusar/crews/pkg/marketdata"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/gregtusar/crews/pkg/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Market supplies the closes used to mark open positions.
type Market interface {
	GetCandles(ctx context.Context, symbol string, interval models.Interval, start, end time.Time, opts marketdata.Options) (*marketdata.Result, error)
}

type Config struct {
	InitialCapital decimal.Decimal
}

// Report is a snapshot together with the equity curve it was computed from.
type Report struct {
	Snapshot models.PerformanceSnapshot `json:"snapshot"`
	Curve    []Point                    `json:"equity_curve"`
}

type Aggregator struct {
	repos  *repository.Set
	market Market
	events events.Publisher
	clock  clock.Clock
	cfg    Config
	logger *logrus.Logger
}

func NewAggregator(repos *repository.Set, market Market, publisher events.Publisher, clk clock.Clock, cfg Config, logger *logrus.Logger) *Aggregator {
	return &Aggregator{
		repos:  repos,
		market: market,
		events: publisher,
		clock:  clk,
		cfg:    cfg,
		logger: logger,
	}
}

// Snapshot computes the crew's performance as of asOf from its stored fills.
func (a *Aggregator) Snapshot(ctx context.Context, crewID string, asOf time.Time) (models.PerformanceSnapshot, error) {
	report, err := a.Report(ctx, crewID, asOf)
	if err != nil {
		return models.PerformanceSnapshot{}, err
	}
	return report.Snapshot, nil
}

func (a *Aggregator) Report(ctx context.Context, crewID string, asOf time.Time) (*Report, error) {
	crew, err := a.repos.Crews.Get(ctx, crewID)
	if err != nil {
		return nil, err
	}
	fills, err := a.repos.Fills.ListBy(ctx, crewID)
	if err != nil {
		return nil, &models.PersistenceError{Op: "list fills", Err: err}
	}

	marks, err := a.marks(ctx, crew, fills, asOf)
	if err != nil {
		return nil, err
	}

	in := Inputs{
		CrewID:         crewID,
		AsOf:           asOf,
		Fills:          fills,
		Marks:          marks,
		InitialCapital: a.cfg.InitialCapital,
	}
	if len(crew.Subscriptions) > 0 {
		in.PeriodsPerYear = PeriodsPerYear(crew.Subscriptions[0].Interval)
	}

	snap, curve, err := Compute(in)
	if err != nil {
		return nil, err
	}
	snap.StrategyRef = crew.StrategyRef
	return &Report{Snapshot: snap, Curve: curve}, nil
}

// marks loads the closed candles of every subscribed series from the first
// fill up to asOf.
func (a *Aggregator) marks(ctx context.Context, crew *models.Crew, fills []models.Fill, asOf time.Time) (map[string][]models.Candle, error) {
	var first time.Time
	for _, f := range fills {
		if f.Timestamp.After(asOf) {
			continue
		}
		if first.IsZero() || f.Timestamp.Before(first) {
			first = f.Timestamp
		}
	}
	if first.IsZero() {
		return nil, nil
	}

	out := make(map[string][]models.Candle, len(crew.Subscriptions))
	for _, sub := range crew.Subscriptions {
		start := sub.Interval.Floor(first)
		if !asOf.After(start) {
			continue
		}
		res, err := a.market.GetCandles(ctx, sub.Symbol, sub.Interval, start, asOf, marketdata.Options{})
		if err != nil {
			return nil, fmt.Errorf("failed to load marks for %s: %w", sub.Key(), err)
		}
		out[sub.Symbol] = res.Candles
	}
	return out, nil
}

// Record computes a snapshot, stores it and publishes it.
func (a *Aggregator) Record(ctx context.Context, crewID string, asOf time.Time) (models.PerformanceSnapshot, error) {
	report, err := a.RecordReport(ctx, crewID, asOf)
	if err != nil {
		return models.PerformanceSnapshot{}, err
	}
	return report.Snapshot, nil
}

// RecordReport is Record returning the equity curve as well.
func (a *Aggregator) RecordReport(ctx context.Context, crewID string, asOf time.Time) (*Report, error) {
	report, err := a.Report(ctx, crewID, asOf)
	if err != nil {
		return nil, err
	}
	snap := report.Snapshot
	if err := a.repos.Snapshots.Save(ctx, snap); err != nil {
		return nil, &models.PersistenceError{Op: "save snapshot", Err: err}
	}

	a.logger.WithFields(logrus.Fields{
		"crew_id":      crewID,
		"as_of":        asOf,
		"net_pnl":      snap.NetPnL.String(),
		"max_drawdown": snap.MaxDrawdown.String(),
		"fills":        snap.FillCount,
	}).Debug("Recorded performance snapshot")

	ev, err := events.New(events.PerformanceSnapshot, crewID, a.clock.Now(), snap)
	if err == nil {
		err = a.events.Publish(ctx, ev)
	}
	if err != nil {
		a.logger.WithError(err).WithField("crew_id", crewID).Warn("Failed to publish performance snapshot")
	}
	return report, nil
}

// History returns the stored snapshots with AsOf inside r, oldest first.
func (a *Aggregator) History(ctx context.Context, crewID string, r models.TimeRange) ([]models.PerformanceSnapshot, error) {
	all, err := a.repos.Snapshots.ListBy(ctx, crewID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, &models.PersistenceError{Op: "list snapshots", Err: err}
	}

	var out []models.PerformanceSnapshot
	for _, s := range all {
		if r.Contains(s.AsOf) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AsOf.Before(out[j].AsOf) })
	return out, nil
}
