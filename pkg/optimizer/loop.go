package optimizer

import (
	"context"
	"time"

	"github.com/gregtusar/crews/pkg/clock"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Crews is the part of the crew registry the loop drives.
type Crews interface {
	Get(id string) (*models.Crew, error)
	Running() []*models.Crew
	Rebind(ctx context.Context, id string, ref models.StrategyRef) error
}

// Strategies reads and versions strategies.
type Strategies interface {
	Get(ctx context.Context, ref models.StrategyRef) (*models.Strategy, error)
	Publish(ctx context.Context, id string, params map[string]float64) (*models.Strategy, error)
}

// Performance records and reads crew snapshots.
type Performance interface {
	Record(ctx context.Context, crewID string, asOf time.Time) (models.PerformanceSnapshot, error)
	History(ctx context.Context, crewID string, r models.TimeRange) ([]models.PerformanceSnapshot, error)
}

type Config struct {
	Interval  time.Duration
	Lookback  time.Duration
	Objective Objective
	// Threshold is how much a proposal must beat the current parameters by.
	Threshold float64
	// Concurrency bounds how many crews are optimized at once.
	Concurrency int
}

type Loop struct {
	crews      Crews
	strategies Strategies
	perf       Performance
	optimizer  ParameterOptimizer
	clock      clock.Clock
	cfg        Config
	logger     *logrus.Logger

	inflight singleflight.Group
}

func NewLoop(crews Crews, strategies Strategies, perf Performance, optimizer ParameterOptimizer, clk clock.Clock, cfg Config, logger *logrus.Logger) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Objective == "" {
		cfg.Objective = ObjectiveNetPnL
	}
	return &Loop{
		crews:      crews,
		strategies: strategies,
		perf:       perf,
		optimizer:  optimizer,
		clock:      clk,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run executes a pass every cfg.Interval until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	if l.cfg.Interval <= 0 {
		return models.NewValidationError("interval", "optimization interval must be positive, got %s", l.cfg.Interval)
	}
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.logger.WithFields(logrus.Fields{
		"interval":  l.cfg.Interval,
		"objective": l.cfg.Objective,
		"threshold": l.cfg.Threshold,
	}).Info("Optimization loop started")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Optimization loop stopped")
			return nil
		case <-ticker.C:
			l.RunOnce(ctx)
		}
	}
}

// RunOnce optimizes every RUNNING crew. Failures are logged per crew and do
// not stop the pass.
func (l *Loop) RunOnce(ctx context.Context) []Outcome {
	running := l.crews.Running()
	outcomes := make([]Outcome, len(running))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)
	for i, c := range running {
		g.Go(func() error {
			out, err := l.Optimize(gctx, c.ID)
			if err != nil {
				l.logger.WithError(err).WithFields(logrus.Fields{
					"crew_id":     c.ID,
					"disposition": models.Classify(err).String(),
				}).Warn("Optimization failed")
				outcomes[i] = Outcome{CrewID: c.ID, From: c.StrategyRef, Reason: err.Error()}
				return nil
			}
			outcomes[i] = *out
			return nil
		})
	}
	_ = g.Wait()

	applied := 0
	for _, o := range outcomes {
		if o.Applied {
			applied++
		}
	}
	l.logger.WithFields(logrus.Fields{"crews": len(running), "rebound": applied}).Info("Optimization pass complete")
	return outcomes
}

// Optimize runs one optimization for crewID. Concurrent calls for the same
// crew share a single attempt.
func (l *Loop) Optimize(ctx context.Context, crewID string) (*Outcome, error) {
	v, err, _ := l.inflight.Do(crewID, func() (interface{}, error) {
		return l.optimize(ctx, crewID)
	})
	if err != nil {
		return nil, err
	}
	out := *v.(*Outcome)
	return &out, nil
}

func (l *Loop) optimize(ctx context.Context, crewID string) (*Outcome, error) {
	crew, err := l.crews.Get(crewID)
	if err != nil {
		return nil, err
	}
	out := &Outcome{CrewID: crewID, From: crew.StrategyRef}

	now := l.clock.Now()
	if _, err := l.perf.Record(ctx, crewID, now); err != nil {
		return nil, err
	}
	window := models.TimeRange{Start: now.Add(-l.cfg.Lookback), End: now.Add(time.Nanosecond)}
	snaps, err := l.perf.History(ctx, crewID, window)
	if err != nil {
		return nil, err
	}
	out.Snapshots = len(snaps)

	current, err := l.strategies.Get(ctx, crew.StrategyRef)
	if err != nil {
		return nil, err
	}

	proposal, err := l.optimizer.Propose(ctx, Request{
		Crew:      crew,
		Strategy:  current,
		Snapshots: snaps,
		Objective: l.cfg.Objective,
	})
	if err != nil {
		return nil, err
	}
	if proposal == nil {
		out.Reason = "no proposal"
		return out, nil
	}

	out.Baseline = proposal.Baseline
	out.Score = proposal.Score
	out.Evaluated = proposal.Evaluated
	out.Improvement = proposal.Improvement()
	if out.Improvement <= l.cfg.Threshold {
		out.Reason = "improvement below threshold"
		l.logger.WithFields(logrus.Fields{
			"crew_id":     crewID,
			"improvement": out.Improvement,
			"threshold":   l.cfg.Threshold,
		}).Debug("Keeping current parameters")
		return out, nil
	}

	next, err := l.strategies.Publish(ctx, current.ID, proposal.Parameters)
	if err != nil {
		return nil, err
	}
	if err := l.crews.Rebind(ctx, crewID, next.Ref()); err != nil {
		return nil, err
	}

	out.To = next.Ref()
	out.Applied = true
	out.Reason = "improved " + string(l.cfg.Objective)
	l.logger.WithFields(logrus.Fields{
		"crew_id":     crewID,
		"from":        out.From.String(),
		"to":          out.To.String(),
		"baseline":    out.Baseline,
		"score":       out.Score,
		"improvement": out.Improvement,
	}).Info("Crew strategy optimized")
	return out, nil
}
