package optimizer

import (
	"context"
	"math"
	"time"

	"github.com/gregtusar/crews/pkg/backtest"
	"github.com/gregtusar/crews/pkg/clock"
	"github.com/gregtusar/crews/pkg/marketdata"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/gregtusar/crews/pkg/strategy"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Candles supplies the replay window.
type Candles interface {
	GetCandles(ctx context.Context, symbol string, interval models.Interval, start, end time.Time, opts marketdata.Options) (*marketdata.Result, error)
}

type GridConfig struct {
	// Window is how many recent candles each candidate is replayed over.
	Window int
	// Steps multiply each parameter to build its neighbours.
	Steps []float64
	// MaxIterations caps the candidates evaluated per proposal.
	MaxIterations int
	// MinSnapshots is how many performance snapshots from the lookback a
	// crew needs before it is tuned.
	MinSnapshots   int
	Parallelism    int
	InitialCapital decimal.Decimal
}

func DefaultGridConfig() GridConfig {
	return GridConfig{
		Window:         500,
		Steps:          []float64{0.5, 0.8, 1.25, 1.5},
		MaxIterations:  64,
		MinSnapshots:   1,
		Parallelism:    4,
		InitialCapital: decimal.NewFromInt(10000),
	}
}

// GridSearch scores the current parameters and their one-parameter
// neighbours by backtesting them over the crew's most recent candles. Only
// the decider's tunable parameters are varied.
type GridSearch struct {
	candles  Candles
	deciders *strategy.Registry
	runner   *backtest.Runner
	clock    clock.Clock
	cfg      GridConfig
	logger   *logrus.Logger
}

func NewGridSearch(candles Candles, deciders *strategy.Registry, runner *backtest.Runner, clk clock.Clock, cfg GridConfig, logger *logrus.Logger) *GridSearch {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &GridSearch{
		candles:  candles,
		deciders: deciders,
		runner:   runner,
		clock:    clk,
		cfg:      cfg,
		logger:   logger,
	}
}

func (g *GridSearch) Propose(ctx context.Context, req Request) (*Proposal, error) {
	if len(req.Crew.Subscriptions) == 0 {
		return nil, nil
	}
	if n := len(req.Snapshots); n < g.cfg.MinSnapshots {
		g.logger.WithFields(logrus.Fields{
			"crew_id":   req.Crew.ID,
			"snapshots": n,
			"required":  g.cfg.MinSnapshots,
		}).Debug("Not enough performance history to optimize")
		return nil, nil
	}
	sub := req.Crew.Subscriptions[0]
	end := sub.Interval.Floor(g.clock.Now())
	start := end.Add(-time.Duration(g.cfg.Window) * sub.Interval.Duration())
	res, err := g.candles.GetCandles(ctx, sub.Symbol, sub.Interval, start, end, marketdata.Options{})
	if err != nil {
		return nil, err
	}
	if len(res.Candles) < 2 {
		g.logger.WithField("crew_id", req.Crew.ID).Debug("Not enough candles to optimize")
		return nil, nil
	}

	base, err := g.deciders.Bind(req.Strategy)
	if err != nil {
		return nil, err
	}
	current := base.Parameters()
	candidates := append([]map[string]float64{current}, g.neighbours(current, base.Tunable())...)

	btCfg := backtest.Config{
		InitialCapital:  g.cfg.InitialCapital,
		MaxPositionSize: req.Crew.MaxPositionSize,
		RiskPercentage:  req.Crew.RiskPercentage,
	}
	scores := make([]float64, len(candidates))

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Parallelism)
	for i, params := range candidates {
		eg.Go(func() error {
			bound, err := g.deciders.Bind(&models.Strategy{
				ID:         req.Strategy.ID,
				Version:    req.Strategy.Version,
				Decider:    req.Strategy.Decider,
				Parameters: params,
			})
			if err != nil {
				return err
			}
			result, err := g.runner.Run(ectx, bound, res.Candles, btCfg)
			if err != nil {
				return err
			}
			scores[i] = req.Objective.Score(result.Snapshot)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}

	g.logger.WithFields(logrus.Fields{
		"crew_id":   req.Crew.ID,
		"evaluated": len(candidates),
		"baseline":  scores[0],
		"best":      scores[best],
	}).Debug("Grid search finished")

	return &Proposal{
		Parameters: candidates[best],
		Score:      scores[best],
		Baseline:   scores[0],
		Evaluated:  len(candidates),
	}, nil
}

// neighbours varies one of keys at a time by each step. Integral
// parameters stay integral and positive; duplicates are skipped.
func (g *GridSearch) neighbours(params map[string]float64, keys []string) []map[string]float64 {
	var out []map[string]float64
	seen := make(map[string]bool)
	for _, k := range keys {
		v := params[k]
		if v == 0 {
			continue
		}
		for _, step := range g.cfg.Steps {
			nv := v * step
			if v == math.Trunc(v) {
				nv = math.Max(1, math.Round(nv))
			} else {
				nv = math.Round(nv*1e4) / 1e4
			}
			if nv == v {
				continue
			}
			id := k + "=" + decimal.NewFromFloat(nv).String()
			if seen[id] {
				continue
			}
			seen[id] = true
			cand := make(map[string]float64, len(params))
			for pk, pv := range params {
				cand[pk] = pv
			}
			cand[k] = nv
			out = append(out, cand)
			if g.cfg.MaxIterations > 0 && len(out) >= g.cfg.MaxIterations {
				return out
			}
		}
	}
	return out
}
