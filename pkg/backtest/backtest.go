// Package backtest replays a candle series through a decider on a
// simulation clock.
package backtest

import (
	"context"
	"fmt"
	"sort"

	"github.com/gregtusar/crews/pkg/clock"
	"github.com/gregtusar/crews/pkg/ledger"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/gregtusar/crews/pkg/performance"
	"github.com/gregtusar/crews/pkg/simulator"
	"github.com/gregtusar/crews/pkg/strategy"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const crewID = "backtest"

type Config struct {
	InitialCapital  decimal.Decimal
	MaxPositionSize decimal.Decimal
	RiskPercentage  float64
	// HistorySize caps the candles handed to the decider. Zero keeps all.
	HistorySize int
}

type Result struct {
	Snapshot models.PerformanceSnapshot `json:"snapshot"`
	Fills    []models.Fill              `json:"fills"`
	Curve    []performance.Point        `json:"equity_curve"`
	// Unfilled counts LIMIT intents that did not cross their candle.
	Unfilled int `json:"unfilled"`
}

type Runner struct {
	sim    *simulator.FillSimulator
	logger *logrus.Logger
}

func NewRunner(sim *simulator.FillSimulator, logger *logrus.Logger) *Runner {
	return &Runner{sim: sim, logger: logger}
}

// Run steps bound through candles, which must all belong to one series. Each
// candle is decided on and filled at its close, exactly as a paper crew
// would.
func (r *Runner) Run(ctx context.Context, bound *strategy.Bound, candles []models.Candle, cfg Config) (*Result, error) {
	if len(candles) == 0 {
		return nil, models.NewValidationError("candles", "nothing to replay")
	}
	series := append([]models.Candle(nil), candles...)
	sort.Slice(series, func(i, j int) bool { return series[i].OpenTime.Before(series[j].OpenTime) })
	key := series[0].Key()
	for _, c := range series {
		if c.Key() != key {
			return nil, models.NewValidationError("candles", "mixed series %s and %s", key, c.Key())
		}
	}

	clk := clock.NewSimulationClock(series[0].OpenTime)
	book := ledger.NewBook(crewID)
	res := &Result{}
	params := map[string]float64{"risk_percentage": cfg.RiskPercentage}

	for i, c := range series {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clk.AdvanceTo(c.CloseTime)

		lo := 0
		if cfg.HistorySize > 0 && i+1 > cfg.HistorySize {
			lo = i + 1 - cfg.HistorySize
		}
		history := series[lo : i+1 : i+1]

		intents := bound.Decide(strategy.DecisionInput{
			CrewID:     crewID,
			Candle:     c,
			History:    history,
			Position:   book.Position(c.Symbol),
			Parameters: params,
		})
		for j, intent := range intents {
			intent.ID = fmt.Sprintf("bt-%d-%d", i, j)
			intent.CrewID = crewID
			intent.Symbol = c.Symbol
			intent.CreatedAt = clk.Now()
			intent.Quantity = ledger.Clip(book.Position(c.Symbol).NetQuantity, intent.Side, intent.Quantity, cfg.MaxPositionSize)
			if !intent.Quantity.IsPositive() {
				continue
			}

			fill, ok, err := r.sim.Simulate(intent, c)
			if err != nil {
				r.logger.WithError(err).WithField("strategy", bound.Ref().String()).Debug("Skipping invalid backtest intent")
				continue
			}
			if !ok {
				res.Unfilled++
				continue
			}
			fill.CrewID = crewID
			fill.Sequence = book.NextSequence()
			if _, _, err := book.Apply(fill); err != nil {
				return nil, fmt.Errorf("failed to apply backtest fill: %w", err)
			}
			res.Fills = append(res.Fills, fill)
		}
	}

	snap, curve, err := performance.Compute(performance.Inputs{
		CrewID:         crewID,
		AsOf:           clk.Now(),
		Fills:          res.Fills,
		Marks:          map[string][]models.Candle{key.Symbol: series},
		InitialCapital: cfg.InitialCapital,
		PeriodsPerYear: performance.PeriodsPerYear(key.Interval),
	})
	if err != nil {
		return nil, err
	}
	snap.StrategyRef = bound.Ref()
	res.Snapshot = snap
	res.Curve = curve
	return res, nil
}
