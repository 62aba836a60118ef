package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/gregtusar/crews/pkg/models"
	"github.com/gregtusar/crews/pkg/simulator"
	"github.com/gregtusar/crews/pkg/strategy"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func series(closes ...float64) []models.Candle {
	out := make([]models.Candle, len(closes))
	for i, c := range closes {
		v := decimal.NewFromFloat(c)
		open := t0.Add(time.Duration(i) * time.Hour)
		out[i] = models.Candle{
			Symbol:    "BTCUSDT",
			Interval:  models.Interval1h,
			OpenTime:  open,
			CloseTime: open.Add(time.Hour - time.Millisecond),
			Open:      v, High: v, Low: v, Close: v,
		}
	}
	return out
}

func bind(t *testing.T, d strategy.Decider, params map[string]float64) *strategy.Bound {
	t.Helper()
	reg := strategy.NewRegistry()
	reg.Register(d)
	b, err := reg.Bind(&models.Strategy{ID: "bt", Version: 1, Decider: d.Name(), Parameters: params})
	require.NoError(t, err)
	return b
}

func newRunner() *Runner {
	logger, _ := test.NewNullLogger()
	return NewRunner(simulator.NewFillSimulator(simulator.Config{}), logger)
}

func TestRunSMACross(t *testing.T) {
	bound := bind(t, strategy.SMACross{}, map[string]float64{"fast": 2, "slow": 3, "quantity": 1})
	candles := series(10, 10, 10, 9, 12, 13, 8)

	res, err := newRunner().Run(context.Background(), bound, candles, Config{InitialCapital: decimal.NewFromInt(100)})
	require.NoError(t, err)

	require.Len(t, res.Fills, 2)
	assert.Equal(t, models.OrderSideBuy, res.Fills[0].Side)
	assert.True(t, res.Fills[0].Price.Equal(decimal.NewFromInt(12)))
	assert.Equal(t, models.OrderSideSell, res.Fills[1].Side)
	assert.True(t, res.Fills[1].Price.Equal(decimal.NewFromInt(8)))

	snap := res.Snapshot
	assert.True(t, snap.RealizedPnL.Equal(decimal.NewFromInt(-4)))
	assert.True(t, snap.Equity.Equal(decimal.NewFromInt(96)))
	assert.Equal(t, 1, snap.LosingTrades)
	assert.Equal(t, models.StrategyRef{ID: "bt", Version: 1}, snap.StrategyRef)
	assert.Equal(t, candles[6].CloseTime, snap.AsOf)
	assert.Len(t, res.Curve, len(candles))
}

func TestRunIsDeterministic(t *testing.T) {
	bound := bind(t, strategy.SMACross{}, map[string]float64{"fast": 2, "slow": 3})
	candles := series(10, 11, 9, 12, 8, 13, 7, 14, 9, 10)
	shuffled := append([]models.Candle(nil), candles...)
	shuffled[0], shuffled[9] = shuffled[9], shuffled[0]

	a, err := newRunner().Run(context.Background(), bound, candles, Config{})
	require.NoError(t, err)
	b, err := newRunner().Run(context.Background(), bound, shuffled, Config{})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRunClipsToMaxPosition(t *testing.T) {
	bound := bind(t, strategy.SMACross{}, map[string]float64{"fast": 2, "slow": 3, "quantity": 3})
	res, err := newRunner().Run(context.Background(), bound, series(10, 10, 10, 9, 12), Config{MaxPositionSize: decimal.NewFromInt(2)})
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.True(t, res.Fills[0].Quantity.Equal(decimal.NewFromInt(2)))
}

type lowballer struct{}

func (lowballer) Name() string                 { return "lowballer" }
func (lowballer) Defaults() map[string]float64 { return map[string]float64{} }
func (lowballer) Decide(in strategy.DecisionInput) []models.OrderIntent {
	limit := in.Candle.Low.Div(decimal.NewFromInt(2))
	return []models.OrderIntent{{Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Quantity: decimal.NewFromInt(1), LimitPrice: &limit}}
}

func TestRunCountsUnfilledLimits(t *testing.T) {
	res, err := newRunner().Run(context.Background(), bind(t, lowballer{}, nil), series(10, 11, 12), Config{})
	require.NoError(t, err)
	assert.Empty(t, res.Fills)
	assert.Equal(t, 3, res.Unfilled)
}

func TestRunRejectsBadInput(t *testing.T) {
	bound := bind(t, strategy.SMACross{}, nil)
	_, err := newRunner().Run(context.Background(), bound, nil, Config{})
	assert.ErrorIs(t, err, models.ErrValidation)

	mixed := series(1, 2)
	mixed[1].Symbol = "ETHUSDT"
	_, err = newRunner().Run(context.Background(), bound, mixed, Config{})
	assert.ErrorIs(t, err, models.ErrValidation)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newRunner().Run(ctx, bound, series(1, 2), Config{})
	assert.ErrorIs(t, err, context.Canceled)
}
