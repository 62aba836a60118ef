package service

import (
	"context"
	"testing"
	"time"

	"github.com/gregtusar/crews/pkg/clock"
	"github.com/gregtusar/crews/pkg/crew"
	"github.com/gregtusar/crews/pkg/events"
	"github.com/gregtusar/crews/pkg/marketdata"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/gregtusar/crews/pkg/optimizer"
	"github.com/gregtusar/crews/pkg/performance"
	"github.com/gregtusar/crews/pkg/repository"
	"github.com/gregtusar/crews/pkg/simulator"
	"github.com/gregtusar/crews/pkg/strategy"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// hourlySource serves one candle per hour, closing at 1000 plus the hours
// since t0.
type hourlySource struct{}

func (hourlySource) Fetch(_ context.Context, symbol string, interval models.Interval, start, end time.Time) ([]models.Candle, error) {
	var out []models.Candle
	for open := interval.Ceil(start); open.Before(end); open = open.Add(interval.Duration()) {
		px := dec(1000 + open.Sub(t0).Hours())
		out = append(out, models.Candle{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  open,
			CloseTime: open.Add(interval.Duration() - time.Millisecond),
			Open:      px,
			High:      px.Add(dec(5)),
			Low:       px.Sub(dec(5)),
			Close:     px,
			Volume:    dec(1),
		})
	}
	return out, nil
}

type quietFeed struct{}

func (quietFeed) Subscribe(models.SeriesKey, string, marketdata.Sink) error { return nil }
func (quietFeed) Unsubscribe(string)                                        {}

type mockOptimizer struct {
	mock.Mock
}

func (m *mockOptimizer) Optimize(ctx context.Context, crewID string) (*optimizer.Outcome, error) {
	args := m.Called(ctx, crewID)
	out, _ := args.Get(0).(*optimizer.Outcome)
	return out, args.Error(1)
}

type fixture struct {
	ctx     context.Context
	svc     *Service
	clock   *clock.SimulationClock
	book    *strategy.Book
	opt     *mockOptimizer
	ref     models.StrategyRef
	alice   context.Context
	bob     context.Context
	admin   context.Context
	crewReq crew.CreateRequest
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	ctx := context.Background()
	clk := clock.NewSimulationClock(t0.Add(24 * time.Hour))
	repos := repository.NewMemory()
	store := marketdata.NewStore(hourlySource{}, nil, clk, marketdata.StoreConfig{}, logger)

	book := strategy.NewBook(repos.Strategies, strategy.DefaultRegistry(), clk, logger)
	s, err := book.Register(ctx, "trend", "sma_cross", nil)
	require.NoError(t, err)

	deps := &crew.Deps{
		Market:    store,
		Simulator: simulator.NewFillSimulator(simulator.Config{}),
		Repos:     repos,
		Events:    events.Nop{},
		Clock:     clk,
		Logger:    logger,
		Options:   crew.Options{HistorySize: 20},
	}
	registry := crew.NewRegistry(deps, book, quietFeed{})
	t.Cleanup(registry.Shutdown)

	opt := &mockOptimizer{}
	perf := performance.NewAggregator(repos, store, events.Nop{}, clk, performance.Config{InitialCapital: dec(10000)}, logger)

	return &fixture{
		ctx:   ctx,
		clock: clk,
		book:  book,
		opt:   opt,
		ref:   s.Ref(),
		alice: WithPrincipal(ctx, Principal{ID: "alice"}),
		bob:   WithPrincipal(ctx, Principal{ID: "bob"}),
		admin: WithPrincipal(ctx, Principal{ID: "root", Admin: true}),
		svc: New(Deps{
			Crews:       registry,
			Strategies:  book,
			Fills:       repos.Fills,
			Performance: perf,
			Optimizer:   opt,
			Market:      store,
			Clock:       clk,
			Logger:      logger,
		}),
		crewReq: crew.CreateRequest{
			Name:          "btc",
			StrategyRef:   s.Ref(),
			Mode:          models.CrewModePaper,
			Subscriptions: []models.Subscription{{Symbol: "BTCUSDT", Interval: models.Interval1h}},
		},
	}
}

func (f *fixture) startedBy(t *testing.T, ctx context.Context) string {
	t.Helper()
	c, err := f.svc.CreateCrew(ctx, f.crewReq)
	require.NoError(t, err)
	c, err = f.svc.StartCrew(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, models.CrewStatusRunning, c.Status)
	return c.ID
}

func buy(qty float64) TradeRequest {
	return TradeRequest{Symbol: "BTCUSDT", Side: models.OrderSideBuy, Quantity: dec(qty)}
}

func TestCreateCrewOwnership(t *testing.T) {
	f := newFixture(t)

	c, err := f.svc.CreateCrew(f.alice, f.crewReq)
	require.NoError(t, err)
	assert.Equal(t, "alice", c.OwnerID)

	req := f.crewReq
	req.OwnerID = "alice"
	_, err = f.svc.CreateCrew(f.bob, req)
	var perm *models.PermissionError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, "bob", perm.Principal)

	c, err = f.svc.CreateCrew(f.admin, req)
	require.NoError(t, err)
	assert.Equal(t, "alice", c.OwnerID)
}

func TestCreateCrewBindsLatestVersion(t *testing.T) {
	f := newFixture(t)
	_, err := f.book.Publish(f.ctx, "trend", map[string]float64{"fast": 3, "slow": 9})
	require.NoError(t, err)

	req := f.crewReq
	req.StrategyRef = models.StrategyRef{ID: "trend"}
	c, err := f.svc.CreateCrew(f.alice, req)
	require.NoError(t, err)
	assert.Equal(t, 2, c.StrategyRef.Version)

	req.StrategyRef = models.StrategyRef{ID: "unknown"}
	_, err = f.svc.CreateCrew(f.alice, req)
	assert.ErrorIs(t, err, models.ErrNotFound)

	req.StrategyRef = models.StrategyRef{}
	_, err = f.svc.CreateCrew(f.alice, req)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestLifecycleRequiresOwner(t *testing.T) {
	f := newFixture(t)
	c, err := f.svc.CreateCrew(f.alice, f.crewReq)
	require.NoError(t, err)

	var perm *models.PermissionError
	_, err = f.svc.StartCrew(f.bob, c.ID)
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, "crew/"+c.ID, perm.Resource)
	_, err = f.svc.GetCrew(f.bob, c.ID)
	assert.ErrorAs(t, err, &perm)
	assert.Empty(t, f.svc.ListCrews(f.bob))
	assert.Len(t, f.svc.ListCrews(f.alice), 1)
	assert.Len(t, f.svc.ListCrews(f.ctx), 1)

	got, err := f.svc.StartCrew(f.admin, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CrewStatusRunning, got.Status)

	got, err = f.svc.PauseCrew(f.alice, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CrewStatusPaused, got.Status)
	got, err = f.svc.ResumeCrew(f.alice, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CrewStatusRunning, got.Status)

	got, err = f.svc.StopCrew(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CrewStatusStopped, got.Status)

	_, err = f.svc.StopCrew(f.alice, c.ID)
	var transition *models.InvalidTransitionError
	assert.ErrorAs(t, err, &transition)

	require.NoError(t, f.svc.DeleteCrew(f.alice, c.ID))
	_, err = f.svc.GetCrew(f.alice, c.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSubmitPaperTradeAndListTrades(t *testing.T) {
	f := newFixture(t)
	mine := f.startedBy(t, f.alice)
	theirs := f.startedBy(t, f.bob)

	res, err := f.svc.SubmitPaperTrade(f.alice, mine, buy(2))
	require.NoError(t, err)
	require.True(t, res.Filled)
	assert.True(t, res.Fill.Price.Equal(dec(1023)), "fills at the close of the last closed candle")
	assert.NotEmpty(t, res.Fill.IntentID)

	limit := dec(900)
	req := buy(1)
	req.Type = models.OrderTypeLimit
	req.LimitPrice = &limit
	res, err = f.svc.SubmitPaperTrade(f.alice, mine, req)
	require.NoError(t, err)
	assert.False(t, res.Filled)
	assert.Nil(t, res.Fill)

	_, err = f.svc.SubmitPaperTrade(f.alice, mine, TradeRequest{Symbol: "BTCUSDT", Side: "HOLD", Quantity: dec(1)})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.svc.SubmitPaperTrade(f.bob, theirs, buy(1))
	require.NoError(t, err)

	var perm *models.PermissionError
	_, err = f.svc.SubmitPaperTrade(f.bob, mine, buy(1))
	assert.ErrorAs(t, err, &perm)

	fills, err := f.svc.ListTrades(f.alice, "")
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, mine, fills[0].CrewID)

	fills, err = f.svc.ListTrades(f.admin, "")
	require.NoError(t, err)
	assert.Len(t, fills, 2)

	fills, err = f.svc.ListTrades(f.bob, theirs)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, theirs, fills[0].CrewID)

	_, err = f.svc.ListTrades(f.alice, theirs)
	assert.ErrorAs(t, err, &perm)
}

func TestGetPerformance(t *testing.T) {
	f := newFixture(t)
	id := f.startedBy(t, f.alice)
	_, err := f.svc.SubmitPaperTrade(f.alice, id, buy(1))
	require.NoError(t, err)

	perf, err := f.svc.GetPerformance(f.alice, id, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, perf.Snapshot.FillCount)
	assert.Equal(t, f.clock.Now(), perf.Snapshot.AsOf)
	assert.Len(t, perf.History, 1)

	early := &models.TimeRange{Start: t0, End: t0.Add(12 * time.Hour)}
	perf, err = f.svc.GetPerformance(f.alice, id, early)
	require.NoError(t, err)
	assert.Zero(t, perf.Snapshot.FillCount, "fills after the range are excluded")
	assert.Equal(t, early.End.Add(-time.Nanosecond), perf.Snapshot.AsOf)
	require.Len(t, perf.History, 1)
	assert.Equal(t, perf.Snapshot.AsOf, perf.History[0].AsOf)

	_, err = f.svc.GetPerformance(f.alice, id, &models.TimeRange{Start: t0, End: t0})
	assert.ErrorIs(t, err, models.ErrValidation)

	var perm *models.PermissionError
	_, err = f.svc.GetPerformance(f.bob, id, nil)
	assert.ErrorAs(t, err, &perm)
}

func TestRequestOptimization(t *testing.T) {
	f := newFixture(t)
	c, err := f.svc.CreateCrew(f.alice, f.crewReq)
	require.NoError(t, err)
	f.opt.On("Optimize", mock.Anything, c.ID).
		Return(&optimizer.Outcome{CrewID: c.ID, Reason: "insufficient history"}, nil).Once()

	out, err := f.svc.RequestOptimization(f.alice, c.ID)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, "insufficient history", out.Reason)

	var perm *models.PermissionError
	_, err = f.svc.RequestOptimization(f.bob, c.ID)
	assert.ErrorAs(t, err, &perm)
	f.opt.AssertExpectations(t)
	f.opt.AssertNumberOfCalls(t, "Optimize", 1)
}

func TestStrategies(t *testing.T) {
	f := newFixture(t)
	assert.ElementsMatch(t, []string{"sma_cross", "mean_reversion"}, f.svc.Deciders())

	s, err := f.svc.RegisterStrategy(f.ctx, StrategyRequest{ID: "revert", Decider: "mean_reversion", Parameters: map[string]float64{"lookback": 10}})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Version)
	assert.Equal(t, 10.0, s.Parameters["lookback"])
	assert.Greater(t, len(s.Parameters), 1, "defaults fill the other keys")

	_, err = f.svc.RegisterStrategy(f.ctx, StrategyRequest{ID: "x", Decider: "magic"})
	assert.ErrorIs(t, err, models.ErrValidation)

	all, err := f.svc.ListStrategies(f.ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	versions, err := f.svc.StrategyVersions(f.ctx, "revert")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
	_, err = f.svc.StrategyVersions(f.ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCandles(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Candles(f.ctx, "BTCUSDT", "1h", t0, t0.Add(3*time.Hour), true)
	require.NoError(t, err)
	require.Len(t, res.Candles, 3)
	assert.True(t, res.Candles[2].Close.Equal(dec(1002)))

	_, err = f.svc.Candles(f.ctx, "BTCUSDT", "7m", t0, t0.Add(time.Hour), false)
	var ivErr *models.InvalidIntervalError
	assert.ErrorAs(t, err, &ivErr)
}
