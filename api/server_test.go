package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gregtusar/crews/internal/config"
	"github.com/gregtusar/crews/pkg/clock"
	"github.com/gregtusar/crews/pkg/crew"
	"github.com/gregtusar/crews/pkg/events"
	"github.com/gregtusar/crews/pkg/marketdata"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/gregtusar/crews/pkg/optimizer"
	"github.com/gregtusar/crews/pkg/performance"
	"github.com/gregtusar/crews/pkg/repository"
	"github.com/gregtusar/crews/pkg/service"
	"github.com/gregtusar/crews/pkg/simulator"
	"github.com/gregtusar/crews/pkg/strategy"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type flatSource struct{}

func (flatSource) Fetch(_ context.Context, symbol string, interval models.Interval, start, end time.Time) ([]models.Candle, error) {
	var out []models.Candle
	px := decimal.NewFromInt(100)
	for open := interval.Ceil(start); open.Before(end); open = open.Add(interval.Duration()) {
		out = append(out, models.Candle{
			Symbol: symbol, Interval: interval, OpenTime: open,
			CloseTime: open.Add(interval.Duration() - time.Millisecond),
			Open:      px, High: px.Add(decimal.NewFromInt(1)), Low: px.Sub(decimal.NewFromInt(1)), Close: px,
			Volume: decimal.NewFromInt(1),
		})
	}
	return out, nil
}

// gappySource has no candles at all.
type gappySource struct{}

func (gappySource) Fetch(context.Context, string, models.Interval, time.Time, time.Time) ([]models.Candle, error) {
	return nil, nil
}

type noopFeed struct{}

func (noopFeed) Subscribe(models.SeriesKey, string, marketdata.Sink) error { return nil }
func (noopFeed) Unsubscribe(string)                                        {}

type stubOptimizer struct{}

func (stubOptimizer) Optimize(_ context.Context, id string) (*optimizer.Outcome, error) {
	return &optimizer.Outcome{CrewID: id, Reason: "no improvement"}, nil
}

type env struct {
	t      *testing.T
	clock  *clock.SimulationClock
	server *Server
	ref    models.StrategyRef
}

func newEnv(t *testing.T, authEnabled bool, source marketdata.Source) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger, _ := test.NewNullLogger()
	ctx := context.Background()
	clk := clock.NewSimulationClock(t0.Add(48 * time.Hour))
	repos := repository.NewMemory()
	store := marketdata.NewStore(source, nil, clk, marketdata.StoreConfig{}, logger)

	book := strategy.NewBook(repos.Strategies, strategy.DefaultRegistry(), clk, logger)
	s, err := book.Register(ctx, "trend", "sma_cross", nil)
	require.NoError(t, err)

	registry := crew.NewRegistry(&crew.Deps{
		Market:    store,
		Simulator: simulator.NewFillSimulator(simulator.Config{}),
		Repos:     repos,
		Events:    events.Nop{},
		Clock:     clk,
		Logger:    logger,
		Options:   crew.Options{HistorySize: 10},
	}, book, noopFeed{})
	t.Cleanup(registry.Shutdown)

	svc := service.New(service.Deps{
		Crews:       registry,
		Strategies:  book,
		Fills:       repos.Fills,
		Performance: performance.NewAggregator(repos, store, events.Nop{}, clk, performance.Config{InitialCapital: decimal.NewFromInt(1000)}, logger),
		Optimizer:   stubOptimizer{},
		Market:      store,
		Clock:       clk,
		Logger:      logger,
	})
	auth := config.AuthConfig{Enabled: authEnabled, JWTSecret: secret, Issuer: "crewd", Admins: []string{"ops"}}
	return &env{
		t:      t,
		clock:  clk,
		server: NewServer(svc, config.ServerConfig{Mode: gin.TestMode}, auth, clk, logger),
		ref:    s.Ref(),
	}
}

func (e *env) token(subject string) string {
	e.t.Helper()
	tok, err := IssueToken(secret, "crewd", subject, e.clock.Now(), time.Hour)
	require.NoError(e.t, err)
	return tok
}

func (e *env) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (e *env) createCrew(token string) models.Crew {
	e.t.Helper()
	w := e.do(http.MethodPost, "/api/v1/crews", token, map[string]any{
		"name":          "btc",
		"strategy_ref":  e.ref,
		"mode":          "PAPER",
		"subscriptions": []map[string]string{{"symbol": "BTCUSDT", "interval": "1h"}},
	})
	require.Equal(e.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Crew](e.t, w)
}

func TestHealthNeedsNoToken(t *testing.T) {
	e := newEnv(t, true, flatSource{})
	w := e.do(http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestAuthentication(t *testing.T) {
	e := newEnv(t, true, flatSource{})

	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/api/v1/crews", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/api/v1/crews", "garbage", nil).Code)

	expired, err := IssueToken(secret, "crewd", "alice", t0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/api/v1/crews", expired, nil).Code)

	foreign, err := IssueToken("other-secret", "crewd", "alice", e.clock.Now(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/api/v1/crews", foreign, nil).Code)

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/crews", e.token("alice"), nil).Code)
}

func TestCrewLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t, true, flatSource{})
	alice, bob, ops := e.token("alice"), e.token("bob"), e.token("ops")

	created := e.createCrew(alice)
	assert.Equal(t, "alice", created.OwnerID)
	base := "/api/v1/crews/" + created.ID

	w := e.do(http.MethodPost, base+"/start", bob, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "permission", decode[map[string]any](t, w)["kind"])

	w = e.do(http.MethodPost, base+"/start", alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.CrewStatusRunning, decode[models.Crew](t, w).Status)

	w = e.do(http.MethodPost, base+"/resume", alice, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(http.MethodPost, base+"/trades", alice, map[string]any{
		"symbol": "BTCUSDT", "side": "BUY", "order_type": "MARKET", "quantity": "1.5",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	trade := decode[service.TradeResult](t, w)
	require.True(t, trade.Filled)
	assert.True(t, trade.Fill.Price.Equal(decimal.NewFromInt(100)))

	w = e.do(http.MethodPost, base+"/trades", alice, map[string]any{
		"symbol": "BTCUSDT", "side": "BUY", "order_type": "LIMIT", "quantity": "1", "limit_price": "50",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[service.TradeResult](t, w).Filled)

	w = e.do(http.MethodPost, base+"/trades", alice, map[string]any{"symbol": "BTCUSDT", "side": "BUY", "quantity": "-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodGet, base+"/trades", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.Fill](t, w), 1)

	w = e.do(http.MethodGet, "/api/v1/trades", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]models.Fill](t, w))

	w = e.do(http.MethodGet, "/api/v1/trades", ops, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.Fill](t, w), 1)

	w = e.do(http.MethodGet, base+"/performance", alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	perf := decode[service.Performance](t, w)
	assert.Equal(t, 1, perf.Snapshot.FillCount)
	assert.True(t, perf.Snapshot.Equity.Equal(decimal.NewFromInt(1000)))

	w = e.do(http.MethodGet, base+"/performance?start=yesterday", alice, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, base+"/optimize", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no improvement", decode[optimizer.Outcome](t, w).Reason)

	w = e.do(http.MethodDelete, base, alice, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "running crews cannot be deleted")

	require.Equal(t, http.StatusOK, e.do(http.MethodPost, base+"/stop", ops, nil).Code)
	assert.Equal(t, http.StatusNoContent, e.do(http.MethodDelete, base, alice, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, base, alice, nil).Code)
}

func TestCreateCrewRejectsBadInput(t *testing.T) {
	e := newEnv(t, false, flatSource{})

	w := e.do(http.MethodPost, "/api/v1/crews", "", map[string]any{
		"name":          "x",
		"strategy_ref":  e.ref,
		"mode":          "PAPER",
		"subscriptions": []map[string]string{{"symbol": "BTCUSDT", "interval": "7m"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/crews", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStrategyRoutes(t *testing.T) {
	e := newEnv(t, false, flatSource{})

	w := e.do(http.MethodPost, "/api/v1/strategies", "", map[string]any{"id": "dip", "decider": "mean_reversion"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = e.do(http.MethodGet, "/api/v1/strategies", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.Strategy](t, w), 2)

	w = e.do(http.MethodGet, "/api/v1/strategies/dip/versions", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.Strategy](t, w), 1)

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/v1/strategies/none/versions", "", nil).Code)

	w = e.do(http.MethodGet, "/api/v1/deciders", "", nil)
	assert.ElementsMatch(t, []string{"sma_cross", "mean_reversion"}, decode[[]string](t, w))
}

func TestCandlesRoute(t *testing.T) {
	e := newEnv(t, false, flatSource{})
	w := e.do(http.MethodGet, "/api/v1/candles?symbol=BTCUSDT&interval=1h&start=2024-03-01T00:00:00Z&end=2024-03-01T05:00:00Z", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[marketdata.Result](t, w).Candles, 5)

	w = e.do(http.MethodGet, "/api/v1/candles?symbol=BTCUSDT&interval=7m&start=2024-03-01T00:00:00Z", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStrictCandlesReportGaps(t *testing.T) {
	e := newEnv(t, false, gappySource{})
	w := e.do(http.MethodGet, "/api/v1/candles?symbol=BTCUSDT&interval=1h&start=2024-03-01T00:00:00Z&end=2024-03-01T02:00:00Z&strict=true", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "data_gap", body["kind"])
	assert.Len(t, body["gaps"], 1)

	w = e.do(http.MethodGet, "/api/v1/candles?symbol=BTCUSDT&interval=1h&start=2024-03-01T00:00:00Z&end=2024-03-01T02:00:00Z", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[marketdata.Result](t, w).Gaps, 1)
}
