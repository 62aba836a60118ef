package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/crews/pkg/clock"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/gregtusar/crews/pkg/retry"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	candles []models.Candle
}

func (r *recordingSink) Deliver(c models.Candle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candles = append(r.candles, c)
}

func (r *recordingSink) opens() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Time, 0, len(r.candles))
	for _, c := range r.candles {
		out = append(out, c.OpenTime)
	}
	return out
}

func newTestFeed(src Source, start time.Time) (*Feed, *Store, *clock.SimulationClock) {
	logger, _ := test.NewNullLogger()
	clk := clock.NewSimulationClock(start)
	store := NewStore(src, nil, clk, StoreConfig{}, logger)
	feed := NewFeed(store, clk, time.Second, retry.Policy{MaxAttempts: 1}, logger)
	return feed, store, clk
}

func TestFeedFansOutOneReadInOrder(t *testing.T) {
	src := &fakeSource{}
	feed, _, clk := newTestFeed(src, t0.Add(30*time.Minute))
	key := models.SeriesKey{Symbol: "BTCUSDT", Interval: models.Interval1h}

	a, b := &recordingSink{}, &recordingSink{}
	require.NoError(t, feed.Subscribe(key, "a", a))
	require.NoError(t, feed.Subscribe(key, "b", b))
	assert.Equal(t, 2, feed.Subscribers(key))

	ctx := context.Background()
	feed.Poll(ctx)
	assert.Empty(t, a.opens(), "the forming candle is not delivered")

	clk.Advance(3 * time.Hour)
	feed.Poll(ctx)
	want := []time.Time{t0, t0.Add(time.Hour), t0.Add(2 * time.Hour)}
	assert.Equal(t, want, a.opens())
	assert.Equal(t, want, b.opens())
	assert.Equal(t, 1, src.callCount())

	feed.Poll(ctx)
	assert.Len(t, a.opens(), 3, "no redelivery")
}

func TestFeedSkipsInteriorGaps(t *testing.T) {
	src := &fakeSource{missing: map[time.Time]bool{t0.Add(time.Hour): true}}
	feed, _, clk := newTestFeed(src, t0)
	key := models.SeriesKey{Symbol: "BTCUSDT", Interval: models.Interval1h}

	sink := &recordingSink{}
	require.NoError(t, feed.Subscribe(key, "crew", sink))

	clk.Advance(3 * time.Hour)
	feed.Poll(context.Background())
	assert.Equal(t, []time.Time{t0, t0.Add(2 * time.Hour)}, sink.opens())
}

func TestFeedPublishDeliversPushedCandle(t *testing.T) {
	src := &fakeSource{}
	feed, _, clk := newTestFeed(src, t0)
	key := models.SeriesKey{Symbol: "ETHUSDT", Interval: models.Interval1h}

	sink := &recordingSink{}
	require.NoError(t, feed.Subscribe(key, "crew", sink))

	clk.Advance(time.Hour)
	require.NoError(t, feed.Publish(context.Background(), candleAt("ETHUSDT", models.Interval1h, t0, 2000)))

	assert.Equal(t, []time.Time{t0}, sink.opens())
	assert.Equal(t, 0, src.callCount(), "pushed candle is served from the store")
}

func TestFeedUnsubscribe(t *testing.T) {
	src := &fakeSource{}
	feed, _, clk := newTestFeed(src, t0)
	key := models.SeriesKey{Symbol: "BTCUSDT", Interval: models.Interval1h}

	sink := &recordingSink{}
	require.NoError(t, feed.Subscribe(key, "crew", sink))
	feed.Unsubscribe("crew")
	assert.Equal(t, 0, feed.Subscribers(key))

	clk.Advance(2 * time.Hour)
	feed.Poll(context.Background())
	assert.Empty(t, sink.opens())
	assert.Equal(t, 0, src.callCount())
}

func TestFeedSubscribeRejectsUnknownInterval(t *testing.T) {
	feed, _, _ := newTestFeed(&fakeSource{}, t0)
	err := feed.Subscribe(models.SeriesKey{Symbol: "BTCUSDT", Interval: "7m"}, "crew", &recordingSink{})
	var ivErr *models.InvalidIntervalError
	assert.ErrorAs(t, err, &ivErr)
}

func TestFeedResubscribeRacingUnsubscribeKeepsTopic(t *testing.T) {
	src := &fakeSource{}
	feed, _, clk := newTestFeed(src, t0)
	key := models.SeriesKey{Symbol: "BTCUSDT", Interval: models.Interval1h}

	for i := 0; i < 200; i++ {
		require.NoError(t, feed.Subscribe(key, "a", &recordingSink{}))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			feed.Unsubscribe("a")
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, feed.Subscribe(key, "b", &recordingSink{}))
		}()
		wg.Wait()

		require.Equal(t, 1, feed.Subscribers(key), "iteration %d", i)
		feed.Unsubscribe("b")
	}

	sink := &recordingSink{}
	require.NoError(t, feed.Subscribe(key, "b", sink))
	clk.Advance(time.Hour)
	feed.Poll(context.Background())
	assert.Equal(t, []time.Time{t0}, sink.opens())
}

// stalledSource blocks every fetch until released.
type stalledSource struct {
	fakeSource
	entered chan struct{}
	release chan struct{}
}

func (s *stalledSource) Fetch(ctx context.Context, symbol string, interval models.Interval, start, end time.Time) ([]models.Candle, error) {
	s.entered <- struct{}{}
	<-s.release
	return s.fakeSource.Fetch(ctx, symbol, interval, start, end)
}

func TestFeedSubscribersDoNotWaitOnSlowReads(t *testing.T) {
	src := &stalledSource{entered: make(chan struct{}, 1), release: make(chan struct{})}
	feed, _, clk := newTestFeed(src, t0)
	key := models.SeriesKey{Symbol: "BTCUSDT", Interval: models.Interval1h}

	first := &recordingSink{}
	require.NoError(t, feed.Subscribe(key, "a", first))
	clk.Advance(time.Hour)

	polled := make(chan struct{})
	go func() {
		defer close(polled)
		feed.Poll(context.Background())
	}()
	<-src.entered

	done := make(chan struct{})
	second := &recordingSink{}
	go func() {
		defer close(done)
		assert.NoError(t, feed.Subscribe(key, "b", second))
		feed.Unsubscribe("a")
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe and unsubscribe waited on the store read")
	}

	close(src.release)
	<-polled
	assert.Equal(t, []time.Time{t0}, second.opens())
	assert.Empty(t, first.opens())
}

func TestFeedHoldsPositionAcrossFailedFetch(t *testing.T) {
	src := &fakeSource{err: errors.New("connection reset")}
	feed, store, clk := newTestFeed(src, t0)
	key := models.SeriesKey{Symbol: "BTCUSDT", Interval: models.Interval1h}
	ctx := context.Background()

	sink := &recordingSink{}
	require.NoError(t, feed.Subscribe(key, "crew", sink))

	clk.Advance(3 * time.Hour)
	_, err := store.Ingest(ctx, candleAt("BTCUSDT", models.Interval1h, t0.Add(2*time.Hour), 102))
	require.NoError(t, err)

	feed.Poll(ctx)
	assert.Empty(t, sink.opens(), "a later candle is not delivered past a failed range")

	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()

	feed.Poll(ctx)
	assert.Equal(t, []time.Time{t0, t0.Add(time.Hour), t0.Add(2 * time.Hour)}, sink.opens())
}
