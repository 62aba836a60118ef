package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/gregtusar/crews/pkg/clock"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/gregtusar/crews/pkg/retry"
	"github.com/sirupsen/logrus"
)

// Sink receives candles for one subscriber. Deliver must not block.
type Sink interface {
	Deliver(c models.Candle)
}

// Feed delivers newly closed candles to every subscriber of a series. Each
// series is read from the store once per poll and fanned out, in OpenTime
// order, to all of its sinks.
type Feed struct {
	store     *Store
	clock     clock.Clock
	pollEvery time.Duration
	retry     retry.Policy
	logger    *logrus.Logger

	mu     sync.Mutex
	topics map[models.SeriesKey]*topic
}

// Lock order is Feed.mu, then topic.mu. Neither is held across a store read.
type topic struct {
	key models.SeriesKey

	delivery sync.Mutex // serializes reads and delivery for the series
	next     time.Time  // OpenTime of the next candle to deliver; guarded by delivery

	mu    sync.Mutex
	sinks map[string]Sink
}

func (t *topic) snapshot() []Sink {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Sink, 0, len(t.sinks))
	for _, s := range t.sinks {
		out = append(out, s)
	}
	return out
}

func NewFeed(store *Store, clk clock.Clock, pollEvery time.Duration, policy retry.Policy, logger *logrus.Logger) *Feed {
	return &Feed{
		store:     store,
		clock:     clk,
		pollEvery: pollEvery,
		retry:     policy,
		logger:    logger,
		topics:    make(map[models.SeriesKey]*topic),
	}
}

// Subscribe registers sink under id for key. Delivery starts with the candle
// currently forming.
func (f *Feed) Subscribe(key models.SeriesKey, id string, sink Sink) error {
	if !key.Interval.Valid() {
		return &models.InvalidIntervalError{Interval: string(key.Interval)}
	}

	f.mu.Lock()
	t, ok := f.topics[key]
	if !ok {
		t = &topic{
			key:   key,
			next:  key.Interval.Floor(f.clock.Now()),
			sinks: make(map[string]Sink),
		}
		f.topics[key] = t
	}
	// Added before f.mu is released so Unsubscribe never drops the topic
	// from under a new sink.
	t.mu.Lock()
	t.sinks[id] = sink
	t.mu.Unlock()
	f.mu.Unlock()

	f.logger.WithFields(logrus.Fields{"series": key.String(), "subscriber": id}).Debug("Subscribed to feed")
	return nil
}

// Unsubscribe removes id from every series.
func (f *Feed) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key, t := range f.topics {
		t.mu.Lock()
		delete(t.sinks, id)
		empty := len(t.sinks) == 0
		t.mu.Unlock()
		if empty {
			delete(f.topics, key)
		}
	}
}

// Subscribers returns the number of sinks on key.
func (f *Feed) Subscribers(key models.SeriesKey) int {
	f.mu.Lock()
	t, ok := f.topics[key]
	f.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sinks)
}

// Run polls every series until ctx is done.
func (f *Feed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.Poll(ctx)
		}
	}
}

// Poll delivers every closed candle not yet delivered. Failures are logged
// per series; the series is retried on the next poll.
func (f *Feed) Poll(ctx context.Context) {
	f.mu.Lock()
	topics := make([]*topic, 0, len(f.topics))
	for _, t := range f.topics {
		topics = append(topics, t)
	}
	f.mu.Unlock()

	for _, t := range topics {
		if err := f.pollTopic(ctx, t); err != nil {
			f.logger.WithError(err).WithFields(logrus.Fields{
				"series":      t.key.String(),
				"disposition": models.Classify(err).String(),
			}).Warn("Failed to poll candles")
		}
	}
}

// Publish ingests a pushed candle and delivers whatever is now due on its
// series.
func (f *Feed) Publish(ctx context.Context, c models.Candle) error {
	if _, err := f.store.Ingest(ctx, c); err != nil {
		return err
	}

	f.mu.Lock()
	t, ok := f.topics[c.Key()]
	f.mu.Unlock()
	if !ok {
		return nil
	}
	return f.pollTopic(ctx, t)
}

func (f *Feed) pollTopic(ctx context.Context, t *topic) error {
	t.delivery.Lock()
	defer t.delivery.Unlock()

	horizon := t.key.Interval.Floor(f.clock.Now())
	if !horizon.After(t.next) || len(t.snapshot()) == 0 {
		return nil
	}

	res, err := retry.Value(ctx, f.retry, func(ctx context.Context) (*Result, error) {
		return f.store.GetCandles(ctx, t.key.Symbol, t.key.Interval, t.next, horizon, Options{})
	})
	if err != nil {
		return err
	}

	// Nothing past a range the source failed on is delivered yet.
	if len(res.Unfetched) > 0 && res.Unfetched[0].Start.Before(horizon) {
		horizon = res.Unfetched[0].Start
	}

	sinks := t.snapshot()
	step := t.key.Interval.Duration()
	for _, c := range res.Candles {
		if c.OpenTime.Before(t.next) || !c.OpenTime.Before(horizon) {
			continue
		}
		for _, sink := range sinks {
			sink.Deliver(c)
		}
		t.next = c.OpenTime.Add(step)
	}

	// A trailing gap may still be published upstream; interior gaps are
	// skipped since later candles already arrived.
	tail := horizon
	for _, g := range res.Gaps {
		if g.Start.Before(horizon) && !g.End.Before(horizon) {
			tail = g.Start
		}
	}
	if tail.After(t.next) {
		t.next = tail
	}
	return nil
}
