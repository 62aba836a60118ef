// Package marketdata normalizes, caches and fans out OHLCV candles.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregtusar/crews/pkg/clock"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Source is the upstream provider of candles, typically an exchange REST API.
// It returns candles with OpenTime in [start, end), ordered by OpenTime.
type Source interface {
	Fetch(ctx context.Context, symbol string, interval models.Interval, start, end time.Time) ([]models.Candle, error)
}

// Archive is an optional second-level cache that survives restarts.
type Archive interface {
	Load(ctx context.Context, key models.SeriesKey) ([]models.Candle, []models.TimeRange, error)
	Append(ctx context.Context, key models.SeriesKey, candles []models.Candle, covered models.TimeRange) error
}

type Options struct {
	// Strict turns any gap in the requested range into a DataGapError.
	Strict bool
}

// Result holds the candles found plus the manifest of ranges the source could
// not supply.
type Result struct {
	Candles []models.Candle    `json:"candles"`
	Gaps    []models.TimeRange `json:"gaps,omitempty"`
	// Unfetched are the gaps the source failed to answer for. They are
	// fetched again on the next call.
	Unfetched []models.TimeRange `json:"unfetched,omitempty"`
}

type StoreConfig struct {
	// FetchTimeout bounds a single upstream call. Zero disables it.
	FetchTimeout time.Duration
	// SettleWindow keeps a trailing gap younger than this uncovered, so a
	// candle the exchange has not published yet is asked for again.
	SettleWindow time.Duration
}

type Store struct {
	source  Source
	archive Archive
	clock   clock.Clock
	cfg     StoreConfig
	logger  *logrus.Logger

	mu     sync.RWMutex
	series map[models.SeriesKey]*series

	group singleflight.Group
}

type series struct {
	key    models.SeriesKey
	mu     sync.Mutex // held only while merging
	loaded bool
	snap   atomic.Pointer[snapshot]
}

func NewStore(source Source, archive Archive, clk clock.Clock, cfg StoreConfig, logger *logrus.Logger) *Store {
	return &Store{
		source:  source,
		archive: archive,
		clock:   clk,
		cfg:     cfg,
		logger:  logger,
		series:  make(map[models.SeriesKey]*series),
	}
}

// GetCandles returns candles with OpenTime in [start, end). Only ranges never
// fetched before go to the source, so repeated calls for a settled range are
// answered from cache and return identical results.
func (s *Store) GetCandles(ctx context.Context, symbol string, interval models.Interval, start, end time.Time, opts Options) (*Result, error) {
	if !interval.Valid() {
		return nil, &models.InvalidIntervalError{Interval: string(interval)}
	}
	if symbol == "" {
		return nil, models.NewValidationError("symbol", "must not be empty")
	}
	if !end.After(start) {
		return nil, models.NewValidationError("range", "end %s must be after start %s", end, start)
	}

	key := models.SeriesKey{Symbol: symbol, Interval: interval}
	ser := s.seriesFor(ctx, key)

	lo := interval.Ceil(start)
	upper := interval.Ceil(end)
	hi := upper
	if horizon := interval.Floor(s.clock.Now()); horizon.Before(hi) {
		hi = horizon
	}

	// A transient failure on one sub-range leaves it as a gap around the
	// cached candles; with nothing to serve the failure is returned.
	var (
		fetchErr  error
		unfetched []models.TimeRange
	)
	if hi.After(lo) {
		for _, r := range ser.snap.Load().uncovered(lo, hi) {
			err := s.fetch(ctx, ser, r)
			if err == nil {
				continue
			}
			var srcErr *models.SourceError
			if ctx.Err() != nil || !errors.As(err, &srcErr) || !srcErr.Retryable() {
				return nil, err
			}
			if fetchErr == nil {
				fetchErr = err
			}
			unfetched = append(unfetched, r)
		}
	}

	candles := ser.snap.Load().slice(lo, upper)
	var gaps []models.TimeRange
	if hi.After(lo) {
		gaps = gapsIn(candles, lo, hi, interval.Duration())
	}

	if fetchErr != nil {
		if len(candles) == 0 {
			return nil, fetchErr
		}
		s.logger.WithError(fetchErr).WithFields(logrus.Fields{
			"symbol":   symbol,
			"interval": interval,
			"gaps":     len(gaps),
		}).Warn("Serving cached candles around a failed fetch")
	}

	if opts.Strict && len(gaps) > 0 {
		return nil, &models.DataGapError{Symbol: symbol, Interval: interval, Gaps: gaps, Err: fetchErr}
	}
	return &Result{Candles: candles, Gaps: gaps, Unfetched: unfetched}, nil
}

// Latest returns the most recent closed candle in cache.
func (s *Store) Latest(key models.SeriesKey) (models.Candle, bool) {
	s.mu.RLock()
	ser, ok := s.series[key]
	s.mu.RUnlock()
	if !ok {
		return models.Candle{}, false
	}

	horizon := key.Interval.Floor(s.clock.Now())
	snap := ser.snap.Load()
	i := snap.index(horizon)
	if i == 0 {
		return models.Candle{}, false
	}
	return snap.candles[i-1], true
}

// LatestClose fetches the trailing lookback candles if needed and returns the
// newest closed one.
func (s *Store) LatestClose(ctx context.Context, key models.SeriesKey, lookback int) (models.Candle, error) {
	if c, ok := s.Latest(key); ok && !c.OpenTime.Before(key.Interval.Floor(s.clock.Now()).Add(-key.Interval.Duration())) {
		return c, nil
	}
	if lookback < 1 {
		lookback = 1
	}
	end := key.Interval.Floor(s.clock.Now())
	start := end.Add(-time.Duration(lookback) * key.Interval.Duration())
	res, err := s.GetCandles(ctx, key.Symbol, key.Interval, start, end, Options{})
	if err != nil {
		return models.Candle{}, err
	}
	if len(res.Candles) == 0 {
		return models.Candle{}, &models.DataGapError{Symbol: key.Symbol, Interval: key.Interval, Gaps: res.Gaps}
	}
	return res.Candles[len(res.Candles)-1], nil
}

// Ingest adds one closed candle pushed by a stream. It reports whether the
// candle was new.
func (s *Store) Ingest(ctx context.Context, c models.Candle) (bool, error) {
	if !c.Interval.Valid() {
		return false, &models.InvalidIntervalError{Interval: string(c.Interval)}
	}
	if c.Symbol == "" {
		return false, models.NewValidationError("symbol", "must not be empty")
	}

	ser := s.seriesFor(ctx, c.Key())
	cover := models.TimeRange{Start: c.OpenTime, End: c.OpenTime.Add(c.Interval.Duration())}

	ser.mu.Lock()
	cur := ser.snap.Load()
	i := cur.index(c.OpenTime)
	if i < len(cur.candles) && cur.candles[i].OpenTime.Equal(c.OpenTime) {
		ser.mu.Unlock()
		return false, nil
	}
	ser.snap.Store(cur.merge([]models.Candle{c}, cover))
	ser.mu.Unlock()

	s.archiveAppend(ctx, c.Key(), []models.Candle{c}, cover)
	return true, nil
}

// Trimmer is implemented by archives that can drop old history.
type Trimmer interface {
	Trim(ctx context.Context, key models.SeriesKey, cutoff time.Time) error
}

// Prune drops cached candles with OpenTime before cutoff and returns how many
// were removed. The archive is trimmed too when it supports it.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) int {
	s.mu.RLock()
	all := make([]*series, 0, len(s.series))
	for _, ser := range s.series {
		all = append(all, ser)
	}
	s.mu.RUnlock()

	removed := 0
	for _, ser := range all {
		ser.mu.Lock()
		next, n := ser.snap.Load().prune(cutoff)
		ser.snap.Store(next)
		ser.mu.Unlock()
		removed += n

		if t, ok := s.archive.(Trimmer); ok {
			if err := t.Trim(ctx, ser.key, cutoff); err != nil {
				s.logger.WithError(err).WithField("series", ser.key.String()).Warn("Failed to trim candle archive")
			}
		}
	}
	s.logger.WithFields(logrus.Fields{"cutoff": cutoff, "removed": removed}).Info("Pruned cached candles")
	return removed
}

func (s *Store) seriesFor(ctx context.Context, key models.SeriesKey) *series {
	s.mu.RLock()
	ser, ok := s.series[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if ser, ok = s.series[key]; !ok {
			ser = &series{key: key}
			ser.snap.Store(emptySnapshot)
			s.series[key] = ser
		}
		s.mu.Unlock()
	}

	if s.archive != nil {
		s.warm(ctx, ser)
	}
	return ser
}

func (s *Store) warm(ctx context.Context, ser *series) {
	ser.mu.Lock()
	defer ser.mu.Unlock()
	if ser.loaded {
		return
	}

	candles, covered, err := s.archive.Load(ctx, ser.key)
	if err != nil {
		s.logger.WithError(err).WithField("series", ser.key.String()).Warn("Failed to load candle archive")
		return
	}
	ser.snap.Store(ser.snap.Load().merge(candles, covered...))
	ser.loaded = true
}

func (s *Store) fetch(ctx context.Context, ser *series, r models.TimeRange) error {
	flightKey := fmt.Sprintf("%s|%d|%d", ser.key, r.Start.UnixMilli(), r.End.UnixMilli())
	_, err, _ := s.group.Do(flightKey, func() (interface{}, error) {
		if len(ser.snap.Load().uncovered(r.Start, r.End)) == 0 {
			return nil, nil
		}

		fctx := ctx
		if s.cfg.FetchTimeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
			defer cancel()
		}

		fetched, err := s.source.Fetch(fctx, ser.key.Symbol, ser.key.Interval, r.Start, r.End)
		if err != nil {
			return nil, wrapSourceError(ser.key.Symbol, err)
		}

		accepted := normalize(fetched, ser.key, r)
		cover := s.coverage(r, accepted)

		ser.mu.Lock()
		ser.snap.Store(ser.snap.Load().merge(accepted, cover))
		ser.mu.Unlock()

		s.logger.WithFields(logrus.Fields{
			"symbol":   ser.key.Symbol,
			"interval": ser.key.Interval,
			"start":    r.Start,
			"end":      r.End,
			"fetched":  len(accepted),
		}).Debug("Merged upstream candles")

		s.archiveAppend(ctx, ser.key, accepted, cover)
		return nil, nil
	})
	return err
}

// coverage decides how much of r counts as settled after a fetch.
func (s *Store) coverage(r models.TimeRange, accepted []models.Candle) models.TimeRange {
	if s.cfg.SettleWindow <= 0 || r.End.Before(s.clock.Now().Add(-s.cfg.SettleWindow)) {
		return r
	}
	end := r.Start
	if n := len(accepted); n > 0 {
		end = accepted[n-1].OpenTime.Add(accepted[n-1].Interval.Duration())
	}
	return models.TimeRange{Start: r.Start, End: end}
}

func (s *Store) archiveAppend(ctx context.Context, key models.SeriesKey, candles []models.Candle, cover models.TimeRange) {
	if s.archive == nil || cover.Empty() {
		return
	}
	if err := s.archive.Append(ctx, key, candles, cover); err != nil {
		s.logger.WithError(err).WithField("series", key.String()).Warn("Failed to write candle archive")
	}
}

// normalize keeps candles that belong to key and fall inside r.
func normalize(in []models.Candle, key models.SeriesKey, r models.TimeRange) []models.Candle {
	out := make([]models.Candle, 0, len(in))
	for _, c := range in {
		if c.Symbol != "" && c.Symbol != key.Symbol {
			continue
		}
		if !r.Contains(c.OpenTime) || !c.OpenTime.Equal(key.Interval.Floor(c.OpenTime)) {
			continue
		}
		c.Symbol = key.Symbol
		c.Interval = key.Interval
		c.OpenTime = c.OpenTime.UTC()
		if c.CloseTime.IsZero() {
			c.CloseTime = c.OpenTime.Add(key.Interval.Duration() - time.Millisecond)
		}
		c.CloseTime = c.CloseTime.UTC()
		out = append(out, c)
	}
	return out
}

func wrapSourceError(symbol string, err error) error {
	var srcErr *models.SourceError
	if errors.As(err, &srcErr) {
		return err
	}
	return &models.SourceError{Kind: models.SourceTransient, Symbol: symbol, Err: err}
}
