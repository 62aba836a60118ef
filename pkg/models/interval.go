package models

import (
	"time"
)

type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
)

var intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval3m:  3 * time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval2h:  2 * time.Hour,
	Interval4h:  4 * time.Hour,
	Interval6h:  6 * time.Hour,
	Interval8h:  8 * time.Hour,
	Interval12h: 12 * time.Hour,
	Interval1d:  24 * time.Hour,
}

// SupportedIntervals lists the candle intervals in ascending duration.
func SupportedIntervals() []Interval {
	return []Interval{
		Interval1m, Interval3m, Interval5m, Interval15m, Interval30m,
		Interval1h, Interval2h, Interval4h, Interval6h, Interval8h, Interval12h,
		Interval1d,
	}
}

// ParseInterval validates s against the supported set.
func ParseInterval(s string) (Interval, error) {
	i := Interval(s)
	if _, ok := intervalDurations[i]; !ok {
		return "", &InvalidIntervalError{Interval: s}
	}
	return i, nil
}

func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

// Duration returns zero for unsupported intervals.
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// Floor returns the open time of the bucket containing t. Buckets are aligned
// to the Unix epoch, which puts daily candles on UTC midnight.
func (i Interval) Floor(t time.Time) time.Time {
	d := i.Duration()
	if d == 0 {
		return t
	}
	return t.UTC().Truncate(d)
}

// Ceil returns the first bucket open time at or after t.
func (i Interval) Ceil(t time.Time) time.Time {
	f := i.Floor(t)
	if f.Before(t) {
		return f.Add(i.Duration())
	}
	return f
}

func (i Interval) String() string {
	return string(i)
}
