package marketdata

import (
	"sort"
	"time"

	"github.com/gregtusar/crews/pkg/models"
)

// snapshot is an immutable view of one series. Writers build a new snapshot
// and swap it in; readers never lock.
type snapshot struct {
	candles []models.Candle    // sorted by OpenTime, unique
	covered []models.TimeRange // sorted, merged, non-adjacent
}

var emptySnapshot = &snapshot{}

func (s *snapshot) index(t time.Time) int {
	return sort.Search(len(s.candles), func(i int) bool {
		return !s.candles[i].OpenTime.Before(t)
	})
}

// slice returns candles with OpenTime in [lo, hi). The result is a copy.
func (s *snapshot) slice(lo, hi time.Time) []models.Candle {
	i, j := s.index(lo), s.index(hi)
	if i >= j {
		return nil
	}
	out := make([]models.Candle, j-i)
	copy(out, s.candles[i:j])
	return out
}

// uncovered returns the parts of [lo, hi) that were never fetched.
func (s *snapshot) uncovered(lo, hi time.Time) []models.TimeRange {
	var out []models.TimeRange
	cursor := lo
	for _, r := range s.covered {
		if !r.End.After(cursor) {
			continue
		}
		if !r.Start.Before(hi) {
			break
		}
		if r.Start.After(cursor) {
			out = append(out, models.TimeRange{Start: cursor, End: r.Start})
		}
		cursor = r.End
		if !cursor.Before(hi) {
			return out
		}
	}
	if cursor.Before(hi) {
		out = append(out, models.TimeRange{Start: cursor, End: hi})
	}
	return out
}

// merge returns a new snapshot with incoming candles and coverage added.
// Stored candles win over incoming ones with the same OpenTime.
func (s *snapshot) merge(incoming []models.Candle, cover ...models.TimeRange) *snapshot {
	merged := make([]models.Candle, 0, len(s.candles)+len(incoming))
	sorted := append([]models.Candle(nil), incoming...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OpenTime.Before(sorted[j].OpenTime)
	})

	i, j := 0, 0
	for i < len(s.candles) || j < len(sorted) {
		switch {
		case j >= len(sorted):
			merged = append(merged, s.candles[i])
			i++
		case i >= len(s.candles):
			merged = appendUnique(merged, sorted[j])
			j++
		case s.candles[i].OpenTime.Before(sorted[j].OpenTime):
			merged = append(merged, s.candles[i])
			i++
		case sorted[j].OpenTime.Before(s.candles[i].OpenTime):
			merged = appendUnique(merged, sorted[j])
			j++
		default:
			merged = append(merged, s.candles[i])
			i++
			j++
		}
	}

	return &snapshot{
		candles: merged,
		covered: mergeRanges(append(append([]models.TimeRange(nil), s.covered...), cover...)),
	}
}

func appendUnique(dst []models.Candle, c models.Candle) []models.Candle {
	if n := len(dst); n > 0 && dst[n-1].OpenTime.Equal(c.OpenTime) {
		return dst
	}
	return append(dst, c)
}

// prune drops candles and coverage before cutoff.
func (s *snapshot) prune(cutoff time.Time) (*snapshot, int) {
	i := s.index(cutoff)
	candles := append([]models.Candle(nil), s.candles[i:]...)

	var covered []models.TimeRange
	for _, r := range s.covered {
		if !r.End.After(cutoff) {
			continue
		}
		if r.Start.Before(cutoff) {
			r.Start = cutoff
		}
		covered = append(covered, r)
	}
	return &snapshot{candles: candles, covered: covered}, i
}

func mergeRanges(ranges []models.TimeRange) []models.TimeRange {
	if len(ranges) == 0 {
		return nil
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start.Before(ranges[j].Start) })

	out := make([]models.TimeRange, 0, len(ranges))
	for _, r := range ranges {
		if r.Empty() {
			continue
		}
		if n := len(out); n > 0 && !r.Start.After(out[n-1].End) {
			if r.End.After(out[n-1].End) {
				out[n-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// gapsIn lists the expected open times in [lo, hi) that candles lacks,
// grouped into contiguous ranges. candles must be sorted.
func gapsIn(candles []models.Candle, lo, hi time.Time, step time.Duration) []models.TimeRange {
	var gaps []models.TimeRange
	k := 0
	for t := lo; t.Before(hi); t = t.Add(step) {
		for k < len(candles) && candles[k].OpenTime.Before(t) {
			k++
		}
		if k < len(candles) && candles[k].OpenTime.Equal(t) {
			continue
		}
		if n := len(gaps); n > 0 && gaps[n-1].End.Equal(t) {
			gaps[n-1].End = t.Add(step)
			continue
		}
		gaps = append(gaps, models.TimeRange{Start: t, End: t.Add(step)})
	}
	return gaps
}
