// Package performance derives crew metrics from stored fills and market
// closes. Nothing here keeps running totals: every snapshot is recomputed
// from the fill history.
package performance

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/gregtusar/crews/pkg/ledger"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/shopspring/decimal"
)

// Point is one sample of the equity curve.
type Point struct {
	At     time.Time       `json:"at"`
	Equity decimal.Decimal `json:"equity"`
}

// Inputs is everything Compute reads.
type Inputs struct {
	CrewID string
	AsOf   time.Time
	Fills  []models.Fill
	// Marks holds closed candles per symbol used to mark open positions.
	Marks          map[string][]models.Candle
	InitialCapital decimal.Decimal
	// PeriodsPerYear annualizes the Sharpe ratio. Zero leaves it per period.
	PeriodsPerYear float64
}

type event struct {
	at     time.Time
	fill   *models.Fill
	symbol string
	price  decimal.Decimal
}

// Compute replays fills at or before AsOf together with the candle closes and
// returns the snapshot and the equity curve. Events sharing a timestamp are
// applied together, fills first, before the curve is sampled.
func Compute(in Inputs) (models.PerformanceSnapshot, []Point, error) {
	snap := models.PerformanceSnapshot{CrewID: in.CrewID, AsOf: in.AsOf}

	fills := make([]models.Fill, 0, len(in.Fills))
	for _, f := range in.Fills {
		if !f.Timestamp.After(in.AsOf) {
			fills = append(fills, f)
		}
	}
	ledger.SortFills(fills)

	events := make([]event, 0, len(fills))
	for i := range fills {
		events = append(events, event{at: fills[i].Timestamp, fill: &fills[i]})
	}
	symbols := make([]string, 0, len(in.Marks))
	for sym := range in.Marks {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		for _, c := range in.Marks[sym] {
			if c.CloseTime.After(in.AsOf) {
				continue
			}
			events = append(events, event{at: c.CloseTime, symbol: sym, price: c.Close})
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].at.Equal(events[j].at) {
			return events[i].at.Before(events[j].at)
		}
		return events[i].fill != nil && events[j].fill == nil
	})

	var (
		positions = make(map[string]models.Position)
		marks     = make(map[string]decimal.Decimal)
		realized  = decimal.Zero
		fees      = decimal.Zero
		curve     []Point
		returns   []float64
		peak      = in.InitialCapital
		lastEq    = in.InitialCapital
		haveLast  = false
	)

	unrealized := func() decimal.Decimal {
		total := decimal.Zero
		for sym, pos := range positions {
			if mark, ok := marks[sym]; ok {
				total = total.Add(pos.Unrealized(mark))
			}
		}
		return total
	}

	for i := 0; i < len(events); {
		at := events[i].at
		marked := false
		for ; i < len(events) && events[i].at.Equal(at); i++ {
			ev := events[i]
			if ev.fill == nil {
				marks[ev.symbol] = ev.price
				marked = true
				continue
			}

			f := *ev.fill
			prev := positions[f.Symbol]
			pos, r, err := ledger.Apply(prev, f)
			if err != nil {
				return models.PerformanceSnapshot{}, nil, fmt.Errorf("failed to replay fill %s: %w", f.ID, err)
			}
			positions[f.Symbol] = pos
			realized = realized.Add(r)
			fees = fees.Add(f.Commission)
			if _, ok := marks[f.Symbol]; !ok {
				marks[f.Symbol] = f.Price
			}

			if reduces(prev, f) {
				snap.ClosingTrades++
				switch r.Sign() {
				case 1:
					snap.WinningTrades++
				case -1:
					snap.LosingTrades++
				}
			}
		}

		equity := in.InitialCapital.Add(realized).Sub(fees).Add(unrealized())
		curve = append(curve, Point{At: at, Equity: equity})

		if equity.GreaterThan(peak) {
			peak = equity
		}
		if dd := peak.Sub(equity); dd.GreaterThan(snap.MaxDrawdown) {
			snap.MaxDrawdown = dd
			if peak.IsPositive() {
				snap.MaxDrawdownPct = dd.Div(peak).InexactFloat64() * 100
			}
		}

		if marked {
			if haveLast && lastEq.IsPositive() {
				returns = append(returns, equity.Div(lastEq).Sub(decimal.NewFromInt(1)).InexactFloat64())
			}
			lastEq, haveLast = equity, true
		}
	}

	snap.RealizedPnL = realized
	snap.UnrealizedPnL = unrealized()
	snap.Fees = fees
	snap.NetPnL = realized.Add(snap.UnrealizedPnL).Sub(fees)
	snap.Equity = in.InitialCapital.Add(snap.NetPnL)
	snap.FillCount = len(fills)
	if snap.ClosingTrades > 0 {
		snap.WinRate = float64(snap.WinningTrades) / float64(snap.ClosingTrades)
	}
	snap.SharpeRatio = sharpe(returns, in.PeriodsPerYear)
	return snap, curve, nil
}

// reduces reports whether f trades against the open position.
func reduces(prev models.Position, f models.Fill) bool {
	if prev.Flat() {
		return false
	}
	return prev.NetQuantity.Sign() != f.Side.Sign().Sign()
}

func sharpe(returns []float64, periodsPerYear float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var sq float64
	for _, r := range returns {
		sq += (r - mean) * (r - mean)
	}
	std := math.Sqrt(sq / float64(len(returns)-1))
	if std == 0 {
		return 0
	}
	ratio := mean / std
	if periodsPerYear > 0 {
		ratio *= math.Sqrt(periodsPerYear)
	}
	return ratio
}

// PeriodsPerYear returns how many candles of interval fit in a year.
func PeriodsPerYear(interval models.Interval) float64 {
	d := interval.Duration()
	if d <= 0 {
		return 0
	}
	return float64(365*24*time.Hour) / float64(d)
}
