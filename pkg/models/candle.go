package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar. Candles are immutable once stored and keyed by
// (Symbol, Interval, OpenTime).
type Candle struct {
	Symbol        string          `json:"symbol"`
	Interval      Interval        `json:"interval"`
	OpenTime      time.Time       `json:"open_time"`
	CloseTime     time.Time       `json:"close_time"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	Volume        decimal.Decimal `json:"volume"`
	QuoteVolume   decimal.Decimal `json:"quote_volume"`
	TradeCount    int64           `json:"trade_count"`
	TakerBuyBase  decimal.Decimal `json:"taker_buy_base"`
	TakerBuyQuote decimal.Decimal `json:"taker_buy_quote"`
}

func (c Candle) Key() SeriesKey {
	return SeriesKey{Symbol: c.Symbol, Interval: c.Interval}
}

// SeriesKey identifies one candle series.
type SeriesKey struct {
	Symbol   string
	Interval Interval
}

func (k SeriesKey) String() string {
	return k.Symbol + "@" + string(k.Interval)
}

// TimeRange is a half-open [Start, End) window.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (r TimeRange) Empty() bool {
	return !r.End.After(r.Start)
}

func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Subscription binds a crew to one candle series.
type Subscription struct {
	Symbol   string   `json:"symbol"`
	Interval Interval `json:"interval"`
}

func (s Subscription) Key() SeriesKey {
	return SeriesKey{Symbol: s.Symbol, Interval: s.Interval}
}
