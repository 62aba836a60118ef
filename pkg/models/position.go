package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is recomputed from fills, never edited directly. NetQuantity is
// negative for shorts.
type Position struct {
	CrewID            string          `json:"crew_id"`
	Symbol            string          `json:"symbol"`
	NetQuantity       decimal.Decimal `json:"net_quantity"`
	AverageEntryPrice decimal.Decimal `json:"average_entry_price"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (p Position) Flat() bool {
	return p.NetQuantity.IsZero()
}

// Unrealized marks the open quantity at mark.
func (p Position) Unrealized(mark decimal.Decimal) decimal.Decimal {
	if p.Flat() {
		return decimal.Zero
	}
	return mark.Sub(p.AverageEntryPrice).Mul(p.NetQuantity)
}

type PerformanceSnapshot struct {
	CrewID         string          `json:"crew_id"`
	AsOf           time.Time       `json:"as_of"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	Fees           decimal.Decimal `json:"fees"`
	NetPnL         decimal.Decimal `json:"net_pnl"`
	Equity         decimal.Decimal `json:"equity"`
	MaxDrawdown    decimal.Decimal `json:"max_drawdown"`
	MaxDrawdownPct float64         `json:"max_drawdown_pct"`
	FillCount      int             `json:"fill_count"`
	ClosingTrades  int             `json:"closing_trades"`
	WinningTrades  int             `json:"winning_trades"`
	LosingTrades   int             `json:"losing_trades"`
	WinRate        float64         `json:"win_rate"`
	SharpeRatio    float64         `json:"sharpe_ratio"`
	StrategyRef    StrategyRef     `json:"strategy_ref"`
}
