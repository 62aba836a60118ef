package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// Sign is +1 for buys and -1 for sells.
func (s OrderSide) Sign() decimal.Decimal {
	if s == OrderSideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// OrderIntent is produced by a crew's decision step and consumed exactly once
// by the fill simulator or a live executor.
type OrderIntent struct {
	ID         string           `json:"id"`
	CrewID     string           `json:"crew_id"`
	Symbol     string           `json:"symbol"`
	Side       OrderSide        `json:"side"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Type       OrderType        `json:"order_type"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Validate checks the intent's shape, not whether it can fill.
func (o OrderIntent) Validate() error {
	if o.Symbol == "" {
		return NewValidationError("symbol", "must not be empty")
	}
	if !o.Side.Valid() {
		return NewValidationError("side", "must be BUY or SELL, got %q", o.Side)
	}
	if !o.Type.Valid() {
		return NewValidationError("order_type", "must be MARKET or LIMIT, got %q", o.Type)
	}
	if !o.Quantity.IsPositive() {
		return NewValidationError("quantity", "must be positive, got %s", o.Quantity)
	}
	if o.Type == OrderTypeLimit {
		if o.LimitPrice == nil || !o.LimitPrice.IsPositive() {
			return NewValidationError("limit_price", "LIMIT orders need a positive limit price")
		}
	}
	return nil
}

// Fill is an append-only execution record. Sequence orders fills that share a
// timestamp within one crew.
type Fill struct {
	ID              string          `json:"id"`
	IntentID        string          `json:"order_intent_ref"`
	CrewID          string          `json:"crew_id"`
	Symbol          string          `json:"symbol"`
	Side            OrderSide       `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset"`
	Timestamp       time.Time       `json:"timestamp"`
	Sequence        int64           `json:"sequence"`
}

func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Quantity)
}
