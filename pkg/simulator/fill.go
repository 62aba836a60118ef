// Package simulator turns order intents into deterministic paper fills.
package simulator

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/shopspring/decimal"
)

var fillNamespace = uuid.MustParse("6f1c3b52-8a0e-4d59-9c53-2f7c8f0b9a11")

var bpsDivisor = decimal.NewFromInt(10000)

// knownQuotes is checked longest first so that USDT wins over USD.
var knownQuotes = func() []string {
	q := []string{"USDT", "USDC", "FDUSD", "BUSD", "TUSD", "DAI", "BTC", "ETH", "BNB", "EUR", "TRY", "USD"}
	sort.SliceStable(q, func(i, j int) bool { return len(q[i]) > len(q[j]) })
	return q
}()

// QuoteAsset derives the quote asset from a concatenated symbol such as
// BTCUSDT. Symbols with a dash separator (BTC-USDT) are also accepted.
func QuoteAsset(symbol string) string {
	s := strings.ToUpper(symbol)
	if i := strings.LastIndexAny(s, "-/"); i >= 0 {
		return s[i+1:]
	}
	for _, q := range knownQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return q
		}
	}
	return ""
}

type Config struct {
	// CommissionRate is charged on notional, e.g. 0.001 for 10 bps.
	CommissionRate decimal.Decimal
	// CommissionAsset overrides the quote asset derived from the symbol.
	CommissionAsset string
	// SlippageBps moves MARKET fills away from the close, against the taker.
	SlippageBps decimal.Decimal
}

// FillSimulator is stateless; Simulate is a pure function of its inputs.
type FillSimulator struct {
	cfg Config
}

func NewFillSimulator(cfg Config) *FillSimulator {
	return &FillSimulator{cfg: cfg}
}

// Simulate fills intent against candle. A LIMIT order fills at exactly its
// limit price when that price lies within [low, high]; otherwise ok is false,
// which is a normal outcome and not an error.
func (s *FillSimulator) Simulate(intent models.OrderIntent, candle models.Candle) (fill models.Fill, ok bool, err error) {
	if err := intent.Validate(); err != nil {
		return models.Fill{}, false, err
	}
	if candle.Symbol != intent.Symbol {
		return models.Fill{}, false, models.NewValidationError("candle", "symbol %s does not match intent symbol %s", candle.Symbol, intent.Symbol)
	}

	var price decimal.Decimal
	switch intent.Type {
	case models.OrderTypeMarket:
		price = s.marketPrice(intent.Side, candle.Close)
	case models.OrderTypeLimit:
		limit := *intent.LimitPrice
		// The fill price must have traded inside the candle.
		if candle.Low.GreaterThan(limit) || candle.High.LessThan(limit) {
			return models.Fill{}, false, nil
		}
		price = limit
	}

	asset := s.cfg.CommissionAsset
	if asset == "" {
		asset = QuoteAsset(intent.Symbol)
	}

	return models.Fill{
		ID:              fillID(intent, candle),
		IntentID:        intent.ID,
		CrewID:          intent.CrewID,
		Symbol:          intent.Symbol,
		Side:            intent.Side,
		Price:           price,
		Quantity:        intent.Quantity,
		Commission:      price.Mul(intent.Quantity).Mul(s.cfg.CommissionRate),
		CommissionAsset: asset,
		Timestamp:       candle.CloseTime,
	}, true, nil
}

func (s *FillSimulator) marketPrice(side models.OrderSide, close decimal.Decimal) decimal.Decimal {
	if s.cfg.SlippageBps.IsZero() {
		return close
	}
	adj := s.cfg.SlippageBps.Div(bpsDivisor)
	if side == models.OrderSideBuy {
		return close.Mul(decimal.NewFromInt(1).Add(adj))
	}
	return close.Mul(decimal.NewFromInt(1).Sub(adj))
}

func fillID(intent models.OrderIntent, candle models.Candle) string {
	name := intent.ID + "|" + string(candle.Interval) + "|" + candle.OpenTime.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(fillNamespace, []byte(name)).String()
}
