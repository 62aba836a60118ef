package strategy

import (
	"github.com/gregtusar/crews/pkg/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// targetIntent returns the MARKET intent moving net to target, if any.
func targetIntent(symbol string, net, target decimal.Decimal) []models.OrderIntent {
	diff := target.Sub(net)
	if diff.IsZero() {
		return nil
	}
	side := models.OrderSideBuy
	if diff.IsNegative() {
		side = models.OrderSideSell
	}
	return []models.OrderIntent{{
		Symbol:   symbol,
		Side:     side,
		Quantity: diff.Abs(),
		Type:     models.OrderTypeMarket,
	}}
}

// SMACross goes long when the fast average crosses above the slow one and
// exits (or goes short with allow_short=1) when it crosses back below.
type SMACross struct{}

func (SMACross) Name() string { return "sma_cross" }

func (SMACross) Defaults() map[string]float64 {
	return map[string]float64{"fast": 5, "slow": 20, "quantity": 1, "allow_short": 0}
}

func (SMACross) Tunable() []string { return []string{"fast", "slow"} }

func (SMACross) Decide(in DecisionInput) []models.OrderIntent {
	fast := int(param(in.Parameters, "fast", 5))
	slow := int(param(in.Parameters, "slow", 20))
	qty := decimal.NewFromFloat(param(in.Parameters, "quantity", 1))
	if fast <= 0 || slow <= fast || !qty.IsPositive() || len(in.History) < slow+1 {
		return nil
	}

	cl := closes(in.History)
	prev := cl[:len(cl)-1]
	fastNow, _ := sma(cl, fast)
	slowNow, _ := sma(cl, slow)
	fastPrev, _ := sma(prev, fast)
	slowPrev, _ := sma(prev, slow)

	net := in.Position.NetQuantity
	switch {
	case fastPrev.LessThanOrEqual(slowPrev) && fastNow.GreaterThan(slowNow):
		return targetIntent(in.Candle.Symbol, net, qty)
	case fastPrev.GreaterThanOrEqual(slowPrev) && fastNow.LessThan(slowNow):
		target := decimal.Zero
		if param(in.Parameters, "allow_short", 0) > 0 {
			target = qty.Neg()
		}
		return targetIntent(in.Candle.Symbol, net, target)
	}
	return nil
}

// MeanReversion buys with a LIMIT order when the close drops entry_drop_pct
// below its moving average and sells once the position gained exit_gain_pct
// over its entry price. Limits sit limit_offset_pct away from the close.
type MeanReversion struct{}

func (MeanReversion) Name() string { return "mean_reversion" }

func (MeanReversion) Defaults() map[string]float64 {
	return map[string]float64{
		"lookback":         20,
		"entry_drop_pct":   2,
		"exit_gain_pct":    2,
		"quantity":         1,
		"limit_offset_pct": 0,
	}
}

func (MeanReversion) Tunable() []string {
	return []string{"lookback", "entry_drop_pct", "exit_gain_pct", "limit_offset_pct"}
}

func (MeanReversion) Decide(in DecisionInput) []models.OrderIntent {
	lookback := int(param(in.Parameters, "lookback", 20))
	qty := decimal.NewFromFloat(param(in.Parameters, "quantity", 1))
	entry := decimal.NewFromFloat(param(in.Parameters, "entry_drop_pct", 2)).Div(hundred)
	exit := decimal.NewFromFloat(param(in.Parameters, "exit_gain_pct", 2)).Div(hundred)
	offset := decimal.NewFromFloat(param(in.Parameters, "limit_offset_pct", 0)).Div(hundred)
	if !qty.IsPositive() {
		return nil
	}

	last := in.Candle.Close
	net := in.Position.NetQuantity
	one := decimal.NewFromInt(1)

	if net.IsPositive() {
		target := in.Position.AverageEntryPrice.Mul(one.Add(exit))
		if last.LessThan(target) {
			return nil
		}
		limit := last.Mul(one.Add(offset))
		return []models.OrderIntent{{
			Symbol:     in.Candle.Symbol,
			Side:       models.OrderSideSell,
			Quantity:   net,
			Type:       models.OrderTypeLimit,
			LimitPrice: &limit,
		}}
	}

	if !net.IsZero() {
		return nil
	}
	mean, ok := sma(closes(in.History), lookback)
	if !ok || last.GreaterThan(mean.Mul(one.Sub(entry))) {
		return nil
	}
	limit := last.Mul(one.Sub(offset))
	return []models.OrderIntent{{
		Symbol:     in.Candle.Symbol,
		Side:       models.OrderSideBuy,
		Quantity:   qty,
		Type:       models.OrderTypeLimit,
		LimitPrice: &limit,
	}}
}
