// Package ledger applies fills to positions with weighted average cost
// accounting.
package ledger

import (
	"fmt"
	"sort"

	"github.com/gregtusar/crews/pkg/models"
	"github.com/shopspring/decimal"
)

// Apply returns pos after fill. Increasing exposure moves the average entry
// price; reducing it books realized PnL on the closed quantity and leaves the
// average alone. A fill that crosses zero closes the old side and opens the
// remainder at the fill price. The second return value is the PnL realized by
// this fill alone.
func Apply(pos models.Position, fill models.Fill) (models.Position, decimal.Decimal, error) {
	if pos.Symbol != "" && pos.Symbol != fill.Symbol {
		return pos, decimal.Zero, fmt.Errorf("fill %s for %s applied to %s position", fill.ID, fill.Symbol, pos.Symbol)
	}
	if !fill.Quantity.IsPositive() {
		return pos, decimal.Zero, models.NewValidationError("quantity", "fill %s has non-positive quantity %s", fill.ID, fill.Quantity)
	}

	next := pos
	next.CrewID = fill.CrewID
	next.Symbol = fill.Symbol
	next.UpdatedAt = fill.Timestamp

	signed := fill.Quantity.Mul(fill.Side.Sign())
	held := pos.NetQuantity

	// Same direction, or opening from flat.
	if held.IsZero() || held.Sign() == signed.Sign() {
		oldAbs := held.Abs()
		total := oldAbs.Add(fill.Quantity)
		next.AverageEntryPrice = oldAbs.Mul(pos.AverageEntryPrice).Add(fill.Quantity.Mul(fill.Price)).Div(total)
		next.NetQuantity = held.Add(signed)
		return next, decimal.Zero, nil
	}

	closed := decimal.Min(held.Abs(), fill.Quantity)
	realized := fill.Price.Sub(pos.AverageEntryPrice).Mul(closed)
	if held.IsNegative() {
		realized = realized.Neg()
	}
	next.RealizedPnL = pos.RealizedPnL.Add(realized)
	next.NetQuantity = held.Add(signed)

	switch {
	case next.NetQuantity.IsZero():
		next.AverageEntryPrice = decimal.Zero
	case next.NetQuantity.Sign() != held.Sign():
		next.AverageEntryPrice = fill.Price
	}
	return next, realized, nil
}

// Clip returns how much of qty on side can trade without taking |net| above
// limit. A non-positive limit disables the check.
func Clip(net decimal.Decimal, side models.OrderSide, qty, limit decimal.Decimal) decimal.Decimal {
	if !limit.IsPositive() {
		return qty
	}
	room := limit.Sub(net)
	if side == models.OrderSideSell {
		room = limit.Add(net)
	}
	if !room.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(qty, room)
}

// SortFills orders fills by Timestamp, then Sequence.
func SortFills(fills []models.Fill) {
	sort.SliceStable(fills, func(i, j int) bool {
		if !fills[i].Timestamp.Equal(fills[j].Timestamp) {
			return fills[i].Timestamp.Before(fills[j].Timestamp)
		}
		return fills[i].Sequence < fills[j].Sequence
	})
}

// Rederive rebuilds every position of a crew from its fill history.
func Rederive(fills []models.Fill) (map[string]models.Position, error) {
	ordered := append([]models.Fill(nil), fills...)
	SortFills(ordered)

	out := make(map[string]models.Position)
	for _, f := range ordered {
		next, _, err := Apply(out[f.Symbol], f)
		if err != nil {
			return nil, err
		}
		out[f.Symbol] = next
	}
	return out, nil
}

// Book is the position set of one crew. It is not safe for concurrent use;
// the crew worker is its only writer.
type Book struct {
	crewID    string
	positions map[string]models.Position
	filled    map[string]decimal.Decimal // per intent
	sequence  int64
}

func NewBook(crewID string) *Book {
	return &Book{
		crewID:    crewID,
		positions: make(map[string]models.Position),
		filled:    make(map[string]decimal.Decimal),
	}
}

// Restore loads a book from stored fills.
func Restore(crewID string, fills []models.Fill) (*Book, error) {
	b := NewBook(crewID)
	ordered := append([]models.Fill(nil), fills...)
	SortFills(ordered)
	for _, f := range ordered {
		if _, _, err := b.apply(f); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// NextSequence stamps the next fill of this crew.
func (b *Book) NextSequence() int64 {
	b.sequence++
	return b.sequence
}

// Check verifies that fill would not take its intent beyond intended.
func (b *Book) Check(fill models.Fill, intended decimal.Decimal) error {
	if b.filled[fill.IntentID].Add(fill.Quantity).GreaterThan(intended) {
		return &models.ExecutionError{
			Kind:     models.ExecOverfill,
			IntentID: fill.IntentID,
			Err:      fmt.Errorf("fill %s of %s exceeds intended %s (already filled %s)", fill.ID, fill.Quantity, intended, b.filled[fill.IntentID]),
		}
	}
	return nil
}

// Apply records fill and returns the resulting position and the PnL it
// realized.
func (b *Book) Apply(fill models.Fill) (models.Position, decimal.Decimal, error) {
	if fill.CrewID != b.crewID {
		return models.Position{}, decimal.Zero, fmt.Errorf("fill %s belongs to crew %s, not %s", fill.ID, fill.CrewID, b.crewID)
	}
	return b.apply(fill)
}

func (b *Book) apply(fill models.Fill) (models.Position, decimal.Decimal, error) {
	next, realized, err := Apply(b.positions[fill.Symbol], fill)
	if err != nil {
		return models.Position{}, decimal.Zero, err
	}
	b.positions[fill.Symbol] = next
	b.filled[fill.IntentID] = b.filled[fill.IntentID].Add(fill.Quantity)
	if fill.Sequence > b.sequence {
		b.sequence = fill.Sequence
	}
	return next, realized, nil
}

// Position returns the current position for symbol, flat if none.
func (b *Book) Position(symbol string) models.Position {
	if p, ok := b.positions[symbol]; ok {
		return p
	}
	return models.Position{CrewID: b.crewID, Symbol: symbol}
}

// Positions returns a copy of every position held.
func (b *Book) Positions() []models.Position {
	out := make([]models.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
