// Package strategy holds the pluggable decision functions crews run and the
// versioned parameter sets they run with.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gregtusar/crews/pkg/models"
	"github.com/shopspring/decimal"
)

// DecisionInput is everything a decider may look at for one step.
type DecisionInput struct {
	CrewID     string
	Candle     models.Candle
	History    []models.Candle // closed candles of the same series, oldest first, Candle last
	Position   models.Position
	Parameters map[string]float64
}

// Decider turns one closed candle into zero or more order intents. It must
// not keep state between calls; everything it needs is in the input.
type Decider interface {
	Name() string
	Decide(in DecisionInput) []models.OrderIntent
	// Defaults returns the parameter set used when a strategy omits a key.
	Defaults() map[string]float64
}

// Tunable is implemented by deciders that name the parameters an optimizer
// may vary. Order sizing and on/off flags belong outside the list.
type Tunable interface {
	Tunable() []string
}

// Registry maps decider names to implementations.
type Registry struct {
	mu       sync.RWMutex
	deciders map[string]Decider
}

func NewRegistry() *Registry {
	return &Registry{deciders: make(map[string]Decider)}
}

// DefaultRegistry returns a registry with the built-in deciders.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(SMACross{})
	r.Register(MeanReversion{})
	return r
}

func (r *Registry) Register(d Decider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deciders[d.Name()] = d
}

func (r *Registry) Get(name string) (Decider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deciders[name]
	if !ok {
		return nil, &models.NotFoundError{Kind: "decider", ID: name}
	}
	return d, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.deciders))
	for name := range r.deciders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Bound is a strategy version resolved to its decider, with defaults filled
// in. It is immutable and may be shared between steps.
type Bound struct {
	Strategy *models.Strategy
	Decider  Decider
	params   map[string]float64
}

// Bind resolves s against r.
func (r *Registry) Bind(s *models.Strategy) (*Bound, error) {
	d, err := r.Get(s.Decider)
	if err != nil {
		return nil, fmt.Errorf("failed to bind strategy %s: %w", s.Ref(), err)
	}
	params := d.Defaults()
	for k, v := range s.Parameters {
		params[k] = v
	}
	return &Bound{Strategy: s, Decider: d, params: params}, nil
}

func (b *Bound) Ref() models.StrategyRef {
	return b.Strategy.Ref()
}

// Parameters returns a copy of the effective parameter set.
func (b *Bound) Parameters() map[string]float64 {
	out := make(map[string]float64, len(b.params))
	for k, v := range b.params {
		out[k] = v
	}
	return out
}

// Tunable returns the sorted parameter keys an optimizer may vary. Deciders
// that do not implement Tunable expose every parameter.
func (b *Bound) Tunable() []string {
	var keys []string
	if t, ok := b.Decider.(Tunable); ok {
		for _, k := range t.Tunable() {
			if _, set := b.params[k]; set {
				keys = append(keys, k)
			}
		}
	} else {
		for k := range b.params {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Decide runs the decider with the bound parameters. Keys in in.Parameters
// that the strategy does not set, such as the crew's risk_percentage, are
// passed through.
func (b *Bound) Decide(in DecisionInput) []models.OrderIntent {
	params := b.Parameters()
	for k, v := range in.Parameters {
		if _, ok := params[k]; !ok {
			params[k] = v
		}
	}
	in.Parameters = params
	return b.Decider.Decide(in)
}

func param(p map[string]float64, key string, fallback float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return fallback
}

func closes(candles []models.Candle) []decimal.Decimal {
	out := make([]decimal.Decimal, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// sma averages the last n values; ok is false without enough data.
func sma(values []decimal.Decimal, n int) (decimal.Decimal, bool) {
	if n <= 0 || len(values) < n {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, v := range values[len(values)-n:] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(n))), true
}
