// Package optimizer periodically tunes the strategy parameters of running
// crews from their measured performance.
package optimizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/gregtusar/crews/pkg/models"
)

// Objective names the snapshot metric a proposal must improve. Higher scores
// are better for every objective.
type Objective string

const (
	ObjectiveNetPnL      Objective = "net_pnl"
	ObjectiveSharpe      Objective = "sharpe_ratio"
	ObjectiveWinRate     Objective = "win_rate"
	ObjectiveMaxDrawdown Objective = "max_drawdown"
)

func Objectives() []Objective {
	return []Objective{ObjectiveNetPnL, ObjectiveSharpe, ObjectiveWinRate, ObjectiveMaxDrawdown}
}

func ParseObjective(s string) (Objective, error) {
	o := Objective(strings.ToLower(strings.TrimSpace(s)))
	if !o.Valid() {
		return "", models.NewValidationError("objective", "unknown objective %q", s)
	}
	return o, nil
}

func (o Objective) Valid() bool {
	for _, known := range Objectives() {
		if o == known {
			return true
		}
	}
	return false
}

// Score reads the objective from snap. Drawdown is negated so that a smaller
// drawdown scores higher.
func (o Objective) Score(snap models.PerformanceSnapshot) float64 {
	switch o {
	case ObjectiveSharpe:
		return snap.SharpeRatio
	case ObjectiveWinRate:
		return snap.WinRate
	case ObjectiveMaxDrawdown:
		return -snap.MaxDrawdown.InexactFloat64()
	default:
		return snap.NetPnL.InexactFloat64()
	}
}

// Request is what a ParameterOptimizer sees for one crew.
type Request struct {
	Crew      *models.Crew
	Strategy  *models.Strategy
	Snapshots []models.PerformanceSnapshot // oldest first, latest last
	Objective Objective
}

// Proposal is a candidate parameter set. Score and Baseline are the
// objective measured the same way for the proposal and for the current
// parameters.
type Proposal struct {
	Parameters map[string]float64 `json:"parameters"`
	Score      float64            `json:"score"`
	Baseline   float64            `json:"baseline"`
	Evaluated  int                `json:"evaluated"`
}

func (p *Proposal) Improvement() float64 {
	return p.Score - p.Baseline
}

// ParameterOptimizer proposes new parameters for a crew's strategy. A nil
// proposal means there is nothing to suggest.
type ParameterOptimizer interface {
	Propose(ctx context.Context, req Request) (*Proposal, error)
}

// Outcome reports one optimization attempt.
type Outcome struct {
	CrewID      string             `json:"crew_id"`
	From        models.StrategyRef `json:"from"`
	To          models.StrategyRef `json:"to"`
	Baseline    float64            `json:"baseline"`
	Score       float64            `json:"score"`
	Applied     bool               `json:"applied"`
	Reason      string             `json:"reason"`
	Snapshots   int                `json:"snapshots"`
	Evaluated   int                `json:"evaluated"`
	Improvement float64            `json:"improvement"`
}

func (o Outcome) String() string {
	if o.Applied {
		return fmt.Sprintf("crew %s rebound %s -> %s (+%.4f)", o.CrewID, o.From, o.To, o.Improvement)
	}
	return fmt.Sprintf("crew %s kept %s: %s", o.CrewID, o.From, o.Reason)
}
