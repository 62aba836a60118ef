package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type CrewMode string

const (
	CrewModePaper CrewMode = "PAPER"
	CrewModeLive  CrewMode = "LIVE"
)

func (m CrewMode) Valid() bool {
	return m == CrewModePaper || m == CrewModeLive
}

type CrewStatus string

const (
	CrewStatusCreated CrewStatus = "CREATED"
	CrewStatusRunning CrewStatus = "RUNNING"
	CrewStatusPaused  CrewStatus = "PAUSED"
	CrewStatusStopped CrewStatus = "STOPPED"
	CrewStatusFailed  CrewStatus = "FAILED"
)

// Terminal reports whether a run has ended for good.
func (s CrewStatus) Terminal() bool {
	return s == CrewStatusStopped || s == CrewStatusFailed
}

// Active reports whether a worker owns the crew.
func (s CrewStatus) Active() bool {
	return s == CrewStatusRunning || s == CrewStatusPaused
}

// StrategyRef points at one immutable strategy version.
type StrategyRef struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

func (r StrategyRef) String() string {
	return fmt.Sprintf("%s@v%d", r.ID, r.Version)
}

type Crew struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	OwnerID         string          `json:"owner_id"`
	StrategyRef     StrategyRef     `json:"strategy_ref"`
	Mode            CrewMode        `json:"mode"`
	Status          CrewStatus      `json:"status"`
	Subscriptions   []Subscription  `json:"subscriptions"`
	MaxPositionSize decimal.Decimal `json:"max_position_size"`
	RiskPercentage  float64         `json:"risk_percentage"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IntervalFor returns the subscribed interval for symbol, if any.
func (c *Crew) IntervalFor(symbol string) (Interval, bool) {
	for _, s := range c.Subscriptions {
		if s.Symbol == symbol {
			return s.Interval, true
		}
	}
	return "", false
}

// Clone returns a copy that shares no slices with c.
func (c *Crew) Clone() *Crew {
	cp := *c
	cp.Subscriptions = append([]Subscription(nil), c.Subscriptions...)
	return &cp
}

// Strategy is immutable per version. Decider names the registered decision
// function that interprets Parameters.
type Strategy struct {
	ID         string             `json:"id"`
	Version    int                `json:"version"`
	Decider    string             `json:"decider"`
	Parameters map[string]float64 `json:"parameters"`
	CreatedAt  time.Time          `json:"created_at"`
}

func (s *Strategy) Ref() StrategyRef {
	return StrategyRef{ID: s.ID, Version: s.Version}
}

// Params returns a copy of the parameter set.
func (s *Strategy) Params() map[string]float64 {
	out := make(map[string]float64, len(s.Parameters))
	for k, v := range s.Parameters {
		out[k] = v
	}
	return out
}
