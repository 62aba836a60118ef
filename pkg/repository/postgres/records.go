package postgres

import (
	"time"

	"github.com/gregtusar/crews/pkg/models"
	"github.com/shopspring/decimal"
)

type crewRecord struct {
	ID              string                `gorm:"primaryKey;size:64"`
	Name            string                `gorm:"size:128;not null"`
	OwnerID         string                `gorm:"size:128;index"`
	StrategyID      string                `gorm:"size:64;not null"`
	StrategyVersion int                   `gorm:"not null"`
	Mode            string                `gorm:"size:16;not null"`
	Status          string                `gorm:"size:16;not null;index"`
	Subscriptions   []models.Subscription `gorm:"serializer:json"`
	MaxPositionSize decimal.Decimal       `gorm:"type:numeric"`
	RiskPercentage  float64
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (crewRecord) TableName() string { return "crews" }

func newCrewRecord(c *models.Crew) *crewRecord {
	return &crewRecord{
		ID:              c.ID,
		Name:            c.Name,
		OwnerID:         c.OwnerID,
		StrategyID:      c.StrategyRef.ID,
		StrategyVersion: c.StrategyRef.Version,
		Mode:            string(c.Mode),
		Status:          string(c.Status),
		Subscriptions:   c.Subscriptions,
		MaxPositionSize: c.MaxPositionSize,
		RiskPercentage:  c.RiskPercentage,
		FailureReason:   c.FailureReason,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func (r *crewRecord) model() *models.Crew {
	return &models.Crew{
		ID:              r.ID,
		Name:            r.Name,
		OwnerID:         r.OwnerID,
		StrategyRef:     models.StrategyRef{ID: r.StrategyID, Version: r.StrategyVersion},
		Mode:            models.CrewMode(r.Mode),
		Status:          models.CrewStatus(r.Status),
		Subscriptions:   r.Subscriptions,
		MaxPositionSize: r.MaxPositionSize,
		RiskPercentage:  r.RiskPercentage,
		FailureReason:   r.FailureReason,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

type fillRecord struct {
	ID              string          `gorm:"primaryKey;size:64"`
	IntentID        string          `gorm:"size:64;index"`
	CrewID          string          `gorm:"size:64;index:idx_fills_crew_time,priority:1"`
	Symbol          string          `gorm:"size:32"`
	Side            string          `gorm:"size:8"`
	Price           decimal.Decimal `gorm:"type:numeric"`
	Quantity        decimal.Decimal `gorm:"type:numeric"`
	Commission      decimal.Decimal `gorm:"type:numeric"`
	CommissionAsset string          `gorm:"size:16"`
	Timestamp       time.Time       `gorm:"index:idx_fills_crew_time,priority:2"`
	Sequence        int64
}

func (fillRecord) TableName() string { return "fills" }

func newFillRecord(f models.Fill) *fillRecord {
	return &fillRecord{
		ID:              f.ID,
		IntentID:        f.IntentID,
		CrewID:          f.CrewID,
		Symbol:          f.Symbol,
		Side:            string(f.Side),
		Price:           f.Price,
		Quantity:        f.Quantity,
		Commission:      f.Commission,
		CommissionAsset: f.CommissionAsset,
		Timestamp:       f.Timestamp,
		Sequence:        f.Sequence,
	}
}

func (r *fillRecord) model() models.Fill {
	return models.Fill{
		ID:              r.ID,
		IntentID:        r.IntentID,
		CrewID:          r.CrewID,
		Symbol:          r.Symbol,
		Side:            models.OrderSide(r.Side),
		Price:           r.Price,
		Quantity:        r.Quantity,
		Commission:      r.Commission,
		CommissionAsset: r.CommissionAsset,
		Timestamp:       r.Timestamp.UTC(),
		Sequence:        r.Sequence,
	}
}

type positionRecord struct {
	CrewID            string          `gorm:"primaryKey;size:64"`
	Symbol            string          `gorm:"primaryKey;size:32"`
	NetQuantity       decimal.Decimal `gorm:"type:numeric"`
	AverageEntryPrice decimal.Decimal `gorm:"type:numeric"`
	RealizedPnL       decimal.Decimal `gorm:"type:numeric"`
	UpdatedAt         time.Time
}

func (positionRecord) TableName() string { return "positions" }

func newPositionRecord(p models.Position) *positionRecord {
	return &positionRecord{
		CrewID:            p.CrewID,
		Symbol:            p.Symbol,
		NetQuantity:       p.NetQuantity,
		AverageEntryPrice: p.AverageEntryPrice,
		RealizedPnL:       p.RealizedPnL,
		UpdatedAt:         p.UpdatedAt,
	}
}

func (r *positionRecord) model() models.Position {
	return models.Position{
		CrewID:            r.CrewID,
		Symbol:            r.Symbol,
		NetQuantity:       r.NetQuantity,
		AverageEntryPrice: r.AverageEntryPrice,
		RealizedPnL:       r.RealizedPnL,
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
}

// snapshotRecord stores the derived metrics as a JSON document keyed by
// (crew, as_of); snapshots are never queried by metric.
type snapshotRecord struct {
	CrewID   string                     `gorm:"primaryKey;size:64"`
	AsOf     time.Time                  `gorm:"primaryKey"`
	Snapshot models.PerformanceSnapshot `gorm:"serializer:json"`
}

func (snapshotRecord) TableName() string { return "performance_snapshots" }

type strategyRecord struct {
	ID         string             `gorm:"primaryKey;size:64"`
	Version    int                `gorm:"primaryKey"`
	Decider    string             `gorm:"size:64;not null"`
	Parameters map[string]float64 `gorm:"serializer:json"`
	CreatedAt  time.Time
}

func (strategyRecord) TableName() string { return "strategies" }

func newStrategyRecord(s *models.Strategy) *strategyRecord {
	return &strategyRecord{
		ID:         s.ID,
		Version:    s.Version,
		Decider:    s.Decider,
		Parameters: s.Params(),
		CreatedAt:  s.CreatedAt,
	}
}

func (r *strategyRecord) model() *models.Strategy {
	return &models.Strategy{
		ID:         r.ID,
		Version:    r.Version,
		Decider:    r.Decider,
		Parameters: r.Parameters,
		CreatedAt:  r.CreatedAt.UTC(),
	}
}
