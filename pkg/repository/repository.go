// Package repository defines storage for crews and their derived records.
// Save must be durable before it returns. Storage failures surface as
// *models.PersistenceError; missing records as *models.NotFoundError.
package repository

import (
	"context"
	"time"

	"github.com/gregtusar/crews/pkg/models"
)

type CrewRepository interface {
	Save(ctx context.Context, crew *models.Crew) error
	Get(ctx context.Context, id string) (*models.Crew, error)
	List(ctx context.Context) ([]*models.Crew, error)
	Delete(ctx context.Context, id string) error
}

// FillRepository is append-only. Saving a fill whose ID already exists is a
// no-op.
type FillRepository interface {
	Save(ctx context.Context, fill models.Fill) error
	Get(ctx context.Context, id string) (models.Fill, error)
	ListBy(ctx context.Context, crewID string) ([]models.Fill, error)
	List(ctx context.Context) ([]models.Fill, error)
}

type PositionRepository interface {
	Save(ctx context.Context, pos models.Position) error
	Get(ctx context.Context, crewID, symbol string) (models.Position, error)
	ListBy(ctx context.Context, crewID string) ([]models.Position, error)
}

type SnapshotRepository interface {
	Save(ctx context.Context, snap models.PerformanceSnapshot) error
	// Get returns the newest snapshot at or before asOf.
	Get(ctx context.Context, crewID string, asOf time.Time) (models.PerformanceSnapshot, error)
	ListBy(ctx context.Context, crewID string) ([]models.PerformanceSnapshot, error)
}

type StrategyRepository interface {
	Save(ctx context.Context, s *models.Strategy) error
	Get(ctx context.Context, ref models.StrategyRef) (*models.Strategy, error)
	// ListBy returns every version of id, oldest first.
	ListBy(ctx context.Context, id string) ([]*models.Strategy, error)
	List(ctx context.Context) ([]*models.Strategy, error)
}

// Set bundles one repository per entity.
type Set struct {
	Crews      CrewRepository
	Fills      FillRepository
	Positions  PositionRepository
	Snapshots  SnapshotRepository
	Strategies StrategyRepository
}
