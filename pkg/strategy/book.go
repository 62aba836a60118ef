package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gregtusar/crews/pkg/clock"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/gregtusar/crews/pkg/repository"
	"github.com/sirupsen/logrus"
)

// Book publishes immutable strategy versions. A new parameter set always
// becomes a new version; existing versions are never rewritten.
type Book struct {
	repo     repository.StrategyRepository
	registry *Registry
	clock    clock.Clock
	logger   *logrus.Logger

	mu sync.Mutex // serializes version allocation
}

func NewBook(repo repository.StrategyRepository, registry *Registry, clk clock.Clock, logger *logrus.Logger) *Book {
	return &Book{repo: repo, registry: registry, clock: clk, logger: logger}
}

// Register creates version 1 of a new strategy. An empty id gets a
// generated one.
func (b *Book) Register(ctx context.Context, id, decider string, params map[string]float64) (*models.Strategy, error) {
	if _, err := b.registry.Get(decider); err != nil {
		return nil, models.NewValidationError("decider", "unknown decider %q", decider)
	}
	if id == "" {
		id = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	existing, err := b.repo.ListBy(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, models.NewValidationError("id", "strategy %s already exists", id)
	}
	return b.save(ctx, &models.Strategy{ID: id, Version: 1, Decider: decider, Parameters: copyParams(params)})
}

// Publish creates the next version of id with params, keeping the decider of
// the latest version.
func (b *Book) Publish(ctx context.Context, id string, params map[string]float64) (*models.Strategy, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	latest, err := b.latest(ctx, id)
	if err != nil {
		return nil, err
	}
	next := &models.Strategy{
		ID:         id,
		Version:    latest.Version + 1,
		Decider:    latest.Decider,
		Parameters: copyParams(params),
	}
	s, err := b.save(ctx, next)
	if err != nil {
		return nil, err
	}
	b.logger.WithFields(logrus.Fields{
		"strategy_id": id,
		"version":     s.Version,
	}).Info("Published strategy version")
	return s, nil
}

func (b *Book) Get(ctx context.Context, ref models.StrategyRef) (*models.Strategy, error) {
	return b.repo.Get(ctx, ref)
}

// Latest returns the newest version of id.
func (b *Book) Latest(ctx context.Context, id string) (*models.Strategy, error) {
	return b.latest(ctx, id)
}

func (b *Book) Versions(ctx context.Context, id string) ([]*models.Strategy, error) {
	return b.repo.ListBy(ctx, id)
}

func (b *Book) List(ctx context.Context) ([]*models.Strategy, error) {
	return b.repo.List(ctx)
}

// Resolve loads ref and binds it to its decider.
func (b *Book) Resolve(ctx context.Context, ref models.StrategyRef) (*Bound, error) {
	s, err := b.repo.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return b.registry.Bind(s)
}

func (b *Book) Registry() *Registry {
	return b.registry
}

func (b *Book) latest(ctx context.Context, id string) (*models.Strategy, error) {
	versions, err := b.repo.ListBy(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, &models.NotFoundError{Kind: "strategy", ID: id}
	}
	return versions[len(versions)-1], nil
}

func (b *Book) save(ctx context.Context, s *models.Strategy) (*models.Strategy, error) {
	s.CreatedAt = b.clock.Now()
	if _, err := b.registry.Bind(s); err != nil {
		return nil, err
	}
	if err := b.repo.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to save strategy %s: %w", s.Ref(), err)
	}
	return s, nil
}

func copyParams(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
