package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/crews/pkg/ledger"
	"github.com/gregtusar/crews/pkg/models"
)

// NewMemory returns repositories that keep everything in process memory.
func NewMemory() *Set {
	return &Set{
		Crews:      &memoryCrews{crews: make(map[string]*models.Crew)},
		Fills:      &memoryFills{byID: make(map[string]models.Fill)},
		Positions:  &memoryPositions{positions: make(map[string]map[string]models.Position)},
		Snapshots:  &memorySnapshots{snaps: make(map[string][]models.PerformanceSnapshot)},
		Strategies: &memoryStrategies{versions: make(map[string][]*models.Strategy)},
	}
}

type memoryCrews struct {
	mu    sync.RWMutex
	crews map[string]*models.Crew
}

func (r *memoryCrews) Save(_ context.Context, crew *models.Crew) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crews[crew.ID] = crew.Clone()
	return nil
}

func (r *memoryCrews) Get(_ context.Context, id string) (*models.Crew, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.crews[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "crew", ID: id}
	}
	return c.Clone(), nil
}

func (r *memoryCrews) List(_ context.Context) ([]*models.Crew, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Crew, 0, len(r.crews))
	for _, c := range r.crews {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memoryCrews) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.crews[id]; !ok {
		return &models.NotFoundError{Kind: "crew", ID: id}
	}
	delete(r.crews, id)
	return nil
}

type memoryFills struct {
	mu    sync.RWMutex
	byID  map[string]models.Fill
	order []string
}

func (r *memoryFills) Save(_ context.Context, fill models.Fill) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[fill.ID]; ok {
		return nil
	}
	r.byID[fill.ID] = fill
	r.order = append(r.order, fill.ID)
	return nil
}

func (r *memoryFills) Get(_ context.Context, id string) (models.Fill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byID[id]
	if !ok {
		return models.Fill{}, &models.NotFoundError{Kind: "fill", ID: id}
	}
	return f, nil
}

func (r *memoryFills) ListBy(_ context.Context, crewID string) ([]models.Fill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Fill
	for _, id := range r.order {
		if f := r.byID[id]; f.CrewID == crewID {
			out = append(out, f)
		}
	}
	ledger.SortFills(out)
	return out, nil
}

func (r *memoryFills) List(_ context.Context) ([]models.Fill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Fill, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	ledger.SortFills(out)
	return out, nil
}

type memoryPositions struct {
	mu        sync.RWMutex
	positions map[string]map[string]models.Position
}

func (r *memoryPositions) Save(_ context.Context, pos models.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	bySymbol, ok := r.positions[pos.CrewID]
	if !ok {
		bySymbol = make(map[string]models.Position)
		r.positions[pos.CrewID] = bySymbol
	}
	bySymbol[pos.Symbol] = pos
	return nil
}

func (r *memoryPositions) Get(_ context.Context, crewID, symbol string) (models.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.positions[crewID][symbol]
	if !ok {
		return models.Position{}, &models.NotFoundError{Kind: "position", ID: crewID + "/" + symbol}
	}
	return pos, nil
}

func (r *memoryPositions) ListBy(_ context.Context, crewID string) ([]models.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Position, 0, len(r.positions[crewID]))
	for _, p := range r.positions[crewID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

type memorySnapshots struct {
	mu    sync.RWMutex
	snaps map[string][]models.PerformanceSnapshot
}

func (r *memorySnapshots) Save(_ context.Context, snap models.PerformanceSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.snaps[snap.CrewID]
	i := sort.Search(len(list), func(i int) bool { return !list[i].AsOf.Before(snap.AsOf) })
	if i < len(list) && list[i].AsOf.Equal(snap.AsOf) {
		list[i] = snap
		return nil
	}
	list = append(list, models.PerformanceSnapshot{})
	copy(list[i+1:], list[i:])
	list[i] = snap
	r.snaps[snap.CrewID] = list
	return nil
}

func (r *memorySnapshots) Get(_ context.Context, crewID string, asOf time.Time) (models.PerformanceSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.snaps[crewID]
	i := sort.Search(len(list), func(i int) bool { return list[i].AsOf.After(asOf) })
	if i == 0 {
		return models.PerformanceSnapshot{}, &models.NotFoundError{Kind: "snapshot", ID: crewID}
	}
	return list[i-1], nil
}

func (r *memorySnapshots) ListBy(_ context.Context, crewID string) ([]models.PerformanceSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.PerformanceSnapshot(nil), r.snaps[crewID]...), nil
}

type memoryStrategies struct {
	mu       sync.RWMutex
	versions map[string][]*models.Strategy
}

func cloneStrategy(s *models.Strategy) *models.Strategy {
	cp := *s
	cp.Parameters = s.Params()
	return &cp
}

func (r *memoryStrategies) Save(_ context.Context, s *models.Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.versions[s.ID]
	for _, existing := range list {
		if existing.Version == s.Version {
			return models.NewValidationError("version", "strategy %s already exists", s.Ref())
		}
	}
	list = append(list, cloneStrategy(s))
	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	r.versions[s.ID] = list
	return nil
}

func (r *memoryStrategies) Get(_ context.Context, ref models.StrategyRef) (*models.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.versions[ref.ID] {
		if s.Version == ref.Version {
			return cloneStrategy(s), nil
		}
	}
	return nil, &models.NotFoundError{Kind: "strategy", ID: ref.String()}
}

func (r *memoryStrategies) ListBy(_ context.Context, id string) ([]*models.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Strategy, 0, len(r.versions[id]))
	for _, s := range r.versions[id] {
		out = append(out, cloneStrategy(s))
	}
	return out, nil
}

func (r *memoryStrategies) List(_ context.Context) ([]*models.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Strategy
	for _, list := range r.versions {
		for _, s := range list {
			out = append(out, cloneStrategy(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}
