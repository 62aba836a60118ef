package repository

import (
	"context"
	"testing"
	"time"

	"github.com/gregtusar/crews/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestMemoryCrewsCopyOnSaveAndGet(t *testing.T) {
	ctx := context.Background()
	repos := NewMemory()

	crew := &models.Crew{
		ID:            "C1",
		Name:          "alpha",
		Status:        models.CrewStatusCreated,
		Subscriptions: []models.Subscription{{Symbol: "BTCUSDT", Interval: models.Interval1h}},
		CreatedAt:     t0,
	}
	require.NoError(t, repos.Crews.Save(ctx, crew))
	crew.Subscriptions[0].Symbol = "MUTATED"

	got, err := repos.Crews.Get(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", got.Subscriptions[0].Symbol)

	_, err = repos.Crews.Get(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, repos.Crews.Delete(ctx, "C1"))
	assert.ErrorIs(t, repos.Crews.Delete(ctx, "C1"), models.ErrNotFound)
}

func TestMemoryCrewsListOrdered(t *testing.T) {
	ctx := context.Background()
	repos := NewMemory()
	require.NoError(t, repos.Crews.Save(ctx, &models.Crew{ID: "b", CreatedAt: t0.Add(time.Minute)}))
	require.NoError(t, repos.Crews.Save(ctx, &models.Crew{ID: "a", CreatedAt: t0.Add(time.Minute)}))
	require.NoError(t, repos.Crews.Save(ctx, &models.Crew{ID: "z", CreatedAt: t0}))

	list, err := repos.Crews.List(ctx)
	require.NoError(t, err)
	ids := []string{list[0].ID, list[1].ID, list[2].ID}
	assert.Equal(t, []string{"z", "a", "b"}, ids)
}

func TestMemoryFillsAppendOnly(t *testing.T) {
	ctx := context.Background()
	repos := NewMemory()

	f1 := models.Fill{ID: "f1", CrewID: "C1", Symbol: "BTCUSDT", Price: decimal.NewFromInt(100), Timestamp: t0.Add(time.Hour), Sequence: 2}
	f2 := models.Fill{ID: "f2", CrewID: "C1", Symbol: "BTCUSDT", Price: decimal.NewFromInt(101), Timestamp: t0, Sequence: 1}
	other := models.Fill{ID: "f3", CrewID: "C2", Timestamp: t0}

	require.NoError(t, repos.Fills.Save(ctx, f1))
	require.NoError(t, repos.Fills.Save(ctx, f2))
	require.NoError(t, repos.Fills.Save(ctx, other))

	dup := f1
	dup.Price = decimal.NewFromInt(999)
	require.NoError(t, repos.Fills.Save(ctx, dup))

	fills, err := repos.Fills.ListBy(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "f2", fills[0].ID)
	assert.True(t, fills[1].Price.Equal(decimal.NewFromInt(100)), "duplicate save is ignored")

	all, err := repos.Fills.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = repos.Fills.Get(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryPositions(t *testing.T) {
	ctx := context.Background()
	repos := NewMemory()
	require.NoError(t, repos.Positions.Save(ctx, models.Position{CrewID: "C1", Symbol: "ETHUSDT", NetQuantity: decimal.NewFromInt(1)}))
	require.NoError(t, repos.Positions.Save(ctx, models.Position{CrewID: "C1", Symbol: "BTCUSDT", NetQuantity: decimal.NewFromInt(2)}))
	require.NoError(t, repos.Positions.Save(ctx, models.Position{CrewID: "C1", Symbol: "BTCUSDT", NetQuantity: decimal.NewFromInt(3)}))

	got, err := repos.Positions.Get(ctx, "C1", "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, got.NetQuantity.Equal(decimal.NewFromInt(3)))

	list, err := repos.Positions.ListBy(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "BTCUSDT", list[0].Symbol)

	_, err = repos.Positions.Get(ctx, "C1", "SOLUSDT")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemorySnapshotsGetAtOrBefore(t *testing.T) {
	ctx := context.Background()
	repos := NewMemory()
	for _, h := range []int{3, 1, 2} {
		require.NoError(t, repos.Snapshots.Save(ctx, models.PerformanceSnapshot{CrewID: "C1", AsOf: t0.Add(time.Duration(h) * time.Hour), FillCount: h}))
	}
	require.NoError(t, repos.Snapshots.Save(ctx, models.PerformanceSnapshot{CrewID: "C1", AsOf: t0.Add(2 * time.Hour), FillCount: 20}))

	snap, err := repos.Snapshots.Get(ctx, "C1", t0.Add(150*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 20, snap.FillCount)

	_, err = repos.Snapshots.Get(ctx, "C1", t0)
	assert.ErrorIs(t, err, models.ErrNotFound)

	list, err := repos.Snapshots.ListBy(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []int{1, 20, 3}, []int{list[0].FillCount, list[1].FillCount, list[2].FillCount})
}

func TestMemoryStrategiesImmutableVersions(t *testing.T) {
	ctx := context.Background()
	repos := NewMemory()

	v1 := &models.Strategy{ID: "s", Version: 1, Decider: "sma_cross", Parameters: map[string]float64{"fast": 5}}
	require.NoError(t, repos.Strategies.Save(ctx, v1))
	v1.Parameters["fast"] = 99

	err := repos.Strategies.Save(ctx, &models.Strategy{ID: "s", Version: 1})
	assert.ErrorIs(t, err, models.ErrValidation)

	require.NoError(t, repos.Strategies.Save(ctx, &models.Strategy{ID: "s", Version: 2, Parameters: map[string]float64{"fast": 7}}))

	got, err := repos.Strategies.Get(ctx, models.StrategyRef{ID: "s", Version: 1})
	require.NoError(t, err)
	assert.Equal(t, 5.0, got.Parameters["fast"])

	versions, err := repos.Strategies.ListBy(ctx, "s")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[1].Version)

	_, err = repos.Strategies.Get(ctx, models.StrategyRef{ID: "s", Version: 3})
	assert.ErrorIs(t, err, models.ErrNotFound)
}
