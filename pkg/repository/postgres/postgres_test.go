package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/gregtusar/crews/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestOptionDSN(t *testing.T) {
	assert.Equal(t, "postgres://localhost:5432?sslmode=disable", Option{}.dsn())
	assert.Equal(t,
		"postgres://crew:s3cret@db:6543/crews?sslmode=require",
		Option{Host: "db", Port: 6543, User: "crew", Password: "s3cret", Database: "crews", SSLMode: "require"}.dsn())
	assert.Equal(t, "host=x", Option{DSN: "host=x", Host: "ignored"}.dsn())
}

func TestCrewRecordRoundTripsModel(t *testing.T) {
	crew := &models.Crew{
		ID:              "C1",
		Name:            "alpha",
		OwnerID:         "u1",
		StrategyRef:     models.StrategyRef{ID: "s", Version: 3},
		Mode:            models.CrewModeLive,
		Status:          models.CrewStatusFailed,
		Subscriptions:   []models.Subscription{{Symbol: "BTCUSDT", Interval: models.Interval4h}},
		MaxPositionSize: decimal.NewFromFloat(1.5),
		RiskPercentage:  2,
		FailureReason:   "boom",
		CreatedAt:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:       time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, crew, newCrewRecord(crew).model())
}

func TestLookupErrMapsNotFound(t *testing.T) {
	err := lookupErr("get crew", "crew", "C1", gorm.ErrRecordNotFound)
	assert.ErrorIs(t, err, models.ErrNotFound)

	err = lookupErr("get crew", "crew", "C1", errors.New("connection reset"))
	var persist *models.PersistenceError
	assert.ErrorAs(t, err, &persist)
	assert.Equal(t, models.FatalToCrew, models.Classify(err))

	assert.NoError(t, persistErr("save", nil))
}
