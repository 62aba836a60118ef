package models

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	for _, iv := range SupportedIntervals() {
		got, err := ParseInterval(string(iv))
		require.NoError(t, err)
		assert.Equal(t, iv, got)
		assert.True(t, got.Duration() > 0)
	}

	_, err := ParseInterval("7m")
	var ivErr *InvalidIntervalError
	require.ErrorAs(t, err, &ivErr)
	assert.Equal(t, "7m", ivErr.Interval)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestIntervalFloorCeil(t *testing.T) {
	ts := time.Date(2024, 3, 1, 13, 47, 12, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC), Interval1h.Floor(ts))
	assert.Equal(t, time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC), Interval1h.Ceil(ts))
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), Interval4h.Floor(ts))
	assert.Equal(t, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), Interval8h.Floor(ts))
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Interval1d.Floor(ts))
	assert.Equal(t, time.Date(2024, 3, 1, 13, 45, 0, 0, time.UTC), Interval15m.Floor(ts))

	aligned := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	assert.Equal(t, aligned, Interval1h.Ceil(aligned))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Disposition
	}{
		{"validation", NewValidationError("quantity", "must be positive"), CallerVisible},
		{"interval", &InvalidIntervalError{Interval: "7m"}, CallerVisible},
		{"transition", &InvalidTransitionError{CrewID: "c", From: CrewStatusStopped, Op: "start"}, CallerVisible},
		{"duplicate", &DuplicateRunError{CrewID: "c"}, CallerVisible},
		{"active", &CrewActiveError{CrewID: "c", Status: CrewStatusRunning}, CallerVisible},
		{"gap", &DataGapError{Symbol: "BTCUSDT", Interval: Interval1h}, Retryable},
		{"source transient", &SourceError{Kind: SourceTransient, Err: errors.New("reset")}, Retryable},
		{"source not found", &SourceError{Kind: SourceNotFound, Err: errors.New("unknown")}, CallerVisible},
		{"timeout", &ExecutionError{Kind: ExecTimeout}, Retryable},
		{"balance", &ExecutionError{Kind: ExecInsufficientBalance}, FatalToCrew},
		{"rejected", &ExecutionError{Kind: ExecRejectedByVenue}, FatalToCrew},
		{"persistence", fmt.Errorf("step: %w", &PersistenceError{Op: "save fill", Err: errors.New("disk")}), FatalToCrew},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), Retryable},
		{"not found", &NotFoundError{Kind: "crew", ID: "x"}, CallerVisible},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestOrderIntentValidate(t *testing.T) {
	limit := decimal.NewFromInt(100)
	ok := OrderIntent{Symbol: "BTCUSDT", Side: OrderSideBuy, Type: OrderTypeLimit, Quantity: decimal.NewFromInt(1), LimitPrice: &limit}
	require.NoError(t, ok.Validate())

	noPrice := ok
	noPrice.LimitPrice = nil
	assert.ErrorIs(t, noPrice.Validate(), ErrValidation)

	zeroQty := ok
	zeroQty.Quantity = decimal.Zero
	assert.ErrorIs(t, zeroQty.Validate(), ErrValidation)

	badSide := ok
	badSide.Side = "HOLD"
	assert.ErrorIs(t, badSide.Validate(), ErrValidation)
}

func TestCrewStatus(t *testing.T) {
	assert.True(t, CrewStatusStopped.Terminal())
	assert.True(t, CrewStatusFailed.Terminal())
	assert.False(t, CrewStatusPaused.Terminal())
	assert.True(t, CrewStatusPaused.Active())
	assert.False(t, CrewStatusCreated.Active())
}

func TestPositionUnrealized(t *testing.T) {
	short := Position{NetQuantity: decimal.NewFromInt(-2), AverageEntryPrice: decimal.NewFromInt(100)}
	assert.True(t, short.Unrealized(decimal.NewFromInt(90)).Equal(decimal.NewFromInt(20)))

	flat := Position{}
	assert.True(t, flat.Unrealized(decimal.NewFromInt(90)).IsZero())
}
