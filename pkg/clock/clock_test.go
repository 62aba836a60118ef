package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSimulationClockMonotonic(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewSimulationClock(start)
	assert.Equal(t, start, c.Now())

	assert.Equal(t, start.Add(time.Hour), c.Advance(time.Hour))
	assert.Equal(t, start.Add(time.Hour), c.Advance(-time.Minute))

	assert.Equal(t, start.Add(time.Hour), c.AdvanceTo(start))
	assert.Equal(t, start.Add(3*time.Hour), c.AdvanceTo(start.Add(3*time.Hour)))
}

func TestWallIsUTC(t *testing.T) {
	assert.Equal(t, time.UTC, Wall{}.Now().Location())
}
