package rollup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowHours(t *testing.T) {
	now := time.Date(2026, 8, 12, 14, 37, 0, 0, time.UTC)

	hours := WindowHours(now, 3)

	require.Len(t, hours, 3)
	assert.Equal(t, time.Date(2026, 8, 12, 11, 0, 0, 0, time.UTC), hours[0])
	assert.Equal(t, time.Date(2026, 8, 12, 12, 0, 0, 0, time.UTC), hours[1])
	assert.Equal(t, time.Date(2026, 8, 12, 13, 0, 0, 0, time.UTC), hours[2])
}

func TestWindowHoursExcludesCurrentHour(t *testing.T) {
	now := time.Date(2026, 8, 12, 14, 0, 0, 0, time.UTC)

	hours := WindowHours(now, 1)

	// 14:00 is still accumulating even when now is exactly on the hour.
	require.Len(t, hours, 1)
	assert.Equal(t, time.Date(2026, 8, 12, 13, 0, 0, 0, time.UTC), hours[0])
}

func TestWindowHoursCrossesDayBoundary(t *testing.T) {
	now := time.Date(2026, 8, 12, 0, 30, 0, 0, time.UTC)

	hours := WindowHours(now, 2)

	require.Len(t, hours, 2)
	assert.Equal(t, time.Date(2026, 8, 11, 22, 0, 0, 0, time.UTC), hours[0])
	assert.Equal(t, time.Date(2026, 8, 11, 23, 0, 0, 0, time.UTC), hours[1])
}
