package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateToBucket(t *testing.T) {
	loc := time.UTC
	// Wednesday, 2026-08-12 14:37:05.
	ts := time.Date(2026, 8, 12, 14, 37, 5, 0, loc)

	tests := []struct {
		res  Resolution
		want time.Time
	}{
		{ResolutionHour, time.Date(2026, 8, 12, 14, 0, 0, 0, loc)},
		{ResolutionDay, time.Date(2026, 8, 12, 0, 0, 0, 0, loc)},
		{ResolutionWeek, time.Date(2026, 8, 10, 0, 0, 0, 0, loc)}, // Monday
		{ResolutionMonth, time.Date(2026, 8, 1, 0, 0, 0, 0, loc)},
		{ResolutionQuarter, time.Date(2026, 7, 1, 0, 0, 0, 0, loc)},
		{ResolutionYear, time.Date(2026, 1, 1, 0, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(string(tt.res), func(t *testing.T) {
			assert.Equal(t, tt.want, TruncateToBucket(ts, tt.res, loc))
		})
	}
}

func TestTruncateToBucketWeekOnSunday(t *testing.T) {
	// Sunday belongs to the week starting the previous Monday.
	sunday := time.Date(2026, 8, 16, 23, 0, 0, 0, time.UTC)
	want := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, want, TruncateToBucket(sunday, ResolutionWeek, time.UTC))
}

func TestBucketSeriesIsComplete(t *testing.T) {
	loc := time.UTC
	start := time.Date(2026, 8, 1, 10, 30, 0, 0, loc)
	end := time.Date(2026, 8, 1, 14, 0, 0, 0, loc)

	series := BucketSeries(start, end, ResolutionHour, loc)

	require.Len(t, series, 5)
	assert.Equal(t, time.Date(2026, 8, 1, 10, 0, 0, 0, loc), series[0])
	assert.Equal(t, time.Date(2026, 8, 1, 14, 0, 0, 0, loc), series[4])
	for i := 1; i < len(series); i++ {
		assert.Equal(t, time.Hour, series[i].Sub(series[i-1]))
	}
}

func TestBucketSeriesSinglePoint(t *testing.T) {
	at := time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)
	series := BucketSeries(at, at, ResolutionDay, time.UTC)
	require.Len(t, series, 1)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), series[0])
}

func TestBucketSeriesInvertedRange(t *testing.T) {
	at := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	assert.Empty(t, BucketSeries(at, at.Add(-time.Hour), ResolutionHour, time.UTC))
}

func TestBucketSeriesMonthsAcrossYearEnd(t *testing.T) {
	loc := time.UTC
	start := time.Date(2025, 11, 15, 0, 0, 0, 0, loc)
	end := time.Date(2026, 2, 1, 0, 0, 0, 0, loc)

	series := BucketSeries(start, end, ResolutionMonth, loc)

	require.Len(t, series, 4)
	assert.Equal(t, time.Date(2025, 11, 1, 0, 0, 0, 0, loc), series[0])
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, loc), series[3])
}

func TestIsoWeekStart(t *testing.T) {
	tests := []struct {
		isoYear int
		week    int
		want    time.Time
	}{
		// ISO week 1 of 2026 starts Monday 2025-12-29.
		{2026, 1, time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC)},
		{2026, 33, time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)},
		{2025, 1, time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got := isoWeekStart(tt.isoYear, tt.week, time.UTC)
		assert.Equal(t, tt.want, got, "iso %d-W%02d", tt.isoYear, tt.week)

		// Round trip through Go's ISOWeek.
		y, w := got.ISOWeek()
		assert.Equal(t, tt.isoYear, y)
		assert.Equal(t, tt.week, w)
	}
}

func TestBucketFromPartsRoundTrip(t *testing.T) {
	loc := time.UTC
	tests := []struct {
		res   Resolution
		parts []int
		want  time.Time
	}{
		{ResolutionHour, []int{2026, 8, 12, 14}, time.Date(2026, 8, 12, 14, 0, 0, 0, loc)},
		{ResolutionDay, []int{2026, 8, 12}, time.Date(2026, 8, 12, 0, 0, 0, 0, loc)},
		{ResolutionWeek, []int{2026, 33}, time.Date(2026, 8, 10, 0, 0, 0, 0, loc)},
		{ResolutionMonth, []int{2026, 8}, time.Date(2026, 8, 1, 0, 0, 0, 0, loc)},
		{ResolutionQuarter, []int{2026, 3}, time.Date(2026, 7, 1, 0, 0, 0, 0, loc)},
		{ResolutionYear, []int{2026}, time.Date(2026, 1, 1, 0, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(string(tt.res), func(t *testing.T) {
			require.Equal(t, partCount(tt.res), len(tt.parts))
			assert.Equal(t, tt.want, bucketFromParts(tt.res, tt.parts, loc))
		})
	}
}
