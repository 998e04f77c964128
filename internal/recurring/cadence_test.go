package recurring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dvloznov/finance-patterns/internal/domain"
)

func TestClassifyCadence(t *testing.T) {
	start := date(2024, 1, 1)
	series := func(intervals ...int) []time.Time {
		dates := []time.Time{start}
		d := start
		for _, n := range intervals {
			d = d.AddDate(0, 0, n)
			dates = append(dates, d)
		}
		return dates
	}

	tests := []struct {
		name     string
		dates    []time.Time
		wantType domain.PatternType
		minConf  float64
	}{
		{"monthly 30/31/29", series(30, 31, 29), domain.PatternMonthly, 0.97},
		{"weekly", series(7, 7, 7, 7), domain.PatternWeekly, 1},
		{"biweekly", series(14, 15, 13), domain.PatternBiweekly, 0.9},
		{"quarterly", series(91, 92, 90), domain.PatternQuarterly, 0.98},
		{"yearly", series(366, 365), domain.PatternYearly, 0.99},
		{"unknown cadence", series(50, 50, 50), domain.PatternUnknown, 1},
		{"single date", series(), domain.PatternUnknown, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyCadence(tt.dates)
			assert.Equal(t, tt.wantType, got.PatternType)
			assert.GreaterOrEqual(t, got.Confidence, tt.minConf)
		})
	}
}

func TestClassifyCadence_SameDay(t *testing.T) {
	d0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	got := ClassifyCadence([]time.Time{d0, d0.Add(2 * time.Hour), d0.Add(5 * time.Hour)})
	assert.Equal(t, domain.PatternUnknown, got.PatternType)
	assert.Equal(t, 0.0, got.MeanDays)
	assert.Equal(t, 0.0, got.Confidence)
}

func TestClassifyCadence_Unsorted(t *testing.T) {
	dates := []time.Time{date(2024, 3, 5), date(2024, 1, 5), date(2024, 2, 5)}
	got := ClassifyCadence(dates)
	assert.Equal(t, domain.PatternMonthly, got.PatternType)
	assert.InDelta(t, 30, got.MeanDays, 1e-9)
	assert.True(t, dates[0].Equal(date(2024, 3, 5)), "input must not be reordered")
}

func TestClassifyCadence_WholeDays(t *testing.T) {
	// 6 days 23 hours counts as 6 days.
	d0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	dates := []time.Time{d0, d0.Add(6*24*time.Hour + 23*time.Hour), d0.Add(14 * 24 * time.Hour)}
	got := ClassifyCadence(dates)
	assert.InDelta(t, 6.5, got.MeanDays, 1e-9)
}

func TestAmountConsistency(t *testing.T) {
	assert.Equal(t, 1.0, AmountConsistency([]float64{-50, -50, -50}))
	assert.InDelta(t, 1-0.0163299, AmountConsistency([]float64{-49, -50, -51}), 1e-6)
	assert.Equal(t, 0.0, AmountConsistency([]float64{1, 100, 1000}))
}

func TestNextDueDate(t *testing.T) {
	tests := []struct {
		name    string
		last    time.Time
		cadence float64
		typ     domain.PatternType
		want    time.Time
	}{
		{"monthly", date(2024, 3, 5), 30, domain.PatternMonthly, date(2024, 4, 5)},
		{"monthly leap clamp", date(2024, 1, 31), 30, domain.PatternMonthly, date(2024, 2, 29)},
		{"monthly clamp", date(2023, 1, 31), 30, domain.PatternMonthly, date(2023, 2, 28)},
		{"monthly year rollover", date(2023, 12, 15), 30, domain.PatternMonthly, date(2024, 1, 15)},
		{"monthly 31 to 30", date(2024, 3, 31), 30, domain.PatternMonthly, date(2024, 4, 30)},
		{"yearly leap day", date(2024, 2, 29), 365, domain.PatternYearly, date(2025, 2, 28)},
		{"yearly", date(2024, 6, 1), 365, domain.PatternYearly, date(2025, 6, 1)},
		{"weekly", date(2024, 1, 1), 7, domain.PatternWeekly, date(2024, 1, 8)},
		{"quarterly by days", date(2024, 1, 1), 91, domain.PatternQuarterly, date(2024, 4, 1)},
		{"unknown rounds days", date(2024, 1, 1), 49.6, domain.PatternUnknown, date(2024, 2, 20)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextDueDate(tt.last, tt.cadence, tt.typ)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
		})
	}
}

func TestNextDueDate_KeepsTimeOfDay(t *testing.T) {
	last := time.Date(2024, 1, 31, 14, 30, 0, 0, time.UTC)
	got := NextDueDate(last, 30, domain.PatternMonthly)
	assert.Equal(t, time.Date(2024, 2, 29, 14, 30, 0, 0, time.UTC), got)
}
