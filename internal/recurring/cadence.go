package recurring

import (
	"math"
	"sort"
	"time"

	"github.com/dvloznov/finance-patterns/internal/domain"
	"github.com/dvloznov/finance-patterns/internal/similarity"
)

type cadenceBucket struct {
	patternType domain.PatternType
	days        float64
	tolerance   float64
}

// cadenceBuckets are checked in order; the first bucket whose range contains
// the mean interval wins.
var cadenceBuckets = []cadenceBucket{
	{domain.PatternWeekly, 7, 2},
	{domain.PatternBiweekly, 14, 3},
	{domain.PatternMonthly, 30, 5},
	{domain.PatternQuarterly, 90, 10},
	{domain.PatternYearly, 365, 30},
}

// Cadence is the outcome of analysing the dates of a candidate set.
type Cadence struct {
	MeanDays    float64
	PatternType domain.PatternType
	Confidence  float64
}

// ClassifyCadence derives the billing cadence from a set of dates. Intervals
// are whole days between consecutive sorted dates; confidence is one minus
// their coefficient of variation, floored at zero. A mean interval under one
// day yields confidence 0.
func ClassifyCadence(dates []time.Time) Cadence {
	if len(dates) < 2 {
		return Cadence{PatternType: domain.PatternUnknown}
	}

	sorted := append([]time.Time(nil), dates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	intervals := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		intervals = append(intervals, wholeDays(sorted[i].Sub(sorted[i-1])))
	}

	mean := similarity.Mean(intervals)
	c := Cadence{MeanDays: mean, PatternType: domain.PatternUnknown}
	// Dates bunched on the same day carry no cadence at all.
	if mean < 1 {
		return c
	}
	c.Confidence = math.Max(0, 1-similarity.CoefficientOfVariation(intervals))
	for _, b := range cadenceBuckets {
		if math.Abs(mean-b.days) <= b.tolerance {
			c.PatternType = b.patternType
			break
		}
	}
	return c
}

// AmountConsistency is one minus the coefficient of variation of the
// amounts, clamped to [0, 1].
func AmountConsistency(amounts []float64) float64 {
	return similarity.Clamp01(1 - similarity.CoefficientOfVariation(amounts))
}

// NextDueDate projects the next occurrence after last. Monthly and yearly
// cadences follow the calendar and clamp the day to the target month's
// length; all others add the mean cadence in days.
func NextDueDate(last time.Time, cadenceDays float64, t domain.PatternType) time.Time {
	switch t {
	case domain.PatternMonthly:
		return addMonthsClamped(last, 1)
	case domain.PatternYearly:
		return addMonthsClamped(last, 12)
	}
	days := int(math.Round(cadenceDays))
	if days < 1 {
		days = 1
	}
	return last.AddDate(0, 0, days)
}

// addMonthsClamped moves t forward by n months keeping the time of day. A day
// past the end of the target month becomes its last day (Jan 31 -> Feb 29 in
// a leap year, Feb 29 -> Feb 28 a year later).
func addMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

func wholeDays(d time.Duration) float64 {
	return math.Floor(d.Hours() / 24)
}
