package domain

import (
	"math"
	"time"
)

// PatternType is the billing cadence class of a recurring pattern.
type PatternType string

const (
	PatternWeekly    PatternType = "weekly"
	PatternBiweekly  PatternType = "biweekly"
	PatternMonthly   PatternType = "monthly"
	PatternQuarterly PatternType = "quarterly"
	PatternYearly    PatternType = "yearly"
	PatternUnknown   PatternType = "unknown"
)

// Valid reports whether p is one of the known pattern types.
func (p PatternType) Valid() bool {
	switch p {
	case PatternWeekly, PatternBiweekly, PatternMonthly, PatternQuarterly, PatternYearly, PatternUnknown:
		return true
	}
	return false
}

// RecurringPattern is a persisted recurring bill or income stream of one
// household. Patterns are deactivated, never deleted.
type RecurringPattern struct {
	ID           string
	HouseholdID  string
	MerchantName string
	Amount       float64
	CadenceDays  float64
	PatternType  PatternType
	Confidence   float64
	NextDueDate  time.Time
	LastSeen     time.Time
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MerchantKey returns the normalized merchant of the pattern.
func (p *RecurringPattern) MerchantKey() string {
	return MerchantKey(p.MerchantName)
}

// AmountBand returns the inclusive [min, max] range of amounts within a
// relative tolerance of amount. The bounds are ordered for negative amounts too.
func AmountBand(amount, tolerance float64) (float64, float64) {
	lo := amount * (1 - tolerance)
	hi := amount * (1 + tolerance)
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi
}

// InAmountBand reports whether candidate lies in the relative band around amount.
func InAmountBand(candidate, amount, tolerance float64) bool {
	lo, hi := AmountBand(amount, tolerance)
	return candidate >= lo && candidate <= hi
}

// zeroBucket is the bucket of a zero amount.
const zeroBucket int64 = math.MinInt32

// AmountBucket maps an amount onto a logarithmic band of relative width
// tolerance. Together with the household and merchant key it forms the
// natural key of a RecurringPattern. The sign is encoded in the lowest bit so
// that income and outflow to the same merchant never share a bucket.
func AmountBucket(amount, tolerance float64) int64 {
	if amount == 0 || tolerance <= 0 {
		return zeroBucket
	}
	b := int64(math.Floor(math.Log(math.Abs(amount)) / math.Log1p(tolerance)))
	if amount < 0 {
		return b*2 + 1
	}
	return b * 2
}

// PatternKey is the natural key of a RecurringPattern.
type PatternKey struct {
	HouseholdID  string
	MerchantKey  string
	AmountBucket int64
}

// KeyOf returns the natural key of p for the given amount tolerance.
func KeyOf(p *RecurringPattern, tolerance float64) PatternKey {
	return PatternKey{
		HouseholdID:  p.HouseholdID,
		MerchantKey:  p.MerchantKey(),
		AmountBucket: AmountBucket(p.Amount, tolerance),
	}
}
