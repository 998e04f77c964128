package recurring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dvloznov/finance-patterns/internal/domain"
)

const (
	// priceChangeRatio is the relative deviation that counts as a price change.
	priceChangeRatio = 0.10
	// priceChangeLookback extends the search before a pattern's last sighting.
	priceChangeLookback = 30 * 24 * time.Hour
)

// Upcoming lists active patterns due within the next days days, soonest first.
func (d *Detector) Upcoming(ctx context.Context, householdID string, days int) ([]domain.UpcomingPayment, error) {
	patterns, err := d.store.ListActivePatterns(ctx, householdID)
	if err != nil {
		return nil, fmt.Errorf("Upcoming: list patterns: %w", err)
	}

	now := d.now()
	until := now.AddDate(0, 0, days)
	upcoming := []domain.UpcomingPayment{}
	for _, p := range patterns {
		if p.NextDueDate.Before(now) || p.NextDueDate.After(until) {
			continue
		}
		upcoming = append(upcoming, domain.UpcomingPayment{
			PatternID:    p.ID,
			MerchantName: p.MerchantName,
			Amount:       p.Amount,
			PatternType:  p.PatternType,
			NextDueDate:  p.NextDueDate,
			Confidence:   p.Confidence,
		})
	}
	sort.SliceStable(upcoming, func(i, j int) bool {
		return upcoming[i].NextDueDate.Before(upcoming[j].NextDueDate)
	})
	return upcoming, nil
}

// PriceChanges lists transactions of active patterns' merchants, dated from
// 30 days before the pattern was last seen, whose magnitude deviates from the
// pattern amount by more than 10%. Newest first.
func (d *Detector) PriceChanges(ctx context.Context, householdID string) ([]domain.PriceChange, error) {
	patterns, err := d.store.ListActivePatterns(ctx, householdID)
	if err != nil {
		return nil, fmt.Errorf("PriceChanges: list patterns: %w", err)
	}
	changes := []domain.PriceChange{}
	if len(patterns) == 0 {
		return changes, nil
	}

	since := patterns[0].LastSeen
	for _, p := range patterns[1:] {
		if p.LastSeen.Before(since) {
			since = p.LastSeen
		}
	}
	txs, err := d.store.ListTransactions(ctx, householdID, since.Add(-priceChangeLookback))
	if err != nil {
		return nil, fmt.Errorf("PriceChanges: list transactions: %w", err)
	}

	byMerchant := make(map[string][]domain.Transaction)
	for _, tx := range txs {
		key := domain.MerchantKey(tx.MerchantName)
		byMerchant[key] = append(byMerchant[key], tx)
	}

	for _, p := range patterns {
		expected := math.Abs(p.Amount)
		if expected == 0 {
			continue
		}
		from := p.LastSeen.Add(-priceChangeLookback)
		for _, tx := range byMerchant[p.MerchantKey()] {
			if tx.Date.Before(from) {
				continue
			}
			actual := math.Abs(tx.Amount)
			ratio := math.Abs(actual-expected) / expected
			if ratio <= priceChangeRatio {
				continue
			}
			changeType := domain.PriceDecrease
			if actual > expected {
				changeType = domain.PriceIncrease
			}
			changes = append(changes, domain.PriceChange{
				PatternID:      p.ID,
				TransactionID:  tx.ID,
				MerchantName:   p.MerchantName,
				ExpectedAmount: p.Amount,
				ActualAmount:   tx.Amount,
				Date:           tx.Date,
				ChangeRatio:    ratio,
				ChangeType:     changeType,
			})
		}
	}

	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Date.After(changes[j].Date)
	})
	return changes, nil
}

// MissedPayments lists active patterns whose next due date has passed without
// a newer sighting, longest overdue first.
func (d *Detector) MissedPayments(ctx context.Context, householdID string) ([]domain.MissedPayment, error) {
	patterns, err := d.store.ListActivePatterns(ctx, householdID)
	if err != nil {
		return nil, fmt.Errorf("MissedPayments: list patterns: %w", err)
	}

	now := d.now()
	missed := []domain.MissedPayment{}
	for _, p := range patterns {
		if !p.NextDueDate.Before(now) || !p.NextDueDate.After(p.LastSeen) {
			continue
		}
		missed = append(missed, domain.MissedPayment{
			PatternID:    p.ID,
			MerchantName: p.MerchantName,
			Amount:       p.Amount,
			PatternType:  p.PatternType,
			NextDueDate:  p.NextDueDate,
			LastSeen:     p.LastSeen,
			DaysOverdue:  int(wholeDays(now.Sub(p.NextDueDate))),
		})
	}
	sort.SliceStable(missed, func(i, j int) bool {
		return missed[i].NextDueDate.Before(missed[j].NextDueDate)
	})
	return missed, nil
}
