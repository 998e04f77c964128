package store

import (
	"sort"
	"time"

	"github.com/dvloznov/finance-patterns/internal/domain"
)

// MergePattern folds incoming into the stored pattern sharing its natural
// key. The stored id and creation time survive, last_seen never moves
// backwards and the schedule follows whichever side saw the latest payment.
func MergePattern(existing, incoming *domain.RecurringPattern, now time.Time) domain.RecurringPattern {
	merged := *existing
	merged.IsActive = true
	merged.UpdatedAt = now
	merged.Confidence = incoming.Confidence

	if !incoming.LastSeen.Before(existing.LastSeen) {
		merged.LastSeen = incoming.LastSeen
		merged.NextDueDate = incoming.NextDueDate
		merged.Amount = incoming.Amount
		merged.CadenceDays = incoming.CadenceDays
		merged.PatternType = incoming.PatternType
		merged.MerchantName = incoming.MerchantName
	}
	return merged
}

// PatternRanksBefore reports whether a should be ranked before b when picking
// the best active pattern.
func PatternRanksBefore(a, b *domain.RecurringPattern) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.LastSeen.After(b.LastSeen)
}

// PassesWindow reports whether tx satisfies the filters of q.
func PassesWindow(tx *domain.Transaction, q WindowQuery) bool {
	if tx.HouseholdID != q.HouseholdID {
		return false
	}
	if tx.Date.Before(q.From) || tx.Date.After(q.To) {
		return false
	}
	if q.ExcludeTransactionID != "" && tx.ID == q.ExcludeTransactionID {
		return false
	}
	if q.ExcludeAccountID != "" && tx.AccountID == q.ExcludeAccountID {
		return false
	}
	if q.MinAmount != nil && tx.Amount < *q.MinAmount {
		return false
	}
	if q.MaxAmount != nil && tx.Amount > *q.MaxAmount {
		return false
	}
	if q.ExcludeTransfers && tx.FlaggedTransfer() {
		return false
	}
	return true
}

// WindowCenter returns the midpoint of the query window.
func WindowCenter(q WindowQuery) time.Time {
	return q.From.Add(q.To.Sub(q.From) / 2)
}

// NearestFirst orders txs by distance from center, newer first on ties, and
// truncates the result to limit when limit is positive.
func NearestFirst(txs []domain.Transaction, center time.Time, limit int) []domain.Transaction {
	sort.SliceStable(txs, func(i, j int) bool {
		di, dj := absDuration(txs[i].Date.Sub(center)), absDuration(txs[j].Date.Sub(center))
		if di != dj {
			return di < dj
		}
		return txs[i].Date.After(txs[j].Date)
	})
	if limit > 0 && limit < len(txs) {
		txs = txs[:limit]
	}
	return txs
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
