// Package storetest holds the behavioural contract every store.Store backend
// must satisfy. Backends call Run from their own tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-patterns/internal/domain"
	"github.com/dvloznov/finance-patterns/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return base.AddDate(0, 0, n)
}

func tx(id, household, account, merchant string, amount float64, date time.Time) domain.Transaction {
	return domain.Transaction{
		ID:           id,
		HouseholdID:  household,
		AccountID:    account,
		Amount:       amount,
		Date:         date,
		MerchantName: merchant,
		Currency:     "GBP",
	}
}

// Run executes the contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertAndList", func(t *testing.T) { testInsertAndList(t, newStore(t)) })
	t.Run("Flags", func(t *testing.T) { testFlags(t, newStore(t)) })
	t.Run("RecurringCandidates", func(t *testing.T) { testRecurringCandidates(t, newStore(t)) })
	t.Run("Window", func(t *testing.T) { testWindow(t, newStore(t)) })
	t.Run("PatternUpsert", func(t *testing.T) { testPatternUpsert(t, newStore(t)) })
	t.Run("PatternLookup", func(t *testing.T) { testPatternLookup(t, newStore(t)) })
	t.Run("RecordSighting", func(t *testing.T) { testRecordSighting(t, newStore(t)) })
	t.Run("ClaimMatch", func(t *testing.T) { testClaimMatch(t, newStore(t)) })
	t.Run("ConcurrentClaims", func(t *testing.T) { testConcurrentClaims(t, newStore(t)) })
}

func testInsertAndList(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.InsertTransactions(ctx, []domain.Transaction{
		tx("t1", "h1", "a1", "Acme Gym", -50, day(0)),
		tx("t2", "h1", "a1", "Acme Gym", -50, day(30)),
		tx("t3", "h2", "a9", "Coffee Co", -4.5, day(1)),
	}))
	// Re-inserting an existing id is ignored.
	dup := tx("t1", "h1", "a1", "Changed", -99, day(5))
	require.NoError(t, s.InsertTransactions(ctx, []domain.Transaction{dup}))

	households, err := s.ListHouseholds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h2"}, households)

	all, err := s.ListTransactions(ctx, "h1", time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "t1", all[0].ID, "oldest first")
	assert.Equal(t, "Acme Gym", all[0].MerchantName)
	assert.Equal(t, -50.0, all[0].Amount)
	assert.True(t, all[0].Date.Equal(day(0)))
	assert.Nil(t, all[0].IsRecurring)
	assert.Nil(t, all[0].IsTransfer)

	since, err := s.ListTransactions(ctx, "h1", day(10))
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "t2", since[0].ID)

	unclassified, err := s.ListUnclassified(ctx, "h1", store.VerdictRecurring, 1)
	require.NoError(t, err)
	require.Len(t, unclassified, 1)
	assert.Equal(t, "t2", unclassified[0].ID, "newest first")

	assert.Error(t, s.InsertTransactions(ctx, []domain.Transaction{{HouseholdID: "h1"}}))
}

func testFlags(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertTransactions(ctx, []domain.Transaction{
		tx("t1", "h1", "a1", "Acme Gym", -50, day(0)),
	}))

	require.NoError(t, s.SaveRecurringFlags(ctx, "t1", domain.RecurringFlags{
		IsRecurring: true, PatternID: "p1", Confidence: 0.9, Explanation: "monthly",
	}))

	pending, err := s.ListUnclassified(ctx, "h1", store.VerdictRecurring, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	pending, err = s.ListUnclassified(ctx, "h1", store.VerdictTransfer, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	got := pending[0]
	require.NotNil(t, got.IsRecurring)
	assert.True(t, *got.IsRecurring)
	assert.Equal(t, "p1", got.PatternID)
	assert.Equal(t, 0.9, got.RecurringConfidence)
	assert.Equal(t, "monthly", got.RecurringExplanation)

	require.NoError(t, s.SaveTransferFlags(ctx, "t1", domain.TransferFlags{
		IsTransfer: false, Confidence: 1.0, Explanation: "no counterpart",
	}))
	all, err := s.ListTransactions(ctx, "h1", time.Time{})
	require.NoError(t, err)
	require.NotNil(t, all[0].IsTransfer)
	assert.False(t, *all[0].IsTransfer)
	assert.Equal(t, 1.0, all[0].TransferConfidence)

	err = s.SaveRecurringFlags(ctx, "missing", domain.RecurringFlags{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	err = s.SaveTransferFlags(ctx, "missing", domain.TransferFlags{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testRecurringCandidates(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertTransactions(ctx, []domain.Transaction{
		tx("t1", "h1", "a1", "ACME  Gym", -50, day(0)),
		tx("t2", "h1", "a1", "acme gym", -51, day(30)),
		tx("t3", "h1", "a1", "Acme Gym", -80, day(60)),
		tx("t4", "h1", "a1", "Acme Gym", -49, day(90)),
		tx("t5", "h2", "a2", "Acme Gym", -50, day(10)),
		tx("t6", "h1", "a1", "Other", -50, day(10)),
	}))
	require.NoError(t, s.SaveTransferFlags(ctx, "t4", domain.TransferFlags{IsTransfer: true}))

	q := store.CandidateQuery{
		HouseholdID: "h1",
		MerchantKey: "acme gym",
		MinAmount:   -52.5,
		MaxAmount:   -47.5,
	}
	got, err := s.FindRecurringCandidates(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"t4", "t2", "t1"}, ids(got))

	q.ExcludeTransfers = true
	got, err = s.FindRecurringCandidates(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t1"}, ids(got))

	q.Limit = 1
	got, err = s.FindRecurringCandidates(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, ids(got))
}

func testWindow(t *testing.T, s store.Store) {
	ctx := context.Background()
	center := day(10)
	require.NoError(t, s.InsertTransactions(ctx, []domain.Transaction{
		tx("self", "h1", "a1", "", -200, center),
		tx("near", "h1", "a2", "", 200, center.Add(time.Hour)),
		tx("far", "h1", "a2", "", 200, center.Add(-20*time.Hour)),
		tx("same-account", "h1", "a1", "", 200, center.Add(2*time.Hour)),
		tx("outside", "h1", "a2", "", 200, center.Add(48*time.Hour)),
		tx("other-household", "h2", "a2", "", 200, center),
		tx("small", "h1", "a2", "", 20, center.Add(time.Minute)),
	}))

	minAmount, maxAmount := 199.99, 200.01
	q := store.WindowQuery{
		HouseholdID:          "h1",
		From:                 center.Add(-24 * time.Hour),
		To:                   center.Add(24 * time.Hour),
		ExcludeTransactionID: "self",
		ExcludeAccountID:     "a1",
		MinAmount:            &minAmount,
		MaxAmount:            &maxAmount,
	}
	got, err := s.FindInWindow(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"near", "far"}, ids(got), "nearest to the window center first")

	q.Limit = 1
	got, err = s.FindInWindow(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"near"}, ids(got))

	require.NoError(t, s.SaveTransferFlags(ctx, "near", domain.TransferFlags{IsTransfer: true}))
	q.Limit = 0
	q.ExcludeTransfers = true
	got, err = s.FindInWindow(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"far"}, ids(got))
}

func pattern(household, merchant string, amount float64, lastSeen time.Time, confidence float64) *domain.RecurringPattern {
	return &domain.RecurringPattern{
		HouseholdID:  household,
		MerchantName: merchant,
		Amount:       amount,
		CadenceDays:  30,
		PatternType:  domain.PatternMonthly,
		Confidence:   confidence,
		LastSeen:     lastSeen,
		NextDueDate:  lastSeen.AddDate(0, 1, 0),
		IsActive:     true,
	}
}

func testPatternUpsert(t *testing.T, s store.Store) {
	ctx := context.Background()

	p := pattern("h1", "Acme Gym", -50, day(60), 0.8)
	key := domain.KeyOf(p, 0.05)
	id, err := s.UpsertPattern(ctx, key, p)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	newer := pattern("h1", "ACME GYM", -50, day(90), 0.9)
	id2, err := s.UpsertPattern(ctx, domain.KeyOf(newer, 0.05), newer)
	require.NoError(t, err)
	assert.Equal(t, id, id2, "same natural key must reuse the pattern")

	got, err := s.GetPattern(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.LastSeen.Equal(day(90)))
	assert.Equal(t, 0.9, got.Confidence)
	assert.True(t, got.IsActive)

	// An older observation never moves last_seen backwards.
	older := pattern("h1", "Acme Gym", -50, day(30), 0.85)
	id3, err := s.UpsertPattern(ctx, key, older)
	require.NoError(t, err)
	assert.Equal(t, id, id3)
	got, err = s.GetPattern(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.LastSeen.Equal(day(90)))
	assert.True(t, got.NextDueDate.Equal(day(90).AddDate(0, 1, 0)))

	// A known id wins over a key that drifted into the next amount bucket.
	drifted := pattern("h1", "Acme Gym", -52.4, day(120), 0.9)
	drifted.ID = id
	driftedKey := domain.KeyOf(drifted, 0.05)
	require.NotEqual(t, key.AmountBucket, driftedKey.AmountBucket)
	id4, err := s.UpsertPattern(ctx, driftedKey, drifted)
	require.NoError(t, err)
	assert.Equal(t, id, id4)
	got, err = s.GetPattern(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, -52.4, got.Amount)
	assert.True(t, got.LastSeen.Equal(day(120)))
	active, err := s.ListActivePatterns(ctx, "h1")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	other := pattern("h1", "Acme Gym", 50, day(60), 0.8)
	otherID, err := s.UpsertPattern(ctx, domain.KeyOf(other, 0.05), other)
	require.NoError(t, err)
	assert.NotEqual(t, id, otherID, "income and outflow are distinct patterns")

	_, err = s.GetPattern(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testPatternLookup(t *testing.T, s store.Store) {
	ctx := context.Background()

	none, err := s.FindActivePattern(ctx, "h1", "acme gym", -52.5, -47.5)
	require.NoError(t, err)
	assert.Nil(t, none)

	low := pattern("h1", "Acme Gym", -50, day(90), 0.75)
	lowID, err := s.UpsertPattern(ctx, domain.KeyOf(low, 0.05), low)
	require.NoError(t, err)
	high := pattern("h1", "Acme Gym", -51.5, day(60), 0.95)
	highKey := domain.KeyOf(high, 0.05)
	highKey.AmountBucket++ // force a distinct record inside the same band
	highID, err := s.UpsertPattern(ctx, highKey, high)
	require.NoError(t, err)
	require.NotEqual(t, lowID, highID)

	best, err := s.FindActivePattern(ctx, "h1", "acme gym", -52.5, -47.5)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, highID, best.ID, "highest confidence wins")

	require.NoError(t, s.DeactivatePattern(ctx, highID))
	best, err = s.FindActivePattern(ctx, "h1", "acme gym", -52.5, -47.5)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, lowID, best.ID)

	active, err := s.ListActivePatterns(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, lowID, active[0].ID)

	assert.ErrorIs(t, s.DeactivatePattern(ctx, "missing"), domain.ErrNotFound)
}

func testRecordSighting(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := pattern("h1", "Acme Gym", -50, day(30), 0.9)
	id, err := s.UpsertPattern(ctx, domain.KeyOf(p, 0.05), p)
	require.NoError(t, err)

	require.NoError(t, s.RecordSighting(ctx, id, day(60), day(90)))
	got, err := s.GetPattern(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.LastSeen.Equal(day(60)))
	assert.True(t, got.NextDueDate.Equal(day(90)))

	require.NoError(t, s.RecordSighting(ctx, id, day(0), day(30)))
	got, err = s.GetPattern(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.LastSeen.Equal(day(60)), "last_seen never regresses")
	assert.True(t, got.NextDueDate.Equal(day(90)))

	assert.ErrorIs(t, s.RecordSighting(ctx, "missing", day(0), day(1)), domain.ErrNotFound)
}

func testClaimMatch(t *testing.T, s store.Store) {
	ctx := context.Background()

	m := &domain.TransferMatch{
		HouseholdID:       "h1",
		FromTransactionID: "t1",
		ToTransactionID:   "t2",
		Amount:            200,
		Confidence:        0.96,
		TransferType:      domain.TransferIntraHousehold,
	}
	require.NoError(t, s.ClaimMatch(ctx, m))
	assert.NotEmpty(t, m.ID)
	assert.False(t, m.CreatedAt.IsZero())

	for _, id := range []string{"t1", "t2"} {
		got, err := s.FindMatch(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, m.ID, got.ID)
		assert.Equal(t, domain.TransferIntraHousehold, got.TransferType)
	}

	none, err := s.FindMatch(ctx, "t3")
	require.NoError(t, err)
	assert.Nil(t, none)

	err = s.ClaimMatch(ctx, &domain.TransferMatch{
		HouseholdID: "h1", FromTransactionID: "t3", ToTransactionID: "t2",
		TransferType: domain.TransferDuplicate,
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	// The failed claim must not leave t3 half-paired.
	none, err = s.FindMatch(ctx, "t3")
	require.NoError(t, err)
	assert.Nil(t, none)

	matches, err := s.ListMatches(ctx, "h1", time.Time{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, m.ID, matches[0].ID)

	assert.Error(t, s.ClaimMatch(ctx, &domain.TransferMatch{HouseholdID: "h1", FromTransactionID: "t9"}))
}

func testConcurrentClaims(t *testing.T, s store.Store) {
	ctx := context.Background()

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.ClaimMatch(ctx, &domain.TransferMatch{
				HouseholdID:       "h1",
				FromTransactionID: "shared",
				ToTransactionID:   "candidate-" + string(rune('a'+i)),
				TransferType:      domain.TransferIntraHousehold,
			})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, success, "exactly one pairing may claim a transaction")
}

func ids(txs []domain.Transaction) []string {
	out := make([]string, 0, len(txs))
	for _, t := range txs {
		out = append(out, t.ID)
	}
	return out
}
