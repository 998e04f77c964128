package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-patterns/internal/domain"
	"github.com/dvloznov/finance-patterns/internal/recurring"
	"github.com/dvloznov/finance-patterns/internal/store"
	"github.com/dvloznov/finance-patterns/internal/store/inmemory"
	"github.com/dvloznov/finance-patterns/internal/transfer"
)

func tx(id, household, account string, amount float64, at time.Time, merchant string) domain.Transaction {
	return domain.Transaction{
		ID:           id,
		HouseholdID:  household,
		AccountID:    account,
		Amount:       amount,
		Date:         at,
		MerchantName: merchant,
	}
}

func day(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 10, 0, 0, 0, time.UTC)
}

func householdFixture(household string) []domain.Transaction {
	return []domain.Transaction{
		tx(household+"-gym1", household, "acc-1", -50, day(1, 5), "Acme Gym"),
		tx(household+"-gym2", household, "acc-1", -50, day(2, 5), "Acme Gym"),
		tx(household+"-gym3", household, "acc-1", -50, day(3, 5), "Acme Gym"),
		tx(household+"-out", household, "checking", -200, day(3, 10), ""),
		tx(household+"-in", household, "savings", 200, day(3, 10).Add(5*time.Minute), ""),
		tx(household+"-c1", household, "card", -45, day(3, 12), "Coffee Co"),
		tx(household+"-c2", household, "card", -45, day(3, 12).Add(3*time.Minute), "Coffee Co"),
	}
}

func newCoordinator(s *inmemory.Store, cfg Config) *Coordinator {
	return NewCoordinator(s,
		recurring.NewDetector(s, recurring.DefaultConfig()),
		transfer.NewDetector(s, transfer.DefaultConfig()),
		cfg, zerolog.Nop())
}

func TestProcessHousehold(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	require.NoError(t, s.InsertTransactions(ctx, householdFixture("h1")))
	c := newCoordinator(s, DefaultConfig())

	report, err := c.ProcessHousehold(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "h1", report.HouseholdID)
	assert.Equal(t, 7, report.TransferChecked)
	assert.Equal(t, 3, report.Transfers, "both transfer legs and the later coffee charge")
	assert.Equal(t, 4, report.RecurringChecked, "flagged transfers are skipped")
	assert.Equal(t, 3, report.Recurring)
	assert.Equal(t, 0, report.Collapsed)
	assert.Empty(t, report.Failures)

	gym, err := s.GetTransaction(ctx, "h1-gym1")
	require.NoError(t, err)
	require.NotNil(t, gym.IsRecurring)
	assert.True(t, *gym.IsRecurring)
	require.NotNil(t, gym.IsTransfer)
	assert.False(t, *gym.IsTransfer)

	dup, err := s.GetTransaction(ctx, "h1-c2")
	require.NoError(t, err)
	assert.True(t, dup.FlaggedTransfer())
	assert.Nil(t, dup.IsRecurring)

	canonical, err := s.GetTransaction(ctx, "h1-c1")
	require.NoError(t, err)
	require.NotNil(t, canonical.IsRecurring)
	assert.False(t, *canonical.IsRecurring)

	// Everything is classified now, a second pass has nothing to do.
	again, err := c.ProcessHousehold(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, 0, again.TransferChecked)
	assert.Equal(t, 0, again.RecurringChecked)
	assert.Equal(t, 1, s.CountPatterns())
}

type flakyTransfer struct {
	TransferDetector
	failID string
}

func (f flakyTransfer) Detect(ctx context.Context, t *domain.Transaction) (*domain.TransferDetection, error) {
	if t.ID == f.failID {
		return nil, domain.Persistence(t.ID, errors.New("deadline exceeded"))
	}
	return f.TransferDetector.Detect(ctx, t)
}

func TestProcessHousehold_CollectsFailures(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	require.NoError(t, s.InsertTransactions(ctx, householdFixture("h1")))
	td := flakyTransfer{TransferDetector: transfer.NewDetector(s, transfer.DefaultConfig()), failID: "h1-gym2"}
	c := NewCoordinator(s, recurring.NewDetector(s, recurring.DefaultConfig()), td, DefaultConfig(), zerolog.Nop())

	report, err := c.ProcessHousehold(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	f := report.Failures[0]
	assert.Equal(t, "h1-gym2", f.TransactionID)
	assert.Equal(t, "transfer", f.Stage)
	assert.Equal(t, domain.KindPersistenceFailure, f.Kind)
	assert.Contains(t, f.Error, "deadline exceeded")

	// The rest of the batch went through.
	assert.Equal(t, 3, report.Transfers)
	assert.Equal(t, 3, report.Recurring)

	failed, err := s.GetTransaction(ctx, "h1-gym2")
	require.NoError(t, err)
	assert.Nil(t, failed.IsTransfer, "a failed transaction stays unclassified for the next run")
}

type countingTransfer struct {
	calls atomic.Int32
}

func (c *countingTransfer) Detect(ctx context.Context, t *domain.Transaction) (*domain.TransferDetection, error) {
	c.calls.Add(1)
	return &domain.TransferDetection{TransactionID: t.ID, Confidence: 1.0, Explanation: "No transfer detected"}, nil
}

func (c *countingTransfer) CollapseDuplicates(ctx context.Context, householdID string) (int, error) {
	return 0, nil
}

func TestProcessHousehold_Cancelled(t *testing.T) {
	s := inmemory.NewStore()
	require.NoError(t, s.InsertTransactions(context.Background(), householdFixture("h1")))
	td := &countingTransfer{}
	c := NewCoordinator(s, recurring.NewDetector(s, recurring.DefaultConfig()), td, DefaultConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ProcessHousehold(ctx, "h1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), td.calls.Load())
}

func TestProcessHousehold_BatchSize(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	require.NoError(t, s.InsertTransactions(ctx, householdFixture("h1")))
	td := &countingTransfer{}
	c := NewCoordinator(s, recurring.NewDetector(s, recurring.DefaultConfig()), td, Config{Workers: 1, BatchSize: 2}, zerolog.Nop())

	report, err := c.ProcessHousehold(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.TransferChecked)
	assert.Equal(t, int32(2), td.calls.Load())
}

type brokenFeed struct {
	*inmemory.Store
	household string
}

func (b brokenFeed) ListUnclassified(ctx context.Context, householdID string, v store.Verdict, limit int) ([]domain.Transaction, error) {
	if householdID == b.household {
		return nil, errors.New("feed unavailable")
	}
	return b.Store.ListUnclassified(ctx, householdID, v, limit)
}

func TestRun_AllHouseholds(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	for _, h := range []string{"h1", "h2", "h3"} {
		require.NoError(t, s.InsertTransactions(ctx, householdFixture(h)))
	}
	c := newCoordinator(s, Config{Workers: 2})

	reports, err := c.Run(ctx, nil)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	for i, h := range []string{"h1", "h2", "h3"} {
		assert.Equal(t, h, reports[i].HouseholdID)
		assert.Equal(t, 3, reports[i].Recurring)
		assert.Equal(t, 3, reports[i].Transfers)
	}
	assert.Equal(t, 3, s.CountPatterns())
}

func TestRun_IsolatesHouseholdFailures(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	for _, h := range []string{"h1", "h2"} {
		require.NoError(t, s.InsertTransactions(ctx, householdFixture(h)))
	}
	feed := brokenFeed{Store: s, household: "h1"}
	c := NewCoordinator(feed,
		recurring.NewDetector(s, recurring.DefaultConfig()),
		transfer.NewDetector(s, transfer.DefaultConfig()),
		DefaultConfig(), zerolog.Nop())

	reports, err := c.Run(ctx, []string{"h1", "h2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "household h1")
	assert.Contains(t, err.Error(), "feed unavailable")
	require.Len(t, reports, 2)
	assert.Equal(t, 3, reports[1].Recurring, "h2 is processed despite h1 failing")
}
