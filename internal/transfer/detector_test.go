package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-patterns/internal/cache"
	"github.com/dvloznov/finance-patterns/internal/domain"
	"github.com/dvloznov/finance-patterns/internal/store/inmemory"
)

var morning = time.Date(2024, 5, 14, 10, 0, 0, 0, time.UTC)

func newTx(id, account string, amount float64, at time.Time, merchant string) domain.Transaction {
	return domain.Transaction{
		ID:           id,
		HouseholdID:  "h1",
		AccountID:    account,
		Amount:       amount,
		Date:         at,
		MerchantName: merchant,
	}
}

func seed(t *testing.T, s *inmemory.Store, txs ...domain.Transaction) {
	t.Helper()
	require.NoError(t, s.InsertTransactions(context.Background(), txs))
}

func TestDetect_IntraHouseholdTransfer(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	out := newTx("out", "checking", -200, morning, "")
	in := newTx("in", "savings", 200, morning.Add(5*time.Minute), "")
	seed(t, s, out, in)
	d := NewDetector(s, DefaultConfig())

	v, err := d.Detect(ctx, &out)
	require.NoError(t, err)
	assert.True(t, v.IsTransfer)
	assert.Equal(t, domain.TransferIntraHousehold, v.TransferType)
	assert.Equal(t, "in", v.PairedTransactionID)
	assert.GreaterOrEqual(t, v.Confidence, 0.9)

	m, err := s.FindMatch(ctx, "in")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "out", m.FromTransactionID, "the outflow is the from side")
	assert.Equal(t, 200.0, m.Amount)

	// The other leg reports the same pairing.
	other, err := d.Detect(ctx, &in)
	require.NoError(t, err)
	assert.True(t, other.IsTransfer)
	assert.Equal(t, domain.TransferIntraHousehold, other.TransferType)
	assert.Equal(t, "out", other.PairedTransactionID)
	assert.Equal(t, v.Confidence, other.Confidence)
}

func TestDetect_SameAccountIsNotIntraHousehold(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	out := newTx("out", "checking", -200, morning, "")
	seed(t, s, out, newTx("in", "checking", 200, morning.Add(5*time.Minute), ""))
	d := NewDetector(s, DefaultConfig())

	v, err := d.Detect(ctx, &out)
	require.NoError(t, err)
	assert.False(t, v.IsTransfer)
	assert.Equal(t, 1.0, v.Confidence)
}

func TestDetect_CoffeeCoDuplicate(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	first := newTx("c1", "card", -45, morning, "Coffee Co")
	second := newTx("c2", "card", -45, morning.Add(3*time.Minute), "Coffee Co")
	seed(t, s, first, second)
	d := NewDetector(s, DefaultConfig())

	v, err := d.Detect(ctx, &second)
	require.NoError(t, err)
	assert.True(t, v.IsTransfer)
	assert.Equal(t, domain.TransferDuplicate, v.TransferType)
	assert.Equal(t, "c1", v.PairedTransactionID)
	assert.GreaterOrEqual(t, v.Confidence, 0.95)

	original, err := d.Detect(ctx, &first)
	require.NoError(t, err)
	assert.False(t, original.IsTransfer, "the canonical side stays a regular transaction")
	assert.Equal(t, "c2", original.PairedTransactionID)
}

func TestDetect_DuplicateOrientedOlderToNewer(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	first := newTx("c1", "card", -45, morning, "Coffee Co")
	second := newTx("c2", "card", -45, morning.Add(3*time.Minute), "Coffee Co")
	seed(t, s, first, second)
	d := NewDetector(s, DefaultConfig())

	// Detecting the older one first still records it as the canonical side.
	v, err := d.Detect(ctx, &first)
	require.NoError(t, err)
	assert.False(t, v.IsTransfer)

	m, err := s.FindMatch(ctx, "c2")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "c1", m.FromTransactionID)
	assert.Equal(t, "c2", m.ToTransactionID)

	dup, err := d.Detect(ctx, &second)
	require.NoError(t, err)
	assert.True(t, dup.IsTransfer)
	assert.Equal(t, domain.TransferDuplicate, dup.TransferType)
}

func TestDetect_RefundIsNotDuplicate(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	charge := newTx("c1", "card", -45, morning, "Coffee Co")
	refund := newTx("r1", "card", 45, morning.Add(time.Minute), "Coffee Co")
	seed(t, s, charge, refund)
	d := NewDetector(s, DefaultConfig())

	v, err := d.Detect(ctx, &refund)
	require.NoError(t, err)
	assert.False(t, v.IsTransfer)
}

func TestDetect_NegativeCertainty(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	lonely := newTx("t1", "checking", -12.5, morning, "Bakery")
	seed(t, s, lonely,
		newTx("t2", "savings", 300, morning.Add(2*time.Hour), ""),
		newTx("t3", "checking", -12.5, morning.Add(72*time.Hour), "Bakery"),
	)
	d := NewDetector(s, DefaultConfig())

	v, err := d.Detect(ctx, &lonely)
	require.NoError(t, err)
	assert.False(t, v.IsTransfer)
	assert.Equal(t, 1.0, v.Confidence)
	assert.Empty(t, v.PairedTransactionID)
	assert.Equal(t, "No transfer detected", v.Explanation)
}

func TestDetect_NeverPairsTwice(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	out := newTx("out", "checking", -200, morning, "")
	in := newTx("in", "savings", 200, morning.Add(5*time.Minute), "")
	rival := newTx("rival", "credit", -200, morning.Add(10*time.Minute), "")
	seed(t, s, out, in, rival)
	d := NewDetector(s, DefaultConfig())

	v, err := d.Detect(ctx, &out)
	require.NoError(t, err)
	require.True(t, v.IsTransfer)
	require.Equal(t, "in", v.PairedTransactionID)

	// "in" is the only inflow and is already claimed by "out".
	r, err := d.Detect(ctx, &rival)
	require.NoError(t, err)
	assert.False(t, r.IsTransfer)

	m, err := s.FindMatch(ctx, "rival")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestDetect_FallsBackToNextCandidate(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	out := newTx("out", "checking", -200, morning, "")
	near := newTx("near", "savings", 200, morning.Add(time.Minute), "")
	far := newTx("far", "savings", 200, morning.Add(30*time.Minute), "")
	seed(t, s, out, near, far)
	require.NoError(t, s.ClaimMatch(ctx, &domain.TransferMatch{
		HouseholdID: "h1", FromTransactionID: "elsewhere", ToTransactionID: "near",
		TransferType: domain.TransferIntraHousehold,
	}))
	d := NewDetector(s, DefaultConfig())

	v, err := d.Detect(ctx, &out)
	require.NoError(t, err)
	assert.True(t, v.IsTransfer)
	assert.Equal(t, "far", v.PairedTransactionID)
}

func TestDetect_TieBrokenByMostRecent(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	out := newTx("out", "checking", -200, morning, "")
	seed(t, s, out,
		newTx("before", "savings", 200, morning.Add(-10*time.Minute), ""),
		newTx("after", "savings", 200, morning.Add(10*time.Minute), ""),
	)
	d := NewDetector(s, DefaultConfig())

	v, err := d.Detect(ctx, &out)
	require.NoError(t, err)
	assert.Equal(t, "after", v.PairedTransactionID)
}

func TestDetect_DataInconsistency(t *testing.T) {
	d := NewDetector(inmemory.NewStore(), DefaultConfig())
	_, err := d.Detect(context.Background(), &domain.Transaction{HouseholdID: "h1", Date: morning})
	assert.ErrorIs(t, err, domain.ErrDataInconsistency)
}

type brokenStore struct {
	*inmemory.Store
}

func (brokenStore) FindMatch(ctx context.Context, transactionID string) (*domain.TransferMatch, error) {
	return nil, errors.New("timeout")
}

func TestDetect_PersistenceFailure(t *testing.T) {
	d := NewDetector(brokenStore{inmemory.NewStore()}, DefaultConfig())
	tx := newTx("t1", "a", -10, morning, "")
	_, err := d.Detect(context.Background(), &tx)
	assert.ErrorIs(t, err, domain.ErrPersistenceFailure)
}

func TestDetect_CachedVerdictRevalidated(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	out := newTx("out", "checking", -200, morning, "")
	seed(t, s, out)
	c := cache.NewMemory()
	d := NewDetector(s, DefaultConfig(), WithCache(c))

	stale := []byte(`{"transaction_id":"out","is_transfer":true,"transfer_type":"intra_household","paired_transaction_id":"gone","confidence":0.96}`)
	require.NoError(t, c.Set(ctx, "transfer:out", stale, time.Hour))

	v, err := d.Detect(ctx, &out)
	require.NoError(t, err)
	assert.False(t, v.IsTransfer, "a cached pairing without a stored match is ignored")
}

func TestScores(t *testing.T) {
	a := newTx("a", "x", -45, morning, "Coffee Co")
	b := newTx("b", "x", -45, morning.Add(3*time.Minute), "coffee co")
	assert.InDelta(t, 0.97, DuplicateScore(&a, &b), 1e-9)

	c := newTx("c", "y", 45, morning.Add(5*time.Minute), "")
	assert.InDelta(t, 0.96, IntraScore(&a, &c), 1e-9)
}
