// Package transfer pairs transactions that move money between accounts of the
// same household and flags transactions imported twice.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-patterns/internal/cache"
	"github.com/dvloznov/finance-patterns/internal/domain"
	"github.com/dvloznov/finance-patterns/internal/similarity"
	"github.com/dvloznov/finance-patterns/internal/store"
)

const cachePrefix = "transfer:"

// Store is the persistence the transfer detector needs.
type Store interface {
	store.TransactionFeed
	store.MatchStore
}

// Config holds the tunables of the transfer detector.
type Config struct {
	// AmountTolerance is the absolute tolerance for opposite or equal amounts.
	AmountTolerance float64
	// Window is the half-width of the time window searched around a transaction.
	Window time.Duration
	// IntraThreshold and DuplicateThreshold are the minimum accepted scores.
	IntraThreshold     float64
	DuplicateThreshold float64
	// IntraLimit and DuplicateLimit cap the window searches.
	IntraLimit     int
	DuplicateLimit int
	// CacheTTL bounds how long a cached verdict is reused.
	CacheTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AmountTolerance:    similarity.AmountTolerance,
		Window:             24 * time.Hour,
		IntraThreshold:     0.9,
		DuplicateThreshold: 0.95,
		IntraLimit:         10,
		DuplicateLimit:     20,
		CacheTTL:           time.Hour,
	}
}

// Detector classifies transactions as intra-household transfers, duplicates
// or neither.
type Detector struct {
	store Store
	cache cache.Cache
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithCache sets the verdict cache. Without one every call recomputes.
func WithCache(c cache.Cache) Option {
	return func(d *Detector) {
		d.cache = c
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(d *Detector) {
		d.log = log
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// NewDetector creates a transfer detector over st.
func NewDetector(st Store, cfg Config, opts ...Option) *Detector {
	d := &Detector{
		store: st,
		cache: cache.Nop{},
		cfg:   cfg,
		log:   zerolog.Nop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type scored struct {
	tx    domain.Transaction
	score float64
}

// Detect decides whether tx is one side of an intra-household transfer or a
// duplicate of another transaction. Every accepted pairing is claimed in the
// match store first, so a transaction is never paired twice. A clean
// negative has confidence 1.0.
func (d *Detector) Detect(ctx context.Context, tx *domain.Transaction) (*domain.TransferDetection, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	log := d.log.With().Str("transaction_id", tx.ID).Str("household_id", tx.HouseholdID).Logger()

	if cached := d.cached(ctx, tx, log); cached != nil {
		return cached, nil
	}

	existing, err := d.store.FindMatch(ctx, tx.ID)
	if err != nil {
		return nil, domain.Persistence(tx.ID, fmt.Errorf("Detect: find match: %w", err))
	}
	if existing != nil {
		return d.finish(ctx, verdictFromMatch(tx.ID, existing), log), nil
	}

	v, err := d.findIntraHousehold(ctx, tx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		if v, err = d.findDuplicate(ctx, tx); err != nil {
			return nil, err
		}
	}
	if v == nil {
		v = &domain.TransferDetection{
			TransactionID: tx.ID,
			IsTransfer:    false,
			Confidence:    1.0,
			Explanation:   "No transfer detected",
		}
	}
	return d.finish(ctx, v, log), nil
}

// findIntraHousehold looks for the opposite leg of a transfer on another
// account of the household.
func (d *Detector) findIntraHousehold(ctx context.Context, tx *domain.Transaction) (*domain.TransferDetection, error) {
	if tx.AccountID == "" || tx.Amount == 0 {
		return nil, nil
	}
	minAmount := -tx.Amount - d.cfg.AmountTolerance
	maxAmount := -tx.Amount + d.cfg.AmountTolerance
	candidates, err := d.store.FindInWindow(ctx, store.WindowQuery{
		HouseholdID:          tx.HouseholdID,
		From:                 tx.Date.Add(-d.cfg.Window),
		To:                   tx.Date.Add(d.cfg.Window),
		ExcludeTransactionID: tx.ID,
		ExcludeAccountID:     tx.AccountID,
		MinAmount:            &minAmount,
		MaxAmount:            &maxAmount,
		ExcludeTransfers:     true,
		Limit:                d.cfg.IntraLimit,
	})
	if err != nil {
		return nil, domain.Persistence(tx.ID, fmt.Errorf("findIntraHousehold: window search: %w", err))
	}

	var ranked []scored
	for _, c := range candidates {
		if c.AccountID == "" {
			continue
		}
		if s := IntraScore(tx, &c); s >= d.cfg.IntraThreshold {
			ranked = append(ranked, scored{tx: c, score: s})
		}
	}
	rank(ranked)

	for _, c := range ranked {
		from, to := tx, &c.tx
		if from.Amount > 0 {
			from, to = to, from
		}
		m := &domain.TransferMatch{
			HouseholdID:       tx.HouseholdID,
			FromTransactionID: from.ID,
			ToTransactionID:   to.ID,
			Amount:            math.Abs(tx.Amount),
			Confidence:        c.score,
			TransferType:      domain.TransferIntraHousehold,
		}
		v, claimed, err := d.claim(ctx, tx, m)
		if err != nil || v != nil {
			return v, err
		}
		if claimed {
			return verdictFromMatch(tx.ID, m), nil
		}
	}
	return nil, nil
}

// findDuplicate looks for a same-signed transaction that looks like the
// same purchase imported twice.
func (d *Detector) findDuplicate(ctx context.Context, tx *domain.Transaction) (*domain.TransferDetection, error) {
	candidates, err := d.store.FindInWindow(ctx, store.WindowQuery{
		HouseholdID:          tx.HouseholdID,
		From:                 tx.Date.Add(-d.cfg.Window),
		To:                   tx.Date.Add(d.cfg.Window),
		ExcludeTransactionID: tx.ID,
		ExcludeTransfers:     true,
		Limit:                d.cfg.DuplicateLimit,
	})
	if err != nil {
		return nil, domain.Persistence(tx.ID, fmt.Errorf("findDuplicate: window search: %w", err))
	}

	var ranked []scored
	for _, c := range candidates {
		if !sameSign(tx.Amount, c.Amount) {
			continue
		}
		if s := DuplicateScore(tx, &c); s >= d.cfg.DuplicateThreshold {
			ranked = append(ranked, scored{tx: c, score: s})
		}
	}
	rank(ranked)

	for _, c := range ranked {
		canonical, dup := olderFirst(tx, &c.tx)
		m := &domain.TransferMatch{
			HouseholdID:       tx.HouseholdID,
			FromTransactionID: canonical.ID,
			ToTransactionID:   dup.ID,
			Amount:            dup.Amount,
			Confidence:        c.score,
			TransferType:      domain.TransferDuplicate,
		}
		v, claimed, err := d.claim(ctx, tx, m)
		if err != nil || v != nil {
			return v, err
		}
		if claimed {
			return verdictFromMatch(tx.ID, m), nil
		}
	}
	return nil, nil
}

// claim stores m. When another pairing got there first it reports whether
// that pairing involves tx itself, in which case its verdict is returned.
func (d *Detector) claim(ctx context.Context, tx *domain.Transaction, m *domain.TransferMatch) (*domain.TransferDetection, bool, error) {
	err := d.store.ClaimMatch(ctx, m)
	if err == nil {
		return nil, true, nil
	}
	if !errors.Is(err, domain.ErrAlreadyClaimed) {
		return nil, false, domain.Persistence(tx.ID, fmt.Errorf("claim: %w", err))
	}

	own, err := d.store.FindMatch(ctx, tx.ID)
	if err != nil {
		return nil, false, domain.Persistence(tx.ID, fmt.Errorf("claim: find match: %w", err))
	}
	if own != nil {
		return verdictFromMatch(tx.ID, own), false, nil
	}
	return nil, false, nil
}

// IntraScore weighs amount and time similarity of a transfer pair.
func IntraScore(a, b *domain.Transaction) float64 {
	return 0.6*similarity.Amount(a.Amount, b.Amount) + 0.4*similarity.Time(a.Date, b.Date)
}

// DuplicateScore weighs amount, time, merchant and description similarity
// of a duplicate pair.
func DuplicateScore(a, b *domain.Transaction) float64 {
	return 0.4*similarity.Amount(a.Amount, b.Amount) +
		0.3*similarity.Time(a.Date, b.Date) +
		0.2*similarity.Text(a.MerchantName, b.MerchantName) +
		0.1*similarity.Text(a.Description, b.Description)
}

// verdictFromMatch derives the verdict of one side of a stored match. For a
// duplicate only the newer side is flagged; the canonical side keeps counting
// as a regular transaction but records its partner.
func verdictFromMatch(txID string, m *domain.TransferMatch) *domain.TransferDetection {
	other := m.Counterpart(txID)
	v := &domain.TransferDetection{
		TransactionID:       txID,
		IsTransfer:          true,
		TransferType:        m.TransferType,
		PairedTransactionID: other,
		Confidence:          m.Confidence,
	}
	switch {
	case m.TransferType == domain.TransferDuplicate && m.FromTransactionID == txID:
		v.IsTransfer = false
		v.TransferType = ""
		v.Explanation = fmt.Sprintf("Original of duplicate transaction %s", other)
	case m.TransferType == domain.TransferDuplicate:
		v.Explanation = fmt.Sprintf("Duplicate of transaction %s (confidence: %.2f)", other, m.Confidence)
	default:
		v.Explanation = fmt.Sprintf("Intra-household transfer paired with %s (confidence: %.2f)", other, m.Confidence)
	}
	return v
}

// cached returns a previously computed positive verdict whose match still
// exists. Cache failures only cost a recomputation.
func (d *Detector) cached(ctx context.Context, tx *domain.Transaction, log zerolog.Logger) *domain.TransferDetection {
	raw, ok, err := d.cache.Get(ctx, cachePrefix+tx.ID)
	if err != nil {
		log.Warn().Err(err).Msg("Transfer cache read failed")
		return nil
	}
	if !ok {
		return nil
	}

	var v domain.TransferDetection
	if err := json.Unmarshal(raw, &v); err != nil || v.TransactionID != tx.ID || v.PairedTransactionID == "" {
		return nil
	}
	m, err := d.store.FindMatch(ctx, tx.ID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to revalidate cached transfer verdict")
		return nil
	}
	if m == nil || m.Counterpart(tx.ID) != v.PairedTransactionID {
		return nil
	}
	return &v
}

// finish caches paired verdicts and returns v.
func (d *Detector) finish(ctx context.Context, v *domain.TransferDetection, log zerolog.Logger) *domain.TransferDetection {
	if v.PairedTransactionID == "" {
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	if err := d.cache.Set(ctx, cachePrefix+v.TransactionID, raw, d.cfg.CacheTTL); err != nil {
		log.Warn().Err(err).Msg("Transfer cache write failed")
	}
	return v
}

// rank orders candidates by score, most recent first on ties.
func rank(c []scored) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].score != c[j].score {
			return c[i].score > c[j].score
		}
		return c[i].tx.Date.After(c[j].tx.Date)
	})
}

func sameSign(a, b float64) bool {
	return (a < 0) == (b < 0) && (a > 0) == (b > 0)
}

// olderFirst orders a pair chronologically, by id on equal dates.
func olderFirst(a, b *domain.Transaction) (*domain.Transaction, *domain.Transaction) {
	if b.Date.Before(a.Date) || (b.Date.Equal(a.Date) && b.ID < a.ID) {
		return b, a
	}
	return a, b
}
