// Package recurring detects recurring bills and income streams from a
// household's transaction history and maintains their RecurringPattern records.
package recurring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-patterns/internal/cache"
	"github.com/dvloznov/finance-patterns/internal/domain"
	"github.com/dvloznov/finance-patterns/internal/keylock"
	"github.com/dvloznov/finance-patterns/internal/similarity"
	"github.com/dvloznov/finance-patterns/internal/store"
)

const cachePrefix = "recurring:"

// Store is the persistence the recurring detector needs.
type Store interface {
	store.TransactionFeed
	store.PatternStore
}

// Config holds the tunables of the recurring detector.
type Config struct {
	// AmountTolerance is the relative band (0.05 = ±5%) for candidate amounts.
	AmountTolerance float64
	// MinOccurrences is the smallest candidate set that can form a pattern.
	MinOccurrences int
	// ConfidenceThreshold rejects new patterns scoring below it.
	ConfidenceThreshold float64
	// CandidateLimit caps the candidate search.
	CandidateLimit int
	// MatchAmountSimilarity and MatchWindow gate the existing-pattern fast path.
	MatchAmountSimilarity float64
	MatchWindow           time.Duration
	// FuzzyMerchantSimilarity is the minimum edit similarity for matching an
	// existing pattern under a slightly different merchant spelling.
	FuzzyMerchantSimilarity float64
	// CacheTTL bounds how long a cached verdict is reused.
	CacheTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AmountTolerance:         0.05,
		MinOccurrences:          3,
		ConfidenceThreshold:     0.7,
		CandidateLimit:          100,
		MatchAmountSimilarity:   0.9,
		MatchWindow:             7 * 24 * time.Hour,
		FuzzyMerchantSimilarity: 0.85,
		CacheTTL:                time.Hour,
	}
}

// Detector classifies transactions as recurring.
type Detector struct {
	store Store
	cache cache.Cache
	locks *keylock.Map
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

// WithLocks shares a lock map between detectors working on the same store.
func WithLocks(l *keylock.Map) Option {
	return func(d *Detector) {
		d.locks = l
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

// NewDetector creates a recurring detector over st.
func NewDetector(st Store, cfg Config, opts ...Option) *Detector {
	d := &Detector{
		store: st,
		cache: cache.Nop{},
		locks: keylock.New(),
		cfg:   cfg,
		log:   zerolog.Nop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect decides whether tx belongs to a recurring pattern, creating or
// refreshing the pattern as a side effect. A negative verdict is returned
// without error; errors are *domain.DetectionError values.
func (d *Detector) Detect(ctx context.Context, tx *domain.Transaction) (*domain.RecurringDetection, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	log := d.log.With().Str("transaction_id", tx.ID).Str("household_id", tx.HouseholdID).Logger()

	if cached := d.cached(ctx, tx, log); cached != nil {
		return cached, nil
	}

	merchantKey := domain.MerchantKey(tx.MerchantName)
	minAmount, maxAmount := domain.AmountBand(tx.Amount, d.cfg.AmountTolerance)

	if v, err := d.matchExisting(ctx, tx, merchantKey, minAmount, maxAmount); err != nil || v != nil {
		if v != nil {
			d.remember(ctx, v, log)
		}
		return v, err
	}

	unlock := d.locks.Lock(tx.HouseholdID + "|" + merchantKey)
	defer unlock()

	// Another worker may have created the pattern while we waited.
	if v, err := d.matchExisting(ctx, tx, merchantKey, minAmount, maxAmount); err != nil || v != nil {
		if v != nil {
			d.remember(ctx, v, log)
		}
		return v, err
	}

	v, err := d.detectNew(ctx, tx, merchantKey, minAmount, maxAmount, log)
	if err != nil {
		return nil, err
	}
	if v.IsRecurring {
		d.remember(ctx, v, log)
	}
	return v, nil
}

// matchExisting is the fast path: tx continues an active pattern when its
// amount is close to the pattern's and it lands within the match window of
// the pattern's next due date, counted in whole days.
func (d *Detector) matchExisting(ctx context.Context, tx *domain.Transaction, merchantKey string, minAmount, maxAmount float64) (*domain.RecurringDetection, error) {
	p, err := d.store.FindActivePattern(ctx, tx.HouseholdID, merchantKey, minAmount, maxAmount)
	if err != nil {
		return nil, domain.Persistence(tx.ID, fmt.Errorf("matchExisting: find pattern: %w", err))
	}
	if p == nil {
		if p, err = d.findFuzzyPattern(ctx, tx, merchantKey); err != nil {
			return nil, err
		}
	}
	if p == nil {
		return nil, nil
	}

	if similarity.Amount(tx.Amount, p.Amount) < d.cfg.MatchAmountSimilarity {
		return nil, nil
	}
	if wholeDays(absDuration(tx.Date.Sub(p.NextDueDate))) > wholeDays(d.cfg.MatchWindow) {
		return nil, nil
	}

	nextDue := NextDueDate(tx.Date, p.CadenceDays, p.PatternType)
	if err := d.store.RecordSighting(ctx, p.ID, tx.Date, nextDue); err != nil {
		return nil, domain.Persistence(tx.ID, fmt.Errorf("matchExisting: record sighting: %w", err))
	}

	return &domain.RecurringDetection{
		TransactionID: tx.ID,
		IsRecurring:   true,
		PatternID:     p.ID,
		PatternType:   p.PatternType,
		NextDueDate:   &nextDue,
		Confidence:    p.Confidence,
		Explanation:   fmt.Sprintf("Matches existing %s pattern", p.PatternType),
	}, nil
}

// findFuzzyPattern looks for an active pattern whose merchant differs only by
// spelling noise ("NETFLIX.COM" vs "NETFLIX COM") and whose amount is in band.
func (d *Detector) findFuzzyPattern(ctx context.Context, tx *domain.Transaction, merchantKey string) (*domain.RecurringPattern, error) {
	if merchantKey == "" || d.cfg.FuzzyMerchantSimilarity <= 0 {
		return nil, nil
	}
	patterns, err := d.store.ListActivePatterns(ctx, tx.HouseholdID)
	if err != nil {
		return nil, domain.Persistence(tx.ID, fmt.Errorf("findFuzzyPattern: list patterns: %w", err))
	}

	var best *domain.RecurringPattern
	for i := range patterns {
		p := &patterns[i]
		if !domain.InAmountBand(p.Amount, tx.Amount, d.cfg.AmountTolerance) {
			continue
		}
		if similarity.Edit(p.MerchantKey(), merchantKey) < d.cfg.FuzzyMerchantSimilarity {
			continue
		}
		if best == nil || store.PatternRanksBefore(p, best) {
			best = p
		}
	}
	return best, nil
}

// detectNew analyses the candidate set of tx and persists a new pattern when
// it is regular enough. Callers hold the household+merchant lock.
func (d *Detector) detectNew(ctx context.Context, tx *domain.Transaction, merchantKey string, minAmount, maxAmount float64, log zerolog.Logger) (*domain.RecurringDetection, error) {
	candidates, err := d.store.FindRecurringCandidates(ctx, store.CandidateQuery{
		HouseholdID:      tx.HouseholdID,
		MerchantKey:      merchantKey,
		MinAmount:        minAmount,
		MaxAmount:        maxAmount,
		ExcludeTransfers: true,
		Limit:            d.cfg.CandidateLimit,
	})
	if err != nil {
		return nil, domain.Persistence(tx.ID, fmt.Errorf("detectNew: find candidates: %w", err))
	}
	candidates = includeSelf(candidates, tx)

	if len(candidates) < d.cfg.MinOccurrences {
		return negative(tx.ID, fmt.Sprintf("No recurring pattern detected: %d similar transactions, need %d",
			len(candidates), d.cfg.MinOccurrences)), nil
	}

	dates := make([]time.Time, len(candidates))
	amounts := make([]float64, len(candidates))
	lastSeen := candidates[0].Date
	for i, c := range candidates {
		dates[i] = c.Date
		amounts[i] = c.Amount
		if c.Date.After(lastSeen) {
			lastSeen = c.Date
		}
	}

	cadence := ClassifyCadence(dates)
	if cadence.MeanDays < 1 {
		return negative(tx.ID, fmt.Sprintf("No recurring pattern detected: %d similar transactions less than a day apart",
			len(candidates))), nil
	}
	confidence := 0.7*cadence.Confidence + 0.3*AmountConsistency(amounts)
	if confidence < d.cfg.ConfidenceThreshold {
		return negative(tx.ID, fmt.Sprintf("No recurring pattern detected: confidence %.2f below %.2f",
			confidence, d.cfg.ConfidenceThreshold)), nil
	}

	nextDue := NextDueDate(lastSeen, cadence.MeanDays, cadence.PatternType)
	pattern := &domain.RecurringPattern{
		HouseholdID:  tx.HouseholdID,
		MerchantName: tx.MerchantName,
		Amount:       roundCents(similarity.Mean(amounts)),
		CadenceDays:  cadence.MeanDays,
		PatternType:  cadence.PatternType,
		Confidence:   confidence,
		NextDueDate:  nextDue,
		LastSeen:     lastSeen,
		IsActive:     true,
	}

	// A mean that drifted into the neighbouring amount bucket still belongs
	// to the active pattern already in band.
	lo, hi := domain.AmountBand(pattern.Amount, d.cfg.AmountTolerance)
	existing, err := d.store.FindActivePattern(ctx, tx.HouseholdID, merchantKey, lo, hi)
	if err != nil {
		return nil, domain.Persistence(tx.ID, fmt.Errorf("detectNew: find pattern in band: %w", err))
	}
	if existing != nil {
		pattern.ID = existing.ID
	}

	id, err := d.store.UpsertPattern(ctx, domain.KeyOf(pattern, d.cfg.AmountTolerance), pattern)
	if err != nil {
		return nil, domain.Persistence(tx.ID, fmt.Errorf("detectNew: upsert pattern: %w", err))
	}

	log.Debug().
		Str("pattern_id", id).
		Str("pattern_type", string(cadence.PatternType)).
		Float64("confidence", confidence).
		Int("candidates", len(candidates)).
		Msg("Recurring pattern detected")

	return &domain.RecurringDetection{
		TransactionID: tx.ID,
		IsRecurring:   true,
		PatternID:     id,
		PatternType:   cadence.PatternType,
		NextDueDate:   &nextDue,
		Confidence:    confidence,
		Explanation:   fmt.Sprintf("New %s pattern detected", cadence.PatternType),
	}, nil
}

// cached returns a previously computed positive verdict if its pattern is
// still active. Cache failures only cost a recomputation.
func (d *Detector) cached(ctx context.Context, tx *domain.Transaction, log zerolog.Logger) *domain.RecurringDetection {
	raw, ok, err := d.cache.Get(ctx, cachePrefix+tx.ID)
	if err != nil {
		log.Warn().Err(err).Msg("Recurring cache read failed")
		return nil
	}
	if !ok {
		return nil
	}

	var v domain.RecurringDetection
	if err := json.Unmarshal(raw, &v); err != nil || !v.IsRecurring || v.TransactionID != tx.ID {
		return nil
	}
	p, err := d.store.GetPattern(ctx, v.PatternID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn().Err(err).Msg("Failed to revalidate cached recurring verdict")
		}
		return nil
	}
	if !p.IsActive {
		return nil
	}
	return &v
}

func (d *Detector) remember(ctx context.Context, v *domain.RecurringDetection, log zerolog.Logger) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := d.cache.Set(ctx, cachePrefix+v.TransactionID, raw, d.cfg.CacheTTL); err != nil {
		log.Warn().Err(err).Msg("Recurring cache write failed")
	}
}

func negative(txID, explanation string) *domain.RecurringDetection {
	return &domain.RecurringDetection{
		TransactionID: txID,
		IsRecurring:   false,
		Confidence:    0,
		Explanation:   explanation,
	}
}

// includeSelf makes sure tx takes part in its own candidate set even when it
// has not been stored yet.
func includeSelf(candidates []domain.Transaction, tx *domain.Transaction) []domain.Transaction {
	for i := range candidates {
		if candidates[i].ID == tx.ID {
			return candidates
		}
	}
	if tx.FlaggedTransfer() {
		return candidates
	}
	return append(candidates, *tx)
}

func roundCents(x float64) float64 {
	return math.Round(x*100) / 100
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
