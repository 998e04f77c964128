package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/finance-patterns/internal/domain"
	"github.com/dvloznov/finance-patterns/internal/store"
	"github.com/google/uuid"
)

// Store is an in-memory implementation of store.Store.
// It is safe for concurrent use and returns copies so callers never alias
// internal state. Data is lost on restart - use the sqlite or bigquery
// backends for persistence.
type Store struct {
	mu sync.RWMutex

	transactions map[string]*domain.Transaction
	order        []string // insertion order, used for stable listings

	patterns   map[string]*domain.RecurringPattern
	patternIDs map[domain.PatternKey]string

	matches  map[string]*domain.TransferMatch
	pairedBy map[string]string // transaction id -> match id

	now func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		transactions: make(map[string]*domain.Transaction),
		patterns:     make(map[string]*domain.RecurringPattern),
		patternIDs:   make(map[domain.PatternKey]string),
		matches:      make(map[string]*domain.TransferMatch),
		pairedBy:     make(map[string]string),
		now:          time.Now,
	}
}

// ListHouseholds implements store.TransactionFeed.
func (s *Store) ListHouseholds(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var households []string
	for _, id := range s.order {
		h := s.transactions[id].HouseholdID
		if !seen[h] {
			seen[h] = true
			households = append(households, h)
		}
	}
	sort.Strings(households)
	return households, nil
}

// ListUnclassified implements store.TransactionFeed.
func (s *Store) ListUnclassified(ctx context.Context, householdID string, v store.Verdict, limit int) ([]domain.Transaction, error) {
	return s.collect(func(tx *domain.Transaction) bool {
		if tx.HouseholdID != householdID {
			return false
		}
		if v == store.VerdictRecurring {
			return tx.IsRecurring == nil
		}
		return tx.IsTransfer == nil
	}, newestFirst, limit), nil
}

// FindRecurringCandidates implements store.TransactionFeed.
func (s *Store) FindRecurringCandidates(ctx context.Context, q store.CandidateQuery) ([]domain.Transaction, error) {
	return s.collect(func(tx *domain.Transaction) bool {
		return tx.HouseholdID == q.HouseholdID &&
			domain.MerchantKey(tx.MerchantName) == q.MerchantKey &&
			tx.Amount >= q.MinAmount && tx.Amount <= q.MaxAmount &&
			!(q.ExcludeTransfers && tx.FlaggedTransfer())
	}, newestFirst, q.Limit), nil
}

// FindInWindow implements store.TransactionFeed.
func (s *Store) FindInWindow(ctx context.Context, q store.WindowQuery) ([]domain.Transaction, error) {
	center := store.WindowCenter(q)
	byDistance := func(a, b *domain.Transaction) bool {
		da, db := absDuration(a.Date.Sub(center)), absDuration(b.Date.Sub(center))
		if da != db {
			return da < db
		}
		return a.Date.After(b.Date)
	}
	return s.collect(func(tx *domain.Transaction) bool {
		return store.PassesWindow(tx, q)
	}, byDistance, q.Limit), nil
}

// ListTransactions implements store.TransactionFeed.
func (s *Store) ListTransactions(ctx context.Context, householdID string, since time.Time) ([]domain.Transaction, error) {
	return s.collect(func(tx *domain.Transaction) bool {
		return tx.HouseholdID == householdID && !tx.Date.Before(since)
	}, oldestFirst, 0), nil
}

// InsertTransactions implements store.TransactionFeed.
func (s *Store) InsertTransactions(ctx context.Context, txs []domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range txs {
		if txs[i].ID == "" {
			return fmt.Errorf("InsertTransactions: transaction ID is required")
		}
		if _, exists := s.transactions[txs[i].ID]; exists {
			continue
		}
		txCopy := copyTransaction(&txs[i])
		s.transactions[txCopy.ID] = &txCopy
		s.order = append(s.order, txCopy.ID)
	}
	return nil
}

// SaveRecurringFlags implements store.TransactionFeed.
func (s *Store) SaveRecurringFlags(ctx context.Context, transactionID string, f domain.RecurringFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, exists := s.transactions[transactionID]
	if !exists {
		return fmt.Errorf("SaveRecurringFlags: transaction %s: %w", transactionID, domain.ErrNotFound)
	}
	tx.IsRecurring = domain.BoolPtr(f.IsRecurring)
	tx.PatternID = f.PatternID
	tx.RecurringConfidence = f.Confidence
	tx.RecurringExplanation = f.Explanation
	return nil
}

// SaveTransferFlags implements store.TransactionFeed.
func (s *Store) SaveTransferFlags(ctx context.Context, transactionID string, f domain.TransferFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, exists := s.transactions[transactionID]
	if !exists {
		return fmt.Errorf("SaveTransferFlags: transaction %s: %w", transactionID, domain.ErrNotFound)
	}
	tx.IsTransfer = domain.BoolPtr(f.IsTransfer)
	tx.TransferType = f.TransferType
	tx.PairedTransactionID = f.PairedTransactionID
	tx.TransferConfidence = f.Confidence
	tx.TransferExplanation = f.Explanation
	return nil
}

// GetTransaction returns a copy of a stored transaction.
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, exists := s.transactions[id]
	if !exists {
		return nil, fmt.Errorf("GetTransaction: %s: %w", id, domain.ErrNotFound)
	}
	txCopy := copyTransaction(tx)
	return &txCopy, nil
}

// FindActivePattern implements store.PatternStore.
func (s *Store) FindActivePattern(ctx context.Context, householdID, merchantKey string, minAmount, maxAmount float64) (*domain.RecurringPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *domain.RecurringPattern
	for _, p := range s.patterns {
		if !p.IsActive || p.HouseholdID != householdID || p.MerchantKey() != merchantKey {
			continue
		}
		if p.Amount < minAmount || p.Amount > maxAmount {
			continue
		}
		if best == nil || store.PatternRanksBefore(p, best) {
			best = p
		}
	}
	if best == nil {
		return nil, nil
	}
	pCopy := *best
	return &pCopy, nil
}

// ListActivePatterns implements store.PatternStore.
func (s *Store) ListActivePatterns(ctx context.Context, householdID string) ([]domain.RecurringPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.RecurringPattern
	for _, p := range s.patterns {
		if p.IsActive && p.HouseholdID == householdID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].NextDueDate.Before(result[j].NextDueDate)
	})
	return result, nil
}

// GetPattern implements store.PatternStore.
func (s *Store) GetPattern(ctx context.Context, id string) (*domain.RecurringPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.patterns[id]
	if !exists {
		return nil, fmt.Errorf("GetPattern: %s: %w", id, domain.ErrNotFound)
	}
	pCopy := *p
	return &pCopy, nil
}

// UpsertPattern implements store.PatternStore.
// The natural key map makes the create-or-merge atomic under the store lock.
func (s *Store) UpsertPattern(ctx context.Context, key domain.PatternKey, p *domain.RecurringPattern) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, exists := s.patterns[p.ID]; exists && existing.HouseholdID == key.HouseholdID {
		merged := store.MergePattern(existing, p, now)
		s.patterns[p.ID] = &merged
		return p.ID, nil
	}
	if id, exists := s.patternIDs[key]; exists {
		merged := store.MergePattern(s.patterns[id], p, now)
		s.patterns[id] = &merged
		return id, nil
	}

	pCopy := *p
	if pCopy.ID == "" {
		pCopy.ID = uuid.NewString()
	}
	pCopy.IsActive = true
	pCopy.CreatedAt = now
	pCopy.UpdatedAt = now
	s.patterns[pCopy.ID] = &pCopy
	s.patternIDs[key] = pCopy.ID
	return pCopy.ID, nil
}

// RecordSighting implements store.PatternStore.
func (s *Store) RecordSighting(ctx context.Context, id string, lastSeen, nextDue time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.patterns[id]
	if !exists {
		return fmt.Errorf("RecordSighting: %s: %w", id, domain.ErrNotFound)
	}
	if !lastSeen.Before(p.LastSeen) {
		p.LastSeen = lastSeen
		p.NextDueDate = nextDue
	}
	p.UpdatedAt = s.now()
	return nil
}

// DeactivatePattern implements store.PatternStore.
func (s *Store) DeactivatePattern(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.patterns[id]
	if !exists {
		return fmt.Errorf("DeactivatePattern: %s: %w", id, domain.ErrNotFound)
	}
	p.IsActive = false
	p.UpdatedAt = s.now()
	return nil
}

// CountPatterns returns the number of stored patterns, active or not.
func (s *Store) CountPatterns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}

// ClaimMatch implements store.MatchStore.
func (s *Store) ClaimMatch(ctx context.Context, m *domain.TransferMatch) error {
	if m.FromTransactionID == "" || m.ToTransactionID == "" {
		return fmt.Errorf("ClaimMatch: both transaction IDs are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.pairedBy[m.FromTransactionID]; taken {
		return fmt.Errorf("ClaimMatch: %s: %w", m.FromTransactionID, domain.ErrAlreadyClaimed)
	}
	if _, taken := s.pairedBy[m.ToTransactionID]; taken {
		return fmt.Errorf("ClaimMatch: %s: %w", m.ToTransactionID, domain.ErrAlreadyClaimed)
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	mCopy := *m
	s.matches[mCopy.ID] = &mCopy
	s.pairedBy[mCopy.FromTransactionID] = mCopy.ID
	s.pairedBy[mCopy.ToTransactionID] = mCopy.ID
	return nil
}

// FindMatch implements store.MatchStore.
func (s *Store) FindMatch(ctx context.Context, transactionID string) (*domain.TransferMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.pairedBy[transactionID]
	if !exists {
		return nil, nil
	}
	mCopy := *s.matches[id]
	return &mCopy, nil
}

// ListMatches implements store.MatchStore.
func (s *Store) ListMatches(ctx context.Context, householdID string, since time.Time) ([]domain.TransferMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.TransferMatch
	for _, m := range s.matches {
		if m.HouseholdID == householdID && !m.CreatedAt.Before(since) {
			result = append(result, *m)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return nil
}

func (s *Store) collect(keep func(*domain.Transaction) bool, less func(a, b *domain.Transaction) bool, limit int) []domain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var picked []*domain.Transaction
	for _, id := range s.order {
		if tx := s.transactions[id]; keep(tx) {
			picked = append(picked, tx)
		}
	}
	sort.SliceStable(picked, func(i, j int) bool {
		return less(picked[i], picked[j])
	})
	if limit > 0 && limit < len(picked) {
		picked = picked[:limit]
	}

	result := make([]domain.Transaction, 0, len(picked))
	for _, tx := range picked {
		result = append(result, copyTransaction(tx))
	}
	return result
}

func newestFirst(a, b *domain.Transaction) bool {
	return a.Date.After(b.Date)
}

func oldestFirst(a, b *domain.Transaction) bool {
	return a.Date.Before(b.Date)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// copyTransaction deep-copies the flag pointers so callers cannot mutate
// stored verdicts.
func copyTransaction(tx *domain.Transaction) domain.Transaction {
	txCopy := *tx
	if tx.IsRecurring != nil {
		txCopy.IsRecurring = domain.BoolPtr(*tx.IsRecurring)
	}
	if tx.IsTransfer != nil {
		txCopy.IsTransfer = domain.BoolPtr(*tx.IsTransfer)
	}
	return txCopy
}

// Ensure Store implements the store.Store interface.
var _ store.Store = (*Store)(nil)
