// Package store defines the persistence surface consumed by the detectors:
// a household transaction feed, the recurring pattern store and the transfer
// match store. Backends live in the subpackages and in internal/infra.
package store

import (
	"context"
	"time"

	"github.com/dvloznov/finance-patterns/internal/domain"
)

// Verdict selects which detector flags a query looks at.
type Verdict int

const (
	// VerdictRecurring refers to the is_recurring flag.
	VerdictRecurring Verdict = iota
	// VerdictTransfer refers to the is_transfer flag.
	VerdictTransfer
)

// CandidateQuery selects recurring candidates: same household and merchant
// key with the amount inside [MinAmount, MaxAmount], most recent first.
type CandidateQuery struct {
	HouseholdID      string
	MerchantKey      string
	MinAmount        float64
	MaxAmount        float64
	ExcludeTransfers bool
	Limit            int
}

// WindowQuery selects transactions of a household inside [From, To].
// Optional filters are ignored when left at their zero value.
type WindowQuery struct {
	HouseholdID          string
	From                 time.Time
	To                   time.Time
	ExcludeTransactionID string
	ExcludeAccountID     string
	MinAmount            *float64
	MaxAmount            *float64
	ExcludeTransfers     bool
	Limit                int
}

// TransactionFeed is read access to a household's transactions plus the
// write-back of detector flags.
type TransactionFeed interface {
	// ListHouseholds returns every household id that owns transactions.
	ListHouseholds(ctx context.Context) ([]string, error)

	// ListUnclassified returns transactions whose flag for v is still unset,
	// most recent first, capped at limit.
	ListUnclassified(ctx context.Context, householdID string, v Verdict, limit int) ([]domain.Transaction, error)

	// FindRecurringCandidates runs the bounded candidate search of the recurring detector.
	FindRecurringCandidates(ctx context.Context, q CandidateQuery) ([]domain.Transaction, error)

	// FindInWindow runs the bounded time-window search of the transfer detector,
	// ordered by distance from the window center.
	FindInWindow(ctx context.Context, q WindowQuery) ([]domain.Transaction, error)

	// ListTransactions returns a household's transactions dated at or after
	// since, oldest first.
	ListTransactions(ctx context.Context, householdID string, since time.Time) ([]domain.Transaction, error)

	// InsertTransactions adds transactions to the feed, ignoring ids already present.
	InsertTransactions(ctx context.Context, txs []domain.Transaction) error

	// SaveRecurringFlags writes the recurring verdict onto a transaction.
	SaveRecurringFlags(ctx context.Context, transactionID string, f domain.RecurringFlags) error

	// SaveTransferFlags writes the transfer verdict onto a transaction.
	SaveTransferFlags(ctx context.Context, transactionID string, f domain.TransferFlags) error
}

// PatternStore persists RecurringPattern records.
type PatternStore interface {
	// FindActivePattern returns the best active pattern for a merchant key
	// and amount band (highest confidence, then most recent), or nil.
	FindActivePattern(ctx context.Context, householdID, merchantKey string, minAmount, maxAmount float64) (*domain.RecurringPattern, error)

	// ListActivePatterns returns all active patterns of a household.
	ListActivePatterns(ctx context.Context, householdID string) ([]domain.RecurringPattern, error)

	// GetPattern returns a pattern by id or domain.ErrNotFound.
	GetPattern(ctx context.Context, id string) (*domain.RecurringPattern, error)

	// UpsertPattern creates the pattern or merges it into the one already
	// stored, returning the stored id. A set p.ID naming a stored pattern
	// selects the merge target; otherwise key does.
	UpsertPattern(ctx context.Context, key domain.PatternKey, p *domain.RecurringPattern) (string, error)

	// RecordSighting refreshes last_seen (never moving it backwards) and next_due_date.
	RecordSighting(ctx context.Context, id string, lastSeen, nextDue time.Time) error

	// DeactivatePattern marks a pattern inactive.
	DeactivatePattern(ctx context.Context, id string) error
}

// MatchStore persists TransferMatch records with at most one active pairing
// per transaction id.
type MatchStore interface {
	// ClaimMatch stores m unless either side is already paired, in which case
	// it returns domain.ErrAlreadyClaimed.
	ClaimMatch(ctx context.Context, m *domain.TransferMatch) error

	// FindMatch returns the active match involving transactionID, or nil.
	FindMatch(ctx context.Context, transactionID string) (*domain.TransferMatch, error)

	// ListMatches returns a household's matches created at or after since.
	ListMatches(ctx context.Context, householdID string, since time.Time) ([]domain.TransferMatch, error)
}

// Store is the full persistence surface.
type Store interface {
	TransactionFeed
	PatternStore
	MatchStore

	// Close releases the backend resources.
	Close() error
}
