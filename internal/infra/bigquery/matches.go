package bigquery

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"

	"github.com/dvloznov/finance-patterns/internal/domain"
)

type MatchRow struct {
	MatchID           string    `bigquery:"match_id"`
	HouseholdID       string    `bigquery:"household_id"`
	FromTransactionID string    `bigquery:"from_transaction_id"`
	ToTransactionID   string    `bigquery:"to_transaction_id"`
	Amount            *big.Rat  `bigquery:"amount"` // NUMERIC
	Confidence        float64   `bigquery:"confidence"`
	TransferType      string    `bigquery:"transfer_type"`
	CreatedTS         time.Time `bigquery:"created_ts"`
}

func (r *MatchRow) toDomain() domain.TransferMatch {
	return domain.TransferMatch{
		ID:                r.MatchID,
		HouseholdID:       r.HouseholdID,
		FromTransactionID: r.FromTransactionID,
		ToTransactionID:   r.ToTransactionID,
		Amount:            floatFromRat(r.Amount),
		Confidence:        r.Confidence,
		TransferType:      domain.TransferType(r.TransferType),
		CreatedAt:         r.CreatedTS.UTC(),
	}
}

const matchColumns = `
	match_id,
	household_id,
	from_transaction_id,
	to_transaction_id,
	amount,
	confidence,
	transfer_type,
	created_ts`

// ClaimMatch implements store.MatchStore. The MERGE only inserts when no
// stored match references either side; zero inserted rows means the claim lost.
func (s *Store) ClaimMatch(ctx context.Context, m *domain.TransferMatch) error {
	if m.FromTransactionID == "" || m.ToTransactionID == "" {
		return fmt.Errorf("ClaimMatch: both transaction IDs are required")
	}

	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	sql := `MERGE ` + s.table(matchesTable) + ` t
		USING (SELECT @from_id AS from_id, @to_id AS to_id) c
		ON t.from_transaction_id IN (c.from_id, c.to_id)
		   OR t.to_transaction_id IN (c.from_id, c.to_id)
		WHEN NOT MATCHED BY TARGET THEN INSERT (
			match_id, household_id, from_transaction_id, to_transaction_id,
			amount, confidence, transfer_type, created_ts
		) VALUES (
			@match_id, @household_id, @from_id, @to_id,
			@amount, @confidence, @transfer_type, @created_ts
		)`

	n, err := s.exec(ctx, sql, []bigquery.QueryParameter{
		{Name: "match_id", Value: id},
		{Name: "household_id", Value: m.HouseholdID},
		{Name: "from_id", Value: m.FromTransactionID},
		{Name: "to_id", Value: m.ToTransactionID},
		{Name: "amount", Value: ratFromFloat(m.Amount)},
		{Name: "confidence", Value: m.Confidence},
		{Name: "transfer_type", Value: string(m.TransferType)},
		{Name: "created_ts", Value: createdAt.UTC()},
	})
	if err != nil {
		return fmt.Errorf("ClaimMatch: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("ClaimMatch: %s/%s: %w", m.FromTransactionID, m.ToTransactionID, domain.ErrAlreadyClaimed)
	}

	m.ID = id
	m.CreatedAt = createdAt
	return nil
}

// FindMatch implements store.MatchStore.
func (s *Store) FindMatch(ctx context.Context, transactionID string) (*domain.TransferMatch, error) {
	sql := `SELECT` + matchColumns + `
		FROM ` + s.table(matchesTable) + `
		WHERE from_transaction_id = @transaction_id OR to_transaction_id = @transaction_id
		ORDER BY created_ts
		LIMIT 1`

	matches, err := s.readMatches(ctx, sql, []bigquery.QueryParameter{
		{Name: "transaction_id", Value: transactionID},
	})
	if err != nil {
		return nil, fmt.Errorf("FindMatch: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

// ListMatches implements store.MatchStore.
func (s *Store) ListMatches(ctx context.Context, householdID string, since time.Time) ([]domain.TransferMatch, error) {
	sql := `SELECT` + matchColumns + `
		FROM ` + s.table(matchesTable) + `
		WHERE household_id = @household_id AND created_ts >= @since
		ORDER BY created_ts ASC`

	matches, err := s.readMatches(ctx, sql, []bigquery.QueryParameter{
		{Name: "household_id", Value: householdID},
		{Name: "since", Value: since.UTC()},
	})
	if err != nil {
		return nil, fmt.Errorf("ListMatches: %w", err)
	}
	return matches, nil
}

func (s *Store) readMatches(ctx context.Context, sql string, params []bigquery.QueryParameter) ([]domain.TransferMatch, error) {
	rows, err := readAll[MatchRow](ctx, s.query(sql, params))
	if err != nil {
		return nil, err
	}
	matches := make([]domain.TransferMatch, 0, len(rows))
	for i := range rows {
		matches = append(matches, rows[i].toDomain())
	}
	return matches, nil
}
