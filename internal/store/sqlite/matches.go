package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/finance-patterns/internal/domain"
)

const matchColumns = `
	m.id, m.household_id, m.from_transaction_id, m.to_transaction_id,
	m.amount, m.confidence, m.transfer_type, m.created_at`

// ClaimMatch implements store.MatchStore.
// The transfer_claims primary key rejects a second pairing of either side.
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

	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transfer_matches (
				id, household_id, from_transaction_id, to_transaction_id, amount, confidence, transfer_type, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, m.HouseholdID, m.FromTransactionID, m.ToTransactionID, m.Amount, m.Confidence,
			string(m.TransferType), formatTime(createdAt)); err != nil {
			return fmt.Errorf("insert match: %w", err)
		}

		for _, txID := range []string{m.FromTransactionID, m.ToTransactionID} {
			_, err := tx.ExecContext(ctx, `INSERT INTO transfer_claims (transaction_id, match_id) VALUES (?, ?)`, txID, id)
			if isConstraintViolation(err) {
				return fmt.Errorf("%s: %w", txID, domain.ErrAlreadyClaimed)
			}
			if err != nil {
				return fmt.Errorf("insert claim %s: %w", txID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ClaimMatch: %w", err)
	}

	m.ID = id
	m.CreatedAt = createdAt
	return nil
}

// FindMatch implements store.MatchStore.
func (s *Store) FindMatch(ctx context.Context, transactionID string) (*domain.TransferMatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+matchColumns+`
		FROM transfer_claims c
		JOIN transfer_matches m ON m.id = c.match_id
		WHERE c.transaction_id = ?`, transactionID)

	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("FindMatch: %w", err)
	}
	return m, nil
}

// ListMatches implements store.MatchStore.
func (s *Store) ListMatches(ctx context.Context, householdID string, since time.Time) ([]domain.TransferMatch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT`+matchColumns+`
		FROM transfer_matches m
		WHERE m.household_id = ? AND m.created_at >= ?
		ORDER BY m.created_at ASC`, householdID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("ListMatches: query: %w", err)
	}
	defer rows.Close()

	var matches []domain.TransferMatch
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("ListMatches: scan: %w", err)
		}
		matches = append(matches, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListMatches: rows: %w", err)
	}
	return matches, nil
}

func scanMatch(row rowScanner) (*domain.TransferMatch, error) {
	var (
		m            domain.TransferMatch
		transferType string
		createdAt    string
	)
	if err := row.Scan(&m.ID, &m.HouseholdID, &m.FromTransactionID, &m.ToTransactionID,
		&m.Amount, &m.Confidence, &transferType, &createdAt); err != nil {
		return nil, err
	}
	m.TransferType = domain.TransferType(transferType)

	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	return &m, nil
}
