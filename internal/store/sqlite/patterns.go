package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/finance-patterns/internal/domain"
	"github.com/dvloznov/finance-patterns/internal/store"
)

const patternColumns = `
	id, household_id, merchant_name, amount, cadence_days, pattern_type, confidence,
	next_due_date, last_seen, is_active, created_at, updated_at`

// FindActivePattern implements store.PatternStore.
func (s *Store) FindActivePattern(ctx context.Context, householdID, merchantKey string, minAmount, maxAmount float64) (*domain.RecurringPattern, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+patternColumns+`
		FROM recurring_patterns
		WHERE household_id = ? AND merchant_key = ? AND is_active = 1
		  AND amount BETWEEN ? AND ?
		ORDER BY confidence DESC, last_seen DESC
		LIMIT 1`, householdID, merchantKey, minAmount, maxAmount)

	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("FindActivePattern: %w", err)
	}
	return p, nil
}

// ListActivePatterns implements store.PatternStore.
func (s *Store) ListActivePatterns(ctx context.Context, householdID string) ([]domain.RecurringPattern, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT`+patternColumns+`
		FROM recurring_patterns
		WHERE household_id = ? AND is_active = 1
		ORDER BY next_due_date ASC`, householdID)
	if err != nil {
		return nil, fmt.Errorf("ListActivePatterns: query: %w", err)
	}
	defer rows.Close()

	var patterns []domain.RecurringPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("ListActivePatterns: scan: %w", err)
		}
		patterns = append(patterns, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListActivePatterns: rows: %w", err)
	}
	return patterns, nil
}

// GetPattern implements store.PatternStore.
func (s *Store) GetPattern(ctx context.Context, id string) (*domain.RecurringPattern, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+patternColumns+` FROM recurring_patterns WHERE id = ?`, id)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("GetPattern: %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetPattern: %w", err)
	}
	return p, nil
}

// UpsertPattern implements store.PatternStore.
// A concurrent insert of the same natural key surfaces as a constraint
// violation; the second attempt then takes the merge branch.
func (s *Store) UpsertPattern(ctx context.Context, key domain.PatternKey, p *domain.RecurringPattern) (string, error) {
	id, err := s.upsertPattern(ctx, key, p)
	if err != nil && isConstraintViolation(err) {
		id, err = s.upsertPattern(ctx, key, p)
	}
	if err != nil {
		return "", fmt.Errorf("UpsertPattern: %w", err)
	}
	return id, nil
}

func (s *Store) upsertPattern(ctx context.Context, key domain.PatternKey, p *domain.RecurringPattern) (string, error) {
	var id string
	err := s.withTx(func(tx *sql.Tx) error {
		now := s.now()
		row := tx.QueryRowContext(ctx, `SELECT`+patternColumns+`
			FROM recurring_patterns
			WHERE household_id = ?
			  AND (id = ? OR (merchant_key = ? AND amount_bucket = ?))
			ORDER BY id = ? DESC
			LIMIT 1`,
			key.HouseholdID, p.ID, key.MerchantKey, key.AmountBucket, p.ID)

		existing, err := scanPattern(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			id = p.ID
			if id == "" {
				id = uuid.NewString()
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO recurring_patterns (
					id, household_id, merchant_name, merchant_key, amount_bucket, amount, cadence_days,
					pattern_type, confidence, next_due_date, last_seen, is_active, created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
				id, key.HouseholdID, p.MerchantName, key.MerchantKey, key.AmountBucket, p.Amount, p.CadenceDays,
				string(p.PatternType), p.Confidence, formatTime(p.NextDueDate), formatTime(p.LastSeen),
				formatTime(now), formatTime(now))
			return err
		case err != nil:
			return fmt.Errorf("select by key: %w", err)
		}

		merged := store.MergePattern(existing, p, now)
		id = merged.ID
		_, err = tx.ExecContext(ctx, `
			UPDATE recurring_patterns
			SET merchant_name = ?, amount = ?, cadence_days = ?, pattern_type = ?, confidence = ?,
			    next_due_date = ?, last_seen = ?, is_active = 1, updated_at = ?
			WHERE id = ?`,
			merged.MerchantName, merged.Amount, merged.CadenceDays, string(merged.PatternType), merged.Confidence,
			formatTime(merged.NextDueDate), formatTime(merged.LastSeen), formatTime(merged.UpdatedAt), merged.ID)
		return err
	})
	return id, err
}

// RecordSighting implements store.PatternStore.
func (s *Store) RecordSighting(ctx context.Context, id string, lastSeen, nextDue time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recurring_patterns
		SET last_seen = CASE WHEN last_seen <= ? THEN ? ELSE last_seen END,
		    next_due_date = CASE WHEN last_seen <= ? THEN ? ELSE next_due_date END,
		    updated_at = ?
		WHERE id = ?`,
		formatTime(lastSeen), formatTime(lastSeen),
		formatTime(lastSeen), formatTime(nextDue),
		formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("RecordSighting: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("RecordSighting: %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// DeactivatePattern implements store.PatternStore.
func (s *Store) DeactivatePattern(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recurring_patterns SET is_active = 0, updated_at = ? WHERE id = ?`,
		formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("DeactivatePattern: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("DeactivatePattern: %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPattern(row rowScanner) (*domain.RecurringPattern, error) {
	var (
		p                                   domain.RecurringPattern
		patternType                         string
		nextDue, lastSeen, created, updated string
		active                              bool
	)
	err := row.Scan(&p.ID, &p.HouseholdID, &p.MerchantName, &p.Amount, &p.CadenceDays, &patternType, &p.Confidence,
		&nextDue, &lastSeen, &active, &created, &updated)
	if err != nil {
		return nil, err
	}
	p.PatternType = domain.PatternType(patternType)
	p.IsActive = active

	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&p.NextDueDate, nextDue},
		{&p.LastSeen, lastSeen},
		{&p.CreatedAt, created},
		{&p.UpdatedAt, updated},
	} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return nil, fmt.Errorf("parse time %q: %w", f.src, err)
		}
	}
	return &p, nil
}
