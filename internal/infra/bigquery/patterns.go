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

type PatternRow struct {
	PatternID    string    `bigquery:"pattern_id"`
	HouseholdID  string    `bigquery:"household_id"`
	MerchantName string    `bigquery:"merchant_name"`
	MerchantKey  string    `bigquery:"merchant_key"`
	AmountBucket int64     `bigquery:"amount_bucket"`
	Amount       *big.Rat  `bigquery:"amount"` // NUMERIC
	CadenceDays  float64   `bigquery:"cadence_days"`
	PatternType  string    `bigquery:"pattern_type"`
	Confidence   float64   `bigquery:"confidence"`
	NextDueDate  time.Time `bigquery:"next_due_date"`
	LastSeen     time.Time `bigquery:"last_seen"`
	IsActive     bool      `bigquery:"is_active"`
	CreatedTS    time.Time `bigquery:"created_ts"`
	UpdatedTS    time.Time `bigquery:"updated_ts"`
}

func (r *PatternRow) toDomain() domain.RecurringPattern {
	return domain.RecurringPattern{
		ID:           r.PatternID,
		HouseholdID:  r.HouseholdID,
		MerchantName: r.MerchantName,
		Amount:       floatFromRat(r.Amount),
		CadenceDays:  r.CadenceDays,
		PatternType:  domain.PatternType(r.PatternType),
		Confidence:   r.Confidence,
		NextDueDate:  r.NextDueDate.UTC(),
		LastSeen:     r.LastSeen.UTC(),
		IsActive:     r.IsActive,
		CreatedAt:    r.CreatedTS.UTC(),
		UpdatedAt:    r.UpdatedTS.UTC(),
	}
}

const patternColumns = `
	pattern_id,
	household_id,
	merchant_name,
	merchant_key,
	amount_bucket,
	amount,
	cadence_days,
	pattern_type,
	confidence,
	next_due_date,
	last_seen,
	is_active,
	created_ts,
	updated_ts`

// FindActivePattern implements store.PatternStore.
func (s *Store) FindActivePattern(ctx context.Context, householdID, merchantKey string, minAmount, maxAmount float64) (*domain.RecurringPattern, error) {
	sql := `SELECT` + patternColumns + `
		FROM ` + s.table(patternsTable) + `
		WHERE household_id = @household_id
		  AND merchant_key = @merchant_key
		  AND is_active
		  AND amount BETWEEN @min_amount AND @max_amount
		ORDER BY confidence DESC, last_seen DESC
		LIMIT 1`

	patterns, err := s.readPatterns(ctx, sql, []bigquery.QueryParameter{
		{Name: "household_id", Value: householdID},
		{Name: "merchant_key", Value: merchantKey},
		{Name: "min_amount", Value: minAmount},
		{Name: "max_amount", Value: maxAmount},
	})
	if err != nil {
		return nil, fmt.Errorf("FindActivePattern: %w", err)
	}
	if len(patterns) == 0 {
		return nil, nil
	}
	return &patterns[0], nil
}

// ListActivePatterns implements store.PatternStore.
func (s *Store) ListActivePatterns(ctx context.Context, householdID string) ([]domain.RecurringPattern, error) {
	sql := `SELECT` + patternColumns + `
		FROM ` + s.table(patternsTable) + `
		WHERE household_id = @household_id AND is_active
		ORDER BY next_due_date ASC`

	patterns, err := s.readPatterns(ctx, sql, []bigquery.QueryParameter{
		{Name: "household_id", Value: householdID},
	})
	if err != nil {
		return nil, fmt.Errorf("ListActivePatterns: %w", err)
	}
	return patterns, nil
}

// GetPattern implements store.PatternStore.
func (s *Store) GetPattern(ctx context.Context, id string) (*domain.RecurringPattern, error) {
	sql := `SELECT` + patternColumns + ` FROM ` + s.table(patternsTable) + ` WHERE pattern_id = @pattern_id`

	patterns, err := s.readPatterns(ctx, sql, []bigquery.QueryParameter{
		{Name: "pattern_id", Value: id},
	})
	if err != nil {
		return nil, fmt.Errorf("GetPattern: %w", err)
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("GetPattern: %s: %w", id, domain.ErrNotFound)
	}
	return &patterns[0], nil
}

// UpsertPattern implements store.PatternStore. The merge mirrors
// store.MergePattern: the schedule only moves forward with last_seen.
func (s *Store) UpsertPattern(ctx context.Context, key domain.PatternKey, p *domain.RecurringPattern) (string, error) {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}

	sql := `MERGE ` + s.table(patternsTable) + ` t
		USING (` + patternTargetSQL(s.table(patternsTable)) + `) k
		ON t.pattern_id = k.target_id
		WHEN MATCHED THEN UPDATE SET
			is_active = TRUE,
			confidence = @confidence,
			updated_ts = @now,
			merchant_name = IF(@last_seen >= t.last_seen, @merchant_name, t.merchant_name),
			amount = IF(@last_seen >= t.last_seen, @amount, t.amount),
			cadence_days = IF(@last_seen >= t.last_seen, @cadence_days, t.cadence_days),
			pattern_type = IF(@last_seen >= t.last_seen, @pattern_type, t.pattern_type),
			next_due_date = IF(@last_seen >= t.last_seen, @next_due_date, t.next_due_date),
			last_seen = GREATEST(t.last_seen, @last_seen)
		WHEN NOT MATCHED THEN INSERT (
			pattern_id, household_id, merchant_name, merchant_key, amount_bucket, amount,
			cadence_days, pattern_type, confidence, next_due_date, last_seen, is_active,
			created_ts, updated_ts
		) VALUES (
			@pattern_id, @household_id, @merchant_name, @merchant_key, @amount_bucket, @amount,
			@cadence_days, @pattern_type, @confidence, @next_due_date, @last_seen, TRUE,
			@now, @now
		)`

	if _, err := s.exec(ctx, sql, []bigquery.QueryParameter{
		{Name: "pattern_id", Value: id},
		{Name: "household_id", Value: key.HouseholdID},
		{Name: "merchant_key", Value: key.MerchantKey},
		{Name: "amount_bucket", Value: key.AmountBucket},
		{Name: "merchant_name", Value: p.MerchantName},
		{Name: "amount", Value: ratFromFloat(p.Amount)},
		{Name: "cadence_days", Value: p.CadenceDays},
		{Name: "pattern_type", Value: string(p.PatternType)},
		{Name: "confidence", Value: p.Confidence},
		{Name: "next_due_date", Value: p.NextDueDate.UTC()},
		{Name: "last_seen", Value: p.LastSeen.UTC()},
		{Name: "now", Value: s.now()},
	}); err != nil {
		return "", fmt.Errorf("UpsertPattern: merge: %w", err)
	}

	type idRow struct {
		PatternID string `bigquery:"pattern_id"`
	}
	q := s.query(`SELECT target_id AS pattern_id FROM (`+patternTargetSQL(s.table(patternsTable))+`)
		WHERE target_id IS NOT NULL`, []bigquery.QueryParameter{
		{Name: "pattern_id", Value: id},
		{Name: "household_id", Value: key.HouseholdID},
		{Name: "merchant_key", Value: key.MerchantKey},
		{Name: "amount_bucket", Value: key.AmountBucket},
	})
	rows, err := readAll[idRow](ctx, q)
	if err != nil {
		return "", fmt.Errorf("UpsertPattern: select id: %w", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("UpsertPattern: pattern vanished after merge: %w", domain.ErrDataInconsistency)
	}
	return rows[0].PatternID, nil
}

// RecordSighting implements store.PatternStore.
func (s *Store) RecordSighting(ctx context.Context, id string, lastSeen, nextDue time.Time) error {
	sql := `UPDATE ` + s.table(patternsTable) + `
		SET next_due_date = IF(last_seen <= @last_seen, @next_due_date, next_due_date),
			last_seen = GREATEST(last_seen, @last_seen),
			updated_ts = @now
		WHERE pattern_id = @pattern_id`

	n, err := s.exec(ctx, sql, []bigquery.QueryParameter{
		{Name: "last_seen", Value: lastSeen.UTC()},
		{Name: "next_due_date", Value: nextDue.UTC()},
		{Name: "now", Value: s.now()},
		{Name: "pattern_id", Value: id},
	})
	if err != nil {
		return fmt.Errorf("RecordSighting: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("RecordSighting: %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// DeactivatePattern implements store.PatternStore.
func (s *Store) DeactivatePattern(ctx context.Context, id string) error {
	sql := `UPDATE ` + s.table(patternsTable) + `
		SET is_active = FALSE, updated_ts = @now
		WHERE pattern_id = @pattern_id`

	n, err := s.exec(ctx, sql, []bigquery.QueryParameter{
		{Name: "now", Value: s.now()},
		{Name: "pattern_id", Value: id},
	})
	if err != nil {
		return fmt.Errorf("DeactivatePattern: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("DeactivatePattern: %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) readPatterns(ctx context.Context, sql string, params []bigquery.QueryParameter) ([]domain.RecurringPattern, error) {
	rows, err := readAll[PatternRow](ctx, s.query(sql, params))
	if err != nil {
		return nil, err
	}
	patterns := make([]domain.RecurringPattern, 0, len(rows))
	for i := range rows {
		patterns = append(patterns, rows[i].toDomain())
	}
	return patterns, nil
}

// patternTargetSQL selects the pattern an upsert merges into: the row named
// by @pattern_id when it exists in the household, else the oldest row under
// the natural key. target_id is NULL when neither exists.
func patternTargetSQL(table string) string {
	return `SELECT COALESCE(
			(SELECT pattern_id FROM ` + table + `
			 WHERE pattern_id = @pattern_id AND household_id = @household_id),
			(SELECT pattern_id FROM ` + table + `
			 WHERE household_id = @household_id AND merchant_key = @merchant_key AND amount_bucket = @amount_bucket
			 ORDER BY created_ts
			 LIMIT 1)
		) AS target_id`
}
