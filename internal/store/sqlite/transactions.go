package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/finance-patterns/internal/domain"
	"github.com/dvloznov/finance-patterns/internal/store"
)

const transactionColumns = `
	id, household_id, account_id, amount, date, merchant_name, description, currency,
	is_recurring, pattern_id, recurring_confidence, recurring_explanation,
	is_transfer, transfer_type, paired_transaction_id, transfer_confidence, transfer_explanation`

// ListHouseholds implements store.TransactionFeed.
func (s *Store) ListHouseholds(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT household_id FROM transactions ORDER BY household_id`)
	if err != nil {
		return nil, fmt.Errorf("ListHouseholds: query: %w", err)
	}
	defer rows.Close()

	var households []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("ListHouseholds: scan: %w", err)
		}
		households = append(households, h)
	}
	return households, rows.Err()
}

// ListUnclassified implements store.TransactionFeed.
func (s *Store) ListUnclassified(ctx context.Context, householdID string, v store.Verdict, limit int) ([]domain.Transaction, error) {
	flag := "is_recurring"
	if v == store.VerdictTransfer {
		flag = "is_transfer"
	}
	query := `SELECT` + transactionColumns + `
		FROM transactions
		WHERE household_id = ? AND ` + flag + ` IS NULL
		ORDER BY date DESC` + limitClause(limit)
	return s.queryTransactions(ctx, "ListUnclassified", query, householdID)
}

// FindRecurringCandidates implements store.TransactionFeed.
func (s *Store) FindRecurringCandidates(ctx context.Context, q store.CandidateQuery) ([]domain.Transaction, error) {
	query := `SELECT` + transactionColumns + `
		FROM transactions
		WHERE household_id = ?
		  AND merchant_key = ?
		  AND amount BETWEEN ? AND ?`
	if q.ExcludeTransfers {
		query += ` AND COALESCE(is_transfer, 0) = 0`
	}
	query += ` ORDER BY date DESC` + limitClause(q.Limit)
	return s.queryTransactions(ctx, "FindRecurringCandidates", query,
		q.HouseholdID, q.MerchantKey, q.MinAmount, q.MaxAmount)
}

// FindInWindow implements store.TransactionFeed.
func (s *Store) FindInWindow(ctx context.Context, q store.WindowQuery) ([]domain.Transaction, error) {
	where := []string{"household_id = ?", "date BETWEEN ? AND ?"}
	args := []interface{}{q.HouseholdID, formatTime(q.From), formatTime(q.To)}

	if q.ExcludeTransactionID != "" {
		where = append(where, "id != ?")
		args = append(args, q.ExcludeTransactionID)
	}
	if q.ExcludeAccountID != "" {
		where = append(where, "account_id != ?")
		args = append(args, q.ExcludeAccountID)
	}
	if q.MinAmount != nil {
		where = append(where, "amount >= ?")
		args = append(args, *q.MinAmount)
	}
	if q.MaxAmount != nil {
		where = append(where, "amount <= ?")
		args = append(args, *q.MaxAmount)
	}
	if q.ExcludeTransfers {
		where = append(where, "COALESCE(is_transfer, 0) = 0")
	}

	// Distance ordering is done in Go: dates are stored as text.
	query := `SELECT` + transactionColumns + `
		FROM transactions
		WHERE ` + strings.Join(where, " AND ")
	txs, err := s.queryTransactions(ctx, "FindInWindow", query, args...)
	if err != nil {
		return nil, err
	}
	return store.NearestFirst(txs, store.WindowCenter(q), q.Limit), nil
}

// ListTransactions implements store.TransactionFeed.
func (s *Store) ListTransactions(ctx context.Context, householdID string, since time.Time) ([]domain.Transaction, error) {
	query := `SELECT` + transactionColumns + `
		FROM transactions
		WHERE household_id = ? AND date >= ?
		ORDER BY date ASC, id ASC`
	return s.queryTransactions(ctx, "ListTransactions", query, householdID, formatTime(since))
}

// InsertTransactions implements store.TransactionFeed.
func (s *Store) InsertTransactions(ctx context.Context, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	err := s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO transactions (
				id, household_id, account_id, amount, date, merchant_name, merchant_key, description, currency
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i := range txs {
			t := &txs[i]
			if t.ID == "" {
				return fmt.Errorf("transaction ID is required")
			}
			if _, err := stmt.ExecContext(ctx, t.ID, t.HouseholdID, t.AccountID, t.Amount, formatTime(t.Date),
				t.MerchantName, domain.MerchantKey(t.MerchantName), t.Description, t.Currency); err != nil {
				return fmt.Errorf("insert %s: %w", t.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("InsertTransactions: %w", err)
	}
	return nil
}

// SaveRecurringFlags implements store.TransactionFeed.
func (s *Store) SaveRecurringFlags(ctx context.Context, transactionID string, f domain.RecurringFlags) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET is_recurring = ?, pattern_id = ?, recurring_confidence = ?, recurring_explanation = ?
		WHERE id = ?`,
		boolToInt(f.IsRecurring), f.PatternID, f.Confidence, f.Explanation, transactionID)
	if err != nil {
		return fmt.Errorf("SaveRecurringFlags: update: %w", err)
	}
	return requireRow(res, "SaveRecurringFlags", transactionID)
}

// SaveTransferFlags implements store.TransactionFeed.
func (s *Store) SaveTransferFlags(ctx context.Context, transactionID string, f domain.TransferFlags) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET is_transfer = ?, transfer_type = ?, paired_transaction_id = ?, transfer_confidence = ?, transfer_explanation = ?
		WHERE id = ?`,
		boolToInt(f.IsTransfer), string(f.TransferType), f.PairedTransactionID, f.Confidence, f.Explanation, transactionID)
	if err != nil {
		return fmt.Errorf("SaveTransferFlags: update: %w", err)
	}
	return requireRow(res, "SaveTransferFlags", transactionID)
}

func (s *Store) queryTransactions(ctx context.Context, op, query string, args ...interface{}) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: query: %w", op, err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	return txs, nil
}

func scanTransaction(rows *sql.Rows) (domain.Transaction, error) {
	var (
		t           domain.Transaction
		date        string
		isRecurring sql.NullBool
		isTransfer  sql.NullBool
		transferTyp string
	)
	err := rows.Scan(
		&t.ID, &t.HouseholdID, &t.AccountID, &t.Amount, &date, &t.MerchantName, &t.Description, &t.Currency,
		&isRecurring, &t.PatternID, &t.RecurringConfidence, &t.RecurringExplanation,
		&isTransfer, &transferTyp, &t.PairedTransactionID, &t.TransferConfidence, &t.TransferExplanation,
	)
	if err != nil {
		return t, err
	}
	if t.Date, err = parseTime(date); err != nil {
		return t, fmt.Errorf("parse date %q: %w", date, err)
	}
	if isRecurring.Valid {
		t.IsRecurring = domain.BoolPtr(isRecurring.Bool)
	}
	if isTransfer.Valid {
		t.IsTransfer = domain.BoolPtr(isTransfer.Bool)
	}
	t.TransferType = domain.TransferType(transferTyp)
	return t, nil
}

func requireRow(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: transaction %s: %w", op, id, domain.ErrNotFound)
	}
	return nil
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}
