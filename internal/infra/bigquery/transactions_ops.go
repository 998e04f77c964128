package bigquery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/finance-patterns/internal/domain"
	"github.com/dvloznov/finance-patterns/internal/store"
)

const transactionColumns = `
	transaction_id,
	household_id,
	account_id,
	amount,
	currency,
	transaction_date,
	booking_ts,
	merchant_name,
	merchant_key,
	raw_description,
	is_recurring,
	pattern_id,
	recurring_confidence,
	recurring_explanation,
	is_transfer,
	transfer_type,
	paired_transaction_id,
	transfer_confidence,
	transfer_explanation,
	created_ts,
	updated_ts`

// ListHouseholds implements store.TransactionFeed.
func (s *Store) ListHouseholds(ctx context.Context) ([]string, error) {
	type householdRow struct {
		HouseholdID string `bigquery:"household_id"`
	}
	q := s.query(`SELECT DISTINCT household_id FROM `+s.table(transactionsTable)+` ORDER BY household_id`, nil)
	rows, err := readAll[householdRow](ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ListHouseholds: %w", err)
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.HouseholdID)
	}
	return ids, nil
}

// ListUnclassified implements store.TransactionFeed.
func (s *Store) ListUnclassified(ctx context.Context, householdID string, v store.Verdict, limit int) ([]domain.Transaction, error) {
	flag := "is_recurring"
	if v == store.VerdictTransfer {
		flag = "is_transfer"
	}
	sql := `SELECT` + transactionColumns + `
		FROM ` + s.table(transactionsTable) + `
		WHERE household_id = @household_id
		  AND ` + flag + ` IS NULL
		ORDER BY booking_ts DESC, transaction_id` + limitClause(limit)

	txs, err := s.readTransactions(ctx, sql, []bigquery.QueryParameter{
		{Name: "household_id", Value: householdID},
	})
	if err != nil {
		return nil, fmt.Errorf("ListUnclassified: %w", err)
	}
	return txs, nil
}

// FindRecurringCandidates implements store.TransactionFeed.
func (s *Store) FindRecurringCandidates(ctx context.Context, q store.CandidateQuery) ([]domain.Transaction, error) {
	sql := `SELECT` + transactionColumns + `
		FROM ` + s.table(transactionsTable) + `
		WHERE household_id = @household_id
		  AND merchant_key = @merchant_key
		  AND amount BETWEEN @min_amount AND @max_amount
		  AND (NOT @exclude_transfers OR COALESCE(is_transfer, FALSE) = FALSE)
		ORDER BY booking_ts DESC, transaction_id` + limitClause(q.Limit)

	txs, err := s.readTransactions(ctx, sql, []bigquery.QueryParameter{
		{Name: "household_id", Value: q.HouseholdID},
		{Name: "merchant_key", Value: q.MerchantKey},
		{Name: "min_amount", Value: q.MinAmount},
		{Name: "max_amount", Value: q.MaxAmount},
		{Name: "exclude_transfers", Value: q.ExcludeTransfers},
	})
	if err != nil {
		return nil, fmt.Errorf("FindRecurringCandidates: %w", err)
	}
	return txs, nil
}

// FindInWindow implements store.TransactionFeed.
func (s *Store) FindInWindow(ctx context.Context, q store.WindowQuery) ([]domain.Transaction, error) {
	where, params := windowFilter(q)
	sql := `SELECT` + transactionColumns + `
		FROM ` + s.table(transactionsTable) + `
		WHERE ` + where + `
		ORDER BY ABS(TIMESTAMP_DIFF(booking_ts, @center, MICROSECOND)), booking_ts DESC` + limitClause(q.Limit)

	txs, err := s.readTransactions(ctx, sql, params)
	if err != nil {
		return nil, fmt.Errorf("FindInWindow: %w", err)
	}
	return txs, nil
}

// windowFilter builds the WHERE clause of a window search. Optional filters
// only appear when set.
func windowFilter(q store.WindowQuery) (string, []bigquery.QueryParameter) {
	conds := []string{
		"household_id = @household_id",
		"booking_ts BETWEEN @from_ts AND @to_ts",
		// Prunes partitions; the booking_ts bounds do the exact filtering.
		"transaction_date BETWEEN DATE(@from_ts) AND DATE(@to_ts)",
	}
	params := []bigquery.QueryParameter{
		{Name: "household_id", Value: q.HouseholdID},
		{Name: "from_ts", Value: q.From.UTC()},
		{Name: "to_ts", Value: q.To.UTC()},
		{Name: "center", Value: store.WindowCenter(q).UTC()},
	}
	if q.ExcludeTransactionID != "" {
		conds = append(conds, "transaction_id != @exclude_transaction_id")
		params = append(params, bigquery.QueryParameter{Name: "exclude_transaction_id", Value: q.ExcludeTransactionID})
	}
	if q.ExcludeAccountID != "" {
		conds = append(conds, "COALESCE(account_id, '') != @exclude_account_id")
		params = append(params, bigquery.QueryParameter{Name: "exclude_account_id", Value: q.ExcludeAccountID})
	}
	if q.MinAmount != nil {
		conds = append(conds, "amount >= @min_amount")
		params = append(params, bigquery.QueryParameter{Name: "min_amount", Value: *q.MinAmount})
	}
	if q.MaxAmount != nil {
		conds = append(conds, "amount <= @max_amount")
		params = append(params, bigquery.QueryParameter{Name: "max_amount", Value: *q.MaxAmount})
	}
	if q.ExcludeTransfers {
		conds = append(conds, "COALESCE(is_transfer, FALSE) = FALSE")
	}
	return strings.Join(conds, "\n\t\t  AND "), params
}

// ListTransactions implements store.TransactionFeed.
func (s *Store) ListTransactions(ctx context.Context, householdID string, since time.Time) ([]domain.Transaction, error) {
	sql := `SELECT` + transactionColumns + `
		FROM ` + s.table(transactionsTable) + `
		WHERE household_id = @household_id
		  AND booking_ts >= @since
		ORDER BY booking_ts, transaction_id`

	txs, err := s.readTransactions(ctx, sql, []bigquery.QueryParameter{
		{Name: "household_id", Value: householdID},
		{Name: "since", Value: since.UTC()},
	})
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: %w", err)
	}
	return txs, nil
}

// InsertTransactions implements store.TransactionFeed. Rows are merged on
// transaction_id so ids already present are left untouched.
func (s *Store) InsertTransactions(ctx context.Context, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	rows := make([]transactionInsert, 0, len(txs))
	for i := range txs {
		rows = append(rows, newTransactionInsert(&txs[i]))
	}

	sql := `MERGE ` + s.table(transactionsTable) + ` t
		USING (SELECT * FROM UNNEST(@rows)) s
		ON t.transaction_id = s.transaction_id
		WHEN NOT MATCHED THEN INSERT (
			transaction_id, household_id, account_id, amount, currency,
			transaction_date, booking_ts, merchant_name, merchant_key,
			raw_description, created_ts
		) VALUES (
			s.transaction_id, s.household_id, s.account_id, s.amount, s.currency,
			s.transaction_date, s.booking_ts, s.merchant_name, s.merchant_key,
			s.raw_description, @now
		)`

	if _, err := s.exec(ctx, sql, []bigquery.QueryParameter{
		{Name: "rows", Value: rows},
		{Name: "now", Value: s.now()},
	}); err != nil {
		return fmt.Errorf("InsertTransactions: %w", err)
	}
	return nil
}

// SaveRecurringFlags implements store.TransactionFeed.
func (s *Store) SaveRecurringFlags(ctx context.Context, transactionID string, f domain.RecurringFlags) error {
	sql := `UPDATE ` + s.table(transactionsTable) + `
		SET is_recurring = @is_recurring,
			pattern_id = @pattern_id,
			recurring_confidence = @confidence,
			recurring_explanation = @explanation,
			updated_ts = @now
		WHERE transaction_id = @transaction_id`

	n, err := s.exec(ctx, sql, []bigquery.QueryParameter{
		{Name: "is_recurring", Value: f.IsRecurring},
		{Name: "pattern_id", Value: f.PatternID},
		{Name: "confidence", Value: f.Confidence},
		{Name: "explanation", Value: f.Explanation},
		{Name: "now", Value: s.now()},
		{Name: "transaction_id", Value: transactionID},
	})
	if err != nil {
		return fmt.Errorf("SaveRecurringFlags: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("SaveRecurringFlags: %s: %w", transactionID, domain.ErrNotFound)
	}
	return nil
}

// SaveTransferFlags implements store.TransactionFeed.
func (s *Store) SaveTransferFlags(ctx context.Context, transactionID string, f domain.TransferFlags) error {
	sql := `UPDATE ` + s.table(transactionsTable) + `
		SET is_transfer = @is_transfer,
			transfer_type = @transfer_type,
			paired_transaction_id = @paired_transaction_id,
			transfer_confidence = @confidence,
			transfer_explanation = @explanation,
			updated_ts = @now
		WHERE transaction_id = @transaction_id`

	n, err := s.exec(ctx, sql, []bigquery.QueryParameter{
		{Name: "is_transfer", Value: f.IsTransfer},
		{Name: "transfer_type", Value: string(f.TransferType)},
		{Name: "paired_transaction_id", Value: f.PairedTransactionID},
		{Name: "confidence", Value: f.Confidence},
		{Name: "explanation", Value: f.Explanation},
		{Name: "now", Value: s.now()},
		{Name: "transaction_id", Value: transactionID},
	})
	if err != nil {
		return fmt.Errorf("SaveTransferFlags: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("SaveTransferFlags: %s: %w", transactionID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) readTransactions(ctx context.Context, sql string, params []bigquery.QueryParameter) ([]domain.Transaction, error) {
	rows, err := readAll[TransactionRow](ctx, s.query(sql, params))
	if err != nil {
		return nil, err
	}
	txs := make([]domain.Transaction, 0, len(rows))
	for i := range rows {
		txs = append(txs, rows[i].toDomain())
	}
	return txs, nil
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf("\n\t\tLIMIT %d", limit)
}
