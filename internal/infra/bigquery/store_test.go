package bigquery

import (
	"math/big"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-patterns/internal/domain"
	"github.com/dvloznov/finance-patterns/internal/store"
)

func TestQualifiedTable(t *testing.T) {
	assert.Equal(t, "`proj.finance.transactions`", qualifiedTable("proj", "finance", transactionsTable))

	s := NewWithClient(nil, "p", "d")
	assert.Equal(t, "`p.d.transfer_matches`", s.table(matchesTable))
	assert.NoError(t, s.Close())
}

func TestRatConversions(t *testing.T) {
	assert.Equal(t, "-45.00", ratFromFloat(-45).FloatString(2))
	assert.Equal(t, "15.99", ratFromFloat(15.99).FloatString(2))
	assert.Equal(t, "0.01", ratFromFloat(0.005000001).FloatString(2))
	assert.InDelta(t, 12.34, floatFromRat(big.NewRat(1234, 100)), 1e-9)
	assert.Zero(t, floatFromRat(nil))
}

func TestTransactionRow_ToDomain(t *testing.T) {
	booked := time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC)
	row := TransactionRow{
		TransactionID:   "t1",
		HouseholdID:     "h1",
		AccountID:       bigquery.NullString{StringVal: "acc-1", Valid: true},
		Amount:          big.NewRat(-5000, 100),
		TransactionDate: civil.DateOf(booked),
		BookingTS:       booked,
		MerchantName:    bigquery.NullString{StringVal: "Acme Gym", Valid: true},
	}

	tx := row.toDomain()
	assert.Equal(t, "t1", tx.ID)
	assert.Equal(t, "acc-1", tx.AccountID)
	assert.InDelta(t, -50.0, tx.Amount, 1e-9)
	assert.Equal(t, booked, tx.Date)
	assert.Nil(t, tx.IsRecurring, "unset flag stays nil")
	assert.Nil(t, tx.IsTransfer)

	row.IsTransfer = bigquery.NullBool{Bool: false, Valid: true}
	row.TransferType = bigquery.NullString{StringVal: string(domain.TransferDuplicate), Valid: true}
	tx = row.toDomain()
	require.NotNil(t, tx.IsTransfer)
	assert.False(t, *tx.IsTransfer)
	assert.Equal(t, domain.TransferDuplicate, tx.TransferType)
}

func TestNewTransactionInsert(t *testing.T) {
	cet := time.FixedZone("CET", 3600)
	tx := domain.Transaction{
		ID:           "t1",
		HouseholdID:  "h1",
		Amount:       -9.99,
		Date:         time.Date(2024, 3, 1, 0, 30, 0, 0, cet),
		MerchantName: "  NETFLIX   Com ",
	}
	row := newTransactionInsert(&tx)

	assert.Equal(t, "netflix com", row.MerchantKey)
	assert.Equal(t, civil.Date{Year: 2024, Month: time.February, Day: 29}, row.TransactionDate, "partition day is the UTC day")
	assert.Equal(t, time.UTC, row.BookingTS.Location())
	assert.Equal(t, "-9.99", row.Amount.FloatString(2))
}

func TestWindowFilter(t *testing.T) {
	from := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	q := store.WindowQuery{HouseholdID: "h1", From: from, To: from.Add(48 * time.Hour)}

	where, params := windowFilter(q)
	assert.NotContains(t, where, "exclude_transaction_id")
	assert.NotContains(t, where, "is_transfer")
	require.Len(t, params, 4)
	assert.Equal(t, from.Add(24*time.Hour), paramValue(t, params, "center"))

	lo, hi := 199.0, 201.0
	q.ExcludeTransactionID = "t1"
	q.ExcludeAccountID = "acc-1"
	q.MinAmount = &lo
	q.MaxAmount = &hi
	q.ExcludeTransfers = true

	where, params = windowFilter(q)
	for _, cond := range []string{
		"transaction_id != @exclude_transaction_id",
		"COALESCE(account_id, '') != @exclude_account_id",
		"amount >= @min_amount",
		"amount <= @max_amount",
		"COALESCE(is_transfer, FALSE) = FALSE",
	} {
		assert.Contains(t, where, cond)
	}
	assert.Len(t, params, 8)
	assert.Equal(t, 199.0, paramValue(t, params, "min_amount"))
}

func TestLimitClause(t *testing.T) {
	assert.Empty(t, limitClause(0))
	assert.Contains(t, limitClause(20), "LIMIT 20")
}

func TestSchemaStatements(t *testing.T) {
	stmts := schemaStatements("proj", "finance")
	require.Len(t, stmts, 4)
	assert.Equal(t, "CREATE SCHEMA IF NOT EXISTS `proj.finance`", stmts[0])
	assert.Contains(t, stmts[1], "`proj.finance.transactions`")
	assert.Contains(t, stmts[1], "PARTITION BY transaction_date")
	assert.Contains(t, stmts[2], "amount_bucket INT64 NOT NULL")
	assert.True(t, strings.HasPrefix(strings.TrimSpace(stmts[3]), "CREATE TABLE IF NOT EXISTS `proj.finance.transfer_matches`"))
}

func paramValue(t *testing.T, params []bigquery.QueryParameter, name string) any {
	t.Helper()
	for _, p := range params {
		if p.Name == name {
			return p.Value
		}
	}
	t.Fatalf("parameter %q not found", name)
	return nil
}

func TestPatternTargetSQL(t *testing.T) {
	sql := patternTargetSQL("`p.d.recurring_patterns`")

	idAt := strings.Index(sql, "pattern_id = @pattern_id")
	keyAt := strings.Index(sql, "amount_bucket = @amount_bucket")
	require.NotEqual(t, -1, idAt)
	require.NotEqual(t, -1, keyAt)
	assert.Less(t, idAt, keyAt, "an explicit id is tried before the natural key")
	assert.Contains(t, sql, "COALESCE(")
	assert.Contains(t, sql, "AS target_id")
}
