package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-patterns/internal/domain"
	"github.com/dvloznov/finance-patterns/internal/store"
	"github.com/dvloznov/finance-patterns/internal/store/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "patterns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return openTestStore(t)
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.db")

	require.NoError(t, Migrate(path))
	require.NoError(t, Migrate(path))

	version, dirty, err := MigrationVersion(path)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "patterns.db")

	s, err := Open(path)
	require.NoError(t, err)
	date := time.Date(2024, 1, 31, 9, 30, 0, 0, time.UTC)
	require.NoError(t, s.InsertTransactions(ctx, []domain.Transaction{
		{ID: "t1", HouseholdID: "h1", AccountID: "a1", Amount: -15.99, Date: date, MerchantName: "Stream Co"},
	}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	txs, err := s.ListTransactions(ctx, "h1", time.Time{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Date.Equal(date))
	assert.Equal(t, "Stream Co", txs[0].MerchantName)
}

func TestFormatTime_OrdersLexically(t *testing.T) {
	earlier := time.Date(2024, 1, 1, 0, 0, 0, 5, time.UTC)
	later := time.Date(2024, 1, 1, 0, 0, 0, 50, time.FixedZone("x", 0))
	assert.Less(t, formatTime(earlier), formatTime(later))

	parsed, err := parseTime(formatTime(later))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(later))
}
