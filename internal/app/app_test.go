package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-patterns/internal/cache"
	"github.com/dvloznov/finance-patterns/internal/config"
	"github.com/dvloznov/finance-patterns/internal/domain"
	"github.com/dvloznov/finance-patterns/internal/jobs"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.Backend = config.StoreMemory
	cfg.Cache.Backend = config.CacheMemory
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func seed(t *testing.T, a *App, household string) {
	t.Helper()
	at := func(m time.Month, d int) time.Time { return time.Date(2024, m, d, 10, 0, 0, 0, time.UTC) }
	txs := []domain.Transaction{
		{ID: household + "-gym1", HouseholdID: household, AccountID: "acc-1", Amount: -50, Date: at(1, 5), MerchantName: "Acme Gym"},
		{ID: household + "-gym2", HouseholdID: household, AccountID: "acc-1", Amount: -50, Date: at(2, 5), MerchantName: "Acme Gym"},
		{ID: household + "-gym3", HouseholdID: household, AccountID: "acc-1", Amount: -50, Date: at(3, 5), MerchantName: "Acme Gym"},
		{ID: household + "-out", HouseholdID: household, AccountID: "checking", Amount: -200, Date: at(3, 10)},
		{ID: household + "-in", HouseholdID: household, AccountID: "savings", Amount: 200, Date: at(3, 10).Add(5 * time.Minute)},
	}
	require.NoError(t, a.Store.InsertTransactions(context.Background(), txs))
}

func TestHandleJob(t *testing.T) {
	a := newTestApp(t, memoryConfig())
	seed(t, a, "h1")

	job := &jobs.HouseholdJob{JobID: "j1", HouseholdID: "h1"}
	require.NoError(t, a.HandleJob(context.Background(), job))
	require.NotNil(t, job.Result)
	assert.Equal(t, 2, job.Result.TransfersFlagged)
	assert.Equal(t, 3, job.Result.RecurringFlagged)
	assert.Zero(t, job.Result.Failures)

	patterns, err := a.Store.ListActivePatterns(context.Background(), "h1")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, domain.PatternMonthly, patterns[0].PatternType)
}

func TestHandleJob_Cancelled(t *testing.T) {
	a := newTestApp(t, memoryConfig())
	seed(t, a, "h1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.HandleJob(ctx, &jobs.HouseholdJob{JobID: "j1", HouseholdID: "h1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScheduleAll_SkipsQueuedHouseholds(t *testing.T) {
	a := newTestApp(t, memoryConfig())
	seed(t, a, "h1")
	seed(t, a, "h2")
	ctx := context.Background()

	n, err := a.ScheduleAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Nothing consumes the queue, so both jobs are still pending.
	n, err = a.ScheduleAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	queued, err := a.Jobs.ListJobs(ctx, jobs.JobFilter{Status: jobs.JobStatusPending})
	require.NoError(t, err)
	assert.Len(t, queued, 2)
	assert.Equal(t, a.Config.Batch.MaxRetries, queued[0].MaxRetries)
}

func TestWorkerProcessesScheduledJobs(t *testing.T) {
	a := newTestApp(t, memoryConfig())
	seed(t, a, "h1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Queue.Start(ctx, a.HandleJob))
	_, err := a.ScheduleAll(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		done, err := a.Jobs.ListJobs(ctx, jobs.JobFilter{HouseholdID: "h1", Status: jobs.JobStatusCompleted})
		return err == nil && len(done) == 1 && done[0].Result != nil && done[0].Result.RecurringFlagged == 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	st, err := OpenStore(ctx, &config.StoreConfig{Backend: config.StoreSQLite, SQLitePath: filepath.Join(t.TempDir(), "p.db")})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = OpenStore(ctx, &config.StoreConfig{Backend: "postgres"})
	assert.ErrorContains(t, err, "unknown backend")
}

func TestOpenCache(t *testing.T) {
	ctx := context.Background()

	c, closeFn, err := OpenCache(ctx, &config.CacheConfig{Backend: config.CacheNone})
	require.NoError(t, err)
	assert.IsType(t, cache.Nop{}, c)
	assert.NoError(t, closeFn())

	mr := miniredis.RunT(t)
	c, closeFn, err = OpenCache(ctx, &config.CacheConfig{Backend: config.CacheRedis, RedisAddr: mr.Addr(), Prefix: "t:"})
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	assert.True(t, mr.Exists("t:k"))
	assert.NoError(t, closeFn())

	_, _, err = OpenCache(ctx, &config.CacheConfig{Backend: "memcached"})
	assert.ErrorContains(t, err, "unknown backend")
}
