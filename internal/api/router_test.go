package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-patterns/internal/domain"
	"github.com/dvloznov/finance-patterns/internal/jobs"
	jobsmem "github.com/dvloznov/finance-patterns/internal/jobs/inmemory"
)

type fakeRecurring struct {
	gotDays int
	err     error
}

func (f *fakeRecurring) Upcoming(ctx context.Context, householdID string, days int) ([]domain.UpcomingPayment, error) {
	f.gotDays = days
	if f.err != nil {
		return nil, f.err
	}
	return []domain.UpcomingPayment{{
		PatternID:    "p1",
		MerchantName: "Acme Gym",
		Amount:       -50,
		PatternType:  domain.PatternMonthly,
		NextDueDate:  time.Date(2024, 4, 5, 0, 0, 0, 0, time.UTC),
		Confidence:   0.93,
	}}, nil
}

func (f *fakeRecurring) PriceChanges(ctx context.Context, householdID string) ([]domain.PriceChange, error) {
	return []domain.PriceChange{}, f.err
}

func (f *fakeRecurring) MissedPayments(ctx context.Context, householdID string) ([]domain.MissedPayment, error) {
	return []domain.MissedPayment{{PatternID: "p2", DaysOverdue: 14}}, f.err
}

type fakeTransfers struct{}

func (fakeTransfers) Statistics(ctx context.Context, householdID string, days int) (*domain.TransferStats, error) {
	return &domain.TransferStats{TotalTransfers: 2, DuplicateTransfers: 2, AvgConfidence: 0.97}, nil
}

type testEnv struct {
	router    http.Handler
	recurring *fakeRecurring
	jobs      *jobsmem.Store
	queue     *jobsmem.Queue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := jobsmem.NewStore()
	queue := jobsmem.NewQueue(10, store)
	t.Cleanup(func() { _ = queue.Close() })
	rec := &fakeRecurring{}
	return &testEnv{
		router: NewRouter(Deps{
			Recurring: rec,
			Transfers: fakeTransfers{},
			Publisher: queue,
			Jobs:      store,
			Log:       zerolog.Nop(),
		}),
		recurring: rec,
		jobs:      store,
		queue:     queue,
	}
}

func (e *testEnv) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestUpcoming(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/api/households/h1/recurring/upcoming?days=14")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 14, env.recurring.gotDays)
	assert.Equal(t, float64(1), body["count"])
	upcoming := body["upcoming"].([]any)
	assert.Equal(t, "Acme Gym", upcoming[0].(map[string]any)["merchant_name"])

	_, _ = env.do(t, http.MethodGet, "/api/households/h1/recurring/upcoming")
	assert.Equal(t, 30, env.recurring.gotDays, "defaults to 30 days")
}

func TestUpcoming_BadDays(t *testing.T) {
	env := newTestEnv(t)
	for _, q := range []string{"abc", "0", "400"} {
		rec, body := env.do(t, http.MethodGet, "/api/households/h1/recurring/upcoming?days="+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Contains(t, body["error"], "days")
	}
}

func TestRecurringReadError(t *testing.T) {
	env := newTestEnv(t)
	env.recurring.err = errors.New("store down")

	rec, body := env.do(t, http.MethodGet, "/api/households/h1/recurring/missed")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to list missed payments", body["error"])
}

func TestPriceChangesAndMissed(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/api/households/h1/recurring/price-changes")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["count"])
	assert.NotNil(t, body["price_changes"], "empty list, not null")

	rec, body = env.do(t, http.MethodGet, "/api/households/h1/recurring/missed")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
}

func TestTransferStats(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodGet, "/api/households/h1/transfers/stats?days=7")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["total_transfers"])
	assert.Equal(t, float64(2), body["duplicate_transfers"])
}

func TestDetectAndJobStatus(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/households/h1/detect")
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "h1", body["household_id"])
	assert.Equal(t, string(jobs.JobStatusPending), body["status"])

	rec, body = env.do(t, http.MethodGet, "/api/jobs/"+jobID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "h1", body["household_id"])

	rec, body = env.do(t, http.MethodGet, "/api/jobs?household_id=h1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	rec, _ = env.do(t, http.MethodGet, "/api/jobs/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDetect_QueueClosed(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.queue.Close())

	rec, _ := env.do(t, http.MethodPost, "/api/households/h1/detect")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	rec, _ := env.do(t, http.MethodOptions, "/api/households/h1/detect")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecovery(t *testing.T) {
	env := newTestEnv(t)
	env.router = NewRouter(Deps{
		Recurring: nil,
		Transfers: fakeTransfers{},
		Publisher: env.queue,
		Jobs:      env.jobs,
		Log:       zerolog.Nop(),
	})

	rec, body := env.do(t, http.MethodGet, "/api/households/h1/recurring/missed")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", body["error"])
}
