// Package app assembles the store, cache, detectors and job queue described
// by a config.Config. The binaries share it so they wire things identically.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-patterns/internal/batch"
	"github.com/dvloznov/finance-patterns/internal/cache"
	rediscache "github.com/dvloznov/finance-patterns/internal/cache/redis"
	"github.com/dvloznov/finance-patterns/internal/config"
	infraBQ "github.com/dvloznov/finance-patterns/internal/infra/bigquery"
	"github.com/dvloznov/finance-patterns/internal/jobs"
	jobsmem "github.com/dvloznov/finance-patterns/internal/jobs/inmemory"
	"github.com/dvloznov/finance-patterns/internal/keylock"
	"github.com/dvloznov/finance-patterns/internal/recurring"
	"github.com/dvloznov/finance-patterns/internal/store"
	"github.com/dvloznov/finance-patterns/internal/store/inmemory"
	"github.com/dvloznov/finance-patterns/internal/store/sqlite"
	"github.com/dvloznov/finance-patterns/internal/transfer"
)

// App holds the wired components of one process.
type App struct {
	Config      *config.Config
	Log         zerolog.Logger
	Store       store.Store
	Cache       cache.Cache
	Recurring   *recurring.Detector
	Transfers   *transfer.Detector
	Coordinator *batch.Coordinator
	Jobs        *jobsmem.Store
	Queue       *jobsmem.Queue

	closers []func() error
}

// New opens the configured backends and builds the detectors on top of them.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	st, err := OpenStore(ctx, &cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}

	c, closeCache, err := OpenCache(ctx, &cfg.Cache)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("New: %w", err)
	}

	rd := recurring.NewDetector(st, cfg.Recurring.RecurringDetector(),
		recurring.WithCache(c),
		recurring.WithLocks(keylock.New()),
		recurring.WithLogger(log),
	)
	td := transfer.NewDetector(st, cfg.Transfer.TransferDetector(),
		transfer.WithCache(c),
		transfer.WithLogger(log),
	)

	jobStore := jobsmem.NewStore()
	queue := jobsmem.NewQueue(cfg.Batch.QueueSize, jobStore,
		jobsmem.WithWorkers(cfg.Batch.Workers),
		jobsmem.WithLogger(log),
	)

	a := &App{
		Config:      cfg,
		Log:         log,
		Store:       st,
		Cache:       c,
		Recurring:   rd,
		Transfers:   td,
		Coordinator: batch.NewCoordinator(st, rd, td, cfg.Batch.Coordinator(), log),
		Jobs:        jobStore,
		Queue:       queue,
	}
	a.closers = append(a.closers, queue.Close, closeCache, st.Close)

	log.Info().
		Str("store", cfg.Store.Backend).
		Str("cache", cfg.Cache.Backend).
		Int("workers", cfg.Batch.Workers).
		Msg("Application wired")
	return a, nil
}

// OpenStore opens the persistence backend named by cfg.Backend.
func OpenStore(ctx context.Context, cfg *config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.StoreMemory:
		return inmemory.NewStore(), nil
	case config.StoreSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("OpenStore: %w", err)
		}
		return st, nil
	case config.StoreBigQuery:
		st, err := infraBQ.New(ctx, cfg.ProjectID, cfg.Dataset)
		if err != nil {
			return nil, fmt.Errorf("OpenStore: %w", err)
		}
		return st, nil
	}
	return nil, fmt.Errorf("OpenStore: unknown backend %q", cfg.Backend)
}

// OpenCache builds the verdict cache named by cfg.Backend. The returned
// close function is never nil.
func OpenCache(ctx context.Context, cfg *config.CacheConfig) (cache.Cache, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case config.CacheNone:
		return cache.Nop{}, noop, nil
	case config.CacheMemory:
		return cache.NewMemory(), noop, nil
	case config.CacheRedis:
		c, err := rediscache.New(ctx, rediscache.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.Prefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("OpenCache: %w", err)
		}
		return c, c.Close, nil
	}
	return nil, nil, fmt.Errorf("OpenCache: unknown backend %q", cfg.Backend)
}

// HandleJob is the jobs.JobHandler of the worker pool: it runs the
// coordinator over the job's household and records a summary on the job.
func (a *App) HandleJob(ctx context.Context, job *jobs.HouseholdJob) error {
	report, err := a.Coordinator.ProcessHousehold(ctx, job.HouseholdID)
	if report != nil {
		job.Result = &jobs.Result{
			TransfersFlagged: report.Transfers,
			RecurringFlagged: report.Recurring,
			Collapsed:        report.Collapsed,
			Failures:         len(report.Failures),
		}
	}
	if err != nil {
		return fmt.Errorf("HandleJob: household %s: %w", job.HouseholdID, err)
	}
	return nil
}

// ScheduleAll publishes a job for every household that has no job waiting or
// running. It returns the number of jobs published.
func (a *App) ScheduleAll(ctx context.Context) (int, error) {
	households, err := a.Store.ListHouseholds(ctx)
	if err != nil {
		return 0, fmt.Errorf("ScheduleAll: list households: %w", err)
	}

	published := 0
	var errs []error
	for _, h := range households {
		busy, err := a.hasActiveJob(ctx, h)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if busy {
			a.Log.Debug().Str("household_id", h).Msg("Household already queued, skipping")
			continue
		}
		job := &jobs.HouseholdJob{HouseholdID: h, MaxRetries: a.Config.Batch.MaxRetries}
		if err := a.Queue.PublishHousehold(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", h, err))
			continue
		}
		published++
	}
	if len(errs) > 0 {
		return published, fmt.Errorf("ScheduleAll: %w", errors.Join(errs...))
	}
	return published, nil
}

func (a *App) hasActiveJob(ctx context.Context, householdID string) (bool, error) {
	for _, status := range []jobs.JobStatus{jobs.JobStatusPending, jobs.JobStatusRunning, jobs.JobStatusRetrying} {
		found, err := a.Jobs.ListJobs(ctx, jobs.JobFilter{HouseholdID: householdID, Status: status, Limit: 1})
		if err != nil {
			return false, fmt.Errorf("list jobs for %s: %w", householdID, err)
		}
		if len(found) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// RunScheduler calls ScheduleAll immediately and then every interval until
// ctx is done.
func (a *App) RunScheduler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := a.ScheduleAll(ctx)
		if err != nil {
			a.Log.Error().Err(err).Msg("Scheduling households failed")
		} else {
			a.Log.Info().Int("jobs", n).Msg("Households scheduled")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops the queue and releases the cache and store.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
