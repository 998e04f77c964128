// Package batch runs the detectors over households: the transfer detector
// first, then the recurring detector on what is left, then a duplicate
// collapse sweep. Households are processed concurrently with a bounded
// number of workers; one household's failures never stop the others.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/finance-patterns/internal/domain"
	"github.com/dvloznov/finance-patterns/internal/store"
)

// RecurringDetector is the part of recurring.Detector the coordinator uses.
type RecurringDetector interface {
	Detect(ctx context.Context, tx *domain.Transaction) (*domain.RecurringDetection, error)
}

// TransferDetector is the part of transfer.Detector the coordinator uses.
type TransferDetector interface {
	Detect(ctx context.Context, tx *domain.Transaction) (*domain.TransferDetection, error)
	CollapseDuplicates(ctx context.Context, householdID string) (int, error)
}

// Config controls batch sizing and household parallelism.
type Config struct {
	Workers   int
	BatchSize int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		BatchSize: 1000,
	}
}

// Failure records one transaction the coordinator could not classify.
type Failure struct {
	TransactionID string           `json:"transaction_id"`
	Stage         string           `json:"stage"`
	Kind          domain.ErrorKind `json:"kind,omitempty"`
	Error         string           `json:"error"`
}

// Report summarizes one household run.
type Report struct {
	HouseholdID      string        `json:"household_id"`
	TransferChecked  int           `json:"transfer_checked"`
	Transfers        int           `json:"transfers"`
	RecurringChecked int           `json:"recurring_checked"`
	Recurring        int           `json:"recurring"`
	Collapsed        int           `json:"collapsed"`
	Failures         []Failure     `json:"failures,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// Coordinator drives both detectors over the transaction feed.
type Coordinator struct {
	feed      store.TransactionFeed
	recurring RecurringDetector
	transfer  TransferDetector
	cfg       Config
	log       zerolog.Logger
}

// NewCoordinator creates a Coordinator. Non-positive config values fall back
// to the defaults.
func NewCoordinator(feed store.TransactionFeed, rd RecurringDetector, td TransferDetector, cfg Config, log zerolog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Coordinator{
		feed:      feed,
		recurring: rd,
		transfer:  td,
		cfg:       cfg,
		log:       log.With().Str("component", "batch").Logger(),
	}
}

// ProcessHousehold classifies the unclassified transactions of one household.
// Per-transaction failures are collected in the report. The returned error is
// reserved for failures that stop the run: listing the feed or cancellation.
func (c *Coordinator) ProcessHousehold(ctx context.Context, householdID string) (*Report, error) {
	start := time.Now()
	log := c.log.With().Str("household_id", householdID).Logger()
	report := &Report{HouseholdID: householdID}

	if err := c.runTransfers(ctx, report, log); err != nil {
		return report, err
	}
	if err := c.runRecurring(ctx, report, log); err != nil {
		return report, err
	}

	collapsed, err := c.transfer.CollapseDuplicates(ctx, householdID)
	report.Collapsed = collapsed
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}
		report.fail("", "collapse", err)
		log.Error().Err(err).Msg("Duplicate collapse failed")
	}

	report.Duration = time.Since(start)
	log.Info().
		Int("transfer_checked", report.TransferChecked).
		Int("transfers", report.Transfers).
		Int("recurring_checked", report.RecurringChecked).
		Int("recurring", report.Recurring).
		Int("collapsed", report.Collapsed).
		Int("failures", len(report.Failures)).
		Dur("duration", report.Duration).
		Msg("Household processed")
	return report, nil
}

func (c *Coordinator) runTransfers(ctx context.Context, report *Report, log zerolog.Logger) error {
	txs, err := c.feed.ListUnclassified(ctx, report.HouseholdID, store.VerdictTransfer, c.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("ProcessHousehold: list transfer candidates: %w", err)
	}
	for i := range txs {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &txs[i]
		report.TransferChecked++

		v, err := c.transfer.Detect(ctx, tx)
		if err != nil {
			report.fail(tx.ID, "transfer", err)
			log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Transfer detection failed")
			continue
		}
		if err := c.feed.SaveTransferFlags(ctx, tx.ID, v.Flags()); err != nil {
			err = domain.Persistence(tx.ID, err)
			report.fail(tx.ID, "transfer", err)
			log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Saving transfer flags failed")
			continue
		}
		if v.IsTransfer {
			report.Transfers++
		}
	}
	return nil
}

func (c *Coordinator) runRecurring(ctx context.Context, report *Report, log zerolog.Logger) error {
	txs, err := c.feed.ListUnclassified(ctx, report.HouseholdID, store.VerdictRecurring, c.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("ProcessHousehold: list recurring candidates: %w", err)
	}
	for i := range txs {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &txs[i]
		// Transfers and duplicates never count as recurring spend.
		if tx.FlaggedTransfer() {
			continue
		}
		report.RecurringChecked++

		v, err := c.recurring.Detect(ctx, tx)
		if err != nil {
			report.fail(tx.ID, "recurring", err)
			log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Recurring detection failed")
			continue
		}
		if err := c.feed.SaveRecurringFlags(ctx, tx.ID, v.Flags()); err != nil {
			err = domain.Persistence(tx.ID, err)
			report.fail(tx.ID, "recurring", err)
			log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Saving recurring flags failed")
			continue
		}
		if v.IsRecurring {
			report.Recurring++
		}
	}
	return nil
}

func (r *Report) fail(txID, stage string, err error) {
	r.Failures = append(r.Failures, Failure{
		TransactionID: txID,
		Stage:         stage,
		Kind:          domain.KindOf(err),
		Error:         err.Error(),
	})
}

// Run processes the given households, or every household of the feed when
// none are given, with at most Workers households in flight. Reports are
// returned in input order; households that failed outright are reported in
// the joined error and leave a partial report.
func (c *Coordinator) Run(ctx context.Context, householdIDs []string) ([]*Report, error) {
	if len(householdIDs) == 0 {
		ids, err := c.feed.ListHouseholds(ctx)
		if err != nil {
			return nil, fmt.Errorf("Run: list households: %w", err)
		}
		householdIDs = ids
	}

	reports := make([]*Report, len(householdIDs))
	errs := make([]error, len(householdIDs))

	var g errgroup.Group
	g.SetLimit(c.cfg.Workers)
	for i, id := range householdIDs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				reports[i] = &Report{HouseholdID: id}
				errs[i] = err
				return nil
			}
			report, err := c.ProcessHousehold(ctx, id)
			reports[i] = report
			if err != nil {
				errs[i] = fmt.Errorf("household %s: %w", id, err)
				c.log.Error().Err(err).Str("household_id", id).Msg("Household run failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	return reports, errors.Join(errs...)
}
