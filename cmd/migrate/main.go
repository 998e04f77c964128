package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-patterns/internal/config"
	infraBQ "github.com/dvloznov/finance-patterns/internal/infra/bigquery"
	"github.com/dvloznov/finance-patterns/internal/logger"
	"github.com/dvloznov/finance-patterns/internal/store/sqlite"
)

// options selects the schema to migrate. Empty flags fall back to the
// loaded configuration.
type options struct {
	Backend    string
	SQLitePath string
	ProjectID  string
	Dataset    string
	StatusOnly bool
}

func (o *options) Validate() error {
	return validation.ValidateStruct(o,
		validation.Field(&o.Backend, validation.Required, validation.In(config.StoreSQLite, config.StoreBigQuery)),
		validation.Field(&o.SQLitePath, validation.When(o.Backend == config.StoreSQLite, validation.Required)),
		validation.Field(&o.ProjectID, validation.When(o.Backend == config.StoreBigQuery, validation.Required)),
		validation.Field(&o.Dataset, validation.When(o.Backend == config.StoreBigQuery, validation.Required)),
	)
}

// withDefaults fills unset options from cfg.
func (o options) withDefaults(cfg *config.StoreConfig) options {
	if o.Backend == "" {
		o.Backend = cfg.Backend
	}
	if o.SQLitePath == "" {
		o.SQLitePath = cfg.SQLitePath
	}
	if o.ProjectID == "" {
		o.ProjectID = cfg.ProjectID
	}
	if o.Dataset == "" {
		o.Dataset = cfg.Dataset
	}
	return o
}

func run(ctx context.Context, o options, log zerolog.Logger) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	switch o.Backend {
	case config.StoreSQLite:
		log = log.With().Str("path", o.SQLitePath).Logger()
		if !o.StatusOnly {
			if err := sqlite.Migrate(o.SQLitePath); err != nil {
				return err
			}
		}
		version, dirty, err := sqlite.MigrationVersion(o.SQLitePath)
		if err != nil {
			return err
		}
		if dirty {
			return fmt.Errorf("schema version %d is dirty, fix it manually before migrating", version)
		}
		log.Info().Uint("version", version).Msg("SQLite schema is up to date")

	case config.StoreBigQuery:
		log = log.With().Str("project", o.ProjectID).Str("dataset", o.Dataset).Logger()
		if o.StatusOnly {
			log.Info().Msg("BigQuery schema is created idempotently; nothing to report")
			return nil
		}
		st, err := infraBQ.New(ctx, o.ProjectID, o.Dataset)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.EnsureSchema(ctx); err != nil {
			return err
		}
		log.Info().Msg("BigQuery dataset and tables are in place")
	}
	return nil
}

func main() {
	var o options
	flag.StringVar(&o.Backend, "backend", "", "Store backend to migrate: sqlite or bigquery (defaults to config)")
	flag.StringVar(&o.SQLitePath, "sqlite-path", "", "SQLite database file")
	flag.StringVar(&o.ProjectID, "project", "", "GCP project ID")
	flag.StringVar(&o.Dataset, "dataset", "", "BigQuery dataset ID")
	flag.BoolVar(&o.StatusOnly, "status", false, "Only report the applied schema version")
	flag.Parse()

	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := run(ctx, o.withDefaults(&cfg.Store), log); err != nil {
		log.Error().Err(err).Msg("Migration failed")
		cancel()
		os.Exit(1)
	}
}
