package bigquery

import (
	"context"
	"fmt"
)

// schemaStatements creates the dataset tables. Transactions are partitioned
// by booking day and clustered for the household scans the detectors run.
func schemaStatements(projectID, datasetID string) []string {
	return []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS `%s.%s`", projectID, datasetID),
		`CREATE TABLE IF NOT EXISTS ` + qualifiedTable(projectID, datasetID, transactionsTable) + ` (
			transaction_id        STRING NOT NULL,
			household_id          STRING NOT NULL,
			account_id            STRING,
			amount                NUMERIC NOT NULL,
			currency              STRING,
			transaction_date      DATE NOT NULL,
			booking_ts            TIMESTAMP NOT NULL,
			merchant_name         STRING,
			merchant_key          STRING,
			raw_description       STRING,
			is_recurring          BOOL,
			pattern_id            STRING,
			recurring_confidence  FLOAT64,
			recurring_explanation STRING,
			is_transfer           BOOL,
			transfer_type         STRING,
			paired_transaction_id STRING,
			transfer_confidence   FLOAT64,
			transfer_explanation  STRING,
			created_ts            TIMESTAMP NOT NULL,
			updated_ts            TIMESTAMP
		)
		PARTITION BY transaction_date
		CLUSTER BY household_id, merchant_key`,
		`CREATE TABLE IF NOT EXISTS ` + qualifiedTable(projectID, datasetID, patternsTable) + ` (
			pattern_id    STRING NOT NULL,
			household_id  STRING NOT NULL,
			merchant_name STRING NOT NULL,
			merchant_key  STRING NOT NULL,
			amount_bucket INT64 NOT NULL,
			amount        NUMERIC NOT NULL,
			cadence_days  FLOAT64 NOT NULL,
			pattern_type  STRING NOT NULL,
			confidence    FLOAT64 NOT NULL,
			next_due_date TIMESTAMP NOT NULL,
			last_seen     TIMESTAMP NOT NULL,
			is_active     BOOL NOT NULL,
			created_ts    TIMESTAMP NOT NULL,
			updated_ts    TIMESTAMP NOT NULL
		)
		CLUSTER BY household_id, merchant_key`,
		`CREATE TABLE IF NOT EXISTS ` + qualifiedTable(projectID, datasetID, matchesTable) + ` (
			match_id            STRING NOT NULL,
			household_id        STRING NOT NULL,
			from_transaction_id STRING NOT NULL,
			to_transaction_id   STRING NOT NULL,
			amount              NUMERIC NOT NULL,
			confidence          FLOAT64 NOT NULL,
			transfer_type       STRING NOT NULL,
			created_ts          TIMESTAMP NOT NULL
		)
		CLUSTER BY household_id`,
	}
}

// EnsureSchema creates the dataset and its tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.projectID, s.datasetID) {
		if _, err := s.exec(ctx, stmt, nil); err != nil {
			return fmt.Errorf("EnsureSchema: %w", err)
		}
	}
	return nil
}
