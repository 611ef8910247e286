package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

func postgresMigrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE events (
				id TEXT PRIMARY KEY,
				source_system TEXT NOT NULL,
				type TEXT NOT NULL,
				payload JSONB NOT NULL DEFAULT '{}',
				idempotency_key TEXT NOT NULL DEFAULT '',
				received_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_events_idempotency_key ON events(idempotency_key) WHERE idempotency_key <> '';

			CREATE TABLE workflow_runs (
				run_id TEXT PRIMARY KEY,
				definition_id TEXT NOT NULL,
				definition_version INT NOT NULL,
				triggering_event_id TEXT NOT NULL,
				status VARCHAR(32) NOT NULL,
				current_step_index INT NOT NULL DEFAULT 0,
				had_failure BOOLEAN NOT NULL DEFAULT false,
				cancel_requested BOOLEAN NOT NULL DEFAULT false,
				context JSONB NOT NULL DEFAULT '{}',
				next_attempt_at TIMESTAMP WITH TIME ZONE,
				lease_owner TEXT NOT NULL DEFAULT '',
				lease_expires_at TIMESTAMP WITH TIME ZONE,
				error JSONB,
				version BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflow_runs_definition ON workflow_runs(definition_id, created_at);
			CREATE INDEX idx_workflow_runs_status ON workflow_runs(status, created_at);
		`,
		2: `
			CREATE TABLE step_executions (
				run_id TEXT NOT NULL REFERENCES workflow_runs(run_id) ON DELETE CASCADE,
				step_id TEXT NOT NULL,
				step_index INT NOT NULL,
				attempt INT NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE NOT NULL,
				outcome VARCHAR(16) NOT NULL,
				skipped BOOLEAN NOT NULL DEFAULT false,
				error_kind VARCHAR(32) NOT NULL DEFAULT '',
				error_detail TEXT NOT NULL DEFAULT '',
				output_key TEXT NOT NULL DEFAULT '',
				output JSONB,
				PRIMARY KEY (run_id, step_id, attempt)
			);

			CREATE INDEX idx_step_executions_order ON step_executions(run_id, step_index, attempt);
		`,
	}
}

// migrator applies numbered schema migrations in ascending order
type migrator struct {
	db         *sql.DB
	logger     zerolog.Logger
	migrations map[int]string
}

func (m *migrator) run(ctx context.Context) error {
	m.logger.Info().Msg("Starting database migrations")

	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var current int
	if err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to query current schema version: %w", err)
	}

	versions := make([]int, 0, len(m.migrations))
	for version := range m.migrations {
		versions = append(versions, version)
	}
	sort.Ints(versions)

	for _, version := range versions {
		if version <= current {
			continue
		}
		if err := m.apply(ctx, version, m.migrations[version]); err != nil {
			return err
		}
		current = version
	}

	m.logger.Info().Int("version", current).Msg("Database migrations completed")
	return nil
}

func (m *migrator) apply(ctx context.Context, version int, migration string) error {
	m.logger.Info().Int("version", version).Msg("Applying migration")

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
	}

	if _, err := tx.ExecContext(ctx, migration); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to execute migration %d: %w", version, err)
	}

	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to record migration %d: %w", version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", version, err)
	}

	return nil
}
