package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/sicko7947/hubflow"
)

const uniqueViolation = "23505"

const runColumns = `run_id, definition_id, definition_version, triggering_event_id, status,
	current_step_index, had_failure, cancel_requested, context, next_attempt_at,
	lease_owner, lease_expires_at, error, version, created_at, updated_at, completed_at`

const executionColumns = `run_id, step_id, step_index, attempt, started_at, finished_at,
	outcome, skipped, error_kind, error_detail, output_key, output`

// PostgresStore implements hubflow.Store on PostgreSQL through lib/pq
type PostgresStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewPostgresStore connects to databaseURL and applies pending migrations
func NewPostgresStore(ctx context.Context, databaseURL string, logger zerolog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	m := &migrator{db: db, logger: logger, migrations: postgresMigrations()}
	if err := m.run(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db, logger: logger}, nil
}

var _ hubflow.Store = (*PostgresStore)(nil)

// Close closes the database connection
func (s *PostgresStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

// Ping verifies the database connection is healthy
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping database", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return hubflow.ToPtr(t.Time)
}

// nullJSON marshals v, mapping nil to SQL NULL
func nullJSON(v any, isNil bool) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Event operations

func (s *PostgresStore) CreateEvent(ctx context.Context, event *hubflow.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, source_system, type, payload, idempotency_key, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.SourceSystem, event.Type, payload, event.IdempotencyKey, event.ReceivedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return hubflow.NewPersistenceError(hubflow.KindAlreadyExists, fmt.Sprintf("event %s already exists", event.ID), nil)
		}
		return unavailable("create event", err)
	}

	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, eventID string) (*hubflow.Event, error) {
	var (
		event   hubflow.Event
		payload []byte
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_system, type, payload, idempotency_key, received_at
		FROM events WHERE id = $1`, eventID,
	).Scan(&event.ID, &event.SourceSystem, &event.Type, &payload, &event.IdempotencyKey, &event.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("event", eventID)
	}
	if err != nil {
		return nil, unavailable("get event", err)
	}

	if err := json.Unmarshal(payload, &event.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
	}

	return &event, nil
}

// Workflow run operations

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*hubflow.WorkflowRun, error) {
	var (
		run                                      hubflow.WorkflowRun
		status                                   string
		contextJSON, errorJSON                   []byte
		nextAttemptAt, leaseExpiresAt, completed sql.NullTime
	)

	err := row.Scan(
		&run.RunID, &run.DefinitionID, &run.DefinitionVersion, &run.TriggerEventID, &status,
		&run.CurrentStepIndex, &run.HadFailure, &run.CancelRequested, &contextJSON, &nextAttemptAt,
		&run.LeaseOwner, &leaseExpiresAt, &errorJSON, &run.Version, &run.CreatedAt, &run.UpdatedAt, &completed,
	)
	if err != nil {
		return nil, err
	}

	run.Status = hubflow.RunStatus(status)
	run.NextAttemptAt = timePtr(nextAttemptAt)
	run.LeaseExpiresAt = timePtr(leaseExpiresAt)
	run.CompletedAt = timePtr(completed)

	run.Context = hubflow.NewRunContext()
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, run.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run context: %w", err)
		}
	}
	if len(errorJSON) > 0 {
		run.Error = &hubflow.WorkflowError{}
		if err := json.Unmarshal(errorJSON, run.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run error: %w", err)
		}
	}

	return &run, nil
}

func runArgs(run *hubflow.WorkflowRun) ([]any, error) {
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run context: %w", err)
	}
	errorJSON, err := nullJSON(run.Error, run.Error == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run error: %w", err)
	}

	return []any{
		run.RunID, run.DefinitionID, run.DefinitionVersion, run.TriggerEventID, string(run.Status),
		run.CurrentStepIndex, run.HadFailure, run.CancelRequested, contextJSON, nullTime(run.NextAttemptAt),
		run.LeaseOwner, nullTime(run.LeaseExpiresAt), errorJSON, run.Version, run.CreatedAt, run.UpdatedAt,
		nullTime(run.CompletedAt),
	}, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *hubflow.WorkflowRun) error {
	args, err := runArgs(run)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		args...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return hubflow.NewPersistenceError(hubflow.KindAlreadyExists, fmt.Sprintf("workflow run %s already exists", run.RunID), nil)
		}
		return unavailable("create workflow run", err)
	}

	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*hubflow.WorkflowRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE run_id = $1`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workflow run", runID)
	}
	if err != nil {
		return nil, unavailable("get workflow run", err)
	}
	return run, nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *hubflow.WorkflowRun) error {
	args, err := runArgs(run)
	if err != nil {
		return err
	}

	// $14 is the version the caller read
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET
			definition_id = $2, definition_version = $3, triggering_event_id = $4, status = $5,
			current_step_index = $6, had_failure = $7, cancel_requested = $8, context = $9,
			next_attempt_at = $10, lease_owner = $11, lease_expires_at = $12, error = $13,
			version = version + 1, created_at = $15, updated_at = $16, completed_at = $17
		WHERE run_id = $1 AND version = $14`,
		args...,
	)
	if err != nil {
		return unavailable("update workflow run", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return unavailable("update workflow run", err)
	}
	if affected == 0 {
		if _, err := s.GetRun(ctx, run.RunID); err != nil {
			return err
		}
		return hubflow.NewPersistenceError(hubflow.KindConcurrentUpdate,
			fmt.Sprintf("workflow run %s: expected version %d", run.RunID, run.Version), nil)
	}

	run.Version++
	return nil
}

func (s *PostgresStore) queryRuns(ctx context.Context, query string, args ...any) ([]*hubflow.WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query workflow runs", err)
	}
	defer rows.Close()

	runs := make([]*hubflow.WorkflowRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, unavailable("scan workflow run", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate workflow runs", err)
	}

	return runs, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter hubflow.RunFilter) ([]*hubflow.WorkflowRun, error) {
	var (
		conditions []string
		args       []any
	)

	if filter.DefinitionID != "" {
		args = append(args, filter.DefinitionID)
		conditions = append(conditions, fmt.Sprintf("definition_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.CompletedBefore != nil {
		args = append(args, *filter.CompletedBefore)
		conditions = append(conditions, fmt.Sprintf("completed_at IS NOT NULL AND completed_at < $%d", len(args)))
	}

	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return s.queryRuns(ctx, query, args...)
}

func (s *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	// Step executions go with the run through ON DELETE CASCADE
	result, err := s.db.ExecContext(ctx, `DELETE FROM workflow_runs WHERE run_id = $1`, runID)
	if err != nil {
		return unavailable("delete workflow run", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return unavailable("delete workflow run", err)
	}
	if affected == 0 {
		return notFound("workflow run", runID)
	}

	return nil
}

// Step execution operations

func scanExecution(row rowScanner) (*hubflow.StepExecution, error) {
	var (
		exec               hubflow.StepExecution
		outcome, errorKind string
		output             []byte
	)

	err := row.Scan(
		&exec.RunID, &exec.StepID, &exec.StepIndex, &exec.Attempt, &exec.StartedAt, &exec.FinishedAt,
		&outcome, &exec.Skipped, &errorKind, &exec.ErrorDetail, &exec.OutputKey, &output,
	)
	if err != nil {
		return nil, err
	}

	exec.Outcome = hubflow.StepOutcome(outcome)
	exec.ErrorKind = hubflow.ErrorKind(errorKind)
	if len(output) > 0 {
		if err := json.Unmarshal(output, &exec.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step output: %w", err)
		}
	}

	return &exec, nil
}

func (s *PostgresStore) AppendStepExecution(ctx context.Context, exec *hubflow.StepExecution) error {
	output, err := nullJSON(exec.Output, exec.Output == nil)
	if err != nil {
		return fmt.Errorf("failed to marshal step output: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin append step execution", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The share lock holds off a terminal UpdateRun until this insert commits
	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM workflow_runs WHERE run_id = $1 FOR SHARE`, exec.RunID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("workflow run", exec.RunID)
	}
	if err != nil {
		return unavailable("lock workflow run", err)
	}

	inserted := false
	if !hubflow.RunStatus(status).IsTerminal() {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO step_executions (`+executionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (run_id, step_id, attempt) DO NOTHING`,
			exec.RunID, exec.StepID, exec.StepIndex, exec.Attempt, exec.StartedAt, exec.FinishedAt,
			string(exec.Outcome), exec.Skipped, string(exec.ErrorKind), exec.ErrorDetail, exec.OutputKey, output,
		)
		if err != nil {
			return unavailable("append step execution", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return unavailable("append step execution", err)
		}
		inserted = affected == 1
	}

	if !inserted {
		existing, err := scanExecution(tx.QueryRowContext(ctx, `
			SELECT `+executionColumns+` FROM step_executions
			WHERE run_id = $1 AND step_id = $2 AND attempt = $3`,
			exec.RunID, exec.StepID, exec.Attempt,
		))
		switch {
		case err == nil:
			if !existing.SameRecord(exec) {
				return hubflow.NewPersistenceError(hubflow.KindDuplicateAttempt,
					fmt.Sprintf("step execution %s/%s attempt %d already recorded", exec.RunID, exec.StepID, exec.Attempt), nil)
			}
		case errors.Is(err, sql.ErrNoRows):
			return hubflow.NewPersistenceError(hubflow.KindRunTerminal, fmt.Sprintf("workflow run %s is %s", exec.RunID, status), nil)
		default:
			return unavailable("get step execution", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit step execution", err)
	}
	return nil
}

func (s *PostgresStore) ListStepExecutions(ctx context.Context, runID string) ([]*hubflow.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM step_executions
		WHERE run_id = $1
		ORDER BY step_index, attempt`, runID)
	if err != nil {
		return nil, unavailable("list step executions", err)
	}
	defer rows.Close()

	executions := make([]*hubflow.StepExecution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, unavailable("scan step execution", err)
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate step executions", err)
	}

	return executions, nil
}

// Lease operations

func (s *PostgresStore) AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration, now time.Time) (*hubflow.WorkflowRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `
		UPDATE workflow_runs SET
			lease_owner = $2, lease_expires_at = $3, updated_at = $4, version = version + 1
		WHERE run_id = $1
			AND status NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED')
			AND (lease_owner = '' OR lease_owner = $2 OR lease_expires_at IS NULL OR lease_expires_at <= $4)
		RETURNING `+runColumns,
		runID, owner, now.Add(ttl), now,
	))
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable("acquire lease", err)
	}

	current, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, hubflow.NewPersistenceError(hubflow.KindRunTerminal, fmt.Sprintf("workflow run %s is %s", runID, current.Status), nil)
	}
	return nil, hubflow.NewPersistenceError(hubflow.KindLeaseConflict,
		fmt.Sprintf("workflow run %s leased by %s", runID, current.LeaseOwner), nil)
}

func (s *PostgresStore) ListClaimable(ctx context.Context, now time.Time, limit int) ([]*hubflow.WorkflowRun, error) {
	query := `
		SELECT ` + runColumns + ` FROM workflow_runs
		WHERE status IN ('PENDING', 'WAITING_RETRY', 'RUNNING')
			AND (lease_owner = '' OR lease_expires_at IS NULL OR lease_expires_at <= $1)
			AND (status <> 'WAITING_RETRY' OR next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY created_at`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	return s.queryRuns(ctx, query, args...)
}
