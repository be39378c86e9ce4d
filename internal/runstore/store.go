// Package runstore persists finished workflow runs and their per-step
// outcomes to PostgreSQL. The archive is optional: a disabled config
// yields no store at all and the engine simply skips persistence.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/webpilot-ai/webpilot/api/schemas"
	"github.com/webpilot-ai/webpilot/internal/config"
	"go.uber.org/zap"
)

const (
	// connectTimeout bounds the startup ping and schema bootstrap so a
	// hung database cannot stall service startup indefinitely.
	connectTimeout = 10 * time.Second

	defaultRecentLimit = 20
	maxRecentLimit     = 100
)

// DBPool abstracts pgxpool.Pool so the archive can be tested against a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// schemaStatements are executed in order at startup. Every statement is
// idempotent, so restarting against an initialized database is a no-op.
var schemaStatements = []string{
	`
        CREATE TABLE IF NOT EXISTS workflow_runs (
            run_id           TEXT PRIMARY KEY,
            app_name         TEXT NOT NULL,
            task_name        TEXT NOT NULL,
            task_query       TEXT NOT NULL,
            success          BOOLEAN NOT NULL,
            steps_completed  INTEGER NOT NULL,
            screenshot_count INTEGER NOT NULL,
            error            TEXT NOT NULL DEFAULT '',
            final_url        TEXT NOT NULL DEFAULT '',
            started_at       TIMESTAMPTZ NOT NULL,
            finished_at      TIMESTAMPTZ NOT NULL
        );
    `,
	`
        CREATE TABLE IF NOT EXISTS workflow_steps (
            run_id      TEXT NOT NULL REFERENCES workflow_runs(run_id) ON DELETE CASCADE,
            step_index  INTEGER NOT NULL,
            action_type TEXT NOT NULL,
            selector    TEXT NOT NULL,
            description TEXT NOT NULL,
            success     BOOLEAN NOT NULL,
            tier_used   TEXT NOT NULL,
            attempts    INTEGER NOT NULL,
            error       TEXT NOT NULL DEFAULT '',
            recorded_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (run_id, step_index)
        );
    `,
	`CREATE INDEX IF NOT EXISTS workflow_runs_started_at_idx ON workflow_runs (started_at DESC);`,
}

// Store is the PostgreSQL run archive. It satisfies workflow.RunArchive.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// Open connects to PostgreSQL per the run store configuration. A disabled
// archive returns a nil store and no error; callers treat a nil store as
// "do not persist".
func Open(ctx context.Context, cfg config.RunStoreConfig, logger *zap.Logger) (*Store, error) {
	if !cfg.Enabled || cfg.URL == "" {
		logger.Debug("Run archive disabled, workflow runs will not be persisted.")
		return nil, nil
	}

	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	bootCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	store, err := New(bootCtx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("Run archive connected, workflow runs will be persisted.")
	return store, nil
}

// New creates the archive over an existing pool, verifies the connection
// and ensures the schema exists.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		pool: pool,
		log:  logger.Named("runstore"),
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure archive schema: %w", err)
		}
	}
	return nil
}

// ArchiveRun writes the run summary and its step records in one
// transaction. Either everything lands or nothing does.
func (s *Store) ArchiveRun(ctx context.Context, run schemas.WorkflowRun, steps []schemas.StepRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit reports ErrTxClosed, which is
		// not a failure.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction.", zap.Error(rollbackErr))
		}
	}()

	if err := s.insertRun(ctx, tx, run); err != nil {
		return err
	}
	if len(steps) > 0 {
		if err := s.insertSteps(ctx, tx, run.RunID, steps); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) insertRun(ctx context.Context, tx pgx.Tx, run schemas.WorkflowRun) error {
	sql := `
        INSERT INTO workflow_runs (run_id, app_name, task_name, task_query, success, steps_completed, screenshot_count, error, final_url, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
    `
	// Timestamps go in as UTC so rows compare cleanly regardless of the
	// host timezone.
	_, err := tx.Exec(ctx, sql,
		run.RunID, run.AppName, run.TaskName, run.TaskQuery,
		run.Success, run.StepsCompleted, run.ScreenshotCnt,
		run.Error, run.FinalURL,
		run.StartedAt.UTC(), run.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert workflow run: %w", err)
	}
	return nil
}

func (s *Store) insertSteps(ctx context.Context, tx pgx.Tx, runID string, steps []schemas.StepRecord) error {
	rows := make([][]any, len(steps))
	for i, st := range steps {
		rows[i] = []any{
			runID, st.StepIndex, st.ActionType, st.Selector, st.Description,
			st.Success, string(st.Tier), st.Attempts, st.Err,
			st.RecordedAt.UTC(),
		}
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"workflow_steps"},
		[]string{"run_id", "step_index", "action_type", "selector", "description", "success", "tier_used", "attempts", "error", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy step records: %w", err)
	}
	if int(copyCount) != len(steps) {
		return fmt.Errorf("mismatch in copied step count: expected %d, got %d", len(steps), copyCount)
	}
	return nil
}

// RecentRuns returns the newest runs first, optionally filtered by app
// name. An empty appName matches every app.
func (s *Store) RecentRuns(ctx context.Context, appName string, limit int) ([]schemas.WorkflowRun, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	query := `
        SELECT run_id, app_name, task_name, task_query, success, steps_completed, screenshot_count, error, final_url, started_at, finished_at
        FROM workflow_runs
        WHERE ($1 = '' OR app_name = $1)
        ORDER BY started_at DESC
        LIMIT $2;
    `
	rows, err := s.pool.Query(ctx, query, appName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow runs: %w", err)
	}
	defer rows.Close()

	var runs []schemas.WorkflowRun
	for rows.Next() {
		var r schemas.WorkflowRun
		err := rows.Scan(
			&r.RunID, &r.AppName, &r.TaskName, &r.TaskQuery,
			&r.Success, &r.StepsCompleted, &r.ScreenshotCnt,
			&r.Error, &r.FinalURL, &r.StartedAt, &r.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

// RunSteps returns the step records of one run in execution order.
func (s *Store) RunSteps(ctx context.Context, runID string) ([]schemas.StepRecord, error) {
	query := `
        SELECT step_index, action_type, selector, description, success, tier_used, attempts, error, recorded_at
        FROM workflow_steps
        WHERE run_id = $1
        ORDER BY step_index ASC;
    `
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step records: %w", err)
	}
	defer rows.Close()

	var steps []schemas.StepRecord
	for rows.Next() {
		var rec schemas.StepRecord
		var tierStr string
		err := rows.Scan(
			&rec.StepIndex, &rec.ActionType, &rec.Selector, &rec.Description,
			&rec.Success, &tierStr, &rec.Attempts, &rec.Err, &rec.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		rec.Tier = schemas.Tier(tierStr)
		rec.RunID = runID
		steps = append(steps, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return steps, nil
}
