package runstore

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webpilot-ai/webpilot/api/schemas"
	"github.com/webpilot-ai/webpilot/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more
// robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

// utcTime matches a time.Time argument that carries the wanted instant and has
// been normalized to UTC.
func utcTime(want time.Time) ArgumentMatcherFunc {
	return func(v interface{}) bool {
		ts, ok := v.(time.Time)
		return ok && ts.Equal(want) && ts.Location() == time.UTC
	}
}

const (
	sqlInsertRun = `
        INSERT INTO workflow_runs (run_id, app_name, task_name, task_query, success, steps_completed, screenshot_count, error, final_url, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
    `
	sqlSelectRuns = `
        SELECT run_id, app_name, task_name, task_query, success, steps_completed, screenshot_count, error, final_url, started_at, finished_at
        FROM workflow_runs
        WHERE ($1 = '' OR app_name = $1)
        ORDER BY started_at DESC
        LIMIT $2;
    `
	sqlSelectSteps = `
        SELECT step_index, action_type, selector, description, success, tier_used, attempts, error, recorded_at
        FROM workflow_steps
        WHERE run_id = $1
        ORDER BY step_index ASC;
    `
)

var (
	runColumns = []string{"run_id", "app_name", "task_name", "task_query", "success", "steps_completed", "screenshot_count", "error", "final_url", "started_at", "finished_at"}

	stepColumns = []string{"run_id", "step_index", "action_type", "selector", "description", "success", "tier_used", "attempts", "error", "recorded_at"}
)

// newArchiveStore builds a store over a fresh mock pool with the startup ping
// and schema bootstrap already expected.
func newArchiveStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()

	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	for range schemaStatements {
		mockPool.ExpectExec(`CREATE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	store, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return store, mockPool
}

func sampleRun() schemas.WorkflowRun {
	started := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	return schemas.WorkflowRun{
		RunID:          "run-7d1f",
		AppName:        "shop",
		TaskName:       "checkout",
		TaskQuery:      "buy two widgets",
		Success:        true,
		StepsCompleted: 2,
		ScreenshotCnt:  2,
		FinalURL:       "https://shop.example.com/done",
		StartedAt:      started,
		FinishedAt:     started.Add(42 * time.Second),
	}
}

func sampleSteps(runID string) []schemas.StepRecord {
	recorded := time.Date(2026, 3, 14, 9, 30, 5, 0, time.UTC)
	return []schemas.StepRecord{
		{
			RunID:       runID,
			StepIndex:   0,
			ActionType:  "navigate",
			Description: "open the shop",
			Success:     true,
			Tier:        schemas.TierPrimary,
			Attempts:    1,
			RecordedAt:  recorded,
		},
		{
			RunID:       runID,
			StepIndex:   1,
			ActionType:  "click",
			Selector:    "#cart",
			Description: "open the cart",
			Success:     true,
			Tier:        schemas.TierSecondary,
			Attempts:    2,
			RecordedAt:  recorded.Add(3 * time.Second),
		},
	}
}

// -- Test Cases --

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should bootstrap the schema after a successful ping", func(t *testing.T) {
		store, mockPool := newArchiveStore(t, zap.NewNop())
		require.NotNil(t, store)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should return error if schema bootstrap fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		ddlErr := errors.New("permission denied for schema public")
		mockPool.ExpectPing()
		mockPool.ExpectExec(`CREATE`).WillReturnError(ddlErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, ddlErr)
		assert.Contains(t, err.Error(), "failed to ensure archive schema")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("should return nil store when the archive is disabled", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.DebugLevel)

		store, err := Open(ctx, config.RunStoreConfig{}, zap.New(observedZapCore))
		require.NoError(t, err)
		assert.Nil(t, store)
		require.Len(t, observedLogs.All(), 1)
		assert.Contains(t, observedLogs.All()[0].Message, "Run archive disabled")
	})

	t.Run("should treat an enabled config without a URL as disabled", func(t *testing.T) {
		store, err := Open(ctx, config.RunStoreConfig{Enabled: true}, zap.NewNop())
		require.NoError(t, err)
		assert.Nil(t, store)
	})

	t.Run("should fail fast on a malformed database URL", func(t *testing.T) {
		cfg := config.RunStoreConfig{Enabled: true, URL: "://not-a-connection-string"}

		store, err := Open(ctx, cfg, zap.NewNop())
		require.Error(t, err)
		assert.Nil(t, store)
		assert.Contains(t, err.Error(), "failed to connect to database")
	})
}

func TestArchiveRun(t *testing.T) {
	ctx := context.Background()

	t.Run("should persist the run and its steps in one transaction", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		store, mockPool := newArchiveStore(t, zap.New(observedZapCore))

		run := sampleRun()
		steps := sampleSteps(run.RunID)

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs(
				run.RunID, run.AppName, run.TaskName, run.TaskQuery,
				run.Success, run.StepsCompleted, run.ScreenshotCnt,
				run.Error, run.FinalURL,
				utcTime(run.StartedAt), utcTime(run.FinishedAt),
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"workflow_steps"}, stepColumns).
			WillReturnResult(int64(len(steps)))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, store.ArchiveRun(ctx, run, steps))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should convert local timestamps to UTC before persisting", func(t *testing.T) {
		store, mockPool := newArchiveStore(t, zap.NewNop())

		loc, err := time.LoadLocation("America/New_York")
		require.NoError(t, err)

		run := sampleRun()
		run.StartedAt = time.Date(2026, 3, 14, 4, 30, 0, 0, loc)
		run.FinishedAt = run.StartedAt.Add(42 * time.Second)

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs(
				run.RunID, run.AppName, run.TaskName, run.TaskQuery,
				run.Success, run.StepsCompleted, run.ScreenshotCnt,
				run.Error, run.FinalURL,
				utcTime(run.StartedAt), utcTime(run.FinishedAt),
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		// No steps, so the copy phase must be skipped entirely.
		require.NoError(t, store.ArchiveRun(ctx, run, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should handle transaction begin failure", func(t *testing.T) {
		store, mockPool := newArchiveStore(t, zap.NewNop())

		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err := store.ArchiveRun(ctx, sampleRun(), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should roll back when inserting the run fails", func(t *testing.T) {
		store, mockPool := newArchiveStore(t, zap.NewNop())

		insertErr := errors.New("relation does not exist")
		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WillReturnError(insertErr)
		mockPool.ExpectRollback()

		err := store.ArchiveRun(ctx, sampleRun(), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, insertErr)
		assert.Contains(t, err.Error(), "failed to insert workflow run")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should roll back when copying step records fails", func(t *testing.T) {
		store, mockPool := newArchiveStore(t, zap.NewNop())

		run := sampleRun()
		copyErr := errors.New("copy from failed")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"workflow_steps"}, stepColumns).
			WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := store.ArchiveRun(ctx, run, sampleSteps(run.RunID))
		require.Error(t, err)
		assert.ErrorIs(t, err, copyErr)
		assert.Contains(t, err.Error(), "failed to copy step records")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject a short copy count", func(t *testing.T) {
		store, mockPool := newArchiveStore(t, zap.NewNop())

		run := sampleRun()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"workflow_steps"}, stepColumns).
			WillReturnResult(1)
		mockPool.ExpectRollback()

		err := store.ArchiveRun(ctx, run, sampleSteps(run.RunID))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mismatch in copied step count: expected 2, got 1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should propagate commit failure", func(t *testing.T) {
		store, mockPool := newArchiveStore(t, zap.NewNop())

		commitErr := errors.New("commit lost connection")
		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit().WillReturnError(commitErr)
		mockPool.ExpectRollback()

		err := store.ArchiveRun(ctx, sampleRun(), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, commitErr)
		assert.Contains(t, err.Error(), "failed to commit transaction")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should log when rollback itself fails", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		store, mockPool := newArchiveStore(t, zap.New(observedZapCore))

		insertErr := errors.New("relation does not exist")
		rollbackErr := errors.New("connection already closed")
		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WillReturnError(insertErr)
		mockPool.ExpectRollback().WillReturnError(rollbackErr)

		err := store.ArchiveRun(ctx, sampleRun(), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, insertErr)

		logs := observedLogs.FilterMessage("Failed to rollback transaction.").All()
		require.Len(t, logs, 1)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestRecentRuns(t *testing.T) {
	ctx := context.Background()

	t.Run("should retrieve runs newest first", func(t *testing.T) {
		store, mockPool := newArchiveStore(t, zap.NewNop())

		now := time.Now().UTC()
		rows := pgxmock.NewRows(runColumns).
			AddRow("run-2", "shop", "checkout", "buy two widgets", true, 3, 3, "", "https://shop.example.com/done", now, now.Add(30*time.Second)).
			AddRow("run-1", "shop", "login", "sign in as admin", false, 1, 1, "step 1 (click #submit) failed: element not found", "", now.Add(-time.Hour), now.Add(-59*time.Minute))

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRuns)).
			WithArgs("shop", 5).
			WillReturnRows(rows)

		runs, err := store.RecentRuns(ctx, "shop", 5)
		require.NoError(t, err)
		require.Len(t, runs, 2)

		assert.Equal(t, "run-2", runs[0].RunID)
		assert.True(t, runs[0].Success)
		assert.True(t, runs[0].StartedAt.Equal(now))
		assert.Equal(t, "run-1", runs[1].RunID)
		assert.False(t, runs[1].Success)
		assert.Contains(t, runs[1].Error, "element not found")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should apply the default limit when none is given", func(t *testing.T) {
		store, mockPool := newArchiveStore(t, zap.NewNop())

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRuns)).
			WithArgs("", defaultRecentLimit).
			WillReturnRows(pgxmock.NewRows(runColumns))

		runs, err := store.RecentRuns(ctx, "", 0)
		require.NoError(t, err)
		assert.Empty(t, runs)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should cap an oversized limit", func(t *testing.T) {
		store, mockPool := newArchiveStore(t, zap.NewNop())

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRuns)).
			WithArgs("", maxRecentLimit).
			WillReturnRows(pgxmock.NewRows(runColumns))

		_, err := store.RecentRuns(ctx, "", 5000)
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should propagate query failures", func(t *testing.T) {
		store, mockPool := newArchiveStore(t, zap.NewNop())

		queryErr := errors.New("connection reset")
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRuns)).
			WithArgs("shop", 5).
			WillReturnError(queryErr)

		_, err := store.RecentRuns(ctx, "shop", 5)
		require.Error(t, err)
		assert.ErrorIs(t, err, queryErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestRunSteps(t *testing.T) {
	ctx := context.Background()

	t.Run("should retrieve step records in execution order", func(t *testing.T) {
		store, mockPool := newArchiveStore(t, zap.NewNop())

		now := time.Now().UTC()
		rows := pgxmock.NewRows([]string{"step_index", "action_type", "selector", "description", "success", "tier_used", "attempts", "error", "recorded_at"}).
			AddRow(0, "navigate", "", "open the shop", true, "primary", 1, "", now).
			AddRow(1, "click", "#cart", "open the cart", false, "visual", 3, "element not found after cascade", now.Add(3*time.Second))

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectSteps)).
			WithArgs("run-7d1f").
			WillReturnRows(rows)

		steps, err := store.RunSteps(ctx, "run-7d1f")
		require.NoError(t, err)
		require.Len(t, steps, 2)

		assert.Equal(t, "run-7d1f", steps[0].RunID, "run id should be stamped onto every record")
		assert.Equal(t, schemas.TierPrimary, steps[0].Tier)
		assert.Equal(t, schemas.TierVisual, steps[1].Tier)
		assert.False(t, steps[1].Success)
		assert.Contains(t, steps[1].Err, "element not found")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should propagate query failures", func(t *testing.T) {
		store, mockPool := newArchiveStore(t, zap.NewNop())

		queryErr := errors.New("connection reset")
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectSteps)).
			WithArgs("run-missing").
			WillReturnError(queryErr)

		_, err := store.RunSteps(ctx, "run-missing")
		require.Error(t, err)
		assert.ErrorIs(t, err, queryErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
