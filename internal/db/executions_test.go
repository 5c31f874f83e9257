package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "session_id", "code", "language", "event", "status", "stdout", "stderr",
		"exit_code", "execution_time_seconds", "return_value", "metrics",
		"artifacts", "timeout_seconds", "retry_count",
		"failure_reason", "version", "last_heartbeat_at",
		"created_at", "updated_at", "completed_at",
	})
}

func TestCreateExecution_TouchesSessionActivity(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := NewExecutionStore(mockDB)

	// Insert and activity touch share one transaction.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO executions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE sessions SET last_activity_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	exec := &Execution{
		SessionID:      "sess_123",
		Code:           "def handler(event): return event",
		Language:       "python",
		TimeoutSeconds: 300,
	}
	err = store.CreateExecution(context.Background(), exec)

	assert.NoError(t, err)
	assert.NotEmpty(t, exec.ID)
	assert.Equal(t, ExecutionPending, exec.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestResult_FirstWriteWins(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := NewExecutionStore(mockDB)
	result := &ExecutionResult{
		Status:               ExecutionCompleted,
		Stdout:               "ok",
		ExitCode:             0,
		ExecutionTimeSeconds: 1.5,
	}

	mock.ExpectExec("UPDATE executions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := store.IngestResult(context.Background(), "exec_1", result)
	assert.NoError(t, err)
	assert.True(t, applied)

	// The repeated callback finds the row already terminal: no rows
	// match the conditional update and the payload is discarded.
	mock.ExpectExec("UPDATE executions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err = store.IngestResult(context.Background(), "exec_1", result)
	assert.NoError(t, err)
	assert.False(t, applied)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestResult_RejectsNonTerminalStatus(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := NewExecutionStore(mockDB)

	applied, err := store.IngestResult(context.Background(), "exec_1", &ExecutionResult{Status: ExecutionRunning})

	assert.Error(t, err)
	assert.False(t, applied)
}

func TestRequeue_RespectsRetryCap(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := NewExecutionStore(mockDB)

	// retry_count below the cap: requeued.
	mock.ExpectExec("UPDATE executions").
		WithArgs(sqlmock.AnyArg(), "exec_1", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	requeued, err := store.Requeue(context.Background(), "exec_1", 3)
	assert.NoError(t, err)
	assert.True(t, requeued)

	// retry_count at the cap: the guarded update matches nothing.
	mock.ExpectExec("UPDATE executions").
		WithArgs(sqlmock.AnyArg(), "exec_1", 3).
		WillReturnResult(sqlmock.NewResult(0, 0))

	requeued, err = store.Requeue(context.Background(), "exec_1", 3)
	assert.NoError(t, err)
	assert.False(t, requeued)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetExecution_Success(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := NewExecutionStore(mockDB)

	now := time.Now()
	rows := executionRows().AddRow(
		"exec_1", "sess_123", "def handler(event): return event", "python",
		[]byte(`{"x":1}`), "completed", "out", "", 0, 1.25,
		[]byte(`{"x":1}`), []byte(`{"cpu_seconds":0.8}`),
		[]byte(`[{"path":"result.png","size_bytes":10,"mime_type":"image/png","kind":"output","created_at":"2026-01-01T00:00:00Z"}]`),
		300, 1, "", int64(4), now, now, now, now,
	)

	mock.ExpectQuery("SELECT (.+) FROM executions WHERE id").
		WithArgs("exec_1").
		WillReturnRows(rows)

	exec, err := store.GetExecution(context.Background(), "exec_1")

	assert.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, ExecutionCompleted, exec.Status)
	require.NotNil(t, exec.ExitCode)
	assert.Equal(t, 0, *exec.ExitCode)
	require.NotNil(t, exec.ExecutionTimeSeconds)
	assert.InDelta(t, 1.25, *exec.ExecutionTimeSeconds, 0.001)
	require.Len(t, exec.Artifacts, 1)
	assert.Equal(t, "result.png", exec.Artifacts[0].Path)
	assert.NotNil(t, exec.CompletedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCrashed_OnlyInFlight(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := NewExecutionStore(mockDB)

	mock.ExpectExec("UPDATE executions").
		WithArgs("no heartbeat for 15s", sqlmock.AnyArg(), "exec_1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := store.MarkCrashed(context.Background(), "exec_1", "no heartbeat for 15s")

	assert.NoError(t, err)
	assert.False(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsExecutionFinal(t *testing.T) {
	assert.True(t, IsExecutionFinal(ExecutionCompleted))
	assert.True(t, IsExecutionFinal(ExecutionFailed))
	assert.True(t, IsExecutionFinal(ExecutionTimeout))
	assert.False(t, IsExecutionFinal(ExecutionCrashed))
	assert.False(t, IsExecutionFinal(ExecutionPending))
	assert.False(t, IsExecutionFinal(ExecutionRunning))
}
