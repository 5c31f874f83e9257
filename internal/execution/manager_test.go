package execution

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpool-dev/sandpool/internal/db"
	"github.com/sandpool-dev/sandpool/internal/events"
)

func newTestManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	publisher, err := events.NewPublisher("")
	require.NoError(t, err)

	m := NewManager(
		db.NewExecutionStore(mockDB),
		db.NewSessionStore(mockDB),
		nil, // driver unused on the paths under test
		nil, // uploader unused on the paths under test
		publisher,
		Config{
			DefaultTimeout:      300 * time.Second,
			MaxTimeout:          3600 * time.Second,
			HeartbeatTimeout:    15 * time.Second,
			Grace:               30 * time.Second,
			MaxRetries:          3,
			StdoutTruncateBytes: 256 * 1024,
		},
	)
	return m, mock
}

func sessionRow(status, depStatus string, deps string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "template_id", "status", "runtime_kind",
		"runtime_node_id", "container_handle", "workspace_uri",
		"cpu_millis", "memory_bytes", "disk_bytes", "env_vars",
		"timeout_seconds", "requested_dependencies", "installed_dependencies",
		"dependency_status", "failure_reason", "version",
		"last_activity_at", "created_at", "updated_at", "completed_at",
	}).AddRow(
		"sess_1", "tmpl_1", status, "docker",
		"local", "local/abc", "file:///w/sess_1",
		int64(1000), int64(1), int64(1), []byte(`{}`),
		300, []byte(deps), []byte(`[]`),
		depStatus, "", int64(1), now, now, now, nil,
	)
}

func TestSubmit_RejectsUnsupportedLanguage(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Submit(context.Background(), "sess_1", SubmitRequest{
		Code:     "console.log(1)",
		Language: "javascript",
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported_language")
}

func TestSubmit_RejectsZeroTimeout(t *testing.T) {
	m, _ := newTestManager(t)

	zero := 0
	_, err := m.Submit(context.Background(), "sess_1", SubmitRequest{
		Code:        "def handler(event): return event",
		Language:    "python",
		TimeoutSecs: &zero,
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout must be positive")
}

func TestSubmit_RejectsNonRunningSession(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("sess_1").
		WillReturnRows(sessionRow(db.SessionCreating, db.DepsNone, `[]`))

	_, err := m.Submit(context.Background(), "sess_1", SubmitRequest{
		Code:     "def handler(event): return event",
		Language: "python",
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_not_ready")
}

func TestSubmit_RejectsWhileDependenciesInstalling(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("sess_1").
		WillReturnRows(sessionRow(db.SessionRunning, db.DepsInstalling, `["numpy"]`))

	_, err := m.Submit(context.Background(), "sess_1", SubmitRequest{
		Code:     "def handler(event): return event",
		Language: "python",
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependencies are installing")
}

func TestSubmit_ClampsTimeoutToMax(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("sess_1").
		WillReturnRows(sessionRow(db.SessionRunning, db.DepsNone, `[]`))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO executions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE sessions SET last_activity_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	over := 100000
	exec, err := m.Submit(context.Background(), "sess_1", SubmitRequest{
		Code:        "def handler(event): return event",
		Language:    "python",
		TimeoutSecs: &over,
	})

	require.NoError(t, err)
	assert.Equal(t, 3600, exec.TimeoutSeconds)
	assert.Equal(t, db.ExecutionPending, exec.Status)
}
