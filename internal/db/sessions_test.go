package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "template_id", "status", "runtime_kind",
		"runtime_node_id", "container_handle", "workspace_uri",
		"cpu_millis", "memory_bytes", "disk_bytes", "env_vars",
		"timeout_seconds", "requested_dependencies", "installed_dependencies",
		"dependency_status", "failure_reason", "version",
		"last_activity_at", "created_at", "updated_at", "completed_at",
	})
}

func TestCreateSession_Success(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := NewSessionStore(mockDB)
	ctx := context.Background()

	session := &Session{
		TemplateID:   "tmpl_python",
		RuntimeKind:  RuntimeDocker,
		WorkspaceURI: "file:///var/lib/sandpool/workspaces/sess_x",
		Resources: Resources{
			CPUMillis:   1000,
			MemoryBytes: 2 * 1024 * 1024 * 1024,
			DiskBytes:   10 * 1024 * 1024 * 1024,
		},
		TimeoutSeconds: 300,
	}

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.CreateSession(ctx, session)

	assert.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, SessionCreating, session.Status)
	assert.Equal(t, DepsNone, session.DependencyStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession_Success(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := NewSessionStore(mockDB)
	ctx := context.Background()

	now := time.Now()
	rows := sessionRows().AddRow(
		"sess_123", "tmpl_python", "running", "docker",
		"local", "local/abcdef123456", "file:///var/lib/sandpool/workspaces/sess_123",
		int64(1000), int64(2147483648), int64(10737418240), []byte(`{"FOO":"bar"}`),
		300, []byte(`["numpy==1.26.0"]`), []byte(`["numpy==1.26.0"]`),
		"ready", "", int64(3),
		now, now, now, nil,
	)

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("sess_123").
		WillReturnRows(rows)

	session, err := store.GetSession(ctx, "sess_123")

	assert.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "sess_123", session.ID)
	assert.Equal(t, SessionRunning, session.Status)
	assert.Equal(t, "local/abcdef123456", session.ContainerHandle)
	assert.Equal(t, map[string]string{"FOO": "bar"}, session.EnvVars)
	assert.Equal(t, []string{"numpy==1.26.0"}, session.InstalledDependencies)
	assert.Equal(t, DepsReady, session.DependencyStatus)
	assert.Nil(t, session.CompletedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession_NotFound(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := NewSessionStore(mockDB)

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("nonexistent").
		WillReturnError(sql.ErrNoRows)

	session, err := store.GetSession(context.Background(), "nonexistent")

	assert.Error(t, err)
	assert.Nil(t, session)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_Applies(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := NewSessionStore(mockDB)

	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	changed, err := store.Transition(context.Background(), "sess_123", SessionRunning, SessionCreating)

	assert.NoError(t, err)
	assert.True(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_LosesRace(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := NewSessionStore(mockDB)

	// A concurrent terminate already moved the row out of the source
	// statuses: the conditional update matches nothing.
	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := store.Transition(context.Background(), "sess_123", SessionTerminated, SessionRunning, SessionCreating)

	assert.NoError(t, err)
	assert.False(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBindContainer_OnlyWhileCreating(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := NewSessionStore(mockDB)

	mock.ExpectExec("UPDATE sessions").
		WithArgs("local", "local/abc", sqlmock.AnyArg(), "sess_123").
		WillReturnResult(sqlmock.NewResult(0, 0))

	bound, err := store.BindContainer(context.Background(), "sess_123", "local", "local/abc")

	assert.NoError(t, err)
	assert.False(t, bound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListSessionsByStatus(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := NewSessionStore(mockDB)

	now := time.Now()
	rows := sessionRows().
		AddRow("sess_1", "tmpl_python", "running", "docker", "", "", "file:///w/1",
			int64(1000), int64(1), int64(1), []byte(`{}`), 300, []byte(`[]`), []byte(`[]`),
			"none", "", int64(1), nil, now, now, nil).
		AddRow("sess_2", "tmpl_python", "creating", "docker", "", "", "file:///w/2",
			int64(1000), int64(1), int64(1), []byte(`{}`), 300, []byte(`[]`), []byte(`[]`),
			"none", "", int64(1), nil, now, now, nil)

	mock.ExpectQuery("SELECT (.+) FROM sessions").
		WillReturnRows(rows)

	sessions, err := store.ListSessionsByStatus(context.Background(), SessionCreating, SessionRunning)

	assert.NoError(t, err)
	assert.Len(t, sessions, 2)
	assert.Equal(t, "sess_1", sessions[0].ID)
	assert.Equal(t, "sess_2", sessions[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsSessionTerminal(t *testing.T) {
	assert.True(t, IsSessionTerminal(SessionTerminated))
	assert.True(t, IsSessionTerminal(SessionFailed))
	assert.True(t, IsSessionTerminal(SessionTimeout))
	assert.True(t, IsSessionTerminal(SessionCompleted))
	assert.False(t, IsSessionTerminal(SessionCreating))
	assert.False(t, IsSessionTerminal(SessionRunning))
}
