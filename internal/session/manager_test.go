package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpool-dev/sandpool/internal/db"
	"github.com/sandpool-dev/sandpool/internal/driver"
	"github.com/sandpool-dev/sandpool/internal/events"
)

// fakeDriver records driver calls.
type fakeDriver struct {
	mu        sync.Mutex
	destroyed []string
}

func (f *fakeDriver) Kind() string { return db.RuntimeDocker }
func (f *fakeDriver) EnsureImage(ctx context.Context, node *db.RuntimeNode, imageRef string) error {
	return nil
}
func (f *fakeDriver) CreateContainer(ctx context.Context, node *db.RuntimeNode, spec *driver.ContainerSpec) (string, error) {
	return node.ID + "/container", nil
}
func (f *fakeDriver) WaitReady(ctx context.Context, handle string, deadline time.Duration) error {
	return nil
}
func (f *fakeDriver) IsRunning(ctx context.Context, handle string) (bool, error) { return true, nil }
func (f *fakeDriver) Destroy(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, handle)
	return nil
}
func (f *fakeDriver) Logs(ctx context.Context, handle string, tail int) (string, error) {
	return "", nil
}
func (f *fakeDriver) ExecutorEndpoint(ctx context.Context, handle string) (string, error) {
	return "http://127.0.0.1:8088", nil
}
func (f *fakeDriver) ProbeNode(ctx context.Context, node *db.RuntimeNode) (*driver.NodeHealth, error) {
	return &driver.NodeHealth{}, nil
}

// fakeArtifacts records delete calls.
type fakeArtifacts struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeArtifacts) DeleteAll(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sessionID)
	return nil
}

func newTestManager(t *testing.T) (*Manager, sqlmock.Sqlmock, *fakeDriver, *fakeArtifacts) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	publisher, err := events.NewPublisher("")
	require.NoError(t, err)

	drv := &fakeDriver{}
	store := &fakeArtifacts{}

	m := NewManager(
		db.NewSessionStore(mockDB),
		db.NewNodeStore(mockDB),
		nil, // template source unused on the paths under test
		nil, // scheduler unused on the paths under test
		drv,
		store,
		publisher,
		Config{
			RuntimeKind:   db.RuntimeDocker,
			WorkspaceRoot: "/var/lib/sandpool/workspaces",
			IdleTimeout:   30 * time.Minute,
			MaxLifetime:   6 * time.Hour,
			CreateTimeout: 30 * time.Second,
		},
	)
	return m, mock, drv, store
}

func runningSessionRow(id, handle string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "template_id", "status", "runtime_kind",
		"runtime_node_id", "container_handle", "workspace_uri",
		"cpu_millis", "memory_bytes", "disk_bytes", "env_vars",
		"timeout_seconds", "requested_dependencies", "installed_dependencies",
		"dependency_status", "failure_reason", "version",
		"last_activity_at", "created_at", "updated_at", "completed_at",
	}).AddRow(
		id, "tmpl_1", "running", "docker",
		"local", handle, "file:///var/lib/sandpool/workspaces/"+id,
		int64(1000), int64(1), int64(1), []byte(`{}`),
		300, []byte(`[]`), []byte(`[]`),
		"none", "", int64(2), now, now, now, nil,
	)
}

func TestWorkspaceURI_Docker(t *testing.T) {
	s := &db.Session{}
	withWorkspace(s, Config{RuntimeKind: db.RuntimeDocker, WorkspaceRoot: "/var/lib/sandpool/workspaces"})

	assert.True(t, strings.HasPrefix(s.WorkspaceURI, "file:///var/lib/sandpool/workspaces/sess_"))
	assert.True(t, strings.HasSuffix(s.WorkspaceURI, s.ID))
}

func TestWorkspaceURI_Kubernetes(t *testing.T) {
	s := &db.Session{}
	withWorkspace(s, Config{RuntimeKind: db.RuntimeKubernetes})

	assert.True(t, strings.HasPrefix(s.WorkspaceURI, "pvc://sandpool-ws-sess-"))
	// PVC names cannot carry underscores.
	assert.NotContains(t, s.WorkspaceURI, "_")
}

func TestWorkspaceURI_StableAcrossCalls(t *testing.T) {
	s := &db.Session{ID: "sess_fixed"}
	cfg := Config{RuntimeKind: db.RuntimeDocker, WorkspaceRoot: "/ws"}

	withWorkspace(s, cfg)
	first := s.WorkspaceURI
	withWorkspace(s, cfg)

	assert.Equal(t, first, s.WorkspaceURI)
}

func TestTerminate_Succeeds(t *testing.T) {
	m, mock, drv, store := newTestManager(t)

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("sess_1").
		WillReturnRows(runningSessionRow("sess_1", "local/abc"))
	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Node container-count adjustment after destroy.
	mock.ExpectExec("UPDATE runtime_nodes").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := m.Terminate(context.Background(), "sess_1")

	require.NoError(t, err)
	drv.mu.Lock()
	assert.Equal(t, []string{"local/abc"}, drv.destroyed)
	drv.mu.Unlock()

	// Artifact reclamation is asynchronous.
	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.deleted) == 1 && store.deleted[0] == "sess_1"
	}, time.Second, 10*time.Millisecond)
}

func TestTerminate_ConflictWhenAlreadyTerminal(t *testing.T) {
	m, mock, drv, _ := newTestManager(t)

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("sess_1").
		WillReturnRows(runningSessionRow("sess_1", "local/abc"))
	// The conditional transition matches nothing: a concurrent terminate
	// won the race.
	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := m.Terminate(context.Background(), "sess_1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflict")
	drv.mu.Lock()
	assert.Empty(t, drv.destroyed)
	drv.mu.Unlock()
}

func TestHandleContainerReady_TransitionsToRunning(t *testing.T) {
	m, mock, _, _ := newTestManager(t)

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("sess_1").
		WillReturnRows(runningSessionRow("sess_1", "local/abc"))
	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sessions SET last_activity_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := m.HandleContainerReady(context.Background(), "sess_1")

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncateReason(t *testing.T) {
	assert.Equal(t, "short", truncateReason("short"))
	long := strings.Repeat("x", 5000)
	assert.Len(t, truncateReason(long), 2048)
}
