package reconciler

import (
	"context"
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

// fakeDriver scripts container liveness and records creations.
type fakeDriver struct {
	mu      sync.Mutex
	running map[string]bool
	created []*driver.ContainerSpec
}

func (f *fakeDriver) Kind() string { return db.RuntimeDocker }
func (f *fakeDriver) EnsureImage(ctx context.Context, node *db.RuntimeNode, imageRef string) error {
	return nil
}
func (f *fakeDriver) CreateContainer(ctx context.Context, node *db.RuntimeNode, spec *driver.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec)
	return node.ID + "/recreated", nil
}
func (f *fakeDriver) WaitReady(ctx context.Context, handle string, deadline time.Duration) error {
	return nil
}
func (f *fakeDriver) IsRunning(ctx context.Context, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[handle], nil
}
func (f *fakeDriver) Destroy(ctx context.Context, handle string) error { return nil }
func (f *fakeDriver) Logs(ctx context.Context, handle string, tail int) (string, error) {
	return "", nil
}
func (f *fakeDriver) ExecutorEndpoint(ctx context.Context, handle string) (string, error) {
	return "http://127.0.0.1:8088", nil
}
func (f *fakeDriver) ProbeNode(ctx context.Context, node *db.RuntimeNode) (*driver.NodeHealth, error) {
	return &driver.NodeHealth{}, nil
}

// fakeTemplates serves one template.
type fakeTemplates struct{}

func (fakeTemplates) GetTemplate(ctx context.Context, id string) (*db.Template, error) {
	return &db.Template{ID: id, Name: "python-basic", ImageRef: "sandpool/python:3.12"}, nil
}

// fakeScheduler always places on one node.
type fakeScheduler struct{}

func (fakeScheduler) Schedule(ctx context.Context, templateImage string, res db.Resources) (*db.RuntimeNode, error) {
	return &db.RuntimeNode{ID: "node-b", Status: db.NodeOnline}, nil
}

// fakeSweeper records crash sweeps.
type fakeSweeper struct {
	mu      sync.Mutex
	crashed []string
}

func (f *fakeSweeper) CrashSessionExecutions(ctx context.Context, sessionID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crashed = append(f.crashed, sessionID)
}
func (f *fakeSweeper) SweepStaleHeartbeats(ctx context.Context) {}

func activeSessionRows(id, status, handle string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "template_id", "status", "runtime_kind",
		"runtime_node_id", "container_handle", "workspace_uri",
		"cpu_millis", "memory_bytes", "disk_bytes", "env_vars",
		"timeout_seconds", "requested_dependencies", "installed_dependencies",
		"dependency_status", "failure_reason", "version",
		"last_activity_at", "created_at", "updated_at", "completed_at",
	}).AddRow(
		id, "tmpl_1", status, "docker",
		"node-a", handle, "file:///w/"+id,
		int64(1000), int64(1), int64(1), []byte(`{}`),
		300, []byte(`[]`), []byte(`[]`),
		"none", "", int64(2), now, now, now, nil,
	)
}

func newTestReconciler(t *testing.T) (*Reconciler, sqlmock.Sqlmock, *fakeDriver, *fakeSweeper) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	publisher, err := events.NewPublisher("")
	require.NoError(t, err)

	drv := &fakeDriver{running: map[string]bool{}}
	sweeper := &fakeSweeper{}

	r := New(
		db.NewSessionStore(mockDB),
		db.NewNodeStore(mockDB),
		fakeTemplates{},
		fakeScheduler{},
		drv,
		sweeper,
		publisher,
		Config{CreateTimeout: 30 * time.Second},
	)
	return r, mock, drv, sweeper
}

func TestRunOnce_HealthyContainerIsNoop(t *testing.T) {
	r, mock, drv, sweeper := newTestReconciler(t)
	drv.running["node-a/alive"] = true

	mock.ExpectQuery("SELECT (.+) FROM sessions").
		WillReturnRows(activeSessionRows("sess_1", "running", "node-a/alive"))

	r.RunOnce(context.Background())

	assert.Empty(t, drv.created)
	assert.Empty(t, sweeper.crashed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnce_RecoversLostContainer(t *testing.T) {
	r, mock, drv, sweeper := newTestReconciler(t)
	// node-a/gone is absent from the running map: the container is lost.

	mock.ExpectQuery("SELECT (.+) FROM sessions").
		WillReturnRows(activeSessionRows("sess_1", "running", "node-a/gone"))
	// Release of the stale binding.
	mock.ExpectExec("UPDATE runtime_nodes").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 1)) // ClearContainer
	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 1)) // running -> creating
	// Rebind to the freshly created container.
	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 1)) // BindContainer
	mock.ExpectExec("UPDATE runtime_nodes").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r.RunOnce(context.Background())

	// The lost session's executions crash into the retry policy.
	assert.Equal(t, []string{"sess_1"}, sweeper.crashed)
	// The replacement container reuses the original workspace URI.
	require.Len(t, drv.created, 1)
	assert.Equal(t, "file:///w/sess_1", drv.created[0].WorkspaceURI)
	assert.Equal(t, "sess_1", drv.created[0].SessionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileSession_FreshCreatingIsLeftAlone(t *testing.T) {
	r, mock, drv, sweeper := newTestReconciler(t)

	// A creating session with no handle inside the creation deadline is
	// a create in flight, not drift.
	mock.ExpectQuery("SELECT (.+) FROM sessions").
		WillReturnRows(activeSessionRows("sess_1", "creating", ""))

	r.RunOnce(context.Background())

	assert.Empty(t, drv.created)
	assert.Empty(t, sweeper.crashed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
