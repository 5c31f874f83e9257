// Package session owns the session lifecycle state machine.
//
// The manager is the only component that creates sessions and the main
// mutator of their status; the reconciler repairs drift and the idle
// sweep terminates stale sessions, both going through the same
// conditional transitions in the entity store. Transitions are gated on
// the current status (version-CAS in the store), so a concurrent
// terminate can never race a recovery into an inconsistent row.
//
// State machine:
//
//	(absent) --create--> creating
//	creating --container_ready--> running
//	creating --create_fail--> failed              (terminal)
//	running  --execute_request--> running         (touch last_activity_at)
//	running  --container_lost--> creating         (reconciler initiates)
//	running  --terminate--> terminated            (terminal)
//	running  --idle_timeout--> terminated         (terminal)
//	running  --max_lifetime_reached--> terminated (terminal)
//
// creating -> running is driven by the executor's container_ready
// callback (or reconciler observation), never by client input.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sandpool-dev/sandpool/internal/apperrors"
	"github.com/sandpool-dev/sandpool/internal/db"
	"github.com/sandpool-dev/sandpool/internal/driver"
	"github.com/sandpool-dev/sandpool/internal/events"
	"github.com/sandpool-dev/sandpool/internal/logger"
	"github.com/sandpool-dev/sandpool/internal/metrics"
)

// TemplateSource resolves templates (optionally through the cache).
type TemplateSource interface {
	GetTemplate(ctx context.Context, id string) (*db.Template, error)
}

// Scheduler places sessions onto runtime nodes.
type Scheduler interface {
	Schedule(ctx context.Context, templateImage string, res db.Resources) (*db.RuntimeNode, error)
}

// ArtifactStore is the slice of the artifact store the manager needs.
type ArtifactStore interface {
	DeleteAll(ctx context.Context, sessionID string) error
}

// ExecutionSweeper marks a session's in-flight executions crashed when
// its container is lost. Implemented by the execution manager.
type ExecutionSweeper interface {
	CrashSessionExecutions(ctx context.Context, sessionID, reason string)
}

// Config holds the manager's tunables.
type Config struct {
	RuntimeKind       string
	WorkspaceRoot     string
	ControlPlaneURL   string
	InternalAPIToken  string
	DefaultTimeout    time.Duration
	MaxTimeout        time.Duration
	IdleTimeout       time.Duration
	MaxLifetime       time.Duration
	CreateTimeout     time.Duration
	HeartbeatInterval time.Duration
}

// Manager orchestrates sessions across the scheduler, the runtime driver
// and the entity store.
type Manager struct {
	sessions  *db.SessionStore
	nodes     *db.NodeStore
	templates TemplateSource
	sched     Scheduler
	drv       driver.Driver
	artifacts ArtifactStore
	publisher *events.Publisher
	sweeper   ExecutionSweeper
	cfg       Config
}

// NewManager wires a session manager.
func NewManager(sessions *db.SessionStore, nodes *db.NodeStore, templates TemplateSource,
	sched Scheduler, drv driver.Driver, artifacts ArtifactStore,
	publisher *events.Publisher, cfg Config) *Manager {
	return &Manager{
		sessions:  sessions,
		nodes:     nodes,
		templates: templates,
		sched:     sched,
		drv:       drv,
		artifacts: artifacts,
		publisher: publisher,
		cfg:       cfg,
	}
}

// SetExecutionSweeper breaks the construction cycle with the execution
// manager; must be called before Start.
func (m *Manager) SetExecutionSweeper(s ExecutionSweeper) {
	m.sweeper = s
}

// CreateRequest is the sanitized input for a new session.
type CreateRequest struct {
	TemplateID   string
	Resources    *db.Resources // nil means template defaults
	TimeoutSecs  int           // 0 means default
	EnvVars      map[string]string
	Dependencies []string
}

// Create allocates and materializes a new session. The returned row is
// in status creating; readiness arrives via the container_ready callback.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*db.Session, error) {
	tmpl, err := m.templates.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}

	res := db.Resources{
		CPUMillis:   tmpl.CPUMillis,
		MemoryBytes: tmpl.MemoryBytes,
		DiskBytes:   tmpl.DiskBytes,
	}
	if req.Resources != nil {
		if req.Resources.CPUMillis > 0 {
			res.CPUMillis = req.Resources.CPUMillis
		}
		if req.Resources.MemoryBytes > 0 {
			res.MemoryBytes = req.Resources.MemoryBytes
		}
		if req.Resources.DiskBytes > 0 {
			res.DiskBytes = req.Resources.DiskBytes
		}
	}

	timeout := req.TimeoutSecs
	if timeout == 0 {
		timeout = int(m.cfg.DefaultTimeout.Seconds())
	}
	if timeout > int(m.cfg.MaxTimeout.Seconds()) {
		timeout = int(m.cfg.MaxTimeout.Seconds())
	}

	deps := req.Dependencies
	depStatus := db.DepsNone
	if len(deps) > 0 {
		depStatus = db.DepsInstalling
	}

	session := &db.Session{
		TemplateID:            tmpl.ID,
		Status:                db.SessionCreating,
		RuntimeKind:           m.cfg.RuntimeKind,
		Resources:             res,
		EnvVars:               req.EnvVars,
		TimeoutSeconds:        timeout,
		RequestedDependencies: deps,
		DependencyStatus:      depStatus,
	}

	if err := m.sessions.CreateSession(ctx, withWorkspace(session, m.cfg)); err != nil {
		return nil, err
	}
	metrics.SessionTransitions.WithLabelValues(db.SessionCreating).Inc()
	m.publisher.SessionStatus(session.ID, db.SessionCreating, "")

	node, err := m.sched.Schedule(ctx, tmpl.ImageRef, res)
	if err != nil {
		metrics.SchedulerDecisions.WithLabelValues("no_capacity").Inc()
		m.failCreate(ctx, session.ID, fmt.Sprintf("scheduling failed: %v", err))
		return nil, err
	}
	metrics.SchedulerDecisions.WithLabelValues("placed").Inc()

	if err := m.drv.EnsureImage(ctx, node, tmpl.ImageRef); err != nil {
		metrics.DriverErrors.WithLabelValues("ensure_image").Inc()
		m.failCreate(ctx, session.ID, fmt.Sprintf("image pull failed: %v", err))
		return nil, apperrors.DriverError("ensure_image", err)
	}

	// The executor reads its heartbeat cadence from the environment.
	containerEnv := map[string]string{}
	for k, v := range req.EnvVars {
		containerEnv[k] = v
	}
	if m.cfg.HeartbeatInterval > 0 {
		containerEnv["HEARTBEAT_INTERVAL_SECONDS"] = fmt.Sprintf("%d", int(m.cfg.HeartbeatInterval.Seconds()))
	}

	spec := &driver.ContainerSpec{
		SessionID:        session.ID,
		ImageRef:         tmpl.ImageRef,
		WorkspaceURI:     session.WorkspaceURI,
		Env:              containerEnv,
		CPUMillis:        res.CPUMillis,
		MemoryBytes:      res.MemoryBytes,
		Dependencies:     deps,
		ControlPlaneURL:  m.cfg.ControlPlaneURL,
		InternalAPIToken: m.cfg.InternalAPIToken,
	}

	handle, err := m.drv.CreateContainer(ctx, node, spec)
	if err != nil {
		metrics.DriverErrors.WithLabelValues("create_container").Inc()
		m.failCreate(ctx, session.ID, fmt.Sprintf("container create failed: %v", err))
		return nil, apperrors.DriverError("create_container", err)
	}

	bound, err := m.sessions.BindContainer(ctx, session.ID, node.ID, handle)
	if err != nil || !bound {
		// The row left creating under us (e.g. a concurrent terminate);
		// release the container so nothing leaks.
		_ = m.drv.Destroy(ctx, handle)
		if err != nil {
			return nil, err
		}
		return nil, apperrors.Conflict(fmt.Sprintf("session %s left creating during setup", session.ID))
	}
	if err := m.nodes.AdjustContainerCount(ctx, node.ID, 1); err != nil {
		logger.Session().Warn().Err(err).Str("node_id", node.ID).Msg("Failed to bump node container count")
	}

	// Readiness is reported by the executor's container_ready callback;
	// this watchdog only enforces the end-to-end creation deadline.
	go m.watchCreateDeadline(session.ID, handle)

	return m.sessions.GetSession(ctx, session.ID)
}

// withWorkspace assigns the runtime-specific workspace URI. The URI never
// changes after creation; reincarnations reuse it.
func withWorkspace(session *db.Session, cfg Config) *db.Session {
	if session.ID == "" {
		// CreateSession allocates the id; pre-allocate here so the URI
		// can embed it.
		session.ID = "sess_" + newID()
	}
	switch cfg.RuntimeKind {
	case db.RuntimeKubernetes:
		session.WorkspaceURI = "pvc://sandpool-ws-" + strings.ReplaceAll(session.ID, "_", "-")
	default:
		session.WorkspaceURI = "file://" + cfg.WorkspaceRoot + "/" + session.ID
	}
	return session
}

// watchCreateDeadline destroys the container and fails the session when
// the container_ready callback does not arrive in time.
func (m *Manager) watchCreateDeadline(sessionID, handle string) {
	timer := time.NewTimer(m.cfg.CreateTimeout)
	defer timer.Stop()
	<-timer.C

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	changed, err := m.sessions.TransitionWithReason(ctx, sessionID, db.SessionFailed,
		"container did not become ready before the creation deadline", db.SessionCreating)
	if err != nil {
		logger.Session().Error().Err(err).Str("session_id", sessionID).Msg("Create-deadline transition failed")
		return
	}
	if !changed {
		return // became running (or terminal) in time
	}

	metrics.SessionTransitions.WithLabelValues(db.SessionFailed).Inc()
	m.publisher.SessionStatus(sessionID, db.SessionFailed, "creation deadline exceeded")
	if err := m.drv.Destroy(ctx, handle); err != nil {
		logger.Session().Warn().Err(err).Str("session_id", sessionID).Msg("Failed to destroy timed-out container")
	}
	m.reapArtifacts(sessionID)
}

// failCreate marks a creating session failed with a diagnostic reason.
func (m *Manager) failCreate(ctx context.Context, sessionID, reason string) {
	changed, err := m.sessions.TransitionWithReason(ctx, sessionID, db.SessionFailed, reason, db.SessionCreating)
	if err != nil {
		logger.Session().Error().Err(err).Str("session_id", sessionID).Msg("Failed to mark session failed")
		return
	}
	if changed {
		metrics.SessionTransitions.WithLabelValues(db.SessionFailed).Inc()
		m.publisher.SessionStatus(sessionID, db.SessionFailed, reason)
	}
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, id string) (*db.Session, error) {
	return m.sessions.GetSession(ctx, id)
}

// List returns sessions with optional status filter and keyset paging.
func (m *Manager) List(ctx context.Context, opts db.SessionListOptions) ([]*db.Session, error) {
	return m.sessions.ListSessions(ctx, opts)
}

// Terminate moves an active session to terminated, destroys its
// container and reclaims its workspace. Exactly one of two concurrent
// terminates wins; the loser observes the terminal row and gets a
// conflict.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	session, err := m.sessions.GetSession(ctx, id)
	if err != nil {
		return err
	}

	changed, err := m.sessions.Transition(ctx, id, db.SessionTerminated, db.SessionCreating, db.SessionRunning)
	if err != nil {
		return err
	}
	if !changed {
		return apperrors.Conflict(fmt.Sprintf("session %s is already terminal", id))
	}

	metrics.SessionTransitions.WithLabelValues(db.SessionTerminated).Inc()
	m.publisher.SessionStatus(id, db.SessionTerminated, "")

	if m.sweeper != nil {
		m.sweeper.CrashSessionExecutions(ctx, id, "session terminated")
	}

	if session.ContainerHandle != "" {
		if err := m.drv.Destroy(ctx, session.ContainerHandle); err != nil {
			metrics.DriverErrors.WithLabelValues("destroy").Inc()
			logger.Session().Warn().Err(err).Str("session_id", id).Msg("Failed to destroy container on terminate")
		}
		if session.RuntimeNodeID != "" {
			_ = m.nodes.AdjustContainerCount(ctx, session.RuntimeNodeID, -1)
		}
	}

	m.reapArtifacts(id)
	return nil
}

// reapArtifacts deletes the session's workspace objects. Failure is
// logged, not surfaced: the terminal status stands either way, and the
// delete is idempotent so a later sweep can retry.
func (m *Manager) reapArtifacts(sessionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := m.artifacts.DeleteAll(ctx, sessionID); err != nil {
			logger.Session().Warn().Err(err).Str("session_id", sessionID).Msg("Failed to delete session artifacts")
		}
	}()
}

// HandleContainerReady processes the executor's readiness callback:
// creating -> running.
func (m *Manager) HandleContainerReady(ctx context.Context, id string) error {
	if _, err := m.sessions.GetSession(ctx, id); err != nil {
		return err
	}

	changed, err := m.sessions.Transition(ctx, id, db.SessionRunning, db.SessionCreating)
	if err != nil {
		return err
	}
	if changed {
		metrics.SessionTransitions.WithLabelValues(db.SessionRunning).Inc()
		m.publisher.SessionStatus(id, db.SessionRunning, "")
		_ = m.sessions.TouchActivity(ctx, id)
		logger.Session().Info().Str("session_id", id).Msg("Session running")
	}
	return nil
}

// HandleContainerExited processes the executor's early-exit notice. The
// container is gone; an active session goes back to creating so the
// reconciler can rebuild it, and its in-flight executions crash into the
// retry policy.
func (m *Manager) HandleContainerExited(ctx context.Context, id, reason string) error {
	session, err := m.sessions.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if db.IsSessionTerminal(session.Status) {
		return nil // late notice after terminate; nothing to do
	}

	if m.sweeper != nil {
		m.sweeper.CrashSessionExecutions(ctx, id, "container exited: "+reason)
	}
	if session.RuntimeNodeID != "" {
		_ = m.nodes.AdjustContainerCount(ctx, session.RuntimeNodeID, -1)
	}
	if err := m.sessions.ClearContainer(ctx, id); err != nil {
		return err
	}

	changed, err := m.sessions.Transition(ctx, id, db.SessionCreating, db.SessionRunning)
	if err != nil {
		return err
	}
	if changed {
		metrics.SessionTransitions.WithLabelValues(db.SessionCreating).Inc()
		m.publisher.SessionStatus(id, db.SessionCreating, "container exited")
	}
	return nil
}

// HandleDependencyResult processes the install outcome reported by the
// executor. Success unblocks executions; failure fails the session and
// releases its container.
func (m *Manager) HandleDependencyResult(ctx context.Context, id string, ok bool, installed []string, installLog string) error {
	session, err := m.sessions.GetSession(ctx, id)
	if err != nil {
		return err
	}

	if ok {
		if err := m.sessions.SetDependencyStatus(ctx, id, db.DepsReady, installed); err != nil {
			return err
		}
		logger.Session().Info().Str("session_id", id).Int("packages", len(installed)).Msg("Dependencies ready")
		return nil
	}

	if err := m.sessions.SetDependencyStatus(ctx, id, db.DepsFailed, nil); err != nil {
		return err
	}
	reason := "dependency install failed"
	if installLog != "" {
		reason = "dependency install failed: " + truncateReason(installLog)
	}
	changed, err := m.sessions.TransitionWithReason(ctx, id, db.SessionFailed, reason,
		db.SessionCreating, db.SessionRunning)
	if err != nil {
		return err
	}
	if changed {
		metrics.SessionTransitions.WithLabelValues(db.SessionFailed).Inc()
		m.publisher.SessionStatus(id, db.SessionFailed, reason)
		if session.ContainerHandle != "" {
			if err := m.drv.Destroy(ctx, session.ContainerHandle); err != nil {
				logger.Session().Warn().Err(err).Str("session_id", id).Msg("Failed to destroy container after install failure")
			}
			if session.RuntimeNodeID != "" {
				_ = m.nodes.AdjustContainerCount(ctx, session.RuntimeNodeID, -1)
			}
		}
		m.reapArtifacts(id)
	}
	return nil
}

// SweepIdle terminates running sessions idle past the idle timeout or
// older than the maximum lifetime. Scheduled by the server every minute.
func (m *Manager) SweepIdle(ctx context.Context) {
	now := time.Now()

	idle, err := m.sessions.FindIdleRunning(ctx, now.Add(-m.cfg.IdleTimeout))
	if err != nil {
		logger.Session().Error().Err(err).Msg("Idle sweep query failed")
	} else {
		for _, s := range idle {
			logger.Session().Info().Str("session_id", s.ID).Msg("Terminating idle session")
			if err := m.Terminate(ctx, s.ID); err != nil {
				logger.Session().Warn().Err(err).Str("session_id", s.ID).Msg("Failed to terminate idle session")
			}
		}
	}

	aged, err := m.sessions.FindRunningOlderThan(ctx, now.Add(-m.cfg.MaxLifetime))
	if err != nil {
		logger.Session().Error().Err(err).Msg("Lifetime sweep query failed")
		return
	}
	for _, s := range aged {
		logger.Session().Info().Str("session_id", s.ID).Msg("Terminating session past max lifetime")
		if err := m.Terminate(ctx, s.ID); err != nil {
			logger.Session().Warn().Err(err).Str("session_id", s.ID).Msg("Failed to terminate aged session")
		}
	}
}

// newID allocates the random part of a session id.
func newID() string {
	return uuid.New().String()
}

// truncateReason keeps diagnostic strings to a sane column size.
func truncateReason(s string) string {
	const max = 2048
	if len(s) <= max {
		return s
	}
	return s[:max]
}
