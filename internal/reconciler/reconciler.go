// Package reconciler repairs drift between session intent in the entity
// store and container truth in the runtime.
//
// Two triggers: a full sweep at control-plane startup (before the HTTP
// listener accepts traffic, so external requests never observe a
// half-initialized binding table), and a periodic sweep over active
// sessions. For every active session with a container handle the
// reconciler asks the driver directly whether the container is running;
// a lost container is rebuilt around the same workspace URI so files
// survive reincarnation, and the session's in-flight executions crash
// into the usual retry policy.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/sandpool-dev/sandpool/internal/db"
	"github.com/sandpool-dev/sandpool/internal/driver"
	"github.com/sandpool-dev/sandpool/internal/events"
	"github.com/sandpool-dev/sandpool/internal/logger"
	"github.com/sandpool-dev/sandpool/internal/metrics"
	"github.com/sandpool-dev/sandpool/internal/session"
)

// sweepInterval is the periodic reconcile cadence.
const sweepInterval = 30 * time.Second

// ExecutionSweeper is the slice of the execution manager the reconciler
// drives: crashing executions of lost containers and sweeping stale
// heartbeats.
type ExecutionSweeper interface {
	CrashSessionExecutions(ctx context.Context, sessionID, reason string)
	SweepStaleHeartbeats(ctx context.Context)
}

// Config carries what container recreation needs.
type Config struct {
	ControlPlaneURL  string
	InternalAPIToken string
	CreateTimeout    time.Duration
}

// Reconciler detects and repairs session/container drift.
type Reconciler struct {
	sessions  *db.SessionStore
	nodes     *db.NodeStore
	templates session.TemplateSource
	sched     session.Scheduler
	drv       driver.Driver
	sweeper   ExecutionSweeper
	publisher *events.Publisher
	cfg       Config
}

// New wires a reconciler.
func New(sessions *db.SessionStore, nodes *db.NodeStore, templates session.TemplateSource,
	sched session.Scheduler, drv driver.Driver, sweeper ExecutionSweeper,
	publisher *events.Publisher, cfg Config) *Reconciler {
	return &Reconciler{
		sessions:  sessions,
		nodes:     nodes,
		templates: templates,
		sched:     sched,
		drv:       drv,
		sweeper:   sweeper,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Start runs periodic sweeps until the context ends. The startup sweep
// is invoked separately (RunOnce) before the listener binds.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	logger.Reconciler().Info().Dur("interval", sweepInterval).Msg("Starting reconciler")

	for {
		select {
		case <-ctx.Done():
			logger.Reconciler().Info().Msg("Reconciler stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps every active session and the execution heartbeats.
func (r *Reconciler) RunOnce(ctx context.Context) {
	sessions, err := r.sessions.ListSessionsByStatus(ctx, db.SessionCreating, db.SessionRunning)
	if err != nil {
		logger.Reconciler().Error().Err(err).Msg("Sweep query failed")
		return
	}

	for _, s := range sessions {
		r.reconcileSession(ctx, s)
	}

	r.sweeper.SweepStaleHeartbeats(ctx)
}

// ReconcileNode sweeps only the sessions bound to one node. The health
// probe calls this when a node is marked offline so its sessions
// relocate promptly.
func (r *Reconciler) ReconcileNode(ctx context.Context, nodeID string) {
	sessions, err := r.sessions.ListSessionsByNode(ctx, nodeID)
	if err != nil {
		logger.Reconciler().Error().Err(err).Str("node_id", nodeID).Msg("Node sweep query failed")
		return
	}
	logger.Reconciler().Info().Str("node_id", nodeID).Int("sessions", len(sessions)).Msg("Reconciling sessions of lost node")
	for _, s := range sessions {
		r.reconcileSession(ctx, s)
	}
}

// reconcileSession checks one session's container and recovers it when
// the container is gone.
func (r *Reconciler) reconcileSession(ctx context.Context, s *db.Session) {
	if s.ContainerHandle == "" {
		// A creating session with no handle is a creation that died
		// mid-flight (e.g. control-plane restart); rebuild it once it is
		// clearly past the creation deadline.
		if s.Status == db.SessionCreating && time.Since(s.UpdatedAt) > r.cfg.CreateTimeout {
			r.recover(ctx, s)
		}
		return
	}

	running, err := r.drv.IsRunning(ctx, s.ContainerHandle)
	if err != nil {
		logger.Reconciler().Warn().Err(err).Str("session_id", s.ID).Msg("Container liveness check failed")
		return
	}
	if running {
		return
	}

	logger.Reconciler().Warn().
		Str("session_id", s.ID).
		Str("handle", s.ContainerHandle).
		Msg("Container lost; recovering session")
	r.recover(ctx, s)
}

// recover rebuilds a session's container around its existing workspace.
func (r *Reconciler) recover(ctx context.Context, s *db.Session) {
	r.sweeper.CrashSessionExecutions(ctx, s.ID, "container lost")

	if s.RuntimeNodeID != "" {
		_ = r.nodes.AdjustContainerCount(ctx, s.RuntimeNodeID, -1)
	}
	if err := r.sessions.ClearContainer(ctx, s.ID); err != nil {
		logger.Reconciler().Error().Err(err).Str("session_id", s.ID).Msg("Failed to clear stale binding")
		return
	}
	if s.Status == db.SessionRunning {
		changed, err := r.sessions.Transition(ctx, s.ID, db.SessionCreating, db.SessionRunning)
		if err != nil {
			logger.Reconciler().Error().Err(err).Str("session_id", s.ID).Msg("Recovery transition failed")
			return
		}
		if !changed {
			return // terminated (or failed) under us; leave it alone
		}
		metrics.SessionTransitions.WithLabelValues(db.SessionCreating).Inc()
		r.publisher.SessionStatus(s.ID, db.SessionCreating, "recovering lost container")
	}

	tmpl, err := r.templates.GetTemplate(ctx, s.TemplateID)
	if err != nil {
		r.fail(ctx, s.ID, fmt.Sprintf("recovery failed: template lookup: %v", err))
		return
	}

	node, err := r.sched.Schedule(ctx, tmpl.ImageRef, s.Resources)
	if err != nil {
		r.fail(ctx, s.ID, fmt.Sprintf("recovery failed: %v", err))
		return
	}

	if err := r.drv.EnsureImage(ctx, node, tmpl.ImageRef); err != nil {
		r.fail(ctx, s.ID, fmt.Sprintf("recovery failed: image pull: %v", err))
		return
	}

	// Same workspace URI as every prior incarnation: files persist.
	spec := &driver.ContainerSpec{
		SessionID:        s.ID,
		ImageRef:         tmpl.ImageRef,
		WorkspaceURI:     s.WorkspaceURI,
		Env:              s.EnvVars,
		CPUMillis:        s.Resources.CPUMillis,
		MemoryBytes:      s.Resources.MemoryBytes,
		Dependencies:     s.RequestedDependencies,
		ControlPlaneURL:  r.cfg.ControlPlaneURL,
		InternalAPIToken: r.cfg.InternalAPIToken,
	}

	handle, err := r.drv.CreateContainer(ctx, node, spec)
	if err != nil {
		metrics.DriverErrors.WithLabelValues("create_container").Inc()
		r.fail(ctx, s.ID, fmt.Sprintf("recovery failed: container create: %v", err))
		return
	}

	bound, err := r.sessions.BindContainer(ctx, s.ID, node.ID, handle)
	if err != nil || !bound {
		// Terminated while we were recreating; release the container.
		_ = r.drv.Destroy(ctx, handle)
		if err != nil {
			logger.Reconciler().Error().Err(err).Str("session_id", s.ID).Msg("Recovery bind failed")
		}
		return
	}
	_ = r.nodes.AdjustContainerCount(ctx, node.ID, 1)

	metrics.ReconcilerRecoveries.WithLabelValues("recovered").Inc()
	logger.Reconciler().Info().
		Str("session_id", s.ID).
		Str("node_id", node.ID).
		Msg("Session container recreated")
	// running arrives via the executor's container_ready callback.
}

// fail finalizes a session whose recovery is impossible.
func (r *Reconciler) fail(ctx context.Context, sessionID, reason string) {
	metrics.ReconcilerRecoveries.WithLabelValues("failed").Inc()
	changed, err := r.sessions.TransitionWithReason(ctx, sessionID, db.SessionFailed, reason,
		db.SessionCreating, db.SessionRunning)
	if err != nil {
		logger.Reconciler().Error().Err(err).Str("session_id", sessionID).Msg("Failed to finalize session")
		return
	}
	if changed {
		metrics.SessionTransitions.WithLabelValues(db.SessionFailed).Inc()
		r.publisher.SessionStatus(sessionID, db.SessionFailed, reason)
		logger.Reconciler().Warn().Str("session_id", sessionID).Str("reason", reason).Msg("Session failed")
	}
}
