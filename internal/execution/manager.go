// Package execution owns the execution state machine: at-least-once
// submission of code to the in-container executor, heartbeat-based crash
// detection, bounded retries, and idempotent result ingestion.
//
// State machine:
//
//	(absent) --submit--> pending
//	pending  --dispatched--> running
//	running  --result--> completed | failed | timeout   (final)
//	running  --heartbeat_timeout--> crashed
//	running  --executor_crash--> crashed
//	crashed  --retry (retry_count++)--> pending          while retries remain
//	crashed  --give_up--> failed                         when exhausted
//
// Delivery is at-least-once; the consistency primitive is the execution
// id as idempotency key plus monotone terminal transitions in the store:
// the first terminal write wins, every later callback is discarded.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sandpool-dev/sandpool/internal/apperrors"
	"github.com/sandpool-dev/sandpool/internal/db"
	"github.com/sandpool-dev/sandpool/internal/driver"
	"github.com/sandpool-dev/sandpool/internal/events"
	"github.com/sandpool-dev/sandpool/internal/logger"
	"github.com/sandpool-dev/sandpool/internal/metrics"
)

// Retry backoff: delay = min(maxBackoff, base * factor^retry_count).
const (
	retryBase    = time.Second
	retryFactor  = 2
	retryMax     = 10 * time.Second
	watchdogTick = 5 * time.Second
)

// supportedLanguages is the executor's language set.
var supportedLanguages = map[string]bool{
	"python": true,
}

// ArtifactUploader stores spilled stdout/stderr overflow.
type ArtifactUploader interface {
	Upload(ctx context.Context, sessionID, relPath string, r io.Reader, size int64, contentType string) error
}

// Config holds the manager's tunables.
type Config struct {
	DefaultTimeout      time.Duration
	MaxTimeout          time.Duration
	HeartbeatTimeout    time.Duration
	Grace               time.Duration
	MaxRetries          int
	StdoutTruncateBytes int
}

// Manager dispatches executions and ingests their results.
type Manager struct {
	executions *db.ExecutionStore
	sessions   *db.SessionStore
	drv        driver.Driver
	uploader   ArtifactUploader
	publisher  *events.Publisher
	cfg        Config

	httpClient *http.Client
}

// NewManager wires an execution manager.
func NewManager(executions *db.ExecutionStore, sessions *db.SessionStore,
	drv driver.Driver, uploader ArtifactUploader, publisher *events.Publisher, cfg Config) *Manager {
	return &Manager{
		executions: executions,
		sessions:   sessions,
		drv:        drv,
		uploader:   uploader,
		publisher:  publisher,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SubmitRequest is the sanitized input for a new execution.
type SubmitRequest struct {
	Code        string
	Language    string
	Event       json.RawMessage
	TimeoutSecs *int // nil means default; 0 is rejected
}

// Submit validates the session, persists a pending execution (touching
// session activity in the same transaction) and dispatches it to the
// in-container executor asynchronously.
func (m *Manager) Submit(ctx context.Context, sessionID string, req SubmitRequest) (*db.Execution, error) {
	if req.Code == "" {
		return nil, apperrors.Validation("code cannot be empty")
	}
	if !supportedLanguages[req.Language] {
		return nil, apperrors.UnsupportedLanguage(req.Language)
	}

	timeout := int(m.cfg.DefaultTimeout.Seconds())
	if req.TimeoutSecs != nil {
		if *req.TimeoutSecs <= 0 {
			return nil, apperrors.Validation("timeout must be positive")
		}
		timeout = *req.TimeoutSecs
		if timeout > int(m.cfg.MaxTimeout.Seconds()) {
			timeout = int(m.cfg.MaxTimeout.Seconds())
		}
	}

	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != db.SessionRunning {
		return nil, apperrors.SessionNotReady(sessionID, "status is "+session.Status)
	}
	if len(session.RequestedDependencies) > 0 && session.DependencyStatus != db.DepsReady {
		return nil, apperrors.SessionNotReady(sessionID, "dependencies are "+session.DependencyStatus)
	}

	exec := &db.Execution{
		SessionID:      sessionID,
		Code:           req.Code,
		Language:       req.Language,
		Event:          req.Event,
		Status:         db.ExecutionPending,
		TimeoutSeconds: timeout,
	}
	if err := m.executions.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	go m.dispatch(exec.ID)
	return exec, nil
}

// Get returns an execution by id.
func (m *Manager) Get(ctx context.Context, id string) (*db.Execution, error) {
	return m.executions.GetExecution(ctx, id)
}

// executorRequest is the wire form of POST /execute.
type executorRequest struct {
	ExecutionID string          `json:"execution_id"`
	Code        string          `json:"code"`
	Language    string          `json:"language"`
	Timeout     int             `json:"timeout"`
	Stdin       json.RawMessage `json:"stdin,omitempty"`
}

// dispatch delivers one execution attempt to the executor. For any
// execution id at most one concurrent delivery exists: dispatch is only
// entered from the pending status, and the pending->running transition
// below is a CAS.
func (m *Manager) dispatch(execID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exec, err := m.executions.GetExecution(ctx, execID)
	if err != nil {
		logger.Execution().Error().Err(err).Str("execution_id", execID).Msg("Dispatch lookup failed")
		return
	}
	if exec.Status != db.ExecutionPending {
		return
	}

	session, err := m.sessions.GetSession(ctx, exec.SessionID)
	if err != nil {
		m.crash(ctx, execID, "session lookup failed: "+err.Error())
		return
	}
	if db.IsSessionTerminal(session.Status) {
		if _, err := m.executions.MarkCrashed(ctx, execID, "session is "+session.Status); err == nil {
			_, _ = m.executions.GiveUp(ctx, execID, "session is "+session.Status)
		}
		return
	}
	if session.Status != db.SessionRunning || session.ContainerHandle == "" {
		// Container is being rebuilt; crash into the retry policy so the
		// attempt lands after recovery.
		m.crash(ctx, execID, "session has no live container")
		return
	}

	endpoint, err := m.drv.ExecutorEndpoint(ctx, session.ContainerHandle)
	if err != nil {
		m.crash(ctx, execID, "executor endpoint unresolved: "+err.Error())
		return
	}

	body, err := json.Marshal(executorRequest{
		ExecutionID: exec.ID,
		Code:        exec.Code,
		Language:    exec.Language,
		Timeout:     exec.TimeoutSeconds,
		Stdin:       exec.Event,
	})
	if err != nil {
		m.crash(ctx, execID, "request encoding failed: "+err.Error())
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/execute", bytes.NewReader(body))
	if err != nil {
		m.crash(ctx, execID, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.crash(ctx, execID, apperrors.ExecutorUnreachable(err).Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.crash(ctx, execID, fmt.Sprintf("executor rejected execution: HTTP %d", resp.StatusCode))
		return
	}

	changed, err := m.executions.Transition(ctx, execID, db.ExecutionRunning, db.ExecutionPending)
	if err != nil {
		logger.Execution().Error().Err(err).Str("execution_id", execID).Msg("Dispatch transition failed")
		return
	}
	if !changed {
		return
	}

	logger.Execution().Info().
		Str("execution_id", execID).
		Str("session_id", exec.SessionID).
		Int("retry", exec.RetryCount).
		Msg("Execution dispatched")

	// Control-plane deadline protecting against a dead executor: the
	// executor enforces the per-execution timeout internally; this outer
	// deadline adds a grace window on top.
	deadline := time.Duration(exec.TimeoutSeconds)*time.Second + m.cfg.Grace
	time.AfterFunc(deadline, func() { m.enforceDeadline(execID, exec.SessionID, exec.TimeoutSeconds) })
}

// crash marks an attempt crashed and schedules the retry policy.
func (m *Manager) crash(ctx context.Context, execID, reason string) {
	changed, err := m.executions.MarkCrashed(ctx, execID, reason)
	if err != nil {
		logger.Execution().Error().Err(err).Str("execution_id", execID).Msg("Crash transition failed")
		return
	}
	if !changed {
		return
	}
	logger.Execution().Warn().Str("execution_id", execID).Str("reason", reason).Msg("Execution crashed")
	m.scheduleRetry(execID)
}

// scheduleRetry requeues a crashed execution after capped exponential
// backoff, or finalizes it when retries are exhausted.
func (m *Manager) scheduleRetry(execID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	exec, err := m.executions.GetExecution(ctx, execID)
	if err != nil {
		logger.Execution().Error().Err(err).Str("execution_id", execID).Msg("Retry lookup failed")
		return
	}
	if exec.Status != db.ExecutionCrashed {
		return
	}

	if exec.RetryCount >= m.cfg.MaxRetries {
		if _, err := m.executions.GiveUp(ctx, execID, "retries exhausted: "+exec.FailureReason); err != nil {
			logger.Execution().Error().Err(err).Str("execution_id", execID).Msg("Give-up transition failed")
			return
		}
		metrics.ExecutionsByStatus.WithLabelValues(db.ExecutionFailed).Inc()
		m.publisher.ExecutionStatus(execID, exec.SessionID, db.ExecutionFailed, exec.RetryCount)
		logger.Execution().Warn().Str("execution_id", execID).Msg("Execution failed after exhausting retries")
		return
	}

	delay := backoff(exec.RetryCount)
	logger.Execution().Info().
		Str("execution_id", execID).
		Dur("delay", delay).
		Int("retry", exec.RetryCount+1).
		Msg("Scheduling execution retry")

	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		requeued, err := m.executions.Requeue(ctx, execID, m.cfg.MaxRetries)
		if err != nil {
			logger.Execution().Error().Err(err).Str("execution_id", execID).Msg("Requeue failed")
			return
		}
		if !requeued {
			return
		}
		metrics.ExecutionRetries.Inc()
		m.dispatch(execID)
	})
}

// backoff computes the retry delay for a given attempt count.
func backoff(retryCount int) time.Duration {
	delay := retryBase
	for i := 0; i < retryCount; i++ {
		delay *= retryFactor
		if delay >= retryMax {
			return retryMax
		}
	}
	if delay > retryMax {
		return retryMax
	}
	return delay
}

// enforceDeadline fires when timeout + grace elapsed after dispatch. A
// still-unfinished execution is finalized as timeout and its container
// destroyed (the reconciler then rebuilds the session).
func (m *Manager) enforceDeadline(execID, sessionID string, timeoutSecs int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exec, err := m.executions.GetExecution(ctx, execID)
	if err != nil {
		return
	}
	if db.IsExecutionFinal(exec.Status) {
		return
	}

	execTime := float64(timeoutSecs)
	applied, err := m.executions.IngestResult(ctx, execID, &db.ExecutionResult{
		Status:               db.ExecutionTimeout,
		Stderr:               fmt.Sprintf("execution timed out after %d seconds (control-plane deadline)", timeoutSecs),
		ExitCode:             -1,
		ExecutionTimeSeconds: execTime,
		FailureReason:        "executor missed the control-plane deadline",
	})
	if err != nil || !applied {
		return
	}

	metrics.ExecutionsByStatus.WithLabelValues(db.ExecutionTimeout).Inc()
	m.publisher.ExecutionStatus(execID, sessionID, db.ExecutionTimeout, exec.RetryCount)
	logger.Execution().Warn().Str("execution_id", execID).Msg("Execution timed out at control-plane deadline")

	// The executor is presumed dead; release the container and let the
	// reconciler rebuild the session around the same workspace.
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil || session.ContainerHandle == "" {
		return
	}
	if err := m.drv.Destroy(ctx, session.ContainerHandle); err != nil {
		logger.Execution().Warn().Err(err).Str("session_id", sessionID).Msg("Failed to destroy container after deadline")
	}
}

// HandleHeartbeat records an executor heartbeat for a running execution.
func (m *Manager) HandleHeartbeat(ctx context.Context, execID string) error {
	if _, err := m.executions.GetExecution(ctx, execID); err != nil {
		return err
	}
	_, err := m.executions.RecordHeartbeat(ctx, execID)
	return err
}

// HandleStatusRunning processes the executor's started notification
// (pending -> running), covering redelivery races where the dispatch
// response was lost.
func (m *Manager) HandleStatusRunning(ctx context.Context, execID string) error {
	if _, err := m.executions.GetExecution(ctx, execID); err != nil {
		return err
	}
	_, err := m.executions.Transition(ctx, execID, db.ExecutionRunning, db.ExecutionPending)
	return err
}

// CrashSessionExecutions marks every in-flight execution of a session
// crashed. Used on container loss and on session termination; the usual
// retry policy decides what happens next.
func (m *Manager) CrashSessionExecutions(ctx context.Context, sessionID, reason string) {
	execs, err := m.executions.ListRunningBySession(ctx, sessionID)
	if err != nil {
		logger.Execution().Error().Err(err).Str("session_id", sessionID).Msg("Failed to list in-flight executions")
		return
	}
	for _, exec := range execs {
		m.crash(ctx, exec.ID, reason)
	}
}

// StartWatchdog scans for running executions whose heartbeat went stale
// and crashes them into the retry policy. Runs until the context ends.
func (m *Manager) StartWatchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()

	logger.Execution().Info().
		Dur("heartbeat_timeout", m.cfg.HeartbeatTimeout).
		Msg("Starting execution heartbeat watchdog")

	for {
		select {
		case <-ctx.Done():
			logger.Execution().Info().Msg("Execution watchdog stopped")
			return
		case <-ticker.C:
			m.SweepStaleHeartbeats(ctx)
		}
	}
}

// SweepStaleHeartbeats crashes running executions whose last heartbeat
// predates the heartbeat timeout. Also invoked by the reconciler sweep.
func (m *Manager) SweepStaleHeartbeats(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.HeartbeatTimeout)
	stale, err := m.executions.FindStaleRunning(ctx, cutoff)
	if err != nil {
		logger.Execution().Error().Err(err).Msg("Heartbeat sweep query failed")
		return
	}
	for _, exec := range stale {
		m.crash(ctx, exec.ID, fmt.Sprintf("no heartbeat for %s", m.cfg.HeartbeatTimeout))
	}
}
