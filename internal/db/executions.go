// Package db provides PostgreSQL persistence for the sandpool control plane.
//
// This file implements execution storage. Executions carry their own
// small state machine; the critical property is that transitions into a
// final status are monotone: the first terminal write wins and every
// later write is a no-op, which makes result ingestion idempotent.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/sandpool-dev/sandpool/internal/apperrors"
)

// Execution represents one code-run inside a session.
type Execution struct {
	ID                   string               `json:"id"`
	SessionID            string               `json:"session_id"`
	Code                 string               `json:"code"`
	Language             string               `json:"language"`
	Event                json.RawMessage      `json:"event,omitempty"`
	Status               string               `json:"status"`
	Stdout               string               `json:"stdout"`
	Stderr               string               `json:"stderr"`
	ExitCode             *int                 `json:"exit_code,omitempty"`
	ExecutionTimeSeconds *float64             `json:"execution_time_seconds,omitempty"`
	ReturnValue          json.RawMessage      `json:"return_value,omitempty"`
	Metrics              json.RawMessage      `json:"metrics,omitempty"`
	Artifacts            []ArtifactDescriptor `json:"artifacts,omitempty"`
	TimeoutSeconds       int                  `json:"timeout_seconds"`
	RetryCount           int                  `json:"retry_count"`
	FailureReason        string               `json:"failure_reason,omitempty"`
	Version              int64                `json:"-"`
	LastHeartbeatAt      *time.Time           `json:"last_heartbeat_at,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
	CompletedAt          *time.Time           `json:"completed_at,omitempty"`
}

// ExecutionResult is the terminal payload delivered by the in-container
// executor through the internal result callback.
type ExecutionResult struct {
	Status               string               `json:"status"` // completed, failed, timeout
	Stdout               string               `json:"stdout"`
	Stderr               string               `json:"stderr"`
	ExitCode             int                  `json:"exit_code"`
	ExecutionTimeSeconds float64              `json:"execution_time_seconds"`
	ReturnValue          json.RawMessage      `json:"return_value,omitempty"`
	Metrics              json.RawMessage      `json:"metrics,omitempty"`
	Artifacts            []ArtifactDescriptor `json:"artifacts,omitempty"`
	FailureReason        string               `json:"failure_reason,omitempty"`
}

// ExecutionStore handles database operations for executions.
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new ExecutionStore instance.
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

const executionColumns = `
	id, session_id, code, language, event, status, stdout, stderr,
	exit_code, execution_time_seconds, return_value, metrics,
	COALESCE(artifacts, '[]'), timeout_seconds, retry_count,
	COALESCE(failure_reason, ''), version, last_heartbeat_at,
	created_at, updated_at, completed_at
`

// CreateExecution inserts a pending execution and touches the owning
// session's last_activity_at in the same transaction, so an execute
// request always counts as session activity.
func (s *ExecutionStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = "exec_" + uuid.New().String()
	}
	now := time.Now()
	exec.CreatedAt = now
	exec.UpdatedAt = now
	if exec.Status == "" {
		exec.Status = ExecutionPending
	}
	exec.Version = 1

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	var event interface{}
	if len(exec.Event) > 0 {
		event = []byte(exec.Event)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (
			id, session_id, code, language, event, status,
			timeout_seconds, retry_count, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 1, $8, $9)
	`, exec.ID, exec.SessionID, exec.Code, exec.Language, event, exec.Status,
		exec.TimeoutSeconds, exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create execution for session %s: %w", exec.SessionID, classify(err))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET last_activity_at = $1, updated_at = $1 WHERE id = $2
	`, now, exec.SessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session %s activity: %w", exec.SessionID, classify(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution insert: %w", classify(err))
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *ExecutionStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("execution", id)
		}
		return nil, fmt.Errorf("failed to get execution %s: %w", id, classify(err))
	}
	return exec, nil
}

// ListExecutionsBySession retrieves all executions of a session, newest first.
func (s *ExecutionStore) ListExecutionsBySession(ctx context.Context, sessionID string) ([]*Execution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE session_id = $1
		ORDER BY created_at DESC
	`, sessionID)
}

// ListRunningBySession retrieves the in-flight executions of a session.
func (s *ExecutionStore) ListRunningBySession(ctx context.Context, sessionID string) ([]*Execution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE session_id = $1 AND status IN ('pending', 'running')
		ORDER BY created_at ASC
	`, sessionID)
}

// FindStaleRunning returns running executions whose last heartbeat
// predates the cutoff (crash candidates).
func (s *ExecutionStore) FindStaleRunning(ctx context.Context, cutoff time.Time) ([]*Execution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE status = 'running' AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1)
			AND updated_at < $1
		ORDER BY created_at ASC
	`, cutoff)
}

// FindPending returns pending executions ready for dispatch.
func (s *ExecutionStore) FindPending(ctx context.Context) ([]*Execution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE status = 'pending'
		ORDER BY created_at ASC
	`)
}

// Transition conditionally advances an execution between non-final
// statuses. Returns false when the row was not in a source status.
func (s *ExecutionStore) Transition(ctx context.Context, id, to string, from ...string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $1, version = version + 1, updated_at = $2,
			last_heartbeat_at = CASE WHEN $1 = 'running' THEN $2 ELSE last_heartbeat_at END
		WHERE id = $3 AND status = ANY($4)
	`, to, time.Now(), id, pq.Array(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition execution %s to %s: %w", id, to, classify(err))
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// MarkCrashed moves an in-flight execution to crashed with a diagnostic
// reason. Final rows are untouched.
func (s *ExecutionStore) MarkCrashed(ctx context.Context, id, reason string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = 'crashed', failure_reason = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND status IN ('pending', 'running')
	`, reason, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark execution %s crashed: %w", id, classify(err))
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// Requeue moves a crashed execution back to pending, incrementing the
// retry counter, but only while the counter is below the cap.
func (s *ExecutionStore) Requeue(ctx context.Context, id string, maxAttempts int) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = 'pending', retry_count = retry_count + 1, version = version + 1, updated_at = $1
		WHERE id = $2 AND status = 'crashed' AND retry_count < $3
	`, time.Now(), id, maxAttempts)
	if err != nil {
		return false, fmt.Errorf("failed to requeue execution %s: %w", id, classify(err))
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// GiveUp finalizes a crashed execution as failed once retries are
// exhausted.
func (s *ExecutionStore) GiveUp(ctx context.Context, id, reason string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = 'failed', failure_reason = $1, completed_at = $2, version = version + 1, updated_at = $2
		WHERE id = $3 AND status = 'crashed'
	`, reason, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to finalize execution %s: %w", id, classify(err))
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// RecordHeartbeat bumps last_heartbeat_at on a running execution.
func (s *ExecutionStore) RecordHeartbeat(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET last_heartbeat_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'running'
	`, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to record heartbeat for execution %s: %w", id, classify(err))
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// IngestResult applies a terminal result to an execution. The update is
// conditional on the row still being non-final, so a repeated callback
// for an already-terminal execution is accepted and discarded: the first
// write wins. Returns false when the result was discarded.
func (s *ExecutionStore) IngestResult(ctx context.Context, id string, result *ExecutionResult) (bool, error) {
	if !IsExecutionFinal(result.Status) {
		return false, apperrors.Validation(fmt.Sprintf("result status %q is not terminal", result.Status))
	}

	artifacts, err := json.Marshal(result.Artifacts)
	if err != nil {
		return false, fmt.Errorf("failed to marshal artifacts: %w", err)
	}
	var returnValue, metrics interface{}
	if len(result.ReturnValue) > 0 {
		returnValue = []byte(result.ReturnValue)
	}
	if len(result.Metrics) > 0 {
		metrics = []byte(result.Metrics)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $1, stdout = $2, stderr = $3, exit_code = $4,
			execution_time_seconds = $5, return_value = $6, metrics = $7,
			artifacts = $8, failure_reason = CASE WHEN $9 <> '' THEN $9 ELSE failure_reason END,
			completed_at = $10, version = version + 1, updated_at = $10
		WHERE id = $11 AND status IN ('pending', 'running', 'crashed')
	`, result.Status, result.Stdout, result.Stderr, result.ExitCode,
		result.ExecutionTimeSeconds, returnValue, metrics, artifacts,
		result.FailureReason, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to ingest result for execution %s: %w", id, classify(err))
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

func (s *ExecutionStore) queryExecutions(ctx context.Context, query string, args ...interface{}) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute execution query: %w", classify(err))
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution rows: %w", err)
	}
	return execs, nil
}

func scanExecution(row scanner) (*Execution, error) {
	exec := &Execution{}
	var event, returnValue, metrics, artifacts []byte
	var exitCode sql.NullInt64
	var execTime sql.NullFloat64
	var heartbeat, completedAt sql.NullTime

	err := row.Scan(
		&exec.ID, &exec.SessionID, &exec.Code, &exec.Language, &event, &exec.Status,
		&exec.Stdout, &exec.Stderr, &exitCode, &execTime, &returnValue, &metrics,
		&artifacts, &exec.TimeoutSeconds, &exec.RetryCount,
		&exec.FailureReason, &exec.Version, &heartbeat,
		&exec.CreatedAt, &exec.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(event) > 0 {
		exec.Event = json.RawMessage(event)
	}
	if len(returnValue) > 0 {
		exec.ReturnValue = json.RawMessage(returnValue)
	}
	if len(metrics) > 0 {
		exec.Metrics = json.RawMessage(metrics)
	}
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &exec.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifacts: %w", err)
		}
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		exec.ExitCode = &code
	}
	if execTime.Valid {
		t := execTime.Float64
		exec.ExecutionTimeSeconds = &t
	}
	if heartbeat.Valid {
		exec.LastHeartbeatAt = &heartbeat.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}
