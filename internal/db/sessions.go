// Package db provides PostgreSQL persistence for the sandpool control plane.
//
// This file implements session storage. The sessions table is the source
// of truth for session intent; lifecycle transitions are conditional
// updates gated on the current status and a version column, so concurrent
// mutators (manager, reconciler, idle sweep) serialize through the
// database rather than through process-local locks.
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

// Session represents a logical execution context bound to at most one
// live container at a time.
type Session struct {
	ID                    string            `json:"id"`
	TemplateID            string            `json:"template_id"`
	Status                string            `json:"status"`
	RuntimeKind           string            `json:"runtime_kind"`
	RuntimeNodeID         string            `json:"runtime_node_id,omitempty"`
	ContainerHandle       string            `json:"container_handle,omitempty"`
	WorkspaceURI          string            `json:"workspace_uri"`
	Resources             Resources         `json:"resources"`
	EnvVars               map[string]string `json:"env_vars,omitempty"`
	TimeoutSeconds        int               `json:"timeout_seconds"`
	RequestedDependencies []string          `json:"requested_dependencies,omitempty"`
	InstalledDependencies []string          `json:"installed_dependencies,omitempty"`
	DependencyStatus      string            `json:"dependency_status"`
	FailureReason         string            `json:"failure_reason,omitempty"`
	Version               int64             `json:"-"`
	LastActivityAt        *time.Time        `json:"last_activity_at,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
}

// SessionStore handles database operations for sessions.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a new SessionStore instance.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionColumns = `
	id, template_id, status, runtime_kind,
	COALESCE(runtime_node_id, ''), COALESCE(container_handle, ''), workspace_uri,
	cpu_millis, memory_bytes, disk_bytes, COALESCE(env_vars, '{}'),
	timeout_seconds, COALESCE(requested_dependencies, '[]'), COALESCE(installed_dependencies, '[]'),
	dependency_status, COALESCE(failure_reason, ''), version,
	last_activity_at, created_at, updated_at, completed_at
`

// CreateSession inserts a new session row in status creating.
func (s *SessionStore) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = "sess_" + uuid.New().String()
	}
	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = SessionCreating
	}
	if session.DependencyStatus == "" {
		session.DependencyStatus = DepsNone
	}
	session.Version = 1

	envVars, err := json.Marshal(session.EnvVars)
	if err != nil {
		return fmt.Errorf("failed to marshal env vars: %w", err)
	}
	requested, err := json.Marshal(session.RequestedDependencies)
	if err != nil {
		return fmt.Errorf("failed to marshal requested dependencies: %w", err)
	}

	query := `
		INSERT INTO sessions (
			id, template_id, status, runtime_kind, runtime_node_id, container_handle,
			workspace_uri, cpu_millis, memory_bytes, disk_bytes, env_vars,
			timeout_seconds, requested_dependencies, installed_dependencies,
			dependency_status, version, last_activity_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, '[]', $14, 1, $15, $16, $17)
	`

	_, err = s.db.ExecContext(ctx, query,
		session.ID, session.TemplateID, session.Status, session.RuntimeKind,
		nullString(session.RuntimeNodeID), nullString(session.ContainerHandle),
		session.WorkspaceURI, session.Resources.CPUMillis, session.Resources.MemoryBytes, session.Resources.DiskBytes,
		envVars, session.TimeoutSeconds, requested, session.DependencyStatus,
		now, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", session.ID, classify(err))
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("session", id)
		}
		return nil, fmt.Errorf("failed to get session %s: %w", id, classify(err))
	}
	return session, nil
}

// SessionListOptions controls ListSessions filtering and keyset paging.
type SessionListOptions struct {
	Status string
	Limit  int
	// Keyset cursor: rows strictly after (AfterCreatedAt, AfterID) in
	// (created_at DESC, id DESC) order.
	AfterCreatedAt *time.Time
	AfterID        string
}

// ListSessions retrieves sessions with optional status filter and keyset
// pagination, newest first.
func (s *SessionStore) ListSessions(ctx context.Context, opts SessionListOptions) ([]*Session, error) {
	if opts.Limit <= 0 || opts.Limit > 200 {
		opts.Limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	args := []interface{}{}
	idx := 1

	if opts.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, opts.Status)
		idx++
	}
	if opts.AfterCreatedAt != nil {
		query += fmt.Sprintf(` AND (created_at, id) < ($%d, $%d)`, idx, idx+1)
		args = append(args, *opts.AfterCreatedAt, opts.AfterID)
		idx += 2
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, idx)
	args = append(args, opts.Limit)

	return s.querySessions(ctx, query, args...)
}

// ListSessionsByStatus retrieves all sessions in the given statuses.
func (s *SessionStore) ListSessionsByStatus(ctx context.Context, statuses ...string) ([]*Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = ANY($1)
		ORDER BY created_at ASC
	`, pq.Array(statuses))
}

// ListSessionsByNode retrieves the active sessions bound to a node.
func (s *SessionStore) ListSessionsByNode(ctx context.Context, nodeID string) ([]*Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE runtime_node_id = $1 AND status IN ('creating', 'running')
		ORDER BY created_at ASC
	`, nodeID)
}

// FindIdleRunning returns running sessions whose last activity predates
// the cutoff.
func (s *SessionStore) FindIdleRunning(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'running' AND last_activity_at IS NOT NULL AND last_activity_at < $1
		ORDER BY last_activity_at ASC
	`, cutoff)
}

// FindRunningOlderThan returns running sessions created before the cutoff
// (max-lifetime enforcement).
func (s *SessionStore) FindRunningOlderThan(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'running' AND created_at < $1
		ORDER BY created_at ASC
	`, cutoff)
}

// CountActiveByTemplate counts non-terminal sessions referencing a template.
func (s *SessionStore) CountActiveByTemplate(ctx context.Context, templateID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE template_id = $1 AND status IN ('creating', 'running')
	`, templateID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions for template %s: %w", templateID, classify(err))
	}
	return count, nil
}

// Transition conditionally advances a session from any of the given
// source statuses to the target status. Terminal targets clear the
// container handle and stamp completed_at in the same write, preserving
// the invariant that terminal rows never reference a container.
//
// Returns false without error when the row exists but is not in a source
// status (a concurrent mutator won the race).
func (s *SessionStore) Transition(ctx context.Context, id, to string, from ...string) (bool, error) {
	return s.transition(ctx, id, to, "", from...)
}

// TransitionWithReason is Transition plus a diagnostic failure reason.
func (s *SessionStore) TransitionWithReason(ctx context.Context, id, to, reason string, from ...string) (bool, error) {
	return s.transition(ctx, id, to, reason, from...)
}

func (s *SessionStore) transition(ctx context.Context, id, to, reason string, from ...string) (bool, error) {
	now := time.Now()

	query := `
		UPDATE sessions
		SET status = $1,
			version = version + 1,
			updated_at = $2,
			failure_reason = CASE WHEN $3 <> '' THEN $3 ELSE failure_reason END,
			completed_at = CASE WHEN $1 IN ('completed', 'failed', 'timeout', 'terminated') THEN $2 ELSE completed_at END,
			container_handle = CASE WHEN $1 IN ('completed', 'failed', 'timeout', 'terminated') THEN NULL ELSE container_handle END,
			runtime_node_id = CASE WHEN $1 IN ('completed', 'failed', 'timeout', 'terminated') THEN NULL ELSE runtime_node_id END
		WHERE id = $4 AND status = ANY($5)
	`

	result, err := s.db.ExecContext(ctx, query, to, now, reason, id, pq.Array(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition session %s to %s: %w", id, to, classify(err))
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// BindContainer records the node and container handle of a freshly
// created container. Only creating sessions accept a binding.
func (s *SessionStore) BindContainer(ctx context.Context, id, nodeID, handle string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET runtime_node_id = $1, container_handle = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND status = 'creating'
	`, nodeID, handle, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to bind container for session %s: %w", id, classify(err))
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ClearContainer drops the container binding of an active session,
// typically because the reconciler observed the container gone.
func (s *SessionStore) ClearContainer(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET container_handle = NULL, runtime_node_id = NULL, version = version + 1, updated_at = $1
		WHERE id = $2 AND status IN ('creating', 'running')
	`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to clear container for session %s: %w", id, classify(err))
	}
	return nil
}

// TouchActivity bumps last_activity_at on a running session.
func (s *SessionStore) TouchActivity(ctx context.Context, id string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity_at = $1, updated_at = $1 WHERE id = $2
	`, now, id)
	if err != nil {
		return fmt.Errorf("failed to touch activity for session %s: %w", id, classify(err))
	}
	return nil
}

// SetDependencyStatus updates the dependency install state. The installed
// list is only written when non-nil.
func (s *SessionStore) SetDependencyStatus(ctx context.Context, id, status string, installed []string) error {
	now := time.Now()
	if installed != nil {
		list, err := json.Marshal(installed)
		if err != nil {
			return fmt.Errorf("failed to marshal installed dependencies: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE sessions
			SET dependency_status = $1, installed_dependencies = $2, version = version + 1, updated_at = $3
			WHERE id = $4
		`, status, list, now, id)
		if err != nil {
			return fmt.Errorf("failed to set dependency status for session %s: %w", id, classify(err))
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET dependency_status = $1, version = version + 1, updated_at = $2
		WHERE id = $3
	`, status, now, id)
	if err != nil {
		return fmt.Errorf("failed to set dependency status for session %s: %w", id, classify(err))
	}
	return nil
}

func (s *SessionStore) querySessions(ctx context.Context, query string, args ...interface{}) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute session query: %w", classify(err))
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

func scanSession(row scanner) (*Session, error) {
	session := &Session{}
	var envVars, requested, installed []byte
	var lastActivity, completedAt sql.NullTime

	err := row.Scan(
		&session.ID, &session.TemplateID, &session.Status, &session.RuntimeKind,
		&session.RuntimeNodeID, &session.ContainerHandle, &session.WorkspaceURI,
		&session.Resources.CPUMillis, &session.Resources.MemoryBytes, &session.Resources.DiskBytes,
		&envVars, &session.TimeoutSeconds, &requested, &installed,
		&session.DependencyStatus, &session.FailureReason, &session.Version,
		&lastActivity, &session.CreatedAt, &session.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(envVars) > 0 {
		if err := json.Unmarshal(envVars, &session.EnvVars); err != nil {
			return nil, fmt.Errorf("failed to unmarshal env vars: %w", err)
		}
	}
	if len(requested) > 0 {
		if err := json.Unmarshal(requested, &session.RequestedDependencies); err != nil {
			return nil, fmt.Errorf("failed to unmarshal requested dependencies: %w", err)
		}
	}
	if len(installed) > 0 {
		if err := json.Unmarshal(installed, &session.InstalledDependencies); err != nil {
			return nil, fmt.Errorf("failed to unmarshal installed dependencies: %w", err)
		}
	}
	if lastActivity.Valid {
		session.LastActivityAt = &lastActivity.Time
	}
	if completedAt.Valid {
		session.CompletedAt = &completedAt.Time
	}
	return session, nil
}
