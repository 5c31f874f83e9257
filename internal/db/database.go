// Package db provides PostgreSQL persistence for the sandpool control plane.
//
// This file implements the core database connection and lifecycle management.
//
// Purpose:
// - Establish and maintain the PostgreSQL connection pool
// - Initialize the schema on startup (templates, runtime nodes, sessions, executions)
// - Provide the centralized database instance for all stores
// - Classify driver errors into transient vs. integrity failures
//
// The entity store exclusively owns durability of all rows; no other
// component holds authoritative in-memory copies. State transitions are
// performed with conditional updates on a version column so that a stale
// reader can never clobber a newer write (see sessions.go, executions.go).
//
// Implementation Details:
// - Uses database/sql with the lib/pq PostgreSQL driver
// - Connection pool configured for steady-state control-plane load
// - Schema initialization runs CREATE TABLE IF NOT EXISTS on startup
// - Thread-safe connection pooling handled by database/sql
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/sandpool-dev/sandpool/internal/apperrors"
)

// Database represents the database connection
type Database struct {
	db *sql.DB
}

// NewDatabase opens a connection pool against the given DSN and pings it.
func NewDatabase(dsn string) (*Database, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for steady control-plane load
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{db: db}, nil
}

// NewDatabaseForTesting creates a Database from an existing sql.DB
// connection. Intended ONLY for tests (dependency injection with sqlmock).
func NewDatabaseForTesting(db *sql.DB) *Database {
	return &Database{db: db}
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying sql.DB
func (d *Database) DB() *sql.DB {
	return d.db
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		// Templates: immutable session recipes
		`CREATE TABLE IF NOT EXISTS templates (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) UNIQUE NOT NULL,
			image_ref VARCHAR(512) NOT NULL,
			cpu_millis BIGINT NOT NULL DEFAULT 1000,
			memory_bytes BIGINT NOT NULL DEFAULT 2147483648,
			disk_bytes BIGINT NOT NULL DEFAULT 10737418240,
			packages JSONB DEFAULT '[]',
			security_context JSONB DEFAULT '{}',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_templates_name ON templates(name)`,

		// Runtime nodes: places where containers can be created
		`CREATE TABLE IF NOT EXISTS runtime_nodes (
			id VARCHAR(255) PRIMARY KEY,
			kind VARCHAR(50) NOT NULL,
			endpoint VARCHAR(512) NOT NULL,
			status VARCHAR(50) NOT NULL DEFAULT 'online',
			cpu_total_millis BIGINT NOT NULL DEFAULT 0,
			cpu_used_millis BIGINT NOT NULL DEFAULT 0,
			memory_total_bytes BIGINT NOT NULL DEFAULT 0,
			memory_used_bytes BIGINT NOT NULL DEFAULT 0,
			container_count INT NOT NULL DEFAULT 0,
			capacity INT NOT NULL DEFAULT 32,
			cached_images JSONB DEFAULT '[]',
			consecutive_failures INT NOT NULL DEFAULT 0,
			last_heartbeat_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_runtime_nodes_status ON runtime_nodes(status)`,

		// Sessions: logical execution contexts, 1:1 with at most one live container
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(255) PRIMARY KEY,
			template_id VARCHAR(255) NOT NULL REFERENCES templates(id) ON DELETE RESTRICT,
			status VARCHAR(50) NOT NULL,
			runtime_kind VARCHAR(50) NOT NULL,
			runtime_node_id VARCHAR(255) REFERENCES runtime_nodes(id) ON DELETE SET NULL,
			container_handle VARCHAR(512),
			workspace_uri VARCHAR(512) NOT NULL,
			cpu_millis BIGINT NOT NULL,
			memory_bytes BIGINT NOT NULL,
			disk_bytes BIGINT NOT NULL,
			env_vars JSONB DEFAULT '{}',
			timeout_seconds INT NOT NULL,
			requested_dependencies JSONB DEFAULT '[]',
			installed_dependencies JSONB DEFAULT '[]',
			dependency_status VARCHAR(50) NOT NULL DEFAULT 'none',
			failure_reason TEXT,
			version BIGINT NOT NULL DEFAULT 1,
			last_activity_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			completed_at TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_node ON sessions(runtime_node_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_template ON sessions(template_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_activity ON sessions(status, last_activity_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at DESC, id)`,

		// Executions: one code-run inside a session
		`CREATE TABLE IF NOT EXISTS executions (
			id VARCHAR(255) PRIMARY KEY,
			session_id VARCHAR(255) NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			code TEXT NOT NULL,
			language VARCHAR(50) NOT NULL,
			event JSONB,
			status VARCHAR(50) NOT NULL,
			stdout TEXT NOT NULL DEFAULT '',
			stderr TEXT NOT NULL DEFAULT '',
			exit_code INT,
			execution_time_seconds DOUBLE PRECISION,
			return_value JSONB,
			metrics JSONB,
			artifacts JSONB DEFAULT '[]',
			timeout_seconds INT NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			failure_reason TEXT,
			version BIGINT NOT NULL DEFAULT 1,
			last_heartbeat_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			completed_at TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status_heartbeat ON executions(status, last_heartbeat_at)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// classify maps a low-level database error to the store error taxonomy:
// integrity violations are fatal for the request, everything else on the
// connection path is transient and retried by the caller.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity_constraint_violation
			return apperrors.StoreIntegrity(err)
		case "08", "53", "57": // connection, insufficient resources, operator intervention
			return apperrors.StoreUnavailable(err)
		}
		return err
	}
	// Driver-level failures (broken pipe, bad conn) are transient.
	if errors.Is(err, sql.ErrConnDone) {
		return apperrors.StoreUnavailable(err)
	}
	return err
}

// nullString returns a sql.NullString for empty strings.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime returns a sql.NullTime for nil times.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
