// Package db provides PostgreSQL persistence for the sandpool control plane.
//
// This file implements template storage. Templates are immutable recipes
// (image plus default limits) referenced by sessions; deletion is
// restricted while any non-terminal session references the template.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sandpool-dev/sandpool/internal/apperrors"
)

// Template represents an immutable session recipe.
type Template struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	ImageRef        string          `json:"image_ref"`
	CPUMillis       int64           `json:"cpu_millis"`
	MemoryBytes     int64           `json:"memory_bytes"`
	DiskBytes       int64           `json:"disk_bytes"`
	Packages        []string        `json:"packages,omitempty"`
	SecurityContext json.RawMessage `json:"security_context,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TemplateStore handles database operations for templates.
type TemplateStore struct {
	db *sql.DB
}

// NewTemplateStore creates a new TemplateStore instance.
func NewTemplateStore(db *sql.DB) *TemplateStore {
	return &TemplateStore{db: db}
}

const templateColumns = `
	id, name, image_ref, cpu_millis, memory_bytes, disk_bytes,
	COALESCE(packages, '[]'), COALESCE(security_context, '{}'),
	created_at, updated_at
`

// CreateTemplate inserts a new template.
func (s *TemplateStore) CreateTemplate(ctx context.Context, tmpl *Template) error {
	if tmpl.ID == "" {
		tmpl.ID = "tmpl_" + uuid.New().String()
	}
	now := time.Now()
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now

	packages, err := json.Marshal(tmpl.Packages)
	if err != nil {
		return fmt.Errorf("failed to marshal packages: %w", err)
	}
	secCtx := tmpl.SecurityContext
	if len(secCtx) == 0 {
		secCtx = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO templates (
			id, name, image_ref, cpu_millis, memory_bytes, disk_bytes,
			packages, security_context, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = s.db.ExecContext(ctx, query,
		tmpl.ID, tmpl.Name, tmpl.ImageRef, tmpl.CPUMillis, tmpl.MemoryBytes, tmpl.DiskBytes,
		packages, []byte(secCtx), tmpl.CreatedAt, tmpl.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create template %s: %w", tmpl.Name, classify(err))
	}
	return nil
}

// GetTemplate retrieves a template by ID.
func (s *TemplateStore) GetTemplate(ctx context.Context, id string) (*Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = $1`, id)
	tmpl, err := scanTemplate(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("template", id)
		}
		return nil, fmt.Errorf("failed to get template %s: %w", id, classify(err))
	}
	return tmpl, nil
}

// GetTemplateByName retrieves a template by its unique name.
func (s *TemplateStore) GetTemplateByName(ctx context.Context, name string) (*Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE name = $1`, name)
	tmpl, err := scanTemplate(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("template", name)
		}
		return nil, fmt.Errorf("failed to get template %s: %w", name, classify(err))
	}
	return tmpl, nil
}

// ListTemplates retrieves all templates ordered by name.
func (s *TemplateStore) ListTemplates(ctx context.Context) ([]*Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", classify(err))
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template row: %w", err)
		}
		templates = append(templates, tmpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating template rows: %w", err)
	}
	return templates, nil
}

// DeleteTemplate removes a template. Deletion is refused while any
// non-terminal session references it.
func (s *TemplateStore) DeleteTemplate(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE template_id = $1 AND status IN ('creating', 'running')
	`, id).Scan(&active)
	if err != nil {
		return fmt.Errorf("failed to count sessions for template %s: %w", id, classify(err))
	}
	if active > 0 {
		return apperrors.Conflict(fmt.Sprintf("template %s is referenced by %d active sessions", id, active))
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template %s: %w", id, classify(err))
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("template", id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit template delete: %w", classify(err))
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for single-row scans.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTemplate(row scanner) (*Template, error) {
	tmpl := &Template{}
	var packages, secCtx []byte

	err := row.Scan(
		&tmpl.ID, &tmpl.Name, &tmpl.ImageRef, &tmpl.CPUMillis, &tmpl.MemoryBytes, &tmpl.DiskBytes,
		&packages, &secCtx, &tmpl.CreatedAt, &tmpl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(packages) > 0 {
		if err := json.Unmarshal(packages, &tmpl.Packages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal packages: %w", err)
		}
	}
	tmpl.SecurityContext = json.RawMessage(secCtx)
	return tmpl, nil
}
