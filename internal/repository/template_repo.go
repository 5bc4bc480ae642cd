package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/procurio/tender-workflow/internal/domain/workflow"
)

// TemplateRepository handles workflow template database operations
type TemplateRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTemplateRepository creates a new template repository
func NewTemplateRepository(db *sql.DB, logger *zap.Logger) *TemplateRepository {
	return &TemplateRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new template version row
func (r *TemplateRepository) Create(ctx context.Context, tpl *workflow.WorkflowTemplate) error {
	stepsJSON, err := json.Marshal(tpl.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal template steps: %w", err)
	}

	query := `
		INSERT INTO workflow_templates (name, type, entity_type, active, version, steps, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		tpl.Name, tpl.Type, tpl.EntityType, tpl.Active, tpl.Version, string(stepsJSON), tpl.CreatedBy)
	if err != nil {
		r.logger.Error("Failed to create template", zap.String("name", tpl.Name), zap.Error(err))
		return fmt.Errorf("failed to create template: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	tpl.ID = id
	return nil
}

const templateColumns = `id, name, type, entity_type, active, version, steps, created_by, created_at, updated_at`

func (r *TemplateRepository) scanTemplate(row interface{ Scan(...any) error }) (*workflow.WorkflowTemplate, error) {
	var tpl workflow.WorkflowTemplate
	var stepsJSON string

	err := row.Scan(
		&tpl.ID, &tpl.Name, &tpl.Type, &tpl.EntityType, &tpl.Active,
		&tpl.Version, &stepsJSON, &tpl.CreatedBy, &tpl.CreatedAt, &tpl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stepsJSON), &tpl.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template steps: %w", err)
	}

	return &tpl, nil
}

// GetByID retrieves a template by ID; returns (nil, nil) when absent
func (r *TemplateRepository) GetByID(ctx context.Context, id int64) (*workflow.WorkflowTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM workflow_templates WHERE id = ?`

	tpl, err := r.scanTemplate(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get template", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get template: %w", err)
	}

	return tpl, nil
}

// GetActiveByName retrieves the active version of a named template
func (r *TemplateRepository) GetActiveByName(ctx context.Context, name string) (*workflow.WorkflowTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM workflow_templates WHERE name = ? AND active = 1 ORDER BY version DESC LIMIT 1`

	tpl, err := r.scanTemplate(r.db.QueryRowContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get active template", zap.String("name", name), zap.Error(err))
		return nil, fmt.Errorf("failed to get active template: %w", err)
	}

	return tpl, nil
}

// Deactivate freezes a template version (active = false)
func (r *TemplateRepository) Deactivate(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE workflow_templates SET active = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		r.logger.Error("Failed to deactivate template", zap.Int64("id", id), zap.Error(err))
		return fmt.Errorf("failed to deactivate template: %w", err)
	}
	return nil
}

// Update rewrites a template row in place (only legal when no running instances exist)
func (r *TemplateRepository) Update(ctx context.Context, tpl *workflow.WorkflowTemplate) error {
	stepsJSON, err := json.Marshal(tpl.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal template steps: %w", err)
	}

	query := `
		UPDATE workflow_templates
		SET name = ?, type = ?, entity_type = ?, active = ?, steps = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	_, err = r.db.ExecContext(ctx, query,
		tpl.Name, tpl.Type, tpl.EntityType, tpl.Active, string(stepsJSON), tpl.ID)
	if err != nil {
		r.logger.Error("Failed to update template", zap.Int64("id", tpl.ID), zap.Error(err))
		return fmt.Errorf("failed to update template: %w", err)
	}
	return nil
}

// List retrieves templates, newest first
func (r *TemplateRepository) List(ctx context.Context, limit, offset int) ([]*workflow.WorkflowTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM workflow_templates ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		r.logger.Error("Failed to list templates", zap.Error(err))
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var templates []*workflow.WorkflowTemplate
	for rows.Next() {
		tpl, err := r.scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, tpl)
	}

	return templates, rows.Err()
}
