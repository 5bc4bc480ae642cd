package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/procurio/tender-workflow/internal/domain/workflow"
)

// InstanceRepository handles workflow instance database operations
type InstanceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository(db *sql.DB, logger *zap.Logger) *InstanceRepository {
	return &InstanceRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new workflow instance
func (r *InstanceRepository) Create(ctx context.Context, inst *workflow.WorkflowInstance) error {
	contextJSON, err := json.Marshal(orEmptyMap(inst.Context))
	if err != nil {
		return fmt.Errorf("failed to marshal instance context: %w", err)
	}

	query := `
		INSERT INTO workflow_instances (
			template_id, template_version, entity_type, entity_id, status,
			current_step_order, initiator_id, context, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		inst.TemplateID, inst.TemplateVersion, inst.EntityType, inst.EntityID,
		inst.Status.String(), inst.CurrentStepOrder, inst.InitiatorID,
		string(contextJSON), inst.StartedAt)
	if err != nil {
		r.logger.Error("Failed to create instance", zap.Error(err))
		return fmt.Errorf("failed to create instance: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	inst.ID = id
	return nil
}

const instanceColumns = `id, template_id, template_version, entity_type, entity_id, status,
	current_step_order, initiator_id, context, started_at, completed_at, cancel_reason,
	created_at, updated_at`

func (r *InstanceRepository) scanInstance(row interface{ Scan(...any) error }) (*workflow.WorkflowInstance, error) {
	var inst workflow.WorkflowInstance
	var status, contextJSON string
	var completedAt sql.NullTime

	err := row.Scan(
		&inst.ID, &inst.TemplateID, &inst.TemplateVersion, &inst.EntityType, &inst.EntityID,
		&status, &inst.CurrentStepOrder, &inst.InitiatorID, &contextJSON,
		&inst.StartedAt, &completedAt, &inst.CancelReason, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	inst.Status = workflow.InstanceStatus(status)
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	if err := json.Unmarshal([]byte(contextJSON), &inst.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance context: %w", err)
	}

	return &inst, nil
}

// GetByID retrieves a workflow instance by ID; returns (nil, nil) when absent
func (r *InstanceRepository) GetByID(ctx context.Context, id int64) (*workflow.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE id = ?`

	inst, err := r.scanInstance(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get instance", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	return inst, nil
}

// Update persists the mutable fields of an instance
func (r *InstanceRepository) Update(ctx context.Context, inst *workflow.WorkflowInstance) error {
	contextJSON, err := json.Marshal(orEmptyMap(inst.Context))
	if err != nil {
		return fmt.Errorf("failed to marshal instance context: %w", err)
	}

	query := `
		UPDATE workflow_instances
		SET status = ?, current_step_order = ?, context = ?, completed_at = ?,
			cancel_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	var completedAt any
	if inst.CompletedAt != nil {
		completedAt = *inst.CompletedAt
	}

	_, err = r.db.ExecContext(ctx, query,
		inst.Status.String(), inst.CurrentStepOrder, string(contextJSON),
		completedAt, inst.CancelReason, inst.ID)
	if err != nil {
		r.logger.Error("Failed to update instance", zap.Int64("id", inst.ID), zap.Error(err))
		return fmt.Errorf("failed to update instance: %w", err)
	}

	return nil
}

// CountRunningByTemplate counts non-terminal instances referencing a template version
func (r *InstanceRepository) CountRunningByTemplate(ctx context.Context, templateID int64) (int, error) {
	query := `
		SELECT COUNT(*) FROM workflow_instances
		WHERE template_id = ? AND status IN (?, ?, ?)
	`

	var count int
	err := r.db.QueryRowContext(ctx, query, templateID,
		workflow.InstancePending.String(),
		workflow.InstanceActive.String(),
		workflow.InstanceSuspended.String()).Scan(&count)
	if err != nil {
		r.logger.Error("Failed to count running instances", zap.Int64("template_id", templateID), zap.Error(err))
		return 0, fmt.Errorf("failed to count running instances: %w", err)
	}

	return count, nil
}

// List retrieves instances with pagination, newest first
func (r *InstanceRepository) List(ctx context.Context, limit, offset int) ([]*workflow.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		r.logger.Error("Failed to list instances", zap.Error(err))
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []*workflow.WorkflowInstance
	for rows.Next() {
		inst, err := r.scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}

	return instances, rows.Err()
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
