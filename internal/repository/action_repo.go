package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/procurio/tender-workflow/internal/domain/workflow"
)

// ActionRepository handles workflow action audit records
type ActionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewActionRepository creates a new action repository
func NewActionRepository(db *sql.DB, logger *zap.Logger) *ActionRepository {
	return &ActionRepository{
		db:     db,
		logger: logger,
	}
}

// Create appends an audit record
func (r *ActionRepository) Create(ctx context.Context, action *workflow.WorkflowAction) error {
	query := `
		INSERT INTO workflow_actions (
			step_id, instance_id, action_type, trigger_point, status,
			executed_by, executed_at, retry_count, max_retries,
			result_ok, result_message, result_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		action.StepID, action.InstanceID, action.ActionType, action.Trigger,
		action.Status.String(), action.ExecutedBy, action.ExecutedAt,
		action.RetryCount, action.MaxRetries, action.ResultOK,
		action.ResultMessage, action.ResultError)
	if err != nil {
		r.logger.Error("Failed to create action record",
			zap.Int64("step_id", action.StepID), zap.Error(err))
		return fmt.Errorf("failed to create action record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	action.ID = id
	return nil
}

const actionColumns = `id, step_id, instance_id, action_type, trigger_point, status,
	executed_by, executed_at, retry_count, max_retries, result_ok, result_message,
	result_error, created_at`

func scanAction(row interface{ Scan(...any) error }) (*workflow.WorkflowAction, error) {
	var action workflow.WorkflowAction
	var status string

	err := row.Scan(
		&action.ID, &action.StepID, &action.InstanceID, &action.ActionType,
		&action.Trigger, &status, &action.ExecutedBy, &action.ExecutedAt,
		&action.RetryCount, &action.MaxRetries, &action.ResultOK,
		&action.ResultMessage, &action.ResultError, &action.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	action.Status = workflow.ActionStatus(status)
	return &action, nil
}

// ListByInstance retrieves the audit trail of an instance in execution order
func (r *ActionRepository) ListByInstance(ctx context.Context, instanceID int64) ([]*workflow.WorkflowAction, error) {
	query := `SELECT ` + actionColumns + ` FROM workflow_actions WHERE instance_id = ? ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		r.logger.Error("Failed to list actions", zap.Int64("instance_id", instanceID), zap.Error(err))
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var actions []*workflow.WorkflowAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, action)
	}

	return actions, rows.Err()
}

// ListByStep retrieves the audit trail of a single step
func (r *ActionRepository) ListByStep(ctx context.Context, stepID int64) ([]*workflow.WorkflowAction, error) {
	query := `SELECT ` + actionColumns + ` FROM workflow_actions WHERE step_id = ? ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, stepID)
	if err != nil {
		r.logger.Error("Failed to list step actions", zap.Int64("step_id", stepID), zap.Error(err))
		return nil, fmt.Errorf("failed to list step actions: %w", err)
	}
	defer rows.Close()

	var actions []*workflow.WorkflowAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, action)
	}

	return actions, rows.Err()
}
