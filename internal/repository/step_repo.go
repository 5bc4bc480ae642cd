package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/procurio/tender-workflow/internal/domain/workflow"
)

// StepRepository handles workflow step database operations
type StepRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStepRepository creates a new step repository
func NewStepRepository(db *sql.DB, logger *zap.Logger) *StepRepository {
	return &StepRepository{
		db:     db,
		logger: logger,
	}
}

// CreateBatch inserts all materialized steps for an instance in one transaction
func (r *StepRepository) CreateBatch(ctx context.Context, steps []*workflow.WorkflowStep) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	query := `
		INSERT INTO workflow_steps (
			instance_id, step_order, name, description, status,
			approver_role, approver_ids, auto_approve, conditions, actions,
			timeout_hours, escalation, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, step := range steps {
		fields, err := marshalStepFields(step)
		if err != nil {
			_ = tx.Rollback()
			return err
		}

		result, err := tx.ExecContext(ctx, query,
			step.InstanceID, step.Order, step.Name, step.Description, step.Status.String(),
			step.ApproverRole, fields.approverIDs, step.AutoApprove, fields.conditions,
			fields.actions, step.TimeoutHours, fields.escalation, fields.metadata)
		if err != nil {
			_ = tx.Rollback()
			r.logger.Error("Failed to create step",
				zap.Int64("instance_id", step.InstanceID),
				zap.Int("order", step.Order),
				zap.Error(err))
			return fmt.Errorf("failed to create step: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		step.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit steps: %w", err)
	}

	return nil
}

type stepJSONFields struct {
	approverIDs string
	conditions  string
	actions     string
	escalation  any
	metadata    string
}

func marshalStepFields(step *workflow.WorkflowStep) (*stepJSONFields, error) {
	approverIDs, err := json.Marshal(orEmptySlice(step.ApproverIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal approver ids: %w", err)
	}
	conditions, err := json.Marshal(orEmptyConditions(step.Conditions))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conditions: %w", err)
	}
	actions, err := json.Marshal(orEmptyActions(step.Actions))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal actions: %w", err)
	}
	metadata, err := json.Marshal(orEmptyMap(step.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	fields := &stepJSONFields{
		approverIDs: string(approverIDs),
		conditions:  string(conditions),
		actions:     string(actions),
		metadata:    string(metadata),
	}

	if step.Escalation != nil {
		escalation, err := json.Marshal(step.Escalation)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal escalation: %w", err)
		}
		fields.escalation = string(escalation)
	}

	return fields, nil
}

const stepColumns = `id, instance_id, step_order, name, description, status,
	approver_role, approver_ids, auto_approve, conditions, actions,
	timeout_hours, escalation, started_at, approved_by, approved_at,
	rejected_by, rejected_at, rejection_reason, comments, metadata,
	created_at, updated_at`

func (r *StepRepository) scanStep(row interface{ Scan(...any) error }) (*workflow.WorkflowStep, error) {
	var step workflow.WorkflowStep
	var status, approverIDs, conditions, actions, metadata string
	var escalation sql.NullString
	var startedAt, approvedAt, rejectedAt sql.NullTime

	err := row.Scan(
		&step.ID, &step.InstanceID, &step.Order, &step.Name, &step.Description, &status,
		&step.ApproverRole, &approverIDs, &step.AutoApprove, &conditions, &actions,
		&step.TimeoutHours, &escalation, &startedAt, &step.ApprovedBy, &approvedAt,
		&step.RejectedBy, &rejectedAt, &step.RejectionReason, &step.Comments, &metadata,
		&step.CreatedAt, &step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	step.Status = workflow.StepStatus(status)
	if err := json.Unmarshal([]byte(approverIDs), &step.ApproverIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approver ids: %w", err)
	}
	if err := json.Unmarshal([]byte(conditions), &step.Conditions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conditions: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &step.Actions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal actions: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &step.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if escalation.Valid && escalation.String != "" {
		step.Escalation = &workflow.EscalationSpec{}
		if err := json.Unmarshal([]byte(escalation.String), step.Escalation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal escalation: %w", err)
		}
	}
	if startedAt.Valid {
		step.StartedAt = &startedAt.Time
	}
	if approvedAt.Valid {
		step.ApprovedAt = &approvedAt.Time
	}
	if rejectedAt.Valid {
		step.RejectedAt = &rejectedAt.Time
	}

	return &step, nil
}

// GetByID retrieves a step by ID; returns (nil, nil) when absent
func (r *StepRepository) GetByID(ctx context.Context, id int64) (*workflow.WorkflowStep, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_steps WHERE id = ?`

	step, err := r.scanStep(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get step", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get step: %w", err)
	}

	return step, nil
}

// GetByInstanceAndOrder retrieves one step of an instance by order; (nil, nil) when absent
func (r *StepRepository) GetByInstanceAndOrder(ctx context.Context, instanceID int64, order int) (*workflow.WorkflowStep, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_steps WHERE instance_id = ? AND step_order = ?`

	step, err := r.scanStep(r.db.QueryRowContext(ctx, query, instanceID, order))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get step by order",
			zap.Int64("instance_id", instanceID), zap.Int("order", order), zap.Error(err))
		return nil, fmt.Errorf("failed to get step: %w", err)
	}

	return step, nil
}

// ListByInstance retrieves all steps of an instance in blueprint order
func (r *StepRepository) ListByInstance(ctx context.Context, instanceID int64) ([]*workflow.WorkflowStep, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_steps WHERE instance_id = ? ORDER BY step_order ASC`

	rows, err := r.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		r.logger.Error("Failed to list steps", zap.Int64("instance_id", instanceID), zap.Error(err))
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	return r.collectSteps(rows)
}

// ListActive retrieves all steps currently awaiting a decision, across instances
func (r *StepRepository) ListActive(ctx context.Context) ([]*workflow.WorkflowStep, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_steps WHERE status = ? ORDER BY started_at ASC`

	rows, err := r.db.QueryContext(ctx, query, workflow.StepActive.String())
	if err != nil {
		r.logger.Error("Failed to list active steps", zap.Error(err))
		return nil, fmt.Errorf("failed to list active steps: %w", err)
	}
	defer rows.Close()

	return r.collectSteps(rows)
}

func (r *StepRepository) collectSteps(rows *sql.Rows) ([]*workflow.WorkflowStep, error) {
	var steps []*workflow.WorkflowStep
	for rows.Next() {
		step, err := r.scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// Update persists the mutable fields of a step
func (r *StepRepository) Update(ctx context.Context, step *workflow.WorkflowStep) error {
	fields, err := marshalStepFields(step)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_steps
		SET status = ?, approver_role = ?, approver_ids = ?, started_at = ?,
			approved_by = ?, approved_at = ?, rejected_by = ?, rejected_at = ?,
			rejection_reason = ?, comments = ?, metadata = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	_, err = r.db.ExecContext(ctx, query,
		step.Status.String(), step.ApproverRole, fields.approverIDs,
		nullableTime(step.StartedAt), step.ApprovedBy, nullableTime(step.ApprovedAt),
		step.RejectedBy, nullableTime(step.RejectedAt), step.RejectionReason,
		step.Comments, fields.metadata, step.ID)
	if err != nil {
		r.logger.Error("Failed to update step", zap.Int64("id", step.ID), zap.Error(err))
		return fmt.Errorf("failed to update step: %w", err)
	}

	return nil
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyConditions(c []workflow.Condition) []workflow.Condition {
	if c == nil {
		return []workflow.Condition{}
	}
	return c
}

func orEmptyActions(a []workflow.ActionSpec) []workflow.ActionSpec {
	if a == nil {
		return []workflow.ActionSpec{}
	}
	return a
}
