package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/procurio/tender-workflow/internal/domain/workflow"
)

// TimerRepository persists step due-timers so timeouts survive restarts
type TimerRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTimerRepository creates a new timer repository
func NewTimerRepository(db *sql.DB, logger *zap.Logger) *TimerRepository {
	return &TimerRepository{
		db:     db,
		logger: logger,
	}
}

// Create arms a timer for a step
func (r *TimerRepository) Create(ctx context.Context, timer *workflow.StepTimer) error {
	query := `INSERT INTO step_timers (step_id, instance_id, fire_at) VALUES (?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query, timer.StepID, timer.InstanceID, timer.FireAt)
	if err != nil {
		r.logger.Error("Failed to create timer", zap.Int64("step_id", timer.StepID), zap.Error(err))
		return fmt.Errorf("failed to create timer: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	timer.ID = id
	return nil
}

// ListDue retrieves unfired timers due at or before now, oldest first
func (r *TimerRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*workflow.StepTimer, error) {
	query := `
		SELECT id, step_id, instance_id, fire_at, fired_at, created_at
		FROM step_timers
		WHERE fired_at IS NULL AND fire_at <= ?
		ORDER BY fire_at ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		r.logger.Error("Failed to list due timers", zap.Error(err))
		return nil, fmt.Errorf("failed to list due timers: %w", err)
	}
	defer rows.Close()

	var timers []*workflow.StepTimer
	for rows.Next() {
		var timer workflow.StepTimer
		var firedAt sql.NullTime

		if err := rows.Scan(&timer.ID, &timer.StepID, &timer.InstanceID,
			&timer.FireAt, &firedAt, &timer.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan timer: %w", err)
		}
		if firedAt.Valid {
			timer.FiredAt = &firedAt.Time
		}
		timers = append(timers, &timer)
	}

	return timers, rows.Err()
}

// MarkFired stamps a timer as handled
func (r *TimerRepository) MarkFired(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE step_timers SET fired_at = ? WHERE id = ?`, at, id)
	if err != nil {
		r.logger.Error("Failed to mark timer fired", zap.Int64("id", id), zap.Error(err))
		return fmt.Errorf("failed to mark timer fired: %w", err)
	}
	return nil
}

// DeleteByStep disarms any pending timer for a step (step left ACTIVE)
func (r *TimerRepository) DeleteByStep(ctx context.Context, stepID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM step_timers WHERE step_id = ? AND fired_at IS NULL`, stepID)
	if err != nil {
		r.logger.Error("Failed to delete step timers", zap.Int64("step_id", stepID), zap.Error(err))
		return fmt.Errorf("failed to delete step timers: %w", err)
	}
	return nil
}

// DeleteByInstance disarms all pending timers for an instance (terminal transition)
func (r *TimerRepository) DeleteByInstance(ctx context.Context, instanceID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM step_timers WHERE instance_id = ? AND fired_at IS NULL`, instanceID)
	if err != nil {
		r.logger.Error("Failed to delete instance timers", zap.Int64("instance_id", instanceID), zap.Error(err))
		return fmt.Errorf("failed to delete instance timers: %w", err)
	}
	return nil
}
