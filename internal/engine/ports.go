package engine

import (
	"context"
	"time"

	"github.com/procurio/tender-workflow/internal/domain/workflow"
)

// TemplateStore is the template persistence the engine reads from
type TemplateStore interface {
	GetByID(ctx context.Context, id int64) (*workflow.WorkflowTemplate, error)
}

// InstanceStore is the instance persistence the engine drives
type InstanceStore interface {
	Create(ctx context.Context, inst *workflow.WorkflowInstance) error
	GetByID(ctx context.Context, id int64) (*workflow.WorkflowInstance, error)
	Update(ctx context.Context, inst *workflow.WorkflowInstance) error
}

// StepStore is the step persistence the engine drives
type StepStore interface {
	CreateBatch(ctx context.Context, steps []*workflow.WorkflowStep) error
	GetByID(ctx context.Context, id int64) (*workflow.WorkflowStep, error)
	GetByInstanceAndOrder(ctx context.Context, instanceID int64, order int) (*workflow.WorkflowStep, error)
	ListByInstance(ctx context.Context, instanceID int64) ([]*workflow.WorkflowStep, error)
	ListActive(ctx context.Context) ([]*workflow.WorkflowStep, error)
	Update(ctx context.Context, step *workflow.WorkflowStep) error
}

// ActionStore records the append-only audit trail
type ActionStore interface {
	Create(ctx context.Context, action *workflow.WorkflowAction) error
	ListByInstance(ctx context.Context, instanceID int64) ([]*workflow.WorkflowAction, error)
	ListByStep(ctx context.Context, stepID int64) ([]*workflow.WorkflowAction, error)
}

// TimerStore arms and disarms persisted step timers
type TimerStore interface {
	Create(ctx context.Context, timer *workflow.StepTimer) error
	DeleteByStep(ctx context.Context, stepID int64) error
	DeleteByInstance(ctx context.Context, instanceID int64) error
}

// Clock abstracts time for timeout tests
type Clock func() time.Time
