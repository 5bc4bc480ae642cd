package workflow

import "time"

// SystemPrincipal is the executor recorded for engine-initiated decisions
// (auto-approve, timeout handling). It bypasses approver authorization.
const SystemPrincipal = "system"

// WorkflowInstance is one running (or finished) execution of a template
// version against one subject entity.
type WorkflowInstance struct {
	ID               int64          `json:"id"`
	TemplateID       int64          `json:"template_id"`
	TemplateVersion  int            `json:"template_version"`
	EntityType       string         `json:"entity_type"`
	EntityID         string         `json:"entity_id"`
	Status           InstanceStatus `json:"status"`
	CurrentStepOrder int            `json:"current_step_order"`
	InitiatorID      string         `json:"initiator_id"`
	Context          map[string]any `json:"context,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	CancelReason     string         `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// WorkflowStep is a materialized, mutable copy of one blueprint step for one
// instance. Approver fields are mutable: escalation rewrites them.
type WorkflowStep struct {
	ID              int64           `json:"id"`
	InstanceID      int64           `json:"instance_id"`
	Order           int             `json:"order"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Status          StepStatus      `json:"status"`
	ApproverRole    string          `json:"approver_role,omitempty"`
	ApproverIDs     []string        `json:"approver_ids,omitempty"`
	AutoApprove     bool            `json:"auto_approve,omitempty"`
	Conditions      []Condition     `json:"conditions,omitempty"`
	Actions         []ActionSpec    `json:"actions,omitempty"`
	TimeoutHours    int             `json:"timeout_hours,omitempty"`
	Escalation      *EscalationSpec `json:"escalation,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	ApprovedBy      string          `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time      `json:"approved_at,omitempty"`
	RejectedBy      string          `json:"rejected_by,omitempty"`
	RejectedAt      *time.Time      `json:"rejected_at,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	Comments        string          `json:"comments,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewStepFromBlueprint materializes a pending step for an instance
func NewStepFromBlueprint(instanceID int64, bp *StepBlueprint) *WorkflowStep {
	ids := make([]string, len(bp.ApproverIDs))
	copy(ids, bp.ApproverIDs)

	return &WorkflowStep{
		InstanceID:   instanceID,
		Order:        bp.Order,
		Name:         bp.Name,
		Description:  bp.Description,
		Status:       StepPending,
		ApproverRole: bp.ApproverRole,
		ApproverIDs:  ids,
		AutoApprove:  bp.AutoApprove,
		Conditions:   bp.Conditions,
		Actions:      bp.Actions,
		TimeoutHours: bp.TimeoutHours,
		Escalation:   bp.Escalation,
	}
}

// ActionsFor returns the step's actions declared for the given trigger,
// preserving blueprint order.
func (s *WorkflowStep) ActionsFor(trigger TriggerPoint) []ActionSpec {
	var out []ActionSpec
	for _, a := range s.Actions {
		if a.Trigger == trigger {
			out = append(out, a)
		}
	}
	return out
}

// WorkflowAction is an append-only audit record of one executed side effect
// or human decision. It is never re-read by the state machine.
type WorkflowAction struct {
	ID            int64        `json:"id"`
	StepID        int64        `json:"step_id"`
	InstanceID    int64        `json:"instance_id"`
	ActionType    string       `json:"action_type"`
	Trigger       string       `json:"trigger,omitempty"`
	Status        ActionStatus `json:"status"`
	ExecutedBy    string       `json:"executed_by"`
	ExecutedAt    time.Time    `json:"executed_at"`
	RetryCount    int          `json:"retry_count"`
	MaxRetries    int          `json:"max_retries"`
	ResultOK      bool         `json:"result_ok"`
	ResultMessage string       `json:"result_message,omitempty"`
	ResultError   string       `json:"result_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// StepTimer is a persisted due-timer row armed when a step with a timeout
// becomes active. Survives restarts; the scheduler sweeps and fires them.
type StepTimer struct {
	ID         int64      `json:"id"`
	StepID     int64      `json:"step_id"`
	InstanceID int64      `json:"instance_id"`
	FireAt     time.Time  `json:"fire_at"`
	FiredAt    *time.Time `json:"fired_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
