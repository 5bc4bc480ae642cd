package event

// Type identifies the type of domain event
type Type string

const (
	TypeWorkflowStarted   Type = "workflow.started"
	TypeWorkflowCompleted Type = "workflow.completed"
	TypeWorkflowRejected  Type = "workflow.rejected"
	TypeWorkflowCancelled Type = "workflow.cancelled"
	TypeWorkflowEscalated Type = "workflow.escalated"
	TypeWorkflowReverted  Type = "workflow.reverted"
	TypeStepActivated     Type = "step.activated"
	TypeStepApproved      Type = "step.approved"
	TypeStepRejected      Type = "step.rejected"
	TypeStepSkipped       Type = "step.skipped"
	TypeStepExpired       Type = "step.expired"

	// Action delegation events consumed by domain modules
	TypeEntityUpdateField Type = "entity.update_field"
	TypeTaskCreate        Type = "task.create"
	TypeCustom            Type = "workflow.custom"
)

// AllTypes lists every defined event type, for subscribers that want the
// full stream.
func AllTypes() []Type {
	return []Type{
		TypeWorkflowStarted,
		TypeWorkflowCompleted,
		TypeWorkflowRejected,
		TypeWorkflowCancelled,
		TypeWorkflowEscalated,
		TypeWorkflowReverted,
		TypeStepActivated,
		TypeStepApproved,
		TypeStepRejected,
		TypeStepSkipped,
		TypeStepExpired,
		TypeEntityUpdateField,
		TypeTaskCreate,
		TypeCustom,
	}
}

// String returns the string representation of the event type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	switch t {
	case TypeWorkflowStarted,
		TypeWorkflowCompleted,
		TypeWorkflowRejected,
		TypeWorkflowCancelled,
		TypeWorkflowEscalated,
		TypeWorkflowReverted,
		TypeStepActivated,
		TypeStepApproved,
		TypeStepRejected,
		TypeStepSkipped,
		TypeStepExpired,
		TypeEntityUpdateField,
		TypeTaskCreate,
		TypeCustom:
		return true
	default:
		return false
	}
}
