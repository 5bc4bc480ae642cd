package workflow

// InstanceStatus represents the lifecycle status of a workflow instance
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "PENDING"
	InstanceActive    InstanceStatus = "ACTIVE"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceRejected  InstanceStatus = "REJECTED"
	InstanceCancelled InstanceStatus = "CANCELLED"
	InstanceSuspended InstanceStatus = "SUSPENDED"
	InstanceExpired   InstanceStatus = "EXPIRED"
)

var validInstanceStatuses = map[InstanceStatus]bool{
	InstancePending:   true,
	InstanceActive:    true,
	InstanceCompleted: true,
	InstanceRejected:  true,
	InstanceCancelled: true,
	InstanceSuspended: true,
	InstanceExpired:   true,
}

var terminalInstanceStatuses = map[InstanceStatus]bool{
	InstanceCompleted: true,
	InstanceRejected:  true,
	InstanceCancelled: true,
	InstanceExpired:   true,
}

// instanceTransitions defines the permitted instance status transitions
var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstancePending:   {InstanceActive, InstanceCancelled},
	InstanceActive:    {InstanceCompleted, InstanceRejected, InstanceCancelled, InstanceSuspended, InstanceExpired},
	InstanceSuspended: {InstanceActive, InstanceCancelled},
}

// String returns the string representation of the status
func (s InstanceStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known instance status
func (s InstanceStatus) IsValid() bool {
	return validInstanceStatuses[s]
}

// IsTerminal returns true if the status is terminal (no further transitions allowed)
func (s InstanceStatus) IsTerminal() bool {
	return terminalInstanceStatuses[s]
}

// CanTransition returns true if the transition from s to target is permitted
func (s InstanceStatus) CanTransition(target InstanceStatus) bool {
	for _, t := range instanceTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// StepStatus represents the lifecycle status of a workflow step
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepActive    StepStatus = "ACTIVE"
	StepApproved  StepStatus = "APPROVED"
	StepRejected  StepStatus = "REJECTED"
	StepSkipped   StepStatus = "SKIPPED"
	StepExpired   StepStatus = "EXPIRED"
	StepEscalated StepStatus = "ESCALATED"
	StepCancelled StepStatus = "CANCELLED"
)

var validStepStatuses = map[StepStatus]bool{
	StepPending:   true,
	StepActive:    true,
	StepApproved:  true,
	StepRejected:  true,
	StepSkipped:   true,
	StepExpired:   true,
	StepEscalated: true,
	StepCancelled: true,
}

// stepTransitions defines the permitted step status transitions.
// APPROVED -> ACTIVE exists only for the explicit revert operation;
// CANCELLED is reachable only through workflow cancellation.
var stepTransitions = map[StepStatus][]StepStatus{
	StepPending:  {StepActive, StepSkipped, StepCancelled},
	StepActive:   {StepApproved, StepRejected, StepSkipped, StepExpired, StepPending, StepCancelled},
	StepApproved: {StepActive},
}

// String returns the string representation of the status
func (s StepStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known step status
func (s StepStatus) IsValid() bool {
	return validStepStatuses[s]
}

// IsTerminal returns true if no further transitions are permitted from this status
func (s StepStatus) IsTerminal() bool {
	return len(stepTransitions[s]) == 0
}

// CanTransition returns true if the transition from s to target is permitted
func (s StepStatus) CanTransition(target StepStatus) bool {
	for _, t := range stepTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// ActionStatus represents the execution status of a recorded workflow action
type ActionStatus string

const (
	ActionPending    ActionStatus = "PENDING"
	ActionInProgress ActionStatus = "IN_PROGRESS"
	ActionCompleted  ActionStatus = "COMPLETED"
	ActionFailed     ActionStatus = "FAILED"
	ActionCancelled  ActionStatus = "CANCELLED"
	ActionRetrying   ActionStatus = "RETRYING"
)

// String returns the string representation of the status
func (s ActionStatus) String() string {
	return string(s)
}

// IsFinal returns true once the action record is immutable
func (s ActionStatus) IsFinal() bool {
	return s == ActionCompleted || s == ActionFailed || s == ActionCancelled
}
