package workflow

import (
	"fmt"
	"sort"
	"time"
)

// TriggerPoint identifies when a step's actions fire
type TriggerPoint string

const (
	TriggerOnEnter   TriggerPoint = "on_enter"
	TriggerOnExit    TriggerPoint = "on_exit"
	TriggerOnApprove TriggerPoint = "on_approve"
	TriggerOnReject  TriggerPoint = "on_reject"
)

// ActionType identifies the kind of side effect an action performs
type ActionType string

const (
	ActionEmail       ActionType = "email"
	ActionSMS         ActionType = "sms"
	ActionWebhook     ActionType = "webhook"
	ActionUpdateField ActionType = "update_field"
	ActionCreateTask  ActionType = "create_task"
	ActionCustom      ActionType = "custom"
)

// Operator is a comparison operator used in step conditions
type Operator string

const (
	OpEq  Operator = "eq"
	OpNe  Operator = "ne"
	OpGt  Operator = "gt"
	OpLt  Operator = "lt"
	OpGte Operator = "gte"
	OpLte Operator = "lte"
	OpIn  Operator = "in"
	OpNin Operator = "nin"
)

var validOperators = map[Operator]bool{
	OpEq: true, OpNe: true, OpGt: true, OpLt: true,
	OpGte: true, OpLte: true, OpIn: true, OpNin: true,
}

// Condition gates a step on a value in the instance context.
// Field is a dot-path into the context map.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// ActionSpec declares a side effect attached to a step blueprint
type ActionSpec struct {
	Type    ActionType     `json:"type"`
	Trigger TriggerPoint   `json:"trigger"`
	Params  map[string]any `json:"params,omitempty"`
}

// EscalationSpec declares where a stalled step's approvers are reassigned
type EscalationSpec struct {
	AfterHours int      `json:"after_hours"`
	ToRole     string   `json:"to_role,omitempty"`
	ToIDs      []string `json:"to_ids,omitempty"`
}

// StepBlueprint is one stage definition inside a workflow template
type StepBlueprint struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Order        int             `json:"order"`
	ApproverRole string          `json:"approver_role,omitempty"`
	ApproverIDs  []string        `json:"approver_ids,omitempty"`
	AutoApprove  bool            `json:"auto_approve,omitempty"`
	Conditions   []Condition     `json:"conditions,omitempty"`
	Actions      []ActionSpec    `json:"actions,omitempty"`
	TimeoutHours int             `json:"timeout_hours,omitempty"`
	Escalation   *EscalationSpec `json:"escalation,omitempty"`
}

// WorkflowTemplate is an immutable, versioned blueprint of an approval sequence.
// A running instance always refers to one frozen template version.
type WorkflowTemplate struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	EntityType string          `json:"entity_type"`
	Active     bool            `json:"active"`
	Version    int             `json:"version"`
	Steps      []StepBlueprint `json:"steps"`
	CreatedBy  string          `json:"created_by"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Validate checks structural invariants of the template definition
func (t *WorkflowTemplate) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: template name is required", ErrValidation)
	}
	if t.EntityType == "" {
		return fmt.Errorf("%w: template entity type is required", ErrValidation)
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("%w: template must define at least one step", ErrValidation)
	}

	orders := make([]int, 0, len(t.Steps))
	seen := make(map[int]bool, len(t.Steps))
	for i := range t.Steps {
		s := &t.Steps[i]
		if s.Name == "" {
			return fmt.Errorf("%w: step at order %d has no name", ErrValidation, s.Order)
		}
		if seen[s.Order] {
			return fmt.Errorf("%w: duplicate step order %d", ErrValidation, s.Order)
		}
		seen[s.Order] = true
		orders = append(orders, s.Order)

		for _, c := range s.Conditions {
			if !validOperators[c.Operator] {
				return fmt.Errorf("%w: step %q has unknown operator %q", ErrValidation, s.Name, c.Operator)
			}
			if c.Field == "" {
				return fmt.Errorf("%w: step %q has a condition without a field", ErrValidation, s.Name)
			}
		}
		for _, a := range s.Actions {
			switch a.Trigger {
			case TriggerOnEnter, TriggerOnExit, TriggerOnApprove, TriggerOnReject:
			default:
				return fmt.Errorf("%w: step %q action has unknown trigger %q", ErrValidation, s.Name, a.Trigger)
			}
		}
		if s.Escalation != nil && s.Escalation.ToRole == "" && len(s.Escalation.ToIDs) == 0 {
			return fmt.Errorf("%w: step %q escalation has no target role or principals", ErrValidation, s.Name)
		}
	}

	// Orders must be exactly 1..N with no gaps
	sort.Ints(orders)
	for i, order := range orders {
		if order != i+1 {
			return fmt.Errorf("%w: step orders must be contiguous starting at 1, got %v", ErrValidation, orders)
		}
	}

	return nil
}

// StepByOrder returns the blueprint step with the given order, or nil
func (t *WorkflowTemplate) StepByOrder(order int) *StepBlueprint {
	for i := range t.Steps {
		if t.Steps[i].Order == order {
			return &t.Steps[i]
		}
	}
	return nil
}
