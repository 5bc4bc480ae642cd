// Package engine implements the approval workflow orchestrator: it starts
// instances from templates, drives step transitions on approve/reject/skip,
// and coordinates the condition evaluator, approver resolver, action executor
// and timeout scheduler.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/procurio/tender-workflow/internal/directory"
	"github.com/procurio/tender-workflow/internal/dispatcher"
	"github.com/procurio/tender-workflow/internal/domain/event"
	"github.com/procurio/tender-workflow/internal/domain/workflow"
	"github.com/procurio/tender-workflow/internal/notification"
)

// Engine is the workflow state machine driver. All public mutations execute
// with at-most-one-in-flight-per-instance semantics via a per-instance lock;
// timer callbacks take the same lock before acting.
type Engine struct {
	templates TemplateStore
	instances InstanceStore
	steps     StepStore
	actions   ActionStore
	timers    TimerStore
	directory directory.Directory
	notifier  notification.Sink
	resolver  *ApproverResolver
	executor  *ActionExecutor
	publisher dispatcher.Publisher
	logger    *zap.Logger
	locks     *instanceLocks
	now       Clock
}

// Deps bundles the engine's collaborators
type Deps struct {
	Templates TemplateStore
	Instances InstanceStore
	Steps     StepStore
	Actions   ActionStore
	Timers    TimerStore
	Directory directory.Directory
	Notifier  notification.Sink
	Webhook   notification.WebhookDispatcher
	Publisher dispatcher.Publisher
	Logger    *zap.Logger
}

// Option configures the engine
type Option func(*Engine)

// WithClock overrides the engine's time source (used by timeout tests)
func WithClock(now Clock) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates a workflow engine
func New(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		templates: deps.Templates,
		instances: deps.Instances,
		steps:     deps.Steps,
		actions:   deps.Actions,
		timers:    deps.Timers,
		directory: deps.Directory,
		notifier:  deps.Notifier,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		locks:     newInstanceLocks(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.resolver = NewApproverResolver(deps.Directory, deps.Logger)
	e.executor = NewActionExecutor(deps.Notifier, deps.Webhook, deps.Publisher,
		deps.Actions, deps.Directory, deps.Logger, e.now)

	return e
}

// StartWorkflow materializes a new instance of an active template against a
// subject entity and immediately executes step 1. A chain of auto-approved or
// skipped steps resolves synchronously within this call.
func (e *Engine) StartWorkflow(ctx context.Context, templateID int64, entityType, entityID, initiatorID string, contextMap map[string]any) (*workflow.WorkflowInstance, error) {
	tpl, err := e.templates.GetByID(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if tpl == nil || !tpl.Active || tpl.EntityType != entityType {
		return nil, fmt.Errorf("%w: no active template %d for entity type %q", workflow.ErrNotFound, templateID, entityType)
	}

	inst := &workflow.WorkflowInstance{
		TemplateID:       tpl.ID,
		TemplateVersion:  tpl.Version,
		EntityType:       entityType,
		EntityID:         entityID,
		Status:           workflow.InstanceActive,
		CurrentStepOrder: 1,
		InitiatorID:      initiatorID,
		Context:          contextMap,
		StartedAt:        e.now(),
	}
	if err := e.instances.Create(ctx, inst); err != nil {
		return nil, err
	}

	steps := make([]*workflow.WorkflowStep, 0, len(tpl.Steps))
	for i := range tpl.Steps {
		step := workflow.NewStepFromBlueprint(inst.ID, &tpl.Steps[i])
		if step.Order == 1 {
			step.Status = workflow.StepActive
			startedAt := inst.StartedAt
			step.StartedAt = &startedAt
		}
		steps = append(steps, step)
	}
	if err := e.steps.CreateBatch(ctx, steps); err != nil {
		return nil, err
	}

	e.publisher.PublishAsync(ctx, event.New(event.TypeWorkflowStarted, inst.ID, inst.EntityType, inst.EntityID, map[string]any{
		"template_id":      tpl.ID,
		"template_version": tpl.Version,
		"initiator_id":     initiatorID,
	}))

	mu := e.locks.get(inst.ID)
	mu.Lock()
	defer mu.Unlock()

	first, err := e.steps.GetByInstanceAndOrder(ctx, inst.ID, 1)
	if err != nil {
		return nil, err
	}
	if err := e.executeStep(ctx, first, inst); err != nil {
		return nil, err
	}

	return e.instances.GetByID(ctx, inst.ID)
}

// ApproveStep records an approval decision on an active step and advances the
// instance. The system principal bypasses approver authorization.
func (e *Engine) ApproveStep(ctx context.Context, stepID int64, approverID, comments string) (*workflow.WorkflowStep, error) {
	step, err := e.steps.GetByID(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step == nil {
		return nil, fmt.Errorf("%w: step %d", workflow.ErrNotFound, stepID)
	}

	mu := e.locks.get(step.InstanceID)
	mu.Lock()
	defer mu.Unlock()

	// Reload under the lock; a concurrent decision may have resolved the step
	step, err = e.steps.GetByID(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step == nil {
		return nil, fmt.Errorf("%w: step %d", workflow.ErrNotFound, stepID)
	}
	if step.Status != workflow.StepActive {
		return nil, fmt.Errorf("%w: step %d is %s, not %s", workflow.ErrInvalidState, stepID, step.Status, workflow.StepActive)
	}

	authorized, err := e.resolver.IsAuthorized(ctx, step, approverID)
	if err != nil {
		return nil, err
	}
	if !authorized {
		return nil, fmt.Errorf("%w: %s is not an approver for step %d", workflow.ErrUnauthorized, approverID, stepID)
	}

	inst, err := e.instances.GetByID(ctx, step.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: instance %d", workflow.ErrNotFound, step.InstanceID)
	}

	if err := e.approveLocked(ctx, step, inst, approverID, comments); err != nil {
		return nil, err
	}
	return step, nil
}

// RejectStep records a rejection. A single rejection terminates the entire
// instance; there is no reject-and-continue semantics.
func (e *Engine) RejectStep(ctx context.Context, stepID int64, rejectorID, reason string) (*workflow.WorkflowStep, error) {
	step, err := e.steps.GetByID(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step == nil {
		return nil, fmt.Errorf("%w: step %d", workflow.ErrNotFound, stepID)
	}

	mu := e.locks.get(step.InstanceID)
	mu.Lock()
	defer mu.Unlock()

	step, err = e.steps.GetByID(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step == nil {
		return nil, fmt.Errorf("%w: step %d", workflow.ErrNotFound, stepID)
	}
	if step.Status != workflow.StepActive {
		return nil, fmt.Errorf("%w: step %d is %s, not %s", workflow.ErrInvalidState, stepID, step.Status, workflow.StepActive)
	}

	authorized, err := e.resolver.IsAuthorized(ctx, step, rejectorID)
	if err != nil {
		return nil, err
	}
	if !authorized {
		return nil, fmt.Errorf("%w: %s is not an approver for step %d", workflow.ErrUnauthorized, rejectorID, stepID)
	}

	inst, err := e.instances.GetByID(ctx, step.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: instance %d", workflow.ErrNotFound, step.InstanceID)
	}

	if err := e.rejectLocked(ctx, step, inst, rejectorID, reason); err != nil {
		return nil, err
	}
	return step, nil
}

// Revert rewinds an active instance by one step: the current step returns to
// pending, the previous step's approval is cleared and it becomes active
// again. No actions are re-executed.
func (e *Engine) Revert(ctx context.Context, instanceID int64, userID string) (*workflow.WorkflowInstance, error) {
	mu := e.locks.get(instanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := e.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: instance %d", workflow.ErrNotFound, instanceID)
	}
	if inst.Status != workflow.InstanceActive {
		return nil, fmt.Errorf("%w: instance %d is %s", workflow.ErrInvalidState, instanceID, inst.Status)
	}
	if inst.CurrentStepOrder <= 1 {
		return nil, fmt.Errorf("%w: instance %d is at its first step", workflow.ErrInvalidState, instanceID)
	}

	current, err := e.steps.GetByInstanceAndOrder(ctx, instanceID, inst.CurrentStepOrder)
	if err != nil {
		return nil, err
	}
	previous, err := e.steps.GetByInstanceAndOrder(ctx, instanceID, inst.CurrentStepOrder-1)
	if err != nil {
		return nil, err
	}
	if current == nil || previous == nil {
		return nil, fmt.Errorf("%w: steps for instance %d", workflow.ErrNotFound, instanceID)
	}
	if !previous.Status.CanTransition(workflow.StepActive) {
		return nil, fmt.Errorf("%w: previous step is %s and cannot be reactivated", workflow.ErrInvalidState, previous.Status)
	}

	if err := e.timers.DeleteByStep(ctx, current.ID); err != nil {
		return nil, err
	}

	current.Status = workflow.StepPending
	current.StartedAt = nil
	if err := e.steps.Update(ctx, current); err != nil {
		return nil, err
	}

	startedAt := e.now()
	previous.Status = workflow.StepActive
	previous.StartedAt = &startedAt
	previous.ApprovedBy = ""
	previous.ApprovedAt = nil
	previous.Comments = ""
	if err := e.steps.Update(ctx, previous); err != nil {
		return nil, err
	}

	inst.CurrentStepOrder = previous.Order
	if err := e.instances.Update(ctx, inst); err != nil {
		return nil, err
	}

	e.recordDecision(ctx, previous, inst, "revert", userID, "")
	e.publisher.PublishAsync(ctx, event.New(event.TypeWorkflowReverted, inst.ID, inst.EntityType, inst.EntityID, map[string]any{
		"reverted_by":   userID,
		"to_step_order": previous.Order,
	}))

	return inst, nil
}

// Escalate rewrites the current active step's approvers from its escalation
// config. Escalation is an approver-set change, not a status transition.
func (e *Engine) Escalate(ctx context.Context, instanceID int64, userID string) (*workflow.WorkflowInstance, error) {
	mu := e.locks.get(instanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := e.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: instance %d", workflow.ErrNotFound, instanceID)
	}
	if inst.Status != workflow.InstanceActive {
		return nil, fmt.Errorf("%w: instance %d is %s", workflow.ErrInvalidState, instanceID, inst.Status)
	}

	step, err := e.steps.GetByInstanceAndOrder(ctx, instanceID, inst.CurrentStepOrder)
	if err != nil {
		return nil, err
	}
	if step == nil || step.Status != workflow.StepActive {
		return nil, fmt.Errorf("%w: instance %d has no active step", workflow.ErrInvalidState, instanceID)
	}
	if step.Escalation == nil {
		return nil, fmt.Errorf("%w: step %d has no escalation config", workflow.ErrInvalidState, step.ID)
	}

	if err := e.escalateLocked(ctx, step, inst, userID); err != nil {
		return nil, err
	}
	return inst, nil
}

// CancelWorkflow administratively terminates a pending or active instance
func (e *Engine) CancelWorkflow(ctx context.Context, instanceID int64, userID, reason string) (*workflow.WorkflowInstance, error) {
	mu := e.locks.get(instanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := e.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: instance %d", workflow.ErrNotFound, instanceID)
	}
	if !inst.Status.CanTransition(workflow.InstanceCancelled) {
		return nil, fmt.Errorf("%w: instance %d is %s and cannot be cancelled", workflow.ErrInvalidState, instanceID, inst.Status)
	}

	// Close every unresolved step so a cancelled instance holds nothing
	// actionable: no ACTIVE step, nothing listed as pending
	steps, err := e.steps.ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if step.Status != workflow.StepActive && step.Status != workflow.StepPending {
			continue
		}
		step.Status = workflow.StepCancelled
		if err := e.steps.Update(ctx, step); err != nil {
			return nil, err
		}
	}

	completedAt := e.now()
	inst.Status = workflow.InstanceCancelled
	inst.CancelReason = reason
	inst.CompletedAt = &completedAt
	if err := e.instances.Update(ctx, inst); err != nil {
		return nil, err
	}
	if err := e.timers.DeleteByInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	e.publisher.PublishAsync(ctx, event.New(event.TypeWorkflowCancelled, inst.ID, inst.EntityType, inst.EntityID, map[string]any{
		"cancelled_by": userID,
		"reason":       reason,
	}))

	return inst, nil
}

// HandleStepTimeout is the timer callback for a step that reached its timeout
// while active: it escalates when an escalation config is due, otherwise it
// auto-rejects as the system principal. Safe against already-resolved steps.
func (e *Engine) HandleStepTimeout(ctx context.Context, stepID int64) error {
	step, err := e.steps.GetByID(ctx, stepID)
	if err != nil {
		return err
	}
	if step == nil {
		return nil
	}

	mu := e.locks.get(step.InstanceID)
	mu.Lock()
	defer mu.Unlock()

	step, err = e.steps.GetByID(ctx, stepID)
	if err != nil {
		return err
	}
	if step == nil || step.Status != workflow.StepActive {
		// Resolved by a human decision before the timer fired
		return nil
	}

	inst, err := e.instances.GetByID(ctx, step.InstanceID)
	if err != nil {
		return err
	}
	if inst == nil || inst.Status != workflow.InstanceActive {
		return nil
	}

	if esc := step.Escalation; esc != nil && !alreadyEscalated(step) && e.escalationDue(step, esc) {
		return e.escalateLocked(ctx, step, inst, workflow.SystemPrincipal)
	}

	// Only the terminal timeout path expires the step; an escalation keeps it
	// active under new approvers
	e.publisher.PublishAsync(ctx, event.New(event.TypeStepExpired, inst.ID, inst.EntityType, inst.EntityID, map[string]any{
		"step_id":    step.ID,
		"step_order": step.Order,
	}))

	return e.rejectLocked(ctx, step, inst, workflow.SystemPrincipal, "Step timeout exceeded")
}

func (e *Engine) escalationDue(step *workflow.WorkflowStep, esc *workflow.EscalationSpec) bool {
	if step.StartedAt == nil {
		return true
	}
	elapsed := e.now().Sub(*step.StartedAt)
	return elapsed >= time.Duration(esc.AfterHours)*time.Hour
}

func alreadyEscalated(step *workflow.WorkflowStep) bool {
	if step.Metadata == nil {
		return false
	}
	escalated, _ := step.Metadata["escalated"].(bool)
	return escalated
}

// GetInstance loads one instance
func (e *Engine) GetInstance(ctx context.Context, instanceID int64) (*workflow.WorkflowInstance, error) {
	inst, err := e.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: instance %d", workflow.ErrNotFound, instanceID)
	}
	return inst, nil
}

// History is the full audit view of one instance
type History struct {
	Instance *workflow.WorkflowInstance `json:"instance"`
	Steps    []*workflow.WorkflowStep   `json:"steps"`
	Actions  []*workflow.WorkflowAction `json:"actions"`
}

// GetHistory loads an instance with its steps and action audit trail
func (e *Engine) GetHistory(ctx context.Context, instanceID int64) (*History, error) {
	inst, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	steps, err := e.steps.ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	actions, err := e.actions.ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &History{Instance: inst, Steps: steps, Actions: actions}, nil
}

// ListPendingForPrincipal returns all active steps the principal may act on,
// either by explicit approver ID or via their directory role.
func (e *Engine) ListPendingForPrincipal(ctx context.Context, principalID string) ([]*workflow.WorkflowStep, error) {
	principal, err := e.directory.FindByID(ctx, principalID)
	if err != nil {
		return nil, err
	}

	active, err := e.steps.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var pending []*workflow.WorkflowStep
	for _, step := range active {
		if stepHasApprover(step, principalID) {
			pending = append(pending, step)
			continue
		}
		if principal != nil && principal.Role != "" && step.ApproverRole == principal.Role {
			pending = append(pending, step)
		}
	}
	return pending, nil
}

func stepHasApprover(step *workflow.WorkflowStep, principalID string) bool {
	for _, id := range step.ApproverIDs {
		if id == principalID {
			return true
		}
	}
	return false
}

// executeStep runs a freshly activated step: evaluates conditions, runs
// on-enter actions, auto-approves, or notifies approvers and arms the
// timeout timer. Caller holds the instance lock.
func (e *Engine) executeStep(ctx context.Context, step *workflow.WorkflowStep, inst *workflow.WorkflowInstance) error {
	if len(step.Conditions) > 0 && !workflow.Evaluate(step.Conditions, inst.Context) {
		return e.skipLocked(ctx, step, inst)
	}

	e.executor.RunActions(ctx, step, workflow.TriggerOnEnter, inst)

	if step.AutoApprove {
		return e.approveLocked(ctx, step, inst, workflow.SystemPrincipal, "Auto-approved")
	}

	e.notifyApprovers(ctx, step, inst)

	if step.TimeoutHours > 0 {
		timer := &workflow.StepTimer{
			StepID:     step.ID,
			InstanceID: inst.ID,
			FireAt:     e.now().Add(time.Duration(step.TimeoutHours) * time.Hour),
		}
		if err := e.timers.Create(ctx, timer); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) approveLocked(ctx context.Context, step *workflow.WorkflowStep, inst *workflow.WorkflowInstance, approverID, comments string) error {
	if inst.Status != workflow.InstanceActive {
		return fmt.Errorf("%w: instance %d is %s", workflow.ErrInvalidState, inst.ID, inst.Status)
	}

	approvedAt := e.now()
	step.Status = workflow.StepApproved
	step.ApprovedBy = approverID
	step.ApprovedAt = &approvedAt
	step.Comments = comments
	if err := e.steps.Update(ctx, step); err != nil {
		return err
	}
	if err := e.timers.DeleteByStep(ctx, step.ID); err != nil {
		return err
	}

	e.recordDecision(ctx, step, inst, "approve", approverID, comments)
	e.publisher.PublishAsync(ctx, event.New(event.TypeStepApproved, inst.ID, inst.EntityType, inst.EntityID, map[string]any{
		"step_id":     step.ID,
		"step_order":  step.Order,
		"approved_by": approverID,
	}))

	e.executor.RunActions(ctx, step, workflow.TriggerOnApprove, inst)

	return e.moveToNextStep(ctx, inst, step)
}

func (e *Engine) rejectLocked(ctx context.Context, step *workflow.WorkflowStep, inst *workflow.WorkflowInstance, rejectorID, reason string) error {
	if inst.Status != workflow.InstanceActive {
		return fmt.Errorf("%w: instance %d is %s", workflow.ErrInvalidState, inst.ID, inst.Status)
	}

	rejectedAt := e.now()
	step.Status = workflow.StepRejected
	step.RejectedBy = rejectorID
	step.RejectedAt = &rejectedAt
	step.RejectionReason = reason
	if err := e.steps.Update(ctx, step); err != nil {
		return err
	}

	e.recordDecision(ctx, step, inst, "reject", rejectorID, reason)
	e.publisher.PublishAsync(ctx, event.New(event.TypeStepRejected, inst.ID, inst.EntityType, inst.EntityID, map[string]any{
		"step_id":     step.ID,
		"step_order":  step.Order,
		"rejected_by": rejectorID,
		"reason":      reason,
	}))
	e.executor.RunActions(ctx, step, workflow.TriggerOnReject, inst)

	// A rejected step terminates the whole instance
	completedAt := e.now()
	inst.Status = workflow.InstanceRejected
	inst.CompletedAt = &completedAt
	if err := e.instances.Update(ctx, inst); err != nil {
		return err
	}
	if err := e.timers.DeleteByInstance(ctx, inst.ID); err != nil {
		return err
	}

	e.publisher.PublishAsync(ctx, event.New(event.TypeWorkflowRejected, inst.ID, inst.EntityType, inst.EntityID, map[string]any{
		"step_id":     step.ID,
		"step_order":  step.Order,
		"rejected_by": rejectorID,
		"reason":      reason,
	}))

	return nil
}

func (e *Engine) skipLocked(ctx context.Context, step *workflow.WorkflowStep, inst *workflow.WorkflowInstance) error {
	step.Status = workflow.StepSkipped
	step.Comments = "Conditions not met"
	if err := e.steps.Update(ctx, step); err != nil {
		return err
	}

	e.recordDecision(ctx, step, inst, "skip", workflow.SystemPrincipal, "Conditions not met")
	e.publisher.PublishAsync(ctx, event.New(event.TypeStepSkipped, inst.ID, inst.EntityType, inst.EntityID, map[string]any{
		"step_id":    step.ID,
		"step_order": step.Order,
	}))

	return e.moveToNextStep(ctx, inst, step)
}

// moveToNextStep runs the current step's on-exit actions and either activates
// the next step or completes the instance. Chains of auto-approved or skipped
// steps recurse synchronously here.
func (e *Engine) moveToNextStep(ctx context.Context, inst *workflow.WorkflowInstance, current *workflow.WorkflowStep) error {
	e.executor.RunActions(ctx, current, workflow.TriggerOnExit, inst)

	next, err := e.steps.GetByInstanceAndOrder(ctx, inst.ID, current.Order+1)
	if err != nil {
		return err
	}

	if next == nil {
		if !inst.Status.CanTransition(workflow.InstanceCompleted) {
			return fmt.Errorf("%w: instance %d is %s", workflow.ErrInvalidState, inst.ID, inst.Status)
		}
		completedAt := e.now()
		inst.Status = workflow.InstanceCompleted
		inst.CompletedAt = &completedAt
		if err := e.instances.Update(ctx, inst); err != nil {
			return err
		}

		e.publisher.PublishAsync(ctx, event.New(event.TypeWorkflowCompleted, inst.ID, inst.EntityType, inst.EntityID, nil))
		e.logger.Info("Workflow completed",
			zap.Int64("instance_id", inst.ID),
			zap.String("entity_type", inst.EntityType),
			zap.String("entity_id", inst.EntityID))
		return nil
	}

	startedAt := e.now()
	next.Status = workflow.StepActive
	next.StartedAt = &startedAt
	if err := e.steps.Update(ctx, next); err != nil {
		return err
	}

	inst.CurrentStepOrder = next.Order
	if err := e.instances.Update(ctx, inst); err != nil {
		return err
	}

	e.publisher.PublishAsync(ctx, event.New(event.TypeStepActivated, inst.ID, inst.EntityType, inst.EntityID, map[string]any{
		"step_id":    next.ID,
		"step_order": next.Order,
	}))

	return e.executeStep(ctx, next, inst)
}

func (e *Engine) escalateLocked(ctx context.Context, step *workflow.WorkflowStep, inst *workflow.WorkflowInstance, userID string) error {
	esc := step.Escalation

	if step.Metadata == nil {
		step.Metadata = make(map[string]any)
	}
	step.Metadata["escalated"] = true
	step.Metadata["escalated_at"] = e.now().Format(time.RFC3339)
	step.Metadata["escalated_by"] = userID
	step.Metadata["previous_approver_role"] = step.ApproverRole
	step.Metadata["previous_approver_ids"] = append([]string{}, step.ApproverIDs...)

	// Destructive replacement: original approvers lose access unless the
	// escalation target re-includes them
	step.ApproverRole = esc.ToRole
	step.ApproverIDs = append([]string{}, esc.ToIDs...)

	if err := e.steps.Update(ctx, step); err != nil {
		return err
	}

	e.recordDecision(ctx, step, inst, "escalate", userID, "")
	e.notifyApprovers(ctx, step, inst)

	e.publisher.PublishAsync(ctx, event.New(event.TypeWorkflowEscalated, inst.ID, inst.EntityType, inst.EntityID, map[string]any{
		"step_id":       step.ID,
		"step_order":    step.Order,
		"escalated_by":  userID,
		"approver_role": step.ApproverRole,
		"approver_ids":  step.ApproverIDs,
	}))

	return nil
}

// notifyApprovers delivers an approval request to every resolved approver.
// Delivery failures are logged, never propagated.
func (e *Engine) notifyApprovers(ctx context.Context, step *workflow.WorkflowStep, inst *workflow.WorkflowInstance) {
	principals, err := e.resolver.Resolve(ctx, step)
	if err != nil {
		e.logger.Warn("Failed to resolve approvers for notification",
			zap.Int64("step_id", step.ID), zap.Error(err))
		return
	}

	subject := fmt.Sprintf("Approval required: %s", step.Name)
	message := fmt.Sprintf("Workflow for %s %s awaits your decision at step %q.",
		inst.EntityType, inst.EntityID, step.Name)

	channels := []notification.Channel{notification.ChannelInApp, notification.ChannelEmail}
	if smsEnabled, _ := step.Metadata["notify_sms"].(bool); smsEnabled {
		channels = append(channels, notification.ChannelSMS)
	}

	for _, p := range principals {
		for _, ch := range channels {
			if err := e.notifier.Notify(ctx, p, ch, subject, message); err != nil {
				e.logger.Warn("Failed to notify approver",
					zap.String("principal", p.ID),
					zap.String("channel", string(ch)),
					zap.Error(err))
			}
		}
	}
}

// recordDecision appends an audit record for a human or system decision
func (e *Engine) recordDecision(ctx context.Context, step *workflow.WorkflowStep, inst *workflow.WorkflowInstance, decision, executedBy, message string) {
	record := &workflow.WorkflowAction{
		StepID:        step.ID,
		InstanceID:    inst.ID,
		ActionType:    decision,
		Status:        workflow.ActionCompleted,
		ExecutedBy:    executedBy,
		ExecutedAt:    e.now(),
		ResultOK:      true,
		ResultMessage: message,
	}
	if err := e.actions.Create(ctx, record); err != nil {
		e.logger.Error("Failed to record decision",
			zap.Int64("step_id", step.ID),
			zap.String("decision", decision),
			zap.Error(err))
	}
}
