package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/procurio/tender-workflow/internal/dispatcher"
	"github.com/procurio/tender-workflow/internal/directory"
	"github.com/procurio/tender-workflow/internal/domain/event"
	"github.com/procurio/tender-workflow/internal/domain/workflow"
	"github.com/procurio/tender-workflow/internal/notification"
)

// ActionExecutor runs the side-effect actions attached to a step at its
// trigger points. Actions run sequentially so their side effects stay
// deterministic; individual failures are logged and recorded but never
// propagated, so a broken action cannot block a state transition.
type ActionExecutor struct {
	notifier  notification.Sink
	webhook   notification.WebhookDispatcher
	publisher dispatcher.Publisher
	actions   ActionStore
	directory directory.Directory
	logger    *zap.Logger
	now       Clock
}

// NewActionExecutor creates an action executor
func NewActionExecutor(
	notifier notification.Sink,
	webhook notification.WebhookDispatcher,
	publisher dispatcher.Publisher,
	actions ActionStore,
	dir directory.Directory,
	logger *zap.Logger,
	now Clock,
) *ActionExecutor {
	return &ActionExecutor{
		notifier:  notifier,
		webhook:   webhook,
		publisher: publisher,
		actions:   actions,
		directory: dir,
		logger:    logger,
		now:       now,
	}
}

// RunActions executes the step's actions declared for the given trigger
func (x *ActionExecutor) RunActions(ctx context.Context, step *workflow.WorkflowStep, trigger workflow.TriggerPoint, inst *workflow.WorkflowInstance) {
	for _, spec := range step.ActionsFor(trigger) {
		record := &workflow.WorkflowAction{
			StepID:     step.ID,
			InstanceID: inst.ID,
			ActionType: string(spec.Type),
			Trigger:    string(trigger),
			ExecutedBy: workflow.SystemPrincipal,
			ExecutedAt: x.now(),
		}

		if err := x.execute(ctx, spec, step, inst); err != nil {
			record.Status = workflow.ActionFailed
			record.ResultError = err.Error()
			x.logger.Warn("Step action failed",
				zap.Int64("step_id", step.ID),
				zap.String("action_type", string(spec.Type)),
				zap.String("trigger", string(trigger)),
				zap.Error(err))
		} else {
			record.Status = workflow.ActionCompleted
			record.ResultOK = true
			record.ResultMessage = "executed"
		}

		if err := x.actions.Create(ctx, record); err != nil {
			x.logger.Error("Failed to record action execution",
				zap.Int64("step_id", step.ID), zap.Error(err))
		}
	}
}

func (x *ActionExecutor) execute(ctx context.Context, spec workflow.ActionSpec, step *workflow.WorkflowStep, inst *workflow.WorkflowInstance) error {
	switch spec.Type {
	case workflow.ActionEmail:
		return x.notifyFromParams(ctx, spec, inst, notification.ChannelEmail)
	case workflow.ActionSMS:
		return x.notifyFromParams(ctx, spec, inst, notification.ChannelSMS)
	case workflow.ActionWebhook:
		return x.dispatchWebhook(ctx, spec, step, inst)
	case workflow.ActionUpdateField:
		return x.emitDelegation(ctx, event.TypeEntityUpdateField, spec, inst)
	case workflow.ActionCreateTask:
		return x.emitDelegation(ctx, event.TypeTaskCreate, spec, inst)
	case workflow.ActionCustom:
		return x.emitDelegation(ctx, event.TypeCustom, spec, inst)
	default:
		return fmt.Errorf("unknown action type %q", spec.Type)
	}
}

// notifyFromParams delivers an interpolated message to the principals listed
// in the action's "to" parameter.
func (x *ActionExecutor) notifyFromParams(ctx context.Context, spec workflow.ActionSpec, inst *workflow.WorkflowInstance, channel notification.Channel) error {
	subject := Interpolate(stringParam(spec.Params, "subject"), inst.Context)
	body := Interpolate(stringParam(spec.Params, "body"), inst.Context)
	if body == "" {
		body = Interpolate(stringParam(spec.Params, "message"), inst.Context)
	}

	recipients := stringListParam(spec.Params, "to")
	if len(recipients) == 0 {
		return fmt.Errorf("%s action has no recipients", spec.Type)
	}

	var firstErr error
	for _, id := range recipients {
		p, err := x.directory.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if p == nil {
			p = &directory.Principal{ID: id}
		}
		if err := x.notifier.Notify(ctx, p, channel, subject, body); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (x *ActionExecutor) dispatchWebhook(ctx context.Context, spec workflow.ActionSpec, step *workflow.WorkflowStep, inst *workflow.WorkflowInstance) error {
	url := Interpolate(stringParam(spec.Params, "url"), inst.Context)
	if url == "" {
		return fmt.Errorf("webhook action has no url")
	}

	payload := map[string]any{
		"instance_id": inst.ID,
		"entity_type": inst.EntityType,
		"entity_id":   inst.EntityID,
		"step":        step.Name,
		"step_order":  step.Order,
	}
	if extra, ok := spec.Params["payload"].(map[string]any); ok {
		for k, v := range extra {
			payload[k] = interpolateValue(v, inst.Context)
		}
	}

	return x.webhook.Dispatch(ctx, url, payload)
}

// emitDelegation publishes an action's effect for a domain module to apply.
// The engine never mutates the subject entity directly.
func (x *ActionExecutor) emitDelegation(ctx context.Context, eventType event.Type, spec workflow.ActionSpec, inst *workflow.WorkflowInstance) error {
	payload := make(map[string]any, len(spec.Params))
	for k, v := range spec.Params {
		payload[k] = interpolateValue(v, inst.Context)
	}

	return x.publisher.Publish(ctx, event.New(eventType, inst.ID, inst.EntityType, inst.EntityID, payload))
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	s, _ := params[key].(string)
	return s
}

func stringListParam(params map[string]any, key string) []string {
	if params == nil {
		return nil
	}
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}
