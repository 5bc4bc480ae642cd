package event

import (
	"testing"
	"time"
)

func TestType_String(t *testing.T) {
	tests := []struct {
		name      string
		eventType Type
		want      string
	}{
		{"workflow started", TypeWorkflowStarted, "workflow.started"},
		{"workflow completed", TypeWorkflowCompleted, "workflow.completed"},
		{"workflow rejected", TypeWorkflowRejected, "workflow.rejected"},
		{"workflow escalated", TypeWorkflowEscalated, "workflow.escalated"},
		{"step activated", TypeStepActivated, "step.activated"},
		{"update field delegation", TypeEntityUpdateField, "entity.update_field"},
		{"task creation delegation", TypeTaskCreate, "task.create"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.eventType.String(); got != tt.want {
				t.Errorf("String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestType_IsValid(t *testing.T) {
	valid := []Type{
		TypeWorkflowStarted, TypeWorkflowCompleted, TypeWorkflowRejected,
		TypeWorkflowCancelled, TypeWorkflowEscalated, TypeWorkflowReverted,
		TypeStepActivated, TypeStepApproved, TypeStepRejected,
		TypeStepSkipped, TypeStepExpired,
		TypeEntityUpdateField, TypeTaskCreate, TypeCustom,
	}
	for _, typ := range valid {
		if !typ.IsValid() {
			t.Errorf("expected %s to be valid", typ)
		}
	}
	if Type("workflow.unknown").IsValid() {
		t.Error("expected workflow.unknown to be invalid")
	}
}

func TestNew(t *testing.T) {
	before := time.Now()
	evt := New(TypeWorkflowStarted, 42, "tender", "T-100", map[string]any{"initiator": "U1"})

	if evt.ID == "" {
		t.Error("expected generated event ID")
	}
	if evt.InstanceID != 42 || evt.EntityType != "tender" || evt.EntityID != "T-100" {
		t.Errorf("unexpected event fields: %+v", evt)
	}
	if evt.Timestamp.Before(before) {
		t.Error("timestamp not set")
	}
	if evt.Payload["initiator"] != "U1" {
		t.Error("payload not carried")
	}
}
