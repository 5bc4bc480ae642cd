package event

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a domain event emitted by the workflow engine
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	InstanceID int64          `json:"instance_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
	Timestamp  time.Time      `json:"timestamp"`
}

// New creates a new domain event with auto-generated ID and timestamp
func New(eventType Type, instanceID int64, entityType, entityID string, payload map[string]any) *Event {
	return &Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		InstanceID: instanceID,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Timestamp:  time.Now(),
	}
}
