package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditEventType enumerates the events the core emits.
type AuditEventType string

const (
	AuditSafetyBlock       AuditEventType = "safety_block"
	AuditVariantAssignment AuditEventType = "variant_assignment"
	AuditFeedbackReceived  AuditEventType = "feedback_received"
	AuditDataDeletion      AuditEventType = "data_deletion"
)

// AuditActorType distinguishes who performed the audited action.
type AuditActorType string

const (
	ActorUser   AuditActorType = "user"
	ActorSystem AuditActorType = "system"
)

// AuditActor identifies the acting party.
type AuditActor struct {
	Type AuditActorType `json:"type"`
	ID   string         `json:"id"`
}

// AuditResource identifies what the action touched.
type AuditResource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// AuditEvent is one append-only audit record. Events are never updated or
// deleted after emission.
type AuditEvent struct {
	EventID   string         `json:"event_id"`
	EventType AuditEventType `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     AuditActor     `json:"actor"`
	Resource  AuditResource  `json:"resource"`
	Action    string         `json:"action"`
	TenantID  string         `json:"tenant_id"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewAuditEvent mints an event with a fresh ID and wall-clock timestamp.
func NewAuditEvent(eventType AuditEventType, actor AuditActor, resource AuditResource, action, tenantID string, details map[string]any) AuditEvent {
	return AuditEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Resource:  resource,
		Action:    action,
		TenantID:  tenantID,
		Details:   details,
	}
}
