package audit

import "time"

// EventType represents the category of audit event
type EventType string

const (
	// Authentication events
	EventTypeLoginResolved EventType = "auth.login_resolved"
	EventTypeLoginRefused  EventType = "auth.login_refused"
	EventTypeAccessDenied  EventType = "auth.access_denied"

	// Provisioning events
	EventTypeUserProvisioned EventType = "provision.user_created"
	EventTypeUserDiscarded   EventType = "provision.user_discarded"
	EventTypeLinkCreated     EventType = "provision.link_created"
	EventTypeFieldSet        EventType = "provision.field_set"
	EventTypeFlagsGranted    EventType = "provision.flags_granted"
	EventTypeFlagsRevoked    EventType = "provision.flags_revoked"
	EventTypeGroupAdded      EventType = "provision.group_added"
	EventTypeGroupRemoved    EventType = "provision.group_removed"
)

// Event is a single audit record. Every provisioning mutation produces one
// with its old and new values; these records are a contractual output of the
// federation engine, not incidental logging.
type Event struct {
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`

	// Federated identity being processed
	Issuer string `json:"issuer,omitempty"`
	NameID string `json:"name_id,omitempty"`

	// Affected local account
	UserID   int64  `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`

	// Mutation details
	Field    string `json:"field,omitempty"`
	OldValue string `json:"old_value,omitempty"`
	NewValue string `json:"new_value,omitempty"`
	Group    string `json:"group,omitempty"`

	Message string `json:"message,omitempty"`
}
