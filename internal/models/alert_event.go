package models

import "time"

// Envelope types pushed on the alert stream.
const (
	EventTypeFallDetected = "FALL_DETECTED"
	EventTypeSOSButton    = "sos_button"
	EventTypeInfo         = "INFO"
	EventTypeResolved     = "EVENT_RESOLVED"
)

const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const (
	AlertStatusPending  = "pending"
	AlertStatusResolved = "resolved"
)

// AlertEvent is a detected condition on one device. Created once per
// qualifying reading; resolution lives in the durable store, never here.
type AlertEvent struct {
	ID          int64      `json:"id,omitempty"`
	DeviceMAC   string     `json:"device_mac"`
	OwnerID     *int64     `json:"owner_id,omitempty"`
	Kind        string     `json:"kind"`
	Severity    string     `json:"severity"`
	Status      string     `json:"status"`
	Notes       string     `json:"notes,omitempty"`
	Telemetry   Telemetry  `json:"telemetry,omitempty"`
	TriggeredAt time.Time  `json:"triggered_at"`
	ResolvedBy  *int64     `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Envelope is the wire frame of the alert stream: {type, data}.
type Envelope struct {
	Type string     `json:"type"`
	Data AlertEvent `json:"data"`
}

// NewAlertEvent builds a pending event for a fall or SOS reading.
func NewAlertEvent(mac string, ownerID *int64, kind string, t Telemetry, now time.Time) AlertEvent {
	ev := AlertEvent{
		DeviceMAC:   mac,
		OwnerID:     ownerID,
		Kind:        kind,
		Status:      AlertStatusPending,
		Telemetry:   t,
		TriggeredAt: now,
	}
	switch kind {
	case EventTypeFallDetected:
		ev.Severity = SeverityHigh
		ev.Notes = "Fall detected automatically"
	case EventTypeSOSButton:
		ev.Severity = SeverityCritical
		ev.Notes = "SOS button pressed"
	default:
		ev.Severity = SeverityLow
	}
	return ev
}
