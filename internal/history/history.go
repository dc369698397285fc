package history

import (
	"context"
	"time"

	"github.com/loykin/healer/internal/store"
)

// EventType defines the kind of exported event.
type EventType string

const (
	EventAction  EventType = "recovery_action"
	EventFailure EventType = "service_failure"
)

// Event is a copy of an audit trail entry exported to analytics systems.
// The store remains the source of truth; sinks receive best-effort copies.
type Event struct {
	Type       EventType          `json:"type"`
	Node       string             `json:"node"`
	OccurredAt time.Time          `json:"occurred_at"`
	Action     store.ActionRecord `json:"action"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// ActionEvent wraps a recorded action for export.
func ActionEvent(node string, a store.ActionRecord) Event {
	return Event{Type: EventAction, Node: node, OccurredAt: a.At, Action: a}
}

// FailureEvent exports a failure record in the same row shape as actions so
// both land in one table. The category takes the severity column.
func FailureEvent(node string, f store.FailureRecord) Event {
	return Event{Type: EventFailure, Node: node, OccurredAt: f.OccurredAt, Action: store.ActionRecord{
		ID:       f.ID,
		Target:   f.Service,
		Severity: f.Category,
		At:       f.OccurredAt,
	}}
}
