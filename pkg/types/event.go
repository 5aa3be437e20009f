package types

import (
	"time"

	"github.com/google/uuid"
)

// EventKind is the kind of state notification sent to the host
type EventKind string

const (
	EventConnected    EventKind = "CONNECTED"
	EventInitializing EventKind = "INITIALIZING"
	EventReady        EventKind = "READY"
	EventError        EventKind = "ERROR"
	EventActionResult EventKind = "ACTION_RESULT"
	EventUnhandled    EventKind = "UNHANDLED"
	EventDisconnected EventKind = "DISCONNECTED"
)

// StateEvent is a fire-and-forget notification
type StateEvent struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Message   string    `json:"message,omitempty"`
	CommandID string    `json:"commandId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewStateEvent stamps an event with an id and the current time
func NewStateEvent(kind EventKind, message string) StateEvent {
	return StateEvent{
		ID:        uuid.New().String(),
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Host bridge message actions
const (
	MessageActionCommand      = "COMMAND"
	MessageActionStateChanged = "SERVICE_STATE_CHANGED"
)

// InboundMessage is delivered by the host
type InboundMessage struct {
	Action      string `json:"action"`
	CommandText string `json:"commandText"`
}

// OutboundMessage is the wire form of a StateEvent
type OutboundMessage struct {
	Action  string `json:"action"`
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// Outbound converts the event to its host wire form
func (e StateEvent) Outbound() OutboundMessage {
	return OutboundMessage{
		Action:  MessageActionStateChanged,
		State:   string(e.Kind),
		Message: e.Message,
	}
}

// HistoryEntry is one journaled command with its outcome
type HistoryEntry struct {
	CommandID  string    `json:"commandId"`
	RawText    string    `json:"rawText"`
	Source     string    `json:"source,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
	Action     Action    `json:"action"`
	Success    bool      `json:"success"`
	Detail     string    `json:"detail"`
	DurationMs int64     `json:"durationMs"`
}
