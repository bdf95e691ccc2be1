// Package events carries server lifecycle notifications from the manager to
// whoever is interested (the host's state resources, the CLI, tests).
package events

import (
	"time"
)

// ServerState is the lifecycle state of a configured outbound server.
type ServerState int

const (
	StateStopped ServerState = iota
	StateStarting
	StateRunning
	StateError
)

func (s ServerState) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (s ServerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ServerStatus is a point-in-time view of one server.
type ServerStatus struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	State           ServerState `json:"state"`
	Transport       string      `json:"transport,omitempty"`
	ProtocolVersion string      `json:"protocolVersion,omitempty"`
	ToolCount       int         `json:"toolCount"`
	PID             int         `json:"pid,omitempty"`
	Error           string      `json:"error,omitempty"`
	StartedAt       *time.Time  `json:"startedAt,omitempty"`
}

// EventType identifies the kind of event.
type EventType int

const (
	EventStatusChanged EventType = iota
	EventLogReceived
	EventToolsUpdated
	EventError
)

func (e EventType) String() string {
	switch e {
	case EventStatusChanged:
		return "status_changed"
	case EventLogReceived:
		return "log_received"
	case EventToolsUpdated:
		return "tools_updated"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	ServerID() string
	Timestamp() time.Time
}

type baseEvent struct {
	serverID  string
	timestamp time.Time
}

func (e baseEvent) ServerID() string     { return e.serverID }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBase(serverID string) baseEvent {
	return baseEvent{serverID: serverID, timestamp: time.Now()}
}

// StatusChangedEvent is published on every state transition.
type StatusChangedEvent struct {
	baseEvent
	OldState ServerState
	NewState ServerState
	Status   ServerStatus
}

func (e StatusChangedEvent) Type() EventType { return EventStatusChanged }

func NewStatusChangedEvent(serverID string, oldState, newState ServerState, status ServerStatus) StatusChangedEvent {
	return StatusChangedEvent{baseEvent: newBase(serverID), OldState: oldState, NewState: newState, Status: status}
}

// LogReceivedEvent carries one stderr line from a stdio server.
type LogReceivedEvent struct {
	baseEvent
	Line string
}

func (e LogReceivedEvent) Type() EventType { return EventLogReceived }

func NewLogReceivedEvent(serverID, line string) LogReceivedEvent {
	return LogReceivedEvent{baseEvent: newBase(serverID), Line: line}
}

// ToolsUpdatedEvent is published when a server's bridged tools change.
type ToolsUpdatedEvent struct {
	baseEvent
	// Tools are the local registry names.
	Tools []string
}

func (e ToolsUpdatedEvent) Type() EventType { return EventToolsUpdated }

func NewToolsUpdatedEvent(serverID string, tools []string) ToolsUpdatedEvent {
	return ToolsUpdatedEvent{baseEvent: newBase(serverID), Tools: tools}
}

// ErrorEvent reports a non-fatal failure.
type ErrorEvent struct {
	baseEvent
	Err     error
	Message string
}

func (e ErrorEvent) Type() EventType { return EventError }

func NewErrorEvent(serverID string, err error, message string) ErrorEvent {
	return ErrorEvent{baseEvent: newBase(serverID), Err: err, Message: message}
}
