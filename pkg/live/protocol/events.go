// Package protocol defines the closed set of live-session events and frames
// exchanged with an inference endpoint, and their JSON wire encoding.
package protocol

import "time"

type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
	StatusEnded        Status = "ended"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusError
}

// Event is one inbound endpoint event or one locally generated session event.
// The set is closed: only types in this package implement it.
type Event interface {
	eventType() string
}

// EventType returns the wire name of an event.
func EventType(e Event) string {
	if e == nil {
		return ""
	}
	return e.eventType()
}

// Endpoint events.

type Connected struct{}

func (Connected) eventType() string { return "connected" }

type Disconnected struct {
	Reason string
}

func (Disconnected) eventType() string { return "disconnected" }

type AudioChunk struct {
	Data     []byte
	MIMEType string
}

func (AudioChunk) eventType() string { return "audio" }

type TextDelta struct {
	Text    string
	Partial bool
}

func (TextDelta) eventType() string { return "text_delta" }

// ToolCall.ID is minted by the client before dispatch; EndpointID is the id
// the endpoint expects back in the matching tool response.
type ToolCall struct {
	ID         string
	EndpointID string
	Name       string
	Args       map[string]any
}

func (ToolCall) eventType() string { return "tool_call" }

// ToolCallCancelled names the endpoint ids to cancel. Calls is filled in by
// the client with the pending calls it dropped.
type ToolCallCancelled struct {
	EndpointIDs []string
	Calls       []ToolCall
}

func (ToolCallCancelled) eventType() string { return "tool_call_cancelled" }

type Interrupted struct{}

func (Interrupted) eventType() string { return "interrupted" }

type TurnComplete struct{}

func (TurnComplete) eventType() string { return "turn_complete" }

type GoAway struct {
	TimeLeft time.Duration
}

func (GoAway) eventType() string { return "go_away" }

type ResumptionUpdate struct {
	Handle    string
	Resumable bool
}

func (ResumptionUpdate) eventType() string { return "resumption_update" }

type Error struct {
	Message string
	Fatal   bool
}

func (Error) eventType() string { return "error" }

// Local events, produced by the client rather than received from the endpoint.

type StatusChanged struct {
	From      Status
	To        Status
	SessionID string
	Reason    string
}

func (StatusChanged) eventType() string { return "status" }

type UserText struct {
	Text string
}

func (UserText) eventType() string { return "user_text" }

type UserSpeaking struct {
	Speaking bool
}

func (UserSpeaking) eventType() string { return "user_speaking" }

type ToolResultSent struct {
	ToolCallID string
	Name       string
	Result     map[string]any
}

func (ToolResultSent) eventType() string { return "tool_result_sent" }
