// Package state folds live session events into the session transcript and
// indicators, and writes them through to a persistence gateway.
package state

import (
	"context"
	"time"

	"github.com/vango-go/studylive/pkg/live/protocol"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

type MessageType string

const (
	TypeText       MessageType = "text"
	TypeAudio      MessageType = "audio"
	TypeToolCall   MessageType = "tool_call"
	TypeToolResult MessageType = "tool_result"
)

// Message is one finalized transcript entry. Messages are append-only.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type ToolState struct {
	Name       string         `json:"name"`
	IsActive   bool           `json:"is_active"`
	LastResult map[string]any `json:"last_result,omitempty"`
}

type Snapshot struct {
	SessionID      string          `json:"session_id"`
	Status         protocol.Status `json:"status"`
	Language       string          `json:"language"`
	EducationLevel string          `json:"education_level"`
	Subject        string          `json:"subject,omitempty"`
	Messages       []Message       `json:"messages"`
	CurrentThought string          `json:"current_thought,omitempty"`
	IsAISpeaking   bool            `json:"is_ai_speaking"`
	IsUserSpeaking bool            `json:"is_user_speaking"`
	Tools          []ToolState     `json:"tools"`
	MessageCount   int             `json:"message_count"`
	ToolCallsCount int             `json:"tool_calls_count"`
	StartedAt      time.Time       `json:"started_at,omitempty"`
	EndedAt        time.Time       `json:"ended_at,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// SessionRecord is the copy of session configuration handed to the gateway
// when the session opens.
type SessionRecord struct {
	SessionID      string
	Owner          string
	Language       string
	EducationLevel string
	Subject        string
	Status         protocol.Status
	StartedAt      time.Time
}

// Patch carries the changed session fields; nil fields are left untouched.
type Patch struct {
	Status          *protocol.Status
	EndedAt         *time.Time
	DurationMinutes *float64
	MessageCount    *int
	ToolCallsCount  *int
}

// Gateway is the durable store for sessions and transcripts. Calls are best
// effort: failures are logged and never reach the live session.
type Gateway interface {
	CreateSession(ctx context.Context, rec SessionRecord) (string, error)
	AppendMessage(ctx context.Context, recordID string, msg Message) error
	UpdateSession(ctx context.Context, recordID string, patch Patch) error
}

type ChangeKind string

const (
	ChangeMessage  ChangeKind = "message"
	ChangeThought  ChangeKind = "thought"
	ChangeSpeaking ChangeKind = "speaking"
	ChangeTool     ChangeKind = "tool"
	ChangeStatus   ChangeKind = "status"
	ChangeError    ChangeKind = "error"
)

// Change is one update to the read-only projection of the session.
type Change struct {
	Kind           ChangeKind
	Message        *Message
	Thought        string
	IsAISpeaking   bool
	IsUserSpeaking bool
	Tool           *ToolState
	Status         protocol.Status
	SessionID      string
	Error          string
}

type Listener interface {
	OnChange(ch Change)
}

type ListenerFunc func(ch Change)

func (f ListenerFunc) OnChange(ch Change) { f(ch) }
