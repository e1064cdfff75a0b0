package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/studylive/pkg/live/protocol"
)

type Config struct {
	Owner          string
	Language       string
	EducationLevel string
	Subject        string
	Tools          []string
}

type Dependencies struct {
	Gateway  Gateway
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
	Listener Listener
}

// Machine owns one session's state. It is driven only through HandleEvent.
type Machine struct {
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	listener Listener
	persist  *persistQueue

	mu             sync.Mutex
	sessionID      string
	status         protocol.Status
	messages       []Message
	acc            strings.Builder
	thought        string
	aiSpeaking     bool
	userSpeaking   bool
	tools          map[string]*ToolState
	toolOrder      []string
	messageCount   int
	toolCallsCount int
	startedAt      time.Time
	endedAt        time.Time
	lastError      string

	done     chan struct{}
	doneOnce sync.Once
}

func New(cfg Config, deps Dependencies) *Machine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	m := &Machine{
		cfg:      cfg,
		logger:   logger,
		now:      now,
		newID:    newID,
		listener: deps.Listener,
		status:   protocol.StatusIdle,
		tools:    make(map[string]*ToolState),
		done:     make(chan struct{}),
	}
	if deps.Gateway != nil {
		m.persist = newPersistQueue(deps.Gateway, logger)
	}
	for _, name := range cfg.Tools {
		m.tool(name)
	}
	return m
}

// HandleEvent applies one event. Changes are reported to the listener after
// the state lock is released, in the order they happened.
func (m *Machine) HandleEvent(ev protocol.Event) {
	m.mu.Lock()
	changes := m.apply(ev)
	terminal := m.status.IsTerminal()
	m.mu.Unlock()

	if m.listener != nil {
		for _, ch := range changes {
			m.listener.OnChange(ch)
		}
	}
	if terminal {
		m.doneOnce.Do(func() { close(m.done) })
	}
}

func (m *Machine) apply(ev protocol.Event) []Change {
	if m.status.IsTerminal() {
		return nil
	}
	switch e := ev.(type) {
	case protocol.StatusChanged:
		return m.applyStatus(e)
	case protocol.AudioChunk:
		return m.setAISpeaking(true)
	case protocol.TextDelta:
		return m.applyTextDelta(e)
	case protocol.Interrupted:
		// Interrupted text is abandoned, never finalized.
		changes := m.clearThought()
		return append(changes, m.setAISpeaking(false)...)
	case protocol.TurnComplete:
		return m.setAISpeaking(false)
	case protocol.ToolCall:
		return m.applyToolCall(e)
	case protocol.ToolResultSent:
		return m.applyToolResult(e)
	case protocol.ToolCallCancelled:
		var changes []Change
		for _, call := range e.Calls {
			ts := m.tool(call.Name)
			ts.IsActive = false
			changes = append(changes, Change{Kind: ChangeTool, Tool: copyTool(ts)})
		}
		return changes
	case protocol.UserText:
		msg := m.appendMessage(RoleUser, TypeText, e.Text, nil)
		return []Change{{Kind: ChangeMessage, Message: &msg}}
	case protocol.UserSpeaking:
		if m.userSpeaking == e.Speaking {
			return nil
		}
		m.userSpeaking = e.Speaking
		return []Change{m.speakingChange()}
	case protocol.Error:
		m.lastError = e.Message
		return []Change{{Kind: ChangeError, Error: e.Message}}
	case protocol.Connected, protocol.Disconnected, protocol.GoAway, protocol.ResumptionUpdate:
		// Connection control is resolved by the client into StatusChanged.
		return nil
	default:
		m.logger.Debug("unhandled live event", "type", protocol.EventType(ev))
		return nil
	}
}

func (m *Machine) applyStatus(e protocol.StatusChanged) []Change {
	prev := m.status
	m.status = e.To
	changes := []Change{{Kind: ChangeStatus, Status: e.To, SessionID: e.SessionID}}

	switch e.To {
	case protocol.StatusConnected:
		if prev == protocol.StatusConnecting || m.sessionID == "" {
			m.sessionID = e.SessionID
			m.startedAt = m.now()
			changes[0].SessionID = m.sessionID
			m.enqueue(persistOp{create: &SessionRecord{
				SessionID:      m.sessionID,
				Owner:          m.cfg.Owner,
				Language:       m.cfg.Language,
				EducationLevel: m.cfg.EducationLevel,
				Subject:        m.cfg.Subject,
				Status:         protocol.StatusConnected,
				StartedAt:      m.startedAt,
			}})
			msg := m.appendMessage(RoleSystem, TypeText, readyMessage(m.cfg.Subject), nil)
			changes = append(changes, Change{Kind: ChangeMessage, Message: &msg})
			return changes
		}
		m.enqueuePatch(Patch{Status: statusPtr(e.To)})
	case protocol.StatusReconnecting, protocol.StatusConnecting:
		m.enqueuePatch(Patch{Status: statusPtr(e.To)})
	case protocol.StatusEnded, protocol.StatusError:
		changes = append(changes, m.clearThought()...)
		changes = append(changes, m.setAISpeaking(false)...)
		if m.userSpeaking {
			m.userSpeaking = false
			changes = append(changes, m.speakingChange())
		}
		m.endedAt = m.now()
		if e.To == protocol.StatusError {
			m.lastError = e.Reason
			changes = append(changes, Change{Kind: ChangeError, Error: e.Reason})
		} else if !m.startedAt.IsZero() {
			msg := m.appendMessage(RoleSystem, TypeText, "Live session ended.", nil)
			changes = append(changes, Change{Kind: ChangeMessage, Message: &msg})
		}
		if !m.startedAt.IsZero() {
			ended := m.endedAt
			minutes := m.durationMinutesLocked()
			msgs, calls := m.messageCount, m.toolCallsCount
			m.enqueuePatch(Patch{
				Status:          statusPtr(e.To),
				EndedAt:         &ended,
				DurationMinutes: &minutes,
				MessageCount:    &msgs,
				ToolCallsCount:  &calls,
			})
		}
	}
	return changes
}

func readyMessage(subject string) string {
	if s := strings.TrimSpace(subject); s != "" {
		return fmt.Sprintf("Live session connected. Ready to help with %s.", s)
	}
	return "Live session connected. Ready to help."
}

func (m *Machine) applyTextDelta(e protocol.TextDelta) []Change {
	if m.status != protocol.StatusConnected && m.status != protocol.StatusReconnecting {
		return nil
	}
	m.acc.WriteString(e.Text)
	if e.Partial {
		if e.Text == "" {
			return nil
		}
		m.thought = m.acc.String()
		return []Change{{Kind: ChangeThought, Thought: m.thought}}
	}

	text := m.acc.String()
	changes := m.clearThought()
	if strings.TrimSpace(text) == "" {
		return changes
	}
	msg := m.appendMessage(RoleAssistant, TypeText, text, nil)
	return append(changes, Change{Kind: ChangeMessage, Message: &msg})
}

func (m *Machine) applyToolCall(e protocol.ToolCall) []Change {
	m.toolCallsCount++
	meta := map[string]any{"tool_name": e.Name, "tool_call_id": e.ID}
	if e.Args != nil {
		meta["args"] = e.Args
	}
	msg := m.appendMessage(RoleAssistant, TypeToolCall, fmt.Sprintf("Using %s...", e.Name), meta)
	ts := m.tool(e.Name)
	ts.IsActive = true
	return []Change{
		{Kind: ChangeMessage, Message: &msg},
		{Kind: ChangeTool, Tool: copyTool(ts)},
	}
}

func (m *Machine) applyToolResult(e protocol.ToolResultSent) []Change {
	meta := map[string]any{"tool_name": e.Name, "tool_call_id": e.ToolCallID, "result": e.Result}
	msg := m.appendMessage(RoleTool, TypeToolResult, resultContent(e.Name, e.Result), meta)
	ts := m.tool(e.Name)
	ts.IsActive = false
	ts.LastResult = e.Result
	return []Change{
		{Kind: ChangeMessage, Message: &msg},
		{Kind: ChangeTool, Tool: copyTool(ts)},
	}
}

func resultContent(name string, result map[string]any) string {
	if len(result) == 0 {
		return fmt.Sprintf("%s completed", name)
	}
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%s completed", name)
	}
	return string(b)
}

func (m *Machine) appendMessage(role Role, typ MessageType, content string, meta map[string]any) Message {
	msg := Message{
		ID:        m.newID(),
		Role:      role,
		Type:      typ,
		Content:   content,
		Timestamp: m.now(),
		Metadata:  meta,
	}
	m.messages = append(m.messages, msg)
	m.messageCount++
	m.enqueue(persistOp{append: &msg})
	msgs, calls := m.messageCount, m.toolCallsCount
	m.enqueuePatch(Patch{MessageCount: &msgs, ToolCallsCount: &calls})
	return msg
}

func (m *Machine) clearThought() []Change {
	m.acc.Reset()
	if m.thought == "" {
		return nil
	}
	m.thought = ""
	return []Change{{Kind: ChangeThought}}
}

func (m *Machine) setAISpeaking(v bool) []Change {
	if m.aiSpeaking == v {
		return nil
	}
	m.aiSpeaking = v
	return []Change{m.speakingChange()}
}

func (m *Machine) speakingChange() Change {
	return Change{Kind: ChangeSpeaking, IsAISpeaking: m.aiSpeaking, IsUserSpeaking: m.userSpeaking}
}

func (m *Machine) tool(name string) *ToolState {
	if ts, ok := m.tools[name]; ok {
		return ts
	}
	ts := &ToolState{Name: name}
	m.tools[name] = ts
	m.toolOrder = append(m.toolOrder, name)
	return ts
}

func copyTool(ts *ToolState) *ToolState {
	c := *ts
	return &c
}

func statusPtr(s protocol.Status) *protocol.Status { return &s }

func (m *Machine) enqueue(op persistOp) {
	m.persist.enqueue(op)
}

func (m *Machine) enqueuePatch(p Patch) {
	m.persist.enqueue(persistOp{patch: &p})
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		SessionID:      m.sessionID,
		Status:         m.status,
		Language:       m.cfg.Language,
		EducationLevel: m.cfg.EducationLevel,
		Subject:        m.cfg.Subject,
		Messages:       make([]Message, len(m.messages)),
		CurrentThought: m.thought,
		IsAISpeaking:   m.aiSpeaking,
		IsUserSpeaking: m.userSpeaking,
		Tools:          make([]ToolState, 0, len(m.toolOrder)),
		MessageCount:   m.messageCount,
		ToolCallsCount: m.toolCallsCount,
		StartedAt:      m.startedAt,
		EndedAt:        m.endedAt,
		Error:          m.lastError,
	}
	copy(s.Messages, m.messages)
	for _, name := range m.toolOrder {
		s.Tools = append(s.Tools, *m.tools[name])
	}
	return s
}

// Accumulated returns the in-flight streaming text, which is not yet part of
// the transcript.
func (m *Machine) Accumulated() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acc.String()
}

func (m *Machine) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durationLocked()
}

// DurationMinutes is the elapsed session time in fractional minutes.
func (m *Machine) DurationMinutes() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durationMinutesLocked()
}

func (m *Machine) durationLocked() time.Duration {
	if m.startedAt.IsZero() {
		return 0
	}
	end := m.endedAt
	if end.IsZero() {
		end = m.now()
	}
	if end.Before(m.startedAt) {
		return 0
	}
	return end.Sub(m.startedAt)
}

func (m *Machine) durationMinutesLocked() float64 {
	return m.durationLocked().Minutes()
}

// Done is closed once the session reaches ended or error.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Close drains pending persistence writes.
func (m *Machine) Close(ctx context.Context) error {
	return m.persist.close(ctx)
}
