package state

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/vango-go/studylive/pkg/live/client"
	"github.com/vango-go/studylive/pkg/live/endpoint"
	"github.com/vango-go/studylive/pkg/live/protocol"
)

// scriptedStream replays inbound events pushed by the test.
type scriptedStream struct {
	in     chan protocol.Event
	closed chan struct{}
}

func (s *scriptedStream) Send(context.Context, protocol.Frame) error { return nil }

func (s *scriptedStream) Recv(ctx context.Context) (protocol.Event, error) {
	select {
	case ev := <-s.in:
		return ev, nil
	case <-s.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *scriptedStream) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func liveSession(t *testing.T) (*client.Client, *Machine, *scriptedStream) {
	t.Helper()
	stream := &scriptedStream{in: make(chan protocol.Event, 16), closed: make(chan struct{})}
	m, _ := newMachine(t, Dependencies{})
	c := client.New(client.Config{}, client.Dependencies{
		Endpoint: endpoint.Func(func(context.Context, endpoint.Setup) (endpoint.Stream, error) { return stream, nil }),
		Handler:  m,
		Logger:   discard(),
		NewID:    seqIDs("id"),
	})
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })

	stream.in <- protocol.Connected{}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c, m, stream
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLiveSession_ScenarioA(t *testing.T) {
	c, m, stream := liveSession(t)
	if m.Snapshot().SessionID != c.SessionID() {
		t.Fatalf("machine and client disagree on the session id")
	}

	c.SendText("What is 2+2?")
	if user := messagesOf(m.Snapshot(), RoleUser); len(user) != 1 || user[0].Content != "What is 2+2?" {
		t.Fatalf("user message must be appended on send, got %+v", user)
	}

	stream.in <- protocol.TextDelta{Text: "The ", Partial: true}
	stream.in <- protocol.TextDelta{Text: "answer is 4.", Partial: true}
	stream.in <- protocol.TextDelta{Text: "", Partial: false}
	eventually(t, "assistant message", func() bool { return len(messagesOf(m.Snapshot(), RoleAssistant)) == 1 })

	asst := messagesOf(m.Snapshot(), RoleAssistant)
	if asst[0].Content != "The answer is 4." || m.Accumulated() != "" {
		t.Fatalf("assistant=%+v acc=%q", asst, m.Accumulated())
	}
}

func TestLiveSession_ScenarioB(t *testing.T) {
	c, m, stream := liveSession(t)

	stream.in <- protocol.ToolCall{EndpointID: "fc_1", Name: "draw_diagram", Args: map[string]any{"kind": "axes"}}
	eventually(t, "tool active", func() bool {
		s := m.Snapshot()
		return len(s.Tools) > 0 && s.Tools[0].IsActive
	})

	if !c.ExecuteToolResult("draw_diagram", map[string]any{"ok": true}) {
		t.Fatalf("expected pending tool call")
	}
	s := m.Snapshot()
	var calls, results int
	for _, msg := range s.Messages {
		switch msg.Type {
		case TypeToolCall:
			calls++
		case TypeToolResult:
			results++
		}
	}
	if calls != 1 || results != 1 {
		t.Fatalf("tool_call=%d tool_result=%d, want 1/1", calls, results)
	}
	if s.Tools[0].IsActive || s.Tools[0].LastResult["ok"] != true {
		t.Fatalf("tool=%+v", s.Tools[0])
	}
}

func TestLiveSession_DisconnectWithPendingToolCall(t *testing.T) {
	c, m, stream := liveSession(t)
	stream.in <- protocol.ToolCall{EndpointID: "fc_1", Name: "draw_diagram"}
	eventually(t, "pending call", func() bool { return len(c.PendingToolCalls()) == 1 })

	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	count := len(m.Snapshot().Messages)
	if c.ExecuteToolResult("draw_diagram", map[string]any{"ok": true}) {
		t.Fatalf("late tool result must be a no-op")
	}
	if got := len(m.Snapshot().Messages); got != count {
		t.Fatalf("messages grew after disconnect: %d -> %d", count, got)
	}
	if m.Snapshot().Status != protocol.StatusEnded {
		t.Fatalf("status=%s, want ended", m.Snapshot().Status)
	}
}

func TestLiveSession_DropIsErrorNotEnded(t *testing.T) {
	_, m, stream := liveSession(t)
	stream.in <- protocol.Error{Message: "upstream crashed", Fatal: true}
	eventually(t, "error", func() bool { return m.Snapshot().Status == protocol.StatusError })
	if m.Snapshot().Error != "upstream crashed" {
		t.Fatalf("error=%q", m.Snapshot().Error)
	}
}
