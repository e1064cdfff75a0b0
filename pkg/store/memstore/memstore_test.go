package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/vango-go/studylive/pkg/live/protocol"
	"github.com/vango-go/studylive/pkg/live/state"
)

func TestGateway_Lifecycle(t *testing.T) {
	ctx := context.Background()
	g := New()
	id, err := g.CreateSession(ctx, state.SessionRecord{SessionID: "sess_1", Status: protocol.StatusConnected})
	if err != nil || id == "" {
		t.Fatalf("id=%q err=%v", id, err)
	}
	msg := state.Message{ID: "m1", Role: state.RoleSystem, Type: state.TypeText, Content: "hi"}
	if err := g.AppendMessage(ctx, id, msg); err != nil {
		t.Fatal(err)
	}
	// Replays are ignored.
	_ = g.AppendMessage(ctx, id, msg)

	ended := protocol.StatusEnded
	at := time.Date(2026, 3, 1, 10, 1, 30, 0, time.UTC)
	minutes := 1.5
	count := 1
	if err := g.UpdateSession(ctx, id, state.Patch{Status: &ended, EndedAt: &at, DurationMinutes: &minutes, MessageCount: &count}); err != nil {
		t.Fatal(err)
	}

	got := g.Sessions()
	if len(got) != 1 {
		t.Fatalf("sessions=%d", len(got))
	}
	s := got[0]
	if s.Status != "ended" || s.DurationMinutes != 1.5 || s.MessageCount != 1 || !s.EndedAt.Equal(at) {
		t.Fatalf("session=%+v", s)
	}
	if len(s.Messages) != 1 || s.Messages[0].Content != "hi" {
		t.Fatalf("messages=%+v", s.Messages)
	}
}

func TestGateway_UnknownRecord(t *testing.T) {
	g := New()
	if err := g.AppendMessage(context.Background(), "nope", state.Message{}); err == nil {
		t.Fatal("expected error")
	}
	if err := g.UpdateSession(context.Background(), "nope", state.Patch{}); err == nil {
		t.Fatal("expected error")
	}
}
