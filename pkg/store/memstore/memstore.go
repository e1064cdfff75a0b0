// Package memstore is an in-process persistence gateway for development and
// tests. Nothing survives a restart.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/studylive/pkg/live/state"
)

// Session is the stored view of one live session.
type Session struct {
	RecordID        string
	Record          state.SessionRecord
	Status          string
	EndedAt         time.Time
	DurationMinutes float64
	MessageCount    int
	ToolCallsCount  int
	Messages        []state.Message
}

type Gateway struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
}

var _ state.Gateway = (*Gateway)(nil)

func New() *Gateway {
	return &Gateway{sessions: make(map[string]*Session)}
}

func (g *Gateway) CreateSession(_ context.Context, rec state.SessionRecord) (string, error) {
	id := uuid.NewString()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[id] = &Session{RecordID: id, Record: rec, Status: string(rec.Status)}
	g.order = append(g.order, id)
	return id, nil
}

func (g *Gateway) AppendMessage(_ context.Context, recordID string, msg state.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[recordID]
	if !ok {
		return fmt.Errorf("memstore: unknown session record %q", recordID)
	}
	for _, m := range s.Messages {
		if m.ID == msg.ID {
			return nil
		}
	}
	s.Messages = append(s.Messages, msg)
	return nil
}

func (g *Gateway) UpdateSession(_ context.Context, recordID string, patch state.Patch) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[recordID]
	if !ok {
		return fmt.Errorf("memstore: unknown session record %q", recordID)
	}
	if patch.Status != nil {
		s.Status = string(*patch.Status)
	}
	if patch.EndedAt != nil {
		s.EndedAt = *patch.EndedAt
	}
	if patch.DurationMinutes != nil {
		s.DurationMinutes = *patch.DurationMinutes
	}
	if patch.MessageCount != nil {
		s.MessageCount = *patch.MessageCount
	}
	if patch.ToolCallsCount != nil {
		s.ToolCallsCount = *patch.ToolCallsCount
	}
	return nil
}

// Sessions returns copies of all stored sessions in creation order.
func (g *Gateway) Sessions() []Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Session, 0, len(g.order))
	for _, id := range g.order {
		s := *g.sessions[id]
		s.Messages = append([]state.Message(nil), s.Messages...)
		out = append(out, s)
	}
	return out
}
