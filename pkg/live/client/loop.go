package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/vango-go/studylive/pkg/live/endpoint"
	"github.com/vango-go/studylive/pkg/live/protocol"
)

func (c *Client) readLoop(ctx context.Context, stream endpoint.Stream, gen uint64) {
	defer c.loops.Done()
	for {
		ev, err := stream.Recv(ctx)
		if err != nil {
			c.streamEnded(gen, err)
			return
		}
		if ev == nil {
			continue
		}
		if !c.isCurrent(gen) {
			if c.Status().IsTerminal() {
				return
			}
			continue
		}
		c.handleInbound(ev)
	}
}

func (c *Client) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && !c.status.IsTerminal()
}

func (c *Client) streamEnded(gen uint64, err error) {
	c.mu.Lock()
	current := gen == c.gen && !c.status.IsTerminal()
	status := c.status
	c.mu.Unlock()
	if !current {
		return
	}

	switch {
	case status == protocol.StatusReconnecting:
		// The old stream may close before the resumed one is swapped in.
		c.logger.Debug("live stream closed while reconnecting", "error", err)
	case status == protocol.StatusConnecting:
		c.terminate(protocol.StatusError, fmt.Sprintf("endpoint closed before the session was ready: %v", err))
	case errors.Is(err, io.EOF):
		c.terminate(protocol.StatusEnded, "endpoint closed the session")
	default:
		c.terminate(protocol.StatusError, fmt.Sprintf("connection lost: %v", err))
	}
}

func (c *Client) handleInbound(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.Connected:
		c.handleConnected()
	case protocol.Disconnected:
		reason := strings.TrimSpace(e.Reason)
		if reason == "" {
			reason = "endpoint disconnected"
		}
		if c.Status() == protocol.StatusConnecting {
			c.terminate(protocol.StatusError, reason)
			return
		}
		c.terminate(protocol.StatusEnded, reason)
	case protocol.AudioChunk, protocol.TextDelta, protocol.Interrupted, protocol.TurnComplete:
		if c.isLive() {
			c.dispatch(ev)
		}
	case protocol.ToolCall:
		c.handleToolCall(e)
	case protocol.ToolCallCancelled:
		c.handleToolCancel(e)
	case protocol.GoAway:
		c.handleGoAway(e)
	case protocol.ResumptionUpdate:
		c.mu.Lock()
		if e.Handle != "" {
			c.resumeHandle = e.Handle
		}
		c.resumable = e.Resumable
		c.mu.Unlock()
	case protocol.Error:
		if e.Fatal {
			c.terminate(protocol.StatusError, e.Message)
			return
		}
		c.dispatch(e)
	case protocol.StatusChanged, protocol.UserText, protocol.UserSpeaking, protocol.ToolResultSent:
		c.logger.Debug("ignoring local event from endpoint", "type", protocol.EventType(ev))
	}
}

func (c *Client) handleConnected() {
	c.mu.Lock()
	from := c.status
	switch from {
	case protocol.StatusConnecting:
		c.sessionID = c.newID()
	case protocol.StatusReconnecting:
	default:
		c.mu.Unlock()
		return
	}
	c.status = protocol.StatusConnected
	sessionID := c.sessionID
	ready := c.ready
	c.mu.Unlock()

	c.logger.Info("live session connected", "session_id", sessionID, "resumed", from == protocol.StatusReconnecting)
	c.dispatch(protocol.StatusChanged{From: from, To: protocol.StatusConnected, SessionID: sessionID})
	signal(ready, nil)
}

func (c *Client) handleToolCall(call protocol.ToolCall) {
	c.mu.Lock()
	if c.status != protocol.StatusConnected && c.status != protocol.StatusReconnecting {
		c.mu.Unlock()
		return
	}
	call.ID = c.newID()
	c.pending = append(c.pending, pendingCall{call: call, at: c.now()})
	c.mu.Unlock()

	c.dispatch(call)
	if c.tools != nil {
		c.tools.ExecuteTool(call)
	}
}

func (c *Client) handleToolCancel(ev protocol.ToolCallCancelled) {
	ids := make(map[string]struct{}, len(ev.EndpointIDs))
	for _, id := range ev.EndpointIDs {
		ids[id] = struct{}{}
	}
	c.mu.Lock()
	var dropped []protocol.ToolCall
	kept := c.pending[:0]
	for _, p := range c.pending {
		if _, ok := ids[p.call.EndpointID]; ok && p.call.EndpointID != "" {
			dropped = append(dropped, p.call)
			continue
		}
		kept = append(kept, p)
	}
	c.pending = kept
	c.mu.Unlock()

	if len(dropped) == 0 {
		return
	}
	ev.Calls = dropped
	c.dispatch(ev)
}

func (c *Client) handleGoAway(ev protocol.GoAway) {
	c.mu.Lock()
	if c.status != protocol.StatusConnected {
		c.mu.Unlock()
		return
	}
	handle := c.resumeHandle
	if handle == "" || !c.resumable {
		sessionID := c.sessionID
		c.mu.Unlock()
		c.logger.Warn("endpoint going away without a resumable handle", "session_id", sessionID, "time_left", ev.TimeLeft)
		return
	}
	c.status = protocol.StatusReconnecting
	c.ready = make(chan error, 1)
	ready := c.ready
	runCtx := c.runCtx
	sessionID := c.sessionID
	c.loops.Add(1)
	c.mu.Unlock()

	c.logger.Info("live session reconnecting", "session_id", sessionID, "time_left", ev.TimeLeft)
	c.dispatch(protocol.StatusChanged{From: protocol.StatusConnected, To: protocol.StatusReconnecting, SessionID: sessionID, Reason: "go_away"})

	go c.reconnect(runCtx, handle, ready)
}

func (c *Client) reconnect(runCtx context.Context, handle string, ready chan error) {
	defer c.loops.Done()

	ctx, cancel := context.WithTimeout(runCtx, c.cfg.ConnectTimeout)
	defer cancel()

	setup := c.cfg.Setup
	setup.ResumeHandle = handle
	stream, err := c.endpoint.Dial(ctx, setup)
	if err != nil {
		if c.Status() == protocol.StatusReconnecting {
			c.terminate(protocol.StatusError, fmt.Sprintf("reconnect failed: %v", err))
		}
		return
	}

	c.mu.Lock()
	if c.status != protocol.StatusReconnecting {
		c.mu.Unlock()
		_ = stream.Close()
		return
	}
	old := c.stream
	c.stream = stream
	c.gen++
	gen := c.gen
	c.loops.Add(1)
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	go c.readLoop(runCtx, stream, gen)

	select {
	case <-ready:
	case <-ctx.Done():
		c.mu.Lock()
		stuck := c.status == protocol.StatusReconnecting && c.gen == gen
		c.mu.Unlock()
		if stuck {
			c.terminate(protocol.StatusError, "reconnect timed out")
		}
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	defer c.loops.Done()
	for {
		// Text and tool results go ahead of queued media.
		select {
		case frame := <-c.priority:
			c.write(ctx, frame)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case frame := <-c.priority:
			c.write(ctx, frame)
		case frame := <-c.normal:
			c.write(ctx, frame)
		}
	}
}

func (c *Client) write(ctx context.Context, frame protocol.Frame) {
	c.mu.Lock()
	stream := c.stream
	live := c.status == protocol.StatusConnected || c.status == protocol.StatusReconnecting
	c.mu.Unlock()
	if stream == nil || !live {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	err := stream.Send(sendCtx, frame)
	cancel()
	if err == nil || ctx.Err() != nil {
		return
	}
	c.logger.Warn("live send failed", "frame", protocol.FrameType(frame), "error", err)
	c.dispatch(protocol.Error{Message: fmt.Sprintf("send %s: %v", protocol.FrameType(frame), err)})
}
