// Package client owns one live session against an inference endpoint: the
// connection lifecycle, outbound framing and in-order event dispatch.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/studylive/pkg/live/audio"
	"github.com/vango-go/studylive/pkg/live/endpoint"
	"github.com/vango-go/studylive/pkg/live/protocol"
)

const (
	DefaultConnectTimeout    = 15 * time.Second
	DefaultUserSpeakingHold  = 500 * time.Millisecond
	DefaultOutboundQueueSize = 128
	DefaultSampleRateHz      = 16000
	DefaultSendTimeout       = 5 * time.Second
)

var (
	ErrClosed         = errors.New("client: session is closed")
	ErrConnectTimeout = errors.New("client: connect timed out")
)

// Handler receives session events one at a time, in arrival order.
// HandleEvent must not call Disconnect on the same client.
type Handler interface {
	HandleEvent(ev protocol.Event)
}

type HandlerFunc func(ev protocol.Event)

func (f HandlerFunc) HandleEvent(ev protocol.Event) { f(ev) }

// ToolExecutor is notified of each tool call after the handler has seen it.
// It runs on the read goroutine, outside the dispatch lock, so it may call
// SendToolResult or ExecuteToolResult directly.
type ToolExecutor interface {
	ExecuteTool(call protocol.ToolCall)
}

type ToolExecutorFunc func(call protocol.ToolCall)

func (f ToolExecutorFunc) ExecuteTool(call protocol.ToolCall) { f(call) }

type Config struct {
	Setup             endpoint.Setup
	ConnectTimeout    time.Duration
	UserSpeakingHold  time.Duration
	OutboundQueueSize int
	SampleRateHz      int
	SendTimeout       time.Duration
}

type Dependencies struct {
	Endpoint endpoint.Endpoint
	Handler  Handler
	Tools    ToolExecutor
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

type pendingCall struct {
	call protocol.ToolCall
	at   time.Time
}

type Client struct {
	cfg      Config
	endpoint endpoint.Endpoint
	handler  Handler
	tools    ToolExecutor
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	priority chan protocol.Frame
	normal   chan protocol.Frame

	mu           sync.Mutex
	status       protocol.Status
	sessionID    string
	stream       endpoint.Stream
	gen          uint64
	ready        chan error
	runCtx       context.Context
	cancel       context.CancelFunc
	resumeHandle string
	resumable    bool
	pending      []pendingCall
	userSpeaking bool
	speakTimer   *time.Timer
	done         chan struct{}

	dispatchMu sync.Mutex
	silenced   bool

	loops sync.WaitGroup
}

func New(cfg Config, deps Dependencies) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.UserSpeakingHold <= 0 {
		cfg.UserSpeakingHold = DefaultUserSpeakingHold
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = DefaultSampleRateHz
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
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
	return &Client{
		cfg:      cfg,
		endpoint: deps.Endpoint,
		handler:  deps.Handler,
		tools:    deps.Tools,
		logger:   logger,
		now:      now,
		newID:    newID,
		priority: make(chan protocol.Frame, cfg.OutboundQueueSize),
		normal:   make(chan protocol.Frame, cfg.OutboundQueueSize),
		status:   protocol.StatusIdle,
		done:     make(chan struct{}),
	}
}

func (c *Client) Status() protocol.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SessionID is empty until the endpoint acknowledges the session.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Done is closed once the client reaches ended or error.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) PendingToolCalls() []protocol.ToolCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.ToolCall, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p.call)
	}
	return out
}

// Connect opens the endpoint session and waits for its acknowledgement, at
// most Config.ConnectTimeout. It is a no-op while connecting or connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.status.IsTerminal():
		c.mu.Unlock()
		return ErrClosed
	case c.status != protocol.StatusIdle:
		status := c.status
		c.mu.Unlock()
		c.logger.Debug("live connect ignored", "status", status)
		return nil
	}
	if c.endpoint == nil {
		c.mu.Unlock()
		return errors.New("client: endpoint is not configured")
	}
	c.status = protocol.StatusConnecting
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	runCtx := c.runCtx
	c.ready = make(chan error, 1)
	ready := c.ready
	c.loops.Add(1)
	c.mu.Unlock()

	c.dispatch(protocol.StatusChanged{From: protocol.StatusIdle, To: protocol.StatusConnecting})
	go c.writeLoop(runCtx)

	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancelDial()

	stream, err := c.endpoint.Dial(dialCtx, c.cfg.Setup)
	if err != nil {
		reason := fmt.Sprintf("connect failed: %v", err)
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrConnectTimeout
			reason = "connect timed out"
		}
		c.terminate(protocol.StatusError, reason)
		return fmt.Errorf("client: connect: %w", err)
	}

	c.mu.Lock()
	if c.status != protocol.StatusConnecting {
		c.mu.Unlock()
		_ = stream.Close()
		return ErrClosed
	}
	c.stream = stream
	c.gen++
	gen := c.gen
	c.loops.Add(1)
	c.mu.Unlock()

	go c.readLoop(runCtx, stream, gen)

	select {
	case err := <-ready:
		return err
	case <-dialCtx.Done():
	}

	switch status := c.Status(); {
	case status == protocol.StatusConnected:
		return nil
	case status.IsTerminal():
		return ErrClosed
	}
	if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
		c.terminate(protocol.StatusError, "connect timed out")
		return ErrConnectTimeout
	}
	c.terminate(protocol.StatusError, "connect canceled")
	return fmt.Errorf("client: connect: %w", dialCtx.Err())
}

// Disconnect ends the session unconditionally. Pending tool calls are dropped
// and no events are dispatched once it returns.
func (c *Client) Disconnect(ctx context.Context) error {
	c.terminate(protocol.StatusEnded, "client disconnect")

	waited := make(chan struct{})
	go func() {
		c.loops.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAudio forwards one PCM frame and holds the user-speaking flag for
// Config.UserSpeakingHold.
func (c *Client) SendAudio(frame audio.Frame) {
	if len(frame.PCM) == 0 || !c.isConnected() {
		return
	}
	c.enqueue(protocol.AudioFrame{PCM: frame.Bytes(), SampleRateHz: c.cfg.SampleRateHz}, false)

	c.mu.Lock()
	if c.status.IsTerminal() {
		c.mu.Unlock()
		return
	}
	wasSpeaking := c.userSpeaking
	c.userSpeaking = true
	if c.speakTimer == nil {
		c.speakTimer = time.AfterFunc(c.cfg.UserSpeakingHold, c.clearUserSpeaking)
	} else {
		c.speakTimer.Reset(c.cfg.UserSpeakingHold)
	}
	c.mu.Unlock()

	if !wasSpeaking {
		c.dispatch(protocol.UserSpeaking{Speaking: true})
	}
}

func (c *Client) clearUserSpeaking() {
	c.mu.Lock()
	if !c.userSpeaking {
		c.mu.Unlock()
		return
	}
	c.userSpeaking = false
	c.mu.Unlock()
	c.dispatch(protocol.UserSpeaking{Speaking: false})
}

// SendImage forwards one encoded still image.
func (c *Client) SendImage(jpeg []byte) {
	if len(jpeg) == 0 || !c.isConnected() {
		return
	}
	c.enqueue(protocol.ImageFrame{JPEG: jpeg}, false)
}

// SendText forwards user text. The user message is dispatched before the
// frame is queued since the text is already complete.
func (c *Client) SendText(text string) {
	if strings.TrimSpace(text) == "" || !c.isConnected() {
		return
	}
	c.dispatch(protocol.UserText{Text: text})
	c.enqueue(protocol.TextFrame{Text: text}, true)
}

// SendToolResult answers the pending call with the given id. It reports
// false when no such call is pending.
func (c *Client) SendToolResult(toolCallID string, result map[string]any) bool {
	call, ok := c.takePending(func(p pendingCall) bool { return p.call.ID == toolCallID })
	if !ok {
		c.logger.Debug("tool result without pending call", "tool_call_id", toolCallID)
		return false
	}
	c.sendToolResult(call, result)
	return true
}

// ExecuteToolResult answers the oldest pending call for the named tool.
func (c *Client) ExecuteToolResult(name string, result map[string]any) bool {
	name = strings.TrimSpace(name)
	call, ok := c.takePending(func(p pendingCall) bool { return p.call.Name == name })
	if !ok {
		c.logger.Debug("tool result without pending call", "tool", name)
		return false
	}
	c.sendToolResult(call, result)
	return true
}

func (c *Client) sendToolResult(call protocol.ToolCall, result map[string]any) {
	if result == nil {
		result = map[string]any{}
	}
	c.dispatch(protocol.ToolResultSent{ToolCallID: call.ID, Name: call.Name, Result: result})
	c.enqueue(protocol.ToolResultFrame{
		ToolCallID:     call.ID,
		EndpointCallID: call.EndpointID,
		Name:           call.Name,
		Result:         result,
	}, true)
}

// takePending removes and returns the oldest pending call matching fn, only
// while the session is live.
func (c *Client) takePending(fn func(pendingCall) bool) (protocol.ToolCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != protocol.StatusConnected && c.status != protocol.StatusReconnecting {
		return protocol.ToolCall{}, false
	}
	for i, p := range c.pending {
		if fn(p) {
			c.pending = append(c.pending[:i:i], c.pending[i+1:]...)
			return p.call, true
		}
	}
	return protocol.ToolCall{}, false
}

func (c *Client) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == protocol.StatusConnected
}

func (c *Client) isLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == protocol.StatusConnected || c.status == protocol.StatusReconnecting
}

func (c *Client) enqueue(frame protocol.Frame, priority bool) {
	ch := c.normal
	if priority {
		ch = c.priority
	}
	select {
	case ch <- frame:
		return
	default:
	}
	if priority {
		c.logger.Warn("live outbound queue full", "frame", protocol.FrameType(frame))
		c.dispatch(protocol.Error{Message: fmt.Sprintf("outbound queue full, dropped %s", protocol.FrameType(frame))})
		return
	}
	c.logger.Debug("dropping media frame under backpressure", "frame", protocol.FrameType(frame))
}

func (c *Client) dispatch(ev protocol.Event) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	if c.silenced || c.handler == nil {
		return
	}
	c.handler.HandleEvent(ev)
}

// dispatchFinal delivers the terminal status change and silences the client
// in the same critical section.
func (c *Client) dispatchFinal(ev protocol.Event) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	if !c.silenced && c.handler != nil {
		c.handler.HandleEvent(ev)
	}
	c.silenced = true
}

// terminate moves the client to a terminal status exactly once.
func (c *Client) terminate(to protocol.Status, reason string) bool {
	c.mu.Lock()
	if c.status.IsTerminal() {
		c.mu.Unlock()
		return false
	}
	from := c.status
	c.status = to
	c.pending = nil
	stream := c.stream
	c.stream = nil
	c.userSpeaking = false
	if c.speakTimer != nil {
		c.speakTimer.Stop()
	}
	cancel := c.cancel
	ready := c.ready
	sessionID := c.sessionID
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	signal(ready, ErrClosed)
	if stream != nil {
		_ = stream.Close()
	}

	if to == protocol.StatusError {
		c.logger.Warn("live session failed", "session_id", sessionID, "from", from, "reason", reason)
	} else {
		c.logger.Info("live session ended", "session_id", sessionID, "from", from, "reason", reason)
	}
	c.dispatchFinal(protocol.StatusChanged{From: from, To: to, SessionID: sessionID, Reason: reason})
	close(c.done)
	return true
}

func signal(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}
