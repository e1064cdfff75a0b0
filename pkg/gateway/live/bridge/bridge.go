// Package bridge connects one browser websocket to one live client: browser
// frames flow to the client, session changes and assistant audio flow back.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/studylive/pkg/live/audio"
	"github.com/vango-go/studylive/pkg/live/client"
	"github.com/vango-go/studylive/pkg/live/media"
	"github.com/vango-go/studylive/pkg/live/protocol"
	"github.com/vango-go/studylive/pkg/live/state"
	"github.com/vango-go/studylive/pkg/usage"
)

var errBackpressure = errors.New("live outbound backpressure")

// End reasons reported by Run.
const (
	EndBrowserClosed = "browser_closed"
	EndRequested     = "end_session"
	EndTimeLimit     = "time_limit"
	EndLiveClosed    = "live_closed"
	EndCanceled      = "canceled"
)

const maxCanceledTurns = 32

// Live is the part of the live client the bridge drives.
type Live interface {
	SendAudio(frame audio.Frame)
	SendImage(jpeg []byte)
	SendText(text string)
	SendToolResult(toolCallID string, result map[string]any) bool
	ExecuteToolResult(name string, result map[string]any) bool
	Disconnect(ctx context.Context) error
	Done() <-chan struct{}
}

var _ Live = (*client.Client)(nil)

// Conn is the browser websocket.
type Conn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

type Config struct {
	FrameSize          int
	ImageMinInterval   time.Duration
	MaxAudioFrameBytes int
	// Inbound audio budget; zero rates disable the check.
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	AudioBurstSeconds      int
	MaxJSONMessageBytes    int64
	PingInterval           time.Duration
	WriteTimeout           time.Duration
	ReadTimeout            time.Duration
	// MaxDuration ends the session cleanly once elapsed; zero means no cap.
	MaxDuration       time.Duration
	OutboundQueueSize int
	DisconnectTimeout time.Duration
}

type Dependencies struct {
	Conn    Conn
	Logger  *slog.Logger
	Encoder media.Encoder
	Now     func() time.Time
}

type Session struct {
	cfg     Config
	conn    Conn
	logger  *slog.Logger
	encoder media.Encoder
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	priority chan outboundFrame
	normal   chan outboundFrame

	images  media.Throttle
	inAudio *inboundAudioLimiter

	turn       atomic.Int64
	canceledMu sync.Mutex
	canceled   canceledTurns

	dropped          atomic.Int64
	assistantAudioMS atomic.Int64
}

type canceledTurns struct {
	set   map[string]struct{}
	order []string
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(cfg Config, deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("bridge: connection is required")
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = audio.FrameSize
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 128
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = 3 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:      cfg,
		conn:     deps.Conn,
		logger:   logger,
		encoder:  deps.Encoder,
		now:      now,
		ctx:      ctx,
		cancel:   cancel,
		priority: make(chan outboundFrame, max(32, cfg.OutboundQueueSize)),
		normal:   make(chan outboundFrame, cfg.OutboundQueueSize),
		images:   media.Throttle{Interval: cfg.ImageMinInterval},
		inAudio:  newInboundAudioLimiter(now, cfg.MaxAudioFPS, cfg.MaxAudioBytesPerSecond, cfg.AudioBurstSeconds),
		canceled: canceledTurns{set: make(map[string]struct{})},
	}, nil
}

// Events wraps the session state handler so assistant audio and barge-in
// reach the browser before the event is folded into state.
func (s *Session) Events(next client.Handler) client.Handler {
	return client.HandlerFunc(func(ev protocol.Event) {
		switch e := ev.(type) {
		case protocol.AudioChunk:
			s.sendAssistantAudio(e)
		case protocol.Interrupted:
			id := s.currentTurnID()
			s.cancelTurn(id)
			s.turn.Add(1)
			_ = s.sendJSONPriority(protocol.ServerAudioReset{Type: "audio_reset", Reason: "interrupted", AssistantAudioID: id})
		case protocol.TurnComplete:
			s.turn.Add(1)
		}
		if next != nil {
			next.HandleEvent(ev)
		}
	})
}

// OnChange forwards session state changes to the browser. Committed
// transcript, tool and status frames take the priority lane; thought and
// speaking updates are superseded by the next one and may be dropped.
func (s *Session) OnChange(ch state.Change) {
	switch ch.Kind {
	case state.ChangeMessage:
		if ch.Message == nil {
			return
		}
		m := ch.Message
		_ = s.sendJSONPriority(protocol.ServerMessage{
			Type:      "message",
			ID:        m.ID,
			Role:      string(m.Role),
			Kind:      string(m.Type),
			Content:   m.Content,
			Timestamp: m.Timestamp,
			Metadata:  m.Metadata,
		})
	case state.ChangeThought:
		_ = s.sendJSON(protocol.ServerThought{Type: "thought", Text: ch.Thought})
	case state.ChangeSpeaking:
		_ = s.sendJSON(protocol.ServerSpeaking{Type: "speaking", AI: ch.IsAISpeaking, User: ch.IsUserSpeaking})
	case state.ChangeTool:
		if ch.Tool == nil {
			return
		}
		_ = s.sendJSONPriority(protocol.ServerToolState{Type: "tool_state", Name: ch.Tool.Name, Active: ch.Tool.IsActive, LastResult: ch.Tool.LastResult})
	case state.ChangeStatus:
		_ = s.sendJSONPriority(protocol.ServerStatus{Type: "status", Status: ch.Status, SessionID: ch.SessionID})
	case state.ChangeError:
		_ = s.sendJSONPriority(protocol.ServerError{Type: "error", Scope: "live", Code: "live_error", Message: ch.Error, Retryable: true})
	}
}

// ExecuteTool hands a tool call to the browser, which answers with a
// tool_result frame.
func (s *Session) ExecuteTool(call protocol.ToolCall) {
	_ = s.sendJSONPriority(protocol.ServerToolCall{Type: "tool_call", ToolCallID: call.ID, Name: call.Name, Args: call.Args})
}

func (s *Session) SendUsage(st usage.Status) error {
	return s.sendJSON(protocol.ServerUsage{
		Type:              "usage",
		Allowed:           st.Allowed,
		SessionsRemaining: st.SessionsRemaining,
		MinutesRemaining:  st.MinutesRemaining,
		MaxSessionMinutes: st.MaxSessionMinutes,
		Plan:              st.Plan,
	})
}

func (s *Session) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	return s.sendJSON(protocol.ServerWarning{Type: "warning", Code: code, Message: message})
}

func (s *Session) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// Run pumps frames until the browser leaves, asks to end, the time cap is
// hit, the live client terminates or the session is canceled. It always
// disconnects live before returning and reports why the session ended.
func (s *Session) Run(live Live) (string, error) {
	if live == nil {
		return "", fmt.Errorf("bridge: live client is required")
	}

	framer := audio.NewFramer(s.cfg.FrameSize, live.SendAudio)

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:           s.conn,
			ctx:          s.ctx,
			pingInterval: s.cfg.PingInterval,
			writeTimeout: s.cfg.WriteTimeout,
			priority:     s.priority,
			normal:       s.normal,
			isCanceled:   s.isTurnCanceled,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	var limit <-chan time.Time
	if s.cfg.MaxDuration > 0 {
		timer := time.NewTimer(s.cfg.MaxDuration)
		defer timer.Stop()
		limit = timer.C
	}

	reason, runErr := s.pump(live, framer, readCh, writerErrCh, limit)

	dctx, cancel := context.WithTimeout(context.Background(), s.cfg.DisconnectTimeout)
	if err := live.Disconnect(dctx); err != nil {
		s.logger.Warn("live disconnect did not finish", "error", err)
	}
	cancel()

	s.flushAndClose(writerErrCh)
	if n := s.dropped.Load(); n > 0 {
		s.logger.Debug("dropped outbound frames under backpressure", "count", n)
	}
	s.logger.Debug("live bridge finished", "reason", reason, "assistant_audio_ms", s.assistantAudioMS.Load())
	return reason, runErr
}

func (s *Session) pump(live Live, framer *audio.Framer, readCh <-chan inboundFrame, writerErrCh <-chan error, limit <-chan time.Time) (string, error) {
	for {
		select {
		case <-s.ctx.Done():
			return EndCanceled, nil
		case <-live.Done():
			return EndLiveClosed, nil
		case <-limit:
			_ = s.sendJSONPriority(protocol.ServerWarning{Type: "warning", Code: "session_time_limit", Message: "session reached the plan's time limit"})
			return EndTimeLimit, nil
		case err, ok := <-writerErrCh:
			if ok && err != nil {
				return EndBrowserClosed, fmt.Errorf("bridge: write: %w", err)
			}
			return EndBrowserClosed, nil
		case in, ok := <-readCh:
			if !ok {
				return EndBrowserClosed, nil
			}
			if in.err != nil {
				if websocket.IsCloseError(in.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return EndBrowserClosed, nil
				}
				return EndBrowserClosed, fmt.Errorf("bridge: read: %w", in.err)
			}
			if end := s.handleInbound(live, framer, in); end {
				return EndRequested, nil
			}
		}
	}
}

// handleInbound applies one browser frame. It reports true when the browser
// asked to end the session.
func (s *Session) handleInbound(live Live, framer *audio.Framer, in inboundFrame) bool {
	switch in.messageType {
	case websocket.BinaryMessage:
		if s.cfg.MaxAudioFrameBytes > 0 && len(in.data) > s.cfg.MaxAudioFrameBytes {
			_ = s.SendWarning("audio_frame_too_large", fmt.Sprintf("audio frames are limited to %d bytes", s.cfg.MaxAudioFrameBytes))
			return false
		}
		if ok, first := s.inAudio.Allow(len(in.data)); !ok {
			if first {
				_ = s.SendWarning("audio_rate_limited", "audio is arriving faster than real time; frames are being dropped")
			}
			return false
		}
		samples, err := audio.DecodeFloat32LE(in.data)
		if err != nil {
			_ = s.SendWarning("bad_audio", err.Error())
			return false
		}
		framer.Write(samples)
		return false
	case websocket.TextMessage:
	default:
		return false
	}

	msg, err := protocol.DecodeClientMessage(in.data)
	if err != nil {
		s.sendDecodeError(err)
		return false
	}
	switch m := msg.(type) {
	case protocol.ClientHello:
		_ = s.sendJSON(protocol.ServerError{Type: "error", Scope: "frame", Code: "bad_request", Message: "hello already received"})
	case protocol.ClientImage:
		if !s.images.Allow(s.now()) {
			return false
		}
		raw, err := base64.StdEncoding.DecodeString(m.DataB64)
		if err != nil {
			_ = s.SendWarning("bad_image", "image is not valid base64")
			return false
		}
		jpeg, err := s.encoder.Reencode(raw)
		if err != nil {
			_ = s.SendWarning("bad_image", err.Error())
			return false
		}
		live.SendImage(jpeg)
	case protocol.ClientText:
		live.SendText(m.Text)
	case protocol.ClientToolResult:
		var ok bool
		if m.ToolCallID != "" {
			ok = live.SendToolResult(m.ToolCallID, m.Result)
		} else {
			ok = live.ExecuteToolResult(m.Name, m.Result)
		}
		if !ok {
			_ = s.SendWarning("unknown_tool_call", fmt.Sprintf("no pending %s call", m.Name))
		}
	case protocol.ClientControl:
		switch m.Op {
		case "end_session":
			return true
		case "interrupt":
			id := s.currentTurnID()
			s.cancelTurn(id)
			s.turn.Add(1)
			_ = s.sendJSONPriority(protocol.ServerAudioReset{Type: "audio_reset", Reason: "client_interrupt", AssistantAudioID: id})
		}
	}
	return false
}

func (s *Session) sendDecodeError(err error) {
	var de *protocol.DecodeError
	code, message := "bad_request", "invalid frame"
	if errors.As(err, &de) {
		code, message = de.Code, de.Message
	}
	_ = s.sendJSON(protocol.ServerError{Type: "error", Scope: "frame", Code: code, Message: message})
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) flushAndClose(writerErrCh <-chan error) {
	s.cancel()
	wait := 250 * time.Millisecond
	if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
		wait = s.cfg.WriteTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-writerErrCh:
	case <-timer.C:
	}
}

func (s *Session) currentTurnID() string {
	return fmt.Sprintf("a_%d", s.turn.Load())
}

func (s *Session) cancelTurn(id string) {
	s.canceledMu.Lock()
	defer s.canceledMu.Unlock()
	if _, ok := s.canceled.set[id]; ok {
		return
	}
	s.canceled.set[id] = struct{}{}
	s.canceled.order = append(s.canceled.order, id)
	if len(s.canceled.order) > maxCanceledTurns {
		oldest := s.canceled.order[0]
		s.canceled.order = s.canceled.order[1:]
		delete(s.canceled.set, oldest)
	}
}

func (s *Session) isTurnCanceled(id string) bool {
	s.canceledMu.Lock()
	defer s.canceledMu.Unlock()
	_, ok := s.canceled.set[id]
	return ok
}

func (s *Session) sendAssistantAudio(chunk protocol.AudioChunk) {
	if len(chunk.Data) == 0 {
		return
	}
	id := s.currentTurnID()
	if s.isTurnCanceled(id) {
		return
	}
	hdr := protocol.ServerAudioHeader{
		Type:             "audio",
		AssistantAudioID: id,
		MIMEType:         chunk.MIMEType,
		Bytes:            len(chunk.Data),
	}
	if rate := audio.PCMRate(chunk.MIMEType); rate > 0 {
		st := audio.AnalyzePCM(chunk.Data, rate)
		hdr.DurationMS = st.DurationMS
		hdr.Level = st.RMS
		s.assistantAudioMS.Add(st.DurationMS)
	}
	header, err := json.Marshal(hdr)
	if err != nil {
		return
	}
	buf := make([]byte, len(chunk.Data))
	copy(buf, chunk.Data)
	_ = s.enqueueNormal(outboundFrame{
		assistantAudioID: id,
		binaryPair:       &binaryPair{header: header, data: buf},
	})
}

func (s *Session) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{textPayload: payload})
}

func (s *Session) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueuePriority(outboundFrame{textPayload: payload})
}

func (s *Session) enqueueNormal(frame outboundFrame) error {
	select {
	case s.normal <- frame:
		return nil
	default:
		s.dropped.Add(1)
		return errBackpressure
	}
}

func (s *Session) enqueuePriority(frame outboundFrame) error {
	select {
	case s.priority <- frame:
		return nil
	default:
	}
	// Fall back to the normal lane rather than evicting queued status frames.
	return s.enqueueNormal(frame)
}
