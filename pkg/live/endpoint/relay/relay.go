// Package relay streams live sessions to a websocket peer that speaks the
// JSON event protocol. The peer receives a setup frame first and answers
// with a connected event once the upstream session is ready.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/studylive/pkg/live/endpoint"
	"github.com/vango-go/studylive/pkg/live/protocol"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultMaxMessageBytes  = 4 << 20
	binaryAudioMIMEType     = "audio/pcm;rate=24000"
)

type Config struct {
	URL              string
	APIKey           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int64
}

type Endpoint struct {
	cfg    Config
	dialer *websocket.Dialer
}

func New(cfg Config) (*Endpoint, error) {
	u := strings.TrimSpace(cfg.URL)
	if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return nil, fmt.Errorf("relay: url must be ws:// or wss://, got %q", cfg.URL)
	}
	cfg.URL = u
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	return &Endpoint{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}, nil
}

func (e *Endpoint) Dial(ctx context.Context, setup endpoint.Setup) (endpoint.Stream, error) {
	if e == nil || e.dialer == nil {
		return nil, errors.New("relay: endpoint is not initialized")
	}
	headers := make(http.Header)
	if e.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
	conn, resp, err := e.dialer.DialContext(ctx, e.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay: dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("relay: dial: %w", err)
	}
	conn.SetReadLimit(e.cfg.MaxMessageBytes)

	s := &stream{conn: conn, writeTimeout: e.cfg.WriteTimeout}
	if err := s.write(setup.Frame()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("relay: send setup: %w", err)
	}
	return s, nil
}

type stream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool
}

func (s *stream) Send(ctx context.Context, frame protocol.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := frame.(protocol.SetupFrame); ok {
		return fmt.Errorf("%w: setup is sent on dial", endpoint.ErrUnsupportedFrame)
	}
	return s.write(frame)
}

func (s *stream) write(frame protocol.Frame) error {
	data, err := protocol.EncodeFrame(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *stream) Recv(ctx context.Context) (protocol.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || s.isClosed() {
				return nil, io.EOF
			}
			return nil, err
		}
		switch messageType {
		case websocket.TextMessage:
			ev, err := protocol.DecodeEvent(data)
			if err != nil {
				return nil, err
			}
			if ev == nil {
				continue
			}
			return ev, nil
		case websocket.BinaryMessage:
			return protocol.AudioChunk{Data: data, MIMEType: binaryAudioMIMEType}, nil
		default:
			continue
		}
	}
}

func (s *stream) isClosed() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.closed
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.closed = true
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
