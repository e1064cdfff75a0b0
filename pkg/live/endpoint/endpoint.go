// Package endpoint abstracts the multimodal inference endpoint a live
// session streams to. Adapters live in the gemini and relay subpackages.
package endpoint

import (
	"context"
	"errors"

	"github.com/vango-go/studylive/pkg/live/protocol"
)

// ErrUnsupportedFrame is returned by Stream.Send for frames an adapter cannot carry.
var ErrUnsupportedFrame = errors.New("endpoint: unsupported frame")

// Setup configures one endpoint session. ResumeHandle is set when re-dialing
// after a go-away.
type Setup struct {
	Model        string
	SystemPrompt string
	Language     string
	Tools        []protocol.ToolSpec
	ResumeHandle string
}

func (s Setup) Frame() protocol.SetupFrame {
	return protocol.SetupFrame{
		Model:        s.Model,
		SystemPrompt: s.SystemPrompt,
		Language:     s.Language,
		Tools:        s.Tools,
		ResumeHandle: s.ResumeHandle,
	}
}

// Endpoint opens streams. Dial returns once the transport is open; the
// session is ready when the stream yields protocol.Connected.
type Endpoint interface {
	Dial(ctx context.Context, setup Setup) (Stream, error)
}

// Stream is one bidirectional endpoint session. Recv returns io.EOF after a
// clean close. Send and Recv may be called concurrently with each other but
// each from a single goroutine.
type Stream interface {
	Send(ctx context.Context, frame protocol.Frame) error
	Recv(ctx context.Context) (protocol.Event, error)
	Close() error
}

// Func adapts a function to Endpoint.
type Func func(ctx context.Context, setup Setup) (Stream, error)

func (f Func) Dial(ctx context.Context, setup Setup) (Stream, error) {
	return f(ctx, setup)
}
