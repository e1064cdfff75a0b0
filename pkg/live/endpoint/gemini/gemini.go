// Package gemini streams live sessions to the Gemini Live API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/vango-go/studylive/pkg/live/endpoint"
	"github.com/vango-go/studylive/pkg/live/protocol"
)

const (
	DefaultModel      = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultAPIVersion = "v1beta"
	inputSampleRateHz = 16000
)

type Config struct {
	APIKey     string
	Model      string
	Voice      string
	APIVersion string
}

// session is the subset of *genai.Session the stream drives.
type session interface {
	SendRealtimeInput(genai.LiveRealtimeInput) error
	SendClientContent(genai.LiveClientContentInput) error
	SendToolResponse(genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type Endpoint struct {
	cfg    Config
	logger *slog.Logger
	dial   func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (session, error)
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Endpoint, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if strings.TrimSpace(cfg.APIVersion) == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{APIVersion: cfg.APIVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Endpoint{
		cfg:    cfg,
		logger: logger,
		dial: func(ctx context.Context, model string, lc *genai.LiveConnectConfig) (session, error) {
			return client.Live.Connect(ctx, model, lc)
		},
	}, nil
}

func (e *Endpoint) Dial(ctx context.Context, setup endpoint.Setup) (endpoint.Stream, error) {
	if e == nil || e.dial == nil {
		return nil, errors.New("gemini: endpoint is not initialized")
	}
	model := strings.TrimSpace(setup.Model)
	if model == "" {
		model = strings.TrimSpace(e.cfg.Model)
	}
	if model == "" {
		model = DefaultModel
	}
	sess, err := e.dial(ctx, model, connectConfig(setup, e.cfg.Voice))
	if err != nil {
		return nil, fmt.Errorf("gemini: connect: %w", err)
	}
	e.logger.Debug("gemini live connected", "model", model, "resumed", setup.ResumeHandle != "")
	return newStream(sess), nil
}

func connectConfig(setup endpoint.Setup, voice string) *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		SessionResumption:        &genai.SessionResumptionConfig{Handle: setup.ResumeHandle},
	}
	if prompt := strings.TrimSpace(setup.SystemPrompt); prompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(prompt, genai.RoleUser)
	}
	if v := strings.TrimSpace(voice); v != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: v}},
		}
	}
	if len(setup.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(setup.Tools))
		for _, t := range setup.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

type stream struct {
	sess session

	sendMu sync.Mutex

	// queued holds events decoded from one server message but not yet returned.
	queued []protocol.Event

	closeOnce sync.Once
	closed    chan struct{}
}

func newStream(sess session) *stream {
	return &stream{sess: sess, closed: make(chan struct{})}
}

func (s *stream) Send(ctx context.Context, frame protocol.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return io.ErrClosedPipe
	default:
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	switch f := frame.(type) {
	case protocol.AudioFrame:
		rate := f.SampleRateHz
		if rate <= 0 {
			rate = inputSampleRateHz
		}
		return s.sess.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: f.PCM, MIMEType: fmt.Sprintf("audio/pcm;rate=%d", rate)},
		})
	case protocol.ImageFrame:
		return s.sess.SendRealtimeInput(genai.LiveRealtimeInput{
			Video: &genai.Blob{Data: f.JPEG, MIMEType: "image/jpeg"},
		})
	case protocol.TextFrame:
		return s.sess.SendClientContent(genai.LiveClientContentInput{
			Turns:        []*genai.Content{genai.NewContentFromText(f.Text, genai.RoleUser)},
			TurnComplete: genai.Ptr(true),
		})
	case protocol.ToolResultFrame:
		return s.sess.SendToolResponse(genai.LiveToolResponseInput{
			FunctionResponses: []*genai.FunctionResponse{{
				ID:       f.EndpointCallID,
				Name:     f.Name,
				Response: f.Result,
			}},
		})
	default:
		return fmt.Errorf("%w: %s", endpoint.ErrUnsupportedFrame, protocol.FrameType(frame))
	}
}

func (s *stream) Recv(ctx context.Context) (protocol.Event, error) {
	for len(s.queued) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := s.sess.Receive()
		if err != nil {
			select {
			case <-s.closed:
				return nil, io.EOF
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		s.queued = eventsFromServerMessage(msg)
	}
	ev := s.queued[0]
	s.queued = s.queued[1:]
	return ev, nil
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.sess.Close()
	})
	return err
}

// eventsFromServerMessage maps one server message to events in the order the
// message fields describe them. Fields without an event equivalent are dropped.
func eventsFromServerMessage(msg *genai.LiveServerMessage) []protocol.Event {
	if msg == nil {
		return nil
	}
	var out []protocol.Event
	if msg.SetupComplete != nil {
		out = append(out, protocol.Connected{})
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.Thought {
					continue
				}
				if part.InlineData != nil && strings.HasPrefix(part.InlineData.MIMEType, "audio/") && len(part.InlineData.Data) > 0 {
					out = append(out, protocol.AudioChunk{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType})
				}
				if part.Text != "" {
					out = append(out, protocol.TextDelta{Text: part.Text, Partial: true})
				}
			}
		}
		if tr := sc.OutputTranscription; tr != nil && tr.Text != "" {
			out = append(out, protocol.TextDelta{Text: tr.Text, Partial: true})
		}
		if sc.Interrupted {
			out = append(out, protocol.Interrupted{})
		}
		if sc.GenerationComplete || (sc.TurnComplete && !sc.Interrupted) {
			out = append(out, protocol.TextDelta{Partial: false})
		}
		if sc.TurnComplete {
			out = append(out, protocol.TurnComplete{})
		}
	}
	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil || strings.TrimSpace(fc.Name) == "" {
				continue
			}
			out = append(out, protocol.ToolCall{EndpointID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
	}
	if c := msg.ToolCallCancellation; c != nil && len(c.IDs) > 0 {
		out = append(out, protocol.ToolCallCancelled{EndpointIDs: append([]string(nil), c.IDs...)})
	}
	if ga := msg.GoAway; ga != nil {
		out = append(out, protocol.GoAway{TimeLeft: ga.TimeLeft})
	}
	if ru := msg.SessionResumptionUpdate; ru != nil {
		out = append(out, protocol.ResumptionUpdate{Handle: ru.NewHandle, Resumable: ru.Resumable})
	}
	return out
}
