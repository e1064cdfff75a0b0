package gemini

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/vango-go/studylive/pkg/live/endpoint"
	"github.com/vango-go/studylive/pkg/live/protocol"
)

type fakeSession struct {
	realtime []genai.LiveRealtimeInput
	content  []genai.LiveClientContentInput
	tools    []genai.LiveToolResponseInput
	inbox    []*genai.LiveServerMessage
	recvErr  error
	closed   int
}

func (f *fakeSession) SendRealtimeInput(in genai.LiveRealtimeInput) error {
	f.realtime = append(f.realtime, in)
	return nil
}

func (f *fakeSession) SendClientContent(in genai.LiveClientContentInput) error {
	f.content = append(f.content, in)
	return nil
}

func (f *fakeSession) SendToolResponse(in genai.LiveToolResponseInput) error {
	f.tools = append(f.tools, in)
	return nil
}

func (f *fakeSession) Receive() (*genai.LiveServerMessage, error) {
	if len(f.inbox) == 0 {
		if f.recvErr != nil {
			return nil, f.recvErr
		}
		return nil, errors.New("no more messages")
	}
	msg := f.inbox[0]
	f.inbox = f.inbox[1:]
	return msg, nil
}

func (f *fakeSession) Close() error {
	f.closed++
	return nil
}

func TestEventsFromServerMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  *genai.LiveServerMessage
		want []string
	}{
		{name: "nil", msg: nil, want: nil},
		{name: "setup", msg: &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}, want: []string{"connected"}},
		{
			name: "audio and transcription",
			msg: &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
				ModelTurn: &genai.Content{Parts: []*genai.Part{
					{InlineData: &genai.Blob{Data: []byte{1, 2}, MIMEType: "audio/pcm;rate=24000"}},
					{Text: "thinking", Thought: true},
				}},
				OutputTranscription: &genai.Transcription{Text: "The "},
			}},
			want: []string{"audio", "text_delta"},
		},
		{
			name: "generation complete",
			msg:  &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{GenerationComplete: true}},
			want: []string{"text_delta"},
		},
		{
			name: "turn complete",
			msg:  &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{TurnComplete: true}},
			want: []string{"text_delta", "turn_complete"},
		},
		{
			name: "interrupted turn",
			msg:  &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{Interrupted: true, TurnComplete: true}},
			want: []string{"interrupted", "turn_complete"},
		},
		{
			name: "tool call",
			msg: &genai.LiveServerMessage{ToolCall: &genai.LiveServerToolCall{FunctionCalls: []*genai.FunctionCall{
				{ID: "fc1", Name: "draw_diagram", Args: map[string]any{"kind": "triangle"}},
				{ID: "fc2", Name: ""},
			}}},
			want: []string{"tool_call"},
		},
		{
			name: "control",
			msg: &genai.LiveServerMessage{
				ToolCallCancellation:    &genai.LiveServerToolCallCancellation{IDs: []string{"fc1"}},
				GoAway:                  &genai.LiveServerGoAway{TimeLeft: 5 * time.Second},
				SessionResumptionUpdate: &genai.LiveServerSessionResumptionUpdate{NewHandle: "h1", Resumable: true},
			},
			want: []string{"tool_call_cancelled", "go_away", "resumption_update"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := eventsFromServerMessage(tt.msg)
			if len(got) != len(tt.want) {
				t.Fatalf("events=%#v, want types %v", got, tt.want)
			}
			for i := range got {
				if protocol.EventType(got[i]) != tt.want[i] {
					t.Fatalf("event[%d]=%s, want %s", i, protocol.EventType(got[i]), tt.want[i])
				}
			}
		})
	}
}

func TestEventsFromServerMessage_FinalDeltaIsNotPartial(t *testing.T) {
	got := eventsFromServerMessage(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{GenerationComplete: true}})
	if td := got[0].(protocol.TextDelta); td.Partial {
		t.Fatalf("generation complete must map to a final delta")
	}
}

func TestStream_SendMapsFrames(t *testing.T) {
	fake := &fakeSession{}
	s := newStream(fake)
	ctx := context.Background()

	if err := s.Send(ctx, protocol.AudioFrame{PCM: []byte{1, 2}}); err != nil {
		t.Fatalf("audio: %v", err)
	}
	if err := s.Send(ctx, protocol.ImageFrame{JPEG: []byte{0xff}}); err != nil {
		t.Fatalf("image: %v", err)
	}
	if err := s.Send(ctx, protocol.TextFrame{Text: "What is 2+2?"}); err != nil {
		t.Fatalf("text: %v", err)
	}
	if err := s.Send(ctx, protocol.ToolResultFrame{ToolCallID: "local", EndpointCallID: "fc1", Name: "draw_diagram", Result: map[string]any{"ok": true}}); err != nil {
		t.Fatalf("tool: %v", err)
	}

	if len(fake.realtime) != 2 {
		t.Fatalf("realtime inputs=%d, want 2", len(fake.realtime))
	}
	if got := fake.realtime[0].Audio.MIMEType; got != "audio/pcm;rate=16000" {
		t.Fatalf("audio mime=%q", got)
	}
	if got := fake.realtime[1].Video.MIMEType; got != "image/jpeg" {
		t.Fatalf("video mime=%q", got)
	}
	if len(fake.content) != 1 || fake.content[0].Turns[0].Parts[0].Text != "What is 2+2?" {
		t.Fatalf("client content=%+v", fake.content)
	}
	if tc := fake.content[0].TurnComplete; tc == nil || !*tc {
		t.Fatalf("text turn must be complete")
	}
	resp := fake.tools[0].FunctionResponses[0]
	if resp.ID != "fc1" || resp.Name != "draw_diagram" || resp.Response["ok"] != true {
		t.Fatalf("function response=%+v", resp)
	}
}

func TestStream_SendRejectsSetupFrame(t *testing.T) {
	s := newStream(&fakeSession{})
	err := s.Send(context.Background(), protocol.SetupFrame{Model: "x"})
	if !errors.Is(err, endpoint.ErrUnsupportedFrame) {
		t.Fatalf("err=%v, want ErrUnsupportedFrame", err)
	}
}

func TestStream_RecvQueuesAndEOFAfterClose(t *testing.T) {
	fake := &fakeSession{
		inbox: []*genai.LiveServerMessage{
			{SetupComplete: &genai.LiveServerSetupComplete{}, ServerContent: &genai.LiveServerContent{TurnComplete: true}},
		},
	}
	s := newStream(fake)
	ctx := context.Background()
	var types []string
	for i := 0; i < 3; i++ {
		ev, err := s.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		types = append(types, protocol.EventType(ev))
	}
	if types[0] != "connected" || types[2] != "turn_complete" {
		t.Fatalf("types=%v", types)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = s.Close()
	if fake.closed != 1 {
		t.Fatalf("closed=%d, want 1", fake.closed)
	}
	if _, err := s.Recv(ctx); err != io.EOF {
		t.Fatalf("err=%v, want io.EOF", err)
	}
}

func TestConnectConfig(t *testing.T) {
	cfg := connectConfig(endpoint.Setup{
		SystemPrompt: "be kind",
		ResumeHandle: "h1",
		Tools:        endpoint.DefaultTools(),
	}, "Puck")
	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != genai.ModalityAudio {
		t.Fatalf("modalities=%v", cfg.ResponseModalities)
	}
	if cfg.SessionResumption == nil || cfg.SessionResumption.Handle != "h1" {
		t.Fatalf("resumption=%+v", cfg.SessionResumption)
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "be kind" {
		t.Fatalf("system instruction=%+v", cfg.SystemInstruction)
	}
	if cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
		t.Fatalf("voice not set")
	}
	if len(cfg.Tools) != 1 || len(cfg.Tools[0].FunctionDeclarations) != 4 {
		t.Fatalf("tools=%+v", cfg.Tools)
	}
	if cfg.OutputAudioTranscription == nil {
		t.Fatalf("output transcription must be enabled")
	}
}

func TestEndpointDial_UsesConfiguredModel(t *testing.T) {
	var gotModel string
	e := &Endpoint{
		cfg:    Config{Model: "configured"},
		logger: discardLogger(),
		dial: func(_ context.Context, model string, _ *genai.LiveConnectConfig) (session, error) {
			gotModel = model
			return &fakeSession{}, nil
		},
	}
	if _, err := e.Dial(context.Background(), endpoint.Setup{}); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if gotModel != "configured" {
		t.Fatalf("model=%q, want configured", gotModel)
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(context.Background(), Config{}, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
