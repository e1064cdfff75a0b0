package protocol

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeEvent_UnknownTypeIsIgnored(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"brand_new_thing","x":1}`))
	if err != nil {
		t.Fatalf("err=%v, want nil", err)
	}
	if ev != nil {
		t.Fatalf("event=%#v, want nil", ev)
	}
}

func TestDecodeEvent_MissingTypeIsBadRequest(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"text":"hi"}`))
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err=%v, want DecodeError", err)
	}
	if de.Code != "bad_request" || de.Param != "type" {
		t.Fatalf("decode error=%+v", de)
	}
}

func TestDecodeEvent_TextDeltaPartialDefaultsTrue(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"text_delta","text":"The "}`))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	td, ok := ev.(TextDelta)
	if !ok {
		t.Fatalf("event=%T, want TextDelta", ev)
	}
	if !td.Partial || td.Text != "The " {
		t.Fatalf("delta=%+v", td)
	}

	ev, err = DecodeEvent([]byte(`{"type":"text_delta","text":"","partial":false}`))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if td := ev.(TextDelta); td.Partial {
		t.Fatalf("expected final delta")
	}
}

func TestEventRoundTrip_ToolCallAndGoAway(t *testing.T) {
	raw, err := EncodeEvent(ToolCall{EndpointID: "fc_1", Name: "draw_diagram", Args: map[string]any{"kind": "triangle"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	call := ev.(ToolCall)
	if call.EndpointID != "fc_1" || call.Name != "draw_diagram" || call.Args["kind"] != "triangle" {
		t.Fatalf("call=%+v", call)
	}
	if call.ID != "" {
		t.Fatalf("client-minted id must not come from the wire, got %q", call.ID)
	}

	raw, err = EncodeEvent(GoAway{TimeLeft: 1500 * time.Millisecond})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ev, err = DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ga := ev.(GoAway); ga.TimeLeft != 1500*time.Millisecond {
		t.Fatalf("time_left=%v", ga.TimeLeft)
	}
}

func TestEncodeEvent_LocalEventsHaveNoWireForm(t *testing.T) {
	if _, err := EncodeEvent(UserText{Text: "hi"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDecodeFrame_Validation(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		param string
	}{
		{name: "empty text", raw: `{"type":"text","text":"  "}`, param: "text"},
		{name: "audio without data", raw: `{"type":"audio"}`, param: "data_b64"},
		{name: "tool result without id", raw: `{"type":"tool_result","name":"x"}`, param: "tool_call_id"},
		{name: "setup without model", raw: `{"type":"setup"}`, param: "model"},
		{name: "unknown", raw: `{"type":"nope"}`, param: "type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(tt.raw))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("err=%v, want DecodeError", err)
			}
			if de.Param != tt.param {
				t.Fatalf("param=%q, want %q", de.Param, tt.param)
			}
		})
	}
}

func TestFrameRoundTrip_Audio(t *testing.T) {
	raw, err := EncodeFrame(AudioFrame{PCM: []byte{1, 2, 3, 4}, SampleRateHz: 16000})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fr, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	af := fr.(AudioFrame)
	if len(af.PCM) != 4 || af.SampleRateHz != 16000 {
		t.Fatalf("frame=%+v", af)
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	for _, s := range []Status{StatusIdle, StatusConnecting, StatusConnected, StatusReconnecting} {
		if s.IsTerminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
	if !StatusEnded.IsTerminal() || !StatusError.IsTerminal() {
		t.Fatalf("ended/error must be terminal")
	}
}
