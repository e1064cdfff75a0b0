package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

type wireEvent struct {
	Type       string         `json:"type"`
	Reason     string         `json:"reason,omitempty"`
	DataB64    string         `json:"data_b64,omitempty"`
	MIMEType   string         `json:"mime_type,omitempty"`
	Text       string         `json:"text,omitempty"`
	Partial    *bool          `json:"partial,omitempty"`
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	IDs        []string       `json:"ids,omitempty"`
	TimeLeftMS int64          `json:"time_left_ms,omitempty"`
	Handle     string         `json:"handle,omitempty"`
	Resumable  bool           `json:"resumable,omitempty"`
	Message    string         `json:"message,omitempty"`
	Fatal      bool           `json:"fatal,omitempty"`
}

// EncodeEvent serializes an endpoint event. Local events have no wire form.
func EncodeEvent(e Event) ([]byte, error) {
	var w wireEvent
	switch ev := e.(type) {
	case Connected:
		w = wireEvent{Type: "connected"}
	case Disconnected:
		w = wireEvent{Type: "disconnected", Reason: ev.Reason}
	case AudioChunk:
		w = wireEvent{Type: "audio", DataB64: base64.StdEncoding.EncodeToString(ev.Data), MIMEType: ev.MIMEType}
	case TextDelta:
		partial := ev.Partial
		w = wireEvent{Type: "text_delta", Text: ev.Text, Partial: &partial}
	case ToolCall:
		w = wireEvent{Type: "tool_call", ID: ev.EndpointID, Name: ev.Name, Args: ev.Args}
	case ToolCallCancelled:
		w = wireEvent{Type: "tool_call_cancelled", IDs: ev.EndpointIDs}
	case Interrupted:
		w = wireEvent{Type: "interrupted"}
	case TurnComplete:
		w = wireEvent{Type: "turn_complete"}
	case GoAway:
		w = wireEvent{Type: "go_away", TimeLeftMS: ev.TimeLeft.Milliseconds()}
	case ResumptionUpdate:
		w = wireEvent{Type: "resumption_update", Handle: ev.Handle, Resumable: ev.Resumable}
	case Error:
		w = wireEvent{Type: "error", Message: ev.Message, Fatal: ev.Fatal}
	default:
		return nil, fmt.Errorf("event %q has no wire encoding", EventType(e))
	}
	return json.Marshal(w)
}

// DecodeEvent parses an endpoint event. Unknown event types decode to a nil
// Event and a nil error so newer endpoints do not break older clients.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(w.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "connected":
		return Connected{}, nil
	case "disconnected":
		return Disconnected{Reason: w.Reason}, nil
	case "audio":
		data, err := base64.StdEncoding.DecodeString(w.DataB64)
		if err != nil {
			return nil, badRequest("audio.data_b64 is not valid base64", "data_b64")
		}
		return AudioChunk{Data: data, MIMEType: w.MIMEType}, nil
	case "text_delta":
		// A missing flag means the delta is still streaming.
		partial := true
		if w.Partial != nil {
			partial = *w.Partial
		}
		return TextDelta{Text: w.Text, Partial: partial}, nil
	case "tool_call":
		if strings.TrimSpace(w.Name) == "" {
			return nil, badRequest("tool_call.name is required", "name")
		}
		return ToolCall{EndpointID: w.ID, Name: strings.TrimSpace(w.Name), Args: w.Args}, nil
	case "tool_call_cancelled":
		return ToolCallCancelled{EndpointIDs: w.IDs}, nil
	case "interrupted":
		return Interrupted{}, nil
	case "turn_complete":
		return TurnComplete{}, nil
	case "go_away":
		return GoAway{TimeLeft: time.Duration(w.TimeLeftMS) * time.Millisecond}, nil
	case "resumption_update":
		return ResumptionUpdate{Handle: w.Handle, Resumable: w.Resumable}, nil
	case "error":
		return Error{Message: w.Message, Fatal: w.Fatal}, nil
	default:
		return nil, nil
	}
}

type wireFrame struct {
	Type           string         `json:"type"`
	DataB64        string         `json:"data_b64,omitempty"`
	SampleRateHz   int            `json:"sample_rate_hz,omitempty"`
	Text           string         `json:"text,omitempty"`
	ToolCallID     string         `json:"tool_call_id,omitempty"`
	EndpointCallID string         `json:"endpoint_call_id,omitempty"`
	Name           string         `json:"name,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Model          string         `json:"model,omitempty"`
	SystemPrompt   string         `json:"system_prompt,omitempty"`
	Language       string         `json:"language,omitempty"`
	Tools          []ToolSpec     `json:"tools,omitempty"`
	ResumeHandle   string         `json:"resume_handle,omitempty"`
}

func EncodeFrame(f Frame) ([]byte, error) {
	var w wireFrame
	switch fr := f.(type) {
	case AudioFrame:
		w = wireFrame{Type: "audio", DataB64: base64.StdEncoding.EncodeToString(fr.PCM), SampleRateHz: fr.SampleRateHz}
	case ImageFrame:
		w = wireFrame{Type: "image", DataB64: base64.StdEncoding.EncodeToString(fr.JPEG)}
	case TextFrame:
		w = wireFrame{Type: "text", Text: fr.Text}
	case ToolResultFrame:
		w = wireFrame{Type: "tool_result", ToolCallID: fr.ToolCallID, EndpointCallID: fr.EndpointCallID, Name: fr.Name, Result: fr.Result}
	case SetupFrame:
		w = wireFrame{Type: "setup", Model: fr.Model, SystemPrompt: fr.SystemPrompt, Language: fr.Language, Tools: fr.Tools, ResumeHandle: fr.ResumeHandle}
	default:
		return nil, fmt.Errorf("frame %q has no wire encoding", FrameType(f))
	}
	return json.Marshal(w)
}

// DecodeFrame parses an outbound frame strictly; it is used by relay peers.
func DecodeFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(w.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "audio":
		pcm, err := base64.StdEncoding.DecodeString(w.DataB64)
		if err != nil || len(pcm) == 0 {
			return nil, badRequest("audio.data_b64 is required", "data_b64")
		}
		return AudioFrame{PCM: pcm, SampleRateHz: w.SampleRateHz}, nil
	case "image":
		img, err := base64.StdEncoding.DecodeString(w.DataB64)
		if err != nil || len(img) == 0 {
			return nil, badRequest("image.data_b64 is required", "data_b64")
		}
		return ImageFrame{JPEG: img}, nil
	case "text":
		if strings.TrimSpace(w.Text) == "" {
			return nil, badRequest("text.text is required", "text")
		}
		return TextFrame{Text: w.Text}, nil
	case "tool_result":
		if strings.TrimSpace(w.ToolCallID) == "" {
			return nil, badRequest("tool_result.tool_call_id is required", "tool_call_id")
		}
		return ToolResultFrame{ToolCallID: w.ToolCallID, EndpointCallID: w.EndpointCallID, Name: w.Name, Result: w.Result}, nil
	case "setup":
		if strings.TrimSpace(w.Model) == "" {
			return nil, badRequest("setup.model is required", "model")
		}
		return SetupFrame{Model: w.Model, SystemPrompt: w.SystemPrompt, Language: w.Language, Tools: w.Tools, ResumeHandle: w.ResumeHandle}, nil
	default:
		return nil, unsupported("unsupported frame type", "type")
	}
}
