package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

const ProtocolVersion1 = "1"

// ClientHello is the first frame a browser sends on /v1/live.
type ClientHello struct {
	Type              string `json:"type"`
	ProtocolVersion   string `json:"protocol_version"`
	Language          string `json:"language"`
	EducationLevel    string `json:"education_level"`
	Subject           string `json:"subject,omitempty"`
	SessionToken      string `json:"session_token,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	SampleRateHz      int    `json:"sample_rate_hz,omitempty"`
}

// RedactedForLog drops identity material before logging.
func (h ClientHello) RedactedForLog() map[string]any {
	return map[string]any{
		"type":             h.Type,
		"protocol_version": h.ProtocolVersion,
		"language":         h.Language,
		"education_level":  h.EducationLevel,
		"subject":          h.Subject,
		"has_token":        strings.TrimSpace(h.SessionToken) != "",
		"has_fingerprint":  strings.TrimSpace(h.DeviceFingerprint) != "",
		"sample_rate_hz":   h.SampleRateHz,
	}
}

type ClientImage struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

type ClientText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientToolResult struct {
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Result     map[string]any `json:"result"`
}

type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "image":
		var msg ClientImage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid image frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("image.data_b64 is required", "data_b64")
		}
		if _, err := base64.StdEncoding.DecodeString(msg.DataB64); err != nil {
			return nil, badRequest("image.data_b64 is not valid base64", "data_b64")
		}
		return msg, nil
	case "text":
		var msg ClientText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text.text is required", "text")
		}
		return msg, nil
	case "tool_result":
		var msg ClientToolResult
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid tool_result frame", "")
		}
		msg.Name = strings.TrimSpace(msg.Name)
		if msg.Name == "" {
			return nil, badRequest("tool_result.name is required", "name")
		}
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control", "")
		}
		op := strings.TrimSpace(msg.Op)
		if op == "" {
			return nil, badRequest("control.op is required", "op")
		}
		switch op {
		case "end_session", "interrupt":
		default:
			return nil, unsupported("unsupported control operation", "op")
		}
		msg.Op = op
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func ValidateHello(msg ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if strings.TrimSpace(msg.ProtocolVersion) != ProtocolVersion1 {
		return unsupported("unsupported protocol_version", "protocol_version")
	}
	if strings.TrimSpace(msg.Language) == "" {
		return badRequest("hello.language is required", "language")
	}
	if strings.TrimSpace(msg.EducationLevel) == "" {
		return badRequest("hello.education_level is required", "education_level")
	}
	if msg.SampleRateHz < 0 {
		return badRequest("hello.sample_rate_hz must be >= 0", "sample_rate_hz")
	}
	return nil
}

// Server frames sent to the browser.

type ServerHelloAck struct {
	Type              string  `json:"type"`
	ProtocolVersion   string  `json:"protocol_version"`
	SessionID         string  `json:"session_id"`
	FrameSize         int     `json:"frame_size"`
	SampleRateHz      int     `json:"sample_rate_hz"`
	MaxSessionMinutes float64 `json:"max_session_minutes,omitempty"`
}

type ServerStatus struct {
	Type      string `json:"type"`
	Status    Status `json:"status"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type ServerMessage struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Kind      string         `json:"kind"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type ServerThought struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerSpeaking struct {
	Type    string  `json:"type"`
	AI      bool    `json:"ai"`
	User    bool    `json:"user"`
	AILevel float64 `json:"ai_level,omitempty"`
}

type ServerToolCall struct {
	Type       string         `json:"type"`
	ToolCallID string         `json:"tool_call_id"`
	Name       string         `json:"name"`
	Args       map[string]any `json:"args,omitempty"`
}

type ServerToolState struct {
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Active     bool           `json:"active"`
	LastResult map[string]any `json:"last_result,omitempty"`
}

type ServerUsage struct {
	Type              string  `json:"type"`
	Allowed           bool    `json:"allowed"`
	SessionsRemaining int     `json:"sessions_remaining"`
	MinutesRemaining  float64 `json:"minutes_remaining"`
	MaxSessionMinutes float64 `json:"max_session_minutes"`
	Plan              string  `json:"plan,omitempty"`
}

// ServerAudioHeader precedes each binary frame of assistant audio.
type ServerAudioHeader struct {
	Type             string `json:"type"`
	AssistantAudioID string `json:"assistant_audio_id"`
	MIMEType         string `json:"mime_type"`
	Bytes            int    `json:"bytes"`
	// Set for raw PCM so the browser can schedule playback and drive the
	// speaking meter without decoding.
	DurationMS int64   `json:"duration_ms,omitempty"`
	Level      float64 `json:"level,omitempty"`
}

// ServerAudioReset tells the browser to drop buffered assistant audio.
type ServerAudioReset struct {
	Type             string `json:"type"`
	Reason           string `json:"reason"`
	AssistantAudioID string `json:"assistant_audio_id,omitempty"`
}

type ServerError struct {
	Type      string         `json:"type"`
	Scope     string         `json:"scope,omitempty"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Close     bool           `json:"close,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
