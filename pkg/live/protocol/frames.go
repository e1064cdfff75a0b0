package protocol

// Frame is one outbound unit sent to the endpoint.
type Frame interface {
	frameType() string
}

// FrameType returns the wire name of a frame.
func FrameType(f Frame) string {
	if f == nil {
		return ""
	}
	return f.frameType()
}

type AudioFrame struct {
	PCM          []byte
	SampleRateHz int
}

func (AudioFrame) frameType() string { return "audio" }

type ImageFrame struct {
	JPEG []byte
}

func (ImageFrame) frameType() string { return "image" }

type TextFrame struct {
	Text string
}

func (TextFrame) frameType() string { return "text" }

type ToolResultFrame struct {
	ToolCallID     string
	EndpointCallID string
	Name           string
	Result         map[string]any
}

func (ToolResultFrame) frameType() string { return "tool_result" }

// SetupFrame opens a relay session. It is the first frame on the wire.
type SetupFrame struct {
	Model        string
	SystemPrompt string
	Language     string
	Tools        []ToolSpec
	ResumeHandle string
}

func (SetupFrame) frameType() string { return "setup" }

// ToolSpec declares one function the model may call.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}
