package endpoint

import "github.com/vango-go/studylive/pkg/live/protocol"

// DefaultTools is the whiteboard tool catalog offered to the tutor model.
// The browser executes these and reports results back.
func DefaultTools() []protocol.ToolSpec {
	return []protocol.ToolSpec{
		{
			Name:        "draw_diagram",
			Description: "Draw a labelled diagram on the student's whiteboard.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"kind":        map[string]any{"type": "string", "description": "Diagram kind, for example triangle, graph, number_line, flowchart."},
					"title":       map[string]any{"type": "string"},
					"elements":    map[string]any{"type": "array", "items": map[string]any{"type": "object"}, "description": "Shapes, points or nodes with labels and coordinates."},
					"description": map[string]any{"type": "string"},
				},
				"required": []any{"kind"},
			},
		},
		{
			Name:        "write_equation",
			Description: "Write a LaTeX equation on the whiteboard, optionally with step annotations.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"latex": map[string]any{"type": "string"},
					"steps": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []any{"latex"},
			},
		},
		{
			Name:        "clear_whiteboard",
			Description: "Clear everything on the whiteboard.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        "show_example",
			Description: "Show a worked example problem with its solution steps.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"problem":  map[string]any{"type": "string"},
					"solution": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"hint":     map[string]any{"type": "string"},
				},
				"required": []any{"problem"},
			},
		},
	}
}

func ToolNames(tools []protocol.ToolSpec) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return names
}
