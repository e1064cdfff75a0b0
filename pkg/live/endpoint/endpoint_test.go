package endpoint

import (
	"context"
	"strings"
	"testing"
)

func TestBuildSystemPrompt(t *testing.T) {
	got := BuildSystemPrompt("es", "high_school", "algebra")
	for _, want := range []string{`"es"`, "high school", "algebra", "whiteboard"} {
		if !strings.Contains(got, want) {
			t.Fatalf("prompt missing %q:\n%s", want, got)
		}
	}
}

func TestBuildSystemPrompt_DefaultsLanguage(t *testing.T) {
	got := BuildSystemPrompt(" ", "", "")
	if !strings.Contains(got, `"en"`) {
		t.Fatalf("prompt should default to en:\n%s", got)
	}
	if strings.Contains(got, "The session is about") {
		t.Fatalf("empty subject should not be rendered")
	}
}

func TestDefaultTools(t *testing.T) {
	names := ToolNames(DefaultTools())
	want := []string{"draw_diagram", "write_equation", "clear_whiteboard", "show_example"}
	if len(names) != len(want) {
		t.Fatalf("names=%v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names[%d]=%q, want %q", i, names[i], want[i])
		}
	}
	for _, tool := range DefaultTools() {
		if tool.Parameters["type"] != "object" {
			t.Fatalf("%s parameters must be an object schema", tool.Name)
		}
	}
}

func TestSetupFrame(t *testing.T) {
	s := Setup{Model: "m", SystemPrompt: "p", Language: "en", ResumeHandle: "h", Tools: DefaultTools()}
	f := s.Frame()
	if f.Model != "m" || f.ResumeHandle != "h" || len(f.Tools) != 4 {
		t.Fatalf("frame=%+v", f)
	}
}

func TestFunc(t *testing.T) {
	var got Setup
	ep := Func(func(_ context.Context, s Setup) (Stream, error) {
		got = s
		return nil, nil
	})
	if _, err := ep.Dial(context.Background(), Setup{Model: "x"}); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if got.Model != "x" {
		t.Fatalf("model=%q", got.Model)
	}
}
