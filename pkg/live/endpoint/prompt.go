package endpoint

import (
	"fmt"
	"strings"
)

var educationLevelNotes = map[string]string{
	"elementary":    "Use short sentences, concrete examples and lots of encouragement.",
	"middle_school": "Explain each step and check understanding before moving on.",
	"high_school":   "Show the reasoning behind each step and name the concepts involved.",
	"university":    "Be rigorous and concise; reference formal definitions where useful.",
	"adult":         "Be direct and practical; adapt depth to the learner's questions.",
}

// BuildSystemPrompt renders the tutor instructions for one session.
func BuildSystemPrompt(language, educationLevel, subject string) string {
	language = strings.TrimSpace(language)
	if language == "" {
		language = "en"
	}
	level := strings.ToLower(strings.TrimSpace(educationLevel))

	var b strings.Builder
	b.WriteString("You are a patient, encouraging live tutor talking with a student over voice.\n")
	fmt.Fprintf(&b, "Always reply in the language with code %q.\n", language)
	if level != "" {
		fmt.Fprintf(&b, "The student's education level is %s.", strings.ReplaceAll(level, "_", " "))
		if note, ok := educationLevelNotes[level]; ok {
			b.WriteString(" ")
			b.WriteString(note)
		}
		b.WriteString("\n")
	}
	if s := strings.TrimSpace(subject); s != "" {
		fmt.Fprintf(&b, "The session is about %s. Gently steer off-topic questions back to it.\n", s)
	}
	b.WriteString("Guide the student to the answer instead of giving it outright. Keep spoken turns short.\n")
	b.WriteString("Use the whiteboard tools to draw diagrams, write equations and show worked examples when a visual helps.\n")
	b.WriteString("If the student shares their screen or camera, refer to what you see.")
	return b.String()
}
