// Package instructions supplies the system prompt for the AI session. The
// prompt text is read once; per-call parameters are substituted into
// {{name}}, {{location}}, and {{product}} placeholders before the prompt is
// handed to the AI leg.
package instructions

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/voicefront/callbridge/pkg/bridge/call"
)

const defaultPrompt = "You are a helpful phone assistant. Keep answers short and conversational. " +
	"When the conversation has clearly concluded, say goodbye and call the end_call tool."

// Static serves one prompt text for every call, rendered with that call's
// parameters.
type Static struct {
	Text string
}

func (s Static) Instructions(_ context.Context, p call.CallParameters) (string, error) {
	text := s.Text
	if strings.TrimSpace(text) == "" {
		text = defaultPrompt
	}
	return render(text, p), nil
}

func render(text string, p call.CallParameters) string {
	r := strings.NewReplacer(
		"{{name}}", p.Name,
		"{{location}}", p.Location,
		"{{product}}", p.Product,
	)
	return r.Replace(text)
}

// FromFile loads the prompt from disk once. An empty path falls back to the
// built-in default.
func FromFile(path string) (Static, error) {
	if strings.TrimSpace(path) == "" {
		return Static{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Static{}, fmt.Errorf("read instructions: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return Static{}, fmt.Errorf("instructions file %s is empty", path)
	}
	return Static{Text: text}, nil
}
