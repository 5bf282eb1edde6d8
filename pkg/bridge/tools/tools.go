// Package tools dispatches function calls requested by the AI leg to
// registered handlers and shapes their results for the conversation.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/voicefront/callbridge/pkg/bridge/realtime"
)

// Request is one function call emitted by the AI leg.
type Request struct {
	Name      string
	Arguments string
	CallID    string
}

// Result is what goes back to the conversation. Output is always a JSON
// string, including for failures; the model reads it either way.
type Result struct {
	Output string
}

// Handler executes one named tool.
type Handler interface {
	// Definition declares the tool to the AI leg at session setup.
	Definition() realtime.ToolDefinition
	// Handle runs the call. Arguments arrive as the raw JSON the model
	// produced; handlers parse what they need.
	Handle(ctx context.Context, args string) (string, error)
}

// HandlerFunc adapts a function plus a definition into a Handler.
type HandlerFunc struct {
	Def realtime.ToolDefinition
	Fn  func(ctx context.Context, args string) (string, error)
}

func (h HandlerFunc) Definition() realtime.ToolDefinition { return h.Def }

func (h HandlerFunc) Handle(ctx context.Context, args string) (string, error) {
	return h.Fn(ctx, args)
}

// Registry maps exact tool names to handlers. Lookup is exact; there is no
// fuzzy matching and no fallback handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its definition name, replacing any previous
// handler with the same name.
func (r *Registry) Register(h Handler) {
	name := h.Definition().Name
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; !exists {
		r.order = append(r.order, name)
	}
	r.handlers[name] = h
}

// Definitions lists every registered tool, in registration order, for the
// session configuration.
func (r *Registry) Definitions() []realtime.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]realtime.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.handlers[name].Definition())
	}
	return defs
}

// Dispatch runs the named tool and always produces a Result to send back.
// An unknown name or a handler failure becomes an error-shaped output; the
// conversation must get a function_call_output either way or the model
// stalls waiting for one.
func (r *Registry) Dispatch(ctx context.Context, req Request) Result {
	r.mu.RLock()
	h, ok := r.handlers[req.Name]
	r.mu.RUnlock()
	if !ok {
		return errorResult("no handler")
	}
	output, err := runHandler(ctx, h, req.Arguments)
	if err != nil {
		return errorResult(err.Error())
	}
	if output == "" {
		output = `{}`
	}
	return Result{Output: output}
}

// runHandler converts a panicking handler into an error result; the call must
// survive a bad tool.
func runHandler(ctx context.Context, h Handler, args string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, args)
}

func errorResult(message string) Result {
	data, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return Result{Output: `{"error":"internal"}`}
	}
	return Result{Output: string(data)}
}

// Terminator ends the active call with a stated reason. The call coordinator
// implements it.
type Terminator interface {
	Terminate(ctx context.Context, reason string) error
}

const endCallName = "end_call"

var endCallParameters = json.RawMessage(`{
  "type": "object",
  "properties": {
    "reason": {
      "type": "string",
      "description": "Why the call is ending, stated briefly."
    }
  },
  "required": ["reason"]
}`)

// NewEndCallTool returns the tool the model invokes to hang up. The reason it
// supplies is recorded on the session before teardown begins.
func NewEndCallTool(term Terminator) Handler {
	return HandlerFunc{
		Def: realtime.ToolDefinition{
			Type:        "function",
			Name:        endCallName,
			Description: "End the phone call once the conversation has concluded. Say goodbye before calling this.",
			Parameters:  endCallParameters,
		},
		Fn: func(ctx context.Context, args string) (string, error) {
			var parsed struct {
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal([]byte(args), &parsed); err != nil && args != "" {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			if parsed.Reason == "" {
				parsed.Reason = "unspecified"
			}
			if err := term.Terminate(ctx, parsed.Reason); err != nil {
				return "", err
			}
			return `{"status":"ending"}`, nil
		},
	}
}
