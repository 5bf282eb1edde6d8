// Package realtime owns the AI leg: a websocket client for the realtime
// conversation endpoint and the typed events that cross it.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeError describes a malformed inbound event frame.
type DecodeError struct {
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Param == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

// SpeechStartedEvent fires when the endpoint's voice-activity detection hears
// the caller begin talking. ItemID names the conversation item the caller's
// turn will land in.
type SpeechStartedEvent struct {
	ItemID string
}

// AudioDeltaEvent carries one chunk of synthesized assistant speech.
type AudioDeltaEvent struct {
	ItemID string
	Delta  string
}

// ItemCreatedEvent announces a new conversation item.
type ItemCreatedEvent struct {
	ItemID string
	Role   string
	Type   string
}

// InputTranscriptionEvent is the completed speech-to-text of a caller turn.
type InputTranscriptionEvent struct {
	ItemID     string
	Transcript string
}

// ContentPartAddedEvent announces a new content part on an in-flight item.
type ContentPartAddedEvent struct {
	ItemID string
}

// AudioTranscriptDeltaEvent is a streamed fragment of the assistant's speech
// transcript.
type AudioTranscriptDeltaEvent struct {
	ItemID string
	Delta  string
}

// OutputItem is the completed item attached to response.output_item.done;
// either a finished assistant message or a function call.
type OutputItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Role      string `json:"role,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// OutputItemDoneEvent signals an item finished streaming.
type OutputItemDoneEvent struct {
	Item OutputItem
}

// ErrorEvent is an error surfaced by the endpoint.
type ErrorEvent struct {
	Code    string
	Message string
}

// UnknownEvent is any event type the bridge does not act on. Callers ignore
// it; the realtime endpoint emits many informational event kinds.
type UnknownEvent struct {
	Type string
}

type serverEnvelope struct {
	Type       string     `json:"type"`
	ItemID     string     `json:"item_id,omitempty"`
	Delta      string     `json:"delta,omitempty"`
	Transcript string     `json:"transcript,omitempty"`
	Item       *OutputItem `json:"item,omitempty"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// DecodeServerEvent parses one inbound frame from the AI leg. Event kinds
// the bridge does not consume come back as UnknownEvent.
func DecodeServerEvent(data []byte) (any, error) {
	var env serverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Message: "invalid json frame"}
	}
	typ := strings.TrimSpace(env.Type)
	if typ == "" {
		return nil, &DecodeError{Message: "missing type", Param: "type"}
	}

	switch typ {
	case "input_audio_buffer.speech_started":
		return SpeechStartedEvent{ItemID: env.ItemID}, nil
	case "response.audio.delta":
		if env.Delta == "" {
			return nil, &DecodeError{Message: "audio delta is required", Param: "delta"}
		}
		return AudioDeltaEvent{ItemID: env.ItemID, Delta: env.Delta}, nil
	case "conversation.item.created":
		ev := ItemCreatedEvent{}
		if env.Item != nil {
			ev.ItemID = env.Item.ID
			ev.Role = env.Item.Role
			ev.Type = env.Item.Type
		}
		return ev, nil
	case "conversation.item.input_audio_transcription.completed":
		return InputTranscriptionEvent{ItemID: env.ItemID, Transcript: env.Transcript}, nil
	case "response.content_part.added":
		return ContentPartAddedEvent{ItemID: env.ItemID}, nil
	case "response.audio_transcript.delta":
		return AudioTranscriptDeltaEvent{ItemID: env.ItemID, Delta: env.Delta}, nil
	case "response.output_item.done":
		if env.Item == nil {
			return nil, &DecodeError{Message: "output item is required", Param: "item"}
		}
		return OutputItemDoneEvent{Item: *env.Item}, nil
	case "error":
		ev := ErrorEvent{}
		if env.Error != nil {
			ev.Code = env.Error.Code
			ev.Message = env.Error.Message
		}
		return ev, nil
	default:
		return UnknownEvent{Type: typ}, nil
	}
}

// Outbound instructions.

// ToolDefinition declares one callable function to the AI leg.
type ToolDefinition struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// TurnDetection configures endpoint-side voice activity detection.
type TurnDetection struct {
	Type string `json:"type"`
}

// InputAudioTranscription selects the speech-to-text model for caller audio.
type InputAudioTranscription struct {
	Model string `json:"model"`
}

// SessionSettings is the one-shot configuration sent when the leg opens.
type SessionSettings struct {
	Modalities              []string                 `json:"modalities"`
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string                   `json:"output_audio_format,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	Tools                   []ToolDefinition         `json:"tools,omitempty"`
	ToolChoice              string                   `json:"tool_choice,omitempty"`
}

type sessionUpdate struct {
	Type    string          `json:"type"`
	Session SessionSettings `json:"session"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemTruncate struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int64  `json:"audio_end_ms"`
}

type functionCallOutput struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type itemCreate struct {
	Type string             `json:"type"`
	Item functionCallOutput `json:"item"`
}

type responseCreate struct {
	Type     string              `json:"type"`
	Response *responseParameters `json:"response,omitempty"`
}

type responseParameters struct {
	Instructions string `json:"instructions,omitempty"`
}
