// Package telephony speaks the provider's media-stream framing: JSON text
// frames over a duplex websocket, one event per frame.
package telephony

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DecodeError describes a malformed or unsupported inbound frame. Callers
// drop the frame; decode failures never mutate session state.
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

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// Milliseconds tolerates both string and number encodings; the provider
// serializes media timestamps as strings.
type Milliseconds int64

func (m *Milliseconds) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*m = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid millisecond timestamp %q", s)
	}
	*m = Milliseconds(n)
	return nil
}

// ConnectedEvent is the provider's greeting frame, sent before start.
type ConnectedEvent struct {
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`
}

// StartEvent announces the media stream and carries the call identifiers.
type StartEvent struct {
	StreamSID  string   `json:"streamSid"`
	AccountSID string   `json:"accountSid,omitempty"`
	CallSID    string   `json:"callSid"`
	Tracks     []string `json:"tracks,omitempty"`
}

// MediaEvent carries one opaque encoded audio frame from the caller.
type MediaEvent struct {
	Track     string       `json:"track,omitempty"`
	Payload   string       `json:"payload"`
	Timestamp Milliseconds `json:"timestamp"`
}

// MarkEvent confirms a previously sent mark has finished playing out.
type MarkEvent struct {
	Name string `json:"name,omitempty"`
}

// StopEvent signals the provider has stopped the media stream.
type StopEvent struct {
	CallSID string `json:"callSid,omitempty"`
}

// CloseEvent signals the provider is closing the connection.
type CloseEvent struct{}

type inboundEnvelope struct {
	Event string `json:"event"`
	Start *struct {
		StreamSID  string   `json:"streamSid"`
		AccountSID string   `json:"accountSid"`
		CallSID    string   `json:"callSid"`
		Tracks     []string `json:"tracks"`
	} `json:"start,omitempty"`
	Media *struct {
		Track     string       `json:"track"`
		Payload   string       `json:"payload"`
		Timestamp Milliseconds `json:"timestamp"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
	Stop *struct {
		CallSID string `json:"callSid"`
	} `json:"stop,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`

	// Top-level streamSid accompanies most frames; the start payload is
	// authoritative when both are present.
	StreamSID string `json:"streamSid,omitempty"`
}

// DecodeEvent parses one inbound text frame into a typed event.
func DecodeEvent(data []byte) (any, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	switch strings.TrimSpace(env.Event) {
	case "connected":
		return ConnectedEvent{Protocol: env.Protocol, Version: env.Version}, nil
	case "start":
		if env.Start == nil {
			return nil, badFrame("start frame missing start payload", "start")
		}
		ev := StartEvent{
			StreamSID:  strings.TrimSpace(env.Start.StreamSID),
			AccountSID: env.Start.AccountSID,
			CallSID:    strings.TrimSpace(env.Start.CallSID),
			Tracks:     env.Start.Tracks,
		}
		if ev.StreamSID == "" {
			ev.StreamSID = strings.TrimSpace(env.StreamSID)
		}
		if ev.StreamSID == "" {
			return nil, badFrame("start.streamSid is required", "start.streamSid")
		}
		if ev.CallSID == "" {
			return nil, badFrame("start.callSid is required", "start.callSid")
		}
		return ev, nil
	case "media":
		if env.Media == nil {
			return nil, badFrame("media frame missing media payload", "media")
		}
		if env.Media.Payload == "" {
			return nil, badFrame("media.payload is required", "media.payload")
		}
		return MediaEvent{
			Track:     env.Media.Track,
			Payload:   env.Media.Payload,
			Timestamp: env.Media.Timestamp,
		}, nil
	case "mark":
		ev := MarkEvent{}
		if env.Mark != nil {
			ev.Name = env.Mark.Name
		}
		return ev, nil
	case "stop":
		ev := StopEvent{}
		if env.Stop != nil {
			ev.CallSID = env.Stop.CallSID
		}
		return ev, nil
	case "close":
		return CloseEvent{}, nil
	case "":
		return nil, badFrame("missing event", "event")
	default:
		return nil, badFrame("unsupported event", "event")
	}
}

// Outbound frames. Encoded with json.Marshal; every frame addresses the
// stream by its provider-assigned id.

type MediaFrame struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     MediaPayload `json:"media"`
}

type MediaPayload struct {
	Payload string `json:"payload"`
}

type MarkFrame struct {
	Event     string   `json:"event"`
	StreamSID string   `json:"streamSid"`
	Mark      MarkName `json:"mark"`
}

type MarkName struct {
	Name string `json:"name"`
}

type ClearFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

type CloseFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

func NewMediaFrame(streamSID, payload string) MediaFrame {
	return MediaFrame{Event: "media", StreamSID: streamSID, Media: MediaPayload{Payload: payload}}
}

func NewMarkFrame(streamSID, name string) MarkFrame {
	return MarkFrame{Event: "mark", StreamSID: streamSID, Mark: MarkName{Name: name}}
}

func NewClearFrame(streamSID string) ClearFrame {
	return ClearFrame{Event: "clear", StreamSID: streamSID}
}

func NewCloseFrame(streamSID string) CloseFrame {
	return CloseFrame{Event: "close", StreamSID: streamSID}
}
