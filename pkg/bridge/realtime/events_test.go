package realtime

import (
	"encoding/json"
	"testing"
)

func TestDecodeServerEventKinds(t *testing.T) {
	cases := []struct {
		name string
		data string
		want any
	}{
		{
			"speech started",
			`{"type":"input_audio_buffer.speech_started","item_id":"item_u1"}`,
			SpeechStartedEvent{ItemID: "item_u1"},
		},
		{
			"audio delta",
			`{"type":"response.audio.delta","item_id":"item_1","delta":"b64audio"}`,
			AudioDeltaEvent{ItemID: "item_1", Delta: "b64audio"},
		},
		{
			"item created",
			`{"type":"conversation.item.created","item":{"id":"item_2","type":"message","role":"user"}}`,
			ItemCreatedEvent{ItemID: "item_2", Role: "user", Type: "message"},
		},
		{
			"input transcription",
			`{"type":"conversation.item.input_audio_transcription.completed","item_id":"item_2","transcript":"hello there"}`,
			InputTranscriptionEvent{ItemID: "item_2", Transcript: "hello there"},
		},
		{
			"content part added",
			`{"type":"response.content_part.added","item_id":"item_3"}`,
			ContentPartAddedEvent{ItemID: "item_3"},
		},
		{
			"transcript delta",
			`{"type":"response.audio_transcript.delta","item_id":"item_3","delta":"Hi, "}`,
			AudioTranscriptDeltaEvent{ItemID: "item_3", Delta: "Hi, "},
		},
		{
			"error",
			`{"type":"error","error":{"code":"rate_limited","message":"slow down"}}`,
			ErrorEvent{Code: "rate_limited", Message: "slow down"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeServerEvent([]byte(tc.data))
			if err != nil {
				t.Fatalf("DecodeServerEvent: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestDecodeOutputItemDone(t *testing.T) {
	data := `{"type":"response.output_item.done","item":{"id":"item_9","type":"function_call","name":"end_call","arguments":"{\"reason\":\"done\"}","call_id":"call_1","status":"completed"}}`
	got, err := DecodeServerEvent([]byte(data))
	if err != nil {
		t.Fatalf("DecodeServerEvent: %v", err)
	}
	done, ok := got.(OutputItemDoneEvent)
	if !ok {
		t.Fatalf("got %T, want OutputItemDoneEvent", got)
	}
	if done.Item.Name != "end_call" {
		t.Fatalf("Name=%q, want end_call", done.Item.Name)
	}
	if done.Item.CallID != "call_1" {
		t.Fatalf("CallID=%q, want call_1", done.Item.CallID)
	}
	if done.Item.Arguments != `{"reason":"done"}` {
		t.Fatalf("Arguments=%q", done.Item.Arguments)
	}
}

func TestDecodeUnknownEventIsNotAnError(t *testing.T) {
	got, err := DecodeServerEvent([]byte(`{"type":"rate_limits.updated"}`))
	if err != nil {
		t.Fatalf("DecodeServerEvent: %v", err)
	}
	unknown, ok := got.(UnknownEvent)
	if !ok {
		t.Fatalf("got %T, want UnknownEvent", got)
	}
	if unknown.Type != "rate_limits.updated" {
		t.Fatalf("Type=%q", unknown.Type)
	}
}

func TestDecodeRejectsMalformedEvents(t *testing.T) {
	cases := []string{
		`{{{`,
		`{"item_id":"x"}`,
		`{"type":"response.audio.delta","item_id":"item_1"}`,
		`{"type":"response.output_item.done"}`,
	}
	for _, data := range cases {
		if _, err := DecodeServerEvent([]byte(data)); err == nil {
			t.Fatalf("expected decode error for %s", data)
		}
	}
}

func TestOutboundWireShapes(t *testing.T) {
	truncate, err := json.Marshal(itemTruncate{Type: "conversation.item.truncate", ItemID: "item_1", ContentIndex: 0, AudioEndMS: 1250})
	if err != nil {
		t.Fatalf("marshal truncate: %v", err)
	}
	if string(truncate) != `{"type":"conversation.item.truncate","item_id":"item_1","content_index":0,"audio_end_ms":1250}` {
		t.Fatalf("truncate frame=%s", truncate)
	}

	output, err := json.Marshal(itemCreate{
		Type: "conversation.item.create",
		Item: functionCallOutput{Type: "function_call_output", CallID: "call_1", Output: `{"ok":true}`},
	})
	if err != nil {
		t.Fatalf("marshal output: %v", err)
	}
	if string(output) != `{"type":"conversation.item.create","item":{"type":"function_call_output","call_id":"call_1","output":"{\"ok\":true}"}}` {
		t.Fatalf("output frame=%s", output)
	}

	bare, err := json.Marshal(responseCreate{Type: "response.create"})
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	if string(bare) != `{"type":"response.create"}` {
		t.Fatalf("response frame=%s", bare)
	}

	greeting, err := json.Marshal(responseCreate{Type: "response.create", Response: &responseParameters{Instructions: "Say hello."}})
	if err != nil {
		t.Fatalf("marshal greeting: %v", err)
	}
	if string(greeting) != `{"type":"response.create","response":{"instructions":"Say hello."}}` {
		t.Fatalf("greeting frame=%s", greeting)
	}
}
