package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voicefront/callbridge/pkg/bridge/realtime"
	"github.com/voicefront/callbridge/pkg/bridge/telephony"
	"github.com/voicefront/callbridge/pkg/bridge/tools"
	"github.com/voicefront/callbridge/pkg/bridge/transcript"
)

type truncateCall struct {
	itemID    string
	elapsedMS int64
}

type fakeAILeg struct {
	mu        sync.Mutex
	events    chan any
	closeOnce sync.Once
	closed    bool

	settings    []realtime.SessionSettings
	appended    []string
	truncates   []truncateCall
	toolOutputs map[string]string
	responses   []string
}

func newFakeAILeg() *fakeAILeg {
	return &fakeAILeg{events: make(chan any, 16), toolOutputs: make(map[string]string)}
}

func (f *fakeAILeg) Events() <-chan any { return f.events }

func (f *fakeAILeg) UpdateSession(s realtime.SessionSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = append(f.settings, s)
	return nil
}

func (f *fakeAILeg) AppendAudio(payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, payload)
	return nil
}

func (f *fakeAILeg) Truncate(itemID string, _ int, elapsedMS int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.truncates = append(f.truncates, truncateCall{itemID: itemID, elapsedMS: elapsedMS})
	return nil
}

func (f *fakeAILeg) SendToolOutput(callID, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.toolOutputs[callID] = output
	return nil
}

func (f *fakeAILeg) CreateResponse(instructions string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, instructions)
	return nil
}

func (f *fakeAILeg) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
	return nil
}

func (f *fakeAILeg) appendedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appended)
}

func (f *fakeAILeg) truncateCalls() []truncateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]truncateCall(nil), f.truncates...)
}

func (f *fakeAILeg) toolOutput(callID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.toolOutputs[callID]
	return out, ok
}

type fakeConn struct {
	mu     sync.Mutex
	frames []any
	closed bool
}

func (f *fakeConn) WriteFrame(frame any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) allFrames() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.frames...)
}

func (f *fakeConn) countFrames(match func(any) bool) int {
	n := 0
	for _, fr := range f.allFrames() {
		if match(fr) {
			n++
		}
	}
	return n
}

type fakeProvider struct {
	mu         sync.Mutex
	endCalls   []string
	recordings []string
}

func (f *fakeProvider) EndCall(_ context.Context, callSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endCalls = append(f.endCalls, callSID)
	return nil
}

func (f *fakeProvider) StartRecording(_ context.Context, callSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordings = append(f.recordings, callSID)
	return nil
}

func (f *fakeProvider) endedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.endCalls...)
}

type fakeStore struct {
	mu      sync.Mutex
	records []Record
}

func (f *fakeStore) SaveCall(_ context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStore) saved() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Record(nil), f.records...)
}

type testBridge struct {
	coord    *Coordinator
	leg      *fakeAILeg
	conn     *fakeConn
	provider *fakeProvider
	store    *fakeStore
	registry *tools.Registry
	inbound  chan any
	done     chan struct{}
}

func newTestBridge(t *testing.T, dialErr error) *testBridge {
	t.Helper()
	tb := &testBridge{
		leg:      newFakeAILeg(),
		conn:     &fakeConn{},
		provider: &fakeProvider{},
		store:    &fakeStore{},
		registry: tools.NewRegistry(),
		inbound:  make(chan any, 16),
		done:     make(chan struct{}),
	}
	coord, err := New(Dependencies{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		DialAI: func(context.Context) (AILeg, error) {
			if dialErr != nil {
				return nil, dialErr
			}
			return tb.leg, nil
		},
		Provider: tb.provider,
		Store:    tb.store,
		Tools:    tb.registry,
		Config: Config{
			Voice:              "alloy",
			AudioFormat:        "g711_ulaw",
			TranscriptionModel: "whisper-1",
			Greeting:           "Greet the caller.",
			RecordCalls:        true,
			StoreTimeout:       time.Second,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tb.coord = coord
	return tb
}

func (tb *testBridge) run(t *testing.T) {
	t.Helper()
	go func() {
		defer close(tb.done)
		if err := tb.coord.RunCall(context.Background(), tb.conn, tb.inbound); err != nil {
			t.Errorf("RunCall: %v", err)
		}
	}()
	tb.inbound <- telephony.StartEvent{StreamSID: "MZ1", CallSID: "CA1"}
}

func (tb *testBridge) finish(t *testing.T) {
	t.Helper()
	close(tb.inbound)
	select {
	case <-tb.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("RunCall did not return")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func isMediaFrame(f any) bool {
	_, ok := f.(telephony.MediaFrame)
	return ok
}

func isClearFrame(f any) bool {
	_, ok := f.(telephony.ClearFrame)
	return ok
}

func isCloseFrame(f any) bool {
	_, ok := f.(telephony.CloseFrame)
	return ok
}

func TestCallRelaysAudioBothWays(t *testing.T) {
	tb := newTestBridge(t, nil)
	tb.run(t)

	tb.inbound <- telephony.MediaEvent{Payload: "caller-audio-1", Timestamp: 20}
	tb.inbound <- telephony.MediaEvent{Payload: "caller-audio-2", Timestamp: 40}
	waitFor(t, "caller audio forwarded", func() bool { return tb.leg.appendedCount() == 2 })

	tb.leg.events <- realtime.AudioDeltaEvent{ItemID: "item_1", Delta: "assistant-audio"}
	waitFor(t, "assistant audio relayed", func() bool {
		return tb.conn.countFrames(isMediaFrame) == 1
	})

	tb.finish(t)

	frames := tb.conn.allFrames()
	var sawMark bool
	for _, f := range frames {
		if media, ok := f.(telephony.MediaFrame); ok {
			if media.StreamSID != "MZ1" || media.Media.Payload != "assistant-audio" {
				t.Fatalf("media frame=%#v", media)
			}
		}
		if _, ok := f.(telephony.MarkFrame); ok {
			sawMark = true
		}
	}
	if !sawMark {
		t.Fatalf("no playback mark sent after assistant audio")
	}
}

func TestSessionConfiguredWithToolsAndGreeting(t *testing.T) {
	tb := newTestBridge(t, nil)
	tb.registry.Register(tools.NewEndCallTool(tb.coord))
	tb.run(t)

	waitFor(t, "session update", func() bool {
		tb.leg.mu.Lock()
		defer tb.leg.mu.Unlock()
		return len(tb.leg.settings) == 1 && len(tb.leg.responses) == 1
	})
	tb.leg.mu.Lock()
	settings := tb.leg.settings[0]
	greeting := tb.leg.responses[0]
	tb.leg.mu.Unlock()

	if settings.Voice != "alloy" || settings.InputAudioFormat != "g711_ulaw" {
		t.Fatalf("settings=%#v", settings)
	}
	if len(settings.Tools) != 1 || settings.Tools[0].Name != "end_call" {
		t.Fatalf("tools=%#v", settings.Tools)
	}
	if greeting != "Greet the caller." {
		t.Fatalf("greeting=%q", greeting)
	}

	tb.finish(t)
}

type fakeParamSource struct {
	params CallParameters
	err    error

	mu      sync.Mutex
	lookups []string
}

func (f *fakeParamSource) CallParameters(_ context.Context, callSID string) (CallParameters, error) {
	f.mu.Lock()
	f.lookups = append(f.lookups, callSID)
	f.mu.Unlock()
	return f.params, f.err
}

type promptSource struct{}

func (promptSource) Instructions(_ context.Context, p CallParameters) (string, error) {
	return "Call " + p.Name + " about " + p.Product + ".", nil
}

func TestInstructionsRenderedWithCallParameters(t *testing.T) {
	leg := newFakeAILeg()
	source := &fakeParamSource{params: CallParameters{Name: "Dana", Product: "the renewal"}}
	coord, err := New(Dependencies{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		DialAI:       func(context.Context) (AILeg, error) { return leg, nil },
		Tools:        tools.NewRegistry(),
		Instructions: promptSource{},
		Parameters:   source,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	conn := &fakeConn{}
	inbound := make(chan any, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.RunCall(context.Background(), conn, inbound)
	}()
	inbound <- telephony.StartEvent{StreamSID: "MZ1", CallSID: "CA1"}

	waitFor(t, "session update", func() bool {
		leg.mu.Lock()
		defer leg.mu.Unlock()
		return len(leg.settings) == 1
	})
	leg.mu.Lock()
	got := leg.settings[0].Instructions
	leg.mu.Unlock()
	if got != "Call Dana about the renewal." {
		t.Fatalf("instructions=%q", got)
	}

	source.mu.Lock()
	lookups := append([]string(nil), source.lookups...)
	source.mu.Unlock()
	if len(lookups) != 1 || lookups[0] != "CA1" {
		t.Fatalf("lookups=%v, want [CA1]", lookups)
	}

	close(inbound)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("RunCall did not return")
	}
}

func TestInterruptionTruncatesPlayback(t *testing.T) {
	tb := newTestBridge(t, nil)
	tb.run(t)

	tb.inbound <- telephony.MediaEvent{Payload: "a", Timestamp: 1000}
	waitFor(t, "clock advance", func() bool { return tb.leg.appendedCount() == 1 })

	tb.leg.events <- realtime.AudioDeltaEvent{ItemID: "item_7", Delta: "chunk"}
	waitFor(t, "playback start", func() bool { return tb.conn.countFrames(isMediaFrame) == 1 })

	tb.inbound <- telephony.MediaEvent{Payload: "b", Timestamp: 1640}
	waitFor(t, "clock advance", func() bool { return tb.leg.appendedCount() == 2 })

	tb.leg.events <- realtime.SpeechStartedEvent{}
	waitFor(t, "truncation", func() bool { return len(tb.leg.truncateCalls()) == 1 })

	tc := tb.leg.truncateCalls()[0]
	if tc.itemID != "item_7" {
		t.Fatalf("truncated item=%q, want item_7", tc.itemID)
	}
	if tc.elapsedMS != 640 {
		t.Fatalf("elapsed=%d, want 640", tc.elapsedMS)
	}
	if tb.conn.countFrames(isClearFrame) != 1 {
		t.Fatalf("no clear frame after truncation")
	}

	// A second speech start with nothing in flight must not truncate again.
	tb.leg.events <- realtime.SpeechStartedEvent{}
	tb.leg.events <- realtime.AudioDeltaEvent{ItemID: "item_8", Delta: "next"}
	waitFor(t, "next utterance", func() bool { return tb.conn.countFrames(isMediaFrame) == 2 })
	if got := len(tb.leg.truncateCalls()); got != 1 {
		t.Fatalf("truncates=%d, want 1", got)
	}

	tb.finish(t)
}

func TestAIDialFailureCallContinuesMuted(t *testing.T) {
	tb := newTestBridge(t, errors.New("endpoint unreachable"))
	tb.run(t)

	tb.inbound <- telephony.MediaEvent{Payload: "audio", Timestamp: 20}
	tb.inbound <- telephony.StopEvent{CallSID: "CA1"}
	select {
	case <-tb.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("RunCall did not return after stop")
	}

	records := tb.store.saved()
	if len(records) != 1 {
		t.Fatalf("records=%d, want 1", len(records))
	}
	if records[0].TerminationReason != "caller hung up" {
		t.Fatalf("reason=%q", records[0].TerminationReason)
	}
	if len(tb.provider.endedCalls()) != 0 {
		t.Fatalf("provider hangup issued for a call the caller already ended")
	}
	if tb.conn.countFrames(isCloseFrame) != 1 {
		t.Fatalf("no courtesy close frame on the provider-ended path")
	}
}

func TestUnknownToolStillGetsResult(t *testing.T) {
	tb := newTestBridge(t, nil)
	tb.run(t)

	tb.leg.events <- realtime.OutputItemDoneEvent{Item: realtime.OutputItem{
		ID: "item_4", Type: "function_call", Name: "not_registered", Arguments: "{}", CallID: "call_9",
	}}
	waitFor(t, "tool output", func() bool {
		_, ok := tb.leg.toolOutput("call_9")
		return ok
	})
	out, _ := tb.leg.toolOutput("call_9")
	if out != `{"error":"no handler"}` {
		t.Fatalf("output=%q", out)
	}

	tb.finish(t)
}

func TestEndCallToolTerminatesCall(t *testing.T) {
	tb := newTestBridge(t, nil)
	tb.registry.Register(tools.NewEndCallTool(tb.coord))
	tb.run(t)

	tb.leg.events <- realtime.OutputItemDoneEvent{Item: realtime.OutputItem{
		ID: "item_5", Type: "function_call", Name: "end_call",
		Arguments: `{"reason":"conversation complete"}`, CallID: "call_1",
	}}

	select {
	case <-tb.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("RunCall did not return after end_call")
	}

	if ended := tb.provider.endedCalls(); len(ended) != 1 || ended[0] != "CA1" {
		t.Fatalf("provider hangups=%v", ended)
	}
	if tb.conn.countFrames(isCloseFrame) != 1 {
		t.Fatalf("no courtesy close frame sent")
	}
	records := tb.store.saved()
	if len(records) != 1 {
		t.Fatalf("records=%d, want 1", len(records))
	}
	if records[0].TerminationReason != "conversation complete" {
		t.Fatalf("reason=%q", records[0].TerminationReason)
	}
}

func TestOperatorTerminateIsIdempotent(t *testing.T) {
	tb := newTestBridge(t, nil)
	tb.run(t)

	waitFor(t, "active call", func() bool { return tb.coord.ActiveCallSID() == "CA1" })

	if err := tb.coord.Terminate(context.Background(), "operator request"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := tb.coord.Terminate(context.Background(), "second request"); err != nil && !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("second Terminate: %v", err)
	}

	select {
	case <-tb.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("RunCall did not return after Terminate")
	}

	records := tb.store.saved()
	if len(records) != 1 {
		t.Fatalf("records=%d, want 1", len(records))
	}
	if records[0].TerminationReason != "operator request" {
		t.Fatalf("reason=%q", records[0].TerminationReason)
	}
	if err := tb.coord.Terminate(context.Background(), "late"); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("Terminate after teardown=%v, want ErrNoActiveCall", err)
	}
}

func TestTranscriptAssembledFromBothLegs(t *testing.T) {
	tb := newTestBridge(t, nil)
	tb.run(t)

	tb.leg.events <- realtime.InputTranscriptionEvent{ItemID: "item_u1", Transcript: "What are your hours?"}
	tb.leg.events <- realtime.AudioTranscriptDeltaEvent{ItemID: "item_a1", Delta: "We are open "}
	tb.leg.events <- realtime.AudioTranscriptDeltaEvent{ItemID: "item_a1", Delta: "nine to five."}

	tb.leg.events <- realtime.AudioDeltaEvent{ItemID: "item_a1", Delta: "chunk"}
	waitFor(t, "leg events consumed", func() bool { return tb.conn.countFrames(isMediaFrame) == 1 })

	tb.inbound <- telephony.StopEvent{}
	select {
	case <-tb.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("RunCall did not return")
	}

	records := tb.store.saved()
	if len(records) != 1 {
		t.Fatalf("records=%d, want 1", len(records))
	}
	entries := records[0].Entries
	if len(entries) != 3 {
		t.Fatalf("entries=%d, want 3 (user, assistant, system)", len(entries))
	}
	if entries[0].Role != transcript.RoleUser || entries[0].Content != "What are your hours?" {
		t.Fatalf("user entry=%#v", entries[0])
	}
	if entries[1].Role != transcript.RoleAssistant || entries[1].Content != "We are open nine to five." {
		t.Fatalf("assistant entry=%#v", entries[1])
	}
	if entries[2].Role != transcript.RoleSystem {
		t.Fatalf("system entry=%#v", entries[2])
	}
}

func TestTranscriptOrdersQuestionBeforeReply(t *testing.T) {
	tb := newTestBridge(t, nil)
	tb.run(t)

	// The completed transcription lands after the assistant already replied;
	// the user turn opened at speech start keeps its place.
	tb.leg.events <- realtime.SpeechStartedEvent{ItemID: "item_u1"}
	tb.leg.events <- realtime.AudioTranscriptDeltaEvent{ItemID: "item_a1", Delta: "Sure, we close at five."}
	tb.leg.events <- realtime.InputTranscriptionEvent{ItemID: "item_u1", Transcript: "When do you close?"}

	// An audio delta behind the transcript events proves they were consumed
	// before the stop goes in.
	tb.leg.events <- realtime.AudioDeltaEvent{ItemID: "item_a1", Delta: "chunk"}
	waitFor(t, "leg events consumed", func() bool { return tb.conn.countFrames(isMediaFrame) == 1 })

	tb.inbound <- telephony.StopEvent{}
	select {
	case <-tb.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("RunCall did not return")
	}

	records := tb.store.saved()
	if len(records) != 1 {
		t.Fatalf("records=%d, want 1", len(records))
	}
	entries := records[0].Entries
	if len(entries) != 3 {
		t.Fatalf("entries=%d, want 3", len(entries))
	}
	if entries[0].Role != transcript.RoleUser || entries[0].Content != "When do you close?" {
		t.Fatalf("first entry=%#v, want the caller's question", entries[0])
	}
	if entries[1].Role != transcript.RoleAssistant || entries[1].Content != "Sure, we close at five." {
		t.Fatalf("second entry=%#v", entries[1])
	}
}

func TestShutdownTerminatesAndPersistsActiveCall(t *testing.T) {
	tb := newTestBridge(t, nil)
	tb.run(t)
	waitFor(t, "active call", func() bool { return tb.coord.ActiveCallSID() == "CA1" })

	if err := tb.coord.Shutdown(context.Background(), "shutting down"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case <-tb.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("RunCall did not return after Shutdown")
	}

	records := tb.store.saved()
	if len(records) != 1 {
		t.Fatalf("records=%d, want 1", len(records))
	}
	if records[0].TerminationReason != "shutting down" {
		t.Fatalf("reason=%q", records[0].TerminationReason)
	}
	if tb.conn.countFrames(isCloseFrame) != 1 {
		t.Fatalf("no courtesy close frame sent on shutdown")
	}
}

func TestShutdownWithNoActiveCallReturnsImmediately(t *testing.T) {
	tb := newTestBridge(t, nil)
	if err := tb.coord.Shutdown(context.Background(), "shutting down"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestTerminateSIDMismatchLeavesCallRunning(t *testing.T) {
	tb := newTestBridge(t, nil)
	tb.run(t)
	waitFor(t, "active call", func() bool { return tb.coord.ActiveCallSID() == "CA1" })

	if err := tb.coord.TerminateSID(context.Background(), "CA_stale", "operator request"); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("TerminateSID with stale sid=%v, want ErrNoActiveCall", err)
	}
	if got := tb.coord.ActiveCallSID(); got != "CA1" {
		t.Fatalf("active call=%q, want CA1 still running", got)
	}

	if err := tb.coord.TerminateSID(context.Background(), "CA1", "operator request"); err != nil {
		t.Fatalf("TerminateSID: %v", err)
	}
	select {
	case <-tb.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("RunCall did not return after TerminateSID")
	}
}

func TestNewStreamDisplacesActiveCall(t *testing.T) {
	tb := newTestBridge(t, nil)
	tb.run(t)
	waitFor(t, "first call active", func() bool { return tb.coord.ActiveCallSID() == "CA1" })

	secondConn := &fakeConn{}
	secondInbound := make(chan any, 4)
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		_ = tb.coord.RunCall(context.Background(), secondConn, secondInbound)
	}()
	secondInbound <- telephony.StartEvent{StreamSID: "MZ2", CallSID: "CA2"}

	waitFor(t, "second call takes the slot", func() bool { return tb.coord.ActiveCallSID() == "CA2" })

	// The displaced call winds down on its own.
	select {
	case <-tb.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("displaced call did not finish")
	}
	records := tb.store.saved()
	if len(records) != 1 {
		t.Fatalf("records=%d, want 1", len(records))
	}
	if records[0].TerminationReason != "superseded" {
		t.Fatalf("reason=%q", records[0].TerminationReason)
	}

	close(secondInbound)
	select {
	case <-secondDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("second call did not finish")
	}
}

func TestRecordingRequestedOnStart(t *testing.T) {
	tb := newTestBridge(t, nil)
	tb.run(t)
	waitFor(t, "recording start", func() bool {
		tb.provider.mu.Lock()
		defer tb.provider.mu.Unlock()
		return len(tb.provider.recordings) == 1
	})
	tb.finish(t)
}
