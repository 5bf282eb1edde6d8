// Package call coordinates one live phone call: the telephony leg on one
// side, the AI leg on the other, and the session state that keeps playback,
// truncation, and the transcript consistent between them.
package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voicefront/callbridge/pkg/bridge/realtime"
	"github.com/voicefront/callbridge/pkg/bridge/tools"
	"github.com/voicefront/callbridge/pkg/bridge/transcript"
)

// ErrNoActiveCall is returned by Terminate when nothing is in progress.
var ErrNoActiveCall = errors.New("no active call")

// AILeg is the slice of the realtime client the run loop drives.
type AILeg interface {
	Events() <-chan any
	UpdateSession(settings realtime.SessionSettings) error
	AppendAudio(payload string) error
	Truncate(itemID string, contentIndex int, audioEndMS int64) error
	SendToolOutput(callID, output string) error
	CreateResponse(instructions string) error
	Close() error
}

// AIDialer opens the AI leg for a new call. A dial failure is not fatal to
// the call; the caller stays connected with no assistant audio.
type AIDialer func(ctx context.Context) (AILeg, error)

// TelephonyConn is the outbound side of the provider websocket.
type TelephonyConn interface {
	WriteFrame(frame any) error
	Close() error
	Closed() bool
}

// ProviderControl drives the telephony provider's REST API. Both operations
// are best-effort; the media stream is the source of truth for call state.
type ProviderControl interface {
	EndCall(ctx context.Context, callSID string) error
	StartRecording(ctx context.Context, callSID string) error
}

// Record is the persisted outcome of a finished call.
type Record struct {
	CallSID           string
	StreamSID         string
	StartedAt         time.Time
	EndedAt           time.Time
	TerminationReason string
	Entries           []transcript.Entry
}

// Store persists finished calls.
type Store interface {
	SaveCall(ctx context.Context, rec Record) error
}

// CallParameters is per-call context the prompt may reference. All fields
// are optional; an unknown call gets the zero value.
type CallParameters struct {
	Name     string
	Location string
	Product  string
}

// ParameterSource looks up the context registered for an expected call.
type ParameterSource interface {
	CallParameters(ctx context.Context, callSID string) (CallParameters, error)
}

// InstructionsSource supplies the system instructions for the AI session,
// rendered with the call's parameters.
type InstructionsSource interface {
	Instructions(ctx context.Context, p CallParameters) (string, error)
}

// Metrics receives call-level counters. A nil Metrics is a no-op.
type Metrics interface {
	CallStarted()
	CallEnded(reason string)
	TruncationIssued()
	ToolDispatched(name string)
}

// Config carries the per-call session parameters.
type Config struct {
	Voice              string
	AudioFormat        string
	TranscriptionModel string
	Greeting           string
	RecordCalls        bool
	StoreTimeout       time.Duration
}

// Dependencies wires a Coordinator. Logger, Store, Provider, and Metrics are
// optional; DialAI and Tools are required.
type Dependencies struct {
	Logger       *slog.Logger
	DialAI       AIDialer
	Provider     ProviderControl
	Store        Store
	Tools        *tools.Registry
	Instructions InstructionsSource
	Parameters   ParameterSource
	Metrics      Metrics
	Config       Config
	Now          func() time.Time
}

// Coordinator owns the single active call. A new stream displaces any call
// still in progress; the displaced call is finalized before the new one
// takes the slot.
type Coordinator struct {
	logger       *slog.Logger
	dialAI       AIDialer
	provider     ProviderControl
	store        Store
	tools        *tools.Registry
	instructions InstructionsSource
	params       ParameterSource
	metrics      Metrics
	cfg          Config
	now          func() time.Time

	mu     sync.Mutex
	active *activeCall
	calls  sync.WaitGroup
}

func New(deps Dependencies) (*Coordinator, error) {
	if deps.DialAI == nil {
		return nil, errors.New("ai dialer is required")
	}
	if deps.Tools == nil {
		return nil, errors.New("tool registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.StoreTimeout <= 0 {
		deps.Config.StoreTimeout = 5 * time.Second
	}
	return &Coordinator{
		logger:       deps.Logger,
		dialAI:       deps.DialAI,
		provider:     deps.Provider,
		store:        deps.Store,
		tools:        deps.Tools,
		instructions: deps.Instructions,
		params:       deps.Parameters,
		metrics:      deps.Metrics,
		cfg:          deps.Config,
		now:          deps.Now,
	}, nil
}

// Terminate ends the active call with the given reason. The first caller
// sets the reason; later calls are no-ops. Implements tools.Terminator, and
// backs the HTTP terminate endpoint.
func (c *Coordinator) Terminate(ctx context.Context, reason string) error {
	return c.TerminateSID(ctx, "", reason)
}

// TerminateSID ends the active call when sid names it; an empty sid matches
// whatever call is active. The match happens under the coordinator lock so a
// displaced call's SID can never tear down its replacement.
func (c *Coordinator) TerminateSID(ctx context.Context, sid, reason string) error {
	c.mu.Lock()
	ac := c.active
	if ac == nil || (sid != "" && ac.session.CallSID != sid) {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	c.mu.Unlock()
	ac.terminate(ctx, reason, true)
	return nil
}

// Shutdown ends the active call with the given reason and waits, bounded by
// ctx, for every in-flight RunCall to finish tearing down and persisting.
func (c *Coordinator) Shutdown(ctx context.Context, reason string) error {
	if err := c.Terminate(ctx, reason); err != nil && !errors.Is(err, ErrNoActiveCall) {
		return err
	}
	done := make(chan struct{})
	go func() {
		c.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveCallSID reports the call in progress, or "" when idle.
func (c *Coordinator) ActiveCallSID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.session.CallSID
}

// adopt installs ac as the active call, displacing any previous one.
func (c *Coordinator) adopt(ctx context.Context, ac *activeCall) {
	c.mu.Lock()
	prev := c.active
	c.active = ac
	c.mu.Unlock()
	if prev != nil {
		c.logger.Warn("displacing in-progress call",
			"previousCallSid", prev.session.CallSID,
			"callSid", ac.session.CallSID)
		prev.terminate(ctx, "superseded", true)
	}
}

// release clears the slot if ac still owns it.
func (c *Coordinator) release(ac *activeCall) {
	c.mu.Lock()
	if c.active == ac {
		c.active = nil
	}
	c.mu.Unlock()
}

type callMetrics struct{ m Metrics }

func (cm callMetrics) started() {
	if cm.m != nil {
		cm.m.CallStarted()
	}
}

func (cm callMetrics) ended(reason string) {
	if cm.m != nil {
		cm.m.CallEnded(reason)
	}
}

func (cm callMetrics) truncation() {
	if cm.m != nil {
		cm.m.TruncationIssued()
	}
}

func (cm callMetrics) tool(name string) {
	if cm.m != nil {
		cm.m.ToolDispatched(name)
	}
}
