package call

import (
	"context"
	"sync"
	"time"

	"github.com/voicefront/callbridge/pkg/bridge/transcript"
)

// Session is the per-call bookkeeping both legs read and write. The run loop
// is the only writer for the playback fields; the mutex covers the
// termination fields, which Terminate may touch from another goroutine.
type Session struct {
	StreamSID string
	CallSID   string
	StartedAt time.Time

	// latestMediaTS is the caller-side logical clock: the highest media
	// timestamp seen so far, in milliseconds from stream start. It only
	// moves forward.
	latestMediaTS int64

	// responseStartTS is the clock reading when the current assistant
	// utterance began playing, or -1 when nothing is in flight.
	responseStartTS int64

	// lastUtteranceItemID identifies the assistant item whose audio is
	// currently streaming to the caller.
	lastUtteranceItemID string

	// outstandingMarks counts playback marks sent but not yet confirmed.
	outstandingMarks int

	Transcript *transcript.Assembler

	mu                sync.Mutex
	terminationReason string
}

func newSession(streamSID, callSID string, startedAt time.Time) *Session {
	return &Session{
		StreamSID:       streamSID,
		CallSID:         callSID,
		StartedAt:       startedAt,
		responseStartTS: -1,
		Transcript:      transcript.NewAssembler(),
	}
}

// ObserveMediaTimestamp advances the logical clock. Out-of-order or repeated
// timestamps never move it backwards.
func (s *Session) ObserveMediaTimestamp(ms int64) {
	if ms > s.latestMediaTS {
		s.latestMediaTS = ms
	}
}

// LatestMediaTimestamp returns the current clock reading.
func (s *Session) LatestMediaTimestamp() int64 {
	return s.latestMediaTS
}

// BeginUtterance records that assistant audio for item started playing now.
// Only the first delta of an utterance sets the start time.
func (s *Session) BeginUtterance(itemID string) {
	if s.responseStartTS < 0 {
		s.responseStartTS = s.latestMediaTS
	}
	if itemID != "" {
		s.lastUtteranceItemID = itemID
	}
}

// TruncationTarget reports whether an assistant utterance is in flight and,
// if so, which item to truncate and how many milliseconds of it the caller
// has heard. Elapsed time is clamped at zero; clocks that have not advanced
// since playback began truncate to the utterance start.
func (s *Session) TruncationTarget() (itemID string, elapsedMS int64, ok bool) {
	if s.responseStartTS < 0 || s.lastUtteranceItemID == "" {
		return "", 0, false
	}
	elapsed := s.latestMediaTS - s.responseStartTS
	if elapsed < 0 {
		elapsed = 0
	}
	return s.lastUtteranceItemID, elapsed, true
}

// ClearUtterance resets playback tracking after a truncation or once the
// utterance finishes.
func (s *Session) ClearUtterance() {
	s.responseStartTS = -1
	s.lastUtteranceItemID = ""
	s.outstandingMarks = 0
}

// MarkSent and MarkConfirmed track playback marks in flight.
func (s *Session) MarkSent() { s.outstandingMarks++ }

func (s *Session) MarkConfirmed() {
	if s.outstandingMarks > 0 {
		s.outstandingMarks--
	}
	if s.outstandingMarks == 0 && s.lastUtteranceItemID != "" {
		// Everything sent has played out; the utterance is no longer
		// interruptible mid-stream.
		s.ClearUtterance()
	}
}

// SetTerminationReason records why the call ended. The first reason wins.
func (s *Session) SetTerminationReason(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminationReason != "" {
		return false
	}
	s.terminationReason = reason
	return true
}

// TerminationReason returns the recorded reason, or "".
func (s *Session) TerminationReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminationReason
}

// activeCall binds a session to its legs and guards teardown so the three
// termination paths (tool call, provider disconnect, operator request)
// collapse into one.
type activeCall struct {
	session  *Session
	conn     TelephonyConn
	logger   logger
	provider ProviderControl
	cancel   context.CancelFunc

	aiMu sync.Mutex
	ai   AILeg

	termOnce sync.Once
}

type logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func (ac *activeCall) setAI(leg AILeg) {
	ac.aiMu.Lock()
	ac.ai = leg
	ac.aiMu.Unlock()
}

func (ac *activeCall) aiLeg() AILeg {
	ac.aiMu.Lock()
	defer ac.aiMu.Unlock()
	return ac.ai
}

// terminate runs teardown exactly once. notifyProvider distinguishes
// bridge-initiated hangups, which must tell the provider to complete the
// call, from provider-initiated ones, where the call is already gone.
func (ac *activeCall) terminate(ctx context.Context, reason string, notifyProvider bool) {
	ac.termOnce.Do(func() {
		if reason == "" {
			reason = "unspecified"
		}
		ac.session.SetTerminationReason(reason)
		ac.session.Transcript.AddSystemNote("call ended: " + reason)
		ac.logger.Info("terminating call",
			"callSid", ac.session.CallSID,
			"streamSid", ac.session.StreamSID,
			"reason", reason)

		if notifyProvider && ac.provider != nil && ac.session.CallSID != "" {
			if err := ac.provider.EndCall(ctx, ac.session.CallSID); err != nil {
				ac.logger.Warn("provider hangup failed",
					"callSid", ac.session.CallSID, "error", err)
			}
		}
		if leg := ac.aiLeg(); leg != nil {
			_ = leg.Close()
		}
		if ac.cancel != nil {
			ac.cancel()
		}
	})
}
