package call

import (
	"context"

	"github.com/google/uuid"

	"github.com/voicefront/callbridge/pkg/bridge/realtime"
	"github.com/voicefront/callbridge/pkg/bridge/telephony"
	"github.com/voicefront/callbridge/pkg/bridge/tools"
	"github.com/voicefront/callbridge/pkg/bridge/transcript"
)

// RunCall drives one call from the first telephony frame to teardown. The
// caller owns the websocket read loop and delivers decoded events on inbound;
// a closed channel means the provider connection is gone. RunCall returns
// when the call is finished and its record is persisted.
func (c *Coordinator) RunCall(ctx context.Context, conn TelephonyConn, inbound <-chan any) error {
	c.calls.Add(1)
	defer c.calls.Done()

	start, ok := c.awaitStart(ctx, inbound)
	if !ok {
		return nil
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ac := &activeCall{
		session:  newSession(start.StreamSID, start.CallSID, c.now()),
		conn:     conn,
		logger:   c.logger,
		provider: c.provider,
		cancel:   cancel,
	}
	c.adopt(ctx, ac)
	defer c.release(ac)

	cm := callMetrics{c.metrics}
	cm.started()
	c.logger.Info("call started",
		"callSid", ac.session.CallSID,
		"streamSid", ac.session.StreamSID)

	aiEvents := c.connectAI(callCtx, ac)
	c.startRecording(callCtx, ac)

	providerEnded := c.eventLoop(callCtx, ac, inbound, aiEvents, cm)

	// Courtesy close so the provider is not left waiting on a half-open
	// stream. Best-effort and at most once; the handle may already be gone.
	if !conn.Closed() {
		_ = conn.WriteFrame(telephony.NewCloseFrame(ac.session.StreamSID))
	}
	_ = conn.Close()

	if providerEnded {
		ac.session.SetTerminationReason("caller hung up")
		ac.terminate(ctx, ac.session.TerminationReason(), false)
	} else {
		ac.terminate(ctx, "connection lost", true)
	}

	reason := ac.session.TerminationReason()
	cm.ended(reason)
	c.persist(ac)
	c.logger.Info("call finished",
		"callSid", ac.session.CallSID,
		"reason", reason,
		"transcriptEntries", ac.session.Transcript.Len())
	return nil
}

// awaitStart consumes frames until the stream announces itself. Connected
// frames precede start and carry nothing the bridge needs.
func (c *Coordinator) awaitStart(ctx context.Context, inbound <-chan any) (telephony.StartEvent, bool) {
	for {
		select {
		case <-ctx.Done():
			return telephony.StartEvent{}, false
		case ev, open := <-inbound:
			if !open {
				return telephony.StartEvent{}, false
			}
			switch e := ev.(type) {
			case telephony.ConnectedEvent:
				continue
			case telephony.StartEvent:
				return e, true
			case telephony.StopEvent, telephony.CloseEvent:
				return telephony.StartEvent{}, false
			default:
				c.logger.Warn("frame before stream start", "event", e)
			}
		}
	}
}

// connectAI dials the AI leg and configures the session. A failure leaves
// the call up with no assistant; the caller hears silence rather than a
// dropped call.
func (c *Coordinator) connectAI(ctx context.Context, ac *activeCall) <-chan any {
	leg, err := c.dialAI(ctx)
	if err != nil {
		c.logger.Error("assistant leg unavailable, call continues muted",
			"callSid", ac.session.CallSID, "error", err)
		return nil
	}
	ac.setAI(leg)

	var params CallParameters
	if c.params != nil {
		p, err := c.params.CallParameters(ctx, ac.session.CallSID)
		if err != nil {
			c.logger.Warn("call parameters unavailable",
				"callSid", ac.session.CallSID, "error", err)
		} else {
			params = p
		}
	}

	instructions := ""
	if c.instructions != nil {
		text, err := c.instructions.Instructions(ctx, params)
		if err != nil {
			c.logger.Warn("instructions unavailable", "error", err)
		} else {
			instructions = text
		}
	}

	settings := realtime.SessionSettings{
		Modalities:        []string{"text", "audio"},
		TurnDetection:     &realtime.TurnDetection{Type: "server_vad"},
		Voice:             c.cfg.Voice,
		InputAudioFormat:  c.cfg.AudioFormat,
		OutputAudioFormat: c.cfg.AudioFormat,
		Instructions:      instructions,
		Tools:             c.tools.Definitions(),
		ToolChoice:        "auto",
	}
	if c.cfg.TranscriptionModel != "" {
		settings.InputAudioTranscription = &realtime.InputAudioTranscription{Model: c.cfg.TranscriptionModel}
	}
	if err := leg.UpdateSession(settings); err != nil {
		c.logger.Error("session configuration failed", "error", err)
	}
	if c.cfg.Greeting != "" {
		if err := leg.CreateResponse(c.cfg.Greeting); err != nil {
			c.logger.Warn("greeting request failed", "error", err)
		}
	}
	return leg.Events()
}

func (c *Coordinator) startRecording(ctx context.Context, ac *activeCall) {
	if !c.cfg.RecordCalls || c.provider == nil || ac.session.CallSID == "" {
		return
	}
	if err := c.provider.StartRecording(ctx, ac.session.CallSID); err != nil {
		c.logger.Warn("recording start failed",
			"callSid", ac.session.CallSID, "error", err)
	}
}

// eventLoop relays both legs until one of them ends the call. It reports
// whether the provider side ended first.
func (c *Coordinator) eventLoop(ctx context.Context, ac *activeCall, inbound <-chan any, aiEvents <-chan any, cm callMetrics) bool {
	s := ac.session
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, open := <-inbound:
			if !open {
				return true
			}
			switch e := ev.(type) {
			case telephony.MediaEvent:
				s.ObserveMediaTimestamp(int64(e.Timestamp))
				if leg := ac.aiLeg(); leg != nil {
					if err := leg.AppendAudio(e.Payload); err != nil {
						c.logger.Warn("audio forward failed", "error", err)
					}
				}
			case telephony.MarkEvent:
				s.MarkConfirmed()
			case telephony.StopEvent, telephony.CloseEvent:
				return true
			}
		case ev, open := <-aiEvents:
			if !open {
				c.logger.Warn("assistant leg closed, call continues muted",
					"callSid", s.CallSID)
				aiEvents = nil
				ac.setAI(nil)
				continue
			}
			c.handleAIEvent(ctx, ac, ev, cm)
		}
	}
}

func (c *Coordinator) handleAIEvent(ctx context.Context, ac *activeCall, ev any, cm callMetrics) {
	s := ac.session
	switch e := ev.(type) {
	case realtime.SpeechStartedEvent:
		s.Transcript.OpenUserEntry(e.ItemID)
		c.truncateUtterance(ac, cm)
	case realtime.ItemCreatedEvent:
		if e.Role == "user" {
			s.Transcript.OpenUserEntry(e.ItemID)
		}
	case realtime.AudioDeltaEvent:
		s.BeginUtterance(e.ItemID)
		if err := ac.conn.WriteFrame(telephony.NewMediaFrame(s.StreamSID, e.Delta)); err != nil {
			c.logger.Warn("playback write failed", "error", err)
			return
		}
		if err := ac.conn.WriteFrame(telephony.NewMarkFrame(s.StreamSID, "m_"+uuid.NewString())); err == nil {
			s.MarkSent()
		}
	case realtime.InputTranscriptionEvent:
		s.Transcript.SetUserUtterance(e.ItemID, e.Transcript)
	case realtime.AudioTranscriptDeltaEvent:
		s.Transcript.Append(transcript.RoleAssistant, e.ItemID, e.Delta)
	case realtime.OutputItemDoneEvent:
		if e.Item.Type == "function_call" {
			c.dispatchTool(ctx, ac, e.Item, cm)
		}
	case realtime.ErrorEvent:
		c.logger.Warn("assistant error",
			"callSid", s.CallSID, "code", e.Code, "message", e.Message)
	}
}

// truncateUtterance handles the caller interrupting the assistant: tell the
// AI leg how much was actually heard, flush buffered playback on the
// provider side, and reset utterance tracking. With nothing in flight this
// is a no-op.
func (c *Coordinator) truncateUtterance(ac *activeCall, cm callMetrics) {
	s := ac.session
	itemID, elapsedMS, ok := s.TruncationTarget()
	if !ok {
		return
	}
	if leg := ac.aiLeg(); leg != nil {
		if err := leg.Truncate(itemID, 0, elapsedMS); err != nil {
			c.logger.Warn("truncate failed", "itemId", itemID, "error", err)
		}
	}
	_ = ac.conn.WriteFrame(telephony.NewClearFrame(s.StreamSID))
	s.ClearUtterance()
	cm.truncation()
	c.logger.Info("interrupted assistant utterance",
		"callSid", s.CallSID, "itemId", itemID, "heardMs", elapsedMS)
}

func (c *Coordinator) dispatchTool(ctx context.Context, ac *activeCall, item realtime.OutputItem, cm callMetrics) {
	res := c.tools.Dispatch(ctx, tools.Request{
		Name:      item.Name,
		Arguments: item.Arguments,
		CallID:    item.CallID,
	})
	cm.tool(item.Name)
	ac.session.Transcript.AddToolCall(item.Name, item.Arguments, res.Output)
	if leg := ac.aiLeg(); leg != nil {
		// The leg may already be closing if the tool ended the call.
		if err := leg.SendToolOutput(item.CallID, res.Output); err != nil {
			c.logger.Warn("tool output send failed",
				"tool", item.Name, "error", err)
		}
	}
}

func (c *Coordinator) persist(ac *activeCall) {
	if c.store == nil {
		return
	}
	s := ac.session
	saveCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StoreTimeout)
	defer cancel()
	rec := Record{
		CallSID:           s.CallSID,
		StreamSID:         s.StreamSID,
		StartedAt:         s.StartedAt,
		EndedAt:           c.now(),
		TerminationReason: s.TerminationReason(),
		Entries:           s.Transcript.Entries(),
	}
	if err := c.store.SaveCall(saveCtx, rec); err != nil {
		c.logger.Error("call record save failed",
			"callSid", s.CallSID, "error", err)
	}
}
