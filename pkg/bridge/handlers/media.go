package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicefront/callbridge/pkg/bridge/apierror"
	"github.com/voicefront/callbridge/pkg/bridge/call"
	"github.com/voicefront/callbridge/pkg/bridge/lifecycle"
	"github.com/voicefront/callbridge/pkg/bridge/telephony"
)

// MediaConfig bounds the provider websocket.
type MediaConfig struct {
	HandshakeTimeout time.Duration
	MaxMessageBytes  int64
	WriteTimeout     time.Duration
	InboundQueue     int
}

// MediaHandler accepts the provider's media-stream websocket and hands the
// decoded frames to the call coordinator.
type MediaHandler struct {
	Coordinator *call.Coordinator
	Logger      *slog.Logger
	Lifecycle   *lifecycle.State
	Config      MediaConfig
}

func (h *MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle.IsDraining() {
		apierror.WriteJSON(w, http.StatusServiceUnavailable, &apierror.Error{
			Type:    apierror.ErrOverloaded,
			Message: "draining, not accepting new calls",
		})
		return
	}
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.HandshakeTimeout,
		// The provider does not send an Origin header.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("media upgrade failed", "error", err)
		return
	}
	if h.Config.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.Config.MaxMessageBytes)
	}

	queue := h.Config.InboundQueue
	if queue <= 0 {
		queue = 64
	}
	conn := telephony.NewConn(ws, h.Config.WriteTimeout)
	inbound := make(chan any, queue)
	go func() {
		defer close(inbound)
		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			ev, err := telephony.DecodeEvent(data)
			if err != nil {
				logger.Warn("dropping malformed media frame", "error", err)
				continue
			}
			select {
			case inbound <- ev:
			case <-r.Context().Done():
				return
			}
		}
	}()

	if err := h.Coordinator.RunCall(r.Context(), conn, inbound); err != nil {
		logger.Error("call run failed", "error", err)
	}
}
