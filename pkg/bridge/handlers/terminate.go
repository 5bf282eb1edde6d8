package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voicefront/callbridge/pkg/bridge/apierror"
	"github.com/voicefront/callbridge/pkg/bridge/call"
)

// TerminateHandler lets an operator end the active call.
type TerminateHandler struct {
	Coordinator *call.Coordinator
	Logger      *slog.Logger
}

func (h *TerminateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierror.WriteJSON(w, http.StatusMethodNotAllowed, &apierror.Error{
			Type:    apierror.ErrInvalidRequest,
			Message: "method not allowed",
		})
		return
	}

	var req struct {
		CallSID string `json:"call_sid"`
		Reason  string `json:"reason"`
	}
	if r.Body != nil {
		// An empty body means "terminate with the default reason".
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			apierror.WriteJSON(w, http.StatusBadRequest, &apierror.Error{
				Type:    apierror.ErrInvalidRequest,
				Message: "invalid request body",
			})
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "operator request"
	}

	// The SID match happens inside the coordinator so a request naming a
	// displaced call can never tear down the call that replaced it.
	if err := h.Coordinator.TerminateSID(r.Context(), strings.TrimSpace(req.CallSID), reason); err != nil {
		if errors.Is(err, call.ErrNoActiveCall) {
			apierror.WriteJSON(w, http.StatusNotFound, &apierror.Error{
				Type:    apierror.ErrNotFound,
				Message: "no active call",
			})
			return
		}
		apierror.WriteJSON(w, http.StatusInternalServerError, &apierror.Error{
			Type:    apierror.ErrAPI,
			Message: "termination failed",
		})
		return
	}

	if h.Logger != nil {
		h.Logger.Info("call terminated by operator", "reason", reason)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "terminated", "reason": reason})
}
