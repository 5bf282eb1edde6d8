// Package server assembles the HTTP surface of the bridge.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/voicefront/callbridge/pkg/bridge/call"
	"github.com/voicefront/callbridge/pkg/bridge/config"
	"github.com/voicefront/callbridge/pkg/bridge/handlers"
	"github.com/voicefront/callbridge/pkg/bridge/lifecycle"
	"github.com/voicefront/callbridge/pkg/bridge/metrics"
	"github.com/voicefront/callbridge/pkg/bridge/mw"
)

type Dependencies struct {
	Logger      *slog.Logger
	Config      config.Config
	Coordinator *call.Coordinator
	Metrics     *metrics.Metrics
}

type Server struct {
	logger    *slog.Logger
	cfg       config.Config
	coord     *call.Coordinator
	metrics   *metrics.Metrics
	lifecycle *lifecycle.State
}

func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{
		logger:    deps.Logger,
		cfg:       deps.Config,
		coord:     deps.Coordinator,
		metrics:   deps.Metrics,
		lifecycle: &lifecycle.State{},
	}
}

// SetDraining flips readiness; the media endpoint stops accepting new calls
// while calls already bridged run to completion.
func (s *Server) SetDraining(draining bool) {
	s.lifecycle.SetDraining(draining)
}

// DrainCalls ends the in-flight call and waits for its record to persist.
// http.Server.Shutdown does not touch hijacked websocket connections, so the
// media stream has to be wound down here.
func (s *Server) DrainCalls(ctx context.Context, reason string) error {
	if s.coord == nil {
		return nil
	}
	return s.coord.Shutdown(ctx, reason)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", handlers.HealthHandler{})
	mux.Handle("/readyz", handlers.ReadyHandler{Lifecycle: s.lifecycle})
	mux.Handle("/voice", handlers.VoiceHandler{StreamURL: s.cfg.PublicStreamURL})
	mux.Handle("/media", &handlers.MediaHandler{
		Coordinator: s.coord,
		Logger:      s.logger,
		Lifecycle:   s.lifecycle,
		Config: handlers.MediaConfig{
			HandshakeTimeout: s.cfg.MediaHandshakeTimeout,
			MaxMessageBytes:  s.cfg.MediaMaxMessageBytes,
			WriteTimeout:     s.cfg.MediaWriteTimeout,
			InboundQueue:     s.cfg.MediaFrameQueue,
		},
	})
	mux.Handle("/calls/terminate", &handlers.TerminateHandler{
		Coordinator: s.coord,
		Logger:      s.logger,
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	var h http.Handler = mux
	h = mw.AccessLog(s.logger, h)
	h = mw.Recover(s.logger, h)
	h = mw.RequestID(h)
	return h
}
