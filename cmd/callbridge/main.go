package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/voicefront/callbridge/internal/dotenv"
	"github.com/voicefront/callbridge/pkg/bridge/call"
	"github.com/voicefront/callbridge/pkg/bridge/config"
	"github.com/voicefront/callbridge/pkg/bridge/instructions"
	"github.com/voicefront/callbridge/pkg/bridge/metrics"
	"github.com/voicefront/callbridge/pkg/bridge/provider"
	"github.com/voicefront/callbridge/pkg/bridge/realtime"
	"github.com/voicefront/callbridge/pkg/bridge/server"
	"github.com/voicefront/callbridge/pkg/bridge/store"
	"github.com/voicefront/callbridge/pkg/bridge/tools"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		// Safe alongside the media websocket: the upgrade hijacks the
		// connection and clears its deadlines.
		ReadTimeout: cfg.ReadTimeout,
	}
}

// buildBridge wires the coordinator and its collaborators from config. The
// returned cleanup releases the store connection pool, if any.
func buildBridge(ctx context.Context, cfg config.Config, logger *slog.Logger) (*server.Server, func(), error) {
	cleanup := func() {}

	prompts, err := instructions.FromFile(cfg.InstructionsPath)
	if err != nil {
		return nil, cleanup, err
	}

	var providerClient call.ProviderControl
	if cfg.ProviderAccountSID != "" && cfg.ProviderAuthToken != "" {
		pc, err := provider.NewClient(provider.Config{
			BaseURL:    cfg.ProviderBaseURL,
			AccountSID: cfg.ProviderAccountSID,
			AuthToken:  cfg.ProviderAuthToken,
			Timeout:    cfg.ProviderTimeout,
		}, logger)
		if err != nil {
			return nil, cleanup, err
		}
		providerClient = pc
	} else {
		logger.Warn("provider credentials not set, call hangup and recording disabled")
	}

	var callStore call.Store
	var paramSource call.ParameterSource
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("store: %w", err)
		}
		cleanup = pg.Close
		callStore = pg
		paramSource = pg
		logger.Info("using postgres transcript store")
	} else {
		mem := store.NewMemory()
		callStore = mem
		paramSource = mem
		logger.Warn("no database configured, transcripts held in memory only")
	}

	m := metrics.New()
	registry := tools.NewRegistry()

	dialAI := func(ctx context.Context) (call.AILeg, error) {
		client, err := realtime.Dial(ctx, realtime.Config{
			URL:             cfg.RealtimeURL,
			Model:           cfg.RealtimeModel,
			APIKey:          cfg.RealtimeAPIKey,
			ConnectTimeout:  cfg.AIConnectTimeout,
			WriteTimeout:    cfg.AIWriteTimeout,
			MaxMessageBytes: cfg.AIMaxMessageBytes,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	coordinator, err := call.New(call.Dependencies{
		Logger:       logger,
		DialAI:       dialAI,
		Provider:     providerClient,
		Store:        callStore,
		Tools:        registry,
		Instructions: prompts,
		Parameters:   paramSource,
		Metrics:      m,
		Config: call.Config{
			Voice:              cfg.RealtimeVoice,
			AudioFormat:        cfg.AudioFormat,
			TranscriptionModel: cfg.TranscriptionModel,
			Greeting:           cfg.Greeting,
			RecordCalls:        cfg.RecordCalls,
			StoreTimeout:       cfg.StoreTimeout,
		},
	})
	if err != nil {
		return nil, cleanup, err
	}
	registry.Register(tools.NewEndCallTool(coordinator))

	srv := server.New(server.Dependencies{
		Logger:      logger,
		Config:      cfg,
		Coordinator: coordinator,
		Metrics:     m,
	})
	return srv, cleanup, nil
}

func runBridge(ctx context.Context, logger *slog.Logger, deps bridgeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	srv, cleanup, err := buildBridge(ctx, cfg, logger)
	if err != nil {
		cleanup()
		return err
	}
	defer cleanup()

	httpSrv := buildHTTPServer(cfg, srv.Handler())
	logger.Info("starting bridge", "addr", cfg.Addr, "model", cfg.RealtimeModel)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	srv.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := srv.DrainCalls(shutdownCtx, "shutting down"); err != nil {
		logger.Warn("active call did not drain before shutdown", "error", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("bridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}

	if err := runBridge(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
