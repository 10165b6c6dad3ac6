package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lecternlabs/lectern-core/internal/bus"
	"github.com/lecternlabs/lectern-core/internal/config"
	"github.com/lecternlabs/lectern-core/internal/engine"
	"github.com/lecternlabs/lectern-core/internal/library"
	"github.com/lecternlabs/lectern-core/internal/narration"
	"github.com/lecternlabs/lectern-core/internal/natsserver"
	"github.com/lecternlabs/lectern-core/internal/playback"
)

// Runtime wires the whole narration service together: telemetry, bus,
// library store, engines, the generation coordinator, and the playback query
// service. Start blocks until the context is cancelled, then tears the
// pieces down in reverse order.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	var embedded *natsserver.EmbeddedServer
	if r.cfg.Bus.Embedded {
		embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		defer embedded.Shutdown()
	}

	busClient, err := bus.Connect(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	store, err := library.Open(ctx, r.cfg.Library, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open library: %w", err)
	}
	defer store.Close()

	synth, captioner, closeEngines, err := r.buildEngines()
	if err != nil {
		return fmt.Errorf("failed to build engines: %w", err)
	}
	defer closeEngines()

	publisher := narration.NewBusPublisher(busClient, r.logger)
	coordinator := narration.NewCoordinator(store, synth, captioner, r.cfg.Speech, r.cfg.Generation, publisher, r.logger)
	defer coordinator.Close()

	playbackSvc := playback.NewService(store, r.logger)

	handlers := newHandlers(busClient, coordinator, playbackSvc, r.logger)
	if err := handlers.subscribe(); err != nil {
		return fmt.Errorf("failed to subscribe handlers: %w", err)
	}
	defer handlers.drain()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildEngines constructs the synthesizer and captioner per configuration.
// The returned closer stops any exec workers it started.
func (r *Runtime) buildEngines() (engine.Synthesizer, engine.Captioner, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var synth engine.Synthesizer
	switch r.cfg.Speech.Mode {
	case "mock":
		synth = engine.NewMockSynthesizer(r.cfg.Speech.SampleRate, r.cfg.Speech.Channels)
	case "exec":
		s, worker, err := engine.NewExecSynthesizer(r.cfg.Speech, r.logger)
		if err != nil {
			return nil, nil, nil, err
		}
		closers = append(closers, worker.Close)
		synth = s
	case "http":
		synth = engine.NewHTTPSynthesizer(r.cfg.Speech)
	default:
		return nil, nil, nil, fmt.Errorf("unknown speech mode %q", r.cfg.Speech.Mode)
	}

	var captioner engine.Captioner
	if r.cfg.Vision.Enabled {
		switch r.cfg.Vision.Mode {
		case "mock":
			captioner = engine.NewMockCaptioner()
		case "exec":
			c, worker, err := engine.NewExecCaptioner(r.cfg.Vision, r.logger)
			if err != nil {
				closeAll()
				return nil, nil, nil, err
			}
			closers = append(closers, worker.Close)
			captioner = c
		default:
			closeAll()
			return nil, nil, nil, fmt.Errorf("unknown vision mode %q", r.cfg.Vision.Mode)
		}
	}

	return synth, captioner, closeAll, nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
