package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatterlabs/chatter-core/internal/bus"
	"github.com/chatterlabs/chatter-core/internal/config"
	"github.com/chatterlabs/chatter-core/internal/eventstore"
	"github.com/chatterlabs/chatter-core/internal/gpuprobe"
	"github.com/chatterlabs/chatter-core/internal/modelcache"
	"github.com/chatterlabs/chatter-core/internal/natsserver"
	"github.com/chatterlabs/chatter-core/internal/service"
	"github.com/chatterlabs/chatter-core/internal/synth"
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	svc        *service.Service
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires the daemon together and blocks until ctx is cancelled, then
// tears down in reverse order: stop intake, drain the model cache, close
// storage and transport.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	defer busClient.Close()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	loader, err := buildLoader(r.cfg.Model, r.logger)
	if err != nil {
		return err
	}
	probe, err := buildProbe(r.cfg.Probe, r.logger)
	if err != nil {
		return err
	}

	cache := modelcache.New(r.cfg.Cache, loader, probe, store, r.logger)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		cache.Run(ctx)
	}()

	r.svc = service.New(ctx, r.cfg.Model, busClient, cache, probe, r.logger)
	if err := r.svc.Start(); err != nil {
		return fmt.Errorf("start tts service: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)

	var metricsServer *http.Server
	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
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
	r.logger.Info("chatterd started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("chatterd stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	// New requests stop before the cache drains so its leases can reach zero.
	r.svc.Close()
	if err := cache.Close(shutdownCtx); err != nil {
		r.logger.Error("model cache shutdown error", slog.String("error", err.Error()))
	}
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics server shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if shutdownTelemetry != nil {
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func buildLoader(cfg config.ModelConfig, logger *slog.Logger) (modelcache.Loader, error) {
	switch cfg.Mode {
	case "exec":
		return synth.NewExecLoader(cfg, logger)
	default:
		return &synth.MockLoader{
			LoadDelay:  100 * time.Millisecond,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
		}, nil
	}
}

func buildProbe(cfg config.ProbeConfig, logger *slog.Logger) (gpuprobe.Probe, error) {
	switch cfg.Mode {
	case "exec":
		return gpuprobe.NewExecProbe(cfg.Command, logger)
	default:
		return gpuprobe.Disabled(), nil
	}
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

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if r.svc == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.svc.Status()); err != nil {
		r.logger.Warn("failed to encode status", slog.String("error", err.Error()))
	}
}
