package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"inferd/internal/backend"
	"inferd/internal/common/fsutil"
	"inferd/internal/config"
	"inferd/internal/events"
	"inferd/internal/health"
	"inferd/internal/httpapi"
	"inferd/internal/inference"
	"inferd/internal/logging"
	"inferd/internal/orchestrator"
	"inferd/internal/registry"
	"inferd/internal/supervisor"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// logSink mirrors orchestrator events into the process log.
type logSink struct{ log zerolog.Logger }

func (s logSink) Publish(e events.Event) {
	var ev *zerolog.Event
	switch e.Kind {
	case events.KindError:
		ev = s.log.Error()
	case events.KindWarning:
		ev = s.log.Warn()
	case events.KindResult, events.KindChatReply:
		ev = s.log.Debug()
	default:
		ev = s.log.Info()
	}
	ev.Str("event", string(e.Kind)).Str("source", e.Source).Str("job", e.JobID).Int("index", e.Index).Msg(e.Text)
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	dbg, err := logging.OpenDebugLog(cfg.DebugLogPath)
	if err != nil {
		return err
	}
	defer dbg.Close()

	modelsDir, err := fsutil.EnsureDir(cfg.ModelsDir)
	if err != nil {
		return fmt.Errorf("models dir: %w", err)
	}
	binDir, err := fsutil.ExpandHome(cfg.BinDir)
	if err != nil {
		return fmt.Errorf("bin dir: %w", err)
	}

	bus := events.NewBroadcaster(logging.Component(log, "events"), logSink{log: logging.Component(log, "events")})
	defer bus.Close()

	reg := registry.New(modelsDir, cfg.ModelExt)
	sel := backend.NewSelector(binDir, logging.Component(log, "backend"))
	sup := supervisor.New(supervisor.Config{
		BinDir:       binDir,
		Host:         cfg.ServerHost,
		Port:         cfg.ServerPort,
		CtxSize:      cfg.CtxSize,
		BatchSize:    cfg.BatchSize,
		GPULayers:    cfg.GPULayers,
		ReadyTimeout: config.Seconds(cfg.ReadyTimeoutSec),
		StopTimeout:  config.Seconds(cfg.StopTimeoutSec),
	}, bus, logging.Component(log, "supervisor"))
	sup.SetDebugLog(dbg.Logger)
	cli := inference.NewClient(sup.BaseURL(), bus, logging.Component(log, "inference"))

	orch := orchestrator.New(orchestrator.Options{
		BackendPreference: cfg.Backend,
		DefaultModel:      cfg.DefaultModel,
		DispatchWait:      config.Seconds(cfg.DispatchWaitSec),
		Health: health.Config{
			Interval:    config.Seconds(cfg.HealthIntervalSec),
			Timeout:     config.Seconds(cfg.HealthTimeoutSec),
			MaxFailures: cfg.HealthMaxFailures,
		},
		RestartEvery: config.Seconds(cfg.RestartIntervalSec),
		DebugLog:     dbg.Logger,
	}, orchestrator.Deps{
		Registry:   reg,
		Supervisor: sup,
		Client:     cli,
		Detector:   sel,
		Publisher:  bus,
	}, logging.Component(log, "orchestrator"))

	httpapi.SetLogger(logging.Component(log, "http"))
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSOrigins, nil, nil)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(httpapi.NewService(orch, bus)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("event", "listen").Str("addr", cfg.Addr).Str("models_dir", modelsDir).Str("bin_dir", binDir).Msg("inferd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Str("event", "shutdown").Msg("signal received")
	case serveErr = <-errc:
		if serveErr != nil {
			log.Error().Err(serveErr).Str("event", "listen_failed").Msg("")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Str("event", "http_shutdown").Msg("graceful shutdown error")
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Str("event", "orchestrator_shutdown").Msg("")
	}
	return serveErr
}
