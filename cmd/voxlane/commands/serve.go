package commands

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/voxlane/voxlane/cmd/voxlane/internal/bind"
	"github.com/voxlane/voxlane/pkg/alert"
	"github.com/voxlane/voxlane/pkg/config"
	"github.com/voxlane/voxlane/pkg/enginepool"
	"github.com/voxlane/voxlane/pkg/events"
	"github.com/voxlane/voxlane/pkg/jobs"
	"github.com/voxlane/voxlane/pkg/ratelimit"
	"github.com/voxlane/voxlane/pkg/server/app"
	"github.com/voxlane/voxlane/pkg/server/deps"
	"github.com/voxlane/voxlane/pkg/storage"
	"github.com/voxlane/voxlane/pkg/transcribe"
)

// NewServeCommand returns the serve command, which assembles the full
// service stack from configuration and runs it until interrupted.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transcription HTTP service",
		Long: `Starts the HTTP API, the websocket event gateway and the transcription
workers, and blocks until the process is interrupted. Configuration comes
from the config file and environment; the flags below override it.`,
		GroupID: "service",
		Args:    cobra.NoArgs,
		RunE:    runServeCommand,
	}

	cmd.Flags().String("host", "0.0.0.0", "Listen address")
	cmd.Flags().IntP("port", "p", 8998, "Listen port")
	cmd.Flags().Int("workers", 12, "Concurrent transcriptions")
	cmd.Flags().Bool("simulate", false, "Use the built-in simulated engine regardless of config")

	return cmd
}

func runServeCommand(cmd *cobra.Command, args []string) error {
	cfg := config.FromContext(cmd.Context())

	opts, err := bind.BindServeOptions(cmd)
	if err != nil {
		return err
	}
	opts.Apply(&cfg)

	logger := log.With().Str("command", "serve").Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := jobs.NewRegistry()

	pool, err := enginepool.New(enginepool.Config{
		InitialSize:    cfg.Pool.InitialSize,
		MinSize:        cfg.Pool.MinSize,
		MaxSize:        cfg.Pool.MaxSize,
		MaxIdleTime:    time.Duration(cfg.Pool.MaxIdleMinutes) * time.Minute,
		HealthInterval: time.Duration(cfg.Pool.HealthIntervalSec) * time.Second,
	}, engineFactory(cfg.Engine, opts.Simulate), logger)
	if err != nil {
		return fmt.Errorf("create engine pool: %w", err)
	}

	backend, err := storage.NewLocalBackend(ctx, &storage.Config{
		WorkspaceRoot: cfg.Storage.WorkspaceRoot,
		Retention: storage.RetentionConfig{
			MaxAgeDays: cfg.Storage.MaxAgeDays,
			MaxRecords: cfg.Storage.MaxRecords,
		},
	})
	if err != nil {
		return fmt.Errorf("create storage backend: %w", err)
	}

	broadcaster := events.NewBroadcaster(logger)
	limiter := ratelimit.New(ratelimit.Config{
		Enabled:            cfg.Admission.Enabled,
		PerMinute:          cfg.Admission.PerMinute,
		PerHour:            cfg.Admission.PerHour,
		PerOriginPerMinute: cfg.Admission.PerOriginPerMinute,
	}, logger)

	orchestrator := transcribe.NewService(registry, pool, logger).
		WithWorkers(cfg.Orchestrator.Workers).
		WithAcquireTimeout(time.Duration(cfg.Orchestrator.AcquireTimeoutSec) * time.Second).
		WithBroadcaster(broadcaster).
		WithHistory(backend.History())

	d := deps.New(registry, pool, orchestrator, &logger).
		WithBroadcaster(broadcaster).
		WithLimiter(limiter).
		WithStorage(backend).
		WithUploadDir(backend.UploadDir())

	if cfg.Alert.BaseURL != "" && cfg.Alert.Token != "" {
		alerter := alert.NewWebhook(alert.Config{
			BaseURL:    cfg.Alert.BaseURL,
			Token:      cfg.Alert.Token,
			WorkflowID: cfg.Alert.WorkflowID,
			UserID:     cfg.Alert.UserID,
		}, logger)
		orchestrator.WithAlerter(alerter)
		d.WithAlerter(alerter)
		logger.Info().Str("base_url", cfg.Alert.BaseURL).Msg("webhook alerter enabled")
	}

	application, err := app.New(ctx, cfg.Server, d)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Int("workers", cfg.Orchestrator.Workers).
		Msg("starting voxlane server")

	return application.Run(ctx)
}

// engineFactory selects the recognition engine: the configured external
// command when there is one, the simulated engine otherwise or when
// forced with --simulate.
func engineFactory(cfg config.EngineConfig, simulate bool) enginepool.Factory {
	if simulate || strings.TrimSpace(cfg.Command) == "" {
		return transcribe.NewSimFactory(cfg.SimSteps, time.Duration(cfg.SimStepDelayMs)*time.Millisecond)
	}
	return transcribe.NewExecFactory(transcribe.ExecConfig{
		Command: cfg.Command,
		Args:    cfg.Args,
		Options: cfg.Options,
		Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
	})
}
