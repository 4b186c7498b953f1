// Package app ties the server together: it builds the HTTP stack from
// the dependency container, runs it, and tears everything down in order
// when the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxlane/voxlane/pkg/config"
	"github.com/voxlane/voxlane/pkg/server/api"
	"github.com/voxlane/voxlane/pkg/server/deps"
	"github.com/voxlane/voxlane/pkg/server/httpx"
	"github.com/voxlane/voxlane/pkg/server/ws"
)

// defaultShutdownTimeout bounds graceful teardown when the config does
// not say otherwise.
const defaultShutdownTimeout = 30 * time.Second

// App is the assembled server runtime.
type App struct {
	cfg    config.ServerConfig
	deps   *deps.Deps
	logger zerolog.Logger

	gateway *ws.Gateway
	server  *http.Server

	mu   sync.Mutex
	addr net.Addr
}

// New assembles the server. Registry, Pool and Orchestrator are
// required; optional dependencies shrink the mounted surface. When a
// storage backend is present it is initialized here so Run starts
// against a usable workspace.
func New(ctx context.Context, cfg config.ServerConfig, d *deps.Deps) (*App, error) {
	if d == nil {
		return nil, errors.New("app: dependencies are required")
	}
	if d.Registry == nil {
		return nil, errors.New("app: registry is required")
	}
	if d.Pool == nil {
		return nil, errors.New("app: engine pool is required")
	}
	if d.Orchestrator == nil {
		return nil, errors.New("app: orchestrator is required")
	}
	if d.Ready == nil {
		d.Ready = &atomic.Bool{}
	}

	logger := log.Logger
	if d.Logger != nil {
		logger = *d.Logger
	}
	logger = logger.With().Str("component", "app").Logger()

	if d.Storage != nil {
		if err := d.Storage.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("app: initialize storage: %w", err)
		}
	}

	var gateway *ws.Gateway
	if d.Broadcaster != nil {
		gateway = ws.NewGateway(d.Broadcaster, logger)
	}

	apiCfg := api.DefaultConfig()
	if cfg.UploadMaxMB > 0 {
		apiCfg.MaxUploadBytes = int64(cfg.UploadMaxMB) << 20
	}

	apiDeps := &api.Deps{
		Registry:    d.Registry,
		Transcriber: d.Orchestrator,
		Pool:        d.Pool,
		Broadcaster: d.Broadcaster,
		Limiter:     d.Limiter,
		Storage:     d.Storage,
		UploadDir:   d.UploadDir,
		Config:      apiCfg,
		Ready:       d.Ready,
		StartedAt:   time.Now(),
	}
	if gateway != nil {
		apiDeps.Gateway = gateway
	}

	server := &http.Server{
		Handler:           httpx.NewRouter(cfg, apiDeps),
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.IdleTimeoutSec) * time.Second,
		// No WriteTimeout: wait-mode submissions legitimately hold a
		// response open far longer than any sane global write deadline.
	}

	return &App{
		cfg:     cfg,
		deps:    d,
		logger:  logger,
		gateway: gateway,
		server:  server,
	}, nil
}

// Addr returns the bound listen address once Run has opened the
// listener, nil before that. Tests bind port 0 and read the real port
// from here.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Run starts the orchestrator and serves HTTP until ctx is cancelled,
// then tears the runtime down gracefully. It returns nil after a clean
// shutdown.
func (a *App) Run(ctx context.Context) error {
	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", addr, err)
	}

	a.mu.Lock()
	a.addr = listener.Addr()
	a.mu.Unlock()

	if err := a.deps.Orchestrator.Start(ctx); err != nil {
		_ = listener.Close()
		return fmt.Errorf("app: start orchestrator: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		err := a.server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	a.deps.SetReady()
	a.logger.Info().Str("addr", listener.Addr().String()).Msg("Server listening")

	select {
	case <-ctx.Done():
		a.logger.Info().Msg("Shutdown signal received")
	case err := <-serveErr:
		// The listener died underneath us. Tear the rest down so the
		// process exits consistently, then surface the cause.
		a.deps.SetNotReady()
		a.teardown()
		if err == nil {
			err = errors.New("app: server stopped unexpectedly")
		}
		return err
	}

	// Readiness drops first so load balancers drain before connections
	// are torn down.
	a.deps.SetNotReady()

	shutdownCtx, cancel := a.shutdownContext()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}
	cancel()
	<-serveErr

	a.teardown()
	return nil
}

func (a *App) shutdownContext() (context.Context, context.CancelFunc) {
	timeout := time.Duration(a.cfg.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}

// teardown releases the runtime's resources. The order matters: event
// transports close before producers, producers before the pool and the
// stores they write to.
func (a *App) teardown() {
	ctx, cancel := a.shutdownContext()
	defer cancel()

	if a.gateway != nil {
		a.gateway.Shutdown()
	}

	if err := a.deps.Orchestrator.Stop(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Orchestrator stop did not drain in time")
	}

	if err := a.deps.Pool.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Engine pool shutdown failed")
	}

	if a.deps.Broadcaster != nil {
		a.deps.Broadcaster.Shutdown()
	}

	if a.deps.Alerter != nil {
		a.deps.Alerter.Flush()
	}

	if a.deps.Storage != nil {
		if err := a.deps.Storage.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Storage close failed")
		}
	}

	a.logger.Info().Msg("Server stopped")
}
