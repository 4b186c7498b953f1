// Package deps carries the server's shared dependencies. One container
// is assembled at startup and handed to the app, which fans the fields
// out to the router, the handlers and the lifecycle hooks.
package deps

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/voxlane/voxlane/pkg/alert"
	"github.com/voxlane/voxlane/pkg/enginepool"
	"github.com/voxlane/voxlane/pkg/events"
	"github.com/voxlane/voxlane/pkg/jobs"
	"github.com/voxlane/voxlane/pkg/ratelimit"
	"github.com/voxlane/voxlane/pkg/storage"
	"github.com/voxlane/voxlane/pkg/transcribe"
)

// Deps holds the server's dependencies. Registry, Pool and Orchestrator
// are required; everything else is optional and the surface shrinks
// gracefully when a field is nil.
type Deps struct {
	// Registry holds the live job records.
	Registry *jobs.Registry

	// Pool is the engine pool the orchestrator leases from.
	Pool *enginepool.Pool

	// Orchestrator executes submitted transcription jobs.
	Orchestrator *transcribe.Service

	// Broadcaster fans job status events out to observers. Optional;
	// without it there is no websocket gateway.
	Broadcaster *events.Broadcaster

	// Limiter is the admission controller. Optional; without it no
	// request is ever rejected for rate.
	Limiter *ratelimit.Limiter

	// Storage persists finished-job history. Optional.
	Storage storage.Backend

	// Alerter forwards lifecycle events to an external webhook.
	// Optional.
	Alerter *alert.Webhook

	// Logger is the base logger for server components.
	Logger *zerolog.Logger

	// Ready is the readiness flag served by /readyz.
	Ready *atomic.Bool

	// UploadDir is where uploaded audio files land. Empty disables
	// uploads.
	UploadDir string
}

// New creates a container around the required dependencies. The server
// starts not ready.
func New(registry *jobs.Registry, pool *enginepool.Pool, orchestrator *transcribe.Service, logger *zerolog.Logger) *Deps {
	return &Deps{
		Registry:     registry,
		Pool:         pool,
		Orchestrator: orchestrator,
		Logger:       logger,
		Ready:        &atomic.Bool{},
	}
}

// WithBroadcaster attaches the event broadcaster.
func (d *Deps) WithBroadcaster(b *events.Broadcaster) *Deps {
	d.Broadcaster = b
	return d
}

// WithLimiter attaches the admission controller.
func (d *Deps) WithLimiter(l *ratelimit.Limiter) *Deps {
	d.Limiter = l
	return d
}

// WithStorage attaches the history backend.
func (d *Deps) WithStorage(s storage.Backend) *Deps {
	d.Storage = s
	return d
}

// WithAlerter attaches the webhook alerter.
func (d *Deps) WithAlerter(a *alert.Webhook) *Deps {
	d.Alerter = a
	return d
}

// WithUploadDir sets the destination for uploaded audio.
func (d *Deps) WithUploadDir(dir string) *Deps {
	d.UploadDir = dir
	return d
}

// SetReady marks the server ready to receive traffic.
func (d *Deps) SetReady() {
	d.Ready.Store(true)
}

// SetNotReady marks the server as draining or not yet up.
func (d *Deps) SetNotReady() {
	d.Ready.Store(false)
}

// IsReady reports the current readiness state.
func (d *Deps) IsReady() bool {
	return d.Ready.Load()
}
