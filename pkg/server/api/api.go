package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/voxlane/voxlane/pkg/enginepool"
	"github.com/voxlane/voxlane/pkg/events"
	"github.com/voxlane/voxlane/pkg/jobs"
	"github.com/voxlane/voxlane/pkg/ratelimit"
	"github.com/voxlane/voxlane/pkg/storage"
)

// Deps holds dependencies for API handlers.
// This pattern enables dependency injection and easier testing.
type Deps struct {
	// Registry holds the live job records. Job routes are only mounted
	// when it is present.
	Registry *jobs.Registry

	// Transcriber executes submitted jobs.
	// Actual type: *transcribe.Service (must implement v1.TranscriptionService interface)
	// Type asserted in router to v1.TranscriptionService
	Transcriber any

	// Pool is the engine pool behind the orchestrator; surfaced by the
	// status endpoint. Optional.
	Pool *enginepool.Pool

	// Broadcaster distributes job lifecycle events. The delete handler
	// publishes the terminal deleted event through it. Optional.
	Broadcaster *events.Broadcaster

	// Limiter is the admission controller consulted by the router's
	// admission middleware. Optional; no middleware when nil.
	Limiter *ratelimit.Limiter

	// Storage persists finished-job history records. History routes are
	// only mounted when a backend is present.
	Storage storage.Backend

	// Gateway is the websocket event gateway, mounted at /api/v1/ws when
	// present.
	Gateway http.Handler

	// UploadDir is where uploaded audio lands. Multipart uploads are
	// rejected when empty.
	UploadDir string

	// Config holds API-level configuration (timeouts, limits, etc.)
	Config Config

	// Ready flag for readiness check
	Ready *atomic.Bool

	// StartedAt feeds the status endpoint's uptime field.
	StartedAt time.Time
}

// Config bounds individual API requests.
type Config struct {
	// HandlerTimeout caps registry and history handlers. Wait-mode
	// transcription requests manage their own, much longer deadline and
	// are exempt.
	HandlerTimeout time.Duration

	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes int64

	// MaxUploadBytes caps one multipart upload request.
	MaxUploadBytes int64
}

// DefaultConfig returns the API limits used when the caller provides none.
func DefaultConfig() Config {
	return Config{
		HandlerTimeout: 30 * time.Second,
		MaxBodyBytes:   1 << 20,
		MaxUploadBytes: 512 << 20,
	}
}
