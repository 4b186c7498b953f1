package v1

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxlane/voxlane/pkg/enginepool"
	"github.com/voxlane/voxlane/pkg/jobs"
	"github.com/voxlane/voxlane/pkg/ratelimit"
	"github.com/voxlane/voxlane/pkg/server/api"
	"github.com/voxlane/voxlane/pkg/transcribe"
)

// JobCounts breaks the registry down by lifecycle state.
type JobCounts struct {
	Total      int `json:"total"`
	Uploaded   int `json:"uploaded"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Error      int `json:"error"`
}

// StatusResponse represents the service status snapshot.
type StatusResponse struct {
	Status        string    `json:"status"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Jobs          JobCounts `json:"jobs"`

	// Orchestrator, EnginePool and Admission are omitted when the
	// corresponding subsystem is not attached.
	Orchestrator *transcribe.Stats `json:"orchestrator,omitempty"`
	EnginePool   *enginepool.Stats `json:"engine_pool,omitempty"`
	Admission    *ratelimit.Stats  `json:"admission,omitempty"`
}

// StatusHandler handles GET /api/v1/status
//
// Returns one snapshot covering the job registry, the orchestrator's
// worker and queue counters, the engine pool, and the admission limiter.
//
// Response format:
//
//	{
//	  "status": "ok",
//	  "uptime_seconds": 4211,
//	  "jobs": {"total": 12, "uploaded": 3, "processing": 2, "completed": 6, "error": 1},
//	  "orchestrator": {"workers": 12, "busy_workers": 2, "queue_depth": 0, ...},
//	  "engine_pool": {"current_size": 2, "available_count": 0, ...},
//	  "admission": {"minute_tokens": 30, "hour_tokens": 221, "origin_count": 4}
//	}
func StatusHandler(deps *api.Deps, svc TranscriptionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With().
			Str("component", "api.status").
			Str("op", "status").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger()

		start := time.Now()
		var statusCode int
		defer func() {
			logger.Info().
				Int("status", statusCode).
				Dur("duration_ms", time.Since(start)).
				Msg("request completed")
		}()

		resp := StatusResponse{Status: "ok"}
		if !deps.StartedAt.IsZero() {
			resp.UptimeSeconds = int64(time.Since(deps.StartedAt).Seconds())
		}

		if deps.Registry != nil {
			for _, j := range deps.Registry.List() {
				resp.Jobs.Total++
				switch j.Status {
				case jobs.StatusUploaded:
					resp.Jobs.Uploaded++
				case jobs.StatusProcessing:
					resp.Jobs.Processing++
				case jobs.StatusCompleted:
					resp.Jobs.Completed++
				case jobs.StatusError:
					resp.Jobs.Error++
				}
			}
		}

		if svc != nil {
			stats := svc.Stats()
			resp.Orchestrator = &stats
		}
		if deps.Pool != nil {
			stats := deps.Pool.Stats()
			resp.EnginePool = &stats
		}
		if deps.Limiter != nil {
			stats := deps.Limiter.Stats()
			resp.Admission = &stats
		}

		statusCode = http.StatusOK
		api.WriteJSON(w, statusCode, resp)
	}
}
