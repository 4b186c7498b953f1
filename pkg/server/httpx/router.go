// Package httpx assembles the HTTP surface of the voxlane server: the
// route table, CORS, admission control, and transport-level access
// logging. Handlers live in pkg/server/api/v1; this package only decides
// which of them are mounted and what wraps them.
package httpx

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/voxlane/voxlane/pkg/config"
	"github.com/voxlane/voxlane/pkg/server/api"
	v1 "github.com/voxlane/voxlane/pkg/server/api/v1"
)

// HealthzHandler reports process liveness. It has no dependencies on
// purpose: if this handler answers, the process is alive.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// NewRouter builds the route table from whatever dependencies are
// present. Optional dependencies that are absent leave their routes
// unmounted, so a partially wired server serves a smaller surface
// instead of failing requests with 500s.
func NewRouter(cfg config.ServerConfig, deps *api.Deps) http.Handler {
	logger := log.With().Str("component", "httpx.router").Logger()

	mux := http.NewServeMux()

	// Probes are always mounted.
	mux.HandleFunc("GET /healthz", HealthzHandler)
	mux.Handle("GET /readyz", v1.ReadyzHandler(deps.Ready))

	// The transcription service arrives untyped so the api package does
	// not import the orchestrator. Routes that need it stay unmounted
	// when it is absent or of the wrong type.
	var svc v1.TranscriptionService
	if deps.Transcriber == nil {
		logger.Info().Msg("Transcriber not provided - skipping transcription API routes")
	} else if s, ok := deps.Transcriber.(v1.TranscriptionService); ok {
		svc = s
	} else {
		logger.Warn().
			Str("expected", "v1.TranscriptionService").
			Msg("Transcriber type assertion failed")
	}

	mux.Handle("GET /api/v1/status", v1.StatusHandler(deps, svc))

	if deps.Registry != nil {
		mux.Handle("POST /api/v1/jobs", v1.CreateJobHandler(deps))
		mux.Handle("GET /api/v1/jobs", v1.ListJobsHandler(deps))
		mux.Handle("GET /api/v1/jobs/{id}", v1.GetJobHandler(deps))
		mux.Handle("DELETE /api/v1/jobs/{id}", v1.DeleteJobHandler(deps, svc))
		mux.Handle("GET /api/v1/jobs/{id}/result", v1.GetResultHandler(deps))
	}

	if svc != nil {
		logger.Info().Msg("mounting transcription API routes")
		mux.Handle("POST /api/v1/transcriptions", v1.SubmitTranscriptionsHandler(deps, svc))
		mux.Handle("POST /api/v1/transcriptions/{id}/cancel", v1.CancelTranscriptionHandler(deps, svc))
	}

	if deps.Storage != nil {
		mux.Handle("GET /api/v1/history", v1.ListHistoryHandler(deps))
		mux.Handle("GET /api/v1/history/{id}", v1.GetHistoryHandler(deps))
		mux.Handle("DELETE /api/v1/history/{id}", v1.DeleteHistoryHandler(deps))
	}

	if deps.Gateway != nil {
		mux.Handle("GET /api/v1/ws", deps.Gateway)
	}

	// Admission sits inside CORS so denied requests still carry CORS
	// headers, and inside the access log so denials show up in it.
	var handler http.Handler = mux
	handler = AdmissionMiddleware(cfg, deps.Limiter, handler)
	handler = CORSMiddleware(handler)
	handler = RequestLogMiddleware(handler)
	return handler
}
