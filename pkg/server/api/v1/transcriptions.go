package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxlane/voxlane/pkg/jobs"
	"github.com/voxlane/voxlane/pkg/server/api"
	"github.com/voxlane/voxlane/pkg/transcribe"
)

// defaultWaitSeconds is the wait-mode deadline applied when the request
// does not carry one.
const defaultWaitSeconds = 3600

// TranscriptionService defines the interface for transcription operations
// as consumed by the HTTP layer. *transcribe.Service implements it; tests
// substitute their own.
type TranscriptionService interface {
	// Submit dispatches a batch and, in wait mode, blocks until every job
	// settles or the deadline passes.
	Submit(ctx context.Context, params transcribe.SubmitParams) (*transcribe.SubmitResult, error)

	// Cancel stops one processing job and resets it to uploaded.
	Cancel(ctx context.Context, jobID string) (*transcribe.CancelResult, error)

	// Stats reports orchestrator activity counters.
	Stats() transcribe.Stats
}

// SubmitTranscriptionsRequest represents the request body for starting
// transcriptions.
type SubmitTranscriptionsRequest struct {
	// JobIDs are the registered jobs to transcribe. Required.
	JobIDs []string `json:"job_ids"`

	// Language and Hotword are recognition options applied to every job
	// in the batch.
	Language string `json:"language,omitempty"`
	Hotword  string `json:"hotword,omitempty"`

	// Wait blocks the request until the batch settles. Defaults to true.
	Wait *bool `json:"wait,omitempty"`

	// TimeoutSeconds caps a wait-mode request. Defaults to 3600.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// SubmitTranscriptionsHandler handles POST /api/v1/transcriptions
//
// Request body:
//
//	{
//	  "job_ids": ["a1b2", "c3d4"],  // Required
//	  "language": "en",             // Optional
//	  "hotword": "voxlane",         // Optional
//	  "wait": true,                 // Optional, default true
//	  "timeout_seconds": 600        // Optional, default 3600
//	}
//
// A wait-mode request blocks until every job reaches a terminal state and
// returns 200 with per-job outcomes; hitting the deadline returns 202 with
// the pending ids. A non-wait request returns 202 as soon as the batch is
// dispatched. Unknown ids get 404, jobs already processing get 409, and a
// stopped orchestrator gets 503. A rejected batch starts nothing.
func SubmitTranscriptionsHandler(deps *api.Deps, svc TranscriptionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Setup structured logger with operation context
		logger := log.With().
			Str("component", "api.transcriptions").
			Str("op", "submit").
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

		r.Body = http.MaxBytesReader(w, r.Body, deps.Config.MaxBodyBytes)

		var req SubmitTranscriptionsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			statusCode = http.StatusBadRequest
			logger.Error().
				Err(err).
				Str("error_code", "INVALID_REQUEST_BODY").
				Msg("failed to decode request")
			api.WriteJSONError(w, statusCode, "Bad Request", "INVALID_REQUEST_BODY", "invalid request body: "+err.Error())
			return
		}

		if err := ParseSubmitRequest(req); err != nil {
			statusCode = http.StatusBadRequest
			logger.Error().
				Err(err).
				Str("error_code", "INVALID_INPUT").
				Msg("validation failed: submit request")
			api.WriteJSONError(w, statusCode, "Bad Request", "INVALID_INPUT", err.Error())
			return
		}

		wait := true
		if req.Wait != nil {
			wait = *req.Wait
		}
		timeout := time.Duration(defaultWaitSeconds) * time.Second
		if req.TimeoutSeconds > 0 {
			timeout = time.Duration(req.TimeoutSeconds) * time.Second
		}

		// Wait-mode requests manage their own deadline; the shared handler
		// timeout would cut long batches short, so it is not applied here.
		result, err := svc.Submit(r.Context(), transcribe.SubmitParams{
			JobIDs:   req.JobIDs,
			Language: req.Language,
			Hotword:  req.Hotword,
			Wait:     wait,
			Timeout:  timeout,
		})
		if err != nil {
			statusCode = api.WriteError(w, r, err)
			return
		}

		statusCode = http.StatusOK
		if result.Status != "completed" {
			statusCode = http.StatusAccepted
		}

		logger.Info().
			Int("jobs", len(result.JobIDs)).
			Bool("wait", wait).
			Str("result_status", result.Status).
			Msg("batch submitted")

		api.WriteJSON(w, statusCode, result)
	}
}

// CancelTranscriptionHandler handles POST /api/v1/transcriptions/{id}/cancel
//
// Stops the job's in-flight work and resets it to uploaded with progress 0
// so it can be resubmitted. Only valid while the job is processing; any
// other state gets 409.
//
// Response format:
//
//	{"job_id": "a1b2", "message": "transcription stopped"}
func CancelTranscriptionHandler(deps *api.Deps, svc TranscriptionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With().
			Str("component", "api.transcriptions").
			Str("op", "cancel").
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

		id := r.PathValue("id")
		if err := ValidateJobID(id); err != nil {
			statusCode = http.StatusBadRequest
			api.WriteJSONError(w, statusCode, "Bad Request", "INVALID_JOB_ID", err.Error())
			return
		}

		result, err := svc.Cancel(r.Context(), id)
		if err != nil {
			statusCode = api.WriteError(w, r, err)
			return
		}

		statusCode = http.StatusOK
		logger.Info().Str("job_id", id).Msg("transcription cancelled")
		api.WriteJSON(w, statusCode, result)
	}
}

// JobResultResponse represents the response for fetching a finished
// transcript.
type JobResultResponse struct {
	JobID  string                 `json:"job_id"`
	Name   string                 `json:"name"`
	Result *jobs.TranscriptResult `json:"result"`
}

// GetResultHandler handles GET /api/v1/jobs/{id}/result
//
// Returns the transcript of a completed job. A job that failed gets 409
// with the failure message; a job still uploaded or processing gets 409
// telling the caller to come back later.
func GetResultHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With().
			Str("component", "api.transcriptions").
			Str("op", "result").
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

		id := r.PathValue("id")
		if err := ValidateJobID(id); err != nil {
			statusCode = http.StatusBadRequest
			api.WriteJSONError(w, statusCode, "Bad Request", "INVALID_JOB_ID", err.Error())
			return
		}

		job, err := deps.Registry.Get(id)
		if err != nil {
			statusCode = api.WriteError(w, r, err)
			return
		}

		switch job.Status {
		case jobs.StatusCompleted:
			statusCode = http.StatusOK
			api.WriteJSON(w, statusCode, JobResultResponse{
				JobID:  job.ID,
				Name:   job.Name,
				Result: job.Result,
			})
		case jobs.StatusError:
			statusCode = http.StatusConflict
			msg := job.ErrorMessage
			if msg == "" {
				msg = "transcription failed"
			}
			api.WriteJSONError(w, statusCode, "Conflict", "TRANSCRIPTION_FAILED", msg)
		default:
			statusCode = http.StatusConflict
			api.WriteJSONError(w, statusCode, "Conflict", "RESULT_NOT_READY",
				"job is "+job.Status.String()+"; the result is available once it completes")
		}
	}
}
