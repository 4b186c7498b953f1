package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxlane/voxlane/pkg/server/api"
	"github.com/voxlane/voxlane/pkg/storage"
)

// HistoryListResponse represents the response for listing history records.
type HistoryListResponse struct {
	Records []*storage.HistoryRecord `json:"records"`
	Count   int                      `json:"count"`
}

// ListHistoryHandler handles GET /api/v1/history
//
// Returns persisted records of finished transcriptions, newest first.
// History outlives the in-memory registry, so this is the place to look
// for jobs that were deleted or ran before the last restart.
//
// Query parameters:
//   - status: filter by terminal status (completed, error)
//   - name: filter by display-name substring
//   - language: filter by exact language hint
//   - limit: page size, 1-500 (default 50)
//   - offset: records to skip
func ListHistoryHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With().
			Str("component", "api.history").
			Str("op", "list").
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

		// Apply handler timeout if the request doesn't already have a deadline
		ctx := r.Context()
		if _, hasDeadline := ctx.Deadline(); !hasDeadline && deps.Config.HandlerTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, deps.Config.HandlerTimeout)
			defer cancel()
		}

		filter, err := ParseHistoryQuery(r)
		if err != nil {
			statusCode = http.StatusBadRequest
			api.WriteJSONError(w, statusCode, "Bad Request", "INVALID_QUERY", err.Error())
			return
		}

		records, err := deps.Storage.History().List(ctx, filter)
		if err != nil {
			logger.Error().Err(err).Msg("history list failed")
			statusCode = api.WriteError(w, r, err)
			return
		}

		statusCode = http.StatusOK
		api.WriteJSON(w, statusCode, HistoryListResponse{Records: records, Count: len(records)})
	}
}

// GetHistoryHandler handles GET /api/v1/history/{id}
//
// Returns the persisted record of one finished transcription, including
// the transcript text. Returns 404 if the job never finished or its
// record was deleted.
func GetHistoryHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With().
			Str("component", "api.history").
			Str("op", "get").
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

		ctx := r.Context()
		if _, hasDeadline := ctx.Deadline(); !hasDeadline && deps.Config.HandlerTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, deps.Config.HandlerTimeout)
			defer cancel()
		}

		id := r.PathValue("id")
		if err := ValidateJobID(id); err != nil {
			statusCode = http.StatusBadRequest
			api.WriteJSONError(w, statusCode, "Bad Request", "INVALID_JOB_ID", err.Error())
			return
		}

		rec, err := deps.Storage.History().Get(ctx, id)
		if err != nil {
			statusCode = api.WriteError(w, r, err)
			return
		}

		statusCode = http.StatusOK
		api.WriteJSON(w, statusCode, rec)
	}
}

// DeleteHistoryHandler handles DELETE /api/v1/history/{id}
//
// Removes the persisted record. The in-memory job, if still registered,
// is untouched.
//
// Response format:
//
//	{"message": "history record deleted", "job_id": "..."}
func DeleteHistoryHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With().
			Str("component", "api.history").
			Str("op", "delete").
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

		ctx := r.Context()
		if _, hasDeadline := ctx.Deadline(); !hasDeadline && deps.Config.HandlerTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, deps.Config.HandlerTimeout)
			defer cancel()
		}

		id := r.PathValue("id")
		if err := ValidateJobID(id); err != nil {
			statusCode = http.StatusBadRequest
			api.WriteJSONError(w, statusCode, "Bad Request", "INVALID_JOB_ID", err.Error())
			return
		}

		if err := deps.Storage.History().Delete(ctx, id); err != nil {
			statusCode = api.WriteError(w, r, err)
			return
		}

		statusCode = http.StatusOK
		logger.Info().Str("job_id", id).Msg("history record deleted")
		api.WriteJSON(w, statusCode, map[string]any{
			"message": "history record deleted",
			"job_id":  id,
		})
	}
}
