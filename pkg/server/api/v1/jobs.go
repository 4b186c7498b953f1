package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxlane/voxlane/pkg/jobs"
	"github.com/voxlane/voxlane/pkg/server/api"
)

// DTO Evolution Policy
// The request/response payloads handled in this file are part of the public API
// contract. To evolve them safely without breaking existing clients:
//
// 1) Additive-only changes
//    - You MAY add new optional fields
//    - You MAY NOT remove or rename existing fields
//    - Breaking changes require a new API version (v2)
//
// 2) Zero-value semantics
//    - New fields MUST have safe zero-value behavior
//    - Prefer `omitempty` for optional JSON fields to preserve old behavior

// JobDTO represents a job record in API responses.
type JobDTO struct {
	// ID is the unique job identifier
	ID string `json:"id"`

	// Name is the human-facing label, usually the uploaded filename
	Name string `json:"name"`

	// Status is the lifecycle state (uploaded, processing, completed, error, deleted)
	Status string `json:"status"`

	// Progress is the last reported completion percentage, 0-100
	Progress int `json:"progress"`

	// ErrorMessage holds the failure or cancellation detail
	ErrorMessage string `json:"error_message,omitempty"`

	// Language and Hotword are the recognition options carried with the job
	Language string `json:"language,omitempty"`
	Hotword  string `json:"hotword,omitempty"`

	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	CompletedAt string `json:"completed_at,omitempty"`

	// Result is the transcript; only populated when the caller asked for it
	Result *jobs.TranscriptResult `json:"result,omitempty"`
}

// CreateJobRequest represents the JSON body for registering a job without
// an upload (the audio already lives somewhere the engine can reach).
type CreateJobRequest struct {
	// ID is optional; a UUID is generated when empty
	ID string `json:"id,omitempty"`

	// Name is the human-facing label
	Name string `json:"name"`

	// Source is the path or URL of the audio, handed to the engine as-is
	Source string `json:"source,omitempty"`

	// Language and Hotword are optional recognition options
	Language string `json:"language,omitempty"`
	Hotword  string `json:"hotword,omitempty"`
}

// UploadErrorDTO describes one rejected file in a multipart upload.
type UploadErrorDTO struct {
	Filename string `json:"filename"`
	Message  string `json:"message"`
}

// UploadResponse represents the response for a multipart upload.
type UploadResponse struct {
	// Jobs lists the registered jobs, one per accepted file
	Jobs []JobDTO `json:"jobs"`

	// Failed lists rejected files with the reason
	Failed []UploadErrorDTO `json:"failed,omitempty"`

	// Count is the number of jobs created
	Count int `json:"count"`
}

// ListJobsResponse represents the response for listing jobs.
type ListJobsResponse struct {
	Jobs  []JobDTO `json:"jobs"`
	Count int      `json:"count"`
}

// allowedAudioExt mirrors the formats the recognition engines accept.
var allowedAudioExt = map[string]struct{}{
	".mp3":  {},
	".wav":  {},
	".m4a":  {},
	".flac": {},
	".aac":  {},
	".ogg":  {},
	".wma":  {},
}

func allowedAudioFile(name string) bool {
	_, ok := allowedAudioExt[strings.ToLower(filepath.Ext(name))]
	return ok
}

func toJobDTO(j *jobs.Job, includeResult bool) JobDTO {
	dto := JobDTO{
		ID:           j.ID,
		Name:         j.Name,
		Status:       j.Status.String(),
		Progress:     j.Progress,
		ErrorMessage: j.ErrorMessage,
		Language:     j.Language,
		Hotword:      j.Hotword,
		CreatedAt:    j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    j.UpdatedAt.Format(time.RFC3339),
	}
	if !j.CompletedAt.IsZero() {
		dto.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}
	if includeResult {
		dto.Result = j.Result
	}
	return dto
}

// CreateJobHandler handles POST /api/v1/jobs
//
// Two request shapes are accepted:
//
// multipart/form-data uploads audio and registers one job per file:
//   - audio_file: the audio (field may repeat for a batch)
//   - language, hotword: optional recognition options for every file
//
// Any other content type is treated as a JSON registration:
//
//	{
//	  "name": "standup.wav",          // Required label
//	  "source": "/data/standup.wav",  // Optional path or URL for the engine
//	  "language": "en",               // Optional
//	  "hotword": "voxlane"            // Optional
//	}
//
// Response: 201 with the registered job(s); an upload where every file was
// rejected returns 400 with the per-file reasons.
func CreateJobHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Setup structured logger with operation context
		logger := log.With().
			Str("component", "api.jobs").
			Str("op", "create").
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

		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			statusCode = uploadJobs(w, r, deps, logger)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, deps.Config.MaxBodyBytes)

		var req CreateJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			statusCode = http.StatusBadRequest
			logger.Error().
				Err(err).
				Str("error_code", "INVALID_REQUEST_BODY").
				Msg("failed to decode request")
			api.WriteJSONError(w, statusCode, "Bad Request", "INVALID_REQUEST_BODY", "invalid request body: "+err.Error())
			return
		}

		if req.Name == "" {
			statusCode = http.StatusBadRequest
			logger.Error().Str("error_code", "NAME_REQUIRED").Msg("validation failed: create request")
			api.WriteJSONError(w, statusCode, "Bad Request", "NAME_REQUIRED", "name is required")
			return
		}
		if req.ID != "" {
			if err := ValidateJobID(req.ID); err != nil {
				statusCode = http.StatusBadRequest
				logger.Error().Str("error_code", "INVALID_JOB_ID").Msg("validation failed: create request")
				api.WriteJSONError(w, statusCode, "Bad Request", "INVALID_JOB_ID", err.Error())
				return
			}
		}

		id := req.ID
		if id == "" {
			id = uuid.NewString()
		}

		job := &jobs.Job{
			ID:       id,
			Name:     req.Name,
			Source:   req.Source,
			Language: req.Language,
			Hotword:  req.Hotword,
		}
		if err := deps.Registry.Add(job); err != nil {
			logger.Error().Err(err).Str("job_id", id).Msg("register failed")
			statusCode = api.WriteError(w, r, err)
			return
		}

		registered, err := deps.Registry.Get(id)
		if err != nil {
			statusCode = api.WriteError(w, r, err)
			return
		}

		statusCode = http.StatusCreated
		logger.Info().
			Str("job_id", id).
			Str("name", req.Name).
			Msg("job registered")

		api.WriteJSON(w, statusCode, toJobDTO(registered, false))
	}
}

// uploadJobs handles the multipart branch of CreateJobHandler. Returns the
// status code written, for the request-completed log.
func uploadJobs(w http.ResponseWriter, r *http.Request, deps *api.Deps, logger zerolog.Logger) int {
	if deps.UploadDir == "" {
		api.WriteJSONError(w, http.StatusServiceUnavailable, "Service Unavailable", "UPLOADS_DISABLED",
			"no upload directory configured")
		return http.StatusServiceUnavailable
	}

	r.Body = http.MaxBytesReader(w, r.Body, deps.Config.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		logger.Error().
			Err(err).
			Str("error_code", "INVALID_MULTIPART").
			Msg("failed to parse multipart form")
		api.WriteJSONError(w, http.StatusBadRequest, "Bad Request", "INVALID_MULTIPART",
			"invalid multipart form: "+err.Error())
		return http.StatusBadRequest
	}

	files := r.MultipartForm.File["audio_file"]
	if len(files) == 0 {
		api.WriteJSONError(w, http.StatusBadRequest, "Bad Request", "AUDIO_FILE_REQUIRED",
			"form field audio_file is required")
		return http.StatusBadRequest
	}

	language := r.FormValue("language")
	hotword := r.FormValue("hotword")

	resp := UploadResponse{Jobs: make([]JobDTO, 0, len(files))}
	for _, fh := range files {
		dto, err := saveUpload(deps, fh, language, hotword)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("filename", fh.Filename).
				Msg("upload rejected")
			resp.Failed = append(resp.Failed, UploadErrorDTO{Filename: fh.Filename, Message: err.Error()})
			continue
		}
		resp.Jobs = append(resp.Jobs, dto)
	}
	resp.Count = len(resp.Jobs)

	logger.Info().
		Int("accepted", resp.Count).
		Int("rejected", len(resp.Failed)).
		Msg("upload processed")

	statusCode := http.StatusCreated
	if resp.Count == 0 {
		statusCode = http.StatusBadRequest
	}
	api.WriteJSON(w, statusCode, resp)
	return statusCode
}

// saveUpload stores one uploaded file and registers its job. The stored
// file is named after the job id so deletes can find it again.
func saveUpload(deps *api.Deps, fh *multipart.FileHeader, language, hotword string) (JobDTO, error) {
	name := filepath.Base(fh.Filename)
	if !allowedAudioFile(name) {
		return JobDTO{}, fmt.Errorf("unsupported format %q (supported: mp3, wav, m4a, flac, aac, ogg, wma)",
			filepath.Ext(name))
	}

	src, err := fh.Open()
	if err != nil {
		return JobDTO{}, fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = src.Close() }()

	if err := os.MkdirAll(deps.UploadDir, 0o755); err != nil {
		return JobDTO{}, fmt.Errorf("create upload dir: %w", err)
	}

	id := uuid.NewString()
	dstPath := filepath.Join(deps.UploadDir, id+strings.ToLower(filepath.Ext(name)))
	dst, err := os.Create(dstPath)
	if err != nil {
		return JobDTO{}, fmt.Errorf("store upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(dstPath)
		return JobDTO{}, fmt.Errorf("store upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(dstPath)
		return JobDTO{}, fmt.Errorf("store upload: %w", err)
	}

	job := &jobs.Job{
		ID:       id,
		Name:     name,
		Source:   dstPath,
		Language: language,
		Hotword:  hotword,
	}
	if err := deps.Registry.Add(job); err != nil {
		_ = os.Remove(dstPath)
		return JobDTO{}, err
	}

	registered, err := deps.Registry.Get(id)
	if err != nil {
		return JobDTO{}, err
	}
	return toJobDTO(registered, false), nil
}

// ListJobsHandler handles GET /api/v1/jobs
//
// Returns every registered job, oldest first, without result payloads.
//
// Query parameters:
//   - status: filter by lifecycle state (uploaded, processing, completed, error)
//
// Response format:
//
//	{
//	  "jobs": [
//	    {"id": "...", "name": "standup.wav", "status": "completed", "progress": 100, ...}
//	  ],
//	  "count": 1
//	}
func ListJobsHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With().
			Str("component", "api.jobs").
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

		query, qerr := ParseListJobsQuery(r)
		if qerr != nil {
			statusCode = http.StatusBadRequest
			api.WriteJSONError(w, statusCode, "Bad Request", "INVALID_QUERY", qerr.Error())
			return
		}

		all := deps.Registry.List()
		dtos := make([]JobDTO, 0, len(all))
		for _, j := range all {
			if query.Status != "" && j.Status != query.Status {
				continue
			}
			dtos = append(dtos, toJobDTO(j, false))
		}

		statusCode = http.StatusOK
		api.WriteJSON(w, statusCode, ListJobsResponse{Jobs: dtos, Count: len(dtos)})
	}
}

// GetJobHandler handles GET /api/v1/jobs/{id}
//
// Returns the full job record. The transcript payload is omitted unless
// include_result=true, because finished transcripts can be large.
//
// Returns 404 if the job is not registered.
func GetJobHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With().
			Str("component", "api.jobs").
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

		includeResult := r.URL.Query().Get("include_result") == "true"

		statusCode = http.StatusOK
		api.WriteJSON(w, statusCode, toJobDTO(job, includeResult))
	}
}

// DeleteJobHandler handles DELETE /api/v1/jobs/{id}
//
// Removes the job record, its membership in the active and completed
// sets, and the uploaded audio (when the job was created by an upload).
// A processing job is refused with 409 unless force=true, in which case
// it is cancelled first. Observers receive a terminal deleted event.
//
// Response format:
//
//	{"message": "job deleted", "job_id": "..."}
func DeleteJobHandler(deps *api.Deps, svc TranscriptionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With().
			Str("component", "api.jobs").
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

		force := r.URL.Query().Get("force") == "true"
		if job.Status == jobs.StatusProcessing {
			if !force {
				statusCode = http.StatusConflict
				logger.Warn().Str("job_id", id).Msg("delete refused: job is processing")
				api.WriteJSONError(w, statusCode, "Conflict", "JOB_PROCESSING",
					"job is processing; pass force=true to cancel it first")
				return
			}
			if svc == nil {
				statusCode = http.StatusConflict
				api.WriteJSONError(w, statusCode, "Conflict", "JOB_PROCESSING",
					"job is processing and no orchestrator is attached")
				return
			}
			// Best-effort: the job may reach a terminal state between the
			// read above and this call, which is fine for a delete.
			if _, err := svc.Cancel(r.Context(), id); err != nil {
				logger.Warn().Err(err).Str("job_id", id).Msg("cancel before delete failed, continuing")
			}
		}

		if !deps.Registry.Remove(id) {
			statusCode = api.WriteError(w, r, jobs.NewNotFoundError(id))
			return
		}

		removeUpload(deps, job, logger)

		if deps.Broadcaster != nil {
			deps.Broadcaster.Publish(id, jobs.StatusDeleted, job.Progress, "Job deleted")
		}

		statusCode = http.StatusOK
		logger.Info().
			Str("job_id", id).
			Bool("force", force).
			Msg("job deleted")

		api.WriteJSON(w, statusCode, map[string]any{
			"message": "job deleted",
			"job_id":  id,
		})
	}
}

// removeUpload deletes the job's stored audio if it lives under the
// upload directory. Anything else in Source is caller-owned.
func removeUpload(deps *api.Deps, job *jobs.Job, logger zerolog.Logger) {
	if deps.UploadDir == "" || job.Source == "" {
		return
	}
	dir := filepath.Clean(deps.UploadDir)
	if filepath.Dir(filepath.Clean(job.Source)) != dir {
		return
	}
	if err := os.Remove(job.Source); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn().Err(err).Str("path", job.Source).Msg("failed to remove uploaded audio")
	}
}
