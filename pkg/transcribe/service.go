// Package transcribe orchestrates transcription jobs: it owns the job
// lifecycle state machine, dispatches work into a bounded worker pool,
// leases recognition engines from the engine pool, and supports
// cooperative cancellation plus a synchronous wait-for-completion mode.
//
// The service never lets one job's failure affect another: every worker
// resolves its job to a terminal state (or back to uploaded on
// cancellation) and recovers panics from the injected work function.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxlane/voxlane/pkg/enginepool"
	"github.com/voxlane/voxlane/pkg/events"
	"github.com/voxlane/voxlane/pkg/jobs"
	"github.com/voxlane/voxlane/pkg/storage"
)

const (
	// DefaultWorkers bounds concurrent job attempts. The engine pool bounds
	// concurrent engine usage independently, so this can safely exceed the
	// pool's maximum size.
	DefaultWorkers = 12

	// DefaultAcquireTimeout is how long a worker waits for an engine lease
	// before failing its job.
	DefaultAcquireTimeout = 60 * time.Second

	// DefaultWaitTimeout caps wait-mode submissions that do not supply
	// their own deadline.
	DefaultWaitTimeout = time.Hour
)

// pollInterval is the wait-mode status check cadence.
const pollInterval = 500 * time.Millisecond

// queueCapacity sizes the dispatch queue. A full queue makes Submit block
// until a worker drains it, which is the backpressure we want.
const queueCapacity = 256

// ErrCancelled marks work stopped by a cancellation request. The progress
// callback returns it once the job's token is set; work functions must
// stop and propagate it.
var ErrCancelled = errors.New("transcription cancelled")

// ErrNotRunning is returned by Submit before Start or after Stop.
var ErrNotRunning = errors.New("transcribe: orchestrator is not running")

// Request carries one job's inputs to the work function.
type Request struct {
	JobID    string
	Name     string
	Source   string
	Language string
	Hotword  string
}

// ProgressFunc reports step completion upward. It returns ErrCancelled
// when the job's cancellation token is set, so progress reporting doubles
// as the in-flight cancellation checkpoint.
type ProgressFunc func(step string, percent int, message string) error

// WorkFunc executes the long-running recognition operation on a leased
// engine. ctx is the job's cancellation context; implementations should
// watch it between progress checkpoints.
type WorkFunc func(ctx context.Context, eng enginepool.Engine, req Request, progress ProgressFunc) (*jobs.TranscriptResult, error)

// Recognizer is implemented by engines that can transcribe audio; the
// default work function routes through it.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request, progress ProgressFunc) (*jobs.TranscriptResult, error)
}

// Alerter receives job lifecycle notifications. Implementations must not
// block the caller.
type Alerter interface {
	TranscriptionCompleted(ctx context.Context, job jobs.Job)
	TranscriptionFailed(ctx context.Context, job jobs.Job, reason string)
	TranscriptionStopped(ctx context.Context, job jobs.Job)
}

// jobHandle is the cancellable handle recorded per in-flight job.
type jobHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (h *jobHandle) cancelled() bool { return h.ctx.Err() != nil }

type task struct {
	jobID    string
	name     string
	source   string
	language string
	hotword  string
	handle   *jobHandle
}

// Service is the job orchestrator.
type Service struct {
	registry    *jobs.Registry
	pool        *enginepool.Pool
	broadcaster *events.Broadcaster
	history     storage.HistoryStore
	alerter     Alerter
	work        WorkFunc
	logger      zerolog.Logger

	workers        int
	acquireTimeout time.Duration

	handleMu sync.Mutex
	handles  map[string]*jobHandle

	runMu   sync.Mutex
	runCtx  context.Context
	runStop context.CancelFunc
	queue   chan *task
	wg      sync.WaitGroup

	busy      atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
}

// NewService builds an orchestrator over the given registry and engine
// pool with default dependencies. The default work function requires
// pooled engines to implement Recognizer.
func NewService(registry *jobs.Registry, pool *enginepool.Pool, logger zerolog.Logger) *Service {
	return &Service{
		registry:       registry,
		pool:           pool,
		work:           recognizerWork,
		logger:         logger.With().Str("component", "orchestrator").Logger(),
		workers:        DefaultWorkers,
		acquireTimeout: DefaultAcquireTimeout,
		handles:        make(map[string]*jobHandle),
	}
}

// WithBroadcaster attaches an event broadcaster for status/progress fan-out.
func (s *Service) WithBroadcaster(b *events.Broadcaster) *Service {
	s.broadcaster = b
	return s
}

// WithHistory attaches a history store persisting finished jobs.
func (s *Service) WithHistory(store storage.HistoryStore) *Service {
	s.history = store
	return s
}

// WithAlerter attaches a lifecycle alert sink.
func (s *Service) WithAlerter(a Alerter) *Service {
	s.alerter = a
	return s
}

// WithWorkers overrides the worker pool size.
func (s *Service) WithWorkers(n int) *Service {
	if n > 0 {
		s.workers = n
	}
	return s
}

// WithAcquireTimeout overrides how long a worker waits for an engine.
func (s *Service) WithAcquireTimeout(d time.Duration) *Service {
	if d > 0 {
		s.acquireTimeout = d
	}
	return s
}

// WithWorkFunc replaces the recognition operation (useful for tests).
func (s *Service) WithWorkFunc(fn WorkFunc) *Service {
	if fn != nil {
		s.work = fn
	}
	return s
}

// Start launches the worker pool. It is non-blocking; workers run until
// ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.runCtx != nil && s.runCtx.Err() == nil {
		return errors.New("transcribe: orchestrator already started")
	}

	s.runCtx, s.runStop = context.WithCancel(ctx)
	s.queue = make(chan *task, queueCapacity)

	runCtx, queue := s.runCtx, s.queue
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.workerLoop(runCtx, queue)
		}()
	}

	s.logger.Info().Int("workers", s.workers).Msg("Orchestrator started")
	return nil
}

// Stop cancels all in-flight work, waits for the workers to drain within
// ctx's deadline, and resets any never-started queued jobs back to
// uploaded so they can be resubmitted.
func (s *Service) Stop(ctx context.Context) error {
	s.runMu.Lock()
	stop, queue := s.runStop, s.queue
	s.runMu.Unlock()
	if stop == nil {
		return nil
	}
	stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		select {
		case t := <-queue:
			// The run context is cancelled, so this resolves the job as
			// cancelled-before-start.
			s.runJob(t)
		default:
			s.logger.Info().Msg("Orchestrator stopped")
			return nil
		}
	}
}

// Submit validates and dispatches a batch of jobs.
//
// Validation fails fast per job with NotFoundError or ConflictError and
// mutates nothing. On success every job is transitioned to processing with
// progress 0 and handed to the worker pool. With params.Wait the call
// polls until all jobs are terminal or the timeout elapses; a timeout
// yields a partial result partitioned into completed/failed/pending with
// Success=false rather than an error.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (*SubmitResult, error) {
	if len(params.JobIDs) == 0 {
		return nil, jobs.NewInvalidInputError("no job ids supplied")
	}

	s.runMu.Lock()
	runCtx, queue := s.runCtx, s.queue
	s.runMu.Unlock()
	if runCtx == nil || runCtx.Err() != nil {
		return nil, ErrNotRunning
	}

	// First pass is read-only so a rejected batch leaves no trace.
	for _, id := range params.JobIDs {
		j, err := s.registry.Get(id)
		if err != nil {
			return nil, err
		}
		if j.Status == jobs.StatusProcessing {
			return nil, jobs.NewConflictError(id, "already processing")
		}
	}

	began := make([]*jobs.Job, 0, len(params.JobIDs))
	for _, id := range params.JobIDs {
		j, err := s.registry.BeginProcessing(id)
		if err != nil {
			// A concurrent submit won the race for this job; undo ours.
			for _, b := range began {
				s.rollback(b.ID)
			}
			return nil, err
		}
		// Batch options override what the job was registered with; an
		// omitted option keeps the registered value.
		if params.Language != "" {
			j.Language = params.Language
		}
		if params.Hotword != "" {
			j.Hotword = params.Hotword
		}
		if _, uerr := s.registry.Update(id, jobs.Patch{Language: &j.Language, Hotword: &j.Hotword}); uerr != nil {
			s.logger.Warn().Err(uerr).Str("job_id", id).Msg("Failed to record recognition options")
		}
		began = append(began, j)
	}

	ids := make([]string, 0, len(began))
	for _, j := range began {
		ids = append(ids, j.ID)
		s.publish(j.ID, jobs.StatusProcessing, 0, fmt.Sprintf("Transcription started: %s", j.Name))

		h := s.newHandle(runCtx, j.ID)
		t := &task{
			jobID:    j.ID,
			name:     j.Name,
			source:   j.Source,
			language: j.Language,
			hotword:  j.Hotword,
			handle:   h,
		}
		select {
		case queue <- t:
		case <-runCtx.Done():
			s.dropHandle(j.ID, h)
			s.rollback(j.ID)
			return nil, ErrNotRunning
		case <-ctx.Done():
			s.dropHandle(j.ID, h)
			s.rollback(j.ID)
			return nil, ctx.Err()
		}
		s.submitted.Add(1)
	}

	s.logger.Info().Int("count", len(ids)).Bool("wait", params.Wait).Msg("Jobs dispatched")

	if !params.Wait {
		return &SubmitResult{
			Success: true,
			Status:  "processing",
			Message: fmt.Sprintf("transcription started for %d job(s)", len(ids)),
			JobIDs:  ids,
		}, nil
	}
	return s.waitForJobs(ctx, ids, params.Timeout), nil
}

// Cancel stops an in-flight job. Only valid while the job is processing;
// the job is reset to uploaded with progress 0 and can be resubmitted
// immediately. If the worker already started, cancellation takes effect at
// its next progress checkpoint.
func (s *Service) Cancel(ctx context.Context, jobID string) (*CancelResult, error) {
	j, err := s.registry.Get(jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != jobs.StatusProcessing {
		return nil, jobs.NewConflictError(jobID, "not processing")
	}

	if err := s.registry.SetCancelled(jobID); err != nil {
		return nil, err
	}

	// Take ownership of the handle away from the worker before cancelling
	// it: a stale worker must not clobber a later resubmission's state.
	s.handleMu.Lock()
	h := s.handles[jobID]
	delete(s.handles, jobID)
	s.handleMu.Unlock()
	if h != nil {
		h.cancel()
	}

	st := jobs.StatusUploaded
	zero := 0
	msg := "transcription stopped"
	job, err := s.registry.Update(jobID, jobs.Patch{Status: &st, Progress: &zero, ErrorMessage: &msg})
	if err != nil {
		return nil, err
	}
	s.registry.ClearActive(jobID)
	s.cancelled.Add(1)

	s.publish(jobID, jobs.StatusUploaded, 0, "Transcription stopped")
	if s.alerter != nil {
		s.alerter.TranscriptionStopped(ctx, *job)
	}

	s.logger.Info().Str("job_id", jobID).Msg("Transcription cancelled")
	return &CancelResult{JobID: jobID, Message: "transcription stopped"}, nil
}

// Stats returns a snapshot of orchestrator activity.
func (s *Service) Stats() Stats {
	s.runMu.Lock()
	depth := 0
	if s.queue != nil {
		depth = len(s.queue)
	}
	s.runMu.Unlock()

	return Stats{
		Workers:     s.workers,
		BusyWorkers: int(s.busy.Load()),
		QueueDepth:  depth,
		Submitted:   s.submitted.Load(),
		Completed:   s.completed.Load(),
		Failed:      s.failed.Load(),
		Cancelled:   s.cancelled.Load(),
	}
}

func (s *Service) workerLoop(ctx context.Context, queue <-chan *task) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-queue:
			s.busy.Add(1)
			s.runJob(t)
			s.busy.Add(-1)
		}
	}
}

// runJob is the worker body for one job.
func (s *Service) runJob(t *task) {
	logger := s.logger.With().Str("job_id", t.jobID).Logger()

	defer s.cleanup(t)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Worker panicked")
			s.resolveError(t, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if t.handle.cancelled() {
		logger.Info().Msg("Job cancelled before start")
		s.resolveCancelled(t, false)
		return
	}

	logger.Info().Str("name", t.name).Msg("Job picked up")

	lease, err := s.pool.Acquire(t.handle.ctx, s.acquireTimeout)
	if err != nil {
		if t.handle.cancelled() {
			s.resolveCancelled(t, true)
			return
		}
		s.resolveError(t, fmt.Sprintf("engine unavailable: %v", err))
		return
	}
	defer s.pool.Release(lease)

	if t.handle.cancelled() {
		s.resolveCancelled(t, true)
		return
	}

	progress := func(step string, percent int, message string) error {
		if t.handle.cancelled() || !s.owns(t) {
			return ErrCancelled
		}
		if message == "" {
			message = fmt.Sprintf("Processing: %s", step)
		}
		s.setProgress(t, percent)
		s.publish(t.jobID, jobs.StatusProcessing, percent, message)
		return nil
	}

	req := Request{JobID: t.jobID, Name: t.name, Source: t.source, Language: t.language, Hotword: t.hotword}
	started := time.Now()
	result, err := s.work(t.handle.ctx, lease.Engine(), req, progress)
	elapsed := time.Since(started)

	switch {
	case errors.Is(err, ErrCancelled) || t.handle.cancelled():
		logger.Info().Dur("elapsed", elapsed).Msg("Job cancelled during execution")
		s.resolveCancelled(t, true)
	case err != nil:
		logger.Error().Err(err).Dur("elapsed", elapsed).Msg("Job failed")
		s.resolveError(t, err.Error())
	case result == nil || (result.Text == "" && len(result.Segments) == 0):
		logger.Warn().Dur("elapsed", elapsed).Msg("Job produced no output")
		s.resolveError(t, "transcription produced no output")
	default:
		logger.Info().Dur("elapsed", elapsed).Int("segments", len(result.Segments)).Msg("Job completed")
		s.resolveCompleted(t, result, elapsed)
	}
}

// owns reports whether t's handle is still the handle of record for its
// job. Cancel and resubmission both take ownership away; a worker that
// lost it must not touch registry state.
func (s *Service) owns(t *task) bool {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	return s.handles[t.jobID] == t.handle
}

func (s *Service) resolveCompleted(t *task, result *jobs.TranscriptResult, elapsed time.Duration) {
	// A cancel racing near-completion still wins: the job resolves to
	// uploaded, never to completed-after-cancel.
	if t.handle.cancelled() || !s.owns(t) {
		s.resolveCancelled(t, true)
		return
	}

	job, ok := s.registry.CompleteProcessing(t.jobID, result, time.Now().UTC())
	if !ok {
		// Lost the commit race to a cancellation or a delete.
		s.resolveCancelled(t, true)
		return
	}
	s.completed.Add(1)

	s.appendHistory(job, elapsed)
	s.publish(t.jobID, jobs.StatusCompleted, 100, fmt.Sprintf("Transcription completed: %s", t.name))
	if s.alerter != nil {
		s.alerter.TranscriptionCompleted(context.Background(), *job)
	}
}

func (s *Service) resolveError(t *task, msg string) {
	if t.handle.cancelled() {
		s.resolveCancelled(t, true)
		return
	}
	if !s.owns(t) {
		return
	}

	job, ok := s.registry.FailProcessing(t.jobID, msg, time.Now().UTC())
	if !ok {
		s.resolveCancelled(t, true)
		return
	}
	s.failed.Add(1)

	s.publish(t.jobID, jobs.StatusError, 0, fmt.Sprintf("Processing failed: %s", msg))
	if s.alerter != nil {
		s.alerter.TranscriptionFailed(context.Background(), *job, msg)
	}
}

func (s *Service) resolveCancelled(t *task, emit bool) {
	if !s.owns(t) {
		// Cancel already resolved the job and removed the handle.
		return
	}

	st := jobs.StatusUploaded
	zero := 0
	msg := "transcription stopped"
	job, err := s.registry.Update(t.jobID, jobs.Patch{Status: &st, Progress: &zero, ErrorMessage: &msg})
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", t.jobID).Msg("Failed to record cancellation")
		return
	}
	s.cancelled.Add(1)

	if emit {
		s.publish(t.jobID, jobs.StatusUploaded, 0, "Transcription stopped")
		if s.alerter != nil {
			s.alerter.TranscriptionStopped(context.Background(), *job)
		}
	}
}

func (s *Service) setProgress(t *task, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if err := s.registry.SetProgress(t.jobID, percent); err != nil {
		s.logger.Debug().Err(err).Str("job_id", t.jobID).Msg("Progress update skipped")
	}
}

// cleanup discards the job's handle and active-set membership, but only
// when this run still owns them.
func (s *Service) cleanup(t *task) {
	s.handleMu.Lock()
	owned := s.handles[t.jobID] == t.handle
	if owned {
		delete(s.handles, t.jobID)
	}
	s.handleMu.Unlock()

	t.handle.cancel()

	if owned {
		s.registry.ClearActive(t.jobID)
	}
}

func (s *Service) newHandle(parent context.Context, jobID string) *jobHandle {
	hctx, cancel := context.WithCancel(parent)
	h := &jobHandle{ctx: hctx, cancel: cancel}
	s.handleMu.Lock()
	s.handles[jobID] = h
	s.handleMu.Unlock()
	return h
}

func (s *Service) dropHandle(jobID string, h *jobHandle) {
	s.handleMu.Lock()
	if s.handles[jobID] == h {
		delete(s.handles, jobID)
	}
	s.handleMu.Unlock()
	h.cancel()
}

func (s *Service) rollback(id string) {
	st := jobs.StatusUploaded
	zero := 0
	if _, err := s.registry.Update(id, jobs.Patch{Status: &st, Progress: &zero}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("Rollback failed")
	}
	s.registry.ClearActive(id)
}

// waitForJobs polls job statuses every pollInterval until all are terminal
// or the deadline passes, then partitions the batch.
func (s *Service) waitForJobs(ctx context.Context, ids []string, timeout time.Duration) *SubmitResult {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	deadline := time.Now().Add(timeout)

	pending := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		pending[id] = struct{}{}
	}
	var completed, failed []string

poll:
	for len(pending) > 0 && time.Now().Before(deadline) {
		for id := range pending {
			j, err := s.registry.Get(id)
			if err != nil {
				// Deleted while waiting.
				failed = append(failed, id)
				delete(pending, id)
				continue
			}
			switch j.Status {
			case jobs.StatusCompleted:
				completed = append(completed, id)
				delete(pending, id)
			case jobs.StatusError:
				failed = append(failed, id)
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			break poll
		case <-time.After(pollInterval):
		}
	}

	sort.Strings(completed)
	sort.Strings(failed)
	pendingIDs := make([]string, 0, len(pending))
	for id := range pending {
		pendingIDs = append(pendingIDs, id)
	}
	sort.Strings(pendingIDs)

	res := &SubmitResult{
		JobIDs:    ids,
		Completed: completed,
		Failed:    failed,
		Pending:   pendingIDs,
		Outcomes:  s.outcomes(append(append([]string{}, completed...), failed...)),
	}
	if len(pendingIDs) > 0 {
		res.Success = false
		res.Status = "timeout"
		res.Message = fmt.Sprintf("%d job(s) still pending after %s", len(pendingIDs), timeout)
	} else {
		res.Success = len(failed) == 0
		res.Status = "completed"
		res.Message = fmt.Sprintf("transcription finished for %d job(s)", len(ids))
	}
	return res
}

func (s *Service) outcomes(ids []string) []JobOutcome {
	out := make([]JobOutcome, 0, len(ids))
	for _, id := range ids {
		j, err := s.registry.Get(id)
		if err != nil {
			continue
		}
		out = append(out, JobOutcome{
			JobID:        j.ID,
			Name:         j.Name,
			Status:       j.Status,
			Progress:     j.Progress,
			ErrorMessage: j.ErrorMessage,
			Result:       j.Result,
		})
	}
	return out
}

func (s *Service) publish(jobID string, status jobs.Status, progress int, message string) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(jobID, status, progress, message)
}

func (s *Service) appendHistory(job *jobs.Job, elapsed time.Duration) {
	if s.history == nil {
		return
	}
	rec := &storage.HistoryRecord{
		JobID:       job.ID,
		Name:        job.Name,
		Status:      string(job.Status),
		Language:    job.Language,
		Progress:    job.Progress,
		ElapsedSec:  elapsed.Seconds(),
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.Result != nil {
		rec.Text = job.Result.Text
		rec.SegmentCount = len(job.Result.Segments)
		rec.DurationSec = job.Result.DurationSec
		rec.EngineID = job.Result.EngineID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.Append(ctx, rec); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to append history record, continuing without persistence")
	}
}

func recognizerWork(ctx context.Context, eng enginepool.Engine, req Request, progress ProgressFunc) (*jobs.TranscriptResult, error) {
	rec, ok := eng.(Recognizer)
	if !ok {
		return nil, fmt.Errorf("engine %s cannot transcribe", eng.ID())
	}
	return rec.Transcribe(ctx, req, progress)
}
