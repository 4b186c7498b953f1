package jobs

import (
	"sort"
	"sync"
	"time"
)

// Registry is the in-memory store of record for jobs.
//
// A single mutex linearizes every operation; no caller ever observes a
// partially-updated record. Alongside the job map the registry keeps two
// membership sets: "active" (jobs with an in-flight execution) and
// "completed" (jobs that finished at least once). Removing a job purges it
// from both sets unconditionally.
//
// Correctness here means atomicity of each operation, not throughput:
// mutation frequency is request-driven, so a plain guarded map is the right
// tool and anything lock-free would be over-engineering.
type Registry struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	active    map[string]struct{}
	completed map[string]struct{}

	now func() time.Time // injected for tests
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs:      make(map[string]*Job),
		active:    make(map[string]struct{}),
		completed: make(map[string]struct{}),
		now:       time.Now,
	}
}

// Add registers a new job. The job is copied in; later mutations of the
// caller's struct do not affect the registry.
//
// Returns ConflictError if a job with the same ID already exists.
func (r *Registry) Add(j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[j.ID]; ok {
		return NewConflictError(j.ID, "already registered")
	}

	cp := j.Clone()
	if cp.Status == "" {
		cp.Status = StatusUploaded
	}
	now := r.now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	r.jobs[cp.ID] = cp
	return nil
}

// Get returns a copy of the job, or NotFoundError.
func (r *Registry) Get(id string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, NewNotFoundError(id)
	}
	return j.Clone(), nil
}

// List returns copies of all jobs, oldest first (ties broken by ID so the
// order is stable).
func (r *Registry) List() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// Update applies a partial update to the job and returns a copy of the
// updated record. Returns NotFoundError if the job does not exist.
func (r *Registry) Update(id string, p Patch) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, NewNotFoundError(id)
	}

	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.Progress != nil {
		j.Progress = *p.Progress
	}
	if p.ErrorMessage != nil {
		j.ErrorMessage = *p.ErrorMessage
	}
	if p.Cancelled != nil {
		j.Cancelled = *p.Cancelled
	}
	if p.Language != nil {
		j.Language = *p.Language
	}
	if p.Hotword != nil {
		j.Hotword = *p.Hotword
	}
	if p.Result != nil {
		j.Result = p.Result.Clone()
	}
	if p.CompletedAt != nil {
		j.CompletedAt = *p.CompletedAt
	}
	j.UpdatedAt = r.now().UTC()

	return j.Clone(), nil
}

// Remove deletes the job record and purges the ID from both membership
// sets. Purging happens even when the ID was never a member of either set,
// and even when the record itself is absent. Returns true if a record was
// actually deleted.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, existed := r.jobs[id]
	delete(r.jobs, id)
	delete(r.active, id)
	delete(r.completed, id)
	return existed
}

// BeginProcessing atomically validates that the job exists and is not
// already active, then transitions it to processing: status processing,
// progress 0, cancellation flag cleared, error message cleared, and
// membership in the active set. Returns a copy of the updated job.
//
// This is the check that enforces the one-in-flight-execution-per-job
// invariant, so validation and transition must happen under one lock
// acquisition.
func (r *Registry) BeginProcessing(id string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, NewNotFoundError(id)
	}
	if _, busy := r.active[id]; busy {
		return nil, NewConflictError(id, "already processing")
	}

	j.Status = StatusProcessing
	j.Progress = 0
	j.Cancelled = false
	j.ErrorMessage = ""
	j.UpdatedAt = r.now().UTC()
	r.active[id] = struct{}{}

	return j.Clone(), nil
}

// SetProgress records progress for a job still in the processing state.
// Late progress from a worker racing a cancellation is ignored, so a
// cancelled job can never drift away from progress 0.
func (r *Registry) SetProgress(id string, progress int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return NewNotFoundError(id)
	}
	if j.Status != StatusProcessing {
		return nil
	}
	j.Progress = progress
	j.UpdatedAt = r.now().UTC()
	return nil
}

// CompleteProcessing atomically resolves a processing job to completed,
// recording the result, full progress and the completion time, and adds
// the job to the completed set. Returns false without mutating anything
// when the job is gone, no longer processing, or cancelled: a worker that
// lost the race to a cancellation must not resurrect the job.
func (r *Registry) CompleteProcessing(id string, result *TranscriptResult, at time.Time) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.Status != StatusProcessing || j.Cancelled {
		return nil, false
	}

	j.Status = StatusCompleted
	j.Progress = 100
	j.Result = result.Clone()
	j.CompletedAt = at
	j.UpdatedAt = r.now().UTC()
	r.completed[id] = struct{}{}
	return j.Clone(), true
}

// FailProcessing atomically resolves a processing job to error with the
// given message. Guards exactly like CompleteProcessing.
func (r *Registry) FailProcessing(id, msg string, at time.Time) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.Status != StatusProcessing || j.Cancelled {
		return nil, false
	}

	j.Status = StatusError
	j.ErrorMessage = msg
	j.CompletedAt = at
	j.UpdatedAt = r.now().UTC()
	return j.Clone(), true
}

// SetCancelled marks the job's cooperative cancellation flag. Workers pick
// it up at their next checkpoint. Returns NotFoundError if the job does
// not exist.
func (r *Registry) SetCancelled(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return NewNotFoundError(id)
	}
	j.Cancelled = true
	j.UpdatedAt = r.now().UTC()
	return nil
}

// IsCancelled reports the job's cancellation flag. An unknown job reads as
// cancelled so a worker racing a concurrent delete stops instead of
// resurrecting state.
func (r *Registry) IsCancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return true
	}
	return j.Cancelled
}

// ClearActive removes the job from the active set.
func (r *Registry) ClearActive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

// IsActive reports whether the job currently has an in-flight execution.
func (r *Registry) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}

// ActiveIDs returns the IDs in the active set, sorted.
func (r *Registry) ActiveIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.active)
}

// MarkCompleted records the job in the completed membership set.
func (r *Registry) MarkCompleted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed[id] = struct{}{}
}

// CompletedIDs returns the IDs in the completed set, sorted.
func (r *Registry) CompletedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.completed)
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
