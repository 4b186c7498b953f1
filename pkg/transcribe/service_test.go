package transcribe

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/voxlane/voxlane/pkg/enginepool"
	"github.com/voxlane/voxlane/pkg/events"
	"github.com/voxlane/voxlane/pkg/jobs"
	"github.com/voxlane/voxlane/pkg/storage"
)

func newTestService(t *testing.T, work WorkFunc, workers int) (*Service, *jobs.Registry) {
	t.Helper()

	reg := jobs.NewRegistry()
	pool, err := enginepool.New(enginepool.Config{
		InitialSize:    1,
		MinSize:        1,
		MaxSize:        2,
		HealthInterval: time.Hour,
	}, NewSimFactory(2, 0), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	svc := NewService(reg, pool, zerolog.Nop()).
		WithWorkers(workers).
		WithAcquireTimeout(2 * time.Second)
	if work != nil {
		svc.WithWorkFunc(work)
	}
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})

	return svc, reg
}

func addJob(t *testing.T, reg *jobs.Registry, id string) {
	t.Helper()
	require.NoError(t, reg.Add(&jobs.Job{ID: id, Name: id + ".wav", Source: "/audio/" + id + ".wav"}))
}

func instantWork(ctx context.Context, eng enginepool.Engine, req Request, progress ProgressFunc) (*jobs.TranscriptResult, error) {
	if err := progress("decode", 50, ""); err != nil {
		return nil, err
	}
	return &jobs.TranscriptResult{
		Text:     "hello from " + req.Name,
		Segments: []jobs.Segment{{Start: 0, End: 1, Text: "hello"}},
		EngineID: eng.ID(),
	}, nil
}

func sleepWork(d time.Duration) WorkFunc {
	return func(ctx context.Context, _ enginepool.Engine, _ Request, _ ProgressFunc) (*jobs.TranscriptResult, error) {
		select {
		case <-ctx.Done():
			return nil, ErrCancelled
		case <-time.After(d):
		}
		return &jobs.TranscriptResult{Text: "slow"}, nil
	}
}

func pollingWork(step time.Duration) WorkFunc {
	return func(ctx context.Context, _ enginepool.Engine, _ Request, progress ProgressFunc) (*jobs.TranscriptResult, error) {
		for p := 1; p <= 100; p++ {
			if err := progress("chunk", p, ""); err != nil {
				return nil, err
			}
			select {
			case <-ctx.Done():
				return nil, ErrCancelled
			case <-time.After(step):
			}
		}
		return &jobs.TranscriptResult{Text: "full"}, nil
	}
}

func TestSubmitDispatchAndComplete(t *testing.T) {
	svc, reg := newTestService(t, instantWork, 4)
	addJob(t, reg, "job-1")

	res, err := svc.Submit(context.Background(), SubmitParams{JobIDs: []string{"job-1"}})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "processing", res.Status)
	require.Equal(t, []string{"job-1"}, res.JobIDs)

	require.Eventually(t, func() bool {
		j, err := reg.Get("job-1")
		return err == nil && j.Status == jobs.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	j, err := reg.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, 100, j.Progress)
	require.NotNil(t, j.Result)
	require.Contains(t, j.Result.Text, "job-1.wav")
	require.False(t, j.CompletedAt.IsZero())
	require.Contains(t, reg.CompletedIDs(), "job-1")
	require.Empty(t, reg.ActiveIDs())
}

func TestSubmitWaitCompletes(t *testing.T) {
	svc, reg := newTestService(t, instantWork, 4)
	addJob(t, reg, "job-a")
	addJob(t, reg, "job-b")

	res, err := svc.Submit(context.Background(), SubmitParams{
		JobIDs:   []string{"job-b", "job-a"},
		Language: "zh",
		Wait:     true,
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "completed", res.Status)
	require.Equal(t, []string{"job-a", "job-b"}, res.Completed)
	require.Empty(t, res.Failed)
	require.Empty(t, res.Pending)
	require.Len(t, res.Outcomes, 2)
	for _, o := range res.Outcomes {
		require.Equal(t, jobs.StatusCompleted, o.Status)
		require.NotNil(t, o.Result)
	}

	j, err := reg.Get("job-a")
	require.NoError(t, err)
	require.Equal(t, "zh", j.Language)

	stats := svc.Stats()
	require.Equal(t, uint64(2), stats.Submitted)
	require.Equal(t, uint64(2), stats.Completed)
	require.Equal(t, uint64(0), stats.Failed)
}

func TestSubmitKeepsRegisteredOptions(t *testing.T) {
	var got Request
	var mu sync.Mutex
	work := func(ctx context.Context, _ enginepool.Engine, req Request, _ ProgressFunc) (*jobs.TranscriptResult, error) {
		mu.Lock()
		got = req
		mu.Unlock()
		return &jobs.TranscriptResult{Text: "ok"}, nil
	}
	svc, reg := newTestService(t, work, 2)
	require.NoError(t, reg.Add(&jobs.Job{
		ID:       "job-1",
		Name:     "meeting.wav",
		Source:   "/audio/meeting.wav",
		Language: "yue",
		Hotword:  "quarterly review",
	}))

	// A batch without options must not clobber what registration recorded.
	res, err := svc.Submit(context.Background(), SubmitParams{
		JobIDs:  []string{"job-1"},
		Wait:    true,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	j, err := reg.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, "yue", j.Language)
	require.Equal(t, "quarterly review", j.Hotword)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "yue", got.Language)
	require.Equal(t, "quarterly review", got.Hotword)
}

func TestSubmitUnknownJob(t *testing.T) {
	svc, _ := newTestService(t, instantWork, 2)

	_, err := svc.Submit(context.Background(), SubmitParams{JobIDs: []string{"ghost"}})
	var nf *jobs.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "ghost", nf.ID)
}

func TestSubmitEmptyBatch(t *testing.T) {
	svc, _ := newTestService(t, instantWork, 2)

	_, err := svc.Submit(context.Background(), SubmitParams{})
	var inv *jobs.InvalidInputError
	require.ErrorAs(t, err, &inv)
}

func TestSubmitNotRunningRejected(t *testing.T) {
	reg := jobs.NewRegistry()
	pool, err := enginepool.New(enginepool.Config{InitialSize: 0, MaxSize: 1, HealthInterval: time.Hour}, NewSimFactory(2, 0), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	svc := NewService(reg, pool, zerolog.Nop())
	addJob(t, reg, "job-1")

	_, err = svc.Submit(context.Background(), SubmitParams{JobIDs: []string{"job-1"}})
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestSubmitAlreadyProcessingRejected(t *testing.T) {
	gate := make(chan struct{})
	work := func(ctx context.Context, _ enginepool.Engine, _ Request, _ ProgressFunc) (*jobs.TranscriptResult, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ErrCancelled
		}
		return &jobs.TranscriptResult{Text: "gated"}, nil
	}
	svc, reg := newTestService(t, work, 2)
	addJob(t, reg, "job-1")

	_, err := svc.Submit(context.Background(), SubmitParams{JobIDs: []string{"job-1"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return reg.IsActive("job-1") }, 2*time.Second, 10*time.Millisecond)

	// Resubmission while processing must be rejected without touching state.
	_, err = svc.Submit(context.Background(), SubmitParams{JobIDs: []string{"job-1"}})
	var conflict *jobs.ConflictError
	require.ErrorAs(t, err, &conflict)

	j, err := reg.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusProcessing, j.Status)

	close(gate)
	require.Eventually(t, func() bool {
		j, err := reg.Get("job-1")
		return err == nil && j.Status == jobs.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWaitTimeoutReturnsPartialResult(t *testing.T) {
	svc, reg := newTestService(t, sleepWork(10*time.Second), 4)
	for _, id := range []string{"j1", "j2", "j3"} {
		addJob(t, reg, id)
	}

	start := time.Now()
	res, err := svc.Submit(context.Background(), SubmitParams{
		JobIDs:  []string{"j1", "j2", "j3"},
		Wait:    true,
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "timeout", res.Status)
	require.Equal(t, []string{"j1", "j2", "j3"}, res.Pending)
	require.Empty(t, res.Completed)
	require.Empty(t, res.Failed)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestCancelDuringExecution(t *testing.T) {
	svc, reg := newTestService(t, pollingWork(20*time.Millisecond), 2)
	addJob(t, reg, "job-1")

	_, err := svc.Submit(context.Background(), SubmitParams{JobIDs: []string{"job-1"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := reg.Get("job-1")
		return err == nil && j.Status == jobs.StatusProcessing && j.Progress > 0
	}, 2*time.Second, 10*time.Millisecond)

	res, err := svc.Cancel(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", res.JobID)

	j, err := reg.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusUploaded, j.Status)
	require.Equal(t, 0, j.Progress)
	require.Equal(t, "transcription stopped", j.ErrorMessage)
	require.True(t, j.Cancelled)

	require.Eventually(t, func() bool { return !reg.IsActive("job-1") }, 2*time.Second, 10*time.Millisecond)
}

func TestCancelRacingNearCompletionStaysUploaded(t *testing.T) {
	ready := make(chan struct{})
	gate := make(chan struct{})
	work := func(ctx context.Context, _ enginepool.Engine, _ Request, _ ProgressFunc) (*jobs.TranscriptResult, error) {
		close(ready)
		<-gate
		return &jobs.TranscriptResult{Text: "done anyway"}, nil
	}
	svc, reg := newTestService(t, work, 2)
	addJob(t, reg, "job-1")

	_, err := svc.Submit(context.Background(), SubmitParams{JobIDs: []string{"job-1"}})
	require.NoError(t, err)
	<-ready

	_, err = svc.Cancel(context.Background(), "job-1")
	require.NoError(t, err)

	// Let the work function return success after the cancel landed; the
	// cancellation must still win.
	close(gate)
	time.Sleep(150 * time.Millisecond)

	j, err := reg.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusUploaded, j.Status)
	require.Equal(t, 0, j.Progress)
	require.NotContains(t, reg.CompletedIDs(), "job-1")
}

func TestCancelOnlyValidWhileProcessing(t *testing.T) {
	svc, reg := newTestService(t, instantWork, 2)
	addJob(t, reg, "job-1")

	_, err := svc.Cancel(context.Background(), "job-1")
	var conflict *jobs.ConflictError
	require.ErrorAs(t, err, &conflict)

	_, err = svc.Cancel(context.Background(), "ghost")
	var nf *jobs.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestCancelledJobCanBeResubmitted(t *testing.T) {
	var runs atomic.Int32
	gate := make(chan struct{})
	work := func(ctx context.Context, eng enginepool.Engine, req Request, progress ProgressFunc) (*jobs.TranscriptResult, error) {
		if runs.Add(1) == 1 {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ErrCancelled
			}
		}
		return instantWork(ctx, eng, req, progress)
	}
	svc, reg := newTestService(t, work, 2)
	addJob(t, reg, "job-1")

	_, err := svc.Submit(context.Background(), SubmitParams{JobIDs: []string{"job-1"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return reg.IsActive("job-1") }, 2*time.Second, 10*time.Millisecond)

	_, err = svc.Cancel(context.Background(), "job-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !reg.IsActive("job-1") }, 2*time.Second, 10*time.Millisecond)

	res, err := svc.Submit(context.Background(), SubmitParams{
		JobIDs:  []string{"job-1"},
		Wait:    true,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, []string{"job-1"}, res.Completed)
	close(gate)
}

func TestEngineUnavailableFailsJob(t *testing.T) {
	hold := make(chan struct{})
	work := func(ctx context.Context, _ enginepool.Engine, req Request, _ ProgressFunc) (*jobs.TranscriptResult, error) {
		if req.JobID == "holder" {
			select {
			case <-hold:
			case <-ctx.Done():
				return nil, ErrCancelled
			}
		}
		return &jobs.TranscriptResult{Text: "ok"}, nil
	}

	reg := jobs.NewRegistry()
	pool, err := enginepool.New(enginepool.Config{
		InitialSize:    1,
		MinSize:        1,
		MaxSize:        1,
		HealthInterval: time.Hour,
	}, NewSimFactory(2, 0), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	svc := NewService(reg, pool, zerolog.Nop()).
		WithWorkers(2).
		WithWorkFunc(work).
		WithAcquireTimeout(200 * time.Millisecond)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})

	addJob(t, reg, "holder")
	addJob(t, reg, "starved")

	_, err = svc.Submit(context.Background(), SubmitParams{JobIDs: []string{"holder"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pool.Stats().ActiveCount == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = svc.Submit(context.Background(), SubmitParams{JobIDs: []string{"starved"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := reg.Get("starved")
		return err == nil && j.Status == jobs.StatusError
	}, 3*time.Second, 20*time.Millisecond)

	j, err := reg.Get("starved")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(j.ErrorMessage, "engine unavailable"), "got %q", j.ErrorMessage)

	close(hold)
}

func TestWorkerPanicIsolatedPerJob(t *testing.T) {
	work := func(ctx context.Context, eng enginepool.Engine, req Request, progress ProgressFunc) (*jobs.TranscriptResult, error) {
		if req.JobID == "bomb" {
			panic("boom")
		}
		return instantWork(ctx, eng, req, progress)
	}
	svc, reg := newTestService(t, work, 2)
	addJob(t, reg, "bomb")
	addJob(t, reg, "fine")

	res, err := svc.Submit(context.Background(), SubmitParams{
		JobIDs:  []string{"bomb", "fine"},
		Wait:    true,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "completed", res.Status)
	require.Equal(t, []string{"fine"}, res.Completed)
	require.Equal(t, []string{"bomb"}, res.Failed)

	j, err := reg.Get("bomb")
	require.NoError(t, err)
	require.Contains(t, j.ErrorMessage, "internal error")
}

func TestStopResetsQueuedJobs(t *testing.T) {
	gate := make(chan struct{})
	work := func(ctx context.Context, _ enginepool.Engine, _ Request, _ ProgressFunc) (*jobs.TranscriptResult, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ErrCancelled
		}
		return &jobs.TranscriptResult{Text: "gated"}, nil
	}

	reg := jobs.NewRegistry()
	pool, err := enginepool.New(enginepool.Config{InitialSize: 1, MinSize: 1, MaxSize: 1, HealthInterval: time.Hour}, NewSimFactory(2, 0), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	svc := NewService(reg, pool, zerolog.Nop()).WithWorkers(1).WithWorkFunc(work)
	require.NoError(t, svc.Start(context.Background()))

	for _, id := range []string{"q1", "q2", "q3"} {
		addJob(t, reg, id)
	}
	_, err = svc.Submit(context.Background(), SubmitParams{JobIDs: []string{"q1", "q2", "q3"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))

	for _, id := range []string{"q1", "q2", "q3"} {
		j, err := reg.Get(id)
		require.NoError(t, err)
		require.Equal(t, jobs.StatusUploaded, j.Status, "job %s", id)
	}
	require.Empty(t, reg.ActiveIDs())

	_, err = svc.Submit(context.Background(), SubmitParams{JobIDs: []string{"q1"}})
	require.ErrorIs(t, err, ErrNotRunning)
}

// recObserver captures broadcast events for assertions.
type recObserver struct {
	mu     sync.Mutex
	events []events.Event
}

func (o *recObserver) Send(ev events.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
	return nil
}

func (o *recObserver) Close() error { return nil }

func (o *recObserver) snapshot() []events.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]events.Event(nil), o.events...)
}

func TestLifecycleEventsReachObservers(t *testing.T) {
	svc, reg := newTestService(t, instantWork, 2)

	b := events.NewBroadcaster(zerolog.Nop())
	t.Cleanup(b.Shutdown)
	obs := &recObserver{}
	b.Register(obs)
	svc.WithBroadcaster(b)

	addJob(t, reg, "job-1")
	res, err := svc.Submit(context.Background(), SubmitParams{
		JobIDs:  []string{"job-1"},
		Wait:    true,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	require.Eventually(t, func() bool {
		evs := obs.snapshot()
		return len(evs) > 0 && evs[len(evs)-1].Status == jobs.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	evs := obs.snapshot()
	require.Equal(t, jobs.StatusProcessing, evs[0].Status)
	require.Equal(t, 0, evs[0].Progress)
	require.Equal(t, 100, evs[len(evs)-1].Progress)
}

// memHistory is an in-memory stand-in for the history store.
type memHistory struct {
	mu   sync.Mutex
	recs []*storage.HistoryRecord
}

func (m *memHistory) Append(ctx context.Context, rec *storage.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memHistory) List(ctx context.Context, filter storage.HistoryFilter) ([]*storage.HistoryRecord, error) {
	return nil, nil
}

func (m *memHistory) Get(ctx context.Context, jobID string) (*storage.HistoryRecord, error) {
	return nil, nil
}

func (m *memHistory) Delete(ctx context.Context, jobID string) error { return nil }

func (m *memHistory) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

type recAlerter struct {
	completed atomic.Int32
	failed    atomic.Int32
	stopped   atomic.Int32
}

func (a *recAlerter) TranscriptionCompleted(context.Context, jobs.Job)      { a.completed.Add(1) }
func (a *recAlerter) TranscriptionFailed(context.Context, jobs.Job, string) { a.failed.Add(1) }
func (a *recAlerter) TranscriptionStopped(context.Context, jobs.Job)        { a.stopped.Add(1) }

func TestHistoryAndAlertHooks(t *testing.T) {
	work := func(ctx context.Context, eng enginepool.Engine, req Request, progress ProgressFunc) (*jobs.TranscriptResult, error) {
		if req.JobID == "bad" {
			return nil, context.DeadlineExceeded
		}
		return instantWork(ctx, eng, req, progress)
	}
	svc, reg := newTestService(t, work, 2)

	hist := &memHistory{}
	al := &recAlerter{}
	svc.WithHistory(hist).WithAlerter(al)

	addJob(t, reg, "good")
	addJob(t, reg, "bad")

	res, err := svc.Submit(context.Background(), SubmitParams{
		JobIDs:  []string{"good", "bad"},
		Wait:    true,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, []string{"good"}, res.Completed)
	require.Equal(t, []string{"bad"}, res.Failed)

	require.Equal(t, 1, hist.count())
	require.Equal(t, int32(1), al.completed.Load())
	require.Equal(t, int32(1), al.failed.Load())

	hist.mu.Lock()
	rec := hist.recs[0]
	hist.mu.Unlock()
	require.Equal(t, "good", rec.JobID)
	require.Equal(t, "completed", rec.Status)
	require.NotEmpty(t, rec.Text)
}

func TestDefaultWorkUsesRecognizerEngines(t *testing.T) {
	svc, reg := newTestService(t, nil, 2)
	addJob(t, reg, "job-1")

	res, err := svc.Submit(context.Background(), SubmitParams{
		JobIDs:   []string{"job-1"},
		Language: "en",
		Wait:     true,
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	j, err := reg.Get("job-1")
	require.NoError(t, err)
	require.NotNil(t, j.Result)
	require.Len(t, j.Result.Segments, 2)
	require.Equal(t, "en", j.Result.Language)
	require.NotEmpty(t, j.Result.EngineID)
}
