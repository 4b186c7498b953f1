package jobs

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestJob(id string) *Job {
	return &Job{
		ID:       id,
		Name:     id + ".wav",
		Source:   "/tmp/" + id + ".wav",
		Language: "zh",
	}
}

func TestRegistry_AddAndGet(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Add(newTestJob("a")))

	got, err := r.Get("a")
	require.NoError(t, err)
	require.Equal(t, "a", got.ID)
	require.Equal(t, StatusUploaded, got.Status, "Add should default status to uploaded")
	require.False(t, got.CreatedAt.IsZero(), "Add should stamp CreatedAt")
}

func TestRegistry_AddDuplicateRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newTestJob("a")))

	err := r.Add(newTestJob("a"))
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "a", conflict.ID)
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newTestJob("a")))

	first, err := r.Get("a")
	require.NoError(t, err)
	first.Status = StatusError
	first.Progress = 99

	second, err := r.Get("a")
	require.NoError(t, err)
	require.Equal(t, StatusUploaded, second.Status, "mutating a returned copy must not affect the registry")
	require.Equal(t, 0, second.Progress)
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("missing")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "missing", notFound.ID)
}

func TestRegistry_UpdateMergesPatch(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newTestJob("a")))

	status := StatusProcessing
	progress := 42
	updated, err := r.Update("a", Patch{Status: &status, Progress: &progress})
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, updated.Status)
	require.Equal(t, 42, updated.Progress)
	require.Equal(t, "zh", updated.Language, "fields missing from the patch must be untouched")

	// A second patch touching another field leaves the first intact.
	msg := "engine unavailable"
	updated, err = r.Update("a", Patch{ErrorMessage: &msg})
	require.NoError(t, err)
	require.Equal(t, 42, updated.Progress)
	require.Equal(t, "engine unavailable", updated.ErrorMessage)
}

func TestRegistry_UpdateUnknown(t *testing.T) {
	r := NewRegistry()
	progress := 10
	_, err := r.Update("missing", Patch{Progress: &progress})
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRegistry_BeginProcessing(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newTestJob("a")))

	j, err := r.BeginProcessing("a")
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, j.Status)
	require.Equal(t, 0, j.Progress)
	require.False(t, j.Cancelled)
	require.True(t, r.IsActive("a"))

	// Second attempt while active must fail and leave state untouched.
	_, err = r.BeginProcessing("a")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)

	got, err := r.Get("a")
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, got.Status)
}

func TestRegistry_BeginProcessingRaces(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newTestJob("a")))

	const attempts = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, attempts)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.BeginProcessing("a"); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var won int
	for range wins {
		won++
	}
	require.Equal(t, 1, won, "exactly one concurrent BeginProcessing may win")
}

func TestRegistry_CancellationFlag(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newTestJob("a")))

	require.False(t, r.IsCancelled("a"))
	require.NoError(t, r.SetCancelled("a"))
	require.True(t, r.IsCancelled("a"))

	// Unknown jobs read as cancelled so stale workers stop.
	require.True(t, r.IsCancelled("ghost"))
}

func TestRegistry_SetProgressOnlyWhileProcessing(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newTestJob("a")))

	// Not processing yet: the write is ignored, not an error.
	require.NoError(t, r.SetProgress("a", 50))
	got, err := r.Get("a")
	require.NoError(t, err)
	require.Equal(t, 0, got.Progress)

	_, err = r.BeginProcessing("a")
	require.NoError(t, err)
	require.NoError(t, r.SetProgress("a", 50))
	got, err = r.Get("a")
	require.NoError(t, err)
	require.Equal(t, 50, got.Progress)

	var notFound *NotFoundError
	require.ErrorAs(t, r.SetProgress("ghost", 10), &notFound)
}

func TestRegistry_CompleteProcessing(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newTestJob("a")))

	result := &TranscriptResult{Text: "hello", Language: "zh"}
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	// Only a processing job may commit.
	_, ok := r.CompleteProcessing("a", result, at)
	require.False(t, ok)
	_, ok = r.CompleteProcessing("ghost", result, at)
	require.False(t, ok)

	_, err := r.BeginProcessing("a")
	require.NoError(t, err)
	job, ok := r.CompleteProcessing("a", result, at)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, job.Status)
	require.Equal(t, 100, job.Progress)
	require.Equal(t, at, job.CompletedAt)
	require.Contains(t, r.CompletedIDs(), "a")

	// The registry holds its own copy of the result.
	result.Text = "mutated"
	got, err := r.Get("a")
	require.NoError(t, err)
	require.Equal(t, "hello", got.Result.Text)

	// Already terminal: a second commit is refused.
	_, ok = r.CompleteProcessing("a", result, at)
	require.False(t, ok)
}

func TestRegistry_CompleteProcessingRefusedAfterCancel(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newTestJob("a")))

	_, err := r.BeginProcessing("a")
	require.NoError(t, err)
	require.NoError(t, r.SetCancelled("a"))

	// A worker that lost the race to a cancellation must not resurrect
	// the job as completed.
	_, ok := r.CompleteProcessing("a", &TranscriptResult{Text: "late"}, time.Now())
	require.False(t, ok)
	require.NotContains(t, r.CompletedIDs(), "a")

	got, err := r.Get("a")
	require.NoError(t, err)
	require.Nil(t, got.Result)
}

func TestRegistry_FailProcessing(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newTestJob("a")))
	require.NoError(t, r.Add(newTestJob("b")))

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, ok := r.FailProcessing("a", "engine unavailable", at)
	require.False(t, ok, "only a processing job may fail")

	_, err := r.BeginProcessing("a")
	require.NoError(t, err)
	job, ok := r.FailProcessing("a", "engine unavailable", at)
	require.True(t, ok)
	require.Equal(t, StatusError, job.Status)
	require.Equal(t, "engine unavailable", job.ErrorMessage)
	require.Equal(t, at, job.CompletedAt)

	// Cancelled jobs refuse the failure commit as well.
	_, err = r.BeginProcessing("b")
	require.NoError(t, err)
	require.NoError(t, r.SetCancelled("b"))
	_, ok = r.FailProcessing("b", "late failure", at)
	require.False(t, ok)
	got, err := r.Get("b")
	require.NoError(t, err)
	require.Empty(t, got.ErrorMessage)
}

func TestRegistry_RemovePurgesMembershipSets(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newTestJob("a")))

	_, err := r.BeginProcessing("a")
	require.NoError(t, err)
	r.MarkCompleted("a")

	require.True(t, r.Remove("a"))
	require.NotContains(t, r.ActiveIDs(), "a")
	require.NotContains(t, r.CompletedIDs(), "a")
	require.Equal(t, 0, r.Len())
}

func TestRegistry_RemoveNeverMember(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newTestJob("a")))

	// Never active, never completed: Remove must still succeed and the
	// membership sets must still not contain the ID afterwards.
	require.True(t, r.Remove("a"))
	require.Empty(t, r.ActiveIDs())
	require.Empty(t, r.CompletedIDs())

	// Removing a job that was never registered is a no-op.
	require.False(t, r.Remove("never-there"))
}

func TestRegistry_ListSortedByCreation(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Add(newTestJob(id)))
	}

	list := r.List()
	require.Len(t, list, 3)
	require.Equal(t, []string{"c", "a", "b"}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestRegistry_ConcurrentMutation(t *testing.T) {
	r := NewRegistry()
	const n = 64

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("job-%03d", i)
			if err := r.Add(newTestJob(id)); err != nil {
				t.Error(err)
				return
			}
			progress := i % 101
			if _, err := r.Update(id, Patch{Progress: &progress}); err != nil {
				t.Error(err)
			}
			if _, err := r.Get(id); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, n, r.Len())
}
