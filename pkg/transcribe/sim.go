package transcribe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxlane/voxlane/pkg/enginepool"
	"github.com/voxlane/voxlane/pkg/jobs"
)

// SimEngine is a deterministic in-process engine for environments without
// a real recognition backend. It produces one synthetic segment per step
// with a configurable per-step delay and honors cancellation at every
// progress checkpoint, which makes it useful in tests and for the CLI's
// simulate mode.
type SimEngine struct {
	id        string
	steps     int
	stepDelay time.Duration
}

// NewSimFactory returns an engine factory producing SimEngines.
func NewSimFactory(steps int, stepDelay time.Duration) enginepool.Factory {
	return func(ctx context.Context) (enginepool.Engine, error) {
		return NewSimEngine(steps, stepDelay), nil
	}
}

// NewSimEngine creates a simulated engine.
func NewSimEngine(steps int, stepDelay time.Duration) *SimEngine {
	if steps <= 0 {
		steps = 4
	}
	return &SimEngine{
		id:        uuid.New().String(),
		steps:     steps,
		stepDelay: stepDelay,
	}
}

// ID returns the engine instance identifier.
func (e *SimEngine) ID() string { return e.id }

// Close is a no-op; the simulated engine holds no resources.
func (e *SimEngine) Close() error { return nil }

// Transcribe produces a synthetic transcript for the request.
func (e *SimEngine) Transcribe(ctx context.Context, req Request, progress ProgressFunc) (*jobs.TranscriptResult, error) {
	segs := make([]jobs.Segment, 0, e.steps)
	lines := make([]string, 0, e.steps)

	for i := 1; i <= e.steps; i++ {
		if e.stepDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ErrCancelled
			case <-time.After(e.stepDelay):
			}
		}

		text := fmt.Sprintf("simulated segment %d for %s", i, req.Name)
		segs = append(segs, jobs.Segment{
			Start: float64(i - 1),
			End:   float64(i),
			Text:  text,
		})
		lines = append(lines, text)

		if err := progress(fmt.Sprintf("decode %d/%d", i, e.steps), i*100/e.steps, ""); err != nil {
			return nil, err
		}
	}

	return &jobs.TranscriptResult{
		Text:        strings.Join(lines, " "),
		Segments:    segs,
		Language:    req.Language,
		DurationSec: float64(e.steps),
		EngineID:    e.id,
	}, nil
}
