package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/voxlane/voxlane/pkg/enginepool"
	"github.com/voxlane/voxlane/pkg/jobs"
)

// ExecConfig describes the external recognition command an ExecEngine
// runs once per job.
type ExecConfig struct {
	// Command is the recognition binary.
	Command string

	// Args are extra arguments placed before the generated options and
	// the audio path.
	Args []string

	// Options are loosely typed engine options rendered as --key value
	// pairs in sorted key order, e.g. {"model": "base", "beam_size": 5}.
	Options map[string]any

	// Timeout bounds a single run. Zero means the job context alone
	// limits it.
	Timeout time.Duration
}

// commandOutput is one finished process invocation.
type commandOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandOutput, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandOutput, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := commandOutput{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		out.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
		}
		return out, err
	}
	return out, nil
}

// ExecEngine runs an external recognition command per transcription. The
// command receives the audio path as its last argument and is expected to
// print the transcript on stdout, either as JSON ({"text": ...,
// "segments": [...]}) or as plain text.
type ExecEngine struct {
	id     string
	cfg    ExecConfig
	runner commandRunner
}

// NewExecFactory returns an engine factory producing ExecEngines.
func NewExecFactory(cfg ExecConfig) enginepool.Factory {
	return func(ctx context.Context) (enginepool.Engine, error) {
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, errors.New("transcribe: engine command is empty")
		}
		return NewExecEngine(cfg), nil
	}
}

// NewExecEngine creates an engine around the given command.
func NewExecEngine(cfg ExecConfig) *ExecEngine {
	return &ExecEngine{
		id:     uuid.New().String(),
		cfg:    cfg,
		runner: execRunner{},
	}
}

// newExecEngineWithRunner injects a fake runner for tests.
func newExecEngineWithRunner(cfg ExecConfig, runner commandRunner) *ExecEngine {
	e := NewExecEngine(cfg)
	e.runner = runner
	return e
}

// ID returns the engine instance identifier.
func (e *ExecEngine) ID() string { return e.id }

// Close is a no-op; each run spawns and reaps its own process.
func (e *ExecEngine) Close() error { return nil }

// Transcribe runs the recognition command for the request.
func (e *ExecEngine) Transcribe(ctx context.Context, req Request, progress ProgressFunc) (*jobs.TranscriptResult, error) {
	// The pre-spawn checkpoint catches jobs cancelled while queued.
	if err := progress("prepare", 5, ""); err != nil {
		return nil, err
	}

	runCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	args := e.buildArgs(req)
	out, err := e.runner.Run(runCtx, e.cfg.Command, args...)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ErrCancelled
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return nil, fmt.Errorf("recognition timed out after %s", e.cfg.Timeout)
		default:
			return nil, fmt.Errorf("recognition command failed (exit %d): %s", out.ExitCode, stderrTail(out.Stderr))
		}
	}

	if err := progress("decode", 90, ""); err != nil {
		return nil, err
	}

	result := parseTranscript(out.Stdout)
	if result.Language == "" {
		result.Language = req.Language
	}
	result.EngineID = e.id
	return result, nil
}

// buildArgs assembles the full argument list: configured extras, rendered
// options, recognition hints, then the audio path last.
func (e *ExecEngine) buildArgs(req Request) []string {
	args := make([]string, 0, len(e.cfg.Args)+2*len(e.cfg.Options)+5)
	args = append(args, e.cfg.Args...)

	keys := make([]string, 0, len(e.cfg.Options))
	for k := range e.cfg.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--"+k, cast.ToString(e.cfg.Options[k]))
	}

	if lang := strings.TrimSpace(req.Language); lang != "" && !strings.EqualFold(lang, "auto") {
		args = append(args, "--language", lang)
	}
	if req.Hotword != "" {
		args = append(args, "--hotword", req.Hotword)
	}

	return append(args, req.Source)
}

// execTranscript is the JSON shape recognition commands may print.
type execTranscript struct {
	Text        string         `json:"text"`
	Segments    []jobs.Segment `json:"segments"`
	Language    string         `json:"language"`
	DurationSec float64        `json:"duration_seconds"`
}

// parseTranscript decodes command output. JSON wins when stdout parses and
// carries text; anything else is taken as the plain transcript.
func parseTranscript(stdout string) *jobs.TranscriptResult {
	trimmed := strings.TrimSpace(stdout)

	var decoded execTranscript
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil && decoded.Text != "" {
		return &jobs.TranscriptResult{
			Text:        decoded.Text,
			Segments:    decoded.Segments,
			Language:    decoded.Language,
			DurationSec: decoded.DurationSec,
		}
	}

	return &jobs.TranscriptResult{Text: trimmed}
}

// stderrTail keeps error messages readable when a command dumps pages of
// diagnostics before dying.
func stderrTail(stderr string) string {
	s := strings.TrimSpace(stderr)
	if s == "" {
		return "no error output"
	}
	const max = 400
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return s
}
