package transcribe

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRunner records the invocation and plays back a canned result.
type fakeRunner struct {
	name  string
	args  []string
	out   commandOutput
	err   error
	block bool
	calls int
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (commandOutput, error) {
	f.calls++
	f.name = name
	f.args = args
	if f.block {
		<-ctx.Done()
		return commandOutput{}, ctx.Err()
	}
	if ctx.Err() != nil {
		return commandOutput{}, ctx.Err()
	}
	return f.out, f.err
}

func noopProgress(string, int, string) error { return nil }

func TestExecEngineBuildsCommandArgs(t *testing.T) {
	runner := &fakeRunner{out: commandOutput{Stdout: "ok"}}
	eng := newExecEngineWithRunner(ExecConfig{
		Command: "/usr/local/bin/recognize",
		Args:    []string{"transcribe", "--format", "json"},
		Options: map[string]any{"model": "base", "beam_size": 5, "vad": true},
	}, runner)

	req := Request{
		JobID:    "job-1",
		Source:   "/audio/job-1.wav",
		Language: "en",
		Hotword:  "voxlane",
	}
	_, err := eng.Transcribe(context.Background(), req, noopProgress)
	require.NoError(t, err)

	require.Equal(t, "/usr/local/bin/recognize", runner.name)
	require.Equal(t, []string{
		"transcribe", "--format", "json",
		"--beam_size", "5",
		"--model", "base",
		"--vad", "true",
		"--language", "en",
		"--hotword", "voxlane",
		"/audio/job-1.wav",
	}, runner.args)
}

func TestExecEngineAutoLanguageOmitted(t *testing.T) {
	for _, lang := range []string{"", "auto", "AUTO"} {
		runner := &fakeRunner{out: commandOutput{Stdout: "ok"}}
		eng := newExecEngineWithRunner(ExecConfig{Command: "rec"}, runner)

		_, err := eng.Transcribe(context.Background(), Request{Source: "a.wav", Language: lang}, noopProgress)
		require.NoError(t, err)
		require.NotContains(t, runner.args, "--language", "language %q", lang)
		require.Equal(t, "a.wav", runner.args[len(runner.args)-1])
	}
}

func TestExecEngineParsesJSONOutput(t *testing.T) {
	runner := &fakeRunner{out: commandOutput{
		Stdout: `{"text":"你好 世界","segments":[{"start":0,"end":1.5,"text":"你好"},{"start":1.5,"end":3,"text":"世界"}],"language":"zh","duration_seconds":3}`,
	}}
	eng := newExecEngineWithRunner(ExecConfig{Command: "rec"}, runner)

	res, err := eng.Transcribe(context.Background(), Request{Source: "a.wav", Language: "auto"}, noopProgress)
	require.NoError(t, err)
	require.Equal(t, "你好 世界", res.Text)
	require.Len(t, res.Segments, 2)
	require.Equal(t, 1.5, res.Segments[0].End)
	require.Equal(t, "zh", res.Language)
	require.Equal(t, float64(3), res.DurationSec)
	require.Equal(t, eng.ID(), res.EngineID)
}

func TestExecEnginePlainTextFallback(t *testing.T) {
	runner := &fakeRunner{out: commandOutput{Stdout: "  hello from the meeting  \n"}}
	eng := newExecEngineWithRunner(ExecConfig{Command: "rec"}, runner)

	res, err := eng.Transcribe(context.Background(), Request{Source: "a.wav", Language: "en"}, noopProgress)
	require.NoError(t, err)
	require.Equal(t, "hello from the meeting", res.Text)
	require.Empty(t, res.Segments)
	// The engine reported nothing, so the requested language stands in.
	require.Equal(t, "en", res.Language)
}

func TestExecEngineCommandFailure(t *testing.T) {
	runner := &fakeRunner{
		out: commandOutput{Stderr: "model file not found: base.bin\n", ExitCode: 3},
		err: errors.New("exit status 3"),
	}
	eng := newExecEngineWithRunner(ExecConfig{Command: "rec"}, runner)

	_, err := eng.Transcribe(context.Background(), Request{Source: "a.wav"}, noopProgress)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exit 3")
	require.Contains(t, err.Error(), "model file not found")
}

func TestExecEngineCancelledContext(t *testing.T) {
	runner := &fakeRunner{out: commandOutput{Stdout: "never"}}
	eng := newExecEngineWithRunner(ExecConfig{Command: "rec"}, runner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Transcribe(ctx, Request{Source: "a.wav"}, noopProgress)
	require.ErrorIs(t, err, ErrCancelled)
}

func TestExecEngineTimeout(t *testing.T) {
	runner := &fakeRunner{block: true}
	eng := newExecEngineWithRunner(ExecConfig{Command: "rec", Timeout: 20 * time.Millisecond}, runner)

	start := time.Now()
	_, err := eng.Transcribe(context.Background(), Request{Source: "a.wav"}, noopProgress)
	require.Error(t, err)
	require.Contains(t, err.Error(), "timed out")
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestExecEngineProgressAbortSkipsCommand(t *testing.T) {
	runner := &fakeRunner{out: commandOutput{Stdout: "never"}}
	eng := newExecEngineWithRunner(ExecConfig{Command: "rec"}, runner)

	abort := func(string, int, string) error { return ErrCancelled }
	_, err := eng.Transcribe(context.Background(), Request{Source: "a.wav"}, abort)
	require.ErrorIs(t, err, ErrCancelled)
	require.Zero(t, runner.calls)
}

func TestExecEngineStderrTailTruncated(t *testing.T) {
	runner := &fakeRunner{
		out: commandOutput{Stderr: strings.Repeat("x", 2000) + " final line", ExitCode: 1},
		err: errors.New("exit status 1"),
	}
	eng := newExecEngineWithRunner(ExecConfig{Command: "rec"}, runner)

	_, err := eng.Transcribe(context.Background(), Request{Source: "a.wav"}, noopProgress)
	require.Error(t, err)
	require.Contains(t, err.Error(), "final line")
	require.Less(t, len(err.Error()), 600)
}

func TestExecFactory(t *testing.T) {
	factory := NewExecFactory(ExecConfig{Command: "rec"})

	a, err := factory(context.Background())
	require.NoError(t, err)
	b, err := factory(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, a.ID(), b.ID())
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	_, err = NewExecFactory(ExecConfig{})(context.Background())
	require.Error(t, err)
}
