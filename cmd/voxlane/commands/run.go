package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/voxlane/voxlane/cmd/voxlane/internal/bind"
	"github.com/voxlane/voxlane/cmd/voxlane/internal/format"
	"github.com/voxlane/voxlane/pkg/config"
	"github.com/voxlane/voxlane/pkg/enginepool"
	"github.com/voxlane/voxlane/pkg/events"
	"github.com/voxlane/voxlane/pkg/jobs"
	"github.com/voxlane/voxlane/pkg/output"
	"github.com/voxlane/voxlane/pkg/transcribe"
)

// RunCmd defines the 'run' command for one-shot local transcription.
var RunCmd = &cobra.Command{
	Use:   "run [files...]",
	Short: "Transcribe local audio files without a server",
	Long: `Transcribes the given audio files in-process and prints the results.
The command builds the same engine pool and orchestrator the server uses,
waits for every file to finish (or the timeout to expire), then renders
the transcripts in the requested format.`,
	GroupID: "core",
	Args:    cobra.ArbitraryArgs,
	RunE:    runRunCommand,
}

func runRunCommand(cmd *cobra.Command, args []string) error {
	formatter := format.FromCommand(cmd)
	out := setupOutputPipeline(cmd)

	opts, err := bind.BindRunOptions(cmd, args)
	if err != nil {
		return formatter.PrintTotalFailureSummary("run", err, transcribe.ErrorCode(err))
	}

	logger := log.With().Str("command", "run").Logger()
	logger.Info().Strs("files", opts.Files).Msg("Initializing one-shot transcription")

	out.Diag(output.LevelVerbose, "Initializing one-shot transcription", map[string]any{
		"files": opts.Files,
	})

	cfg := config.FromContext(cmd.Context())

	// Register every input before any engine spins up so path mistakes
	// fail fast.
	registry := jobs.NewRegistry()
	jobIDs, err := registerLocalFiles(registry, opts)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to register input files")
		return formatter.PrintTotalFailureSummary("run", err, transcribe.ErrorCode(err))
	}

	pool, err := enginepool.New(enginepool.Config{
		InitialSize: 1,
		MinSize:     1,
		MaxSize:     opts.Workers,
	}, engineFactory(cfg.Engine, opts.Simulate), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create engine pool")
		return formatter.PrintTotalFailureSummary("run", err, transcribe.ErrorCode(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pool.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Engine pool shutdown failed")
		}
	}()

	svc := transcribe.NewService(registry, pool, logger).
		WithWorkers(opts.Workers).
		WithAcquireTimeout(time.Duration(cfg.Orchestrator.AcquireTimeoutSec) * time.Second)

	// Live progress only makes sense for a human watching text output.
	progressWanted, _ := cmd.Flags().GetBool("progress")
	if progressWanted && strings.ToLower(opts.OutputFormat) == "text" {
		broadcaster := events.NewBroadcaster(logger)
		defer broadcaster.Shutdown()
		broadcaster.Register(&progressObserver{logger: logger, out: out})
		svc.WithBroadcaster(broadcaster)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return formatter.PrintTotalFailureSummary("run", err, transcribe.ErrorCode(err))
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svc.Stop(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("Orchestrator stop failed")
		}
	}()

	if strings.ToLower(opts.OutputFormat) == "text" {
		// Only show the banner in default mode (not in verbose/debug mode)
		verbosityCount, _ := cmd.Flags().GetCount("verbosity")
		if verbosityCount == 0 {
			out.Info(fmt.Sprintf("Starting transcription of %d file(s)...", len(jobIDs)))
		}
	}

	res, runErr := svc.Submit(ctx, transcribe.SubmitParams{
		JobIDs:   jobIDs,
		Language: opts.Language,
		Hotword:  opts.Hotword,
		Wait:     true,
		Timeout:  opts.Timeout,
	})
	if runErr != nil {
		logger.Error().Err(runErr).Msg("Transcription failed")
		out.Error(runErr)
		return formatter.PrintTotalFailureSummary("run", runErr, transcribe.ErrorCode(runErr))
	}

	return renderRunOutput(out, formatter, opts, res, logger)
}

// registerLocalFiles adds one job per input file, rejecting paths that do
// not resolve to a readable file.
func registerLocalFiles(registry *jobs.Registry, opts bind.RunOptions) ([]string, error) {
	jobIDs := make([]string, 0, len(opts.Files))
	for _, file := range opts.Files {
		abs, err := filepath.Abs(file)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", file, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, jobs.NewInvalidInputError(fmt.Sprintf("audio file %s: %v", file, err))
		}
		if info.IsDir() {
			return nil, jobs.NewInvalidInputError(fmt.Sprintf("%s is a directory", file))
		}

		job := &jobs.Job{
			ID:       uuid.New().String(),
			Name:     filepath.Base(abs),
			Source:   abs,
			Language: opts.Language,
			Hotword:  opts.Hotword,
		}
		if err := registry.Add(job); err != nil {
			return nil, err
		}
		jobIDs = append(jobIDs, job.ID)
	}
	return jobIDs, nil
}

func renderRunOutput(out output.Output, formatter format.Formatter, opts bind.RunOptions, res *transcribe.SubmitResult, logger zerolog.Logger) error {
	switch strings.ToLower(opts.OutputFormat) {
	case "json":
		jsonData, jsonErr := json.MarshalIndent(res, "", "  ")
		if jsonErr != nil {
			logger.Error().Err(jsonErr).Msg("Failed to marshal result to JSON")
			return formatter.PrintTotalFailureSummary("run", jsonErr, transcribe.ErrorCode(jsonErr))
		}
		fmt.Println(string(jsonData))
	case "yaml":
		yamlData, yamlErr := yaml.Marshal(res)
		if yamlErr != nil {
			logger.Error().Err(yamlErr).Msg("Failed to marshal result to YAML")
			return formatter.PrintTotalFailureSummary("run", yamlErr, transcribe.ErrorCode(yamlErr))
		}
		fmt.Println(string(yamlData))
	default:
		printTranscripts(out, res)
		printRunSummary(out, res)
	}

	// Exit non-zero when the batch did not fully complete so scripts can
	// rely on the status code.
	if !res.Success {
		var err error
		if res.Status == "timeout" {
			err = fmt.Errorf("%d job(s) still pending after %s: %w",
				len(res.Pending), opts.Timeout, context.DeadlineExceeded)
		} else {
			err = fmt.Errorf("%d of %d job(s) failed", len(res.Failed), len(res.JobIDs))
		}
		return formatter.PrintTotalFailureSummary("run", err, transcribe.ErrorCode(err))
	}
	return nil
}

func printTranscripts(out output.Output, res *transcribe.SubmitResult) {
	out.Info("--- Transcripts ---")

	for _, oc := range res.Outcomes {
		out.Info(fmt.Sprintf("\n## Job: %s", oc.Name))
		out.Diag(output.LevelVerbose, "Job outcome", map[string]any{
			"job_id":   oc.JobID,
			"status":   oc.Status.String(),
			"progress": oc.Progress,
		})

		switch {
		case oc.Status == jobs.StatusCompleted && oc.Result != nil:
			if oc.Result.Language != "" {
				out.Info(fmt.Sprintf("   Language: %s", oc.Result.Language))
			}
			if oc.Result.DurationSec > 0 {
				out.Info(fmt.Sprintf("   Duration: %.1fs", oc.Result.DurationSec))
			}
			out.Info("   " + oc.Result.Text)
		case oc.Status == jobs.StatusError:
			out.Warning(fmt.Sprintf("   Transcription failed: %s", oc.ErrorMessage))
		default:
			out.Info(fmt.Sprintf("   Status: %s (%d%%)", oc.Status, oc.Progress))
		}
	}

	if len(res.Pending) > 0 {
		out.Warning(fmt.Sprintf("\n%d job(s) did not finish before the deadline", len(res.Pending)))
	}

	out.Info("\n--- End of Transcripts ---")
}

// printRunSummary displays a human-readable summary table of the batch.
func printRunSummary(out output.Output, res *transcribe.SubmitResult) {
	var totalAudio float64
	var totalSegments int
	for _, oc := range res.Outcomes {
		if oc.Result != nil {
			totalAudio += oc.Result.DurationSec
			totalSegments += len(oc.Result.Segments)
		}
	}

	headers := []string{"Metric", "Value"}
	rows := [][]string{
		{"Jobs", fmt.Sprintf("%d", len(res.JobIDs))},
		{"Completed", fmt.Sprintf("%d", len(res.Completed))},
		{"Failed", fmt.Sprintf("%d", len(res.Failed))},
	}
	if len(res.Pending) > 0 {
		rows = append(rows, []string{"Pending", fmt.Sprintf("%d", len(res.Pending))})
	}
	if totalAudio > 0 {
		rows = append(rows, []string{"Audio", fmt.Sprintf("%.1fs", totalAudio)})
	}
	if totalSegments > 0 {
		rows = append(rows, []string{"Segments", fmt.Sprintf("%d", totalSegments)})
	}

	out.Table(headers, rows)
}

// progressObserver forwards broadcast job events to the terminal while a
// batch runs.
type progressObserver struct {
	logger zerolog.Logger
	out    output.Output
}

func (p *progressObserver) Send(ev events.Event) error {
	// Structured logging for debugging
	p.logger.Info().
		Str("job_id", ev.JobID).
		Str("status", ev.Status.String()).
		Int("progress", ev.Progress).
		Msg("transcription progress")

	if p.out == nil {
		return nil
	}

	switch ev.Status {
	case jobs.StatusProcessing:
		p.out.Progress(ev.Progress, 100, fmt.Sprintf("%s transcribing %s", statusIcon(ev.Status), shortID(ev.JobID)))
	default:
		message := fmt.Sprintf("%s %s", statusIcon(ev.Status), shortID(ev.JobID))
		if ev.Message != "" {
			message = fmt.Sprintf("%s %s", statusIcon(ev.Status), ev.Message)
		}
		p.out.Info(message)
	}
	return nil
}

func (p *progressObserver) Close() error { return nil }

// statusIcon returns an icon based on job status.
func statusIcon(status jobs.Status) string {
	switch status {
	case jobs.StatusProcessing:
		return "⏳"
	case jobs.StatusCompleted:
		return "✓"
	case jobs.StatusError:
		return "✗"
	default:
		return "•"
	}
}

// shortID trims a UUID to its first group for terminal display.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

func init() {
	RunCmd.Flags().StringP("language", "l", "auto", "Recognition language hint ('auto' lets the engine decide)")
	RunCmd.Flags().String("hotword", "", "Phrase boost passed through to the engine")
	RunCmd.Flags().Duration("timeout", 10*time.Minute, "How long to wait for the batch before giving up")
	RunCmd.Flags().Int("workers", 4, "Concurrent transcriptions")
	RunCmd.Flags().Bool("simulate", false, "Use the built-in simulated engine regardless of config")
	RunCmd.Flags().Bool("progress", false, "Print live progress updates while transcribing")
	RunCmd.Flags().StringP("output", "o", "text", "Output format: text, json, yaml")
}
