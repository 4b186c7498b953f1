// Package bind extracts and validates command flags into typed option
// structs for the service layer. Keeping the translation here leaves the
// command RunE functions free of flag plumbing and makes the validation
// rules testable without a live CLI.
package bind

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxlane/voxlane/pkg/jobs"
)

var (
	// ErrInvalidPort rejects listen ports outside the TCP range.
	ErrInvalidPort = errors.New("must be between 1 and 65535")

	// ErrInvalidWorkers rejects non-positive worker counts.
	ErrInvalidWorkers = errors.New("must be at least 1")

	// ErrInvalidTimeout rejects non-positive wait deadlines.
	ErrInvalidTimeout = errors.New("must be positive")
)

// RunOptions carries everything the one-shot run command needs.
type RunOptions struct {
	Files        []string
	Language     string
	Hotword      string
	Timeout      time.Duration
	Workers      int
	Simulate     bool
	OutputFormat string
}

// BindRunOptions reads the run command flags and validates them together
// with the positional audio file arguments.
//
// Flags read:
//   - --language: recognition language hint ("auto" lets the engine decide)
//   - --hotword: phrase boost passed through to the engine
//   - --timeout: how long to wait for the batch before giving up
//   - --workers: concurrent transcriptions
//   - --simulate: use the built-in simulated engine
//   - --output: rendering format (text, json, yaml)
func BindRunOptions(cmd *cobra.Command, files []string) (RunOptions, error) {
	language, _ := cmd.Flags().GetString("language")
	hotword, _ := cmd.Flags().GetString("hotword")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	workers, _ := cmd.Flags().GetInt("workers")
	simulate, _ := cmd.Flags().GetBool("simulate")
	output, _ := cmd.Flags().GetString("output")

	if len(files) == 0 {
		return RunOptions{}, jobs.NewInvalidInputError("at least one audio file is required")
	}
	if workers < 1 {
		return RunOptions{}, fmt.Errorf("invalid workers %d: %w", workers, ErrInvalidWorkers)
	}
	if timeout <= 0 {
		return RunOptions{}, fmt.Errorf("invalid timeout %s: %w", timeout, ErrInvalidTimeout)
	}

	return RunOptions{
		Files:        files,
		Language:     language,
		Hotword:      hotword,
		Timeout:      timeout,
		Workers:      workers,
		Simulate:     simulate,
		OutputFormat: output,
	}, nil
}
