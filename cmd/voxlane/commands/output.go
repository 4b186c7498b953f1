package commands

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/voxlane/voxlane/pkg/output"
	"github.com/voxlane/voxlane/pkg/output/subscribers"
)

// setupOutputPipeline builds the event stream feeding the terminal: a
// human or JSON formatter depending on --output, plus the diagnostic
// subscriber when verbosity is raised.
func setupOutputPipeline(cmd *cobra.Command) output.Output {
	stream := output.NewOutputEventStream()

	formatFlag, _ := cmd.Flags().GetString("output")
	switch strings.ToLower(formatFlag) {
	case "json":
		stream.Subscribe(subscribers.NewJSONFormatter(os.Stdout))
	default:
		stream.Subscribe(subscribers.NewHumanFormatter(os.Stdout, os.Stderr, stdoutIsTerminal()))
	}

	verbosityCount, _ := cmd.Flags().GetCount("verbosity")
	if verbosityCount > 0 {
		maxLevel := output.LevelVerbose
		if verbosityCount >= 3 {
			maxLevel = output.LevelTrace
		} else if verbosityCount == 2 {
			maxLevel = output.LevelDebug
		}
		stream.Subscribe(subscribers.NewDiagnosticSubscriber(maxLevel, os.Stderr))
	}

	return output.NewDefaultOutput(stream)
}

// stdoutIsTerminal reports whether stdout is an interactive terminal, so
// styling is skipped for pipes and redirects.
func stdoutIsTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
