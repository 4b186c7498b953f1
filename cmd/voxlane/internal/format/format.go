// Package format renders command-level failure summaries in the output
// format the user asked for. Success output goes through the output event
// stream; this package only owns the "the whole command failed" path, so
// scripts get a parseable object and humans get one styled line.
package format

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var failureStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("9")).
	Bold(true)

// Formatter renders terminal failure summaries.
type Formatter interface {
	// PrintTotalFailureSummary reports that the command failed entirely,
	// then returns the error so RunE propagates a non-zero exit.
	PrintTotalFailureSummary(command string, err error, code string) error
}

// FromCommand picks a formatter from the command's --output flag. Commands
// without the flag get the text formatter.
func FromCommand(cmd *cobra.Command) Formatter {
	outputFormat := "text"
	if f := cmd.Flags().Lookup("output"); f != nil {
		outputFormat = f.Value.String()
	}

	switch strings.ToLower(outputFormat) {
	case "json":
		return jsonFormatter{w: cmd.OutOrStdout()}
	case "yaml":
		return yamlFormatter{w: cmd.OutOrStdout()}
	default:
		return textFormatter{w: cmd.ErrOrStderr()}
	}
}

// failureSummary is the machine-readable failure shape.
type failureSummary struct {
	Success bool   `json:"success" yaml:"success"`
	Command string `json:"command" yaml:"command"`
	Error   string `json:"error" yaml:"error"`
	Code    string `json:"code,omitempty" yaml:"code,omitempty"`
}

type textFormatter struct {
	w io.Writer
}

func (f textFormatter) PrintTotalFailureSummary(command string, err error, code string) error {
	line := fmt.Sprintf("✗ %s failed: %v", command, err)
	if code != "" {
		line += fmt.Sprintf(" (%s)", code)
	}
	if colorEnabled(f.w) {
		line = failureStyle.Render(line)
	}
	_, _ = fmt.Fprintln(f.w, line)
	return err
}

type jsonFormatter struct {
	w io.Writer
}

func (f jsonFormatter) PrintTotalFailureSummary(command string, err error, code string) error {
	summary := failureSummary{Command: command, Error: err.Error(), Code: code}
	if encErr := json.NewEncoder(f.w).Encode(summary); encErr != nil {
		return fmt.Errorf("encode failure summary: %w", encErr)
	}
	return err
}

type yamlFormatter struct {
	w io.Writer
}

func (f yamlFormatter) PrintTotalFailureSummary(command string, err error, code string) error {
	summary := failureSummary{Command: command, Error: err.Error(), Code: code}
	data, encErr := yaml.Marshal(summary)
	if encErr != nil {
		return fmt.Errorf("encode failure summary: %w", encErr)
	}
	_, _ = f.w.Write(data)
	return err
}

// colorEnabled reports whether styled output makes sense for the writer.
// Only real terminals get color; buffers and pipes see plain text.
func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
