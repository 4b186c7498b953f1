// Copyright 2025 Voxlane Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

package subscribers

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/voxlane/voxlane/pkg/output"
)

// DiagnosticSubscriber renders diagnostic events to stderr when the user
// raised verbosity with -v/-vv/-vvv. It ignores everything else; regular
// output stays with the human or JSON formatter.
type DiagnosticSubscriber struct {
	maxLevel output.OutputLevel
	writer   io.Writer
}

// NewDiagnosticSubscriber creates a subscriber showing diagnostics up to
// and including maxLevel.
func NewDiagnosticSubscriber(maxLevel output.OutputLevel, writer io.Writer) *DiagnosticSubscriber {
	return &DiagnosticSubscriber{
		maxLevel: maxLevel,
		writer:   writer,
	}
}

// Name returns the subscriber identifier.
func (s *DiagnosticSubscriber) Name() string {
	return "diagnostic-subscriber"
}

// ShouldHandle accepts diagnostic events at or below the configured level.
func (s *DiagnosticSubscriber) ShouldHandle(event output.OutputEvent) bool {
	return event.Type == output.EventDiag && event.Level <= s.maxLevel
}

// Handle writes one line per diagnostic event:
//
//	[VERBOSE] 12:30:45 engine acquired engine:sim-1
func (s *DiagnosticSubscriber) Handle(event output.OutputEvent) {
	line := fmt.Sprintf("[%s] %s %s",
		levelLabel(event.Level),
		event.Timestamp.Format("15:04:05"),
		event.Message)

	if len(event.Metadata) > 0 {
		keys := make([]string, 0, len(event.Metadata))
		for k := range event.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, fmt.Sprintf("%s:%v", k, event.Metadata[k]))
		}
		line += " " + strings.Join(pairs, " ")
	}

	_, _ = fmt.Fprintln(s.writer, line)
}

func levelLabel(level output.OutputLevel) string {
	switch level {
	case output.LevelVerbose:
		return "VERBOSE"
	case output.LevelDebug:
		return "DEBUG"
	case output.LevelTrace:
		return "TRACE"
	default:
		return "DIAG"
	}
}
