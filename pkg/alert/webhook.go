// Copyright 2025 Voxlane Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

// Package alert forwards transcription lifecycle events to an external
// workflow webhook.
//
// Deliveries are fire-and-forget: each event is posted from its own
// goroutine with a short timeout so a slow or unreachable endpoint never
// stalls the orchestrator. Failures are logged and dropped; the webhook is
// an audit trail, not a source of truth.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxlane/voxlane/pkg/jobs"
)

// Event levels accepted by the workflow.
const (
	LevelSuccess = "SUCCESS"
	LevelError   = "ERROR"
)

// Event types reported to the workflow.
const (
	EventTranscribe = "transcribe"
	EventError      = "error"
	EventStop       = "stop_transcribe"
)

const defaultTimeout = 5 * time.Second

// Config holds webhook settings. The webhook is disabled unless both
// BaseURL and Token are set.
type Config struct {
	// BaseURL is the root of the workflow service, e.g.
	// "http://localhost:5001".
	BaseURL string `json:"base_url" koanf:"base_url"`

	// Token is the bearer token sent with every delivery.
	Token string `json:"token" koanf:"token"`

	// WorkflowID pins deliveries to a specific workflow version. When
	// empty the published workflow is used.
	WorkflowID string `json:"workflow_id" koanf:"workflow_id"`

	// UserID is the reporting identity. When empty a per-event identity
	// derived from the job ID is used.
	UserID string `json:"user_id" koanf:"user_id"`
}

// Webhook posts transcription lifecycle events to a workflow endpoint.
// It satisfies the orchestrator's alerter hook.
type Webhook struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// Option configures the Webhook.
type Option func(*Webhook)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(w *Webhook) {
		w.client = client
	}
}

// NewWebhook creates a webhook alerter for the given endpoint.
func NewWebhook(cfg Config, logger zerolog.Logger, opts ...Option) *Webhook {
	w := &Webhook{
		cfg: cfg,
		client: &http.Client{
			Timeout: defaultTimeout,
		},
		logger: logger.With().Str("component", "alert").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enabled reports whether deliveries are configured.
func (w *Webhook) Enabled() bool {
	return w.cfg.BaseURL != "" && w.cfg.Token != ""
}

// Flush blocks until all in-flight deliveries have finished. Deliveries
// carry their own timeout, so Flush returns within that bound.
func (w *Webhook) Flush() {
	w.wg.Wait()
}

// TranscriptionCompleted reports a successfully transcribed job.
func (w *Webhook) TranscriptionCompleted(ctx context.Context, job jobs.Job) {
	detail := ""
	if job.Result != nil {
		detail = marshalDetail(struct {
			Characters  int     `json:"characters"`
			Segments    int     `json:"segments"`
			DurationSec float64 `json:"duration_seconds"`
			EngineID    string  `json:"engine_id,omitempty"`
		}{
			Characters:  len([]rune(job.Result.Text)),
			Segments:    len(job.Result.Segments),
			DurationSec: job.Result.DurationSec,
			EngineID:    job.Result.EngineID,
		})
	}
	w.send(event{
		taskID:    job.ID,
		eventType: EventTranscribe,
		level:     LevelSuccess,
		message:   fmt.Sprintf("Transcription completed: %s", job.Name),
		detail:    detail,
		filename:  job.Name,
	})
}

// TranscriptionFailed reports a job that ended in an error.
func (w *Webhook) TranscriptionFailed(ctx context.Context, job jobs.Job, reason string) {
	w.send(event{
		taskID:    job.ID,
		eventType: EventError,
		level:     LevelError,
		message:   fmt.Sprintf("Transcription failed: %s", job.Name),
		detail:    reason,
		filename:  job.Name,
	})
}

// TranscriptionStopped reports a job cancelled by the user.
func (w *Webhook) TranscriptionStopped(ctx context.Context, job jobs.Job) {
	w.send(event{
		taskID:    job.ID,
		eventType: EventStop,
		level:     LevelSuccess,
		message:   fmt.Sprintf("Transcription stopped: %s", job.Name),
		detail:    marshalDetail(struct {
			Progress int `json:"progress"`
		}{Progress: job.Progress}),
		filename: job.Name,
	})
}

type event struct {
	taskID    string
	eventType string
	level     string
	message   string
	detail    string
	filename  string
}

type webhookInputs struct {
	TaskID    string `json:"task_id"`
	Level     string `json:"level"`
	Module    string `json:"module"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
	EventType string `json:"event_type"`
	Filename  string `json:"filename,omitempty"`
}

type webhookPayload struct {
	Inputs       webhookInputs `json:"inputs"`
	ResponseMode string        `json:"response_mode"`
	User         string        `json:"user"`
}

func (w *Webhook) send(ev event) {
	if !w.Enabled() {
		w.logger.Debug().
			Str("event_type", ev.eventType).
			Str("job_id", ev.taskID).
			Msg("Webhook not configured, skipping delivery")
		return
	}

	user := w.cfg.UserID
	if user == "" {
		user = "event_" + ev.taskID
	}
	payload := webhookPayload{
		Inputs: webhookInputs{
			TaskID:    ev.taskID,
			Level:     ev.level,
			Module:    "orchestrator",
			Message:   ev.message,
			Detail:    ev.detail,
			Timestamp: w.now().UTC().Format(time.RFC3339),
			EventType: ev.eventType,
			Filename:  ev.filename,
		},
		ResponseMode: "blocking",
		User:         user,
	}

	// Detached from the caller: a cancelled request context must not
	// abort an audit delivery that is already on its way out.
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.post(payload)
	}()
}

func (w *Webhook) post(payload webhookPayload) {
	url := w.cfg.BaseURL + "/v1/workflows/run"
	if w.cfg.WorkflowID != "" {
		url = fmt.Sprintf("%s/v1/workflows/%s/run", w.cfg.BaseURL, w.cfg.WorkflowID)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to encode webhook payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		w.logger.Warn().Err(err).Str("url", url).Msg("Failed to build webhook request")
		return
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn().Err(err).Str("url", url).Msg("Webhook delivery failed")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		w.logger.Warn().
			Int("status", resp.StatusCode).
			Str("url", url).
			Str("event_type", payload.Inputs.EventType).
			Msg("Webhook delivery rejected")
		return
	}

	w.logger.Debug().
		Str("event_type", payload.Inputs.EventType).
		Str("level", payload.Inputs.Level).
		Str("job_id", payload.Inputs.TaskID).
		Msg("Webhook delivered")
}

func marshalDetail(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
