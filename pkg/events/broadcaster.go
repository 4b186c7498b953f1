// Copyright 2025 Voxlane Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

// Package events delivers per-job status and progress updates to connected
// observers.
//
// Ordering: every job gets its own buffered queue drained by a single
// consumer goroutine, so events for one job are delivered in the order they
// were produced no matter which goroutine produced them. Nothing is
// guaranteed across jobs. Queues are created lazily on the first publish
// for a job and torn down after a terminal event so idle jobs cost nothing.
//
// Delivery is broadcast-to-all: a dashboard listing every job needs global
// visibility, so observers receive updates for all jobs regardless of
// per-job subscriptions. Subscriptions are tracked only as an optional
// narrower channel for transports that want them.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxlane/voxlane/pkg/jobs"
)

// queueCapacity bounds each per-job delivery queue. When a queue is
// saturated, non-terminal updates are dropped (they are superseded moments
// later anyway); terminal events block until enqueued because they must
// reach observers.
const queueCapacity = 256

// enqueueWait bounds blocking sends into a saturated queue whose consumer
// may already be stopping.
const enqueueWait = time.Second

// Event is one status/progress update for a job.
type Event struct {
	Type      string         `json:"type"`
	JobID     string         `json:"job_id"`
	Status    jobs.Status    `json:"status"`
	Progress  int            `json:"progress"`
	Message   string         `json:"message,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventTypeJobStatus is the wire type tag carried by every event.
const EventTypeJobStatus = "job_status"

// Observer receives events. Send must be safe for concurrent use by the
// per-job consumers; a Send error marks the observer broken and it is
// dropped and closed.
type Observer interface {
	Send(Event) error
	Close() error
}

// Broadcaster fans job events out to all registered observers with per-job
// ordering and duplicate suppression.
type Broadcaster struct {
	logger zerolog.Logger

	connMu sync.Mutex
	conns  map[Observer]struct{}
	subs   map[string]map[Observer]struct{}

	// stateMu guards only the dedup cache, separate from queue and
	// connection bookkeeping.
	stateMu      sync.Mutex
	lastProgress map[string]int
	lastStatus   map[string]jobs.Status

	queueMu sync.Mutex
	queues  map[string]chan *Event
	closed  bool

	consumers sync.WaitGroup
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		logger:       logger.With().Str("component", "events").Logger(),
		conns:        make(map[Observer]struct{}),
		subs:         make(map[string]map[Observer]struct{}),
		lastProgress: make(map[string]int),
		lastStatus:   make(map[string]jobs.Status),
		queues:       make(map[string]chan *Event),
	}
}

// Register adds an observer to the broadcast set.
func (b *Broadcaster) Register(obs Observer) {
	b.connMu.Lock()
	b.conns[obs] = struct{}{}
	n := len(b.conns)
	b.connMu.Unlock()

	b.logger.Info().Int("observers", n).Msg("Observer registered")
}

// Unregister removes an observer from the broadcast set and from every
// per-job subscription. The observer is not closed; the caller owns it.
func (b *Broadcaster) Unregister(obs Observer) {
	b.connMu.Lock()
	delete(b.conns, obs)
	for jobID, set := range b.subs {
		delete(set, obs)
		if len(set) == 0 {
			delete(b.subs, jobID)
		}
	}
	n := len(b.conns)
	b.connMu.Unlock()

	b.logger.Info().Int("observers", n).Msg("Observer unregistered")
}

// Subscribe records an observer's interest in one job. Delivery stays
// global; the subscription is bookkeeping for transports that expose it.
func (b *Broadcaster) Subscribe(obs Observer, jobID string) {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if _, registered := b.conns[obs]; !registered {
		return
	}
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[Observer]struct{})
		b.subs[jobID] = set
	}
	set[obs] = struct{}{}
}

// ObserverCount returns the number of registered observers.
func (b *Broadcaster) ObserverCount() int {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	return len(b.conns)
}

// Publish enqueues a status update for delivery. Fire-and-forget: ordering
// per job is guaranteed by the job's queue, and the caller never learns
// about (or waits on) individual observer failures.
func (b *Broadcaster) Publish(jobID string, status jobs.Status, progress int, message string) {
	b.PublishEvent(Event{
		JobID:    jobID,
		Status:   status,
		Progress: progress,
		Message:  message,
	})
}

// PublishEvent is Publish for callers that need to attach Extra data.
func (b *Broadcaster) PublishEvent(ev Event) {
	ev.Type = EventTypeJobStatus
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	q := b.queueFor(ev.JobID)
	if q == nil {
		return // shut down
	}

	select {
	case q <- &ev:
	default:
		if ev.Status.IsTerminal() {
			// Terminal events must not be lost, but the consumer may have
			// already stopped on an earlier terminal, so bound the wait.
			select {
			case q <- &ev:
			case <-time.After(enqueueWait):
				b.logger.Error().Str("job_id", ev.JobID).Str("status", ev.Status.String()).
					Msg("Failed to enqueue terminal event")
			}
			return
		}
		b.logger.Debug().Str("job_id", ev.JobID).Int("progress", ev.Progress).
			Msg("Delivery queue saturated, dropping progress update")
	}
}

// Shutdown stops every consumer and closes all observers. Pending queued
// events are delivered before the consumers exit.
func (b *Broadcaster) Shutdown() {
	b.queueMu.Lock()
	if b.closed {
		b.queueMu.Unlock()
		return
	}
	b.closed = true
	queues := make([]chan *Event, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.queueMu.Unlock()

	for _, q := range queues {
		select {
		case q <- nil: // stop sentinel
		default:
			// Saturated queue: either the consumer is mid-drain and the
			// sentinel will fit shortly, or it already stopped on a
			// terminal event and the sentinel is moot.
			go func(q chan *Event) {
				select {
				case q <- nil:
				case <-time.After(enqueueWait):
				}
			}(q)
		}
	}
	b.consumers.Wait()

	b.connMu.Lock()
	for obs := range b.conns {
		if err := obs.Close(); err != nil {
			b.logger.Debug().Err(err).Msg("Observer close failed during shutdown")
		}
	}
	b.conns = make(map[Observer]struct{})
	b.subs = make(map[string]map[Observer]struct{})
	b.connMu.Unlock()

	b.logger.Info().Msg("Broadcaster shut down")
}

// queueFor returns the job's delivery queue, creating the queue and its
// consumer goroutine on first use.
func (b *Broadcaster) queueFor(jobID string) chan *Event {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	if b.closed {
		return nil
	}
	q, ok := b.queues[jobID]
	if !ok {
		q = make(chan *Event, queueCapacity)
		b.queues[jobID] = q
		b.consumers.Add(1)
		go b.consume(jobID, q)
		b.logger.Debug().Str("job_id", jobID).Msg("Created delivery queue")
	}
	return q
}

// consume drains one job's queue sequentially. It exits on the nil stop
// sentinel or after delivering a terminal event, then removes the queue so
// a later publish for the same job starts fresh.
func (b *Broadcaster) consume(jobID string, q chan *Event) {
	defer b.consumers.Done()
	defer func() {
		b.queueMu.Lock()
		if b.queues[jobID] == q {
			delete(b.queues, jobID)
		}
		b.queueMu.Unlock()
		b.logger.Debug().Str("job_id", jobID).Msg("Delivery queue torn down")
	}()

	for ev := range q {
		if ev == nil {
			return
		}
		if terminal := b.deliver(ev); terminal {
			return
		}
	}
}

// deliver applies the dedup policy and broadcasts qualifying events.
// Returns true when the event was terminal (the consumer stops).
//
// An update goes out only if its progress strictly exceeds the last
// delivered progress, or its status changed, or its status is terminal.
// Terminal events always go out, then the dedup cache for the job is
// purged so a resubmitted job starts from a clean slate.
func (b *Broadcaster) deliver(ev *Event) bool {
	terminal := ev.Status.IsTerminal()

	b.stateMu.Lock()
	last, seen := b.lastProgress[ev.JobID]
	if !seen {
		last = -1
	}
	progressIncreased := ev.Progress > last
	statusChanged := ev.Status != b.lastStatus[ev.JobID]

	if !progressIncreased && !statusChanged && !terminal {
		b.stateMu.Unlock()
		return false
	}
	b.lastProgress[ev.JobID] = ev.Progress
	b.lastStatus[ev.JobID] = ev.Status
	b.stateMu.Unlock()

	b.broadcast(*ev)

	if terminal {
		b.stateMu.Lock()
		delete(b.lastProgress, ev.JobID)
		delete(b.lastStatus, ev.JobID)
		b.stateMu.Unlock()
	}
	return terminal
}

// broadcast sends the event to every observer. A failed observer is
// dropped and closed; one broken connection never blocks or corrupts
// delivery to the rest.
func (b *Broadcaster) broadcast(ev Event) {
	b.connMu.Lock()
	targets := make([]Observer, 0, len(b.conns))
	for obs := range b.conns {
		targets = append(targets, obs)
	}
	b.connMu.Unlock()

	var failed []Observer
	for _, obs := range targets {
		if err := obs.Send(ev); err != nil {
			b.logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("Observer send failed, dropping")
			failed = append(failed, obs)
		}
	}

	for _, obs := range failed {
		b.Unregister(obs)
		_ = obs.Close()
	}
}
