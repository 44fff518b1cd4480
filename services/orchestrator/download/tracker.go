// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package download tracks asynchronous model pulls: a pull is started,
// handed a job id immediately, and polled for progress until it reaches a
// terminal state.
package download

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tillerml/tiller/services/llm"
	"github.com/tillerml/tiller/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("tiller.orchestrator.download")

// ErrJobNotFound is returned for unknown or already-evicted job ids.
var ErrJobNotFound = errors.New("download job not found")

// defaultRetention is how long a terminal job stays queryable. Clients poll
// on a human timescale, so a quarter hour is plenty to observe the outcome.
const defaultRetention = 15 * time.Minute

// job pairs a tracked record with its cancel hook.
type job struct {
	record datatypes.DownloadJob
	cancel context.CancelFunc
}

// Tracker owns the live and recently-finished download jobs.
//
// # Thread Safety
//
// Safe for concurrent use. The worker goroutine and pollers share the job
// table under one RWMutex; the worker only writes through applyProgress and
// finish, which clamp updates so progress never moves backward and a
// terminal record never changes again.
type Tracker struct {
	mu        sync.RWMutex
	jobs      map[string]*job
	retention time.Duration

	// onFinish, when set, observes each terminal outcome exactly once.
	onFinish func(backend string, success bool)
}

// NewTracker creates a Tracker. retention <= 0 selects the default.
func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Tracker{
		jobs:      make(map[string]*job),
		retention: retention,
	}
}

// OnFinish registers an observer for terminal outcomes. Call before any
// Start; the observer runs outside the tracker lock.
func (t *Tracker) OnFinish(fn func(backend string, success bool)) {
	t.onFinish = fn
}

// Start begins pulling model on backend and returns the job id.
//
// # Description
//
// Backends that cannot pull are rejected synchronously with an
// unsupported-operation error and no job record, so the caller learns
// immediately rather than polling a doomed job. Otherwise the pull runs on
// its own goroutine, detached from the caller's request context: an HTTP
// client disconnecting must not abort a multi-gigabyte pull.
func (t *Tracker) Start(backend llm.Backend, model string) (string, error) {
	info := backend.Info(context.Background())
	if !info.SupportsPull {
		return "", llm.Errf(llm.KindUnsupported, backend.Name(), "backend cannot pull models")
	}

	pullCtx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	j := &job{
		record: datatypes.DownloadJob{
			ID:        id,
			Model:     model,
			Backend:   backend.Name(),
			Status:    datatypes.DownloadPending,
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}

	t.mu.Lock()
	t.jobs[id] = j
	t.mu.Unlock()

	slog.Info("model download started", "job_id", id, "model", model, "backend", backend.Name())
	go t.run(pullCtx, backend, model, id)
	return id, nil
}

// run executes the pull and drives the job record to a terminal state.
func (t *Tracker) run(ctx context.Context, backend llm.Backend, model, id string) {
	ctx, span := tracer.Start(ctx, "Tracker.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("download.model", model),
		attribute.String("download.backend", backend.Name()),
		attribute.String("download.job_id", id),
	)

	err := backend.PullModel(ctx, model, func(pct float64, message string) {
		t.applyProgress(id, pct, message)
	})

	switch {
	case err == nil:
		t.finish(id, datatypes.DownloadCompleted, "download complete")
	case errors.Is(err, context.Canceled):
		t.finish(id, datatypes.DownloadError, "download cancelled")
	default:
		slog.Error("model download failed", "job_id", id, "model", model, "error", err)
		t.finish(id, datatypes.DownloadError, err.Error())
	}
}

// applyProgress records a progress report, clamped to [0,100] and never
// moving backward. Backends report per-layer progress that resets between
// layers; the clamp turns that into one monotonic number.
func (t *Tracker) applyProgress(id string, pct float64, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	if !ok || j.record.Status.Terminal() {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct > j.record.Progress {
		j.record.Progress = pct
	}
	j.record.Status = datatypes.DownloadDownloading
	if message != "" {
		j.record.Message = message
	}
}

// finish moves the job to a terminal state exactly once.
func (t *Tracker) finish(id string, status datatypes.DownloadStatus, message string) {
	t.mu.Lock()
	j, ok := t.jobs[id]
	if !ok || j.record.Status.Terminal() {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	j.record.Status = status
	j.record.Message = message
	j.record.FinishedAt = &now
	if status == datatypes.DownloadCompleted {
		j.record.Progress = 100
	}
	j.cancel()
	backend := j.record.Backend
	t.mu.Unlock()

	if t.onFinish != nil {
		t.onFinish(backend, status == datatypes.DownloadCompleted)
	}
}

// Status returns a copy of the job record. Terminal jobs past the retention
// window are evicted lazily and report ErrJobNotFound.
func (t *Tracker) Status(id string) (datatypes.DownloadJob, error) {
	t.mu.RLock()
	j, ok := t.jobs[id]
	var record datatypes.DownloadJob
	if ok {
		record = j.record
	}
	t.mu.RUnlock()

	if !ok {
		return datatypes.DownloadJob{}, ErrJobNotFound
	}
	if record.Status.Terminal() && time.Since(*record.FinishedAt) > t.retention {
		t.mu.Lock()
		delete(t.jobs, id)
		t.mu.Unlock()
		return datatypes.DownloadJob{}, ErrJobNotFound
	}
	return record, nil
}

// List returns copies of every retained job record.
func (t *Tracker) List() []datatypes.DownloadJob {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]datatypes.DownloadJob, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, j.record)
	}
	return out
}

// Cancel aborts a running pull. Cancelling a terminal or unknown job returns
// ErrJobNotFound.
func (t *Tracker) Cancel(id string) error {
	t.mu.RLock()
	j, ok := t.jobs[id]
	t.mu.RUnlock()

	if !ok || j.record.Status.Terminal() {
		return ErrJobNotFound
	}
	j.cancel()
	return nil
}

// Sweep evicts terminal jobs older than the retention window. Callers may
// run it periodically; Status also evicts lazily, so sweeping is an
// optimization, not a correctness requirement.
func (t *Tracker) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, j := range t.jobs {
		if j.record.Status.Terminal() && time.Since(*j.record.FinishedAt) > t.retention {
			delete(t.jobs, id)
		}
	}
}
