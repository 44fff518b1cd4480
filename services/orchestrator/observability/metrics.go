// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the orchestration
// engine: request counters, token usage, latency histograms, active stream
// and download gauges. Exposed via the /metrics endpoint.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "tiller"
	engineSubsystem  = "engine"
)

// EngineMetrics holds all Prometheus metrics for the engine. Initialize once
// at startup via InitMetrics; double registration panics.
//
// # Thread Safety
//
// All operations are thread-safe via Prometheus's internal locking.
type EngineMetrics struct {
	// RequestsTotal counts generation requests.
	// Labels: endpoint (generate, stream, ensemble), backend, status
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts tokens by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures streamed latency to first token.
	// Labels: backend
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// RequestDurationSeconds measures end-to-end generation duration.
	// Labels: endpoint, backend, status
	RequestDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks in-flight streaming connections.
	ActiveStreams prometheus.Gauge

	// DownloadsTotal counts model pulls by terminal outcome.
	// Labels: backend, status (completed, error)
	DownloadsTotal *prometheus.CounterVec

	// ErrorsTotal counts failures by taxonomy kind.
	// Labels: endpoint, kind
	ErrorsTotal *prometheus.CounterVec

	// RoutingDecisionsTotal counts router outcomes by detected task.
	// Labels: task
	RoutingDecisionsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance, set by InitMetrics.
var DefaultMetrics *EngineMetrics

// InitMetrics creates and registers all engine metrics on the default
// Prometheus registry.
func InitMetrics() *EngineMetrics {
	DefaultMetrics = &EngineMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "requests_total",
				Help:      "Total generation requests by endpoint, backend and status",
			},
			[]string{"endpoint", "backend", "status"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from dispatch to first streamed token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"backend"},
		),

		RequestDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "request_duration_seconds",
				Help:      "End-to-end generation duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "backend", "status"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
		),

		DownloadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "downloads_total",
				Help:      "Total model downloads by backend and terminal status",
			},
			[]string{"backend", "status"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "errors_total",
				Help:      "Total failures by endpoint and error kind",
			},
			[]string{"endpoint", "kind"},
		),

		RoutingDecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "routing_decisions_total",
				Help:      "Total routing decisions by detected task type",
			},
			[]string{"task"},
		),
	}
	return DefaultMetrics
}

// RecordRequest records a completed request.
func (m *EngineMetrics) RecordRequest(endpoint, backend string, success bool) {
	m.RequestsTotal.WithLabelValues(endpoint, backend, statusLabel(success)).Inc()
}

// RecordTokens records prompt and completion token counts for model.
func (m *EngineMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// RecordTimeToFirstToken records streamed first-token latency.
func (m *EngineMetrics) RecordTimeToFirstToken(backend string, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(backend).Observe(seconds)
}

// RecordDuration records an end-to-end request duration.
func (m *EngineMetrics) RecordDuration(endpoint, backend string, seconds float64, success bool) {
	m.RequestDurationSeconds.WithLabelValues(endpoint, backend, statusLabel(success)).Observe(seconds)
}

// RecordError records a failure under its taxonomy kind.
func (m *EngineMetrics) RecordError(endpoint, kind string) {
	m.ErrorsTotal.WithLabelValues(endpoint, kind).Inc()
}

// RecordDownload records a terminal download outcome.
func (m *EngineMetrics) RecordDownload(backend string, success bool) {
	status := "completed"
	if !success {
		status = "error"
	}
	m.DownloadsTotal.WithLabelValues(backend, status).Inc()
}

// RecordRoutingDecision records a classified routing outcome.
func (m *EngineMetrics) RecordRoutingDecision(task string) {
	m.RoutingDecisionsTotal.WithLabelValues(task).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *EngineMetrics) StreamStarted() { m.ActiveStreams.Inc() }

// StreamEnded decrements the active streams gauge.
func (m *EngineMetrics) StreamEnded() { m.ActiveStreams.Dec() }

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
