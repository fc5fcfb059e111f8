// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package metrics defines the Prometheus collectors of the orchestrator.
// All recording methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the orchestrator collectors.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	StepsTotal        *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
	ReplansTotal      *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	CacheSwept        prometheus.Counter
	FeedbackRequests  *prometheus.CounterVec
	Classifications   *prometheus.CounterVec
	LLMCalls          *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
}

// New creates unregistered collectors.
func New() *Metrics {
	return &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexflow_orchestrator_executions_total",
				Help: "Total number of executions by final status",
			},
			[]string{"status"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lexflow_orchestrator_execution_duration_seconds",
				Help:    "Execution duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),
		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexflow_orchestrator_steps_total",
				Help: "Total number of executed steps by tool and status",
			},
			[]string{"tool", "status"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lexflow_orchestrator_step_duration_milliseconds",
				Help:    "Step duration in milliseconds",
				Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000, 180000},
			},
			[]string{"tool"},
		),
		ReplansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexflow_orchestrator_replans_total",
				Help: "Total number of replanning decisions by strategy",
			},
			[]string{"strategy"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexflow_orchestrator_cache_lookups_total",
				Help: "Cache lookups by kind and outcome",
			},
			[]string{"kind", "result"},
		),
		CacheSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lexflow_orchestrator_cache_swept_total",
				Help: "Expired cache entries removed by the sweeper",
			},
		),
		FeedbackRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexflow_orchestrator_feedback_requests_total",
				Help: "Human feedback requests by outcome",
			},
			[]string{"status"},
		),
		Classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexflow_orchestrator_classifications_total",
				Help: "Intent classifications by label and stage",
			},
			[]string{"label", "stage"},
		),
		LLMCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexflow_orchestrator_llm_calls_total",
				Help: "Total number of LLM API calls",
			},
			[]string{"provider", "status"},
		),
		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lexflow_orchestrator_active_executions",
				Help: "Executions currently running",
			},
		),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister registers the collectors and panics on conflict.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.collectors()...)
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ExecutionsTotal, m.ExecutionDuration, m.StepsTotal, m.StepDuration,
		m.ReplansTotal, m.CacheLookups, m.CacheSwept, m.FeedbackRequests, m.Classifications,
		m.LLMCalls, m.ActiveExecutions,
	}
}

// ExecutionStarted increments the active executions gauge.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Inc()
}

// ExecutionFinished records a finished execution.
func (m *Metrics) ExecutionFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveExecutions.Dec()
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.WithLabelValues(status).Observe(d.Seconds())
}

// StepFinished records one step run.
func (m *Metrics) StepFinished(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(tool, status).Inc()
	m.StepDuration.WithLabelValues(tool).Observe(float64(d.Milliseconds()))
}

// Replanned records a replanning decision.
func (m *Metrics) Replanned(strategy string) {
	if m == nil {
		return
	}
	m.ReplansTotal.WithLabelValues(strategy).Inc()
}

// CacheLookup records a cache hit or miss.
func (m *Metrics) CacheLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(kind, result).Inc()
}

// CacheSweep records entries removed by one sweep.
func (m *Metrics) CacheSweep(removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.CacheSwept.Add(float64(removed))
}

// Feedback records a feedback request outcome.
func (m *Metrics) Feedback(status string) {
	if m == nil {
		return
	}
	m.FeedbackRequests.WithLabelValues(status).Inc()
}

// Classified records an intent classification.
func (m *Metrics) Classified(label, stage string) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(label, stage).Inc()
}

// LLMCall records a language model call.
func (m *Metrics) LLMCall(provider string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.LLMCalls.WithLabelValues(provider, status).Inc()
}
