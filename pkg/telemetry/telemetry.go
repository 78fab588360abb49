// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry owns the Prometheus registry and every instrument the
// engine, pipeline, ingestion and search record into. Instruments are
// constructor-injected; nothing registers into a global registry.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the instrument set with its private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Task engine.
	TasksProcessed *prometheus.CounterVec // type, result
	TasksRetried   *prometheus.CounterVec // type
	TasksDead      *prometheus.CounterVec // type
	TaskDuration   *prometheus.HistogramVec
	TasksPending   prometheus.Gauge
	TasksRunning   prometheus.Gauge

	// Derivation pipeline.
	EmbeddingsGenerated *prometheus.CounterVec // modality
	VectorIndexSize     prometheus.Gauge
	PersonsTotal        prometheus.Gauge

	// Ingestion and search.
	IngestFilesScanned *prometheus.CounterVec // result
	SearchRequests     *prometheus.CounterVec // kind
}

// New builds the instrument set on a fresh registry with the standard
// process and Go collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	m := &Metrics{
		registry: reg,
		TasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_processed_total",
			Help: "Tasks that reached a terminal handler outcome, by type and result.",
		}, []string{"type", "result"}),
		TasksRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_retried_total",
			Help: "Transient task failures that were rescheduled.",
		}, []string{"type"}),
		TasksDead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_dead_total",
			Help: "Tasks moved to the dead-letter state.",
		}, []string{"type"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Wall-clock handler duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~80s
		}, []string{"type"}),
		TasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tasks_pending",
			Help: "Current pending queue depth.",
		}),
		TasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tasks_running",
			Help: "Tasks currently claimed by workers.",
		}),
		EmbeddingsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "embeddings_generated_total",
			Help: "Embeddings persisted, by modality.",
		}, []string{"modality"}),
		VectorIndexSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vector_index_size",
			Help: "Vectors resident in the image index.",
		}),
		PersonsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "persons_total",
			Help: "Active persons in the face graph.",
		}),
		IngestFilesScanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_files_scanned_total",
			Help: "Files considered by scans, by outcome.",
		}, []string{"result"}),
		SearchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_requests_total",
			Help: "Search invocations, by query kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.TasksProcessed, m.TasksRetried, m.TasksDead, m.TaskDuration,
		m.TasksPending, m.TasksRunning,
		m.EmbeddingsGenerated, m.VectorIndexSize, m.PersonsTotal,
		m.IngestFilesScanned, m.SearchRequests,
	)
	return m
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the registry for tests that assert on instrument values.
func (m *Metrics) Gather() prometheus.Gatherer {
	return m.registry
}
