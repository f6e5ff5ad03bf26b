// Package telemetry exposes run-time fuzzing metrics over Prometheus
// (SPEC_FULL.md §4.11): this is pure observability, not the HTML/LCOV
// coverage *reporting* spec.md places out of scope, so it is carried
// regardless of that Non-goal, same as cmd/metrics/metrics_server.go
// registers and serves its own GaugeVecs with promhttp.
package telemetry

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"snapfuzz/internal/model"
)

const metricPrefix = "snapfuzz_"

// Recorder holds the registered collectors a run updates after every
// iteration. Construct one per run with NewRecorder; it is safe to update
// concurrently since the underlying prometheus vectors are.
type Recorder struct {
	registry        *prometheus.Registry
	iterationsTotal prometheus.Counter
	exitKindTotal   *prometheus.CounterVec
	coverageBytes   prometheus.Gauge
	newEdgesTotal   prometheus.Counter
}

// NewRecorder registers snapfuzz's metrics on a fresh registry (rather
// than the global default registry) so a test or a second run in the same
// process never collides with "duplicate metrics collector registration".
func NewRecorder() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}
	r.iterationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: metricPrefix + "iterations_total",
		Help: "Total number of completed fuzzing iterations.",
	})
	r.exitKindTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricPrefix + "exit_kind_total",
		Help: "Completed iterations by collapsed exit kind.",
	}, []string{"kind"})
	r.coverageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: metricPrefix + "coverage_bytes_hit",
		Help: "Number of distinct non-zero bytes in the coverage bitmap.",
	})
	r.newEdgesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: metricPrefix + "new_edges_total",
		Help: "Total number of previously-unseen edges observed across the run.",
	})
	r.registry.MustRegister(r.iterationsTotal, r.exitKindTotal, r.coverageBytes, r.newEdgesTotal)
	return r
}

// RecordIteration updates the per-iteration counters after an ExitKind has
// been classified and the engine has observed it.
func (r *Recorder) RecordIteration(kind model.ExitKind, newEdges int) {
	r.iterationsTotal.Inc()
	r.exitKindTotal.WithLabelValues(kind.String()).Inc()
	if newEdges > 0 {
		r.newEdgesTotal.Add(float64(newEdges))
	}
}

// SetCoverageBytesHit records the number of distinct non-zero bitmap
// entries, a cheap proxy for "how much of the map is in use".
func (r *Recorder) SetCoverageBytesHit(n int) {
	r.coverageBytes.Set(float64(n))
}

// Serve starts an HTTP server exposing /metrics via promhttp against this
// Recorder's registry, shutting down when ctx is cancelled. It mirrors
// cmd/metrics/metrics_server.go's startPrometheusServer shape, generalized
// to take a context instead of running forever.
func (r *Recorder) Serve(ctx context.Context, listenAddr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutting down telemetry server", slog.String("error", err.Error()))
		}
	}()
	slog.Info("starting telemetry server", slog.String("address", listenAddr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("telemetry server exited", slog.String("error", err.Error()))
	}
}
