/*******************************************************************************
 * Copyright (c) 2026 Genome Research Ltd.
 *
 * Authors:
 *   Sendu Bala <sb10@sanger.ac.uk>
 *
 * Permission is hereby granted, free of charge, to any person obtaining
 * a copy of this software and associated documentation files (the
 * "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish,
 * distribute, sublicense, and/or sell copies of the Software, and to
 * permit persons to whom the Software is furnished to do so, subject to
 * the following conditions:
 *
 * The above copyright notice and this permission notice shall be included
 * in all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
 * EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF
 * MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY
 * CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT,
 * TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 ******************************************************************************/

// Package metrics counts builds, swaps and the rows they affect, for scraping
// or for writing to a node_exporter textfile after a batch run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "forumstore"

// Metrics are the engine's prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	Builds                *prometheus.CounterVec
	SwapAttempts          prometheus.Counter
	AffectedRows          prometheus.Counter
	ProtectedCopyFailures prometheus.Counter
	SourceFailures        prometheus.Counter
	LastSuccess           prometheus.Gauge
	BuildDuration         prometheus.Histogram
	PendingDeletions      prometheus.Gauge
}

// New returns Metrics registered in their own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Builds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Build-and-swap attempts by final status",
		}, []string{"kind", "status"}),
		SwapAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swap_attempts_total",
			Help:      "Rename attempts made while swapping staging stores in",
		}),
		AffectedRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "affected_rows_total",
			Help:      "Rows affected by completed versions",
		}),
		ProtectedCopyFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protected_copy_failures_total",
			Help:      "Protected tables that could not be preserved",
		}),
		SourceFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_failures_total",
			Help:      "Sources and script statements that failed to import",
		}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "When a version last completed",
		}),
		BuildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Time taken by build-and-swap, from validation to outcome",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), //nolint:mnd
		}),
		PendingDeletions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_deletions",
			Help:      "Old artifacts waiting for deferred deletion",
		}),
	}
}

// Observe records the outcome of one build.
func (m *Metrics) Observe(o Outcome) {
	if m == nil {
		return
	}

	m.Builds.WithLabelValues(o.Kind, o.Status).Inc()
	m.SwapAttempts.Add(float64(o.Attempts))
	m.SourceFailures.Add(float64(o.SourceFailures))
	m.ProtectedCopyFailures.Add(float64(o.ProtectedFailures))
	m.BuildDuration.Observe(o.Duration.Seconds())
	m.PendingDeletions.Set(float64(o.PendingDeletions))

	if o.Completed {
		m.AffectedRows.Add(float64(o.AffectedRows))
		m.LastSuccess.Set(float64(o.At.Unix()))
	}
}

// Outcome is what Observe needs to know about a build.
type Outcome struct {
	Kind              string
	Status            string
	Completed         bool
	Attempts          int
	AffectedRows      int64
	SourceFailures    int
	ProtectedFailures int
	PendingDeletions  int
	Duration          time.Duration
	At                time.Time
}

// Gatherer returns the registry the metrics are in.
func (m *Metrics) Gatherer() prometheus.Gatherer { //nolint:ireturn
	return m.registry
}

// WriteTextfile writes the current values in the text exposition format to
// path, atomically, for node_exporter's textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
