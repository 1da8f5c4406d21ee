// Copyright (C) 2025 Sainath Bingi
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the verifier.
//
// # Description
//
// Metrics cover the full challenge lifecycle:
//   - Challenge issuance (by outcome: issued, locked_out, error)
//   - Verdicts (by reason: verified, physics_failure, reflex_trap,
//     automation_band, forged_trace, invalid_session, malformed_trace)
//   - Human-score distribution, for tuning the classification cutoff
//   - Live session gauge and lockout counter
//
// # Integration
//
// Exposed via the /metrics endpoint. Scrape with Prometheus; the score
// histogram is the primary input when retuning thresholds.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "stabilizer"

const verifierSubsystem = "verifier"

// Metrics holds all Prometheus metrics for the verifier service.
//
// Initialize once at startup via InitMetrics(); tests build isolated
// instances over their own registry with NewMetrics().
type Metrics struct {
	// InitsTotal counts challenge-issuance requests.
	// Labels: status (issued, locked_out, error)
	InitsTotal *prometheus.CounterVec

	// VerificationsTotal counts verification verdicts.
	// Labels: reason (verified, physics_failure, reflex_trap, ...)
	VerificationsTotal *prometheus.CounterVec

	// HumanScore is the distribution of combined human scores across
	// evaluated traces.
	HumanScore prometheus.Histogram

	// VerifyDurationSeconds measures end-to-end verification handling.
	VerifyDurationSeconds prometheus.Histogram

	// LiveSessions tracks sessions issued but not yet consumed or expired.
	LiveSessions prometheus.Gauge

	// LockoutsTotal counts clients crossing the attempt limit.
	LockoutsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance, set by InitMetrics().
var DefaultMetrics *Metrics

// NewMetrics creates a Metrics instance registered on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		InitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: verifierSubsystem,
				Name:      "inits_total",
				Help:      "Challenge issuance requests by outcome",
			},
			[]string{"status"},
		),

		VerificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: verifierSubsystem,
				Name:      "verifications_total",
				Help:      "Verification verdicts by reason",
			},
			[]string{"reason"},
		),

		HumanScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: verifierSubsystem,
				Name:      "human_score",
				Help:      "Distribution of combined human scores",
				Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
			},
		),

		VerifyDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: verifierSubsystem,
				Name:      "verify_duration_seconds",
				Help:      "End-to-end verification handling time in seconds",
				Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
		),

		LiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: verifierSubsystem,
				Name:      "live_sessions",
				Help:      "Sessions issued but not yet consumed or expired",
			},
		),

		LockoutsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: verifierSubsystem,
				Name:      "lockouts_total",
				Help:      "Clients locked out after exhausting attempts",
			},
		),
	}
}

// InitMetrics initializes the default metrics instance on the global
// Prometheus registry. Call once at startup; panics if called twice.
func InitMetrics() *Metrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// ============================================================================
// Label Values
// ============================================================================

// InitStatus labels challenge-issuance outcomes.
type InitStatus string

const (
	// InitStatusIssued marks a successfully issued challenge.
	InitStatusIssued InitStatus = "issued"

	// InitStatusLockedOut marks issuance refused for a locked-out client.
	InitStatusLockedOut InitStatus = "locked_out"

	// InitStatusError marks an internal issuance failure.
	InitStatusError InitStatus = "error"
)

// ============================================================================
// Helper Methods
// ============================================================================

// RecordInit records a challenge-issuance outcome.
func (m *Metrics) RecordInit(status InitStatus) {
	m.InitsTotal.WithLabelValues(string(status)).Inc()
}

// RecordVerdict records a verification verdict and its score.
func (m *Metrics) RecordVerdict(reason string, humanScore float64) {
	m.VerificationsTotal.WithLabelValues(reason).Inc()
	m.HumanScore.Observe(humanScore)
}

// RecordRejection records a verification that never reached the classifier,
// such as an unknown session token or a malformed trace.
func (m *Metrics) RecordRejection(reason string) {
	m.VerificationsTotal.WithLabelValues(reason).Inc()
}

// SetLiveSessions updates the live session gauge.
func (m *Metrics) SetLiveSessions(n int) {
	m.LiveSessions.Set(float64(n))
}

// RecordLockout counts a client crossing the attempt limit.
func (m *Metrics) RecordLockout() {
	m.LockoutsTotal.Inc()
}
