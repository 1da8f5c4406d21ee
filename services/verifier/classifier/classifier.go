// Copyright (C) 2025 Sainath Bingi
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package classifier judges whether a stabilization trace was produced by a
// human operator or by automation.
//
// The judgment rests on three behavioral signals measured from the submitted
// cart track against the session's physics schedule:
//
//   - Reaction latency: the lag, in frames, between disturbances and the
//     corrective cart motion, estimated by normalized cross-correlation.
//     Human motor response has a floor; reacting below it is a machine tell.
//   - Motion texture: mean absolute cart acceleration (roughness) and mean
//     absolute cart velocity. Human input is neither perfectly smooth nor
//     implausibly fast.
//   - Physical consistency: the submitted angle history must match a server
//     re-simulation of the same schedule driven by the same cart track. A
//     trace that diverges was not produced by the published dynamics.
//
// All tuning lives in Thresholds and can be hot-reloaded; see thresholds.go.
package classifier

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/chaos"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/physics"
)

var tracer = otel.Tracer("verifier.classifier")

// minLagSamples is the shortest trace on which a lag estimate is meaningful.
const minLagSamples = 50

// lagWarmupFrames are skipped at the start of the trace before correlating;
// the first moments mix startup transients with the operator finding the
// controls.
const lagWarmupFrames = 10

// Reason identifies why a verdict came out the way it did.
type Reason string

const (
	// ReasonVerified marks a trace accepted as human.
	ReasonVerified Reason = "verified"
	// ReasonPhysicsFailure marks a run where the pendulum fell before the
	// required frame count.
	ReasonPhysicsFailure Reason = "physics_failure"
	// ReasonReflexTrap marks reaction lag below the human motor floor.
	ReasonReflexTrap Reason = "reflex_trap"
	// ReasonAutomationBand marks a combined score below the human cutoff.
	ReasonAutomationBand Reason = "automation_band"
	// ReasonForgedTrace marks an angle history inconsistent with the
	// server's re-simulation.
	ReasonForgedTrace Reason = "forged_trace"
)

// Metrics carries the measured signals behind a verdict.
type Metrics struct {
	EstimatedLagFrames int     `json:"estimated_lag_frames"`
	Roughness          float64 `json:"roughness"`
	AvgSpeed           float64 `json:"avg_speed"`
	SimDeviation       float64 `json:"sim_deviation"`
	SimCompleted       bool    `json:"sim_completed"`
	SimFrames          int     `json:"sim_frames"`
}

// Verdict is the classifier's decision on a single trace.
type Verdict struct {
	Verified        bool    `json:"verified"`
	HumanScore      float64 `json:"human_score"`
	AutomationScore float64 `json:"automation_score"`
	Reason          Reason  `json:"reason"`
	Metrics         Metrics `json:"metrics"`
}

// Classifier evaluates traces under a hot-swappable tuning.
//
// Thread Safety: Evaluate may be called from any number of goroutines;
// threshold swaps are atomic.
type Classifier struct {
	thresholds atomic.Pointer[Thresholds]
	logger     *slog.Logger
}

// New creates a Classifier with the given tuning.
func New(t Thresholds, logger *slog.Logger) (*Classifier, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{logger: logger}
	c.thresholds.Store(&t)
	return c, nil
}

// Thresholds returns the current tuning.
func (c *Classifier) Thresholds() Thresholds {
	return *c.thresholds.Load()
}

func (c *Classifier) setThresholds(t Thresholds) {
	c.thresholds.Store(&t)
}

// Evaluate judges a trace against its session schedule.
//
// Description:
//
//	Re-simulates the schedule under the submitted cart track, measures the
//	behavioral signals, and renders a verdict. Rejection reasons are
//	checked in order of severity: a forged trace outranks a physics
//	failure, which outranks the behavioral gates.
//
// Inputs:
//   - ctx: carries the request trace context.
//   - schedule: the per-session physics schedule the trace was produced under.
//   - angles: the client-reported pole angle per frame, radians.
//   - carts: the client's cart position per frame.
//
// Outputs:
//   - Verdict: decision, scores, and the measured metrics.
func (c *Classifier) Evaluate(ctx context.Context, schedule chaos.Schedule, angles, carts []float64) Verdict {
	_, span := tracer.Start(ctx, "classifier.Evaluate")
	defer span.End()

	t := c.Thresholds()

	sim := physics.Simulate(schedule.Frames, carts, physics.State{Angle: schedule.InitialAngle})

	m := Metrics{
		EstimatedLagFrames: estimateLag(angles, carts, t.MaxLagScan),
		Roughness:          meanAbsSecondDiff(carts),
		AvgSpeed:           meanAbsFirstDiff(carts),
		SimDeviation:       meanAbsDeviation(angles, sim.Angles),
		SimCompleted:       sim.Completed,
		SimFrames:          sim.Frames,
	}

	human := t.LatencyWeight*latencyScore(m.EstimatedLagFrames, t) +
		t.ConsistencyWeight*consistencyScore(m.SimDeviation, t) +
		t.SmoothnessWeight*smoothnessScore(m, t)

	v := Verdict{
		HumanScore:      round3(human),
		AutomationScore: round3(1 - human),
		Metrics:         m,
	}

	switch {
	case m.SimDeviation > t.ConsistencyTolerance:
		v.Reason = ReasonForgedTrace
	case !m.SimCompleted:
		v.Reason = ReasonPhysicsFailure
	case m.EstimatedLagFrames < t.ReflexFloorFrames:
		// Hard gate: no score can rescue superhuman reflexes.
		v.Reason = ReasonReflexTrap
	case human < t.MinHumanScore:
		v.Reason = ReasonAutomationBand
	default:
		v.Verified = true
		v.Reason = ReasonVerified
	}

	span.SetAttributes(
		attribute.Bool("verdict.verified", v.Verified),
		attribute.String("verdict.reason", string(v.Reason)),
		attribute.Float64("verdict.human_score", v.HumanScore),
		attribute.Int("metrics.lag_frames", m.EstimatedLagFrames),
	)
	c.logger.Debug("trace evaluated",
		slog.Bool("verified", v.Verified),
		slog.String("reason", string(v.Reason)),
		slog.Float64("human_score", v.HumanScore),
		slog.Int("lag_frames", m.EstimatedLagFrames),
		slog.Float64("sim_deviation", m.SimDeviation),
	)
	return v
}

// ============================================================================
// Signal measurement
// ============================================================================

// estimateLag finds the reaction delay between pole tilt and the corrective
// cart motion by scanning normalized cross-correlation over candidate lags.
//
// The stimulus is the pole angle; the response is the cart velocity. A
// stabilizing operator pushes the cart toward the lean, so the correlation
// peaks (in magnitude) at the operator's reaction delay. Returns maxLag when
// the trace is too short or too flat to correlate, which reads as "no
// measurable reflex" and never trips the reflex gate.
func estimateLag(angles, carts []float64, maxLag int) int {
	n := min(len(angles), len(carts))
	if n-lagWarmupFrames < minLagSamples {
		return maxLag
	}

	stimulus := angles[lagWarmupFrames:n]
	velocity := make([]float64, n-lagWarmupFrames)
	for i := lagWarmupFrames; i < n; i++ {
		velocity[i-lagWarmupFrames] = carts[i] - carts[i-1]
	}

	bestLag := maxLag
	bestCorr := 0.0
	for lag := 0; lag <= maxLag; lag++ {
		if lag >= len(stimulus) {
			break
		}
		corr := math.Abs(normalizedCorrelation(stimulus[:len(stimulus)-lag], velocity[lag:]))
		if corr > bestCorr {
			bestCorr = corr
			bestLag = lag
		}
	}
	return bestLag
}

// normalizedCorrelation computes the Pearson correlation of two equal-length
// series. Returns 0 when either series is constant.
func normalizedCorrelation(a, b []float64) float64 {
	n := min(len(a), len(b))
	if n == 0 {
		return 0
	}
	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

// meanAbsFirstDiff is the mean absolute frame-to-frame delta of a series.
func meanAbsFirstDiff(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(xs); i++ {
		sum += math.Abs(xs[i] - xs[i-1])
	}
	return sum / float64(len(xs)-1)
}

// meanAbsSecondDiff is the mean absolute second difference of a series, the
// roughness of the motion.
func meanAbsSecondDiff(xs []float64) float64 {
	if len(xs) < 3 {
		return 0
	}
	var sum float64
	for i := 2; i < len(xs); i++ {
		sum += math.Abs(xs[i] - 2*xs[i-1] + xs[i-2])
	}
	return sum / float64(len(xs)-2)
}

// meanAbsDeviation compares the reported angles against the re-simulated
// ones over their common prefix.
func meanAbsDeviation(reported, simulated []float64) float64 {
	n := min(len(reported), len(simulated))
	if n == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += math.Abs(reported[i] - simulated[i])
	}
	return sum / float64(n)
}

// ============================================================================
// Scoring
// ============================================================================

// latencyScore maps reaction lag to [0, 1]. Lags inside the human band
// [floor, ceiling] score 1; below the floor scores 0; above the ceiling the
// score falls off linearly toward the scan limit.
func latencyScore(lag int, t Thresholds) float64 {
	switch {
	case lag < t.ReflexFloorFrames:
		return 0
	case lag <= t.OODACeilingFrames:
		return 1
	default:
		span := float64(t.MaxLagScan - t.OODACeilingFrames)
		if span <= 0 {
			return 0
		}
		return clamp01(1 - float64(lag-t.OODACeilingFrames)/span)
	}
}

// consistencyScore maps simulation deviation to [0, 1], hitting 0 at the
// forgery tolerance.
func consistencyScore(dev float64, t Thresholds) float64 {
	if math.IsInf(dev, 1) {
		return 0
	}
	return clamp01(1 - dev/t.ConsistencyTolerance)
}

// smoothnessScore averages the band scores for roughness and speed.
func smoothnessScore(m Metrics, t Thresholds) float64 {
	r := bandScore(m.Roughness, t.RoughnessMin, t.RoughnessMax)
	s := bandScore(m.AvgSpeed, t.SpeedMin, t.SpeedMax)
	return (r + s) / 2
}

// bandScore is 1 inside [lo, hi] and falls off linearly outside, reaching 0
// one band-width away.
func bandScore(x, lo, hi float64) float64 {
	width := hi - lo
	if width <= 0 {
		return 0
	}
	switch {
	case x < lo:
		return clamp01(1 - (lo-x)/width)
	case x > hi:
		return clamp01(1 - (x-hi)/width)
	default:
		return 1
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
