// Copyright (C) 2025 Sainath Bingi
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine orchestrates the challenge lifecycle: issuing sessions with
// fresh chaos schedules, consuming them exactly once on submission, running
// the behavioral classifier, and charging attempts to the client's ledger.
//
// The engine is the only component that touches more than one of the session,
// lockout, and classifier layers; handlers talk to it and to nothing below it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/chaos"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/classifier"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/lockout"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/observability"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/session"
)

var tracer = otel.Tracer("verifier.engine")

// ErrLockedOut is returned when a client has exhausted its attempts.
var ErrLockedOut = errors.New("client is locked out")

// Rejection reasons for submissions that never reach the classifier.
const (
	// ReasonInvalidSession covers unknown, expired, and already-consumed
	// session tokens.
	ReasonInvalidSession classifier.Reason = "invalid_session"

	// ReasonMalformedTrace covers traces that fail structural validation:
	// empty, longer than the schedule, non-finite, or with mismatched
	// angle and cart lengths.
	ReasonMalformedTrace classifier.Reason = "malformed_trace"
)

// Challenge is a freshly issued session.
type Challenge struct {
	// Token identifies the session; it is consumed by the first
	// submission that presents it.
	Token string

	// AttemptsLeft is the client's remaining attempt budget at issue time.
	AttemptsLeft int

	// Schedule is the per-session physics schedule the client must run.
	Schedule chaos.Schedule
}

// Result is the outcome of a verification submission.
type Result struct {
	// Verified is true only when the classifier accepted the trace as human.
	Verified bool

	// Reason explains the outcome, including pre-classifier rejections.
	Reason classifier.Reason

	// HumanScore and AutomationScore are the classifier's scores; zero for
	// submissions rejected before evaluation.
	HumanScore      float64
	AutomationScore float64

	// Metrics carries the measured behavioral signals when the trace was
	// evaluated; nil otherwise.
	Metrics *classifier.Metrics

	// AttemptsLeft is the client's remaining budget after this submission.
	AttemptsLeft int

	// LockedOut is true once the budget is exhausted.
	LockedOut bool
}

// Engine wires the session store, lockout ledger, and classifier together.
//
// Thread Safety: safe for concurrent use; all state lives in the layers below.
type Engine struct {
	sessions   *session.Store
	ledger     *lockout.Ledger
	classifier *classifier.Classifier
	chaosCfg   chaos.Config
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// Config collects the engine's dependencies.
type Config struct {
	Sessions   *session.Store
	Ledger     *lockout.Ledger
	Classifier *classifier.Classifier

	// Chaos controls schedule generation; zero value means DefaultConfig.
	Chaos chaos.Config

	// Metrics is optional; nil disables instrumentation.
	Metrics *observability.Metrics

	Logger *slog.Logger
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("engine: session store is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("engine: lockout ledger is required")
	}
	if cfg.Classifier == nil {
		return nil, errors.New("engine: classifier is required")
	}
	if cfg.Chaos == (chaos.Config{}) {
		cfg.Chaos = chaos.DefaultConfig()
	}
	if err := cfg.Chaos.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Engine{
		sessions:   cfg.Sessions,
		ledger:     cfg.Ledger,
		classifier: cfg.Classifier,
		chaosCfg:   cfg.Chaos,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}, nil
}

// Initialize issues a new challenge for a client.
//
// Description:
//
//	Refuses locked-out clients, generates a chaos schedule from a fresh
//	cryptographic seed, and opens a session bound to the client. The
//	schedule is returned in full; the client cannot predict it but must
//	run it faithfully, because verification re-simulates it server-side.
//
// Outputs:
//   - Challenge: token, schedule, and remaining attempts.
//   - error: ErrLockedOut, or a seed/storage failure.
func (e *Engine) Initialize(ctx context.Context, clientID string) (Challenge, error) {
	ctx, span := tracer.Start(ctx, "engine.Initialize")
	defer span.End()

	status, err := e.ledger.Check(ctx, clientID)
	if err != nil {
		e.recordInit(observability.InitStatusError)
		return Challenge{}, fmt.Errorf("check lockout: %w", err)
	}
	if status.LockedOut {
		e.recordInit(observability.InitStatusLockedOut)
		return Challenge{}, ErrLockedOut
	}

	seed, err := chaos.NewSeed()
	if err != nil {
		e.recordInit(observability.InitStatusError)
		return Challenge{}, fmt.Errorf("generate seed: %w", err)
	}
	schedule := chaos.Generate(seed, e.chaosCfg)

	sess, err := e.sessions.Create(ctx, clientID, schedule)
	if err != nil {
		e.recordInit(observability.InitStatusError)
		return Challenge{}, fmt.Errorf("create session: %w", err)
	}

	e.recordInit(observability.InitStatusIssued)
	e.updateLiveSessions()
	span.SetAttributes(attribute.Int("attempts_left", status.AttemptsLeft))
	e.logger.Debug("challenge issued",
		slog.String("client_id", clientID),
		slog.Int("frames", len(schedule.Frames)),
		slog.Int("jolt_trains", len(schedule.JoltFrames())),
	)

	return Challenge{
		Token:        sess.Token,
		AttemptsLeft: status.AttemptsLeft,
		Schedule:     schedule,
	}, nil
}

// Verify judges a submitted trace.
//
// Description:
//
//	Consumes the session (first caller wins), validates the trace's shape,
//	runs the classifier, and charges the attempt to the client's ledger.
//	Invalid sessions and malformed traces are failed attempts too: they
//	burn the session and decrement the budget, so a scripted client cannot
//	probe for free.
//
// Outputs:
//   - Result: verdict, scores, and the client's remaining budget.
//   - error: ErrLockedOut when the client had no budget before this
//     submission, or a storage failure.
func (e *Engine) Verify(ctx context.Context, clientID, token string, angles, carts []float64) (Result, error) {
	ctx, span := tracer.Start(ctx, "engine.Verify")
	defer span.End()

	status, err := e.ledger.Check(ctx, clientID)
	if err != nil {
		return Result{}, fmt.Errorf("check lockout: %w", err)
	}
	if status.LockedOut {
		return Result{}, ErrLockedOut
	}

	sess, err := e.sessions.Consume(ctx, token)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) ||
			errors.Is(err, session.ErrExpired) ||
			errors.Is(err, session.ErrConsumed) {
			return e.reject(ctx, span, clientID, ReasonInvalidSession)
		}
		return Result{}, fmt.Errorf("consume session: %w", err)
	}
	e.updateLiveSessions()

	if sess.ClientID != clientID {
		// A token replayed from a different client burns like any other
		// invalid submission.
		return e.reject(ctx, span, clientID, ReasonInvalidSession)
	}

	if detail, ok := validateTrace(angles, carts, len(sess.Schedule.Frames)); !ok {
		e.logger.Warn("malformed trace", slog.String("detail", detail))
		return e.reject(ctx, span, clientID, ReasonMalformedTrace)
	}

	verdict := e.classifier.Evaluate(ctx, sess.Schedule, angles, carts)

	after, err := e.ledger.Record(ctx, clientID, verdict.Verified)
	if err != nil {
		return Result{}, fmt.Errorf("record attempt: %w", err)
	}
	if after.LockedOut {
		e.recordLockout()
	}
	if e.metrics != nil {
		e.metrics.RecordVerdict(string(verdict.Reason), verdict.HumanScore)
	}

	span.SetAttributes(
		attribute.Bool("verified", verdict.Verified),
		attribute.String("reason", string(verdict.Reason)),
	)
	e.logger.Info("verification complete",
		slog.Bool("verified", verdict.Verified),
		slog.String("reason", string(verdict.Reason)),
		slog.Int("attempts_left", after.AttemptsLeft),
	)

	m := verdict.Metrics
	return Result{
		Verified:        verdict.Verified,
		Reason:          verdict.Reason,
		HumanScore:      verdict.HumanScore,
		AutomationScore: verdict.AutomationScore,
		Metrics:         &m,
		AttemptsLeft:    after.AttemptsLeft,
		LockedOut:       after.LockedOut,
	}, nil
}

// MaxAttempts exposes the ledger's attempt budget for response payloads.
func (e *Engine) MaxAttempts() int {
	return e.ledger.MaxAttempts()
}

// LiveSessions reports the number of open sessions.
func (e *Engine) LiveSessions() int {
	return e.sessions.LiveCount()
}

// reject charges a failed attempt for a submission that never reached the
// classifier.
func (e *Engine) reject(ctx context.Context, span trace.Span, clientID string, reason classifier.Reason) (Result, error) {
	after, err := e.ledger.Record(ctx, clientID, false)
	if err != nil {
		return Result{}, fmt.Errorf("record attempt: %w", err)
	}
	if after.LockedOut {
		e.recordLockout()
	}
	if e.metrics != nil {
		e.metrics.RecordRejection(string(reason))
	}

	span.SetAttributes(
		attribute.Bool("verified", false),
		attribute.String("reason", string(reason)),
	)
	e.logger.Warn("submission rejected",
		slog.String("reason", string(reason)),
		slog.Int("attempts_left", after.AttemptsLeft),
	)

	return Result{
		Reason:       reason,
		AttemptsLeft: after.AttemptsLeft,
		LockedOut:    after.LockedOut,
	}, nil
}

// validateTrace checks the structural shape of a submission. The trace must
// be non-empty, no longer than the schedule, aligned between angle and cart
// histories, and finite throughout.
func validateTrace(angles, carts []float64, maxFrames int) (string, bool) {
	if len(angles) == 0 {
		return "empty trace", false
	}
	if len(angles) > maxFrames {
		return "trace longer than schedule", false
	}
	if len(carts) != len(angles) {
		return "angle and cart histories differ in length", false
	}
	for _, a := range angles {
		if math.IsNaN(a) || math.IsInf(a, 0) {
			return "non-finite angle", false
		}
	}
	for _, x := range carts {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "non-finite cart position", false
		}
	}
	return "", true
}

func (e *Engine) recordInit(status observability.InitStatus) {
	if e.metrics != nil {
		e.metrics.RecordInit(status)
	}
}

func (e *Engine) recordLockout() {
	if e.metrics != nil {
		e.metrics.RecordLockout()
	}
}

func (e *Engine) updateLiveSessions() {
	if e.metrics != nil {
		e.metrics.SetLiveSessions(e.sessions.LiveCount())
	}
}
