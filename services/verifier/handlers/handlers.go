// Copyright (C) 2025 Sainath Bingi
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the HTTP handlers for the verifier service.
//
// Handlers are thin: they bind the wire types, resolve the client identity
// set by the middleware, and delegate to the engine. All judgment lives
// below this layer.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/classifier"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/datatypes"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/engine"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/middleware"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/observability"
)

// Redirect targets handed to the client once its path is decided.
const (
	// VerifiedRedirect is where a verified client is sent.
	VerifiedRedirect = "/success"

	// DeniedRedirect is where a locked-out client is sent.
	DeniedRedirect = "/failed"
)

// ErrMaxAttemptsExceeded is the wire error value for locked-out clients.
const ErrMaxAttemptsExceeded = "MAX_ATTEMPTS_EXCEEDED"

// resultMessages maps verdict reasons to client-facing text. The messages
// deliberately avoid hinting at which signal tripped the automation verdicts.
var resultMessages = map[classifier.Reason]string{
	classifier.ReasonVerified:       "stability verified",
	classifier.ReasonPhysicsFailure: "the pole fell before the run completed",
	classifier.ReasonReflexTrap:     "verification failed",
	classifier.ReasonAutomationBand: "verification failed",
	classifier.ReasonForgedTrace:    "verification failed",
	engine.ReasonInvalidSession:     "session is invalid or already used",
	engine.ReasonMalformedTrace:     "trace payload is malformed",
}

// HealthCheck reports service liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// InitStabilizer issues a new challenge session.
//
// # Description
//
// Returns a fresh session token and the session's full physics schedule.
// Locked-out clients get 403 with a redirect to the denied page.
func InitStabilizer(eng *engine.Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := middleware.GetClientID(c)

		ch, err := eng.Initialize(c.Request.Context(), clientID)
		if err != nil {
			if errors.Is(err, engine.ErrLockedOut) {
				c.JSON(http.StatusForbidden, gin.H{
					"success":  false,
					"error":    ErrMaxAttemptsExceeded,
					"redirect": DeniedRedirect,
				})
				return
			}
			logger.Error("challenge issuance failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
				Error: "internal error",
			})
			return
		}

		c.JSON(http.StatusOK, datatypes.InitResponse{
			Success:      true,
			SessionToken: ch.Token,
			AttemptsLeft: ch.AttemptsLeft,
			Schedule:     datatypes.NewScheduleDTO(ch.Schedule),
		})
	}
}

// VerifyStability judges a submitted stabilization trace.
//
// # Description
//
// Binds the trace payload, delegates to the engine, and translates the
// result into the client-facing response. Judged submissions always return
// 200; the verdict is in the body. 403 is reserved for clients that were
// already locked out before this submission.
func VerifyStability(eng *engine.Engine, metrics *observability.Metrics, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var req datatypes.VerifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
				Error: "invalid request: " + err.Error(),
			})
			return
		}

		clientID := middleware.GetClientID(c)
		res, err := eng.Verify(c.Request.Context(), clientID, req.SessionToken, req.AngleHistory, req.CartHistory)
		if err != nil {
			if errors.Is(err, engine.ErrLockedOut) {
				c.JSON(http.StatusForbidden, gin.H{
					"success":  false,
					"error":    ErrMaxAttemptsExceeded,
					"redirect": DeniedRedirect,
				})
				return
			}
			logger.Error("verification failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
				Error: "internal error",
			})
			return
		}

		if metrics != nil {
			metrics.VerifyDurationSeconds.Observe(time.Since(start).Seconds())
		}

		resp := datatypes.VerifyResponse{
			Success:      true,
			Verified:     res.Verified,
			Reason:       string(res.Reason),
			AttemptsLeft: res.AttemptsLeft,
			Message:      resultMessages[res.Reason],
			Metrics: datatypes.VerifyMetrics{
				Human: res.HumanScore,
				AI:    res.AutomationScore,
			},
		}
		switch {
		case res.Verified:
			resp.Redirect = VerifiedRedirect
		case res.LockedOut:
			resp.Redirect = DeniedRedirect
		}

		c.JSON(http.StatusOK, resp)
	}
}
