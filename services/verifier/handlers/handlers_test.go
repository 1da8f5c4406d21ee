// Copyright (C) 2025 Sainath Bingi
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/chaos"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/classifier"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/datatypes"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/engine"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/lockout"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/middleware"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/physics"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/session"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/storage/badgerstore"
)

func newTestRouter(t *testing.T, maxAttempts int) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	datatypes.RegisterValidators()

	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sessions, err := session.NewStore(db, session.Config{Logger: slog.Default()})
	require.NoError(t, err)
	ledger, err := lockout.NewLedger(db, maxAttempts, slog.Default())
	require.NoError(t, err)
	cls, err := classifier.New(classifier.DefaultThresholds(), slog.Default())
	require.NoError(t, err)

	cfg := chaos.DefaultConfig()
	cfg.GravityMin = 50
	cfg.GravityMax = 60

	eng, err := engine.New(engine.Config{
		Sessions:   sessions,
		Ledger:     ledger,
		Classifier: cls,
		Chaos:      cfg,
		Logger:     slog.Default(),
	})
	require.NoError(t, err)

	r := gin.New()
	r.GET("/health", HealthCheck)
	api := r.Group("/api")
	api.Use(middleware.ClientIdentity())
	api.GET("/init_stabilizer", InitStabilizer(eng, slog.Default()))
	api.POST("/verify_stability", VerifyStability(eng, nil, slog.Default()))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, client string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if client != "" {
		req.Header.Set(middleware.ClientIDHeader, client)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func initChallenge(t *testing.T, r *gin.Engine, client string) datatypes.InitResponse {
	t.Helper()
	w := doJSON(t, r, http.MethodGet, "/api/init_stabilizer", client, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.InitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealthCheck(t *testing.T) {
	r := newTestRouter(t, 3)
	w := doJSON(t, r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestInitStabilizerIssuesSchedule(t *testing.T) {
	r := newTestRouter(t, 3)

	resp := initChallenge(t, r, "user-1")

	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.SessionToken)
	assert.Equal(t, 3, resp.AttemptsLeft)
	assert.Len(t, resp.Schedule.Gravity, chaos.DefaultConfig().Frames)
	assert.Len(t, resp.Schedule.PoleLength, chaos.DefaultConfig().Frames)
	assert.Len(t, resp.Schedule.ForceJolts, chaos.DefaultConfig().Frames)
}

func TestVerifyStabilityBindingErrors(t *testing.T) {
	r := newTestRouter(t, 3)

	cases := []struct {
		name string
		body any
	}{
		{"missing token", map[string]any{"angle_history": []float64{0.1}, "cart_history": []float64{0}}},
		{"missing angles", map[string]any{"session_token": "tok", "cart_history": []float64{0}}},
		{"non-finite angle", map[string]any{
			"session_token": "tok",
			"angle_history": []any{0.1, "NaN"},
			"cart_history":  []float64{0, 0},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodPost, "/api/verify_stability", "user-1", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestVerifyStabilityHonestLoss(t *testing.T) {
	r := newTestRouter(t, 3)
	ch := initChallenge(t, r, "user-1")

	// Rebuild the schedule from the wire form and replay it with an idle
	// cart; under the test gravity the pole always falls.
	frames := make([]physics.FrameParams, len(ch.Schedule.Gravity))
	for i := range frames {
		frames[i] = physics.FrameParams{
			Gravity:    ch.Schedule.Gravity[i],
			PoleLength: ch.Schedule.PoleLength[i],
			Jolt:       ch.Schedule.ForceJolts[i],
		}
	}
	carts := make([]float64, len(frames))
	sim := physics.Simulate(frames, carts, physics.State{Angle: ch.Schedule.InitialAngle})
	require.False(t, sim.Completed)

	w := doJSON(t, r, http.MethodPost, "/api/verify_stability", "user-1", datatypes.VerifyRequest{
		SessionToken: ch.SessionToken,
		AngleHistory: sim.Angles,
		CartHistory:  carts[:len(sim.Angles)],
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.False(t, resp.Verified)
	assert.Equal(t, string(classifier.ReasonPhysicsFailure), resp.Reason)
	assert.Equal(t, 2, resp.AttemptsLeft)
	assert.Empty(t, resp.Redirect)
}

func TestVerifyStabilityUnknownSessionBurnsAttempt(t *testing.T) {
	r := newTestRouter(t, 3)

	w := doJSON(t, r, http.MethodPost, "/api/verify_stability", "user-1", datatypes.VerifyRequest{
		SessionToken: "bogus",
		AngleHistory: []float64{0.1},
		CartHistory:  []float64{0},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Verified)
	assert.Equal(t, string(engine.ReasonInvalidSession), resp.Reason)
	assert.Equal(t, 2, resp.AttemptsLeft)
}

func TestVerifyResponseWireShape(t *testing.T) {
	r := newTestRouter(t, 3)

	w := doJSON(t, r, http.MethodPost, "/api/verify_stability", "user-1", datatypes.VerifyRequest{
		SessionToken: "bogus",
		AngleHistory: []float64{0.1},
		CartHistory:  []float64{0},
	})
	require.Equal(t, http.StatusOK, w.Code)

	// The score pair travels under the "metrics" key; clients read it from
	// there, so the raw JSON shape is part of the contract.
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	require.Contains(t, raw, "metrics")
	assert.NotContains(t, raw, "scores")

	var pair map[string]float64
	require.NoError(t, json.Unmarshal(raw["metrics"], &pair))
	assert.Contains(t, pair, "human")
	assert.Contains(t, pair, "ai")
}

func TestLockoutFlowOverHTTP(t *testing.T) {
	r := newTestRouter(t, 2)

	burn := func() datatypes.VerifyResponse {
		w := doJSON(t, r, http.MethodPost, "/api/verify_stability", "user-1", datatypes.VerifyRequest{
			SessionToken: "bogus",
			AngleHistory: []float64{0.1},
			CartHistory:  []float64{0},
		})
		require.Equal(t, http.StatusOK, w.Code)
		var resp datatypes.VerifyResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp
	}

	first := burn()
	assert.Equal(t, 1, first.AttemptsLeft)

	second := burn()
	assert.Equal(t, 0, second.AttemptsLeft)
	assert.Equal(t, "/failed", second.Redirect)

	// Both endpoints now refuse the client outright with the lockout enum.
	w := doJSON(t, r, http.MethodGet, "/api/init_stabilizer", "user-1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	var denied struct {
		Error    string `json:"error"`
		Redirect string `json:"redirect"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &denied))
	assert.Equal(t, "MAX_ATTEMPTS_EXCEEDED", denied.Error)
	assert.Equal(t, "/failed", denied.Redirect)

	w = doJSON(t, r, http.MethodPost, "/api/verify_stability", "user-1", datatypes.VerifyRequest{
		SessionToken: "bogus",
		AngleHistory: []float64{0.1},
		CartHistory:  []float64{0},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// A different client is unaffected.
	fresh := initChallenge(t, r, "user-2")
	assert.True(t, fresh.Success)
}
