// Copyright (C) 2025 Sainath Bingi
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the wire types for the verifier's HTTP API.
//
// The schedule travels as parallel per-frame arrays rather than an array of
// objects: the interactive client indexes them by frame number on every
// animation tick, and the flat layout keeps the payload roughly a third of
// the object form.
package datatypes

import (
	"math"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/chaos"
)

// RegisterValidators installs the custom binding validators. Call once at
// startup before the router starts serving.
func RegisterValidators() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		// finite rejects NaN and infinities inside float slices.
		_ = v.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
			f := fl.Field().Float()
			return !math.IsNaN(f) && !math.IsInf(f, 0)
		})
	}
}

// ScheduleDTO is the client-facing form of a chaos schedule.
type ScheduleDTO struct {
	// InitialAngle is the pole's starting tilt in radians.
	InitialAngle float64 `json:"initial_angle"`

	// Gravity, PoleLength, and ForceJolts hold one value per frame.
	Gravity    []float64 `json:"gravity"`
	PoleLength []float64 `json:"pole_length"`
	ForceJolts []float64 `json:"force_jolts"`
}

// NewScheduleDTO flattens a schedule into parallel arrays.
func NewScheduleDTO(s chaos.Schedule) ScheduleDTO {
	dto := ScheduleDTO{
		InitialAngle: s.InitialAngle,
		Gravity:      make([]float64, len(s.Frames)),
		PoleLength:   make([]float64, len(s.Frames)),
		ForceJolts:   make([]float64, len(s.Frames)),
	}
	for i, f := range s.Frames {
		dto.Gravity[i] = f.Gravity
		dto.PoleLength[i] = f.PoleLength
		dto.ForceJolts[i] = f.Jolt
	}
	return dto
}

// InitResponse is the payload for GET /api/init_stabilizer.
type InitResponse struct {
	Success      bool        `json:"success"`
	SessionToken string      `json:"session_token"`
	AttemptsLeft int         `json:"attempts_left"`
	Schedule     ScheduleDTO `json:"schedule"`
}

// VerifyRequest is the payload for POST /api/verify_stability.
//
// CartHistory must align with AngleHistory frame for frame; the behavioral
// classifier correlates the two series.
type VerifyRequest struct {
	SessionToken string    `json:"session_token" binding:"required"`
	AngleHistory []float64 `json:"angle_history" binding:"required,dive,finite"`
	CartHistory  []float64 `json:"cart_history" binding:"required,dive,finite"`
}

// VerifyMetrics mirrors the classifier's score pair.
type VerifyMetrics struct {
	Human float64 `json:"human"`
	AI    float64 `json:"ai"`
}

// VerifyResponse is the payload for POST /api/verify_stability.
type VerifyResponse struct {
	Success      bool          `json:"success"`
	Verified     bool          `json:"verified"`
	Reason       string        `json:"reason"`
	AttemptsLeft int           `json:"attempts_left"`
	Message      string        `json:"message"`
	Metrics      VerifyMetrics `json:"metrics"`

	// Redirect is set when the client should navigate away: on success to
	// the protected resource, on lockout to the rejection page.
	Redirect string `json:"redirect,omitempty"`
}

// ErrorResponse is the generic failure payload.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
