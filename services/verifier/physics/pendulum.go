// Copyright (C) 2025 Sainath Bingi
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package physics implements the inverted-pendulum (cart-pole) model shared
// in contract between the interactive client and the server.
//
// The model is a fixed-step discrete-time integrator. Given identical inputs
// and frame parameters it is bit-for-bit reproducible; the behavioral
// classifier depends on recomputing expected angle trajectories from a
// recorded chaos schedule and comparing them against a submitted trace.
// Any drift between the client's copy of these constants and this package is
// a deployment defect, not a runtime condition.
//
// Thread Safety: all functions are pure; safe for concurrent use.
package physics

import "math"

// Fixed physics contract. These values are mirrored by the client renderer.
const (
	// FrameRate is the simulation rate in frames per second.
	FrameRate = 60

	// SuccessFrames is the number of frames a session runs for.
	SuccessFrames = 300

	// PassFrameThreshold is the minimum trace length that counts as having
	// reached the end of the run. A handful of trailing frames are forgiven
	// for client-side jank at submission time.
	PassFrameThreshold = 280

	// FailAngle is the terminal pole angle in radians. Crossing it at any
	// frame ends the run as a failure.
	FailAngle = 1.4

	// Damping is the per-frame multiplicative energy loss applied to
	// angular velocity. Must stay below 1.
	Damping = 0.995

	// ForceScale couples cart acceleration into pole torque.
	ForceScale = 0.05

	// PlayfieldHalfWidth bounds cart positions, in client pixels. Control
	// inputs outside the playfield are clamped, not rejected.
	PlayfieldHalfWidth = 300.0
)

// FrameParams holds the physics parameters active for a single frame,
// drawn from the session's chaos schedule.
type FrameParams struct {
	// Gravity is the effective gravitational coefficient for the frame.
	Gravity float64 `json:"gravity"`

	// PoleLength is the pole length for the frame, in client pixels.
	PoleLength float64 `json:"pole_length"`

	// Jolt is an additive disturbance torque for the frame. Zero on most
	// frames; jolt trains decay over a few frames after each impulse.
	Jolt float64 `json:"jolt"`
}

// State is the full dynamical state of the cart-pole between frames.
//
// Cart position is driven directly by the control input (pointer position);
// the previous two positions are retained so cart acceleration can be
// recovered by finite differences.
type State struct {
	// Angle is the pole angle in radians. Zero is upright.
	Angle float64

	// AngularVelocity is the pole angular velocity in radians per frame.
	AngularVelocity float64

	// CartX is the cart position after the most recent frame.
	CartX float64

	// PrevCartX is the cart position one frame earlier.
	PrevCartX float64
}

// ClampCart bounds a control input to the playfield.
func ClampCart(x float64) float64 {
	if x > PlayfieldHalfWidth {
		return PlayfieldHalfWidth
	}
	if x < -PlayfieldHalfWidth {
		return -PlayfieldHalfWidth
	}
	return x
}

// Step advances the model by one frame.
//
// Description:
//
//	Integrates the cart-pole torque balance for a single frame:
//	gravitational torque proportional to (gravity/length)*sin(angle), an
//	inertial reaction torque proportional to -(cart accel/length)*cos(angle)
//	scaled by ForceScale, plus the frame's disturbance jolt. The sum is
//	integrated into angular velocity (with Damping applied), then into
//	angle. Cart position is taken from the clamped control input.
//
// Inputs:
//   - s: state after the previous frame.
//   - cartX: raw control input (pointer position) for this frame.
//   - p: the frame's chaos parameters. PoleLength must be positive.
//
// Outputs:
//   - State: the state after this frame. Never NaN for finite inputs.
//
// Thread Safety: pure function; safe for concurrent use.
func Step(s State, cartX float64, p FrameParams) State {
	cart := ClampCart(cartX)

	// Cart acceleration from the last three positions.
	vel := cart - s.CartX
	prevVel := s.CartX - s.PrevCartX
	cartAccel := vel - prevVel

	accel := (p.Gravity/p.PoleLength)*math.Sin(s.Angle) -
		ForceScale*(cartAccel/p.PoleLength)*math.Cos(s.Angle) +
		p.Jolt

	omega := (s.AngularVelocity + accel) * Damping

	return State{
		Angle:           s.Angle + omega,
		AngularVelocity: omega,
		CartX:           cart,
		PrevCartX:       s.CartX,
	}
}

// Outcome is the server-side determination of how a run ended.
type Outcome struct {
	// Completed is true when the run reached the end of the schedule
	// without the pole crossing FailAngle.
	Completed bool

	// Frames is the number of frames actually simulated.
	Frames int

	// FailFrame is the frame index at which FailAngle was crossed, or -1.
	FailFrame int

	// Angles is the simulated pole angle per frame, for comparison against
	// a client-submitted trace.
	Angles []float64
}

// Simulate replays a recorded cart track against a chaos schedule.
//
// Description:
//
//	Runs the model from the given initial state, driving the cart with the
//	recorded control positions, one per frame. Simulation stops early when
//	the pole crosses FailAngle or the cart track runs out. The result is
//	the server's own success/failure determination, independent of anything
//	the client claims.
//
// Inputs:
//   - schedule: per-frame parameters; its length bounds the run.
//   - cartTrack: recorded cart positions, one per frame. May be shorter
//     than the schedule (the run is then judged on the frames present).
//   - initial: starting state, typically zero velocity with the session's
//     initial tilt.
//
// Outputs:
//   - Outcome: completion flag, frame counts, and the simulated angles.
//
// Thread Safety: pure function; safe for concurrent use.
func Simulate(schedule []FrameParams, cartTrack []float64, initial State) Outcome {
	n := len(schedule)
	if len(cartTrack) < n {
		n = len(cartTrack)
	}

	out := Outcome{
		FailFrame: -1,
		Angles:    make([]float64, 0, n),
	}

	s := initial
	for i := 0; i < n; i++ {
		s = Step(s, cartTrack[i], schedule[i])
		out.Angles = append(out.Angles, s.Angle)
		out.Frames = i + 1
		if math.Abs(s.Angle) > FailAngle {
			out.FailFrame = i
			return out
		}
	}

	out.Completed = out.Frames >= PassFrameThreshold
	return out
}
