// Copyright (C) 2025 Sainath Bingi
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chaos generates per-session physics parameter schedules.
//
// Every session gets its own time-indexed sequence of (gravity, pole length,
// jolt) tuples. Gravity and length drift smoothly between randomly placed
// keyframes; disturbance jolts fire at irregular intervals and decay over a
// few frames. The draws are bounded so a human can keep the pendulum up, but
// a controller tuned against any single fixed physics will diverge.
//
// Generation is deterministic given a seed, so a schedule can always be
// re-derived for audit without trusting stored data. Seeds come from
// crypto/rand; no two live sessions share one.
package chaos

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"sort"

	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/physics"
)

// Config bounds schedule generation.
//
// The defaults keep the system stabilizable by a human within the run window
// while varying enough between sessions that a pre-trained policy goes stale.
type Config struct {
	// Frames is the schedule length. Must match the physics contract.
	Frames int

	// GravityMin and GravityMax bound the gravity keyframe draws.
	GravityMin, GravityMax float64

	// GravityKeyframes is the number of gravity keyframes to interpolate.
	GravityKeyframes int

	// LengthMin and LengthMax bound the pole-length keyframe draws.
	LengthMin, LengthMax float64

	// LengthKeyframes is the number of pole-length keyframes.
	LengthKeyframes int

	// JoltAmplitude bounds each jolt impulse to [-JoltAmplitude, +JoltAmplitude].
	JoltAmplitude float64

	// JoltIntervalMin and JoltIntervalMax bound the frame gap between
	// jolt trains.
	JoltIntervalMin, JoltIntervalMax int

	// JoltDecayFrames is how many frames each impulse decays over (halving
	// per frame).
	JoltDecayFrames int

	// MaxInitialTilt bounds the starting pole angle in radians. The draw
	// is uniform in [-MaxInitialTilt, +MaxInitialTilt].
	MaxInitialTilt float64
}

// DefaultConfig returns the production schedule bounds.
func DefaultConfig() Config {
	return Config{
		Frames:           physics.SuccessFrames,
		GravityMin:       0.10,
		GravityMax:       0.25,
		GravityKeyframes: 10,
		LengthMin:        100.0,
		LengthMax:        120.0,
		LengthKeyframes:  8,
		JoltAmplitude:    0.004,
		JoltIntervalMin:  70,
		JoltIntervalMax:  100,
		JoltDecayFrames:  4,
		MaxInitialTilt:   0.05,
	}
}

// Validate checks the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Frames <= 0 {
		return errors.New("frames must be positive")
	}
	if c.GravityKeyframes < 2 || c.LengthKeyframes < 2 {
		return errors.New("keyframe counts must be at least 2")
	}
	if c.GravityKeyframes > c.Frames || c.LengthKeyframes > c.Frames {
		return errors.New("keyframe counts must not exceed frame count")
	}
	if c.GravityMin > c.GravityMax || c.LengthMin > c.LengthMax {
		return errors.New("parameter ranges must be ordered")
	}
	if c.GravityMin <= 0 || c.LengthMin <= 0 {
		return errors.New("gravity and length must be positive")
	}
	if c.JoltIntervalMin <= 0 || c.JoltIntervalMin > c.JoltIntervalMax {
		return errors.New("jolt interval bounds must be ordered and positive")
	}
	if c.JoltAmplitude < 0 || c.MaxInitialTilt < 0 {
		return errors.New("amplitudes must be non-negative")
	}
	return nil
}

// Schedule is a session's full chaos schedule. Immutable once issued.
type Schedule struct {
	// Seed regenerates this schedule exactly via Generate.
	Seed int64 `json:"seed"`

	// InitialAngle is the pole's starting tilt in radians.
	InitialAngle float64 `json:"initial_angle"`

	// Frames holds the per-frame parameter tuples.
	Frames []physics.FrameParams `json:"frames"`
}

// NewSeed draws a fresh schedule seed from the OS entropy source.
func NewSeed() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("read seed entropy: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

// Generate produces the schedule for a seed.
//
// Description:
//
//	Builds keyframe-interpolated gravity and pole-length tracks plus a
//	sparse jolt train, all driven by a PCG source seeded from the session
//	seed. The same (seed, cfg) pair always yields an identical schedule.
//	Generate never fails for a config that passes Validate.
//
// Thread Safety: safe for concurrent use; no shared mutable state.
func Generate(seed int64, cfg Config) Schedule {
	rng := mrand.New(mrand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))

	gravity := smoothTrack(rng, cfg.GravityMin, cfg.GravityMax, cfg.Frames, cfg.GravityKeyframes)
	length := smoothTrack(rng, cfg.LengthMin, cfg.LengthMax, cfg.Frames, cfg.LengthKeyframes)
	jolts := joltTrain(rng, cfg)

	frames := make([]physics.FrameParams, cfg.Frames)
	for i := range frames {
		frames[i] = physics.FrameParams{
			Gravity:    gravity[i],
			PoleLength: length[i],
			Jolt:       jolts[i],
		}
	}

	return Schedule{
		Seed:         seed,
		InitialAngle: (rng.Float64()*2 - 1) * cfg.MaxInitialTilt,
		Frames:       frames,
	}
}

// lerp interpolates linearly between a and b.
func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// smoothTrack interpolates a per-frame parameter track between randomly
// placed keyframes. The first and last frame are always keyframes.
func smoothTrack(rng *mrand.Rand, min, max float64, frames, keyframes int) []float64 {
	positions := make([]int, 0, keyframes)
	positions = append(positions, 0)
	if keyframes > 2 && frames > 2 {
		perm := rng.Perm(frames - 2)
		for _, p := range perm[:keyframes-2] {
			positions = append(positions, p+1)
		}
	}
	positions = append(positions, frames-1)
	sort.Ints(positions)

	values := make([]float64, len(positions))
	for i := range values {
		values[i] = min + rng.Float64()*(max-min)
	}

	track := make([]float64, frames)
	seg := 0
	for frame := 0; frame < frames; frame++ {
		for seg < len(positions)-1 && frame >= positions[seg+1] {
			seg++
		}
		if seg >= len(positions)-1 {
			track[frame] = values[len(values)-1]
			continue
		}
		start, end := positions[seg], positions[seg+1]
		t := 0.0
		if end != start {
			t = float64(frame-start) / float64(end-start)
		}
		track[frame] = lerp(values[seg], values[seg+1], t)
	}
	return track
}

// joltTrain lays decaying disturbance impulses at irregular intervals.
func joltTrain(rng *mrand.Rand, cfg Config) []float64 {
	jolts := make([]float64, cfg.Frames)

	interval := cfg.JoltIntervalMin
	if cfg.JoltIntervalMax > cfg.JoltIntervalMin {
		interval += rng.IntN(cfg.JoltIntervalMax - cfg.JoltIntervalMin + 1)
	}

	for i := 0; i < cfg.Frames; i += interval {
		slack := cfg.Frames - i - 1
		if slack <= 0 {
			break
		}
		jitter := 20
		if slack < jitter {
			jitter = slack
		}
		frame := i + rng.IntN(jitter+1)
		if frame >= cfg.Frames {
			continue
		}

		jolts[frame] = (rng.Float64()*2 - 1) * cfg.JoltAmplitude
		for decay := 1; decay <= cfg.JoltDecayFrames; decay++ {
			if frame+decay >= cfg.Frames {
				break
			}
			jolts[frame+decay] = jolts[frame] / float64(int(1)<<decay)
		}
	}
	return jolts
}

// JoltFrames returns the indices of frames carrying the peak of each jolt
// train, for diagnostics and schedule audit.
func (s Schedule) JoltFrames() []int {
	var frames []int
	for i, f := range s.Frames {
		if f.Jolt == 0 {
			continue
		}
		// Peaks are frames whose predecessor carries no larger impulse.
		if i == 0 || absf(s.Frames[i-1].Jolt) < absf(f.Jolt) {
			frames = append(frames, i)
		}
	}
	return frames
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
