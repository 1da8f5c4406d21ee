// Copyright (C) 2025 Sainath Bingi
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chaos

import (
	"math"
	"testing"

	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/physics"
)

func TestDefaultConfig_Valid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero frames", func(c *Config) { c.Frames = 0 }},
		{"one keyframe", func(c *Config) { c.GravityKeyframes = 1 }},
		{"keyframes exceed frames", func(c *Config) { c.LengthKeyframes = c.Frames + 1 }},
		{"inverted gravity range", func(c *Config) { c.GravityMin, c.GravityMax = c.GravityMax, c.GravityMin }},
		{"zero length", func(c *Config) { c.LengthMin = 0 }},
		{"inverted jolt interval", func(c *Config) { c.JoltIntervalMin = c.JoltIntervalMax + 1 }},
		{"negative tilt bound", func(c *Config) { c.MaxInitialTilt = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	cfg := DefaultConfig()
	a := Generate(42, cfg)
	b := Generate(42, cfg)

	if a.InitialAngle != b.InitialAngle {
		t.Fatal("initial angle not deterministic")
	}
	if len(a.Frames) != len(b.Frames) {
		t.Fatal("schedule lengths differ")
	}
	for i := range a.Frames {
		if a.Frames[i] != b.Frames[i] {
			t.Fatalf("frame %d differs between runs of the same seed", i)
		}
	}
}

func TestGenerate_SeedsDivergeMaterially(t *testing.T) {
	cfg := DefaultConfig()
	a := Generate(1, cfg)
	b := Generate(2, cfg)

	differing := 0
	for i := range a.Frames {
		if a.Frames[i].Gravity != b.Frames[i].Gravity {
			differing++
		}
	}
	if differing < cfg.Frames/10 {
		t.Errorf("only %d/%d gravity frames differ between seeds", differing, cfg.Frames)
	}
}

func TestGenerate_Bounds(t *testing.T) {
	cfg := DefaultConfig()
	for _, seed := range []int64{0, 7, -99, 123456789} {
		s := Generate(seed, cfg)

		if len(s.Frames) != physics.SuccessFrames {
			t.Fatalf("seed %d: schedule length %d", seed, len(s.Frames))
		}
		if math.Abs(s.InitialAngle) > cfg.MaxInitialTilt {
			t.Errorf("seed %d: initial angle %v out of bounds", seed, s.InitialAngle)
		}
		for i, f := range s.Frames {
			if f.Gravity < cfg.GravityMin || f.Gravity > cfg.GravityMax {
				t.Fatalf("seed %d frame %d: gravity %v out of range", seed, i, f.Gravity)
			}
			if f.PoleLength < cfg.LengthMin || f.PoleLength > cfg.LengthMax {
				t.Fatalf("seed %d frame %d: length %v out of range", seed, i, f.PoleLength)
			}
			if math.Abs(f.Jolt) > cfg.JoltAmplitude {
				t.Fatalf("seed %d frame %d: jolt %v out of range", seed, i, f.Jolt)
			}
		}
	}
}

func TestGenerate_JoltsSparse(t *testing.T) {
	cfg := DefaultConfig()
	s := Generate(1234, cfg)

	nonzero := 0
	for _, f := range s.Frames {
		if f.Jolt != 0 {
			nonzero++
		}
	}
	// Each train is 1 peak + up to JoltDecayFrames decay frames, one train
	// per interval window at most.
	maxTrains := cfg.Frames/cfg.JoltIntervalMin + 1
	if nonzero > maxTrains*(cfg.JoltDecayFrames+1) {
		t.Errorf("jolts not sparse: %d nonzero frames", nonzero)
	}
}

func TestJoltFrames_MarksPeaks(t *testing.T) {
	cfg := DefaultConfig()
	s := Generate(9, cfg)

	peaks := s.JoltFrames()
	if len(peaks) == 0 {
		t.Fatal("expected at least one jolt train")
	}
	for _, p := range peaks {
		if s.Frames[p].Jolt == 0 {
			t.Fatalf("peak frame %d has zero jolt", p)
		}
		if p > 0 && math.Abs(s.Frames[p-1].Jolt) >= math.Abs(s.Frames[p].Jolt) {
			t.Fatalf("frame %d is not a train peak", p)
		}
	}
}

func TestNewSeed_Unique(t *testing.T) {
	seen := make(map[int64]bool)
	for i := 0; i < 64; i++ {
		seed, err := NewSeed()
		if err != nil {
			t.Fatalf("NewSeed: %v", err)
		}
		if seen[seed] {
			t.Fatal("duplicate seed from entropy source")
		}
		seen[seed] = true
	}
}
