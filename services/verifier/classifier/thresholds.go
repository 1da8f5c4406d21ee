// Copyright (C) 2025 Sainath Bingi
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// MaxThresholdsFileSize bounds threshold file reads.
const MaxThresholdsFileSize = 64 * 1024

//go:embed thresholds.yaml
var defaultThresholdsYAML []byte

// Thresholds holds the classifier's tunable parameters.
//
// The exact weighting of the behavioral signals is not dictated by observable
// behavior, so everything here is deliberately a tunable rather than a magic
// constant. Defaults are documented in thresholds.yaml, which is embedded
// into the binary; a deployment can override it with its own file and edits
// are hot-reloaded.
type Thresholds struct {
	// LatencyWeight, ConsistencyWeight, and SmoothnessWeight combine the
	// three sub-scores into the human score. They should sum to 1.
	LatencyWeight     float64 `yaml:"latency_weight"`
	ConsistencyWeight float64 `yaml:"consistency_weight"`
	SmoothnessWeight  float64 `yaml:"smoothness_weight"`

	// ReflexFloorFrames is the reaction lag, in frames, below which a
	// controller is reacting faster than human motor response allows.
	ReflexFloorFrames int `yaml:"reflex_floor_frames"`

	// OODACeilingFrames is the reaction lag above which control looks
	// like a perception-reasoning-action pipeline rather than a reflex.
	OODACeilingFrames int `yaml:"ooda_ceiling_frames"`

	// MaxLagScan bounds the cross-correlation lag search, in frames.
	MaxLagScan int `yaml:"max_lag_scan"`

	// RoughnessMin and RoughnessMax bound human-characteristic mean
	// absolute cart acceleration.
	RoughnessMin float64 `yaml:"roughness_min"`
	RoughnessMax float64 `yaml:"roughness_max"`

	// SpeedMin and SpeedMax bound human-characteristic mean absolute
	// cart velocity.
	SpeedMin float64 `yaml:"speed_min"`
	SpeedMax float64 `yaml:"speed_max"`

	// ConsistencyTolerance is the mean absolute deviation, in radians,
	// allowed between the submitted trace and the re-simulation before
	// the trace is treated as forged.
	ConsistencyTolerance float64 `yaml:"consistency_tolerance"`

	// MinHumanScore is the verification cutoff on the combined score.
	MinHumanScore float64 `yaml:"min_human_score"`
}

// DefaultThresholds returns the embedded default tuning.
func DefaultThresholds() Thresholds {
	var t Thresholds
	// The embedded document is compiled in and validated by tests;
	// a decode failure here is a build defect.
	if err := yaml.Unmarshal(defaultThresholdsYAML, &t); err != nil {
		panic(fmt.Sprintf("embedded thresholds.yaml invalid: %v", err))
	}
	return t
}

// Validate checks that the tuning is internally consistent.
func (t Thresholds) Validate() error {
	if t.LatencyWeight <= 0 || t.ConsistencyWeight <= 0 || t.SmoothnessWeight <= 0 {
		return errors.New("weights must be positive")
	}
	sum := t.LatencyWeight + t.ConsistencyWeight + t.SmoothnessWeight
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("weights must sum to 1, got %.3f", sum)
	}
	if t.ReflexFloorFrames < 1 {
		return errors.New("reflex_floor_frames must be at least 1")
	}
	if t.OODACeilingFrames <= t.ReflexFloorFrames {
		return errors.New("ooda_ceiling_frames must exceed reflex_floor_frames")
	}
	if t.MaxLagScan <= t.OODACeilingFrames {
		return errors.New("max_lag_scan must exceed ooda_ceiling_frames")
	}
	if t.RoughnessMin < 0 || t.RoughnessMin >= t.RoughnessMax {
		return errors.New("roughness band must be ordered and non-negative")
	}
	if t.SpeedMin < 0 || t.SpeedMin >= t.SpeedMax {
		return errors.New("speed band must be ordered and non-negative")
	}
	if t.ConsistencyTolerance <= 0 {
		return errors.New("consistency_tolerance must be positive")
	}
	if t.MinHumanScore <= 0 || t.MinHumanScore >= 1 {
		return errors.New("min_human_score must be in (0, 1)")
	}
	return nil
}

// LoadThresholds reads a thresholds file.
//
// Description:
//
//	Reads and validates a YAML thresholds document. An empty path returns
//	the embedded defaults.
func LoadThresholds(path string) (Thresholds, error) {
	if path == "" {
		return DefaultThresholds(), nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return Thresholds{}, fmt.Errorf("stat thresholds file: %w", err)
	}
	if info.Size() > MaxThresholdsFileSize {
		return Thresholds{}, fmt.Errorf("thresholds file too large: %d bytes", info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Thresholds{}, fmt.Errorf("read thresholds file: %w", err)
	}

	var t Thresholds
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Thresholds{}, fmt.Errorf("parse thresholds file: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Thresholds{}, fmt.Errorf("invalid thresholds in %s: %w", path, err)
	}
	return t, nil
}

// WatchThresholds hot-reloads a thresholds file into the classifier.
//
// Description:
//
//	Watches the file's directory with fsnotify and reloads on write or
//	create events for the file. Invalid edits are logged and skipped; the
//	classifier keeps its previous tuning. The watch runs until the
//	context is cancelled.
//
// Thread Safety: safe to run alongside concurrent Evaluate calls; swaps
// are atomic.
func (c *Classifier) WatchThresholds(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("thresholds path must not be empty")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory: editors replace files rather than writing in
	// place, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch thresholds dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				t, err := LoadThresholds(path)
				if err != nil {
					c.logger.Warn("thresholds reload rejected",
						slog.String("path", path),
						slog.String("error", err.Error()),
					)
					continue
				}
				c.setThresholds(t)
				c.logger.Info("thresholds reloaded", slog.String("path", path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("thresholds watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}
