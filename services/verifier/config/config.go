// Copyright (C) 2025 Sainath Bingi
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config resolves the verifier's runtime configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variable names.
const (
	EnvPort           = "STABILIZER_PORT"
	EnvDataDir        = "STABILIZER_DATA_DIR"
	EnvInMemory       = "STABILIZER_IN_MEMORY"
	EnvSessionTTL     = "STABILIZER_SESSION_TTL"
	EnvMaxAttempts    = "STABILIZER_MAX_ATTEMPTS"
	EnvThresholdsPath = "STABILIZER_THRESHOLDS"
	EnvRateLimitRPS   = "STABILIZER_RATE_LIMIT_RPS"
	EnvRateLimitBurst = "STABILIZER_RATE_LIMIT_BURST"
	EnvOTLPEndpoint   = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvLogLevel       = "STABILIZER_LOG_LEVEL"
)

// Config is the verifier service's runtime configuration.
type Config struct {
	// Port the HTTP server listens on.
	Port int

	// DataDir is the badger database directory. Ignored when InMemory.
	DataDir string

	// InMemory runs storage without persistence; sessions and lockouts
	// do not survive a restart.
	InMemory bool

	// SessionTTL is how long an unconsumed session stays valid.
	SessionTTL time.Duration

	// MaxAttempts is the per-client attempt budget.
	MaxAttempts int

	// ThresholdsPath overrides the embedded classifier tuning. Empty
	// means built-in defaults; when set, the file is hot-reloaded.
	ThresholdsPath string

	// RateLimitRPS and RateLimitBurst bound per-client request rates.
	// RPS of zero disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	// OTLPEndpoint enables trace export when non-empty.
	OTLPEndpoint string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// FromEnv builds a Config from the environment, applying defaults for unset
// variables.
func FromEnv() (Config, error) {
	cfg := Config{
		Port:           8093,
		DataDir:        "/var/lib/stabilizer",
		SessionTTL:     10 * time.Minute,
		MaxAttempts:    3,
		RateLimitRPS:   5,
		RateLimitBurst: 10,
		LogLevel:       "info",
	}

	var err error
	if cfg.Port, err = intEnv(EnvPort, cfg.Port); err != nil {
		return Config{}, err
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvInMemory); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvInMemory, perr)
		}
		cfg.InMemory = b
	}
	if v := os.Getenv(EnvSessionTTL); v != "" {
		d, perr := time.ParseDuration(v)
		if perr != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvSessionTTL, perr)
		}
		cfg.SessionTTL = d
	}
	if cfg.MaxAttempts, err = intEnv(EnvMaxAttempts, cfg.MaxAttempts); err != nil {
		return Config{}, err
	}
	cfg.ThresholdsPath = os.Getenv(EnvThresholdsPath)
	if v := os.Getenv(EnvRateLimitRPS); v != "" {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvRateLimitRPS, perr)
		}
		cfg.RateLimitRPS = f
	}
	if cfg.RateLimitBurst, err = intEnv(EnvRateLimitBurst, cfg.RateLimitBurst); err != nil {
		return Config{}, err
	}
	cfg.OTLPEndpoint = os.Getenv(EnvOTLPEndpoint)
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if !c.InMemory && c.DataDir == "" {
		return errors.New("data dir required for persistent storage")
	}
	if c.SessionTTL <= 0 {
		return errors.New("session TTL must be positive")
	}
	if c.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	if c.RateLimitRPS < 0 {
		return errors.New("rate limit must be non-negative")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return errors.New("rate limit burst must be at least 1")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

func intEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}
