// Copyright (C) 2025 Sainath Bingi
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 8093, cfg.Port)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.SessionTTL)
	assert.False(t, cfg.InMemory)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv(EnvPort, "9000")
	t.Setenv(EnvInMemory, "true")
	t.Setenv(EnvSessionTTL, "30s")
	t.Setenv(EnvMaxAttempts, "5")
	t.Setenv(EnvRateLimitRPS, "2.5")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.True(t, cfg.InMemory)
	assert.Equal(t, 30*time.Second, cfg.SessionTTL)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.InDelta(t, 2.5, cfg.RateLimitRPS, 1e-12)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	cases := []struct {
		env   string
		value string
	}{
		{EnvPort, "not-a-port"},
		{EnvPort, "70000"},
		{EnvSessionTTL, "soon"},
		{EnvMaxAttempts, "0"},
		{EnvInMemory, "perhaps"},
		{EnvLogLevel, "verbose"},
	}
	for _, tc := range cases {
		t.Run(tc.env+"="+tc.value, func(t *testing.T) {
			t.Setenv(tc.env, tc.value)
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}
