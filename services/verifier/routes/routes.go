// Copyright (C) 2025 Sainath Bingi
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/engine"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/handlers"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/middleware"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/observability"
)

// Options collects the dependencies the route table needs.
type Options struct {
	Engine  *engine.Engine
	Metrics *observability.Metrics
	Logger  *slog.Logger

	// RateLimiter is optional; nil disables per-client limiting.
	RateLimiter *middleware.RateLimiter
}

// SetupRoutes registers the verifier's endpoints on the router.
func SetupRoutes(router *gin.Engine, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(middleware.ClientIdentity())
	if opts.RateLimiter != nil {
		api.Use(opts.RateLimiter.Middleware())
	}
	{
		api.GET("/init_stabilizer", handlers.InitStabilizer(opts.Engine, logger))
		api.POST("/verify_stability", handlers.VerifyStability(opts.Engine, opts.Metrics, logger))
	}
}
