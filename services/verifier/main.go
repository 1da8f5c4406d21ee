// Copyright (C) 2025 Sainath Bingi
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command verifier starts the Stabilizer verification server.
//
// The verifier issues pendulum-stabilization challenges, re-simulates
// submitted traces against their per-session physics schedules, and judges
// whether the controlling hand was human.
//
// Usage:
//
//	go run ./services/verifier
//	STABILIZER_PORT=9000 STABILIZER_IN_MEMORY=true go run ./services/verifier
//
// Validate a thresholds override before deploying it:
//
//	go run ./services/verifier thresholds check /etc/stabilizer/thresholds.yaml
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8093/health
//
//	# Open a challenge session
//	curl http://localhost:8093/api/init_stabilizer
//
//	# Submit a trace
//	curl -X POST http://localhost:8093/api/verify_stability \
//	  -H "Content-Type: application/json" \
//	  -d '{"session_token": "...", "angle_history": [...], "cart_history": [...]}'
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/bingisainath/Stabilizer-Captcha/pkg/logging"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/classifier"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/config"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/datatypes"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/engine"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/lockout"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/middleware"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/observability"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/routes"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/session"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/storage/badgerstore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "verifier",
		Short: "Stabilizer verification server",
		Long: "Serves pendulum-stabilization challenges and judges submitted " +
			"traces as human or automated. Configuration comes from the " +
			"STABILIZER_* environment variables.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	thresholds := &cobra.Command{
		Use:   "thresholds",
		Short: "Classifier threshold utilities",
	}
	thresholds.AddCommand(&cobra.Command{
		Use:   "check <path>",
		Short: "Validate a thresholds override file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := classifier.LoadThresholds(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: min_human_score=%.2f reflex_floor=%d frames\n",
				t.MinHumanScore, t.ReflexFloorFrames)
			return nil
		},
	})
	root.AddCommand(thresholds)

	return root
}

// initTracer sets up OTLP export when an endpoint is configured. The gRPC
// connection is lazy; a collector that is down only costs dropped spans.
func initTracer(ctx context.Context, endpoint string) (func(context.Context), error) {
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("stabilizer-verifier")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func runServe(ctx context.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		Service: "verifier",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		cleanup, err := initTracer(ctx, cfg.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("setup OTLP tracer: %w", err)
		}
		defer cleanup(context.Background())
	} else {
		logger.Info("OTLP endpoint not set, trace export disabled")
	}

	var storeCfg badgerstore.Config
	if cfg.InMemory {
		storeCfg = badgerstore.InMemoryConfig()
	} else {
		storeCfg = badgerstore.DefaultConfig(cfg.DataDir)
	}
	storeCfg.Logger = logger.Slog()
	db, err := badgerstore.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	sessions, err := session.NewStore(db, session.Config{
		TTL:    cfg.SessionTTL,
		Logger: logger.Slog(),
	})
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}

	ledger, err := lockout.NewLedger(db, cfg.MaxAttempts, logger.Slog())
	if err != nil {
		return fmt.Errorf("lockout ledger: %w", err)
	}

	thresholds, err := classifier.LoadThresholds(cfg.ThresholdsPath)
	if err != nil {
		return fmt.Errorf("load thresholds: %w", err)
	}
	cls, err := classifier.New(thresholds, logger.Slog())
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	if cfg.ThresholdsPath != "" {
		if err := cls.WatchThresholds(ctx, cfg.ThresholdsPath); err != nil {
			return fmt.Errorf("watch thresholds: %w", err)
		}
		logger.Info("thresholds hot reload enabled", "path", cfg.ThresholdsPath)
	}

	metrics := observability.InitMetrics()

	eng, err := engine.New(engine.Config{
		Sessions:   sessions,
		Ledger:     ledger,
		Classifier: cls,
		Metrics:    metrics,
		Logger:     logger.Slog(),
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	datatypes.RegisterValidators()
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("stabilizer-verifier"))

	var limiter *middleware.RateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer limiter.Close()
	}

	routes.SetupRoutes(router, routes.Options{
		Engine:      eng,
		Metrics:     metrics,
		Logger:      logger.Slog(),
		RateLimiter: limiter,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("verifier listening",
			"port", cfg.Port,
			"max_attempts", cfg.MaxAttempts,
			"session_ttl", cfg.SessionTTL.String(),
			"in_memory", cfg.InMemory,
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
