// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

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
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/tillerml/tiller/pkg/logging"
	"github.com/tillerml/tiller/services/llm"
	"github.com/tillerml/tiller/services/orchestrator"
	"github.com/tillerml/tiller/services/orchestrator/config"
	"github.com/tillerml/tiller/services/orchestrator/conversation"
	"github.com/tillerml/tiller/services/orchestrator/ensemble"
	"github.com/tillerml/tiller/services/orchestrator/observability"
	"github.com/tillerml/tiller/services/orchestrator/router"
	"github.com/tillerml/tiller/services/orchestrator/routes"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const serviceName = "tillerd"

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: serviceName,
		// Terminals get text; everything else (systemd, containers) JSON.
		JSON: !isatty.IsTerminal(os.Stderr.Fd()),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	if cfg.OTLPEndpoint != "" {
		cleanup, err := initTracer(cfg.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("failed to setup the OTLP tracer: %w", err)
		}
		defer cleanup(context.Background())
	}

	metrics := observability.InitMetrics()

	store, err := conversation.OpenBadgerStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	backends, err := buildBackends(cfg.Backends)
	if err != nil {
		return err
	}

	ctx := context.Background()
	engine := orchestrator.New(ctx, backends, store, metrics, orchestrator.Options{
		Router: router.Config{
			Preference: cfg.Router.Preference,
			Tasks:      taskLadders(cfg.Router.Tasks),
		},
		Ensemble: ensemble.Config{
			MaxConcurrent: cfg.Ensemble.MaxConcurrent,
			Timeout:       cfg.Ensemble.Timeout.Std(),
		},
		ContextBudgets:    cfg.Context.Budgets,
		SummaryModel:      cfg.Context.SummaryModel,
		DownloadRetention: cfg.Download.Retention.Std(),
	})

	warmTargets := make(map[string][]string)
	for _, bc := range cfg.Backends {
		if bc.Warm {
			warmTargets[bc.Name] = bc.Models
		}
	}
	// Warmup runs in the background; a slow model load must not delay
	// serving requests that go elsewhere.
	go engine.Warmup(ctx, warmTargets)

	gin.SetMode(gin.ReleaseMode)
	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery())
	ginRouter.Use(otelgin.Middleware(serviceName))
	routes.SetupRoutes(ginRouter, engine)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           ginRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting the server", "listen", cfg.Listen, "backends", len(backends))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildBackends constructs adapters in config order, which is priority
// order for resolution.
func buildBackends(configs []config.BackendConfig) ([]llm.Backend, error) {
	backends := make([]llm.Backend, 0, len(configs))
	for _, bc := range configs {
		switch bc.Kind {
		case "ollama":
			backend, err := llm.NewOllamaBackend(bc.Name, bc.BaseURL, bc.KeepAlive)
			if err != nil {
				return nil, err
			}
			backends = append(backends, backend)
		case "openai":
			backends = append(backends, llm.NewOpenAIBackend(llm.OpenAIConfig{
				Name:    bc.Name,
				APIKey:  bc.APIKey,
				BaseURL: bc.BaseURL,
				Models:  bc.Models,
				RPS:     bc.RPS,
			}))
		case "llamacpp":
			backend, err := llm.NewLlamaCppBackend(bc.Name, bc.BaseURL, bc.Models[0])
			if err != nil {
				return nil, err
			}
			backends = append(backends, backend)
		default:
			return nil, fmt.Errorf("unknown backend kind %q", bc.Kind)
		}
	}
	return backends, nil
}

func taskLadders(tasks map[string][]string) map[router.TaskType][]string {
	out := make(map[router.TaskType][]string, len(tasks))
	for task, ladder := range tasks {
		out[router.TaskType(task)] = ladder
	}
	return out
}

// initTracer wires the OTLP gRPC exporter and installs the global tracer
// provider. The returned cleanup flushes pending spans.
func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

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
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, err
	}
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExporter)))
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
