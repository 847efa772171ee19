// Package main is the entry point for the ingestion server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/channels"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/config"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/events"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/handler"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/middleware"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/normalize"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/pipeline"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/resolution"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/routing"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/store"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/syncjobs"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/transform"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/logger"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting ingestion server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "comms-ingest", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to Postgres
	st, err := store.NewPostgres(cfg.PostgresDSN)
	if err != nil {
		log.Error("failed to connect to Postgres", zap.Error(err))
		os.Exit(1)
	}
	defer st.Close()

	// Connect to NATS
	natsClient, err := events.Connect(ctx, events.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Error("failed to connect to NATS", zap.Error(err))
		os.Exit(1)
	}
	defer natsClient.Close()

	// Ensure JetStream stream exists
	publisher := events.NewPublisher(natsClient)
	if err := publisher.EnsureStream(ctx); err != nil {
		log.Error("failed to ensure stream", zap.Error(err))
		os.Exit(1)
	}

	// Build the pipeline
	norm := normalize.New(cfg.DefaultCountryCode)
	transformer := transform.New(norm, log)
	resolver := resolution.New(log)
	pipe := pipeline.New(st, transformer, resolver, publisher, log)

	// Routing table
	router := routing.New(st, cfg.RouterCacheTTL, log)
	if err := router.Rebuild(ctx); err != nil {
		log.Warn("initial routing rebuild failed, serving on-demand lookups", zap.Error(err))
	} else {
		log.Info("routing table loaded", zap.Int("entries", router.Size()))
	}

	// Channel handlers
	registry, err := channels.NewRegistry(
		channels.NewWhatsApp(pipe),
		channels.NewEmail(pipe),
		channels.NewLinkedIn(pipe),
	)
	if err != nil {
		log.Error("failed to build channel registry", zap.Error(err))
		os.Exit(1)
	}
	accounts := channels.NewAccountService(st, router, publisher, log)

	// Sync queue: publisher for admin triggers, consumer for execution. The
	// consumer needs provider API credentials; without them sync requests
	// queue up for a worker that has them.
	syncPublisher, err := syncjobs.NewPublisher(cfg.AMQPURL, cfg.SyncQueue, log)
	if err != nil {
		log.Warn("AMQP unavailable, sync triggers disabled", zap.Error(err))
	} else {
		defer syncPublisher.Close()
	}
	if cfg.ProviderAPIURL != "" {
		provider := syncjobs.NewHTTPProvider(cfg.ProviderAPIURL, cfg.ProviderAPIKey, log)
		runner := syncjobs.NewRunner(st, router, pipe, provider, log)
		consumer, err := syncjobs.NewConsumer(cfg.AMQPURL, cfg.SyncQueue, runner, cfg.SyncConsumers, syncjobs.Options{
			DaysBack:     cfg.SyncDaysBack,
			MaxPerThread: cfg.SyncMaxPerThread,
			Concurrency:  cfg.SyncThreadConcurrency,
		}, log)
		if err != nil {
			log.Warn("sync consumer unavailable", zap.Error(err))
		} else {
			if err := consumer.Start(); err != nil {
				log.Error("failed to start sync consumer", zap.Error(err))
				os.Exit(1)
			}
			defer consumer.Close()
		}
	}

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(natsClient, st)
	webhookHandler := handler.NewWebhookHandler(router, registry, accounts, log)
	var enqueuer handler.SyncEnqueuer
	if syncPublisher != nil {
		enqueuer = syncPublisher
	}
	adminHandler := handler.NewAdminHandler(st, router, resolver, enqueuer, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Correlation-ID"},
		ExposedHeaders:   []string{"X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Provider webhooks: authenticated by account registration, rate limited
	// per source.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		r.Post("/webhooks/{provider}", webhookHandler.Receive)
	})

	// Admin routes with authentication
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeSync))
			r.Post("/sync/{accountID}", adminHandler.TriggerSync)
			r.Get("/sync/{accountID}/jobs/{jobID}", adminHandler.GetSyncJob)
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeRouting))
			r.Post("/routing/rebuild", adminHandler.RebuildRouting)
			r.Delete("/routing/{accountID}", adminHandler.InvalidateRouting)
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeParticipants))
			r.Put("/participants/{participantID}/contact", adminHandler.OverrideParticipantContact)
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
