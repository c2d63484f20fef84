package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/relaygate/gateway/internal/admin"
	"github.com/relaygate/gateway/internal/concurrency"
	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/gatewayapi"
	"github.com/relaygate/gateway/internal/middleware"
	"github.com/relaygate/gateway/internal/proxy"
	"github.com/relaygate/gateway/internal/selector"
	"github.com/relaygate/gateway/internal/store"
	"github.com/relaygate/gateway/internal/telemetry"
)

func main() {
	cfg := config.LoadConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx := context.Background()

	// Postgres is the system of record (C1): providers, groups, memberships,
	// api keys, call logs, error keywords, settings.
	pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pgStore.Close()

	migrator, err := store.NewMigrator(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init migrator: %v", err)
	}
	if err := migrator.Up(ctx); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}
	migrator.Close()

	counter := concurrency.NewCounter(pgStore)
	// active_calls must never survive a restart as a stale count (P8).
	if err := counter.ResetAll(ctx); err != nil {
		log.Fatalf("failed to reset active call counters: %v", err)
	}

	var archiver store.Archiver = store.NoopArchiver{}
	if cfg.ArchiveEnabled {
		dynamoArchiver, err := store.NewDynamoDBArchiver(ctx, cfg.AWSRegion, cfg.DynamoArchiveTable, logger)
		if err != nil {
			log.Fatalf("failed to init DynamoDB archiver: %v", err)
		}
		archiver = dynamoArchiver
	}

	failureWindow := store.NewRedisFailureWindow(cfg.RedisAddr, cfg.RedisPassword)
	healthFilter := selector.HealthFilter{
		Enabled:       cfg.HealthFilterEnabled,
		FailureCount:  cfg.FailoverThresholdCount,
		FailurePeriod: cfg.FailoverThresholdPeriod,
		Counter:       failureWindow,
	}

	breakers := selector.NewBreakerPool()
	keyCache := store.NewKeyCache(5 * time.Minute)

	tpShutdown, err := telemetry.InitTracer()
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
	} else {
		defer func() {
			if err := tpShutdown(context.Background()); err != nil {
				slog.Error("failed to shutdown telemetry", "error", err)
			}
		}()
	}

	engine := proxy.NewEngine(pgStore, counter, archiver, breakers, logger)
	engine.RetryMax = cfg.RetryMaxDefault
	engine.HealthFilter = healthFilter

	gwHandler := gatewayapi.NewHandler(engine, pgStore, logger, cfg.ChatTimeout, cfg.EmbeddingTimeout, cfg.ImageTimeout)
	adminHandler := admin.NewHandler(pgStore, keyCache, cfg.AdminUsername, cfg.AdminPassword, []byte(cfg.JWTSecret), cfg.JWTTTL, logger)

	r := gin.Default()
	r.Use(otelgin.Middleware("relaygate-gateway"))
	r.Use(middleware.MetricsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", gwHandler.Status)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Dialect endpoints, each authenticated by the shared API key middleware.
	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(pgStore, keyCache))
	v1.POST("/chat/completions", gwHandler.ChatCompletions)
	v1.POST("/responses", gwHandler.ChatCompletions)
	v1.POST("/messages", gwHandler.Messages)
	v1.POST("/completions", gwHandler.Completions)
	v1.POST("/embeddings", gwHandler.Embeddings)
	v1.POST("/images/generations", gwHandler.ImageGenerations)
	v1.GET("/models", gwHandler.ListModels)

	// Admin surface: login is open, everything else behind the admin JWT.
	adminGroup := r.Group("/admin")
	adminGroup.POST("/login", adminHandler.Login)
	protected := adminGroup.Group("")
	protected.Use(adminHandler.JWTMiddleware())
	{
		protected.GET("/providers", adminHandler.ListProviders)
		protected.POST("/providers", adminHandler.CreateProvider)
		protected.PUT("/providers/:id", adminHandler.UpdateProvider)
		protected.POST("/providers/:id/deactivate", adminHandler.DeactivateProvider)
		protected.DELETE("/providers/by-key/:api_key_id", adminHandler.DeleteProvidersByKey)
		protected.POST("/providers/models/import", adminHandler.ModelImport)

		protected.GET("/groups", adminHandler.ListGroups)
		protected.POST("/groups", adminHandler.CreateGroup)
		protected.DELETE("/groups/:id", adminHandler.DeleteGroup)

		protected.POST("/memberships", adminHandler.AddProviderToGroup)
		protected.DELETE("/memberships/:provider_id/:group_id", adminHandler.RemoveProviderFromGroup)

		protected.POST("/keys", adminHandler.CreateApiKey)
		protected.GET("/keys", adminHandler.ListApiKeys)
		protected.POST("/keys/:id/deactivate", adminHandler.DeactivateApiKey)

		protected.GET("/error-keywords", adminHandler.ListErrorKeywords)
		protected.POST("/error-keywords", adminHandler.CreateErrorKeyword)
		protected.DELETE("/error-keywords/:id", adminHandler.DeleteErrorKeyword)

		protected.GET("/settings/:key", adminHandler.GetSetting)
		protected.PUT("/settings/:key", adminHandler.SetSetting)

		protected.GET("/call-logs", adminHandler.ListCallLogs)
		protected.GET("/call-logs/:id", adminHandler.GetCallLogDetail)
		protected.GET("/dashboard", adminHandler.Dashboard)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	go func() {
		slog.Info("starting server", "port", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server init failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server exiting")
}
