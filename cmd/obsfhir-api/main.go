// Package main provides the observation transform API entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-obsfhir/internal/api/handlers"
	"github.com/drfirst/go-obsfhir/internal/api/middleware"
	"github.com/drfirst/go-obsfhir/internal/config"
	"github.com/drfirst/go-obsfhir/internal/observability/metrics"
	"github.com/drfirst/go-obsfhir/internal/observability/tracing"
	"github.com/drfirst/go-obsfhir/internal/submission"
	"github.com/drfirst/go-obsfhir/internal/transformer"
)

const serviceName = "obsfhir-api"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.IsDev() {
		logger, _ = zap.NewDevelopment()
	}

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate

	tp, err := tracing.Init(context.Background(), traceCfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	m := metrics.New(nil)
	svc := submission.NewService(transformer.NewObservationTransformer(), m, logger)
	observationHandler := handlers.NewObservationHandler(svc, logger)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeyClients()))
		r.Mount("/observations", observationHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	if len(cfg.APIKeyClients()) == 0 {
		logger.Warn("API_KEYS is empty, authentication disabled")
	}
	logger.Info("starting observation API", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":%q}`, serviceName)
}
