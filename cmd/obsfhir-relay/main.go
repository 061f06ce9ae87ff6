// Package main provides the submission relay entry point.
// Consumes form submissions, transforms them once and publishes FHIR bundles.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-obsfhir/internal/api/middleware"
	"github.com/drfirst/go-obsfhir/internal/config"
	"github.com/drfirst/go-obsfhir/internal/infrastructure/redpanda"
	"github.com/drfirst/go-obsfhir/internal/observability/metrics"
	"github.com/drfirst/go-obsfhir/internal/observability/tracing"
	"github.com/drfirst/go-obsfhir/internal/relay"
	"github.com/drfirst/go-obsfhir/internal/submission"
	"github.com/drfirst/go-obsfhir/internal/transformer"
	"github.com/drfirst/go-obsfhir/pkg/circuitbreaker"
	"github.com/drfirst/go-obsfhir/pkg/idempotency"
)

const serviceName = "obsfhir-relay"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx := context.Background()
	brokers := cfg.Brokers()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate

	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	m := metrics.New(nil)

	// Topics
	admin, err := redpanda.NewAdmin(brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	names := redpanda.TopicNames{
		Submissions: cfg.SubmissionTopic,
		Bundles:     cfg.BundleTopic,
		DeadLetter:  cfg.DeadLetterTopic,
	}
	if err := admin.EnsureTopics(ctx, names); err != nil {
		logger.Fatal("topic bootstrap failed", zap.Error(err))
	}
	defer admin.Close()

	// Producer and breaker
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = brokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	breakerCfg := circuitbreaker.DefaultConfig("bundle-publish")
	breakerCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(to.Level())
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	var inbox *idempotency.Inbox
	deps := relay.Deps{
		Service:   submission.NewService(transformer.NewObservationTransformer(), m, logger),
		Publisher: producer,
		Breaker:   breaker,
		Metrics:   m,
	}

	// Inbox is optional; without a database every delivery is processed
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("database ping failed", zap.Error(err))
		}

		inboxCfg := idempotency.DefaultConfig()
		inboxCfg.IsTerminal = submission.IsClientError
		inbox = idempotency.NewInbox(pool, inboxCfg, logger)
		if err := inbox.EnsureSchema(ctx); err != nil {
			logger.Fatal("inbox schema failed", zap.Error(err))
		}
		inbox.StartCleanup()
		defer inbox.Stop()

		deps.Inbox = inbox
		logger.Info("inbox enabled")
	} else {
		logger.Warn("DATABASE_URL is empty, duplicate submissions will be reprocessed")
	}

	rl, err := relay.New(relay.Config{
		BundleTopic:     cfg.BundleTopic,
		DeadLetterTopic: cfg.DeadLetterTopic,
	}, deps, logger)
	if err != nil {
		logger.Fatal("relay creation failed", zap.Error(err))
	}

	// Consumer
	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = brokers
	consumerCfg.GroupID = cfg.ConsumerGroup
	consumerCfg.Topics = []string{cfg.SubmissionTopic}
	consumerCfg.Pool.Workers = cfg.Workers
	consumerCfg.Pool.Retryable = relay.Retryable

	consumer, err := redpanda.NewConsumer(consumerCfg, rl.Handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	health := func(ctx context.Context) error {
		if !consumer.Healthy() {
			return errors.New("worker queue saturated")
		}
		return redpanda.HealthCheck(ctx, brokers)
	}
	stats := func(w http.ResponseWriter, r *http.Request) {
		writeStats(r.Context(), w, statusSources{
			consumer: consumer,
			producer: producer,
			admin:    admin,
			inbox:    inbox,
			breaker:  breaker,
			group:    cfg.ConsumerGroup,
		}, logger)
	}

	metricsServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(metrics.Handler(), health, stats, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("relay started",
		zap.Strings("brokers", brokers),
		zap.String("topic", cfg.SubmissionTopic),
		zap.Int("workers", cfg.Workers))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	consumer.Stop()
	if err := producer.Flush(context.Background()); err != nil {
		logger.Warn("producer flush", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}

	finalStats := consumer.Stats()
	logger.Info("relay stopped",
		zap.Int64("messages_read", finalStats.MessagesRead),
		zap.Int64("errors", finalStats.ErrorCount))
}

type statusSources struct {
	consumer *redpanda.Consumer
	producer *redpanda.Producer
	admin    *redpanda.Admin
	inbox    *idempotency.Inbox
	breaker  *circuitbreaker.CircuitBreaker
	group    string
}

type breakerStats struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutiveFailures"`
	TotalFailures       uint32 `json:"totalFailures"`
}

type relayStats struct {
	Consumer redpanda.ConsumerStats     `json:"consumer"`
	Producer redpanda.ProducerStats     `json:"producer"`
	Lag      map[string]map[int32]int64 `json:"lag,omitempty"`
	Topics   []string                   `json:"topics,omitempty"`
	Inbox    *idempotency.Stats         `json:"inbox,omitempty"`
	Breaker  breakerStats               `json:"breaker"`
}

func writeStats(ctx context.Context, w http.ResponseWriter, src statusSources, logger *zap.Logger) {
	stats := relayStats{
		Consumer: src.consumer.Stats(),
		Producer: src.producer.Stats(),
	}

	counts := src.breaker.Counts()
	stats.Breaker = breakerStats{
		Name:                src.breaker.Name(),
		State:               string(src.breaker.GetState()),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalFailures:       counts.TotalFailures,
	}

	var err error
	if stats.Lag, err = src.admin.GetConsumerGroupLag(ctx, src.group); err != nil {
		logger.Warn("consumer lag unavailable", zap.Error(err))
	}
	if stats.Topics, err = src.admin.ListTopics(ctx); err != nil {
		logger.Warn("topic list unavailable", zap.Error(err))
	}
	if src.inbox != nil {
		if stats.Inbox, err = src.inbox.GetStats(ctx); err != nil {
			logger.Warn("inbox stats unavailable", zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		logger.Warn("encode stats", zap.Error(err))
	}
}

// newRouter serves the relay's operational endpoints.
func newRouter(metricsHandler http.Handler, health func(ctx context.Context) error, stats http.HandlerFunc, logger *zap.Logger) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recover(logger))

	router.Handle("/metrics", metricsHandler)
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Get("/stats", stats)
	return router
}
