package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
	"github.com/ramiqadoumi/go-case-flow/internal/kafka"
	"github.com/ramiqadoumi/go-case-flow/internal/maintenance"
	"github.com/ramiqadoumi/go-case-flow/internal/observers"
	"github.com/ramiqadoumi/go-case-flow/internal/orchestrator"
	"github.com/ramiqadoumi/go-case-flow/internal/portal"
	"github.com/ramiqadoumi/go-case-flow/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-case-flow/internal/redis"
	"github.com/ramiqadoumi/go-case-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-case-flow/services/orchestrator/api"
	"github.com/ramiqadoumi/go-case-flow/services/orchestrator/config"
)

const leaseKey = "caseflow:maintenance:leader"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator, its REST API and the maintenance jobs",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("http-port", "8080", "HTTP server port")
	f.String("metrics-addr", ":9095", "Prometheus metrics server address; empty disables it")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Bool("otel-insecure", true, "use plain HTTP for the OTLP exporter")
	f.Int("workers", 4, "number of concurrent dispatch workers")
	f.Int("queue-capacity", 1024, "maximum queued cases")
	f.Duration("poll-timeout", time.Second, "how long a worker blocks on an empty queue")
	f.Duration("handler-timeout", 2*time.Minute, "per-dispatch handler timeout; 0 disables it")
	f.String("redis-addr", "", "Redis address (host:port); empty keeps queue and snapshots in memory")
	f.String("redis-queue-key", "caseflow:queue", "prefix of the per-instance Redis list used as the dispatch queue")
	f.Duration("snapshot-ttl", 7*24*time.Hour, "lifetime of case snapshots in Redis")
	f.String("kafka-brokers", "", "comma-separated Kafka broker addresses; empty disables events and intake")
	f.String("kafka-group-id", "caseflow-intake", "consumer group for the case-request intake")
	f.String("portal-auth", portal.AuthBearer, "portal auth method: bearer | api_key")
	f.Int("portal-rate-limit", 60, "portal calls allowed per window (requires Redis); 0 disables")
	f.Duration("portal-rate-window", time.Minute, "portal rate-limit window")
	f.Duration("portal-latency", 0, "simulated portal latency")
	f.String("refresh-spec", maintenance.DefaultConfig.RefreshSpec, "cron spec for priority refresh")
	f.String("evict-spec", maintenance.DefaultConfig.EvictSpec, "cron spec for eviction of closed cases")
	f.String("stats-spec", maintenance.DefaultConfig.StatsSpec, "cron spec for queue-depth reporting")
	f.Duration("evict-after", maintenance.DefaultConfig.EvictAfter, "age after which closed cases leave memory")

	for _, name := range []string{
		"http-port", "metrics-addr", "otel-endpoint", "otel-insecure",
		"workers", "queue-capacity", "poll-timeout", "handler-timeout",
		"redis-addr", "redis-queue-key", "snapshot-ttl", "kafka-brokers", "kafka-group-id",
		"portal-auth", "portal-rate-limit", "portal-rate-window", "portal-latency",
		"refresh-spec", "evict-spec", "stats-spec", "evict-after",
	} {
		bindFlag(strings.ReplaceAll(name, "-", "_"), f, name)
	}
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	instanceID := "caseflow-" + uuid.New().String()[:8]
	logger := buildLogger(cfg.LogLevel, "caseflow").With(slog.String("instance_id", instanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "caseflow", cfg.OTelEndpoint, cfg.OTelInsecure)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	machineOpts := []domain.MachineOption{
		domain.WithMachineLogger(logger),
		domain.WithObserver(observers.Log(logger)),
		domain.WithObserver(observers.Metrics()),
	}
	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithWorkers(cfg.Workers),
		orchestrator.WithPollTimeout(cfg.PollTimeout),
		orchestrator.WithHandlerTimeout(cfg.HandlerTimeout),
	}
	apiOpts := []api.Option{api.WithLogger(logger)}
	schedOpts := []maintenance.Option{maintenance.WithLogger(logger)}
	var (
		checks  []telemetry.ReadinessCheck
		limiter portal.RateLimiter
	)

	// ── Redis: queue, snapshots, rate limiter, maintenance lease ─────────────
	if cfg.RedisAddr != "" {
		redisClient := redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()

		store := redisstore.NewSnapshotStore(redisClient, cfg.SnapshotTTL)
		machineOpts = append(machineOpts, domain.WithObserver(observers.Snapshot(store)))
		apiOpts = append(apiOpts, api.WithSnapshotStore(store))
		orchOpts = append(orchOpts, orchestrator.WithQueue(redisstore.NewListQueue(redisClient, queueKey(cfg.RedisQueueKey, instanceID), cfg.QueueCapacity)))
		schedOpts = append(schedOpts, maintenance.WithLeader(redisstore.NewLease(redisClient, leaseKey, instanceID, 30*time.Second)))
		if cfg.PortalRateLimit > 0 {
			limiter = redisstore.NewRateLimiter(redisClient, cfg.PortalRateLimit, cfg.PortalRateWindow)
		}
		checks = append(checks, func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	} else {
		orchOpts = append(orchOpts, orchestrator.WithQueue(orchestrator.NewMemoryQueue(cfg.QueueCapacity)))
	}

	// ── Postgres: audit trail ────────────────────────────────────────────────
	if cfg.PostgresDSN != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()

		repo := postgres.NewRepository(pool)
		machineOpts = append(machineOpts, domain.WithObserver(observers.Audit(repo)))
		apiOpts = append(apiOpts, api.WithRepository(repo))
		checks = append(checks, func(ctx context.Context) error { return pool.Ping(ctx) })
	}

	// ── Kafka: transition events ─────────────────────────────────────────────
	var brokers []string
	var producer kafka.Producer
	if cfg.KafkaBrokers != "" {
		brokers = strings.Split(cfg.KafkaBrokers, ",")
		producer = kafka.NewProducer(brokers, "caseflow")
		defer func() { _ = producer.Close() }()
		machineOpts = append(machineOpts, domain.WithObserver(observers.Events(producer, kafka.TopicTransitions)))
	}

	machine := domain.NewStateMachine(machineOpts...)
	registry, connectors := buildRegistry(cfg, machine, limiter, logger)
	orch := orchestrator.New(registry, machine, orchOpts...)

	sched, err := maintenance.New(orch, maintenance.Config{
		RefreshSpec: cfg.RefreshSpec,
		EvictSpec:   cfg.EvictSpec,
		StatsSpec:   cfg.StatsSpec,
		EvictAfter:  cfg.EvictAfter,
	}, schedOpts...)
	if err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	pingPortals(connectors, logger)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, checks...)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = orch.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		sched.Run(runCtx)
	}()

	// ── Kafka: case-request intake ───────────────────────────────────────────
	if producer != nil {
		consumer := kafka.NewConsumer(brokers, kafka.TopicRequests, cfg.KafkaGroupID, logger)
		defer func() { _ = consumer.Close() }()
		intake := kafka.NewIntake(consumer, producer, orch, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := intake.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("intake stopped", slog.String("error", err.Error()))
			}
		}()
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewREST(orch, apiOpts...).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("caseflow HTTP starting",
			slog.String("addr", httpSrv.Addr),
			slog.Any("categories", registry.Categories()),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ── signal handling ──────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	var runErr error
	select {
	case <-quit:
	case runErr = <-serveErr:
		logger.Error("HTTP server error", slog.String("error", runErr.Error()))
	}
	logger.Info("shutting down, draining in-flight cases...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	runCancel()
	wg.Wait()
	orch.Wait()
	logger.Info("stopped cleanly")
	return runErr
}

// pingPortals logs unreachable portals at startup. It never blocks serving.
func pingPortals(connectors []portal.Connector, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range connectors {
		if err := c.Ping(ctx); err != nil {
			logger.Warn("portal unreachable", slog.String("portal", c.Name()), slog.String("error", err.Error()))
		}
	}
}
