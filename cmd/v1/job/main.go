// Command job runs the fan-out tier: it consumes PushMsg records from the
// partitioned log, routes them to the edges holding each room's subscribers,
// and drains the persist queue into the durable store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/duang3457/instant-messaging-project/internal/v1/config"
	"github.com/duang3457/instant-messaging-project/internal/v1/health"
	"github.com/duang3457/instant-messaging-project/internal/v1/history"
	"github.com/duang3457/instant-messaging-project/internal/v1/job"
	"github.com/duang3457/instant-messaging-project/internal/v1/logging"
	"github.com/duang3457/instant-messaging-project/internal/v1/metrics"
	"github.com/duang3457/instant-messaging-project/internal/v1/queue"
	"github.com/duang3457/instant-messaging-project/internal/v1/store"
	"github.com/duang3457/instant-messaging-project/internal/v1/tracing"
)

func main() {
	signal.Ignore(syscall.SIGPIPE)

	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.Load(configPath, 8082)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logging.Initialize(cfg.DevelopmentMode, logging.Level(cfg.LogLevel))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OTelEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, "job", cfg.OTelEndpoint)
		if err != nil {
			logging.Error(ctx, "tracer init failed, continuing without traces", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(context.Background()) }()
		}
	}

	redis, err := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logging.Fatal(ctx, "redis connect failed", zap.Error(err))
	}
	defer func() { _ = redis.Close() }()

	db, err := openDB(cfg)
	if err != nil {
		logging.Fatal(ctx, "database open failed", zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	consumer, err := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, job.ConsumerGroup)
	if err != nil {
		logging.Fatal(ctx, "kafka connect failed", zap.Error(err))
	}
	defer consumer.Close()

	broadcaster := job.NewGRPCBroadcaster()
	defer func() { _ = broadcaster.Close() }()

	// The batch persister shares the process: the fan-out tier already owns
	// the queue's consumption side.
	persister := history.NewPersister(redis, db)
	go persister.Run(ctx)

	pipeline := job.New(redis, broadcaster)
	done := make(chan error, 1)
	go func() {
		logging.Info(ctx, "pipeline consuming",
			zap.String("topic", cfg.KafkaTopic),
			zap.String("group", job.ConsumerGroup))
		done <- pipeline.Run(ctx, consumer)
	}()

	// Probes only; job has no user-facing HTTP surface. Metrics get their
	// own listener.
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	health.NewHandler(map[string]health.Pinger{
		"redis":    redis,
		"database": db,
	}).Register(router)

	metricsSrv := metrics.NewServer(cfg.MetricsPort)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPBindPort),
		Handler: router,
	}
	go func() {
		logging.Info(ctx, "probes listening", zap.Uint16("port", cfg.HTTPBindPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "probe server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logging.Info(ctx, "shutting down")
	case err := <-done:
		if err != nil && err != context.Canceled {
			logging.Error(ctx, "pipeline stopped", zap.Error(err))
		}
	}

	cancel()
	consumer.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(context.Background(), "probe server shutdown failed", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)

	// One last drain so messages accepted during shutdown reach the durable
	// store.
	if n, err := persister.DrainOnce(shutdownCtx); err != nil {
		logging.Error(context.Background(), "final persist drain failed", zap.Error(err))
	} else if n > 0 {
		logging.Info(context.Background(), "final persist drain", zap.Int("count", n))
	}

	logging.Info(context.Background(), "job exiting")
}

func openDB(cfg *config.Config) (*store.DB, error) {
	if cfg.PostgresDSN != "" {
		return store.OpenPostgres(cfg.PostgresDSN)
	}
	return store.OpenSQLite("file:chatroom.db")
}
