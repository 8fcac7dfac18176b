// Command logic runs the HTTP write path: account registration, login with
// session cookies, and message publication onto the partitioned log.
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

	"github.com/duang3457/instant-messaging-project/internal/v1/auth"
	"github.com/duang3457/instant-messaging-project/internal/v1/config"
	"github.com/duang3457/instant-messaging-project/internal/v1/history"
	"github.com/duang3457/instant-messaging-project/internal/v1/logging"
	"github.com/duang3457/instant-messaging-project/internal/v1/logic"
	"github.com/duang3457/instant-messaging-project/internal/v1/metrics"
	"github.com/duang3457/instant-messaging-project/internal/v1/queue"
	"github.com/duang3457/instant-messaging-project/internal/v1/ratelimit"
	"github.com/duang3457/instant-messaging-project/internal/v1/store"
	"github.com/duang3457/instant-messaging-project/internal/v1/tracing"
)

func main() {
	signal.Ignore(syscall.SIGPIPE)

	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.Load(configPath, 8090)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logging.Initialize(cfg.DevelopmentMode, logging.Level(cfg.LogLevel))
	ctx := context.Background()

	if cfg.OTelEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, "logic", cfg.OTelEndpoint)
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

	producer, err := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		logging.Fatal(ctx, "kafka connect failed", zap.Error(err))
	}
	defer producer.Close()

	limiter, err := ratelimit.New(cfg, redis.Client())
	if err != nil {
		logging.Fatal(ctx, "rate limiter init failed", zap.Error(err))
	}

	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	server := logic.NewServer(
		auth.NewService(redis, db),
		history.NewService(redis, db),
		producer,
		limiter,
		cfg.AllowedOrigins,
	)
	router := server.Router(redis, db)
	metricsSrv := metrics.NewServer(cfg.MetricsPort)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPBindPort),
		Handler: router,
	}
	go func() {
		logging.Info(ctx, "write path listening", zap.Uint16("port", cfg.HTTPBindPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "http server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "http shutdown failed", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)

	logging.Info(ctx, "write path exiting")
}

func openDB(cfg *config.Config) (*store.DB, error) {
	if cfg.PostgresDSN != "" {
		return store.OpenPostgres(cfg.PostgresDSN)
	}
	return store.OpenSQLite("file:chatroom.db")
}
