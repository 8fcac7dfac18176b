// Command comet runs the WebSocket edge: it terminates client connections,
// serves hello/history/send envelopes, and hosts the BroadcastRoom gRPC
// service the job tier fans out through.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/duang3457/instant-messaging-project/internal/v1/auth"
	"github.com/duang3457/instant-messaging-project/internal/v1/comet"
	"github.com/duang3457/instant-messaging-project/internal/v1/config"
	"github.com/duang3457/instant-messaging-project/internal/v1/health"
	"github.com/duang3457/instant-messaging-project/internal/v1/history"
	"github.com/duang3457/instant-messaging-project/internal/v1/logging"
	"github.com/duang3457/instant-messaging-project/internal/v1/logic"
	"github.com/duang3457/instant-messaging-project/internal/v1/metrics"
	"github.com/duang3457/instant-messaging-project/internal/v1/middleware"
	"github.com/duang3457/instant-messaging-project/internal/v1/queue"
	"github.com/duang3457/instant-messaging-project/internal/v1/ratelimit"
	"github.com/duang3457/instant-messaging-project/internal/v1/store"
	"github.com/duang3457/instant-messaging-project/internal/v1/tracing"
)

func main() {
	// Writes to half-closed sockets surface as write errors, not signals.
	signal.Ignore(syscall.SIGPIPE)

	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.Load(configPath, 8081)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logging.Initialize(cfg.DevelopmentMode, logging.Level(cfg.LogLevel))
	ctx := context.Background()

	if cfg.OTelEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, "comet", cfg.OTelEndpoint)
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

	authSvc := auth.NewService(redis, db)
	historySvc := history.NewService(redis, db)
	hub := comet.NewHub(cfg.CometAddr, authSvc, historySvc, redis, db, producer, cfg.AllowedOrigins)

	// gRPC broadcast surface for job.
	grpcSrv := comet.NewGRPCServer(hub)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		logging.Fatal(ctx, "grpc listen failed", zap.Error(err))
	}
	go func() {
		logging.Info(ctx, "broadcast grpc listening", zap.Uint16("port", cfg.GRPCPort))
		if err := grpcSrv.Serve(lis); err != nil {
			logging.Error(ctx, "grpc server stopped", zap.Error(err))
		}
	}()

	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("comet"))
	router.Use(middleware.CorrelationID())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.HeaderXCorrelationID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.GET("/ws", func(c *gin.Context) {
		if !limiter.CheckWebSocket(c) {
			return
		}
		hub.ServeWs(c)
	})
	// Account endpoints live on the edge too, so a client needs one host for
	// register, login and the WebSocket handshake.
	logic.NewServer(authSvc, historySvc, producer, limiter, cfg.AllowedOrigins).MountAccounts(router)
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
		logging.Info(ctx, "edge listening", zap.Uint16("port", cfg.HTTPBindPort))
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

	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "hub shutdown failed", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "http shutdown failed", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)

	logging.Info(ctx, "edge exiting")
}

func openDB(cfg *config.Config) (*store.DB, error) {
	if cfg.PostgresDSN != "" {
		return store.OpenPostgres(cfg.PostgresDSN)
	}
	// Single-node development fallback.
	return store.OpenSQLite("file:chatroom.db")
}
