// Package config resolves process configuration. Values come from the
// environment; an optional dotenv-style file passed as the first CLI
// argument (default conf.conf) is loaded first, so file keys become
// environment defaults without overriding anything already exported.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds validated configuration for one process.
type Config struct {
	LogLevel     int // 0=debug .. 4=fatal
	HTTPBindPort uint16
	MetricsPort  uint16
	GRPCPort     uint16

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	PostgresDSN string

	// CometAddr is the address this edge advertises in connection:info
	// hashes, i.e. where job reaches its gRPC server.
	CometAddr string

	AllowedOrigins  []string
	DevelopmentMode bool

	// Rate limits in ulule/limiter formatted notation ("<count>-<period>").
	RateLimitAPI  string // account and login endpoints, per IP
	RateLimitSend string // message sends, per user
	RateLimitWS   string // WebSocket upgrades, per IP

	// OTelEndpoint enables trace export when non-empty.
	OTelEndpoint string
}

// Load reads the optional config file at path (ignored when missing), then
// validates the environment. defaultHTTPPort differs per binary (comet 8081,
// logic 8090).
func Load(path string, defaultHTTPPort uint16) (*Config, error) {
	if path == "" {
		path = "conf.conf"
	}
	// Missing file is fine: env-only deployments are the common case.
	_ = godotenv.Load(path)

	cfg := &Config{}
	var errs []string

	cfg.LogLevel = intOrDefault("LOG_LEVEL", 1, &errs)
	if cfg.LogLevel < 0 || cfg.LogLevel > 4 {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL must be in 0..4 (got %d)", cfg.LogLevel))
	}

	cfg.HTTPBindPort = portOrDefault("HTTP_BIND_PORT", defaultHTTPPort, &errs)
	cfg.MetricsPort = portOrDefault("METRICS_PORT", 9090, &errs)
	cfg.GRPCPort = portOrDefault("GRPC_PORT", 50051, &errs)

	cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	if !isValidHostPort(cfg.RedisAddr) {
		errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	brokers := getEnvOrDefault("KAFKA_BROKERS", "localhost:9092")
	for _, b := range strings.Split(brokers, ",") {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		if !isValidHostPort(b) {
			errs = append(errs, fmt.Sprintf("KAFKA_BROKERS entry must be 'host:port' (got '%s')", b))
			continue
		}
		cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
	}
	cfg.KafkaTopic = getEnvOrDefault("KAFKA_TOPIC", "my-topic")

	cfg.PostgresDSN = os.Getenv("POSTGRES_DSN")

	cfg.CometAddr = getEnvOrDefault("COMET_ADDR", fmt.Sprintf("localhost:%d", cfg.GRPCPort))
	if !isValidHostPort(cfg.CometAddr) {
		errs = append(errs, fmt.Sprintf("COMET_ADDR must be in format 'host:port' (got '%s')", cfg.CometAddr))
	}

	origins := getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:3000")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	cfg.RateLimitAPI = getEnvOrDefault("RATE_LIMIT_API", "100-M")
	cfg.RateLimitSend = getEnvOrDefault("RATE_LIMIT_SEND", "60-M")
	cfg.RateLimitWS = getEnvOrDefault("RATE_LIMIT_WS", "30-M")

	cfg.OTelEndpoint = os.Getenv("OTEL_COLLECTOR_ADDR")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

func intOrDefault(key string, def int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, raw))
		return def
	}
	return n
}

func portOrDefault(key string, def uint16, errs *[]string) uint16 {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s must be a valid port number between 1 and 65535 (got '%s')", key, raw))
		return def
	}
	return uint16(n)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}
