package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/duang3457/instant-messaging-project/internal/v1/logging"
)

// NewServer starts a standalone /metrics listener on its own port, so
// scrapes never contend with user traffic. The caller owns shutdown.
func NewServer(port uint16) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		logging.Info(context.Background(), "metrics listening", zap.Uint16("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(context.Background(), "metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
