// Package health exposes liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/duang3457/instant-messaging-project/internal/v1/logging"
)

// Pinger is the readiness contract a backend satisfies.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the probe endpoints.
type Handler struct {
	checks map[string]Pinger
}

// NewHandler builds a probe handler over named backends. Nil backends are
// skipped so single-tier deployments stay ready.
func NewHandler(checks map[string]Pinger) *Handler {
	filtered := make(map[string]Pinger, len(checks))
	for name, p := range checks {
		if p != nil {
			filtered[name] = p
		}
	}
	return &Handler{checks: filtered}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness answers 200 whenever the process is running. No dependency
// checks; a wedged Redis must not get the pod restarted.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness answers 200 only when every backend responds, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	allHealthy := true
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			logging.Error(ctx, "readiness check failed",
				zap.String("backend", name), zap.Error(err))
			checks[name] = "unhealthy"
			allHealthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status := "ready"
	code := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Register mounts the probes on a router group.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/health/live", h.Liveness)
	r.GET("/health/ready", h.Readiness)
}
