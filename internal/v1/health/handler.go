// Package health exposes the liveness and readiness probes on the ops plane.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cinesync/cinesync/internal/v1/logging"
)

// StatsPinger checks the stats database connection.
type StatsPinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints
type Handler struct {
	stats StatsPinger
}

// NewHandler creates a new health check handler. stats may be nil when the
// server runs without a stats database.
func NewHandler(stats StatsPinger) *Handler {
	return &Handler{stats: stats}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy
// Returns 503 if any dependency is unhealthy
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	statsStatus := h.checkStats(ctx)
	checks["stats_db"] = statsStatus
	if statsStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// checkStats verifies the stats database connection. A server running
// without stats has nothing to check and is considered healthy.
func (h *Handler) checkStats(ctx context.Context) string {
	if h.stats == nil {
		return "healthy"
	}
	if err := h.stats.Ping(ctx); err != nil {
		logging.Error(ctx, "Stats database health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
