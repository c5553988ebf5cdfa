// Package health exposes the liveness and readiness probes for the
// signaling server.
package health

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shadow-nexus/server/internal/v1/logging"
	"github.com/shadow-nexus/server/internal/v1/store"
)

// Handler manages health check endpoints.
type Handler struct {
	store   *store.Store
	dataDir string
}

// NewHandler creates a health handler bound to the durable store.
func NewHandler(st *store.Store, dataDir string) *Handler {
	return &Handler{store: st, dataDir: dataDir}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live: 200 whenever the process runs,
// no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready: 200 only when the persistence
// layer can accept writes, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{
		"storage": h.checkStorage(ctx),
	}

	status := "ready"
	statusCode := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// checkStorage probes the data directory with a real write, the same
// path the store's flusher uses.
func (h *Handler) checkStorage(ctx context.Context) string {
	if h.store == nil {
		return "unhealthy"
	}
	probe := filepath.Join(h.dataDir, ".health_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		logging.Error(ctx, "storage health check failed", zap.Error(err))
		return "unhealthy"
	}
	_ = os.Remove(probe)
	return "healthy"
}
