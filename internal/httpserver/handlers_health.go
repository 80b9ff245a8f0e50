package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/KeyHarbor/server/internal/storage"
	"github.com/KeyHarbor/server/pkg/responders"
)

// health reports liveness. Storage connectivity failures surface here as
// a degraded status so load balancers can rotate the instance out.
func (s *handlers) health(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	status := "ok"
	statusCode := http.StatusOK
	storageHealthy := true
	// A not-found on the probe id means the store answered, which is
	// all the probe asks.
	if _, err := s.store.GetOrder(r.Context(), "health-probe"); err != nil && !errors.Is(err, storage.ErrNotFound) {
		storageHealthy = false
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	responders.JSON(w, statusCode, map[string]any{
		"status":         status,
		"uptime":         now.Sub(serverStartTime).String(),
		"timestamp":      now.UTC(),
		"storageHealthy": storageHealthy,
	})
}
