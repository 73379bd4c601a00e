package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// probeTimeout bounds each dependency probe per request.
const probeTimeout = 3 * time.Second

// Check is a named dependency probe run on every health request.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint, probing each registered
// dependency (redis, postgres, object storage) on demand.
type HealthHandler struct {
	checks []Check
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler with the provided probes and logger.
func NewHealthHandler(checks []Check, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, logger: logger}
}

// healthResponse is the wire format of the health endpoint.
type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
	Timestamp  string            `json:"timestamp"`
}

// HealthCheck responds with the aggregate health of the process and its
// dependencies. Any failing probe degrades the status to 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	var components map[string]string
	if len(h.checks) > 0 {
		components = make(map[string]string, len(h.checks))
	}

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := c.Probe(ctx)
		cancel()

		if err != nil {
			h.logger.WarnContext(r.Context(), "handler: health probe failed",
				slog.String("component", c.Name),
				slog.String("error", err.Error()),
			)
			components[c.Name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		components[c.Name] = "ok"
	}

	writeJSON(w, code, healthResponse{
		Status:     status,
		Components: components,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}
