package handler

import (
	"net/http"

	"github.com/avhall/leverbot/internal/domain"
)

// StatusSource yields the bot's current operational summary.
type StatusSource interface {
	Status() domain.BotStatus
}

// StatusHandler serves the bot status endpoint.
type StatusHandler struct {
	source StatusSource
}

// NewStatusHandler creates a StatusHandler backed by the given source.
func NewStatusHandler(source StatusSource) *StatusHandler {
	return &StatusHandler{source: source}
}

// statusResponse is the wire format of the status endpoint.
type statusResponse struct {
	Mode          string `json:"mode"`
	WSState       string `json:"ws_state"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	HasPosition   bool   `json:"has_position"`
	Symbol        string `json:"symbol"`
}

// GetStatus responds with the current mode, push-channel state, and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	s := h.source.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		Mode:          s.Mode,
		WSState:       s.WSState,
		UptimeSeconds: s.UptimeSeconds,
		HasPosition:   s.HasPosition,
		Symbol:        s.Symbol,
	})
}
