package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avhall/leverbot/internal/domain"
)

func TestHealthCheck(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	t.Run("all_probes_pass", func(t *testing.T) {
		h := NewHealthHandler([]Check{
			{Name: "redis", Probe: func(ctx context.Context) error { return nil }},
			{Name: "postgres", Probe: func(ctx context.Context) error { return nil }},
		}, logger)

		rec := httptest.NewRecorder()
		h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Status     string            `json:"status"`
			Components map[string]string `json:"components"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body.Status)
		assert.Equal(t, "ok", body.Components["redis"])
		assert.Equal(t, "ok", body.Components["postgres"])
	})

	t.Run("failing_probe_degrades", func(t *testing.T) {
		h := NewHealthHandler([]Check{
			{Name: "redis", Probe: func(ctx context.Context) error { return nil }},
			{Name: "postgres", Probe: func(ctx context.Context) error {
				return errors.New("connection refused")
			}},
		}, logger)

		rec := httptest.NewRecorder()
		h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body struct {
			Status     string            `json:"status"`
			Components map[string]string `json:"components"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "degraded", body.Status)
		assert.Equal(t, "ok", body.Components["redis"])
		assert.Contains(t, body.Components["postgres"], "connection refused")
	})

	t.Run("no_probes_is_ok", func(t *testing.T) {
		h := NewHealthHandler(nil, logger)

		rec := httptest.NewRecorder()
		h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), "components")
	})
}

type staticStatus struct {
	status domain.BotStatus
}

func (s staticStatus) Status() domain.BotStatus { return s.status }

func TestGetStatus(t *testing.T) {
	h := NewStatusHandler(staticStatus{status: domain.BotStatus{
		Mode:          "trade",
		WSState:       "connected",
		UptimeSeconds: 3600,
		HasPosition:   true,
		Symbol:        "BTCUSDT",
	}})

	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "trade", body["mode"])
	assert.Equal(t, "connected", body["ws_state"])
	assert.EqualValues(t, 3600, body["uptime_seconds"])
	assert.Equal(t, true, body["has_position"])
	assert.Equal(t, "BTCUSDT", body["symbol"])
}

type staticPosition struct {
	pos *domain.Position
}

func (s staticPosition) Snapshot() *domain.Position { return s.pos }

func TestGetPosition(t *testing.T) {
	t.Run("flat_returns_null", func(t *testing.T) {
		h := NewPositionHandler(staticPosition{})

		rec := httptest.NewRecorder()
		h.GetPosition(rec, httptest.NewRequest(http.MethodGet, "/api/position", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"position": null}`, rec.Body.String())
	})

	t.Run("open_position", func(t *testing.T) {
		opened := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		h := NewPositionHandler(staticPosition{pos: &domain.Position{
			ID:         "pos-1",
			Symbol:     "BTCUSDT",
			Side:       domain.SideLong,
			Quantity:   0.5,
			EntryPrice: 40000,
			Leverage:   5,
			MarginUsed: 4000,
			StopLoss: domain.StopLossState{
				Price:        40040,
				InitialPrice: 39000,
				IsBreakeven:  true,
			},
			TakeProfits: []domain.TakeProfitLevel{
				{Level: 1, Percent: 2.5, SizePercent: 50, Price: 41000, Hit: true, OnHit: domain.TPActionMoveSLToBreakeven},
				{Level: 2, Percent: 5.0, SizePercent: 30, Price: 42000, OnHit: domain.TPActionActivateTrailing},
			},
			OpenedAt:      opened,
			UnrealizedPnL: 520,
			Status:        domain.PositionStatusOpen,
		}})

		rec := httptest.NewRecorder()
		h.GetPosition(rec, httptest.NewRequest(http.MethodGet, "/api/position", nil))

		assert.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Position struct {
				ID         string  `json:"id"`
				Side       string  `json:"side"`
				EntryPrice float64 `json:"entry_price"`
				StopLoss   struct {
					Price       float64 `json:"price"`
					IsBreakeven bool    `json:"is_breakeven"`
				} `json:"stop_loss"`
				TakeProfits []struct {
					Level int    `json:"level"`
					Hit   bool   `json:"hit"`
					OnHit string `json:"on_hit"`
				} `json:"take_profits"`
				Status string `json:"status"`
			} `json:"position"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

		assert.Equal(t, "pos-1", body.Position.ID)
		assert.Equal(t, "long", body.Position.Side)
		assert.InDelta(t, 40000, body.Position.EntryPrice, 1e-9)
		assert.InDelta(t, 40040, body.Position.StopLoss.Price, 1e-9)
		assert.True(t, body.Position.StopLoss.IsBreakeven)
		require.Len(t, body.Position.TakeProfits, 2)
		assert.True(t, body.Position.TakeProfits[0].Hit)
		assert.Equal(t, "move_sl_to_breakeven", body.Position.TakeProfits[0].OnHit)
		assert.False(t, body.Position.TakeProfits[1].Hit)
		assert.Equal(t, "open", body.Position.Status)
	})
}
