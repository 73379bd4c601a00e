// Package app owns the process lifecycle of the leverage bot: it wires the
// concrete dependencies (exchange client, journals, caches, blob storage,
// notifications) and runs whichever operating mode the config selects.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/avhall/leverbot/internal/config"
)

// App carries the configuration and loggers through a single Run. Cleanup
// functions registered during wiring run in reverse order on Close.
type App struct {
	cfg     *config.Config
	base    *slog.Logger // undecorated; components attach their own tags
	logger  *slog.Logger
	closers []func()
}

// New creates an App around the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		base:   logger,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires the dependencies and blocks inside the configured mode until the
// context is cancelled or the mode fails. Resources stay open until Close so
// a mode can hand them to goroutines that outlive its own stack frame.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("symbol", a.cfg.Exchange.Symbol),
		slog.String("environment", a.cfg.Exchange.Environment),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "trade":
		return a.TradeMode(ctx, deps)
	case "observe":
		return a.ObserveMode(ctx, deps)
	case "archive":
		return a.ArchiveMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close releases wired resources in reverse registration order. Calling it
// again is a no-op.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
