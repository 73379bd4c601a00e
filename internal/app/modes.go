package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avhall/leverbot/internal/analyzer"
	s3blob "github.com/avhall/leverbot/internal/blob/s3"
	"github.com/avhall/leverbot/internal/domain"
	"github.com/avhall/leverbot/internal/exchange/bybit"
	"github.com/avhall/leverbot/internal/exit"
	"github.com/avhall/leverbot/internal/gateway"
	"github.com/avhall/leverbot/internal/lifecycle"
	"github.com/avhall/leverbot/internal/schedule"
	"github.com/avhall/leverbot/internal/server"
	"github.com/avhall/leverbot/internal/server/handler"
	"github.com/avhall/leverbot/internal/trader"
)

// leaseTTL is the symbol lease lifetime. The lease renews itself while the
// process is healthy and lapses shortly after a crash, freeing the symbol
// for a replacement instance.
const leaseTTL = 30 * time.Second

// TradeMode runs the full trading stack: push gateway, decision loop, archive
// cron when enabled, and the ops server. It claims the symbol lease first so
// two instances never trade the same symbol.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode",
		slog.Bool("auto_execute", a.cfg.Trading.AutoExecute),
	)

	release, err := deps.Lease.Acquire(ctx, a.cfg.Exchange.Symbol, leaseTTL)
	if err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}
	defer release()

	return a.runBot(ctx, deps, a.cfg.Trading.AutoExecute)
}

// ObserveMode mirrors exchange state (position sync, decisions, journal,
// notifications) without ever placing an order. No symbol lease is taken;
// observers may run alongside a trading instance.
func (a *App) ObserveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting observe mode")
	return a.runBot(ctx, deps, false)
}

// ArchiveMode runs a single archive pass over closed journal rows and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode",
		slog.Int("retention_days", a.cfg.Archive.RetentionDays),
	)

	if deps.Archiver == nil {
		return errors.New("archive mode: object storage is not configured")
	}
	job := schedule.NewArchiveJob(deps.Archiver, deps.Positions, a.cfg.Archive.RetentionDays, a.cfg.Archive.PruneDays, a.base)
	if err := job.Run(ctx); err != nil {
		return err
	}
	a.logArchiveSummary(ctx, deps.Archives)
	return nil
}

// logArchiveSummary lists today's archive prefix so a one-shot run ends with
// what the store actually holds. A listing failure loses only the summary
// line, never the run.
func (a *App) logArchiveSummary(ctx context.Context, archives domain.BlobReader) {
	if archives == nil {
		return
	}
	prefix := s3blob.ArchivePrefix(time.Now().UTC())
	objects, err := archives.List(ctx, prefix)
	if err != nil {
		a.logger.WarnContext(ctx, "archive summary unavailable",
			slog.String("error", err.Error()),
		)
		return
	}
	var size int64
	for _, obj := range objects {
		size += obj.Size
	}
	a.logger.InfoContext(ctx, "archive store summary",
		slog.String("prefix", prefix),
		slog.Int("objects", len(objects)),
		slog.Int64("bytes", size),
	)
}

// runBot assembles the gateway, lifecycle manager, exit handler, and decision
// loop, then blocks until the context is cancelled or a component fails.
// autoExecute overrides the configured flag so observe mode can never place
// an order.
func (a *App) runBot(ctx context.Context, deps *Dependencies, autoExecute bool) error {
	cfg := *a.cfg
	cfg.Trading.AutoExecute = autoExecute

	registry, err := a.newAnalyzerRegistry()
	if err != nil {
		return err
	}

	// Aggregation weights: configured values win, analyzer defaults fill the
	// gaps so an unlisted analyzer still contributes to the score.
	weights := registry.Weights()
	for name, w := range cfg.Aggregation.Weights {
		weights[name] = w
	}
	cfg.Aggregation.Weights = weights

	manager := lifecycle.NewManager(deps.Exchange, deps.Positions, cfg.Trading, a.base)
	exits := exit.NewHandler(deps.Exchange, deps.Positions, cfg.Exit, a.base)

	wsURL := cfg.Websocket.URL
	if wsURL == "" {
		wsURL = bybit.WSPrivateURL(cfg.Exchange.Environment)
	}
	gw := gateway.New(cfg.Websocket, wsURL, deps.Auth, a.base)

	bot := trader.New(cfg, trader.Deps{
		Market:    deps.Exchange,
		Manager:   manager,
		Exits:     exits,
		Registry:  registry,
		Gateway:   gw,
		Decisions: deps.Decisions,
		Prices:    deps.Prices,
		Stream:    deps.Stream,
		Notifier:  deps.Notifier,
	}, a.base)

	// Handlers must be attached before the first frame can arrive.
	bot.Bind()

	if err := gw.Connect(ctx); err != nil {
		return fmt.Errorf("connecting push channel: %w", err)
	}
	defer gw.Disconnect()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bot.Run(ctx)
	})

	// Archive cron rides along when enabled.
	if cfg.Archive.Enabled && deps.Archiver != nil {
		job := schedule.NewArchiveJob(deps.Archiver, deps.Positions, cfg.Archive.RetentionDays, cfg.Archive.PruneDays, a.base)
		g.Go(func() error {
			return job.RunCron(ctx, cfg.Archive.Cron)
		})
	}

	if cfg.Server.Enabled {
		a.startOpsServer(ctx, g, deps, bot, manager)
	}

	return g.Wait()
}

// newAnalyzerRegistry builds the analyzer set from the configured active
// list. Unknown names fail loudly rather than silently shrinking the set.
func (a *App) newAnalyzerRegistry() (*analyzer.Registry, error) {
	reg := analyzer.NewRegistry()
	for _, name := range a.cfg.Analyzers.Active {
		switch strings.ToLower(name) {
		case "ema_cross":
			reg.Register(analyzer.NewEMACross(a.cfg.Analyzers.EMA))
		case "rsi":
			reg.Register(analyzer.NewRSI(a.cfg.Analyzers.RSI))
		default:
			return nil, fmt.Errorf("unknown analyzer %q", name)
		}
	}
	return reg, nil
}

// startOpsServer adds the ops HTTP server goroutines to the given errgroup.
// The server is shut down gracefully when the context is cancelled.
func (a *App) startOpsServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	bot *trader.Trader,
	manager *lifecycle.Manager,
) {
	srv := server.NewServer(
		server.Config{
			Port:   a.cfg.Server.Port,
			APIKey: a.cfg.Server.APIKey,
		},
		server.Handlers{
			Health:   handler.NewHealthHandler(deps.Health, a.base),
			Status:   handler.NewStatusHandler(bot),
			Position: handler.NewPositionHandler(manager),
		},
		a.base,
	)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
