package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/avhall/leverbot/internal/config"
	"github.com/avhall/leverbot/internal/crypto"
	"github.com/avhall/leverbot/internal/domain"
	"github.com/avhall/leverbot/internal/exchange/bybit"
)

// State is the connection lifecycle phase of the gateway.
type State string

const (
	StateDisconnected   State = "DISCONNECTED"
	StateConnecting     State = "CONNECTING"
	StateConnected      State = "CONNECTED"
	StateAuthenticating State = "AUTHENTICATING"
	StateSubscribed     State = "SUBSCRIBED"
)

// privateTopics are the push topics the gateway subscribes to.
var privateTopics = []string{"position", "execution", "order"}

// ConnectedHandler is called when the gateway finishes a connect sequence.
type ConnectedHandler func(ctx context.Context)

// DisconnectedHandler is called when the connection drops unexpectedly.
type DisconnectedHandler func(ctx context.Context, err error)

// ErrorHandler is called for errors the gateway cannot recover from on its
// own, such as reconnect exhaustion.
type ErrorHandler func(ctx context.Context, err error)

// PositionUpdateHandler is called for each open-position push.
type PositionUpdateHandler func(ctx context.Context, pos domain.WSPosition)

// PositionClosedHandler is called when the exchange reports size zero.
type PositionClosedHandler func(ctx context.Context, symbol string)

// TakeProfitFilledHandler is called once per deduplicated take-profit fill.
type TakeProfitFilledHandler func(ctx context.Context, fill domain.ConditionalFill, level int)

// StopLossFilledHandler is called once per deduplicated stop-loss or
// trailing-stop fill.
type StopLossFilledHandler func(ctx context.Context, fill domain.ConditionalFill)

// OrderFilledHandler is called once per deduplicated entry fill.
type OrderFilledHandler func(ctx context.Context, fill domain.OrderFill)

// Gateway owns the exchange push connection. It walks the session through
// DISCONNECTED, CONNECTING, CONNECTED, AUTHENTICATING, SUBSCRIBED, normalizes
// raw frames into domain events, suppresses duplicates, and re-emits to
// registered handlers in arrival order.
//
// Connect retries are bounded. An unexpected drop triggers one more bounded
// connect sequence; exhausting it is escalated through the error handlers and
// the gateway stays down until the owner acts.
type Gateway struct {
	cfg    config.WebsocketConfig
	wsURL  string
	auth   *crypto.HMACAuth
	logger *slog.Logger

	// connMu serializes connect sequences so a reconnect cannot overlap a
	// caller-driven connect.
	connMu sync.Mutex

	mu            sync.RWMutex
	client        *bybit.WSClient
	state         State
	authenticated bool

	dedup    *Deduplicator
	detector *Detector

	// Handlers
	connectedHandlers    []ConnectedHandler
	disconnectedHandlers []DisconnectedHandler
	errorHandlers        []ErrorHandler
	positionHandlers     []PositionUpdateHandler
	closedHandlers       []PositionClosedHandler
	tpHandlers           []TakeProfitFilledHandler
	slHandlers           []StopLossFilledHandler
	fillHandlers         []OrderFilledHandler
	handlerMu            sync.RWMutex

	janitorOnce sync.Once
	closeOnce   sync.Once
	done        chan struct{}
}

// New creates a gateway for the given private stream URL and credentials.
func New(cfg config.WebsocketConfig, wsURL string, auth *crypto.HMACAuth, logger *slog.Logger) *Gateway {
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 1
	}
	if cfg.AuthAttempts <= 0 {
		cfg.AuthAttempts = 1
	}

	return &Gateway{
		cfg:      cfg,
		wsURL:    wsURL,
		auth:     auth,
		logger:   logger.With(slog.String("component", "gateway")),
		state:    StateDisconnected,
		dedup:    NewDeduplicator(cfg.DedupMaxEntries, cfg.DedupTTL.Duration),
		detector: NewDetector(),
		done:     make(chan struct{}),
	}
}

// Connect runs the full connect sequence: dial with bounded retries, then
// authenticate (degrading gracefully on exhaustion), then subscribe
// (best-effort). Only dial exhaustion is returned as an error; auth and
// subscribe failures leave the session up in a degraded form.
func (g *Gateway) Connect(ctx context.Context) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	select {
	case <-g.done:
		return fmt.Errorf("gateway: %w", domain.ErrWSDisconnect)
	default:
	}

	client := bybit.NewWSClient(g.wsURL, g.auth)
	client.OnPositionPush(g.handlePositions)
	client.OnExecutionPush(g.handleExecutions)
	client.OnOrderPush(g.handleOrders)
	client.OnDisconnect(g.handleDisconnect)

	g.setState(StateConnecting)

	if err := g.dialWithRetry(ctx, client); err != nil {
		g.setState(StateDisconnected)
		return err
	}
	g.setState(StateConnected)

	g.setState(StateAuthenticating)
	authed := g.authenticateWithRetry(ctx, client)
	if !authed {
		// Some endpoints tolerate unauthenticated subscriptions, so a
		// degraded session is still worth keeping.
		g.logger.Error("authentication exhausted, continuing unauthenticated")
		g.emitError(fmt.Errorf("gateway: authentication exhausted: %w", domain.ErrAuthentication))
	}

	if err := client.Subscribe(ctx, privateTopics); err != nil {
		g.logger.Warn("subscribe failed, continuing with partial coverage",
			slog.Any("error", err))
	} else {
		g.logger.Info("subscribed to private topics",
			slog.Int("topics", len(privateTopics)))
	}

	g.swapClient(client, authed)
	g.setState(StateSubscribed)
	g.startJanitor()
	g.emitConnected()

	return nil
}

// Disconnect deliberately tears the session down: clears the dedup cache,
// closes the socket, and suppresses any further reconnects. Close errors are
// logged, never returned.
func (g *Gateway) Disconnect() {
	g.closeOnce.Do(func() { close(g.done) })

	g.mu.Lock()
	client := g.client
	g.client = nil
	g.authenticated = false
	g.mu.Unlock()

	g.dedup.Clear()

	if client != nil {
		if err := client.Close(); err != nil {
			g.logger.Warn("websocket close failed", slog.Any("error", err))
		}
	}

	g.setState(StateDisconnected)
	g.logger.Info("gateway disconnected")
}

// State returns the current lifecycle phase.
func (g *Gateway) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Authenticated reports whether the current session passed auth.
func (g *Gateway) Authenticated() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.authenticated
}

// --------------------------------------------------------------------------
// Handler registration
// --------------------------------------------------------------------------

// OnConnected registers a handler for completed connect sequences.
func (g *Gateway) OnConnected(h ConnectedHandler) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.connectedHandlers = append(g.connectedHandlers, h)
}

// OnDisconnected registers a handler for unexpected connection drops.
func (g *Gateway) OnDisconnected(h DisconnectedHandler) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.disconnectedHandlers = append(g.disconnectedHandlers, h)
}

// OnError registers a handler for unrecoverable gateway errors.
func (g *Gateway) OnError(h ErrorHandler) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.errorHandlers = append(g.errorHandlers, h)
}

// OnPositionUpdate registers a handler for open-position pushes.
func (g *Gateway) OnPositionUpdate(h PositionUpdateHandler) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.positionHandlers = append(g.positionHandlers, h)
}

// OnPositionClosed registers a handler for size-zero position pushes.
func (g *Gateway) OnPositionClosed(h PositionClosedHandler) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.closedHandlers = append(g.closedHandlers, h)
}

// OnTakeProfitFilled registers a handler for take-profit fills.
func (g *Gateway) OnTakeProfitFilled(h TakeProfitFilledHandler) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.tpHandlers = append(g.tpHandlers, h)
}

// OnStopLossFilled registers a handler for stop-loss and trailing fills.
func (g *Gateway) OnStopLossFilled(h StopLossFilledHandler) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.slHandlers = append(g.slHandlers, h)
}

// OnOrderFilled registers a handler for entry fills.
func (g *Gateway) OnOrderFilled(h OrderFilledHandler) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.fillHandlers = append(g.fillHandlers, h)
}

// --------------------------------------------------------------------------
// Connect sequence internals
// --------------------------------------------------------------------------

// dialWithRetry dials with exponential backoff and a per-attempt timeout.
// Exhaustion wraps domain.ErrConnection.
func (g *Gateway) dialWithRetry(ctx context.Context, client *bybit.WSClient) error {
	backoff := g.cfg.ConnectBackoff.Duration
	var lastErr error

	for attempt := 1; attempt <= g.cfg.ConnectAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.ConnectTimeout.Duration)
		err := client.Connect(attemptCtx)
		cancel()

		if err == nil {
			g.logger.Info("websocket connected",
				slog.String("url", g.wsURL),
				slog.Int("attempt", attempt))
			return nil
		}
		lastErr = err

		g.logger.Warn("connect attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", g.cfg.ConnectAttempts),
			slog.Any("error", err))

		if attempt == g.cfg.ConnectAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("gateway: connect: %w", ctx.Err())
		case <-g.done:
			return fmt.Errorf("gateway: connect: %w", domain.ErrWSDisconnect)
		case <-time.After(backoff):
		}

		backoff *= 2
		if cap := g.cfg.ConnectBackoffCap.Duration; cap > 0 && backoff > cap {
			backoff = cap
		}
	}

	return fmt.Errorf("gateway: connect exhausted after %d attempts: %v: %w",
		g.cfg.ConnectAttempts, lastErr, domain.ErrConnection)
}

// authenticateWithRetry runs the auth handshake with exponential backoff and
// reports whether it succeeded.
func (g *Gateway) authenticateWithRetry(ctx context.Context, client *bybit.WSClient) bool {
	backoff := g.cfg.AuthBackoff.Duration

	for attempt := 1; attempt <= g.cfg.AuthAttempts; attempt++ {
		err := client.Authenticate(ctx)
		if err == nil {
			g.logger.Info("websocket authenticated", slog.Int("attempt", attempt))
			return true
		}

		g.logger.Warn("auth attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", g.cfg.AuthAttempts),
			slog.Any("error", err))

		if attempt == g.cfg.AuthAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return false
		case <-g.done:
			return false
		case <-time.After(backoff):
		}

		backoff *= 2
	}

	return false
}

// swapClient installs the new session, closing any predecessor so a stale
// read loop cannot fire handlers.
func (g *Gateway) swapClient(client *bybit.WSClient, authed bool) {
	g.mu.Lock()
	old := g.client
	g.client = client
	g.authenticated = authed
	g.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

// handleDisconnect reacts to an unexpected drop: emits disconnected, then
// runs one more bounded connect sequence in the background. Exhaustion is
// escalated through the error handlers.
func (g *Gateway) handleDisconnect(err error) {
	select {
	case <-g.done:
		return
	default:
	}

	g.setState(StateDisconnected)
	g.mu.Lock()
	g.authenticated = false
	g.mu.Unlock()

	g.logger.Warn("websocket connection lost", slog.Any("error", err))
	g.emitDisconnected(err)

	go func() {
		if cerr := g.Connect(context.Background()); cerr != nil {
			g.logger.Error("reconnect exhausted", slog.Any("error", cerr))
			g.emitError(cerr)
		}
	}()
}

// setState records a lifecycle transition.
func (g *Gateway) setState(s State) {
	g.mu.Lock()
	prev := g.state
	g.state = s
	g.mu.Unlock()

	if prev != s {
		g.logger.Debug("state transition",
			slog.String("from", string(prev)),
			slog.String("to", string(s)))
	}
}

// startJanitor begins periodic eviction of expired dedup entries.
func (g *Gateway) startJanitor() {
	g.janitorOnce.Do(func() {
		interval := g.dedup.TTL() / 2
		if interval <= 0 {
			interval = 30 * time.Second
		}

		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-g.done:
					return
				case <-ticker.C:
					if evicted := g.dedup.Cleanup(); evicted > 0 {
						g.logger.Debug("dedup entries expired",
							slog.Int("evicted", evicted))
					}
				}
			}
		}()
	})
}

// --------------------------------------------------------------------------
// Frame routing
// --------------------------------------------------------------------------

// handlePositions routes position topic pushes. Size zero means the
// exchange reports the position gone.
func (g *Gateway) handlePositions(updates []domain.WSPosition) {
	for _, pos := range updates {
		if pos.Size == 0 {
			g.logger.Info("position closed on exchange",
				slog.String("symbol", pos.Symbol))
			g.emitPositionClosed(pos.Symbol)
			continue
		}
		g.emitPositionUpdate(pos)
	}
}

// handleExecutions classifies and dedups execution fills, then re-emits
// them as typed domain events.
func (g *Gateway) handleExecutions(updates []domain.ExecutionUpdate) {
	for _, exec := range updates {
		class := g.detector.ClassifyExecution(exec)
		if class.Kind == domain.ExecutionUnknown {
			g.logger.Debug("unclassified execution dropped",
				slog.String("order_id", exec.OrderID),
				slog.String("stop_order_type", exec.StopOrderType),
				slog.String("order_link_id", exec.OrderLinkID))
			continue
		}

		eventID := fillEventID(exec.OrderID, exec.ExecPrice, exec.ExecQty)
		if g.dedup.IsDuplicate(string(class.Kind), eventID, exec.ExecTime) {
			g.logger.Debug("duplicate execution suppressed",
				slog.String("kind", string(class.Kind)),
				slog.String("event_id", eventID))
			continue
		}

		g.routeFill(class, exec.OrderID, exec.Symbol, exec.Side, exec.ExecPrice, exec.ExecQty, exec.ExecQty)
	}
}

// handleOrders is the secondary confirmation path: only filled conditional
// orders matter here.
func (g *Gateway) handleOrders(updates []domain.OrderUpdate) {
	for _, ord := range updates {
		class := g.detector.ClassifyOrder(ord)
		if class.Kind == domain.ExecutionUnknown {
			continue
		}

		eventID := fillEventID(ord.OrderID, ord.AvgPrice, ord.CumExecQty)
		if g.dedup.IsDuplicate(string(class.Kind), eventID, ord.UpdatedTime) {
			g.logger.Debug("duplicate order update suppressed",
				slog.String("kind", string(class.Kind)),
				slog.String("event_id", eventID))
			continue
		}

		g.routeFill(class, ord.OrderID, ord.Symbol, ord.Side, ord.AvgPrice, ord.Qty, ord.CumExecQty)
	}
}

// routeFill emits the right typed event for a classified, deduplicated fill.
func (g *Gateway) routeFill(class domain.ExecutionClass, orderID, symbol string, side domain.Side, price, qty, cumQty float64) {
	log := g.logger.With(
		slog.String("kind", string(class.Kind)),
		slog.String("symbol", symbol),
		slog.String("order_id", orderID))

	switch class.Kind {
	case domain.ExecutionEntry:
		log.Info("entry fill")
		g.emitOrderFilled(domain.OrderFill{
			OrderID:   orderID,
			Symbol:    symbol,
			Side:      side,
			ExecQty:   qty,
			ExecPrice: price,
		})

	case domain.ExecutionTakeProfit:
		log.Info("take-profit fill", slog.Int("level", class.Level))
		g.emitTakeProfitFilled(domain.ConditionalFill{
			OrderID:    orderID,
			Symbol:     symbol,
			Side:       side,
			AvgPrice:   price,
			Qty:        qty,
			CumExecQty: cumQty,
		}, class.Level)

	case domain.ExecutionStopLoss, domain.ExecutionTrailingStop:
		log.Info("stop fill")
		g.emitStopLossFilled(domain.ConditionalFill{
			OrderID:    orderID,
			Symbol:     symbol,
			Side:       side,
			AvgPrice:   price,
			Qty:        qty,
			CumExecQty: cumQty,
		})
	}
}

// fillEventID builds the orderId+price+size part of the dedup key.
func fillEventID(orderID string, price, size float64) string {
	return orderID + "|" +
		strconv.FormatFloat(price, 'f', -1, 64) + "|" +
		strconv.FormatFloat(size, 'f', -1, 64)
}

// --------------------------------------------------------------------------
// Event emission
// --------------------------------------------------------------------------

func (g *Gateway) emitConnected() {
	g.handlerMu.RLock()
	handlers := g.connectedHandlers
	g.handlerMu.RUnlock()

	for _, h := range handlers {
		h(context.Background())
	}
}

func (g *Gateway) emitDisconnected(err error) {
	g.handlerMu.RLock()
	handlers := g.disconnectedHandlers
	g.handlerMu.RUnlock()

	for _, h := range handlers {
		h(context.Background(), err)
	}
}

func (g *Gateway) emitError(err error) {
	g.handlerMu.RLock()
	handlers := g.errorHandlers
	g.handlerMu.RUnlock()

	for _, h := range handlers {
		h(context.Background(), err)
	}
}

func (g *Gateway) emitPositionUpdate(pos domain.WSPosition) {
	g.handlerMu.RLock()
	handlers := g.positionHandlers
	g.handlerMu.RUnlock()

	for _, h := range handlers {
		h(context.Background(), pos)
	}
}

func (g *Gateway) emitPositionClosed(symbol string) {
	g.handlerMu.RLock()
	handlers := g.closedHandlers
	g.handlerMu.RUnlock()

	for _, h := range handlers {
		h(context.Background(), symbol)
	}
}

func (g *Gateway) emitTakeProfitFilled(fill domain.ConditionalFill, level int) {
	g.handlerMu.RLock()
	handlers := g.tpHandlers
	g.handlerMu.RUnlock()

	for _, h := range handlers {
		h(context.Background(), fill, level)
	}
}

func (g *Gateway) emitStopLossFilled(fill domain.ConditionalFill) {
	g.handlerMu.RLock()
	handlers := g.slHandlers
	g.handlerMu.RUnlock()

	for _, h := range handlers {
		h(context.Background(), fill)
	}
}

func (g *Gateway) emitOrderFilled(fill domain.OrderFill) {
	g.handlerMu.RLock()
	handlers := g.fillHandlers
	g.handlerMu.RUnlock()

	for _, h := range handlers {
		h(context.Background(), fill)
	}
}
