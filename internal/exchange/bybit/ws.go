package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/avhall/leverbot/internal/crypto"
	"github.com/avhall/leverbot/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed between inbound frames before the
	// connection is considered dead. Every received frame resets it.
	pongWait = 60 * time.Second

	// pingPeriod is the heartbeat interval the exchange expects on the
	// private stream. Must be well under pongWait.
	pingPeriod = 20 * time.Second

	// authExpiryWindow bounds how long a signed auth frame stays valid.
	authExpiryWindow = 10 * time.Second
)

// PositionPushHandler is called for every position topic push.
type PositionPushHandler func([]domain.WSPosition)

// ExecutionPushHandler is called for every execution topic push.
type ExecutionPushHandler func([]domain.ExecutionUpdate)

// OrderPushHandler is called for every order topic push.
type OrderPushHandler func([]domain.OrderUpdate)

// DisconnectHandler is called once when the connection drops for any reason
// other than a deliberate Close.
type DisconnectHandler func(error)

// opAck is the result of an auth or subscribe op reply.
type opAck struct {
	Success bool
	RetMsg  string
}

// WSClient is a client for the Bybit V5 private WebSocket stream. It manages
// a single connection session: dialing, the auth and subscribe handshake,
// heartbeats, and dispatch of topic pushes to registered handlers.
//
// The client does not reconnect on its own. When the connection drops it
// fires the registered DisconnectHandlers and stops; the owner decides
// whether and how to dial again.
type WSClient struct {
	wsURL string
	auth  *crypto.HMACAuth

	mu          sync.RWMutex
	conn        *websocket.Conn
	closed      bool
	sessionDone chan struct{}

	// writeMu serializes frame writes; gorilla allows one writer at a time.
	writeMu sync.Mutex

	// pending holds the ack channel for an in-flight auth or subscribe op.
	pendingMu sync.Mutex
	pending   map[string]chan opAck

	// Handlers
	positionHandlers   []PositionPushHandler
	executionHandlers  []ExecutionPushHandler
	orderHandlers      []OrderPushHandler
	disconnectHandlers []DisconnectHandler
	handlerMu          sync.RWMutex

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewWSClient creates a private stream client for the given URL and
// credentials. The URL comes from WSPrivateURL for the configured
// environment.
func NewWSClient(wsURL string, auth *crypto.HMACAuth) *WSClient {
	return &WSClient{
		wsURL:   wsURL,
		auth:    auth,
		pending: make(map[string]chan opAck),
		done:    make(chan struct{}),
	}
}

// Connect establishes a WebSocket connection to the private stream and
// starts the read and heartbeat loops. Any previous session is torn down
// first, so the client can be dialed again after a drop.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("bybit/ws: %w", domain.ErrWSDisconnect)
	}

	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("bybit/ws: connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	sessionDone := make(chan struct{})
	w.conn = conn
	w.sessionDone = sessionDone

	go w.readLoop(conn, sessionDone)
	go w.pingLoop(conn, sessionDone)

	return nil
}

// Authenticate performs the private stream auth handshake and waits for the
// exchange to confirm it. A rejected signature returns an error wrapping
// domain.ErrAuthentication.
func (w *WSClient) Authenticate(ctx context.Context) error {
	sessionDone := w.currentSession()
	if sessionDone == nil {
		return fmt.Errorf("bybit/ws: not connected")
	}

	ack := w.registerAck("auth")
	defer w.clearAck("auth")

	cmd := wsCommand{Op: "auth", Args: w.auth.WSAuthArgs(authExpiryWindow)}
	if err := w.send(cmd); err != nil {
		return fmt.Errorf("bybit/ws: send auth: %w", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("bybit/ws: auth: %w", ctx.Err())
	case <-w.done:
		return fmt.Errorf("bybit/ws: auth: %w", domain.ErrWSDisconnect)
	case <-sessionDone:
		return fmt.Errorf("bybit/ws: auth: connection lost")
	case res := <-ack:
		if !res.Success {
			return fmt.Errorf("bybit/ws: auth rejected: %s: %w", res.RetMsg, domain.ErrAuthentication)
		}
		return nil
	}
}

// Subscribe subscribes to the given private topics ("position", "execution",
// "order") and waits for the exchange to confirm. A rejected subscription
// returns an error wrapping domain.ErrSubscription.
func (w *WSClient) Subscribe(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return nil
	}

	sessionDone := w.currentSession()
	if sessionDone == nil {
		return fmt.Errorf("bybit/ws: not connected")
	}

	ack := w.registerAck("subscribe")
	defer w.clearAck("subscribe")

	args := make([]any, 0, len(topics))
	for _, t := range topics {
		args = append(args, t)
	}

	if err := w.send(wsCommand{Op: "subscribe", Args: args}); err != nil {
		return fmt.Errorf("bybit/ws: send subscribe: %w", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("bybit/ws: subscribe: %w", ctx.Err())
	case <-w.done:
		return fmt.Errorf("bybit/ws: subscribe: %w", domain.ErrWSDisconnect)
	case <-sessionDone:
		return fmt.Errorf("bybit/ws: subscribe: connection lost")
	case res := <-ack:
		if !res.Success {
			return fmt.Errorf("bybit/ws: subscribe rejected: %s: %w", res.RetMsg, domain.ErrSubscription)
		}
		return nil
	}
}

// Close shuts down the WebSocket connection and stops the loops. Closing
// does not fire DisconnectHandlers.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}

	return nil
}

// OnPositionPush registers a handler for position topic pushes.
func (w *WSClient) OnPositionPush(handler PositionPushHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.positionHandlers = append(w.positionHandlers, handler)
}

// OnExecutionPush registers a handler for execution topic pushes.
func (w *WSClient) OnExecutionPush(handler ExecutionPushHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.executionHandlers = append(w.executionHandlers, handler)
}

// OnOrderPush registers a handler for order topic pushes.
func (w *WSClient) OnOrderPush(handler OrderPushHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.orderHandlers = append(w.orderHandlers, handler)
}

// OnDisconnect registers a handler fired when the connection drops outside
// of a deliberate Close.
func (w *WSClient) OnDisconnect(handler DisconnectHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.disconnectHandlers = append(w.disconnectHandlers, handler)
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// currentSession returns the done channel of the active connection session,
// or nil when not connected.
func (w *WSClient) currentSession() chan struct{} {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return nil
	}
	return w.sessionDone
}

// send marshals and writes a command frame to the current connection.
func (w *WSClient) send(cmd wsCommand) error {
	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop continuously reads frames from this session's connection and
// dispatches them. It owns the session lifetime: when it exits, the session
// done channel closes and the heartbeat loop stops.
func (w *WSClient) readLoop(conn *websocket.Conn, sessionDone chan struct{}) {
	defer close(sessionDone)
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			w.mu.RLock()
			closed := w.closed
			w.mu.RUnlock()

			if closed {
				return
			}

			w.handlerMu.RLock()
			handlers := w.disconnectHandlers
			w.handlerMu.RUnlock()

			for _, h := range handlers {
				h(err)
			}
			return
		}

		// Any inbound frame proves liveness.
		conn.SetReadDeadline(time.Now().Add(pongWait))
		w.handleMessage(message)
	}
}

// pingLoop sends the op-level heartbeat the private stream expects.
func (w *WSClient) pingLoop(conn *websocket.Conn, sessionDone chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	ping, _ := json.Marshal(wsCommand{Op: "ping"})

	for {
		select {
		case <-w.done:
			return
		case <-sessionDone:
			return
		case <-ticker.C:
			w.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.TextMessage, ping)
			w.writeMu.Unlock()

			if err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw frame and routes it: op replies resolve pending
// acks, topic pushes convert to domain types and fan out to handlers.
func (w *WSClient) handleMessage(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return // Silently drop unparseable frames.
	}

	if env.Op != "" {
		switch env.Op {
		case "auth", "subscribe":
			ok := env.Success != nil && *env.Success
			w.deliverAck(env.Op, opAck{Success: ok, RetMsg: env.RetMsg})
		case "ping", "pong":
			// Heartbeat replies carry nothing to dispatch.
		}
		return
	}

	switch env.Topic {
	case "position":
		var entries []WSPositionData
		if err := json.Unmarshal(env.Data, &entries); err != nil {
			return
		}
		updates := make([]domain.WSPosition, 0, len(entries))
		for i := range entries {
			updates = append(updates, entries[i].ToDomainWSPosition())
		}

		w.handlerMu.RLock()
		handlers := w.positionHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(updates)
		}

	case "execution":
		var entries []WSExecutionData
		if err := json.Unmarshal(env.Data, &entries); err != nil {
			return
		}
		updates := make([]domain.ExecutionUpdate, 0, len(entries))
		for i := range entries {
			updates = append(updates, entries[i].ToDomainExecution())
		}

		w.handlerMu.RLock()
		handlers := w.executionHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(updates)
		}

	case "order":
		var entries []WSOrderData
		if err := json.Unmarshal(env.Data, &entries); err != nil {
			return
		}
		updates := make([]domain.OrderUpdate, 0, len(entries))
		for i := range entries {
			updates = append(updates, entries[i].ToDomainOrder())
		}

		w.handlerMu.RLock()
		handlers := w.orderHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(updates)
		}
	}
}

// registerAck installs a buffered ack channel for the given op.
func (w *WSClient) registerAck(op string) chan opAck {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	ch := make(chan opAck, 1)
	w.pending[op] = ch
	return ch
}

// clearAck removes any pending ack channel for the given op.
func (w *WSClient) clearAck(op string) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	delete(w.pending, op)
}

// deliverAck resolves the pending ack for the given op, if any.
func (w *WSClient) deliverAck(op string, ack opAck) {
	w.pendingMu.Lock()
	ch := w.pending[op]
	delete(w.pending, op)
	w.pendingMu.Unlock()

	if ch != nil {
		ch <- ack
	}
}
