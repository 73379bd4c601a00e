package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avhall/leverbot/internal/config"
	"github.com/avhall/leverbot/internal/crypto"
	"github.com/avhall/leverbot/internal/domain"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// fakeStream is an in-process stand-in for the exchange private stream. It
// acks auth and subscribe ops and lets tests push topic frames to whichever
// client is currently connected.
type fakeStream struct {
	server *httptest.Server

	mu         sync.Mutex
	conn       *websocket.Conn
	authArgs   []any
	subscribed []string
	rejectAuth bool
}

func newFakeStream(t *testing.T) *fakeStream {
	fs := &fakeStream{}
	fs.server = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.server.Close)
	return fs
}

func (f *fakeStream) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	for {
		var cmd struct {
			Op   string `json:"op"`
			Args []any  `json:"args"`
		}
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}

		switch cmd.Op {
		case "auth":
			f.mu.Lock()
			f.authArgs = cmd.Args
			reject := f.rejectAuth
			f.mu.Unlock()

			resp := map[string]any{"op": "auth", "success": !reject}
			if reject {
				resp["ret_msg"] = "error sign! origin_string"
			}
			_ = conn.WriteJSON(resp)

		case "subscribe":
			f.mu.Lock()
			for _, arg := range cmd.Args {
				if topic, ok := arg.(string); ok {
					f.subscribed = append(f.subscribed, topic)
				}
			}
			f.mu.Unlock()
			_ = conn.WriteJSON(map[string]any{"op": "subscribe", "success": true})

		case "ping":
			_ = conn.WriteJSON(map[string]any{"op": "pong", "success": true})
		}
	}
}

// url rewrites the httptest base URL to the ws scheme.
func (f *fakeStream) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

// push writes one topic frame to the connected client.
func (f *fakeStream) push(t *testing.T, topic string, data any) {
	t.Helper()

	raw, err := json.Marshal(data)
	require.NoError(t, err)

	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	require.NotNil(t, conn, "no client connected")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"topic": topic,
		"data":  json.RawMessage(raw),
	}))
}

// dropClient severs the current client connection from the server side.
func (f *fakeStream) dropClient() {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func newTestGateway(wsURL string) *Gateway {
	cfg := config.WebsocketConfig{
		ConnectAttempts: 2,
		AuthAttempts:    1,
		DedupMaxEntries: 32,
	}
	cfg.ConnectTimeout.Duration = 2 * time.Second
	cfg.ConnectBackoff.Duration = 10 * time.Millisecond
	cfg.ConnectBackoffCap.Duration = 20 * time.Millisecond
	cfg.AuthBackoff.Duration = 5 * time.Millisecond
	cfg.DedupTTL.Duration = time.Minute

	auth := &crypto.HMACAuth{Key: "test-key", Secret: "test-secret"}
	return New(cfg, wsURL, auth, slog.New(slog.DiscardHandler))
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestConnect_HandshakeAndSubscribe(t *testing.T) {
	fs := newFakeStream(t)
	g := newTestGateway(fs.url())

	connected := make(chan struct{}, 1)
	g.OnConnected(func(context.Context) { connected <- struct{}{} })

	require.NoError(t, g.Connect(context.Background()))
	defer g.Disconnect()

	waitSignal(t, connected, "connected callback")
	assert.Equal(t, StateSubscribed, g.State())
	assert.True(t, g.Authenticated())

	fs.mu.Lock()
	authArgs := fs.authArgs
	subscribed := fs.subscribed
	fs.mu.Unlock()

	require.Len(t, authArgs, 3, "auth frame carries [key, expires, signature]")
	assert.Equal(t, "test-key", authArgs[0])
	assert.ElementsMatch(t, []string{"position", "execution", "order"}, subscribed)
}

func TestConnect_DialExhausted(t *testing.T) {
	fs := newFakeStream(t)
	wsURL := fs.url()
	fs.server.Close()

	g := newTestGateway(wsURL)

	err := g.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.Equal(t, StateDisconnected, g.State())
}

func TestConnect_RefusedAfterDisconnect(t *testing.T) {
	g := newTestGateway("ws://127.0.0.1:0")
	g.Disconnect()

	err := g.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrWSDisconnect)
}

func TestConnect_AuthRejectedKeepsDegradedSession(t *testing.T) {
	fs := newFakeStream(t)
	fs.mu.Lock()
	fs.rejectAuth = true
	fs.mu.Unlock()

	g := newTestGateway(fs.url())

	errs := make(chan error, 1)
	g.OnError(func(_ context.Context, err error) { errs <- err })

	require.NoError(t, g.Connect(context.Background()))
	defer g.Disconnect()

	assert.Equal(t, StateSubscribed, g.State())
	assert.False(t, g.Authenticated())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, domain.ErrAuthentication)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the auth error")
	}
}

func TestPushRouting_PositionUpdatesAndClose(t *testing.T) {
	fs := newFakeStream(t)
	g := newTestGateway(fs.url())

	updates := make(chan domain.WSPosition, 4)
	closed := make(chan string, 4)
	g.OnPositionUpdate(func(_ context.Context, pos domain.WSPosition) { updates <- pos })
	g.OnPositionClosed(func(_ context.Context, symbol string) { closed <- symbol })

	require.NoError(t, g.Connect(context.Background()))
	defer g.Disconnect()

	// One frame can carry several entries; a zero size means the position is
	// gone on the exchange.
	fs.push(t, "position", []map[string]any{
		{
			"symbol":     "BTCUSDT",
			"side":       "Buy",
			"size":       "0.5",
			"entryPrice": "40000",
			"markPrice":  "40100",
			"leverage":   "10",
		},
		{
			"symbol": "BTCUSDT",
			"side":   "",
			"size":   "0",
		},
	})

	select {
	case pos := <-updates:
		assert.Equal(t, "BTCUSDT", pos.Symbol)
		assert.Equal(t, domain.SideLong, pos.Side)
		assert.InDelta(t, 0.5, pos.Size, 1e-9)
		assert.InDelta(t, 40000, pos.EntryPrice, 1e-9)
		assert.Equal(t, 10, pos.Leverage)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the position update")
	}

	select {
	case symbol := <-closed:
		assert.Equal(t, "BTCUSDT", symbol)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the position-closed event")
	}
}

func TestPushRouting_FillsDeduplicatedAcrossTopics(t *testing.T) {
	fs := newFakeStream(t)
	g := newTestGateway(fs.url())

	tpFills := make(chan domain.ConditionalFill, 4)
	tpLevels := make(chan int, 4)
	entries := make(chan domain.OrderFill, 4)
	g.OnTakeProfitFilled(func(_ context.Context, fill domain.ConditionalFill, level int) {
		tpFills <- fill
		tpLevels <- level
	})
	g.OnOrderFilled(func(_ context.Context, fill domain.OrderFill) { entries <- fill })

	require.NoError(t, g.Connect(context.Background()))
	defer g.Disconnect()

	tpExec := map[string]any{
		"symbol":        "BTCUSDT",
		"side":          "Sell",
		"orderId":       "ord-tp-1",
		"orderLinkId":   "lev-tp2-9f3a",
		"execPrice":     "41000",
		"execQty":       "0.25",
		"execType":      "Trade",
		"execTime":      "1700000300000",
		"stopOrderType": "PartialTakeProfit",
	}

	// The exchange redelivers the same fill on the execution topic and again
	// as an order update with the same reported time.
	fs.push(t, "execution", []map[string]any{tpExec})
	fs.push(t, "execution", []map[string]any{tpExec})
	fs.push(t, "order", []map[string]any{{
		"symbol":        "BTCUSDT",
		"side":          "Sell",
		"orderId":       "ord-tp-1",
		"orderStatus":   "Filled",
		"stopOrderType": "PartialTakeProfit",
		"avgPrice":      "41000",
		"qty":           "0.25",
		"cumExecQty":    "0.25",
		"updatedTime":   "1700000300000",
	}})

	// A sentinel entry fill marks the end of the sequence: frames dispatch in
	// arrival order off a single read loop.
	fs.push(t, "execution", []map[string]any{{
		"symbol":      "BTCUSDT",
		"side":        "Buy",
		"orderId":     "ord-entry-1",
		"orderLinkId": "lev-entry-7c2d",
		"execPrice":   "40000",
		"execQty":     "1",
		"execType":    "Trade",
		"execTime":    "1700000400000",
	}})

	select {
	case fill := <-entries:
		assert.Equal(t, "ord-entry-1", fill.OrderID)
		assert.InDelta(t, 40000, fill.ExecPrice, 1e-9)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the entry fill")
	}

	select {
	case fill := <-tpFills:
		assert.Equal(t, "ord-tp-1", fill.OrderID)
		assert.InDelta(t, 41000, fill.AvgPrice, 1e-9)
		assert.InDelta(t, 0.25, fill.Qty, 1e-9)
	default:
		t.Fatal("take-profit fill never reached the handler")
	}
	assert.Equal(t, 2, <-tpLevels)

	select {
	case <-tpFills:
		t.Fatal("duplicate take-profit fill reached the handler")
	default:
	}
}

func TestPushRouting_TrailingStopFill(t *testing.T) {
	fs := newFakeStream(t)
	g := newTestGateway(fs.url())

	stops := make(chan domain.ConditionalFill, 1)
	g.OnStopLossFilled(func(_ context.Context, fill domain.ConditionalFill) { stops <- fill })

	require.NoError(t, g.Connect(context.Background()))
	defer g.Disconnect()

	fs.push(t, "execution", []map[string]any{{
		"symbol":        "BTCUSDT",
		"side":          "Sell",
		"orderId":       "ord-trail-1",
		"execPrice":     "40500",
		"execQty":       "0.25",
		"execType":      "Trade",
		"execTime":      "1700000500000",
		"stopOrderType": "TrailingStop",
	}})

	select {
	case fill := <-stops:
		assert.Equal(t, "ord-trail-1", fill.OrderID)
		assert.InDelta(t, 40500, fill.AvgPrice, 1e-9)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the trailing-stop fill")
	}
}

func TestReconnect_AfterDrop(t *testing.T) {
	fs := newFakeStream(t)
	g := newTestGateway(fs.url())

	connected := make(chan struct{}, 2)
	dropped := make(chan struct{}, 1)
	updates := make(chan domain.WSPosition, 1)
	g.OnConnected(func(context.Context) { connected <- struct{}{} })
	g.OnDisconnected(func(context.Context, error) { dropped <- struct{}{} })
	g.OnPositionUpdate(func(_ context.Context, pos domain.WSPosition) { updates <- pos })

	require.NoError(t, g.Connect(context.Background()))
	defer g.Disconnect()
	waitSignal(t, connected, "first connect")

	fs.dropClient()
	waitSignal(t, dropped, "disconnect callback")
	waitSignal(t, connected, "reconnect")

	assert.Equal(t, StateSubscribed, g.State())
	assert.True(t, g.Authenticated())

	// The fresh session routes pushes like the first one did.
	fs.push(t, "position", []map[string]any{{
		"symbol": "BTCUSDT",
		"side":   "Buy",
		"size":   "0.5",
	}})

	select {
	case pos := <-updates:
		assert.Equal(t, "BTCUSDT", pos.Symbol)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a push on the reconnected session")
	}
}
