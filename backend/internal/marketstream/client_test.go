package marketstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type wsServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	count atomic.Int32
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.count.Add(1)
		s.conns <- conn
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("no connection from client")
		return nil
	}
}

func readCommand(t *testing.T, conn *websocket.Conn) command {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var cmd command
	require.NoError(t, conn.ReadJSON(&cmd))
	return cmd
}

func newTestClient(url string) *Client {
	return New(Config{
		URL:          url,
		BackoffMin:   10 * time.Millisecond,
		BackoffMax:   50 * time.Millisecond,
		PingInterval: time.Second,
		ReadTimeout:  5 * time.Second,
	}, zap.NewNop())
}

func runClient(t *testing.T, c *Client) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("Run did not return after cancel")
		}
	}
}

func TestSubscribeDispatchesFrames(t *testing.T) {
	srv := newWSServer(t)
	c := newTestClient(srv.url())

	got := make(chan TradeEvent, 1)
	c.Subscribe(TradeStream("BTCUSDT"), func(stream string, data json.RawMessage) {
		ev, err := DecodeTrade(data)
		if err == nil {
			got <- ev
		}
	})
	stop := runClient(t, c)

	conn := srv.accept(t)
	cmd := readCommand(t, conn)
	assert.Equal(t, "SUBSCRIBE", cmd.Method)
	assert.Equal(t, []string{"btcusdt@trade"}, cmd.Params)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(
		`{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000000,"s":"BTCUSDT","t":42,"p":"90000.50","q":"0.01","T":1700000000000,"m":false,"M":true}}`)))

	select {
	case ev := <-got:
		assert.Equal(t, "BTCUSDT", ev.Symbol)
		assert.True(t, ev.Price.Equal(decimal.RequireFromString("90000.50")))
		assert.False(t, ev.BuyerMaker)
	case <-time.After(3 * time.Second):
		t.Fatal("trade not dispatched")
	}

	stop()
	assert.Equal(t, StateClosed, c.State())
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	srv := newWSServer(t)
	c := newTestClient(srv.url())

	var (
		mu     sync.Mutex
		states []State
	)
	c.OnStateChange(func(from, to State) {
		mu.Lock()
		states = append(states, to)
		mu.Unlock()
	})
	c.Subscribe(MiniTickerStream("ETHUSDT"), func(string, json.RawMessage) {})
	stop := runClient(t, c)
	defer stop()

	first := srv.accept(t)
	assert.Equal(t, []string{"ethusdt@miniTicker"}, readCommand(t, first).Params)
	first.Close()

	second := srv.accept(t)
	cmd := readCommand(t, second)
	assert.Equal(t, "SUBSCRIBE", cmd.Method)
	assert.Equal(t, []string{"ethusdt@miniTicker"}, cmd.Params)

	require.Eventually(t, func() bool { return c.State() == StateOpen }, 3*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateReconnecting)
	assert.Equal(t, StateOpen, states[len(states)-1])
}

func TestSubscriptionsAreRefCounted(t *testing.T) {
	srv := newWSServer(t)
	c := newTestClient(srv.url())
	stop := runClient(t, c)
	defer stop()

	conn := srv.accept(t)
	require.Eventually(t, func() bool { return c.State() == StateOpen }, 3*time.Second, 10*time.Millisecond)

	stream := DepthStream("SOLUSDT", 10)
	unsub1 := c.Subscribe(stream, func(string, json.RawMessage) {})
	cmd := readCommand(t, conn)
	assert.Equal(t, "SUBSCRIBE", cmd.Method)
	assert.Equal(t, []string{"solusdt@depth10"}, cmd.Params)

	unsub2 := c.Subscribe(stream, func(string, json.RawMessage) {})
	unsub1()
	unsub1()
	unsub2()

	cmd = readCommand(t, conn)
	assert.Equal(t, "UNSUBSCRIBE", cmd.Method)
	assert.Equal(t, []string{"solusdt@depth10"}, cmd.Params)
}

func TestSilentConnectionIsReplaced(t *testing.T) {
	srv := newWSServer(t)
	c := New(Config{
		URL:          srv.url(),
		BackoffMin:   10 * time.Millisecond,
		BackoffMax:   20 * time.Millisecond,
		PingInterval: 20 * time.Millisecond,
		ReadTimeout:  100 * time.Millisecond,
	}, zap.NewNop())
	stop := runClient(t, c)
	defer stop()

	// The server never reads, so pings go unanswered and the read deadline expires.
	srv.accept(t)
	srv.accept(t)
	assert.GreaterOrEqual(t, srv.count.Load(), int32(2))
}

func TestCloseStopsRun(t *testing.T) {
	srv := newWSServer(t)
	c := newTestClient(srv.url())

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	srv.accept(t)
	require.Eventually(t, func() bool { return c.State() == StateOpen }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.NoError(t, c.Close())
}

func TestDecodeEvents(t *testing.T) {
	mini, err := DecodeMiniTicker(json.RawMessage(
		`{"e":"24hrMiniTicker","E":1,"s":"ETHUSDT","c":"3201.5","o":"3100","h":"3250","l":"3050","v":"1000","q":"3200000"}`))
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", mini.Symbol)
	assert.True(t, mini.Close.Equal(decimal.RequireFromString("3201.5")))

	depth, err := DecodeDepth(json.RawMessage(
		`{"lastUpdateId":160,"bids":[["0.0024","10"]],"asks":[["0.0026","100"],["0.0027","5"]]}`))
	require.NoError(t, err)
	assert.Equal(t, int64(160), depth.LastUpdateID)
	require.Len(t, depth.Asks, 2)
	assert.True(t, depth.Bids[0].Price().Equal(decimal.RequireFromString("0.0024")))
	assert.True(t, depth.Asks[1].Quantity().Equal(decimal.NewFromInt(5)))

	_, err = DecodeTrade(json.RawMessage(`{"p":"not-a-number"}`))
	assert.Error(t, err)
}
