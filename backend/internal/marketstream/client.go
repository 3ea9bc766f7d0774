// Package marketstream maintains a supervised WebSocket connection to an exchange's
// combined market data stream and multiplexes its streams to local subscribers.
package marketstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/user/spotexchange/backend/internal/metrics"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// State is the connection state of a Client.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler receives the data payload of every frame on a subscribed stream.
// Handlers run on the read goroutine and must not block.
type Handler func(stream string, data json.RawMessage)

// Config configures a Client. Zero values take the defaults noted on each field.
type Config struct {
	URL string
	// PingInterval between client pings (27s).
	PingInterval time.Duration
	// ReadTimeout is how long the connection may stay silent before it is
	// considered dead (30s). Pongs and messages extend it.
	ReadTimeout time.Duration
	// BackoffMin and BackoffMax bound the reconnect delay (500ms, 30s).
	BackoffMin time.Duration
	BackoffMax time.Duration
	// HandshakeTimeout bounds the WebSocket dial (10s).
	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 27 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

type command struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// Client is a reconnecting market data stream client. Subscriptions survive
// reconnects: every active stream is subscribed again on each new connection.
type Client struct {
	cfg    Config
	logger *zap.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	subs      map[string]map[uint64]Handler
	nextSubID uint64
	nextReqID uint64
	state     State
	observers []func(from, to State)
	closed    bool
	done      chan struct{}

	// gorilla/websocket allows one concurrent writer of data frames.
	writeMu sync.Mutex
}

// New creates a client. It does not connect until Run is called.
func New(cfg Config, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		subs:   make(map[string]map[uint64]Handler),
		state:  StateConnecting,
		done:   make(chan struct{}),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn to be called on every state transition.
func (c *Client) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Client) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	observers := append([]func(from, to State){}, c.observers...)
	c.mu.Unlock()

	metrics.StreamState.Set(float64(to))
	c.logger.Info("Market stream state changed",
		zap.String("from", from.String()), zap.String("to", to.String()))
	for _, fn := range observers {
		fn(from, to)
	}
}

// Subscribe registers h for stream. The first subscriber of a stream sends SUBSCRIBE,
// and the returned function removes h, sending UNSUBSCRIBE once the last one leaves.
func (c *Client) Subscribe(stream string, h Handler) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	handlers, active := c.subs[stream]
	if !active {
		handlers = make(map[uint64]Handler)
		c.subs[stream] = handlers
	}
	handlers[id] = h
	conn := c.conn
	c.mu.Unlock()

	if !active && conn != nil {
		if err := c.send(conn, "SUBSCRIBE", []string{stream}); err != nil {
			c.logger.Warn("Subscribe failed, will retry on reconnect", zap.String("stream", stream), zap.Error(err))
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(stream, id) })
	}
}

func (c *Client) unsubscribe(stream string, id uint64) {
	c.mu.Lock()
	handlers, ok := c.subs[stream]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(handlers, id)
	last := len(handlers) == 0
	if last {
		delete(c.subs, stream)
	}
	conn := c.conn
	c.mu.Unlock()

	if last && conn != nil {
		if err := c.send(conn, "UNSUBSCRIBE", []string{stream}); err != nil {
			c.logger.Warn("Unsubscribe failed", zap.String("stream", stream), zap.Error(err))
		}
	}
}

func (c *Client) send(conn *websocket.Conn, method string, params []string) error {
	c.mu.Lock()
	c.nextReqID++
	cmd := command{Method: method, Params: params, ID: c.nextReqID}
	c.mu.Unlock()

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Run connects and keeps the connection alive until ctx is cancelled or Close is
// called, reconnecting with jittered exponential backoff after every failure.
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: c.cfg.BackoffMin, Max: c.cfg.BackoffMax, Factor: 2, Jitter: true}

	for {
		if c.stopped(ctx) {
			c.setState(StateClosed)
			return nil
		}

		c.setState(StateConnecting)
		err := c.connectAndServe(ctx, b)
		if c.stopped(ctx) {
			c.setState(StateClosed)
			return nil
		}

		c.setState(StateReconnecting)
		metrics.StreamReconnects.Inc()
		wait := b.Duration()
		c.logger.Warn("Market stream disconnected", zap.Error(err), zap.Duration("retry_in", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
		case <-c.done:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (c *Client) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// connectAndServe dials, restores subscriptions and reads until the connection fails.
func (c *Client) connectAndServe(ctx context.Context, b *backoff.Backoff) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client closed")
	}
	c.conn = conn
	streams := make([]string, 0, len(c.subs))
	for stream := range c.subs {
		streams = append(streams, stream)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if len(streams) > 0 {
		if err := c.send(conn, "SUBSCRIBE", streams); err != nil {
			return fmt.Errorf("restore subscriptions: %w", err)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	b.Reset()
	c.setState(StateOpen)

	stop := make(chan struct{})
	defer close(stop)
	go c.keepAlive(ctx, conn, stop)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.dispatch(msg)
	}
}

// keepAlive pings the server and closes the connection once the client stops.
func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			conn.Close()
			return
		case <-c.done:
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("Market stream ping failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) dispatch(msg []byte) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		c.logger.Debug("Dropping unparsable market stream frame", zap.Error(err))
		return
	}
	if env.Stream == "" {
		// Subscription acknowledgements carry only a result and id.
		return
	}
	metrics.StreamMessages.WithLabelValues(env.Stream).Inc()

	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.subs[env.Stream]))
	for _, h := range c.subs[env.Stream] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(env.Stream, env.Data)
	}
}

// Close stops Run and closes the current connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.setState(StateClosed)
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return conn.Close()
}
