// Package websocket rebroadcasts ticker price updates to browser clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/shopspring/decimal"
	"github.com/user/spotexchange/backend/internal/metrics"
	"github.com/user/spotexchange/backend/internal/ticker"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

// Conn is the subset of a WebSocket connection the hub drives. Both the fiber
// contrib connection and gorilla's satisfy it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Message is the JSON frame sent to clients.
type Message struct {
	Type   string                     `json:"type"` // "snapshot", "price" or "status"
	Symbol string                     `json:"symbol,omitempty"`
	Price  *decimal.Decimal           `json:"price,omitempty"`
	Source string                     `json:"source,omitempty"`
	Ts     int64                      `json:"ts,omitempty"`
	Prices map[string]decimal.Decimal `json:"prices,omitempty"`
	Stream string                     `json:"stream,omitempty"`
}

// Client is a single registered WebSocket client.
type Client struct {
	addr string
	send chan []byte
}

// Messages returns the frames queued for the client. It is closed on unregister.
func (c *Client) Messages() <-chan []byte {
	return c.send
}

// Hub manages WebSocket clients and broadcasts messages.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewHub creates and initializes a new Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*Client]struct{}),
	}
}

// Register adds a client and queues initial, when non-empty, as its first frame.
func (h *Hub) Register(addr string, initial []byte) *Client {
	client := &Client{addr: addr, send: make(chan []byte, sendBuffer)}
	if len(initial) > 0 {
		client.send <- initial
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	metrics.HubClients.Set(float64(len(h.clients)))
	h.mu.Unlock()
	h.logger.Debug("Client registered", zap.String("addr", addr))
	return client
}

// Unregister removes a client and closes its queue. Repeated calls are no-ops.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(client)
}

// drop requires h.mu.
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		metrics.HubClients.Set(float64(len(h.clients)))
		h.logger.Debug("Client unregistered", zap.String("addr", client.addr))
	}
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues message for every client. Clients whose buffer is full are dropped.
func (h *Hub) Broadcast(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			h.logger.Info("Client send buffer full, closing connection", zap.String("addr", client.addr))
			h.drop(client)
		}
	}
}

// Run broadcasts every update until ctx is cancelled or updates is closed, then
// disconnects all clients.
func (h *Hub) Run(ctx context.Context, updates <-chan ticker.PriceUpdate) error {
	h.logger.Info("Starting WebSocket hub")
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			price := update.Price
			msg, err := json.Marshal(Message{
				Type: "price", Symbol: update.Symbol, Price: &price, Source: update.Source, Ts: update.Ts,
			})
			if err != nil {
				h.logger.Error("Error marshalling price update", zap.Error(err))
				continue
			}
			h.Broadcast(msg)
		}
	}
}

// NotifyStream tells every client the upstream market stream moved to state, so
// browsers can flag prices as stale while it reconnects.
func (h *Hub) NotifyStream(state string) {
	msg, err := json.Marshal(Message{Type: "status", Stream: state})
	if err != nil {
		h.logger.Error("Error marshalling stream status", zap.Error(err))
		return
	}
	h.Broadcast(msg)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.drop(client)
	}
}

// Snapshot encodes the current prices as the first frame for a new client.
func Snapshot(prices map[string]decimal.Decimal) ([]byte, error) {
	return json.Marshal(Message{Type: "snapshot", Prices: prices})
}

// Serve registers conn and pumps hub frames to it until either side closes.
// It blocks for the lifetime of the connection.
func (h *Hub) Serve(conn Conn, addr string, initial []byte) {
	client := h.Register(addr, initial)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, client)
	}()

	h.readPump(conn, client)
	h.Unregister(client)
	<-writerDone
}

// writePump pumps messages from the hub to the websocket connection.
func (h *Hub) writePump(conn Conn, client *Client) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("Error writing message", zap.String("addr", client.addr), zap.Error(err))
				h.Unregister(client)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.Unregister(client)
				return
			}
		}
	}
}

// readPump discards client frames and returns once the connection fails.
func (h *Hub) readPump(conn Conn, client *Client) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Info("Client disconnected unexpectedly", zap.String("addr", client.addr), zap.Error(err))
			}
			return
		}
	}
}
