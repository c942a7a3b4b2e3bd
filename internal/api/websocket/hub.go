package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/davidleathers/financing-ledger-backend/internal/service/ledger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1024
	sendBuffer     = 32
	broadcastQueue = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is what clients receive. Ledger events are sent with their own
// type; control messages use "connection.established" and "pong".
type Message struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Event     *ledger.Event `json:"event,omitempty"`
	Data      any           `json:"data,omitempty"`
}

// Filters narrow the events a client receives. Empty filters match everything.
type Filters struct {
	OwnerIDs     []uuid.UUID        `json:"owner_ids,omitempty"`
	AgreementIDs []uuid.UUID        `json:"agreement_ids,omitempty"`
	EventTypes   []ledger.EventType `json:"event_types,omitempty"`
}

func (f Filters) match(e *ledger.Event) bool {
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.Type) {
		return false
	}
	if len(f.OwnerIDs) > 0 && !slices.Contains(f.OwnerIDs, e.OwnerID) {
		return false
	}
	if len(f.AgreementIDs) > 0 && (e.AgreementID == nil || !slices.Contains(f.AgreementIDs, *e.AgreementID)) {
		return false
	}
	return true
}

// Hub fans committed ledger events out to connected websocket clients. It
// implements ledger.EventPublisher.
type Hub struct {
	logger     *zap.Logger
	clients    map[uuid.UUID]*Client
	mu         sync.RWMutex
	broadcast  chan ledger.Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once
	onCount    func(int64)
}

// NewHub creates a hub. onCount, when non-nil, is called with the client
// count after every change.
func NewHub(logger *zap.Logger, onCount func(int64)) *Hub {
	return &Hub{
		logger:     logger.Named("events"),
		clients:    make(map[uuid.UUID]*Client),
		broadcast:  make(chan ledger.Event, broadcastQueue),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		onCount:    onCount,
	}
}

// Run processes registrations and broadcasts until ctx is cancelled or Stop
// is called.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.Stop()
			h.closeAll()
			return
		case <-h.done:
			h.closeAll()
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case e := <-h.broadcast:
			h.fanOut(&e)
		}
	}
}

// Stop shuts the hub down.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Publish queues e for delivery. It never blocks the caller; events are
// dropped when the queue is full or the hub is stopped.
func (h *Hub) Publish(_ context.Context, e ledger.Event) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- e:
	default:
		h.logger.Warn("event queue full, dropping event", zap.String("type", string(e.Type)))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and subscribes it. Initial filters may be
// given as repeated owner_id, agreement_id and type query parameters.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filters, err := filtersFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	c := &Client{
		ID:      uuid.New(),
		conn:    conn,
		send:    make(chan *Message, sendBuffer),
		hub:     h,
		filters: filters,
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("websocket client registered", zap.String("client_id", c.ID.String()))
	c.trySend(&Message{
		ID:        uuid.NewString(),
		Type:      "connection.established",
		Timestamp: time.Now().UTC(),
		Data:      map[string]string{"client_id": c.ID.String()},
	})
	h.count(n)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	if ok {
		delete(h.clients, c.ID)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.logger.Debug("websocket client unregistered", zap.String("client_id", c.ID.String()))
		h.count(n)
	}
}

func (h *Hub) fanOut(e *ledger.Event) {
	msg := &Message{ID: uuid.NewString(), Type: string(e.Type), Timestamp: e.OccurredAt, Event: e}

	h.mu.RLock()
	var slow []*Client
	for _, c := range h.clients {
		if !c.filtersSnapshot().match(e) {
			continue
		}
		if !c.trySend(msg) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("client send buffer full, disconnecting", zap.String("client_id", c.ID.String()))
		h.remove(c)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
	h.mu.Unlock()
	h.count(0)
}

func (h *Hub) count(n int) {
	if h.onCount != nil {
		h.onCount(int64(n))
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Client is one websocket subscriber.
type Client struct {
	ID   uuid.UUID
	conn *websocket.Conn
	send chan *Message
	hub  *Hub

	fmu     sync.RWMutex
	filters Filters
}

func (c *Client) filtersSnapshot() Filters {
	c.fmu.RLock()
	defer c.fmu.RUnlock()
	return c.filters
}

// trySend must be called with the hub lock held so send is not closed
// concurrently.
func (c *Client) trySend(m *Message) bool {
	select {
	case c.send <- m:
		return true
	default:
		return false
	}
}

type clientMessage struct {
	Type    string   `json:"type"`
	Filters *Filters `json:"filters,omitempty"`
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read error", zap.String("client_id", c.ID.String()), zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "update_filters":
			if msg.Filters != nil {
				c.fmu.Lock()
				c.filters = *msg.Filters
				c.fmu.Unlock()
			}
		case "ping":
			c.hub.mu.RLock()
			if _, ok := c.hub.clients[c.ID]; ok {
				c.trySend(&Message{ID: uuid.NewString(), Type: "pong", Timestamp: time.Now().UTC()})
			}
			c.hub.mu.RUnlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				c.hub.logger.Error("failed to encode event", zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
