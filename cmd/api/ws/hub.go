// Package ws streams events from the Redis events channel to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/supportdesk/helpdesk/internal/helpdesk"
	"github.com/supportdesk/helpdesk/internal/notify"
)

// Event is a message read from the events channel. Data is kept raw so it can
// be forwarded unchanged.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

var wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "ws_clients",
	Help: "Number of connected WebSocket clients",
})

func init() { prometheus.MustRegister(wsClients) }

// audience is the subset of event payloads used for routing.
type audience struct {
	RecipientID string `json:"recipientId"`
	CreatedBy   string `json:"createdBy"`
	AssignedTo  string `json:"assignedTo"`
}

// visibleTo reports whether c should receive ev. Notifications go to their
// recipient only; ticket events go to staff and the users named on the ticket.
func visibleTo(ev Event, c *Client) bool {
	var to audience
	if len(ev.Data) > 0 {
		_ = json.Unmarshal(ev.Data, &to)
	}
	if ev.Type == notify.EventType {
		return to.RecipientID != "" && to.RecipientID == c.userID
	}
	if c.role.IsStaff() {
		return true
	}
	return c.userID != "" && (to.CreatedBy == c.userID || to.AssignedTo == c.userID)
}

// Hub maintains the set of active clients and routes events to them.
type Hub struct {
	rdb        *redis.Client
	register   chan *Client
	unregister chan *Client
	clients    map[*Client]bool
	broadcast  chan Event
	done       chan struct{}
}

// NewHub constructs a Hub. rdb may be nil to disable cross-process delivery.
func NewHub(rdb *redis.Client) *Hub {
	return &Hub{
		rdb:        rdb,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 16),
		done:       make(chan struct{}),
	}
}

// Run starts the hub loop, subscribing to the events channel when Redis is set.
// It returns when ctx is cancelled; later hub calls no longer block.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	var ch <-chan *redis.Message
	if h.rdb != nil {
		sub := h.rdb.Subscribe(ctx, notify.EventsChannel)
		ch = sub.Channel()
		go func() {
			<-ctx.Done()
			_ = sub.Close()
		}()
	}
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		case msg, ok := <-ch:
			if ok && msg != nil {
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warn().Err(err).Msg("ws: bad event payload")
					continue
				}
				h.deliver(ev)
			}
		case c := <-h.register:
			h.clients[c] = true
			wsClients.Inc()
		case c := <-h.unregister:
			h.drop(c)
		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		wsClients.Dec()
	}
}

func (h *Hub) deliver(ev Event) {
	for c := range h.clients {
		if !visibleTo(ev, c) {
			continue
		}
		select {
		case c.send <- ev:
		default:
			h.drop(c)
		}
	}
}

// Broadcast enqueues a locally produced event.
func (h *Hub) Broadcast(ev Event) {
	select {
	case h.broadcast <- ev:
	case <-h.done:
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Client represents a WebSocket connection for one user.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Event
	userID string
	role   helpdesk.Role
}

// NewClient constructs a client.
func NewClient(h *Hub, conn *websocket.Conn, userID string, role helpdesk.Role) *Client {
	return &Client{hub: h, conn: conn, send: make(chan Event, 8), userID: userID, role: role}
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// ReadPump reads messages from the WebSocket to detect disconnects.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.leave(c)
		_ = c.conn.Close()
	}()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// WritePump writes events to the WebSocket connection.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

// Upgrader accepts any origin; the route sits behind auth and CORS.
var Upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
