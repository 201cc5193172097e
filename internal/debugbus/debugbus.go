// Package debugbus is an optional local fan-out of Core's delegate
// callbacks over a WebSocket, for development inspection only. No
// message-plane invariant depends on it; it is disabled unless a listen
// address is configured.
//
// Grounded on internal/rpc/websocket.go's WSHub: same register/unregister/
// broadcast channel loop and per-client subscription filter, retargeted
// from swap/order/peer RPC events to the five SPEC_FULL.md delegate events.
package debugbus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftmesh/core/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventType names one of the delegate callbacks a Core fires.
type EventType string

const (
	EventEnvelopeReceived EventType = "envelope_received"
	EventDeliveryAcked    EventType = "delivery_acked"
	EventDeliveryFailed   EventType = "delivery_failed"
	EventPeerReachable    EventType = "peer_reachable"
	EventDriftCompleted   EventType = "drift_completed"
)

// Event is one fan-out message.
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

type subscription struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

type client struct {
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[EventType]bool
	mu            sync.RWMutex
	bus           *Bus
}

// Bus is the debug event hub. A Bus with no registered clients still
// accepts Emit calls cheaply — they are dropped once the broadcast buffer
// is full, never blocking the caller.
type Bus struct {
	clients    map[*client]bool
	broadcast  chan *Event
	register   chan *client
	unregister chan *client
	log        *logging.Logger
	mu         sync.RWMutex
}

// New creates a Bus. Call Run in its own goroutine before Handler serves
// any requests.
func New(log *logging.Logger) *Bus {
	return &Bus{
		clients:    make(map[*client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		log:        log.Component("debugbus"),
	}
}

// Run drives the hub event loop until ctx-independent shutdown (callers
// stop it by simply no longer calling Emit and letting the process exit;
// there is no persisted state to flush).
func (b *Bus) Run() {
	for {
		select {
		case c := <-b.register:
			b.mu.Lock()
			b.clients[c] = true
			b.mu.Unlock()
			b.log.Debug("client connected", "clients", len(b.clients))

		case c := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[c]; ok {
				delete(b.clients, c)
				close(c.send)
			}
			b.mu.Unlock()
			b.log.Debug("client disconnected", "clients", len(b.clients))

		case event := <-b.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				b.log.Error("marshal debug event", "error", err)
				continue
			}
			b.fanOut(event.Type, data)
		}
	}
}

func (b *Bus) fanOut(t EventType, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		c.mu.RLock()
		subscribed := c.subscriptions[t] || len(c.subscriptions) == 0
		c.mu.RUnlock()
		if !subscribed {
			continue
		}
		select {
		case c.send <- data:
		default:
			b.log.Warn("client buffer full, dropping event", "type", t)
		}
	}
}

// Emit publishes an event to subscribed clients. Safe to call from any
// goroutine; never blocks.
func (b *Bus) Emit(t EventType, data interface{}) {
	event := &Event{Type: t, Data: data, Timestamp: time.Now().Unix()}
	select {
	case b.broadcast <- event:
	default:
		b.log.Warn("broadcast channel full, dropping event", "type", t)
	}
}

// ClientCount returns the number of connected debug clients.
func (b *Bus) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Handler upgrades an HTTP connection to a debug WebSocket stream.
func (b *Bus) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[EventType]bool),
		bus:           b,
	}
	b.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.bus.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.bus.log.Debug("websocket read error", "error", err)
			}
			break
		}

		var sub subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(&sub)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handleSubscription(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, eventStr := range sub.Events {
		t := EventType(eventStr)
		switch sub.Action {
		case "subscribe":
			c.subscriptions[t] = true
		case "unsubscribe":
			delete(c.subscriptions, t)
		}
	}
}
