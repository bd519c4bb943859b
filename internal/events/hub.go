package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/scrypster/entityres/pkg/types"
)

const (
	clientBuffer = 256
	writeTimeout = 10 * time.Second
)

// Hub streams resolution events to websocket subscribers.
type Hub struct {
	clients    map[subscriber]bool
	broadcast  chan Message
	register   chan subscriber
	unregister chan subscriber
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	origins    []string
	log        logrus.FieldLogger
}

var _ Publisher = (*Hub)(nil)

// subscriber allows both websocket clients and in-process test clients.
type subscriber interface {
	sendChannel() chan []byte
	close()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func (c *client) sendChannel() chan []byte { return c.send }

func (c *client) close() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}
}

// NewHub creates a hub. originPatterns is passed to websocket.Accept; an
// empty list only admits same-origin requests.
func NewHub(originPatterns []string, log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[subscriber]bool),
		broadcast:  make(chan Message, clientBuffer),
		register:   make(chan subscriber),
		unregister: make(chan subscriber),
		ctx:        ctx,
		cancel:     cancel,
		origins:    originPatterns,
		log:        log.WithField("component", "events.hub"),
	}
}

// Run processes registrations and broadcasts until Close.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.WithField("clients", n).Debug("subscriber connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.sendChannel())
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.WithField("clients", n).Debug("subscriber disconnected")

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.log.WithError(err).Error("failed to encode event message")
				continue
			}
			// Full lock: slow subscribers are dropped from the map.
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.sendChannel() <- data:
				default:
					close(c.sendChannel())
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Name implements Publisher.
func (h *Hub) Name() string { return "websocket" }

// Publish queues ev for every subscriber. A full queue drops the message.
func (h *Hub) Publish(_ context.Context, ev *types.ResolutionEvent) error {
	select {
	case h.broadcast <- NewMessage(ev):
	default:
		h.log.WithField("event_id", ev.ID).Warn("broadcast queue full, dropping event")
	}
	return nil
}

// Close stops Run and disconnects every subscriber.
func (h *Hub) Close() error {
	h.cancel()
	h.mu.Lock()
	for c := range h.clients {
		close(c.sendChannel())
		c.close()
	}
	h.clients = make(map[subscriber]bool)
	h.mu.Unlock()
	return nil
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c subscriber) {
	select {
	case h.register <- c:
	case <-h.ctx.Done():
	}
}

func (h *Hub) remove(c subscriber) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// ServeHTTP upgrades the request and streams events until either side
// closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, clientBuffer)}
	h.add(c)

	go c.writePump()
	go c.readPump()
}

func (c *client) writePump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			c.hub.log.WithError(err).Debug("websocket write failed")
			return
		}
	}
}

// readPump drains inbound frames so a client disconnect is noticed.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()
	for {
		if _, _, err := c.conn.Read(c.hub.ctx); err != nil {
			return
		}
	}
}
