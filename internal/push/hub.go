// Package push streams booking snapshots to connected viewers over websockets.
package push

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"ridebook/internal/config"
	"ridebook/internal/events"
	"ridebook/internal/metrics"
	"ridebook/internal/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	sendBuffer   = 16
	readLimit    = 1024
	pongWaitMult = 2
)

// Message is the frame sent to subscribers.
type Message struct {
	Type    string          `json:"type"`
	Booking *models.Booking `json:"booking"`
}

type client struct {
	bookingID string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Hub fans booking events out to the websocket clients watching that booking.
type Hub struct {
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	total   int
}

func NewHub(cfg config.PushConfig, logger *zerolog.Logger) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Hub{
		upgrader:     websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
		clients:      make(map[string]map[*client]struct{}),
	}
}

// Attach subscribes the hub to every booking event on the bus.
func (h *Hub) Attach(bus *events.EventBus) {
	bus.Subscribe(h.HandleEvent, events.BookingEvents...)
}

// HandleEvent pushes the booking snapshot carried by event to its watchers.
func (h *Hub) HandleEvent(event *events.Event) error {
	payload, err := event.DecodeBooking()
	if err != nil {
		return err
	}
	if payload.Booking == nil {
		return nil
	}
	h.Broadcast(event.Type, payload.Booking)
	return nil
}

// Broadcast sends a snapshot to every client watching the booking.
// A client whose buffer is full is disconnected.
func (h *Hub) Broadcast(eventType string, booking *models.Booking) {
	data, err := json.Marshal(Message{Type: eventType, Booking: booking})
	if err != nil {
		h.logger.Error().Err(err).Str("booking_id", booking.ID).Msg("encode push message")
		return
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients[booking.ID] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("booking_id", booking.ID).Msg("push client too slow, dropping")
		h.remove(c)
	}
}

// ServeBooking upgrades the request and streams snapshots of booking until the
// client goes away. The current snapshot is sent first.
func (h *Hub) ServeBooking(w http.ResponseWriter, r *http.Request, booking *models.Booking) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{bookingID: booking.ID, conn: conn, send: make(chan []byte, sendBuffer)}
	if data, err := json.Marshal(Message{Type: "snapshot", Booking: booking}); err == nil {
		c.send <- data
	}
	h.add(c)

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	set, ok := h.clients[c.bookingID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.bookingID] = set
	}
	set[c] = struct{}{}
	h.total++
	n := h.total
	h.mu.Unlock()

	metrics.SetPushSubscribers(n)
	h.logger.Debug().Str("booking_id", c.bookingID).Int("subscribers", n).Msg("push client connected")
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	set, ok := h.clients[c.bookingID]
	if ok {
		if _, present := set[c]; present {
			delete(set, c)
			h.total--
			if len(set) == 0 {
				delete(h.clients, c.bookingID)
			}
		}
	}
	n := h.total
	h.mu.Unlock()

	c.close()
	metrics.SetPushSubscribers(n)
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.remove(c)
	}
}

func (h *Hub) readLoop(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	wait := h.pingInterval * pongWaitMult
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		mt, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		if mt == websocket.TextMessage && strings.EqualFold(strings.TrimSpace(string(msg)), "ping") {
			h.enqueue(c, []byte("pong"))
		}
	}
}

func (h *Hub) enqueue(c *client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.bookingID][c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug().Err(err).Str("booking_id", c.bookingID).Msg("push write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
