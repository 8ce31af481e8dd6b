// Package stream pushes live notifications to WebSocket clients.
package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// HubConfig holds configuration for the Stream Hub.
type HubConfig struct {
	// SubscriberBufferSize is the size of each client's outbound queue.
	SubscriberBufferSize int
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// PingInterval is how often idle connections are pinged.
	PingInterval time.Duration
	// SlowConsumerDropThreshold is the number of consecutive drops after
	// which a client is disconnected.
	SlowConsumerDropThreshold int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SubscriberBufferSize:      64,
		WriteTimeout:              10 * time.Second,
		PingInterval:              30 * time.Second,
		SlowConsumerDropThreshold: 10,
	}
}

const maxInboundMessage = 4096

// Hub fans messages out to every connected WebSocket client. A slow client
// never blocks a broadcast: its message is dropped, and after enough
// consecutive drops the client is disconnected.
type Hub struct {
	config   HubConfig
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Subscriber]struct{}
	closed  bool

	metricsMu         sync.Mutex
	messagesBroadcast uint64
	messagesDropped   uint64
	clientsDropped    uint64
}

// Subscriber is one connected client.
type Subscriber struct {
	ID        string
	CreatedAt time.Time

	conn    *websocket.Conn
	send    chan []byte
	dropped int
}

// NewHub creates a new stream hub with default configuration.
func NewHub(logger zerolog.Logger) *Hub {
	return NewHubWithConfig(DefaultHubConfig(), logger)
}

// NewHubWithConfig creates a new stream hub with custom configuration.
func NewHubWithConfig(config HubConfig, logger zerolog.Logger) *Hub {
	if config.SubscriberBufferSize <= 0 {
		config.SubscriberBufferSize = 1
	}
	return &Hub{
		config: config,
		logger: logger.With().Str("component", "stream").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*Subscriber]struct{}),
	}
}

// ServeWS upgrades the request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sub := h.newSubscriber(conn)
	if !h.add(sub) {
		conn.Close()
		return
	}
	h.logger.Debug().Str("client", sub.ID).Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

	go h.writePump(sub)
	go h.readPump(sub)
}

func (h *Hub) newSubscriber(conn *websocket.Conn) *Subscriber {
	return &Subscriber{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		conn:      conn,
		send:      make(chan []byte, h.config.SubscriberBufferSize),
	}
}

func (h *Hub) add(sub *Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[sub] = struct{}{}
	return true
}

// remove unregisters sub and closes its queue, which ends its write pump.
func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[sub]; ok {
		delete(h.clients, sub)
		close(sub.send)
	}
}

// Broadcast marshals v to JSON and queues it for every client.
// It returns the number of clients the message was queued for.
func (h *Hub) Broadcast(v interface{}) int {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode broadcast")
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	var slow []*Subscriber
	for sub := range h.clients {
		select {
		case sub.send <- data:
			sub.dropped = 0
			delivered++
		default:
			sub.dropped++
			h.countDrop()
			if h.config.SlowConsumerDropThreshold > 0 && sub.dropped >= h.config.SlowConsumerDropThreshold {
				slow = append(slow, sub)
			}
		}
	}
	for _, sub := range slow {
		delete(h.clients, sub)
		close(sub.send)
		h.metricsMu.Lock()
		h.clientsDropped++
		h.metricsMu.Unlock()
		h.logger.Warn().Str("client", sub.ID).Msg("Disconnecting slow WebSocket client")
	}

	h.metricsMu.Lock()
	h.messagesBroadcast += uint64(delivered)
	h.metricsMu.Unlock()
	return delivered
}

func (h *Hub) countDrop() {
	h.metricsMu.Lock()
	h.messagesDropped++
	h.metricsMu.Unlock()
}

func (h *Hub) writePump(sub *Subscriber) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(sub)
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(sub)
				return
			}
		}
	}
}

// readPump discards inbound frames; it exists to process control frames
// and to notice disconnects.
func (h *Hub) readPump(sub *Subscriber) {
	defer h.remove(sub)

	sub.conn.SetReadLimit(maxInboundMessage)
	sub.conn.SetReadDeadline(time.Now().Add(2 * h.config.PingInterval))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(2 * h.config.PingInterval))
		return nil
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.clients {
		delete(h.clients, sub)
		close(sub.send)
	}
}

// GetMetrics returns hub metrics.
func (h *Hub) GetMetrics() HubMetrics {
	clients := h.ClientCount()

	h.metricsMu.Lock()
	defer h.metricsMu.Unlock()
	return HubMetrics{
		MessagesBroadcast: h.messagesBroadcast,
		MessagesDropped:   h.messagesDropped,
		ClientsDropped:    h.clientsDropped,
		Clients:           clients,
	}
}

// HubMetrics contains hub performance metrics.
type HubMetrics struct {
	MessagesBroadcast uint64 `json:"messages_broadcast"`
	MessagesDropped   uint64 `json:"messages_dropped"`
	ClientsDropped    uint64 `json:"clients_dropped"`
	Clients           int    `json:"clients"`
}
