// Package live fans committed ingest events out to websocket subscribers.
package live

import (
	"log/slog"
	"sync"

	"heatpump/server/ingest"
)

const (
	broadcastQueue = 100
	// ClientBuffer is the recommended subscriber channel size.
	ClientBuffer = 16
)

// Hub manages in-process subscribers. It knows nothing about websockets;
// callers register a channel to receive published events.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]chan ingest.Event
	register   chan registration
	unregister chan string
	broadcast  chan ingest.Event
	shutdown   chan struct{}
	stopOnce   sync.Once
	logger     *slog.Logger
}

type registration struct {
	id string
	ch chan ingest.Event
}

var _ ingest.Publisher = (*Hub)(nil)

// NewHub creates and starts a Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:    make(map[string]chan ingest.Event),
		register:   make(chan registration),
		unregister: make(chan string),
		broadcast:  make(chan ingest.Event, broadcastQueue),
		shutdown:   make(chan struct{}),
		logger:     logger,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.id] = reg.ch
			h.mu.Unlock()
		case id := <-h.unregister:
			h.mu.Lock()
			if ch, ok := h.clients[id]; ok {
				close(ch)
				delete(h.clients, id)
			}
			h.mu.Unlock()
		case ev := <-h.broadcast:
			h.mu.RLock()
			for id, ch := range h.clients {
				select {
				case ch <- ev:
				default:
					// A slow subscriber must not stall the hub.
					h.logger.Warn("live subscriber buffer full, dropping event", "client", id, "batch_id", ev.BatchID)
				}
			}
			h.mu.RUnlock()
		case <-h.shutdown:
			h.mu.Lock()
			for id, ch := range h.clients {
				close(ch)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Register adds a subscriber channel under id. It reports false when the hub
// has stopped, in which case ch is closed.
func (h *Hub) Register(id string, ch chan ingest.Event) bool {
	select {
	case h.register <- registration{id: id, ch: ch}:
		return true
	case <-h.shutdown:
		close(ch)
		return false
	}
}

// Unregister removes and closes the subscriber with the given id.
func (h *Hub) Unregister(id string) {
	select {
	case h.unregister <- id:
	case <-h.shutdown:
	}
}

// Clients returns the number of registered subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues ev for every subscriber without blocking the caller.
func (h *Hub) Publish(ev ingest.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("live broadcast queue full, dropping event", "batch_id", ev.BatchID)
	}
}

// Stop shuts down the hub and closes all subscriber channels.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.shutdown) })
}
