package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/partshive/partshive/taskplane/events"
)

const maxWSConnections = 200

// streamConn wraps a client connection with a write mutex. The hub broadcast
// and the per-connection ping loop write concurrently, and gorilla/websocket
// permits only one writer at a time.
type streamConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *streamConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Write deadline keeps a dead connection from blocking the hub.
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *streamConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// StreamHub fans event bus frames out to WebSocket clients. Single
// subscriber pattern: one bus subscription feeds every connection instead of
// one per client.
type StreamHub struct {
	clients    map[*streamConn]string // client -> task ID filter ("" = all)
	register   chan registration
	unregister chan *streamConn
	mu         sync.RWMutex
	bus        *events.Bus
}

type registration struct {
	client *streamConn
	taskID string
}

// NewStreamHub creates the hub over the event bus.
func NewStreamHub(bus *events.Bus) *StreamHub {
	return &StreamHub{
		clients:    make(map[*streamConn]string),
		register:   make(chan registration),
		unregister: make(chan *streamConn),
		bus:        bus,
	}
}

// Run drains the bus subscription and broadcasts until ctx ends. If the bus
// evicts the subscription for slowness it is re-established.
func (h *StreamHub) Run(ctx context.Context) {
	sub := h.bus.Subscribe(256)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.client.conn.Close()
				log.Printf("WebSocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[reg.client] = reg.taskID
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client registered (filter=%q). Total: %d", reg.taskID, n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client unregistered. Total: %d", n)

		case frame, ok := <-sub.C:
			if !ok {
				log.Printf("WebSocket hub fell behind the event bus, resubscribing")
				sub = h.bus.Subscribe(256)
				continue
			}
			h.broadcast(frame)
		}
	}
}

// broadcast sends one frame to every client whose filter matches.
func (h *StreamHub) broadcast(frame events.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	frameTask := frame.TaskID
	if frame.Task != nil {
		frameTask = frame.Task.ID
	}

	for client, filter := range h.clients {
		if filter != "" && filter != frameTask {
			continue
		}
		if err := client.writeJSON(frame); err != nil {
			log.Printf("WebSocket write error: %v", err)
			go h.Unregister(client)
		}
	}
}

func (h *StreamHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("Shutting down WebSocket hub with %d clients", len(h.clients))
	for client := range h.clients {
		client.conn.Close()
	}
	h.clients = make(map[*streamConn]string)
}

// Register adds a client connection with an optional task ID filter and
// returns the wrapped connection the caller pings and unregisters through.
func (h *StreamHub) Register(conn *websocket.Conn, taskID string) *streamConn {
	client := &streamConn{conn: conn}
	h.register <- registration{client: client, taskID: taskID}
	return client
}

// Unregister removes a client connection.
func (h *StreamHub) Unregister(client *streamConn) {
	h.unregister <- client
}

// ClientCount returns the number of connected clients.
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
