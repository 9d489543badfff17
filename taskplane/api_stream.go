package main

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for local dev (CORS)
		return true
	},
}

// handleTaskStream upgrades to WebSocket and registers with the hub. An
// optional ?task_id= narrows the stream to one task.
func (a *API) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	taskFilter := r.URL.Query().Get("task_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := a.hub.Register(conn, taskFilter)
	defer a.hub.Unregister(client)

	log.Println("Task stream WebSocket client connected")

	// Ping/pong for dead client detection
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := client.ping(); err != nil {
					return
				}
			}
		}
	}()

	// Read pump to detect disconnections
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
	}
}
