// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package status

import (
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/websocket"

	"github.com/dtn7/dtptest-go/pkg/harness"
)

const (
	// clientQueueLen is the number of Events buffered per client. Events
	// for slower clients are dropped.
	clientQueueLen = 64

	writeTimeout = 5 * time.Second
)

// Hub is a harness.Observer forwarding each Event to all WebSocket clients.
type Hub struct {
	upgrader websocket.Upgrader

	mutex   sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	conn   *websocket.Conn
	events chan harness.Event
}

// NewHub creates a Hub. Its ServeHTTP must be bound to an endpoint.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*hubClient]struct{}),
	}
}

// Observe queues an Event for every client. It never blocks.
func (h *Hub) Observe(e harness.Event) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for client := range h.clients {
		select {
		case client.events <- e:
		default:
			log.WithField("client", client.conn.RemoteAddr()).Debug("Dropping event for slow WebSocket client")
		}
	}
}

// Clients is the number of connected WebSocket clients.
func (h *Hub) Clients() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return len(h.clients)
}

// ServeHTTP upgrades the request to a WebSocket connection and streams
// Events until the client leaves.
func (h *Hub) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}

	client := &hubClient{
		conn:   conn,
		events: make(chan harness.Event, clientQueueLen),
	}

	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.mutex.Unlock()

	logger := log.WithField("client", conn.RemoteAddr())
	logger.Debug("WebSocket client connected")

	defer func() {
		h.mutex.Lock()
		delete(h.clients, client)
		h.mutex.Unlock()

		_ = conn.Close()
		logger.Debug("WebSocket client disconnected")
	}()

	// Incoming messages are ignored; reading detects a closed connection.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return

		case e, ok := <-client.events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeTimeout))
				return
			}

			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				logger.WithError(err).Warn("Sending event to WebSocket client errored")
				return
			}
		}
	}
}

// Close disconnects all clients. Later Events are dropped.
func (h *Hub) Close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for client := range h.clients {
		close(client.events)
		delete(h.clients, client)
	}
}
