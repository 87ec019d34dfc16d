// Package ws is the thin websocket adapter between the transport boundary
// and the sync core. It keeps one registered connection per (user, device),
// implements the orchestrator's Transport contract, and routes client
// acknowledgment frames to the delivery tracker.
//
// Deliberately thin: no authentication, no reconnection policy, no
// server-side session state beyond the connection map. The connection
// manager proper lives outside this core.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nulpointcorp/chat-sync/internal/metrics"
	"github.com/nulpointcorp/chat-sync/pkg/wire"
)

type connKey struct {
	userID   string
	deviceID string
}

// Hub is the registered-connection map. It satisfies sync.Transport.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Registry

	mu    sync.Mutex
	conns map[connKey]*websocket.Conn
}

func NewHub(log *slog.Logger, m *metrics.Registry) *Hub {
	return &Hub{
		log:     log,
		metrics: m,
		conns:   make(map[connKey]*websocket.Conn),
	}
}

func (h *Hub) add(key connKey, conn *websocket.Conn) {
	h.mu.Lock()
	// A reconnect for the same (user, device) replaces the stale conn.
	if old, ok := h.conns[key]; ok {
		_ = old.Close()
	}
	h.conns[key] = conn
	h.mu.Unlock()
	h.metrics.WSConnect()
}

func (h *Hub) remove(key connKey, conn *websocket.Conn) {
	h.mu.Lock()
	if cur, ok := h.conns[key]; ok && cur == conn {
		delete(h.conns, key)
	}
	h.mu.Unlock()
	_ = conn.Close()
	h.metrics.WSDisconnect()
}

// Send writes one frame to the device's connection, or to every registered
// device of the user when deviceID is empty. Writes are serialized under the
// hub lock — gorilla connections allow a single concurrent writer.
func (h *Hub) Send(_ context.Context, userID, deviceID string, frame wire.Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if deviceID != "" {
		conn, ok := h.conns[connKey{userID: userID, deviceID: deviceID}]
		if !ok {
			return fmt.Errorf("ws: no connection for device %s", deviceID)
		}
		return conn.WriteJSON(frame)
	}

	var sent int
	for key, conn := range h.conns {
		if key.userID != userID {
			continue
		}
		if err := conn.WriteJSON(frame); err != nil {
			h.log.Warn("ws_write_failed", slog.String("device_id", key.deviceID))
			continue
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("ws: no connections for user")
	}
	return nil
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll tears down every registered connection (shutdown path).
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, conn := range h.conns {
		_ = conn.Close()
		delete(h.conns, key)
	}
}
