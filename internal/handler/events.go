package handler

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/haiminh-dev/aptis-trainer/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// event is one message on a session's event stream.
type event struct {
	Type      string               `json:"type"`
	State     model.SessionState   `json:"state,omitempty"`
	Reason    model.StateReason    `json:"reason,omitempty"`
	Remaining int                  `json:"remaining"`
	Result    *model.SessionResult `json:"result,omitempty"`
}

// eventHub fans session events out to websocket subscribers. It
// implements session.EventSink; callbacks arrive from timer and
// evaluation goroutines.
type eventHub struct {
	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

func newEventHub() *eventHub {
	return &eventHub{conns: make(map[*websocket.Conn]struct{})}
}

func (h *eventHub) StateChanged(state model.SessionState, reason model.StateReason) {
	h.broadcast(event{Type: "state", State: state, Reason: reason})
}

func (h *eventHub) Tick(remaining int) {
	h.broadcast(event{Type: "tick", Remaining: remaining})
}

func (h *eventHub) ResultCommitted(result model.SessionResult) {
	h.broadcast(event{Type: "result", Result: &result})
}

func (h *eventHub) broadcast(ev event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if err := conn.WriteJSON(ev); err != nil {
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

func (h *eventHub) add(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = struct{}{}
	return true
}

func (h *eventHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.conns {
		conn.Close()
	}
	h.conns = map[*websocket.Conn]struct{}{}
}

// handleSessionEvents upgrades the connection and streams state
// changes, countdown ticks, and committed results until the client
// disconnects.
func (h *Handler) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	ls := h.session(w, r)
	if ls == nil {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "session", ls.id, "error", err)
		return
	}
	if !ls.hub.add(conn) {
		conn.Close()
		return
	}
	defer func() {
		ls.hub.remove(conn)
		conn.Close()
	}()

	slog.Debug("event stream connected", "session", ls.id)

	// Initial state so the client does not need a separate snapshot
	// round trip.
	if err := conn.WriteJSON(event{Type: "state", State: ls.machine.State()}); err != nil {
		return
	}

	// Clients only listen; the read loop just detects disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
