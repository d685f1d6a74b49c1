package main

import (
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/iceos-ai/iceos/common/logger"
	"github.com/iceos-ai/iceos/core/runs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The orchestrator's CORS policy is open; keep the socket consistent.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server upgrades WebSocket subscriptions to run event streams.
type Server struct {
	hub   *Hub
	store *runs.Store
	log   *logger.Logger
}

// NewServer creates the WebSocket server.
func NewServer(hub *Hub, store *runs.Store, log *logger.Logger) *Server {
	return &Server{hub: hub, store: store, log: log.WithComponent("fanout")}
}

// HandleWebSocket subscribes a client to one run's events.
// GET /ws?run_id=...&since=...
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, "run_id query parameter required", http.StatusBadRequest)
		return
	}
	if _, err := s.store.Get(r.Context(), runID); err != nil {
		http.Error(w, "unknown run", http.StatusNotFound)
		return
	}

	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "since must be an integer sequence number", http.StatusBadRequest)
			return
		}
		since = n
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, runID, since)
	s.hub.register <- client
	s.log.Info("websocket connected", "run_id", runID, "remote", r.RemoteAddr)

	go client.writePump()
	go client.readPump()
}
