package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/iceos-ai/iceos/common/logger"
	"github.com/iceos-ai/iceos/core/events"
)

// Hub tracks WebSocket clients per run. The first subscriber for a run
// starts a stream tail; the last one leaving stops it.
type Hub struct {
	bus events.Bus
	log *logger.Logger

	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[string]map[*Client]bool // run_id -> clients
	tails   map[string]context.CancelFunc
}

// NewHub creates a hub over the shared event bus.
func NewHub(bus events.Bus, log *logger.Logger) *Hub {
	return &Hub{
		bus:        bus,
		log:        log.WithComponent("fanout-hub"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[string]map[*Client]bool),
		tails:      make(map[string]context.CancelFunc),
	}
}

// Run processes registrations until the context ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.add(ctx, c)
		case c := <-h.unregister:
			h.remove(c)
		}
	}
}

func (h *Hub) add(ctx context.Context, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.runID] == nil {
		h.clients[c.runID] = make(map[*Client]bool)
	}
	h.clients[c.runID][c] = true
	h.log.Info("client subscribed", "run_id", c.runID, "clients", len(h.clients[c.runID]))

	if _, tailing := h.tails[c.runID]; !tailing {
		tailCtx, cancel := context.WithCancel(ctx)
		h.tails[c.runID] = cancel
		go h.tail(tailCtx, c.runID, c.sinceSeq)
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[c.runID]
	if !ok || !set[c] {
		return
	}
	delete(set, c)
	close(c.send)

	if len(set) == 0 {
		delete(h.clients, c.runID)
		if cancel, ok := h.tails[c.runID]; ok {
			cancel()
			delete(h.tails, c.runID)
		}
	}
}

// tail follows one run's stream and fans records out to its clients.
func (h *Hub) tail(ctx context.Context, runID string, sinceSeq int64) {
	ch, cancel, err := h.bus.Subscribe(ctx, runID, sinceSeq)
	if err != nil {
		h.log.Error("stream subscribe failed", "run_id", runID, "error", err)
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			h.broadcast(runID, data)
		}
	}
}

func (h *Hub) broadcast(runID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[runID] {
		select {
		case c.send <- data:
		default:
			// Slow consumer; drop the frame rather than stall the run.
			h.log.Warn("dropping event for slow client", "run_id", runID)
		}
	}
}
