package events

import (
	"context"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus used by tests and single-binary mode.
type MemoryBus struct {
	mu      sync.Mutex
	streams map[string][]Record
	subs    map[string][]*memorySub
}

type memorySub struct {
	ch     chan Record
	closed bool
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		streams: make(map[string][]Record),
		subs:    make(map[string][]*memorySub),
	}
}

func (b *MemoryBus) Append(_ context.Context, runID string, kind Kind, nodeID string, payload map[string]any) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := Record{
		Seq:       int64(len(b.streams[runID]) + 1),
		Kind:      kind,
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	b.streams[runID] = append(b.streams[runID], rec)

	for _, sub := range b.subs[runID] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- rec:
		default:
			// Slow subscriber; it can catch up via Read.
		}
	}
	return rec.Seq, nil
}

func (b *MemoryBus) Read(_ context.Context, runID string, sinceSeq int64) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream := b.streams[runID]
	var out []Record
	for _, rec := range stream {
		if rec.Seq > sinceSeq {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (b *MemoryBus) Subscribe(_ context.Context, runID string, sinceSeq int64) (<-chan Record, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := 256
	if backlog := len(b.streams[runID]); backlog+64 > size {
		size = backlog + 64
	}
	sub := &memorySub{ch: make(chan Record, size)}
	// Replay the backlog first so subscribers never miss records between
	// Read and Subscribe.
	for _, rec := range b.streams[runID] {
		if rec.Seq > sinceSeq {
			sub.ch <- rec
		}
	}
	b.subs[runID] = append(b.subs[runID], sub)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	return sub.ch, cancel, nil
}
