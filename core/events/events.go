// Package events is the append-only per-run event stream. Writers are the
// scheduler and executors; readers are the HTTP SSE endpoint and tests.
package events

import (
	"context"
	"time"
)

// Kind enumerates event record kinds.
type Kind string

const (
	RunStarted         Kind = "run.started"
	RunFinished        Kind = "run.finished"
	NodeStarted        Kind = "node.started"
	NodeFinished       Kind = "node.finished"
	NodeFailed         Kind = "node.failed"
	NodeRetry          Kind = "node.retry"
	NodeSkipped        Kind = "node.skipped"
	RecursiveIteration Kind = "recursive.iteration"
)

// Record is one entry in a run's stream. Seq is monotonic per run.
type Record struct {
	Seq       int64          `json:"seq"`
	Kind      Kind           `json:"kind"`
	NodeID    string         `json:"node_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Bus appends and reads per-run event streams. Append is safe for
// concurrent writers; ordering across concurrent appends follows arrival.
type Bus interface {
	// Append writes a record and returns its sequence number.
	Append(ctx context.Context, runID string, kind Kind, nodeID string, payload map[string]any) (int64, error)

	// Read returns records with Seq > sinceSeq, in order.
	Read(ctx context.Context, runID string, sinceSeq int64) ([]Record, error)

	// Subscribe delivers records with Seq > sinceSeq as they arrive.
	// The returned cancel func releases the subscription.
	Subscribe(ctx context.Context, runID string, sinceSeq int64) (<-chan Record, func(), error)
}

// Emitter binds a Bus to one run and an optional node-id namespace so
// sub-workflow events interleave in the parent stream under a prefix.
type Emitter struct {
	bus    Bus
	runID  string
	prefix string
}

// NewEmitter creates an emitter for a run.
func NewEmitter(bus Bus, runID string) *Emitter {
	return &Emitter{bus: bus, runID: runID}
}

// Namespaced returns an emitter whose node ids are prefixed with
// "<nodeID>/", used for workflow sub-runs.
func (e *Emitter) Namespaced(nodeID string) *Emitter {
	prefix := nodeID + "/"
	if e.prefix != "" {
		prefix = e.prefix + prefix
	}
	return &Emitter{bus: e.bus, runID: e.runID, prefix: prefix}
}

// RunID returns the run this emitter writes to.
func (e *Emitter) RunID() string { return e.runID }

// Emit appends one record. Emission failures are returned but callers in
// the hot path may choose to log and continue; the stream is observability,
// not the source of truth for run state.
func (e *Emitter) Emit(ctx context.Context, kind Kind, nodeID string, payload map[string]any) (int64, error) {
	if nodeID != "" && e.prefix != "" {
		nodeID = e.prefix + nodeID
	}
	return e.bus.Append(ctx, e.runID, kind, nodeID, payload)
}
