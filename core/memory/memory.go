// Package memory provides the four agent memory handles (working,
// episodic, semantic, procedural). Concrete stores are supplied by the
// run controller; agents reach them through pseudo-tools.
package memory

import (
	"context"
	"sync"

	"github.com/iceos-ai/iceos/common/apperrors"
)

// Handle is one memory store visible to an agent.
type Handle interface {
	Read(ctx context.Context, key string) (any, error)
	Write(ctx context.Context, key string, value any) error
	Keys(ctx context.Context) ([]string, error)
}

// Handles bundles the four stores an agent can address by name.
type Handles struct {
	Working    Handle
	Episodic   Handle
	Semantic   Handle
	Procedural Handle
}

// ByName resolves a store by its agent-facing name.
func (h *Handles) ByName(name string) (Handle, error) {
	switch name {
	case "working":
		return h.Working, nil
	case "episodic":
		return h.Episodic, nil
	case "semantic":
		return h.Semantic, nil
	case "procedural":
		return h.Procedural, nil
	default:
		return nil, apperrors.New(apperrors.KindValidation, "unknown memory store %q", name)
	}
}

// Factory builds the handles for one run.
type Factory func(runID string) *Handles

// InMemoryFactory returns a Factory producing process-local handles,
// scoped per run.
func InMemoryFactory() Factory {
	return func(string) *Handles {
		return &Handles{
			Working:    newMapHandle(),
			Episodic:   newMapHandle(),
			Semantic:   newMapHandle(),
			Procedural: newMapHandle(),
		}
	}
}

type mapHandle struct {
	mu   sync.RWMutex
	data map[string]any
}

func newMapHandle() *mapHandle {
	return &mapHandle{data: make(map[string]any)}
}

func (h *mapHandle) Read(_ context.Context, key string) (any, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	val, ok := h.data[key]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "no memory entry %q", key)
	}
	return val, nil
}

func (h *mapHandle) Write(_ context.Context, key string, value any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data[key] = value
	return nil
}

func (h *mapHandle) Keys(_ context.Context) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	keys := make([]string, 0, len(h.data))
	for k := range h.data {
		keys = append(keys, k)
	}
	return keys, nil
}
