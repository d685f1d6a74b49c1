package runs

import (
	"context"
	"encoding/json"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/core/kv"
)

func runKey(id string) string { return "run:" + id }

// Store persists run snapshots in the KV store under run:{id}.
type Store struct {
	kv kv.Store
}

// NewStore creates a run snapshot store.
func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

// Save writes the current snapshot.
func (s *Store) Save(ctx context.Context, run *Run) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "encode run %s", run.ID)
	}
	if err := s.kv.Set(ctx, runKey(run.ID), string(raw)); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "write run %s", run.ID)
	}
	return nil
}

// Get reads a run snapshot.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	raw, err := s.kv.Get(ctx, runKey(id))
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, apperrors.New(apperrors.KindNotFound, "no run %q", id)
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "read run %s", id)
	}
	var run Run
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "decode run %s", id)
	}
	return &run, nil
}

// List scans run snapshots. Intended for small deployments and tests;
// production listing goes through the archive.
func (s *Store) List(ctx context.Context) ([]*Run, error) {
	keys, err := s.kv.Scan(ctx, "run:*")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "scan runs")
	}
	out := make([]*Run, 0, len(keys))
	for _, key := range keys {
		raw, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var run Run
		if err := json.Unmarshal([]byte(raw), &run); err != nil {
			continue
		}
		out = append(out, &run)
	}
	return out, nil
}
