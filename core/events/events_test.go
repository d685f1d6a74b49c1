package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusAppendAndRead(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	seq1, err := b.Append(ctx, "run-1", RunStarted, "", nil)
	require.NoError(t, err)
	seq2, err := b.Append(ctx, "run-1", NodeStarted, "a", map[string]any{"attempt": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq1)
	assert.Equal(t, int64(2), seq2)

	recs, err := b.Read(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, RunStarted, recs[0].Kind)
	assert.Equal(t, "a", recs[1].NodeID)

	// Cursor reads skip already-seen records.
	recs, err = b.Read(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(2), recs[0].Seq)

	// Streams are isolated per run.
	recs, err = b.Read(ctx, "run-2", 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMemoryBusSubscribeReplaysBacklog(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	_, err := b.Append(ctx, "run-1", RunStarted, "", nil)
	require.NoError(t, err)

	ch, cancel, err := b.Subscribe(ctx, "run-1", 0)
	require.NoError(t, err)
	defer cancel()

	rec := <-ch
	assert.Equal(t, RunStarted, rec.Kind)

	_, err = b.Append(ctx, "run-1", RunFinished, "", nil)
	require.NoError(t, err)
	rec = <-ch
	assert.Equal(t, RunFinished, rec.Kind)
}

func TestMemoryBusSubscribeCancelCloses(t *testing.T) {
	b := NewMemoryBus()
	ch, cancel, err := b.Subscribe(context.Background(), "run-1", 0)
	require.NoError(t, err)

	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Appends after cancel do not panic on the closed subscriber.
	_, err = b.Append(context.Background(), "run-1", RunStarted, "", nil)
	assert.NoError(t, err)
}

func TestEmitterNamespacesNodeIDs(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	em := NewEmitter(b, "run-1")
	_, err := em.Emit(ctx, NodeStarted, "outer", nil)
	require.NoError(t, err)

	sub := em.Namespaced("wf")
	_, err = sub.Emit(ctx, NodeStarted, "inner", nil)
	require.NoError(t, err)

	nested := sub.Namespaced("deep")
	_, err = nested.Emit(ctx, NodeFinished, "leaf", nil)
	require.NoError(t, err)

	// Run-level records keep an empty node id even under a namespace.
	_, err = sub.Emit(ctx, RunFinished, "", nil)
	require.NoError(t, err)

	recs, err := b.Read(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, "outer", recs[0].NodeID)
	assert.Equal(t, "wf/inner", recs[1].NodeID)
	assert.Equal(t, "wf/deep/leaf", recs[2].NodeID)
	assert.Equal(t, "", recs[3].NodeID)
}
