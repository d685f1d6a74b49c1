package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/iceos-ai/iceos/common/logger"
	"github.com/iceos-ai/iceos/common/redis"
)

// RedisBus persists run streams in Redis streams under stream:{run_id},
// with a per-run INCR counter providing the monotonic seq. Streams expire
// after the configured retention window.
type RedisBus struct {
	client    *redis.Client
	retention time.Duration
	log       *logger.Logger
}

// NewRedisBus creates a Redis-backed bus.
func NewRedisBus(client *redis.Client, retention time.Duration, log *logger.Logger) *RedisBus {
	return &RedisBus{
		client:    client,
		retention: retention,
		log:       log.WithComponent("event-bus"),
	}
}

func streamKey(runID string) string { return "stream:" + runID }
func seqKey(runID string) string    { return "stream:" + runID + ":seq" }

func (b *RedisBus) Append(ctx context.Context, runID string, kind Kind, nodeID string, payload map[string]any) (int64, error) {
	seq, err := b.client.Increment(ctx, seqKey(runID))
	if err != nil {
		return 0, err
	}

	rec := Record{
		Seq:       seq,
		Kind:      kind,
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}

	if _, err := b.client.AddToStream(ctx, streamKey(runID), map[string]interface{}{
		"seq":    strconv.FormatInt(seq, 10),
		"record": string(raw),
	}); err != nil {
		return 0, err
	}

	if b.retention > 0 {
		// Refresh retention on every append; terminal runs age out.
		_ = b.client.Expire(ctx, streamKey(runID), b.retention)
		_ = b.client.Expire(ctx, seqKey(runID), b.retention)
	}
	return seq, nil
}

func (b *RedisBus) Read(ctx context.Context, runID string, sinceSeq int64) ([]Record, error) {
	msgs, err := b.client.RangeStream(ctx, streamKey(runID), "-", "+")
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(msgs))
	for _, msg := range msgs {
		rec, ok := decodeRecord(msg.Values)
		if !ok {
			b.log.Warn("malformed stream entry", "run_id", runID, "id", msg.ID)
			continue
		}
		if rec.Seq > sinceSeq {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (b *RedisBus) Subscribe(ctx context.Context, runID string, sinceSeq int64) (<-chan Record, func(), error) {
	ch := make(chan Record, 256)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(ch)

		// Replay the backlog via XRANGE, keeping the last stream ID so the
		// blocking tail starts exactly where the replay ended.
		msgs, err := b.client.RangeStream(subCtx, streamKey(runID), "-", "+")
		if err != nil {
			return
		}
		lastID := "0"
		lastSeq := sinceSeq
		for _, msg := range msgs {
			lastID = msg.ID
			rec, ok := decodeRecord(msg.Values)
			if !ok || rec.Seq <= lastSeq {
				continue
			}
			select {
			case ch <- rec:
				lastSeq = rec.Seq
			case <-subCtx.Done():
				return
			}
		}

		for {
			select {
			case <-subCtx.Done():
				return
			default:
			}
			msgs, err := b.client.ReadStream(subCtx, streamKey(runID), lastID, 128, 5*time.Second)
			if err != nil {
				return
			}
			for _, msg := range msgs {
				lastID = msg.ID
				rec, ok := decodeRecord(msg.Values)
				if !ok || rec.Seq <= lastSeq {
					continue
				}
				select {
				case ch <- rec:
					lastSeq = rec.Seq
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return ch, cancel, nil
}

func decodeRecord(values map[string]interface{}) (Record, bool) {
	raw, ok := values["record"].(string)
	if !ok {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}
