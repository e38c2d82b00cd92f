package synccontroller

import (
	"context"
	"errors"
	"time"

	"netcache/internal/accessor"
	"netcache/internal/clock"
	"netcache/internal/heap"
	"netcache/internal/keyindex"
	"netcache/internal/ncerr"
)

// HeapStore is the production Store: it applies incoming sync events
// against the Record Heap and Key Index through the Blob Accessor, in
// CopyCreate mode for writes (spec.md §4.8, "using Blob Accessor in
// CopyCreate mode").
type HeapStore struct {
	h       *heap.Heap
	idx     *keyindex.Index
	clock   clock.Source
	cfg     accessor.Config
	server  uint32
	counter *accessor.Counter
}

// NewHeapStore builds a HeapStore. counter is the same per-server
// create-id counter local writes use, shared so replicated and local
// writes never collide on a create-id.
func NewHeapStore(h *heap.Heap, idx *keyindex.Index, cl clock.Source, cfg accessor.Config, serverID uint32, counter *accessor.Counter) *HeapStore {
	return &HeapStore{h: h, idx: idx, clock: cl, cfg: cfg, server: serverID, counter: counter}
}

func (s *HeapStore) ApplyWrite(ctx context.Context, slot int, key string, payload []byte, ttl time.Duration, password string, createTime int64, createServer, createID uint32) error {
	a, err := accessor.Open(ctx, s.h, s.idx, s.clock, s.cfg, s.server, s.counter, slot, key, password, accessor.CopyCreate)
	if err != nil {
		return err
	}
	chunkSize := int(s.cfg.ChunkSize)
	if chunkSize <= 0 {
		chunkSize = 65536
	}
	i := int64(0)
	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := a.WriteChunk(ctx, i, payload[off:end]); err != nil {
			_ = a.Abort(ctx)
			return err
		}
		i++
	}
	if len(payload) == 0 {
		if err := a.WriteChunk(ctx, 0, nil); err != nil {
			_ = a.Abort(ctx)
			return err
		}
	}
	return a.FinalizeReplicated(ctx, ttl, ttl, createTime, createServer, createID)
}

func (s *HeapStore) ApplyProlong(ctx context.Context, slot int, key string, newDeadTime int64) error {
	a, err := accessor.Open(ctx, s.h, s.idx, s.clock, s.cfg, s.server, s.counter, slot, key, "", accessor.Read)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.ProlongTo(ctx, newDeadTime)
}

func (s *HeapStore) ApplyRemove(ctx context.Context, slot int, key string) error {
	a, err := accessor.Open(ctx, s.h, s.idx, s.clock, s.cfg, s.server, s.counter, slot, key, "", accessor.GCDelete)
	if err != nil {
		if errors.Is(err, ncerr.ErrNotFound) {
			return nil
		}
		return err
	}
	return a.DeleteBlob(ctx, 0)
}

func (s *HeapStore) Summarize(slot int, key string) (BlobSummary, bool, error) {
	a, err := accessor.Open(context.Background(), s.h, s.idx, s.clock, s.cfg, s.server, s.counter, slot, key, "", accessor.Read)
	if err != nil {
		if errors.Is(err, ncerr.ErrNotFound) {
			return BlobSummary{}, false, nil
		}
		return BlobSummary{}, false, err
	}
	defer a.Close()
	return BlobSummary{
		Key:          key,
		CreateTime:   a.GetCurBlobCreateTime(),
		CreateServer: a.GetCreateServer(),
		CreateID:     a.GetCreateID(),
		DeadTime:     a.GetDeadTime(),
	}, true, nil
}

func (s *HeapStore) Keys(slot int) ([]string, error) {
	return s.idx.Keys(slot)
}
