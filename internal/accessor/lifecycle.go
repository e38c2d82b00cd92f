package accessor

import (
	"context"
	"fmt"
	"time"

	"netcache/internal/heap"
	"netcache/internal/ncerr"
)

// Finalize writes the accumulated chunk tree's meta record and atomically
// publishes it in the Key Index, tombstoning whatever version preceded it
// (spec.md §4.3). ttl and verTTL are the blob's and this version's
// time-to-live; password, if non-empty, is hashed into the new meta
// record. Finalize releases the writer lock; the Accessor must not be used
// again afterward.
func (a *Accessor) Finalize(ctx context.Context, ttl, verTTL time.Duration) error {
	now := a.clock.Now()
	return a.finalize(ctx, ttl, verTTL, now.UnixMicro(), a.server, a.nextID.next())
}

// FinalizeReplicated is Finalize as called by the Sync Controller
// replaying a peer's Write event (accessor.CopyCreate mode): it stores
// the origin's create-time/server/id verbatim instead of minting a new
// one, so the LWW comparator {create-time, create-server, create-id}
// (spec.md §4.8) keeps comparing the same identity on every node that
// ever receives this version.
func (a *Accessor) FinalizeReplicated(ctx context.Context, ttl, verTTL time.Duration, createTime int64, createServer, createID uint32) error {
	if a.mode != CopyCreate {
		return fmt.Errorf("accessor: FinalizeReplicated requires CopyCreate mode")
	}
	return a.finalize(ctx, ttl, verTTL, createTime, createServer, createID)
}

func (a *Accessor) finalize(ctx context.Context, ttl, verTTL time.Duration, createTime int64, createServer, createID uint32) error {
	now := a.clock.Now()
	deadTime := now.Add(ttl).Unix()
	verExpire := now.Add(verTTL).Unix()
	return a.finalizeAt(ctx, createTime, createServer, createID, int64(ttl.Seconds()), deadTime, int64(verTTL.Seconds()), verExpire)
}

// FinalizeRelocated republishes the open version with byte-identical
// metadata (dead-time, version expiry, TTLs, LWW identity) but a freshly
// written chunk tree — the compactor's relocation step (spec.md §4.9),
// which must evacuate a blob's records out of a heavily-garbaged file
// without otherwise changing anything about the version.
func (a *Accessor) FinalizeRelocated(ctx context.Context, deadTime, verExpire, ttlSeconds, verTTLSeconds, createTime int64, createServer, createID uint32) error {
	if a.mode != CopyCreate {
		return fmt.Errorf("accessor: FinalizeRelocated requires CopyCreate mode")
	}
	return a.finalizeAt(ctx, createTime, createServer, createID, ttlSeconds, deadTime, verTTLSeconds, verExpire)
}

func (a *Accessor) finalizeAt(ctx context.Context, createTime int64, createServer, createID uint32, ttlSeconds, deadTime, verTTLSeconds, verExpire int64) error {
	if !a.mode.isWriter() {
		return fmt.Errorf("accessor: Finalize on a non-writer accessor")
	}
	if a.finalized {
		return fmt.Errorf("accessor: Finalize called twice for %q", a.key)
	}

	root, depth, err := a.rootAndDepth(ctx)
	if err != nil {
		return err
	}

	hasPW := a.password != ""
	var hash [16]byte
	if hasPW {
		hash = hashPassword(a.password)
	}
	m := metaRecord{
		CreateTime:   createTime,
		CreateServer: createServer,
		CreateID:     createID,
		DeadTime:     deadTime,
		TTL:          ttlSeconds,
		Expire:       deadTime,
		VerTTL:       verTTLSeconds,
		VerExpire:    verExpire,
		Size:         a.totalSize,
		ChunkSize:    a.cfg.ChunkSize,
		MapSize:      a.cfg.MapSize,
		TreeDepth:    depth,
		HasPassword:  hasPW,
		PasswordHash: hash,
		Slot:         int32(a.slot),
		RootCoord:    root,
	}
	metaCoord, err := a.h.WriteRecord(ctx, heap.KindMeta, encodeMeta(m))
	if err != nil {
		return err
	}

	oldCoord := a.data.Coord
	if err := a.idx.UpdateCoord(a.slot, a.key, a.data, metaCoord, deadTime); err != nil {
		return err
	}
	if oldCoord != 0 {
		if err := a.garbageOldVersion(oldCoord); err != nil {
			return err
		}
	}

	a.meta = m
	a.metaKnown = true
	a.vm.release()
	a.finalized = true
	return nil
}

// Abort releases the writer lock without publishing anything, adding
// every chunk-data/chunk-map record written so far to the garbage tally
// (spec.md §4.3, "on failure path (abort), all written-but-unreferenced
// records are added to the garbage tally").
func (a *Accessor) Abort(ctx context.Context) error {
	if !a.mode.isWriter() || a.finalized {
		return nil
	}
	for lvl, coords := range a.levels {
		for _, c := range coords {
			if c == 0 {
				continue
			}
			if lvl == 0 {
				raw, err := a.h.GetRecord(c, heap.KindChunkData)
				if err != nil {
					continue
				}
				a.h.MarkGarbage(c, heap.RecordOverhead()+int64(len(raw)))
				continue
			}
			a.garbageNode(c, int32(lvl), a.cfg.MapSize)
		}
	}
	a.vm.release()
	a.finalized = true
	return nil
}

// DeleteBlob tombstones the open version: it adds the meta record and its
// whole chunk tree to the garbage tally and sets the Key Index entry's
// coordinate to 0 (spec.md §4.3). The accessor must be open in GCDelete
// mode.
func (a *Accessor) DeleteBlob(ctx context.Context, deadBefore int64) error {
	if a.mode != GCDelete {
		return fmt.Errorf("accessor: DeleteBlob requires GCDelete mode")
	}
	if !a.metaKnown {
		return fmt.Errorf("accessor: %w: %q", ncerr.ErrNotFound, a.key)
	}
	old := a.data.Coord
	if err := a.idx.UpdateCoord(a.slot, a.key, a.data, 0, 0); err != nil {
		return err
	}
	if err := a.garbageOldVersion(old); err != nil {
		return err
	}
	a.meta.Deleted = true
	a.vm.release()
	a.finalized = true
	return nil
}

func (a *Accessor) garbageOldVersion(oldCoord heap.Coord) error {
	raw, err := a.h.GetRecord(oldCoord, heap.KindMeta)
	if err != nil {
		return err
	}
	if err := a.h.MarkGarbage(oldCoord, heap.RecordOverhead()+int64(len(raw))); err != nil {
		return err
	}
	old, err := decodeMeta(raw)
	if err != nil {
		return err
	}
	if old.RootCoord == 0 {
		return nil
	}
	return a.garbageNode(old.RootCoord, old.TreeDepth, old.MapSize)
}

func (a *Accessor) garbageNode(coord heap.Coord, levelsLeft int32, mapSize int32) error {
	if levelsLeft == 0 {
		raw, err := a.h.GetRecord(coord, heap.KindChunkData)
		if err != nil {
			return err
		}
		return a.h.MarkGarbage(coord, heap.RecordOverhead()+int64(len(raw)))
	}
	raw, err := a.h.GetRecord(coord, heap.KindChunkMap)
	if err != nil {
		return err
	}
	mp, err := decodeChunkMap(raw)
	if err != nil {
		return err
	}
	if err := a.h.MarkGarbage(coord, heap.RecordOverhead()+int64(len(raw))); err != nil {
		return err
	}
	for _, c := range mp.Entries {
		if c == 0 {
			continue
		}
		if err := a.garbageNode(c, levelsLeft-1, mapSize); err != nil {
			return err
		}
	}
	return nil
}

// MaybeProlong implements prolong-on-read: if enabled and the current
// dead-time is less than half the TTL away, it writes a fresh meta record
// with a bumped dead-time and reports that a SyncProlong event should be
// emitted (spec.md §4.3). The Accessor must be Read mode. It takes the
// version manager's writer lock only if free — a busy writer means a
// Create is already in flight, and prolonging here would risk publishing
// a stale meta over it, so this round is skipped rather than blocking the
// reader.
func (a *Accessor) MaybeProlong(ctx context.Context, prolongOnRead bool) (prolonged bool, err error) {
	if a.mode != Read || !a.metaKnown {
		return false, nil
	}
	if !prolongOnRead || a.meta.TTL == 0 {
		return false, nil
	}
	now := a.clock.Now()
	remaining := a.meta.DeadTime - now.Unix()
	if remaining >= a.meta.TTL/2 {
		return false, nil
	}

	vm := a.data.EnsureVersionMgr(func() interface{} { return newVersionMgr() }).(*versionMgr)
	if !vm.tryAcquire() {
		return false, nil
	}
	defer vm.release()

	if a.data.Coord != a.coordAtOpen() {
		// a writer published a newer version between our read and here;
		// let the next read evaluate prolonging against it instead.
		return false, nil
	}

	if err := a.republishDeadTime(ctx, now.Unix()+a.meta.TTL); err != nil {
		return false, err
	}
	return true, nil
}

// ProlongTo republishes the open version's meta record with dead-time set
// to newDeadTime exactly, for the Sync Controller applying a peer's
// OpProlong event (spec.md §4.8): unlike MaybeProlong this is
// unconditional (the peer already decided a prolong happened) and blocks
// for the writer lock rather than skipping when busy, since a replayed
// event must be applied, not dropped. The Accessor must be Read mode.
func (a *Accessor) ProlongTo(ctx context.Context, newDeadTime int64) error {
	if a.mode != Read || !a.metaKnown {
		return fmt.Errorf("accessor: ProlongTo requires an open Read version for %q", a.key)
	}
	vm := a.data.EnsureVersionMgr(func() interface{} { return newVersionMgr() }).(*versionMgr)
	if err := vm.acquire(ctx); err != nil {
		return err
	}
	defer vm.release()
	return a.republishDeadTime(ctx, newDeadTime)
}

// republishDeadTime writes a fresh meta record identical to a.meta except
// for DeadTime, publishes it, and garbages the old meta record. Caller
// must hold the version manager's writer lock.
func (a *Accessor) republishDeadTime(ctx context.Context, newDeadTime int64) error {
	m := a.meta
	m.DeadTime = newDeadTime
	coord, err := a.h.WriteRecord(ctx, heap.KindMeta, encodeMeta(m))
	if err != nil {
		return err
	}
	oldCoord := a.data.Coord
	if err := a.idx.UpdateCoord(a.slot, a.key, a.data, coord, newDeadTime); err != nil {
		return err
	}
	if err := a.h.MarkGarbage(oldCoord, heap.RecordOverhead()+int64(metaRecordSize)); err != nil {
		return err
	}
	a.meta = m
	return nil
}
