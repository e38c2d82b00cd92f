package gc

import (
	"context"
	"errors"
	"sort"

	"netcache/internal/accessor"
	"netcache/internal/heap"
	"netcache/internal/ncerr"
)

// CompactOnce runs at most one compaction pass: if the heap is over its
// garbage threshold, picks the eligible file with the highest garbage
// ratio and relocates its still-live records elsewhere (spec.md §4.9).
// Only blobs whose current meta record lies in the chosen file are moved
// (see relocateFile); when the chosen file is a data file, nothing is moved
// out of it.
// slots lists every slot self serves, since a live blob's current meta
// can only be found by walking the Key Index of the slot it belongs to.
func (c *Collector) CompactOnce(ctx context.Context, slots []int) error {
	files := c.h.FileStats()
	var curSize, totalGarbage int64
	for _, f := range files {
		curSize += f.Used
		totalGarbage += f.Garbage
	}
	if curSize < c.cfg.MinDBSize {
		return nil
	}
	if totalGarbage == 0 || float64(totalGarbage)*100/float64(curSize+totalGarbage) <= float64(c.cfg.MaxGarbagePct) {
		return nil
	}

	target, ok := c.pickCandidate(files)
	if !ok {
		return nil
	}

	c.lastAttemptMu.Lock()
	c.lastAttempt[target.ID] = c.clock.Now()
	c.lastAttemptMu.Unlock()

	return c.relocateFile(ctx, target.ID, slots)
}

// pickCandidate returns the non-writable file with the highest garbage
// ratio whose last compaction attempt (if any) is older than MinMoveLife.
func (c *Collector) pickCandidate(files []heap.FileInfo) (heap.FileInfo, bool) {
	now := c.clock.Now()

	c.lastAttemptMu.Lock()
	defer c.lastAttemptMu.Unlock()

	eligible := make([]heap.FileInfo, 0, len(files))
	for _, f := range files {
		if f.Writable || f.Garbage == 0 {
			continue
		}
		if last, ok := c.lastAttempt[f.ID]; ok && now.Sub(last) < c.cfg.MinMoveLife {
			continue
		}
		eligible = append(eligible, f)
	}
	if len(eligible) == 0 {
		return heap.FileInfo{}, false
	}
	sort.Slice(eligible, func(i, j int) bool {
		ri := float64(eligible[i].Garbage) / float64(eligible[i].Used+eligible[i].Garbage+1)
		rj := float64(eligible[j].Garbage) / float64(eligible[j].Used+eligible[j].Garbage+1)
		return ri > rj
	})
	return eligible[0], true
}

// relocateFile finds every live key across slots whose current meta
// record sits in fileID and republishes it elsewhere via the Blob
// Accessor in CopyCreate mode, preserving dead-time and LWW identity
// exactly (spec.md §4.9: "relocating each live record whose blob's
// remaining TTL exceeds MinMoveLife"). A blob whose remaining TTL is too
// short is left in place — it will expire out from under the file on its
// own before another compaction attempt is due.
//
// This evacuates a blob's whole chunk tree in one step rather than
// relocating individual chunk-map/chunk-data records in place with a
// single parent-slot patch (the original engine's approach): the UpCoord
// field of this heap's chunk-map and chunk-data records is always written
// as 0 (see DESIGN.md), so a per-record relocation has no back-pointer to
// follow. Rewriting
// through the accessor reuses machinery already proven correct for
// replicated writes and achieves the same end state — fileID's live bytes
// end up elsewhere and it can be unlinked once drained.
func (c *Collector) relocateFile(ctx context.Context, fileID uint32, slots []int) error {
	now := c.clock.Now().Unix()
	var scanned int64

	for _, slotNum := range slots {
		keys, err := c.idx.Keys(slotNum)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if scanned >= c.cfg.MaxShrinkScanSize {
				return nil
			}
			d, err := c.idx.Get(slotNum, key)
			if err != nil || d == nil {
				continue
			}
			if d.Coord.FileID() != fileID {
				continue
			}
			if d.DeadTime-now <= int64(c.cfg.MinMoveLife.Seconds()) {
				continue
			}
			moved, err := c.relocateOne(ctx, slotNum, key)
			if err != nil {
				c.logger.Printf("gc: relocating %q in slot %d: %v", key, slotNum, err)
				continue
			}
			scanned += moved
		}
	}

	return c.maybeRemoveDrained(fileID)
}

// relocateOne republishes one blob's chunk tree to fresh coordinates,
// returning the number of payload bytes copied.
func (c *Collector) relocateOne(ctx context.Context, slotNum int, key string) (int64, error) {
	src, err := accessor.Open(ctx, c.h, c.idx, c.clock, c.accCfg, c.server, c.ctr, slotNum, key, "", accessor.Read)
	if err != nil {
		if errors.Is(err, ncerr.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	defer src.Close()

	size := src.GetSize()
	chunkSize := int64(src.GetChunkSize())
	if chunkSize <= 0 {
		chunkSize = 65536
	}
	deadTime := src.GetDeadTime()
	ttl := src.GetTTL()
	createTime := src.GetCurBlobCreateTime()
	createServer := src.GetCreateServer()
	createID := src.GetCreateID()

	dst, err := accessor.Open(ctx, c.h, c.idx, c.clock, c.accCfg, c.server, c.ctr, slotNum, key, "", accessor.CopyCreate)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, chunkSize)
	var chunkNum int64
	for off := int64(0); off < size || chunkNum == 0; off += chunkSize {
		n, err := src.ReadChunk(ctx, chunkNum, buf)
		if err != nil {
			_ = dst.Abort(ctx)
			return 0, err
		}
		if err := dst.WriteChunk(ctx, chunkNum, buf[:n]); err != nil {
			_ = dst.Abort(ctx)
			return 0, err
		}
		chunkNum++
		if size == 0 {
			break
		}
	}

	if err := dst.FinalizeRelocated(ctx, deadTime, deadTime, ttl, ttl, createTime, createServer, createID); err != nil {
		return 0, err
	}
	if c.stats != nil {
		c.stats.BlobsCompacted.Add(1)
	}
	return size, nil
}

// maybeRemoveDrained unlinks fileID once every live record has vacated it
// (spec.md §4.9: "a file that reaches used-size = 0 is unmapped,
// unlinked, and removed from the index").
func (c *Collector) maybeRemoveDrained(fileID uint32) error {
	for _, f := range c.h.FileStats() {
		if f.ID != fileID {
			continue
		}
		if f.Writable || f.Used > 0 {
			return nil
		}
		return c.h.RemoveFile(fileID)
	}
	return nil
}
