package accessor

import (
	"context"
	"fmt"

	"netcache/internal/heap"
)

func ipow(base int32, exp int) int64 {
	r := int64(1)
	b := int64(base)
	for i := 0; i < exp; i++ {
		r *= b
	}
	return r
}

// ReadChunk walks the chunk-map tree from the open version's root down to
// the leaf holding chunkNum, copying its payload into buf (which must be
// at least chunk-size bytes). It returns the number of bytes copied.
// Intermediate chunk-map nodes are cached in the accessor so a sequential
// scan of one blob visits each non-leaf map exactly once (spec.md §4.3).
func (a *Accessor) ReadChunk(ctx context.Context, chunkNum int64, buf []byte) (int, error) {
	if !a.metaKnown {
		return 0, fmt.Errorf("accessor: no version open for %q", a.key)
	}
	if a.meta.RootCoord == 0 {
		return 0, fmt.Errorf("accessor: %q has no chunks", a.key)
	}

	coord := a.meta.RootCoord
	remaining := chunkNum
	levelsLeft := int(a.meta.TreeDepth)
	for levelsLeft > 0 {
		mp, err := a.getChunkMap(coord)
		if err != nil {
			return 0, err
		}
		span := ipow(a.meta.MapSize, levelsLeft-1)
		idx := remaining / span
		if idx < 0 || int(idx) >= len(mp.Entries) {
			return 0, fmt.Errorf("accessor: chunk %d out of range for %q", chunkNum, a.key)
		}
		coord = mp.Entries[idx]
		remaining %= span
		levelsLeft--
	}

	raw, err := a.h.GetRecord(coord, heap.KindChunkData)
	if err != nil {
		return 0, err
	}
	cd, err := decodeChunkData(raw)
	if err != nil {
		return 0, err
	}
	n := copy(buf, cd.Payload)
	return n, nil
}

func (a *Accessor) getChunkMap(coord heap.Coord) (chunkMapRecord, error) {
	if mp, ok := a.mapCache[coord]; ok {
		return mp, nil
	}
	raw, err := a.h.GetRecord(coord, heap.KindChunkMap)
	if err != nil {
		return chunkMapRecord{}, err
	}
	mp, err := decodeChunkMap(raw)
	if err != nil {
		return chunkMapRecord{}, err
	}
	a.mapCache[coord] = mp
	return mp, nil
}

// WriteChunk appends chunkNum's data as a chunk-data record and threads
// its coordinate up through the accessor's in-progress chunk-map levels,
// flushing a level into its own chunk-map record once it fills to
// cfg.MapSize entries (spec.md §4.3). Chunks must be written in order
// starting at 0.
func (a *Accessor) WriteChunk(ctx context.Context, chunkNum int64, payload []byte) error {
	if !a.mode.isWriter() {
		return fmt.Errorf("accessor: WriteChunk on a non-writer accessor")
	}
	if chunkNum != int64(a.nextChunk) {
		return fmt.Errorf("accessor: out-of-order chunk %d, expected %d", chunkNum, a.nextChunk)
	}
	dataCoord, err := a.h.WriteRecord(ctx, heap.KindChunkData, encodeChunkData(chunkDataRecord{Payload: payload}))
	if err != nil {
		return err
	}
	a.nextChunk++
	a.totalSize += int64(len(payload))
	return a.pushLevel(ctx, 0, dataCoord)
}

func (a *Accessor) pushLevel(ctx context.Context, lvl int, coord heap.Coord) error {
	if lvl >= len(a.levels) {
		return fmt.Errorf("accessor: %q's chunk tree exceeded max depth %d", a.key, len(a.levels)-1)
	}
	a.levels[lvl] = append(a.levels[lvl], coord)
	if len(a.levels[lvl]) < int(a.cfg.MapSize) {
		return nil
	}
	mapCoord, err := a.flushLevel(ctx, lvl)
	if err != nil {
		return err
	}
	a.levels[lvl] = nil
	return a.pushLevel(ctx, lvl+1, mapCoord)
}

func (a *Accessor) flushLevel(ctx context.Context, lvl int) (heap.Coord, error) {
	entries := a.levels[lvl]
	return a.h.WriteRecord(ctx, heap.KindChunkMap, encodeChunkMap(chunkMapRecord{Entries: entries}))
}

// rootAndDepth collapses whatever partially-filled levels remain into a
// single root coordinate plus the tree's depth (number of chunk-map hops
// from root to a leaf chunk-data record; 0 for a single-chunk blob), for
// Finalize to store in the meta record.
func (a *Accessor) rootAndDepth(ctx context.Context) (heap.Coord, int32, error) {
	for lvl := 0; lvl < len(a.levels); lvl++ {
		if len(a.levels[lvl]) == 0 {
			continue
		}
		aboveEmpty := true
		for j := lvl + 1; j < len(a.levels); j++ {
			if len(a.levels[j]) > 0 {
				aboveEmpty = false
				break
			}
		}
		if aboveEmpty && len(a.levels[lvl]) == 1 {
			return a.levels[lvl][0], int32(lvl), nil
		}
		if aboveEmpty && lvl == len(a.levels)-1 {
			return 0, 0, fmt.Errorf("accessor: %q's chunk tree exceeded max depth %d", a.key, len(a.levels)-1)
		}
		mapCoord, err := a.flushLevel(ctx, lvl)
		if err != nil {
			return 0, 0, err
		}
		a.levels[lvl] = nil
		if err := a.pushLevel(ctx, lvl+1, mapCoord); err != nil {
			return 0, 0, err
		}
	}
	return 0, 0, nil
}
