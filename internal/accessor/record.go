// Package accessor is the Blob Accessor: the handle through which every
// blob read and write passes, walking the chunk-map tree rooted at a
// meta record's coordinate (spec.md §4.3).
//
// Grounded on pkg/blobserver/diskpacked's append-then-publish write
// discipline (write the payload, then atomically flip the index entry to
// point at it) generalized from "one flat record per blob" to "a tree of
// chunk-map/chunk-data records per blob", per spec.md §3's chunk-map tree
// data model.
package accessor

import (
	"encoding/binary"
	"fmt"

	"netcache/internal/heap"
)

// metaRecord is the decoded form of a KindMeta record: the root of one
// blob version (spec.md §3's version-record field list).
type metaRecord struct {
	CreateTime   int64
	CreateServer uint32
	CreateID     uint32
	DeadTime     int64
	TTL          int64
	Expire       int64
	VerTTL       int64
	VerExpire    int64
	Size         int64
	ChunkSize    int32
	MapSize      int32
	TreeDepth    int32
	HasPassword  bool
	PasswordHash [16]byte
	Slot         int32
	RootCoord    heap.Coord
	Deleted      bool
}

const metaRecordSize = 8 + 4 + 4 + 8 + 8 + 8 + 8 + 8 + 8 + 4 + 4 + 4 + 1 + 16 + 4 + 8 + 1

func encodeMeta(m metaRecord) []byte {
	buf := make([]byte, metaRecordSize)
	i := 0
	putI64 := func(v int64) { binary.LittleEndian.PutUint64(buf[i:], uint64(v)); i += 8 }
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(buf[i:], v); i += 4 }
	putI32 := func(v int32) { binary.LittleEndian.PutUint32(buf[i:], uint32(v)); i += 4 }

	putI64(m.CreateTime)
	putU32(m.CreateServer)
	putU32(m.CreateID)
	putI64(m.DeadTime)
	putI64(m.TTL)
	putI64(m.Expire)
	putI64(m.VerTTL)
	putI64(m.VerExpire)
	putI64(m.Size)
	putI32(m.ChunkSize)
	putI32(m.MapSize)
	putI32(m.TreeDepth)
	if m.HasPassword {
		buf[i] = 1
	}
	i++
	copy(buf[i:i+16], m.PasswordHash[:])
	i += 16
	putI32(m.Slot)
	putI64(int64(m.RootCoord))
	if m.Deleted {
		buf[i] = 1
	}
	i++
	return buf
}

func decodeMeta(buf []byte) (metaRecord, error) {
	if len(buf) != metaRecordSize {
		return metaRecord{}, fmt.Errorf("accessor: meta record has %d bytes, want %d", len(buf), metaRecordSize)
	}
	var m metaRecord
	i := 0
	getI64 := func() int64 { v := int64(binary.LittleEndian.Uint64(buf[i:])); i += 8; return v }
	getU32 := func() uint32 { v := binary.LittleEndian.Uint32(buf[i:]); i += 4; return v }
	getI32 := func() int32 { v := int32(binary.LittleEndian.Uint32(buf[i:])); i += 4; return v }

	m.CreateTime = getI64()
	m.CreateServer = getU32()
	m.CreateID = getU32()
	m.DeadTime = getI64()
	m.TTL = getI64()
	m.Expire = getI64()
	m.VerTTL = getI64()
	m.VerExpire = getI64()
	m.Size = getI64()
	m.ChunkSize = getI32()
	m.MapSize = getI32()
	m.TreeDepth = getI32()
	m.HasPassword = buf[i] != 0
	i++
	copy(m.PasswordHash[:], buf[i:i+16])
	i += 16
	m.Slot = getI32()
	m.RootCoord = heap.Coord(uint64(getI64()))
	m.Deleted = buf[i] != 0
	i++
	return m, nil
}

// chunkMapRecord is a KindChunkMap node: up to MapSize child coordinates,
// each spanning an equal share of the blob's chunks (spec.md §3's
// "up-coord" back-pointer plus the entry list).
type chunkMapRecord struct {
	UpCoord heap.Coord
	Entries []heap.Coord
}

func encodeChunkMap(m chunkMapRecord) []byte {
	buf := make([]byte, 8+4+8*len(m.Entries))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.UpCoord))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(m.Entries)))
	for i, c := range m.Entries {
		binary.LittleEndian.PutUint64(buf[12+8*i:], uint64(c))
	}
	return buf
}

func decodeChunkMap(buf []byte) (chunkMapRecord, error) {
	if len(buf) < 12 {
		return chunkMapRecord{}, fmt.Errorf("accessor: chunk-map record too short (%d bytes)", len(buf))
	}
	up := heap.Coord(binary.LittleEndian.Uint64(buf[0:8]))
	n := binary.LittleEndian.Uint32(buf[8:12])
	if len(buf) != int(12+8*n) {
		return chunkMapRecord{}, fmt.Errorf("accessor: chunk-map record length mismatch (%d entries, %d bytes)", n, len(buf))
	}
	entries := make([]heap.Coord, n)
	for i := range entries {
		entries[i] = heap.Coord(binary.LittleEndian.Uint64(buf[12+8*i:]))
	}
	return chunkMapRecord{UpCoord: up, Entries: entries}, nil
}

// chunkDataRecord is a KindChunkData leaf: raw payload plus its up-coord.
type chunkDataRecord struct {
	UpCoord heap.Coord
	Payload []byte
}

func encodeChunkData(d chunkDataRecord) []byte {
	buf := make([]byte, 8+len(d.Payload))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(d.UpCoord))
	copy(buf[8:], d.Payload)
	return buf
}

func decodeChunkData(buf []byte) (chunkDataRecord, error) {
	if len(buf) < 8 {
		return chunkDataRecord{}, fmt.Errorf("accessor: chunk-data record too short (%d bytes)", len(buf))
	}
	up := heap.Coord(binary.LittleEndian.Uint64(buf[0:8]))
	payload := make([]byte, len(buf)-8)
	copy(payload, buf[8:])
	return chunkDataRecord{UpCoord: up, Payload: payload}, nil
}
