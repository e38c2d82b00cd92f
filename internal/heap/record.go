package heap

import "encoding/binary"

// Kind is the on-disk record type. Every record is one of these four
// (spec.md §3, "Record kinds").
type Kind uint8

const (
	// KindNone marks padding left behind when a record wouldn't fit in
	// the remaining space of a sealed file.
	KindNone Kind = iota
	// KindMeta roots a blob's chunk tree and carries its version
	// metadata.
	KindMeta
	// KindChunkMap is an inner node of a blob's chunk tree.
	KindChunkMap
	// KindChunkData is a leaf: raw blob payload bytes.
	KindChunkData
)

func (k Kind) Valid() bool {
	return k == KindNone || k == KindMeta || k == KindChunkMap || k == KindChunkData
}

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindMeta:
		return "meta"
	case KindChunkMap:
		return "chunk-map"
	case KindChunkData:
		return "chunk-data"
	default:
		return "invalid"
	}
}

// headerSize is the fixed prefix every record carries: rec-num (u64),
// rec-size (u32, the size of the record's payload excluding this header),
// kind (u8), and 3 bytes of padding to keep the payload 8-byte aligned.
// spec.md §6 sketches a u16 rec-size; widened here to u32 because the
// default chunk-size (65536) and synced blob payloads already exceed
// what a u16 can hold (see the internal/heap entry of DESIGN.md).
const headerSize = 8 + 4 + 1 + 3

// RecordOverhead returns the fixed per-record header size, so callers that
// track garbage/used-size accounting themselves (internal/accessor,
// internal/gc) can compute a record's total on-disk footprint from the
// payload length they already know, without this package exposing its
// internal layout.
func RecordOverhead() int64 { return headerSize }

// putHeader encodes a record header at the start of buf, which must be at
// least headerSize bytes.
func putHeader(buf []byte, recNum uint64, recSize uint32, kind Kind) {
	binary.LittleEndian.PutUint64(buf[0:8], recNum)
	binary.LittleEndian.PutUint32(buf[8:12], recSize)
	buf[12] = byte(kind)
	buf[13], buf[14], buf[15] = 0, 0, 0
}

// header is the decoded form of a record's fixed prefix.
type header struct {
	RecNum  uint64
	RecSize uint32
	Kind    Kind
}

func getHeader(buf []byte) header {
	return header{
		RecNum:  binary.LittleEndian.Uint64(buf[0:8]),
		RecSize: binary.LittleEndian.Uint32(buf[8:12]),
		Kind:    Kind(buf[12]),
	}
}
