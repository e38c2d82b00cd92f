package heap

// Coord is a 64-bit record-heap coordinate: the upper 32 bits are a
// 1-based file-id, the lower 32 bits an offset into that file. Zero means
// "absent" (spec.md §3, "Record heap coordinate"). Files never exceed 4
// GiB, so a uint32 offset always suffices.
type Coord uint64

// NewCoord packs a file-id and offset into a Coord. fileID must be >= 1;
// NewCoord(0, ...) is reserved for the absent coordinate.
func NewCoord(fileID uint32, offset uint32) Coord {
	return Coord(uint64(fileID)<<32 | uint64(offset))
}

// FileID returns the 1-based file-id component.
func (c Coord) FileID() uint32 { return uint32(c >> 32) }

// Offset returns the in-file byte offset component.
func (c Coord) Offset() uint32 { return uint32(c) }

// Valid reports whether c is not the zero "absent" coordinate. It does not
// by itself prove the coordinate resolves to a live record — see
// invariant 1 in spec.md §3, checked by Heap.GetRecord.
func (c Coord) Valid() bool { return c != 0 }
