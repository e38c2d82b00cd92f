package heap

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// StreamKind distinguishes the two families of heap files: meta files
// (carrying meta and chunk-map records) and data files (carrying only
// chunk-data), per spec.md §4.1. One current-write file of each kind is
// always open, with one spare kept ready for non-blocking rollover.
type StreamKind int

const (
	StreamMeta StreamKind = iota
	StreamData
)

func (s StreamKind) String() string {
	if s == StreamMeta {
		return "meta"
	}
	return "data"
}

// Magic numbers distinguishing meta from data files, taken verbatim from
// the NCBI netcached original (src/app/netcache/nc_storage.cpp:
// kMetaSignature / kDataSignature) so an on-disk file's kind can always be
// told apart from its first 8 bytes alone.
const (
	MetaMagic uint64 = 0xeed5be66cdafbfa3
	DataMagic uint64 = 0xaf9bedf24cfa05ed
)

const magicSize = 8

// headerStart is the 8-byte magic plus an 8-byte persisted used-size
// counter, so a reopened file knows where its write cursor left off
// without having to replay every record in it.
const headerStart = magicSize + 8

func magicFor(kind StreamKind) uint64 {
	if kind == StreamMeta {
		return MetaMagic
	}
	return DataMagic
}

// file is one mmap'd, fixed-size heap file: a magic number, followed by a
// packed sequence of records.
type file struct {
	id   uint32
	kind StreamKind
	path string

	osFile *os.File
	data   []byte // mmap'd, PROT_READ|PROT_WRITE, MAP_SHARED
	size   int64

	// mu guards the size counters only (spec.md §5: "Each file's size
	// counters: short mutex (size update only)"); the write-coord
	// advance itself is serialized by the Heap-level per-stream mutex.
	mu       sync.Mutex
	usedSize int64
	garbSize int64
	sealed   bool
}

// createFile truncates a brand-new file to size bytes, writes its magic
// number, and mmaps it.
func createFile(path string, id uint32, kind StreamKind, size int64) (*file, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("heap: creating file %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("heap: truncating file %s to %d: %w", path, size, err)
	}
	hf, err := mmapOpenFile(f, path, id, kind, size)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	binary.LittleEndian.PutUint64(hf.data[:magicSize], magicFor(kind))
	hf.usedSize = headerStart
	hf.putUsedSize(headerStart)
	return hf, nil
}

// openFile mmaps an existing file, validating its magic number matches
// kind.
func openFile(path string, id uint32, kind StreamKind) (*file, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("heap: opening file %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("heap: stat file %s: %w", path, err)
	}
	hf, err := mmapOpenFile(f, path, id, kind, fi.Size())
	if err != nil {
		return nil, err
	}
	got := binary.LittleEndian.Uint64(hf.data[:magicSize])
	if got != magicFor(kind) {
		hf.close()
		return nil, fmt.Errorf("heap: file %s has wrong magic %x, expected %x", path, got, magicFor(kind))
	}
	hf.usedSize = int64(binary.LittleEndian.Uint64(hf.data[magicSize:headerStart]))
	return hf, nil
}

// putUsedSize persists the current write-cursor position into the file's
// header so a restart doesn't need to replay every record to find it.
// Caller must hold f.mu or otherwise guarantee exclusive access.
func (f *file) putUsedSize(size int64) {
	binary.LittleEndian.PutUint64(f.data[magicSize:headerStart], uint64(size))
}

func mmapOpenFile(f *os.File, path string, id uint32, kind StreamKind, size int64) (*file, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("heap: mmap file %s: %w", path, err)
	}
	return &file{
		id:     id,
		kind:   kind,
		path:   path,
		osFile: f,
		data:   data,
		size:   size,
	}, nil
}

// room reports how many bytes are free at the end of the file's
// write-cursor, given the cursor currently sits at offset.
func (f *file) room(offset uint32) int64 {
	return f.size - int64(offset)
}

// msync flushes this file's mapped region to disk. There is no per-write
// durability guarantee (spec.md §4.1); this is called periodically by the
// Heap's flush loop.
func (f *file) msync() error {
	if err := unix.Msync(f.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("heap: msync file %s: %w", f.path, err)
	}
	return nil
}

func (f *file) close() error {
	var err error
	if f.data != nil {
		if uerr := unix.Munmap(f.data); uerr != nil {
			err = uerr
		}
		f.data = nil
	}
	if cerr := f.osFile.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// addGarbage increments the garbage tally and decrements used-size by the
// same amount, enforcing invariant 4 of spec.md §3: used-size + garb-size
// must never exceed file-size. An underflow means the caller double-freed
// a record and is a programming error, not a recoverable condition.
func (f *file) addGarbage(size int64) (newUsed, newGarb int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size > f.usedSize {
		return f.usedSize, f.garbSize, fmt.Errorf("heap: file %s: garbage %d exceeds used size %d", f.path, size, f.usedSize)
	}
	f.usedSize -= size
	f.garbSize += size
	f.putUsedSize(f.usedSize)
	return f.usedSize, f.garbSize, nil
}

func (f *file) sizes() (used, garb int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usedSize, f.garbSize
}
