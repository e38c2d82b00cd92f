package accessor

import (
	"context"
	"fmt"
	"sync"

	"netcache/internal/clock"
	"netcache/internal/heap"
	"netcache/internal/keyindex"
	"netcache/internal/ncerr"
)

// Mode is a Blob Accessor's access mode (spec.md §4.3).
type Mode int

const (
	// Read opens the blob's current version for reading. Multiple Read
	// accessors, and one concurrent writer, may be open at once.
	Read Mode = iota
	// Create opens a brand-new version for writing, replacing whatever
	// version currently exists (or creating the key if none does).
	Create
	// CopyCreate is Create as applied by the Sync Controller replaying a
	// peer's event, distinguished so callers can tell local writes from
	// replicated ones in logging/stats.
	CopyCreate
	// GCDelete opens a version for the GC walker's DeleteBlob call.
	GCDelete
)

func (m Mode) isWriter() bool { return m != Read }

// versionMgr is the at-most-one-writer-per-key coordinator installed onto
// a keyindex.CacheData entry (spec.md §4.3: "if a version manager already
// holds the entry, the accessor enqueues itself and suspends until
// released").
type versionMgr struct {
	writerSem chan struct{}
}

func newVersionMgr() *versionMgr {
	vm := &versionMgr{writerSem: make(chan struct{}, 1)}
	vm.writerSem <- struct{}{}
	return vm
}

func (vm *versionMgr) acquire(ctx context.Context) error {
	select {
	case <-vm.writerSem:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (vm *versionMgr) release() {
	vm.writerSem <- struct{}{}
}

// tryAcquire takes the writer lock only if it is free, for callers (like
// prolong-on-read) that would rather skip this round than block a reader.
func (vm *versionMgr) tryAcquire() bool {
	select {
	case <-vm.writerSem:
		return true
	default:
		return false
	}
}

// Config is the subset of config.Settings a newly-constructed Accessor
// defaults from when it creates a brand-new version.
type Config struct {
	ChunkSize   int32
	MapSize     int32
	MaxMapDepth int
	DefaultTTL  int64 // seconds
}

// Accessor is one open handle onto a blob version.
type Accessor struct {
	h     *heap.Heap
	idx   *keyindex.Index
	clock clock.Source
	cfg   Config

	slot     int
	key      string
	mode     Mode
	password string
	server   uint32
	nextID   *uint32Counter

	data *keyindex.CacheData
	vm   *versionMgr

	meta      metaRecord
	metaKnown bool // false only for Create of a brand-new key
	openCoord heap.Coord

	// write path
	levels    [][]heap.Coord
	nextChunk int
	totalSize int64
	finalized bool

	// read path
	mapCache map[heap.Coord]chunkMapRecord
}

// uint32Counter is a tiny mutex-guarded per-server counter for create-id
// assignment, shared by every accessor a node opens.
type uint32Counter struct {
	mu sync.Mutex
	n  uint32
}

func (c *uint32Counter) next() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

// NewCounter returns a fresh per-server create-id counter.
func NewCounter() *uint32Counter { return &uint32Counter{} }

// Counter is the exported name for the per-server create-id counter
// type, so callers that need to hold one in a struct field (e.g.
// internal/synccontroller's HeapStore, which shares the same counter
// local writes use) can name it.
type Counter = uint32Counter

// Open constructs an Accessor for {slot, key, password, mode}. For Read it
// returns ncerr.ErrNotFound if no live version exists. For Create/
// CopyCreate/GCDelete it blocks (respecting ctx) until any other writer
// for the same key releases it.
func Open(ctx context.Context, h *heap.Heap, idx *keyindex.Index, cl clock.Source, cfg Config, serverID uint32, counter *uint32Counter, slot int, key, password string, mode Mode) (*Accessor, error) {
	a := &Accessor{
		h: h, idx: idx, clock: cl, cfg: cfg,
		slot: slot, key: key, mode: mode, password: password,
		server: serverID, nextID: counter,
		mapCache: make(map[heap.Coord]chunkMapRecord),
	}

	var create func() *keyindex.CacheData
	if mode == Create || mode == CopyCreate {
		create = func() *keyindex.CacheData { return &keyindex.CacheData{} }
	}
	data, _, err := idx.LookupOrCreate(slot, key, create)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("accessor: %w: key %q", ncerr.ErrNotFound, key)
	}
	a.data = data

	if mode.isWriter() {
		vm := data.EnsureVersionMgr(func() interface{} { return newVersionMgr() }).(*versionMgr)
		if err := vm.acquire(ctx); err != nil {
			return nil, err
		}
		a.vm = vm
	}

	if data.Coord != 0 {
		raw, err := h.GetRecord(data.Coord, heap.KindMeta)
		if err != nil {
			if mode.isWriter() {
				a.vm.release()
			}
			return nil, err
		}
		m, err := decodeMeta(raw)
		if err != nil {
			if mode.isWriter() {
				a.vm.release()
			}
			return nil, err
		}
		if m.Deleted && mode == Read {
			return nil, fmt.Errorf("accessor: %w: key %q", ncerr.ErrNotFound, key)
		}
		a.meta = m
		a.metaKnown = true
		a.openCoord = data.Coord
	} else if mode == Read || mode == GCDelete {
		if mode.isWriter() {
			a.vm.release()
		}
		return nil, fmt.Errorf("accessor: %w: key %q", ncerr.ErrNotFound, key)
	}

	if mode == Create || mode == CopyCreate {
		a.levels = make([][]heap.Coord, cfg.MaxMapDepth+1)
	}
	return a, nil
}

// CheckPassword enforces policy and the presented password against the
// open version's stored hash. Read mode only; a Create's password is
// hashed into the new meta record by Finalize instead.
func (a *Accessor) CheckPassword(policy PasswordPolicy) error {
	if !a.metaKnown {
		return fmt.Errorf("accessor: %w: no version open", ncerr.ErrNotFound)
	}
	if !policy.allows(a.meta.HasPassword) {
		return fmt.Errorf("accessor: %w: password policy violation", ncerr.ErrAuth)
	}
	if a.meta.HasPassword && !passwordMatches(a.password, a.meta.PasswordHash) {
		return fmt.Errorf("accessor: %w: password mismatch for %q", ncerr.ErrAuth, a.key)
	}
	return nil
}

// GetSize returns the blob's total payload size.
func (a *Accessor) GetSize() int64 { return a.meta.Size }

// GetCurBlobCreateTime returns the open version's create-time (usec).
func (a *Accessor) GetCurBlobCreateTime() int64 { return a.meta.CreateTime }

// GetDeadTime returns the open version's current expiry.
func (a *Accessor) GetDeadTime() int64 { return a.meta.DeadTime }

// GetChunkSize returns the open version's chunk size, for callers (the
// compactor) that need to re-read a blob in the same chunking it was
// written with.
func (a *Accessor) GetChunkSize() int32 { return a.meta.ChunkSize }

// GetCreateServer and GetCreateID return the open version's LWW identity
// fields, for the compactor's CopyCreate republish (FinalizeReplicated
// must preserve these exactly).
func (a *Accessor) GetCreateServer() uint32 { return a.meta.CreateServer }
func (a *Accessor) GetCreateID() uint32     { return a.meta.CreateID }

// GetTTL returns the open version's TTL in seconds, as stored on its
// meta record.
func (a *Accessor) GetTTL() int64 { return a.meta.TTL }

func (a *Accessor) coordAtOpen() heap.Coord { return a.openCoord }

// Close releases the writer lock, if this accessor holds one, without
// publishing anything. Callers that already called Finalize or DeleteBlob
// must not call Close again.
func (a *Accessor) Close() {
	if a.vm != nil && !a.finalized {
		a.vm.release()
		a.finalized = true
	}
}
