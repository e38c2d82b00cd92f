// Package heap implements the record heap: the append-only, mmap'd storage
// engine at the bottom of the storage stack (spec.md §3, "Record Heap").
// Every meta, chunk-map and chunk-data record any blob ever needs lives
// here, addressed only by its packed Coord; nothing in this package knows
// what a blob or a key is.
//
// Grounded on two teacher patterns: pkg/blobserver/diskpacked's
// append-only file-with-rollover design (current file + lock file, new
// file opened once the current one is full) for the overall write-path
// shape, and calvinalkan-agent-task/pkg/slotcache's direct
// syscall/golang.org/x/sys mmap usage for the actual file representation
// (diskpacked itself never mmaps).
package heap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"netcache/internal/clock"
	"netcache/internal/ncerr"
	"netcache/internal/stats"
)

// Logger is the minimal logging surface Heap needs, satisfied by the
// standard library's *log.Logger (spec.md's ambient logging stack, see
// SPEC_FULL.md §A.1).
type Logger interface {
	Printf(format string, v ...interface{})
}

// Config is the subset of config.Settings the heap needs to operate,
// passed explicitly rather than depending on the config package so this
// package stays testable without constructing a full Settings value.
type Config struct {
	Path          string
	Prefix        string
	EachFileSize  int64
	MaxIOWaitTime time.Duration
	FlushPeriod   time.Duration
}

// streamState tracks the current and spare write file for one of the two
// record families. sem serializes the write-coordinate advance for the
// stream: spec.md §5 calls for "one mutex per active write stream (meta,
// data)", separate from each file's own size-counter mutex.
type streamState struct {
	// sem is a 1-buffered channel used as a timeout-acquirable mutex: a
	// plain sync.Mutex can't be acquired with a deadline, and spawning a
	// goroutine per call to get one would leak the lock forever if the
	// caller gave up while the goroutine was still blocked on Lock.
	sem     chan struct{}
	current *file
	spare   *file // nil until background preparation finishes
	offset  uint32
}

func newStreamState() streamState {
	s := streamState{sem: make(chan struct{}, 1)}
	s.sem <- struct{}{}
	return s
}

// acquire takes the stream's write lock, giving up with ncerr.ErrTimeout
// if it isn't free within timeout or ctx is done first.
func (s *streamState) acquire(ctx context.Context, timeout time.Duration) error {
	select {
	case <-s.sem:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("heap: %w: waiting for stream lock", ncerr.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *streamState) release() {
	s.sem <- struct{}{}
}

// Heap is the record-heap engine for one node. It owns every on-disk heap
// file and the two write streams.
type Heap struct {
	cfg    Config
	clock  clock.Source
	logger Logger
	stats  *stats.Sink
	fatal  ncerr.Fataler

	filesMu sync.RWMutex
	files   map[uint32]*file
	nextID  atomic.Uint32

	nextRecNum atomic.Uint64

	meta streamState
	data streamState

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open opens (or creates, if empty) the record heap rooted at cfg.Path.
// It does not replay any records into a key index, and no caller in this
// module does either; Files and ReadAt expose the files for such a scan.
func Open(cfg Config, cl clock.Source, logger Logger, st *stats.Sink, fatal ncerr.Fataler) (*Heap, error) {
	if cfg.EachFileSize <= 0 {
		cfg.EachFileSize = 100 << 20
	}
	if cfg.MaxIOWaitTime <= 0 {
		cfg.MaxIOWaitTime = 5 * time.Second
	}
	if cfg.FlushPeriod <= 0 {
		cfg.FlushPeriod = 3 * time.Second
	}
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("heap: creating storage dir %s: %w", cfg.Path, err)
	}

	h := &Heap{
		cfg:    cfg,
		clock:  cl,
		logger: logger,
		stats:  st,
		fatal:  fatal,
		files:  make(map[uint32]*file),
		meta:   newStreamState(),
		data:   newStreamState(),
		stopCh: make(chan struct{}),
	}

	metaFiles, dataFiles, maxID, err := h.scanExisting()
	if err != nil {
		return nil, err
	}
	h.nextID.Store(maxID)

	if len(metaFiles) == 0 {
		f, err := h.newFile(StreamMeta)
		if err != nil {
			return nil, err
		}
		metaFiles = append(metaFiles, f)
	}
	if len(dataFiles) == 0 {
		f, err := h.newFile(StreamData)
		if err != nil {
			return nil, err
		}
		dataFiles = append(dataFiles, f)
	}
	h.meta.current = metaFiles[len(metaFiles)-1]
	h.data.current = dataFiles[len(dataFiles)-1]
	h.meta.offset = uint32(h.meta.current.usedSize)
	h.data.offset = uint32(h.data.current.usedSize)

	h.wg.Add(2)
	go h.spareLoop()
	go h.flushLoop()

	return h, nil
}

// scanExisting opens every <prefix>_meta_<id> / <prefix>_data_<id> file
// already on disk, in ascending id order, and reports the highest id seen.
func (h *Heap) scanExisting() (metaFiles, dataFiles []*file, maxID uint32, err error) {
	entries, err := os.ReadDir(h.cfg.Path)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("heap: reading storage dir %s: %w", h.cfg.Path, err)
	}
	type found struct {
		id   uint32
		kind StreamKind
		name string
	}
	var all []found
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var id uint32
		var kind StreamKind
		name := e.Name()
		metaPrefix := h.cfg.Prefix + "meta_"
		dataPrefix := h.cfg.Prefix + "data_"
		switch {
		case len(name) > len(metaPrefix) && name[:len(metaPrefix)] == metaPrefix:
			kind = StreamMeta
			if _, err := fmt.Sscanf(name[len(metaPrefix):], "%d", &id); err != nil {
				continue
			}
		case len(name) > len(dataPrefix) && name[:len(dataPrefix)] == dataPrefix:
			kind = StreamData
			if _, err := fmt.Sscanf(name[len(dataPrefix):], "%d", &id); err != nil {
				continue
			}
		default:
			continue
		}
		all = append(all, found{id, kind, name})
	}
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j-1].id > all[j].id; j-- {
			all[j-1], all[j] = all[j], all[j-1]
		}
	}
	for _, f := range all {
		hf, err := openFile(filepath.Join(h.cfg.Path, f.name), f.id, f.kind)
		if err != nil {
			return nil, nil, 0, err
		}
		h.filesMu.Lock()
		h.files[f.id] = hf
		h.filesMu.Unlock()
		if f.id > maxID {
			maxID = f.id
		}
		if f.kind == StreamMeta {
			metaFiles = append(metaFiles, hf)
		} else {
			dataFiles = append(dataFiles, hf)
		}
	}
	return metaFiles, dataFiles, maxID, nil
}

func (h *Heap) newFile(kind StreamKind) (*file, error) {
	id := h.nextID.Add(1)
	name := fmt.Sprintf("%s%s_%d", h.cfg.Prefix, kind, id)
	f, err := createFile(filepath.Join(h.cfg.Path, name), id, kind, h.cfg.EachFileSize)
	if err != nil {
		return nil, err
	}
	h.filesMu.Lock()
	h.files[id] = f
	h.filesMu.Unlock()
	if h.stats != nil {
		h.stats.FilesCreated.Add(1)
	}
	return f, nil
}

func streamFor(kind Kind) StreamKind {
	if kind == KindChunkData {
		return StreamData
	}
	return StreamMeta
}

func (h *Heap) stateFor(kind Kind) *streamState {
	if streamFor(kind) == StreamData {
		return &h.data
	}
	return &h.meta
}

// WriteRecord appends one record of the given kind and payload, returning
// its Coord. It blocks for at most cfg.MaxIOWaitTime waiting on the
// stream's write mutex (spec.md §6, max_io_wait_time) before giving up
// with ncerr.ErrTimeout.
func (h *Heap) WriteRecord(ctx context.Context, kind Kind, payload []byte) (Coord, error) {
	if !kind.Valid() || kind == KindNone {
		return 0, fmt.Errorf("heap: %w: invalid write kind %v", ncerr.ErrCorruptStorage, kind)
	}
	st := h.stateFor(kind)

	if err := st.acquire(ctx, h.cfg.MaxIOWaitTime); err != nil {
		return 0, err
	}
	defer st.release()

	need := int64(headerSize + len(payload))
	if st.current.room(st.offset) < need {
		if err := h.rollover(st, streamFor(kind)); err != nil {
			return 0, err
		}
	}

	rec := make([]byte, need)
	recNum := h.nextRecNum.Add(1)
	putHeader(rec, recNum, uint32(len(payload)), kind)
	copy(rec[headerSize:], payload)

	off := st.offset
	copy(st.current.data[off:], rec)

	st.current.mu.Lock()
	st.current.usedSize += need
	st.current.putUsedSize(st.current.usedSize)
	st.current.mu.Unlock()

	st.offset += uint32(need)
	if h.stats != nil {
		h.stats.CurDBSize.Add(need)
	}

	return NewCoord(st.current.id, off), nil
}

// rollover seals the stream's current file and swaps in its spare,
// creating one synchronously if the background preparation goroutine
// hasn't finished yet. Caller must hold st.sem.
func (h *Heap) rollover(st *streamState, kind StreamKind) error {
	st.current.mu.Lock()
	st.current.sealed = true
	st.current.mu.Unlock()

	if st.spare == nil {
		f, err := h.newFile(kind)
		if err != nil {
			return fmt.Errorf("heap: rollover creating %s file: %w", kind, err)
		}
		st.spare = f
	}
	st.current = st.spare
	st.spare = nil
	st.offset = uint32(st.current.usedSize)
	return nil
}

// GetRecord reads the record at coord, validating it decodes to kind
// (KindNone accepts any non-none kind). The returned bytes are a copy,
// safe to retain past any later compaction that reuses coord's file.
func (h *Heap) GetRecord(coord Coord, kind Kind) ([]byte, error) {
	if !coord.Valid() {
		return nil, fmt.Errorf("heap: %w: zero coordinate", ncerr.ErrCorruptStorage)
	}
	h.filesMu.RLock()
	f, ok := h.files[coord.FileID()]
	h.filesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("heap: %w: unknown file id %d", ncerr.ErrCorruptStorage, coord.FileID())
	}

	off := int64(coord.Offset())
	if off < 0 || off+headerSize > f.size {
		return nil, fmt.Errorf("heap: %w: offset %d out of bounds in file %d", ncerr.ErrCorruptStorage, off, f.id)
	}
	hdr := getHeader(f.data[off : off+headerSize])
	if !hdr.Kind.Valid() || hdr.Kind == KindNone {
		return nil, fmt.Errorf("heap: %w: invalid record kind %v at %d/%d", ncerr.ErrCorruptStorage, hdr.Kind, f.id, off)
	}
	if kind != KindNone && hdr.Kind != kind {
		return nil, fmt.Errorf("heap: %w: wanted %v, found %v at %d/%d", ncerr.ErrWrongRecordKind, kind, hdr.Kind, f.id, off)
	}
	end := off + headerSize + int64(hdr.RecSize)
	if end > f.size {
		return nil, fmt.Errorf("heap: %w: record at %d/%d overruns file", ncerr.ErrCorruptStorage, f.id, off)
	}

	out := make([]byte, hdr.RecSize)
	copy(out, f.data[off+headerSize:end])
	return out, nil
}

// MarkGarbage records size bytes of the record at coord as reclaimable.
// The compactor (internal/gc) is what actually relocates live records out
// of a heavily-garbaged file; this just updates the counters it reads.
func (h *Heap) MarkGarbage(coord Coord, size int64) error {
	h.filesMu.RLock()
	f, ok := h.files[coord.FileID()]
	h.filesMu.RUnlock()
	if !ok {
		return fmt.Errorf("heap: %w: unknown file id %d", ncerr.ErrCorruptStorage, coord.FileID())
	}
	_, _, err := f.addGarbage(size)
	if err != nil {
		return err
	}
	if h.stats != nil {
		h.stats.GarbageSize.Add(size)
		h.stats.CurDBSize.Add(-size)
	}
	return nil
}

// Files returns every known file id, ascending by id. It does not report
// each file's StreamKind; ReadAt does.
func (h *Heap) Files() []uint32 {
	h.filesMu.RLock()
	defer h.filesMu.RUnlock()
	ids := make([]uint32, 0, len(h.files))
	for id := range h.files {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// FileInfo is a snapshot of one heap file's size/garbage accounting, for
// the compactor's candidate-file selection pass (spec.md §4.9). Used
// counts the bytes of records not yet marked garbage; the file header is
// not included, so a fully drained file reports Used == 0.
type FileInfo struct {
	ID       uint32
	Kind     StreamKind
	Size     int64
	Used     int64
	Garbage  int64
	Writable bool // current-write or spare file; never a compaction candidate
}

// FileStats returns one FileInfo per known heap file. Current-write and
// spare files are reported Writable so the compactor can skip them
// (spec.md §4.9: "current-write files and spares are never compacted").
func (h *Heap) FileStats() []FileInfo {
	h.filesMu.RLock()
	defer h.filesMu.RUnlock()
	out := make([]FileInfo, 0, len(h.files))
	for id, f := range h.files {
		used, garb := f.sizes()
		writable := f == h.meta.current || f == h.meta.spare || f == h.data.current || f == h.data.spare
		out = append(out, FileInfo{ID: id, Kind: f.kind, Size: f.size, Used: used - headerStart, Garbage: garb, Writable: writable})
	}
	return out
}

// RemoveFile unlinks and forgets a fully-drained, non-writable heap file
// (spec.md §4.9: "a file that reaches used-size = 0 is unmapped,
// unlinked, and removed from the index"). It refuses if the file is still
// current-write or spare, or still holds any used bytes.
func (h *Heap) RemoveFile(fileID uint32) error {
	h.filesMu.Lock()
	defer h.filesMu.Unlock()
	f, ok := h.files[fileID]
	if !ok {
		return fmt.Errorf("heap: %w: unknown file id %d", ncerr.ErrCorruptStorage, fileID)
	}
	if f == h.meta.current || f == h.meta.spare || f == h.data.current || f == h.data.spare {
		return fmt.Errorf("heap: file %d is still in use, cannot remove", fileID)
	}
	used, _ := f.sizes()
	if used > headerStart {
		return fmt.Errorf("heap: file %d still has %d used bytes, cannot remove", fileID, used-headerStart)
	}
	if err := f.close(); err != nil {
		return err
	}
	if err := os.Remove(f.path); err != nil {
		return err
	}
	delete(h.files, fileID)
	if h.stats != nil {
		h.stats.FilesRemoved.Add(1)
	}
	return nil
}

// ReadAt exposes a file's raw bytes, up to its used size, for a caller
// that walks a whole file's records sequentially rather than one Coord at
// a time. Nothing in this module calls it; the compactor works from the
// Key Index instead.
func (h *Heap) ReadAt(fileID uint32) ([]byte, StreamKind, error) {
	h.filesMu.RLock()
	f, ok := h.files[fileID]
	h.filesMu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("heap: %w: unknown file id %d", ncerr.ErrCorruptStorage, fileID)
	}
	used, _ := f.sizes()
	return f.data[:used], f.kind, nil
}

// spareLoop keeps one spare file ready per stream so WriteRecord's
// rollover path almost never has to create a file synchronously.
func (h *Heap) spareLoop() {
	defer h.wg.Done()
	t := time.NewTicker(h.cfg.FlushPeriod)
	defer t.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-t.C:
			h.ensureSpare(&h.meta, StreamMeta)
			h.ensureSpare(&h.data, StreamData)
		}
	}
}

func (h *Heap) ensureSpare(st *streamState, kind StreamKind) {
	if err := st.acquire(context.Background(), h.cfg.MaxIOWaitTime); err != nil {
		return
	}
	needed := st.spare == nil
	st.release()
	if !needed {
		return
	}

	f, err := h.newFile(kind)
	if err != nil {
		if h.logger != nil {
			h.logger.Printf("heap: preparing spare %s file: %v", kind, err)
		}
		return
	}

	if err := st.acquire(context.Background(), h.cfg.MaxIOWaitTime); err != nil {
		f.close()
		os.Remove(f.path)
		return
	}
	if st.spare == nil {
		st.spare = f
	} else {
		f.close()
		os.Remove(f.path)
	}
	st.release()
}

// flushLoop periodically msyncs every open file, the only durability
// guarantee this heap makes between writes (spec.md §4.1).
func (h *Heap) flushLoop() {
	defer h.wg.Done()
	t := time.NewTicker(h.cfg.FlushPeriod)
	defer t.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-t.C:
			h.flushAll()
		}
	}
}

func (h *Heap) flushAll() {
	h.filesMu.RLock()
	files := make([]*file, 0, len(h.files))
	for _, f := range h.files {
		files = append(files, f)
	}
	h.filesMu.RUnlock()
	for _, f := range files {
		if err := f.msync(); err != nil && h.logger != nil {
			h.logger.Printf("heap: %v", err)
		}
	}
}

// Close stops the background goroutines and unmaps every file. An
// unrecoverable unmap error is reported through Fataler, when one was
// given to Open, rather than returned, matching spec.md §7's "storage
// corruption is fatal" policy; without a Fataler it is returned.
func (h *Heap) Close() error {
	close(h.stopCh)
	h.wg.Wait()

	h.filesMu.Lock()
	defer h.filesMu.Unlock()
	var firstErr error
	for _, f := range h.files {
		if err := f.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil && h.fatal != nil {
		h.fatal.Fatal(firstErr)
		return nil
	}
	return firstErr
}
