// Package keyindex is the Key Index: the in-memory primary index mapping
// a blob key to its latest meta-record coordinate and summary fields
// (spec.md §4.2).
//
// Each slot keeps one entry map under one RW lock; its expiry ordering is
// sharded across CntTimeBuckets stripes keyed by dead-time (SPEC_FULL.md §C.1,
// "time-bucket sharded locking", grounded in the NCBI original's
// per-slot TimeBuckets), so the GC walker scanning one bucket's expiry
// order never blocks client traffic whose entries land in a different
// bucket of the same slot.
package keyindex

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"netcache/internal/clock"
	"netcache/internal/heap"
)

// CacheData is the per-key summary the spec calls a version record. Only
// Slot, Coord, DeadTime and the key-deleted fields are kept current (by
// LookupOrCreate, UpdateCoord and MarkKeyDeleted); Size, CreateTime,
// CreateServer, CreateID, Expire and VerExpire are not filled in by this
// module, so readers take those from the meta record at Coord.
type CacheData struct {
	mu sync.Mutex

	Coord        heap.Coord
	Slot         int
	Size         int64
	CreateTime   int64 // usec, monotonic per creator
	CreateServer uint32
	CreateID     uint32
	DeadTime     int64 // unix seconds
	Expire       int64
	VerExpire    int64

	// VersionMgr is a backpointer the Blob Accessor installs and reads;
	// keyindex only stores and returns it, never interprets it (avoids an
	// import cycle between keyindex and accessor).
	VersionMgr interface{}

	KeyDeleted bool
	KeyDelTime int64

	bucket int // current time-bucket this entry's dead-time hashes into
}

// EnsureVersionMgr returns d.VersionMgr, installing newFn()'s result first
// if no version manager is installed yet. Used by the Blob Accessor to
// lazily attach its at-most-one-writer coordinator to a CacheData entry
// without a data race between two concurrent first accessors.
func (d *CacheData) EnsureVersionMgr(newFn func() interface{}) interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.VersionMgr == nil {
		d.VersionMgr = newFn()
	}
	return d.VersionMgr
}

type expiryEntry struct {
	key      string
	deadTime int64
}

// bucket holds one time-bucket stripe's worth of a slot's expiry
// ordering, locked independently of the slot's key map.
type bucket struct {
	mu      sync.Mutex
	ordered []expiryEntry // sorted ascending by deadTime
}

func (b *bucket) insert(key string, deadTime int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := sort.Search(len(b.ordered), func(i int) bool { return b.ordered[i].deadTime >= deadTime })
	b.ordered = append(b.ordered, expiryEntry{})
	copy(b.ordered[i+1:], b.ordered[i:])
	b.ordered[i] = expiryEntry{key: key, deadTime: deadTime}
}

func (b *bucket) remove(key string, deadTime int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := sort.Search(len(b.ordered), func(i int) bool { return b.ordered[i].deadTime >= deadTime })
	for j := i; j < len(b.ordered) && b.ordered[j].deadTime == deadTime; j++ {
		if b.ordered[j].key == key {
			b.ordered = append(b.ordered[:j], b.ordered[j+1:]...)
			return
		}
	}
}

// expiredBefore returns every key in this bucket whose deadTime < before,
// oldest first.
func (b *bucket) expiredBefore(before int64) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := sort.Search(len(b.ordered), func(i int) bool { return b.ordered[i].deadTime >= before })
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = b.ordered[i].key
	}
	return out
}

// slot is one of MaxSlot's worth of key-index state.
type slot struct {
	mu      sync.RWMutex
	entries map[string]*CacheData
	buckets []*bucket

	deleteMu sync.Mutex
	pending  map[string]*time.Timer // key-deleted entries awaiting physical removal
}

func newSlot(cntBuckets int) *slot {
	s := &slot{
		entries: make(map[string]*CacheData),
		buckets: make([]*bucket, cntBuckets),
		pending: make(map[string]*time.Timer),
	}
	for i := range s.buckets {
		s.buckets[i] = &bucket{}
	}
	return s
}

func (s *slot) bucketFor(deadTime int64) *bucket {
	n := int64(len(s.buckets))
	idx := deadTime % n
	if idx < 0 {
		idx += n
	}
	return s.buckets[idx]
}

// Index is the Key Index for the whole node: one slot structure per
// configured slot, 1-based addressing per spec.md §3 ("Slot. Integer in
// [1, MaxSlot]").
type Index struct {
	maxSlot     int
	cntBuckets  int
	gracePeriod time.Duration
	clock       clock.Source

	slots []*slot // slots[s-1] is slot s
}

// New builds a Key Index sized for maxSlot slots, each sharded into
// cntTimeBuckets locking stripes. gracePeriod is the minimum delay
// (spec.md §4.2: "≥ 2s") between MarkKeyDeleted and physical removal.
func New(maxSlot, cntTimeBuckets int, gracePeriod time.Duration, cl clock.Source) *Index {
	if gracePeriod < 2*time.Second {
		gracePeriod = 2 * time.Second
	}
	x := &Index{
		maxSlot:     maxSlot,
		cntBuckets:  cntTimeBuckets,
		gracePeriod: gracePeriod,
		clock:       cl,
		slots:       make([]*slot, maxSlot),
	}
	for i := range x.slots {
		x.slots[i] = newSlot(cntTimeBuckets)
	}
	return x
}

func (x *Index) slotFor(s int) (*slot, error) {
	if s < 1 || s > x.maxSlot {
		return nil, fmt.Errorf("keyindex: slot %d out of range [1,%d]", s, x.maxSlot)
	}
	return x.slots[s-1], nil
}

// LookupOrCreate returns the existing entry for key in slot, or — if
// create is non-nil and no entry exists at all — installs a fresh one
// built by calling create() and cancels any pending physical removal of
// key. An existing entry is returned as is, even a key-deleted one; its
// tombstone is cleared by the next UpdateCoord.
func (x *Index) LookupOrCreate(slotNum int, key string, create func() *CacheData) (*CacheData, bool, error) {
	sl, err := x.slotFor(slotNum)
	if err != nil {
		return nil, false, err
	}

	sl.mu.RLock()
	if d, ok := sl.entries[key]; ok {
		sl.mu.RUnlock()
		return d, false, nil
	}
	sl.mu.RUnlock()

	if create == nil {
		return nil, false, nil
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if d, ok := sl.entries[key]; ok {
		return d, false, nil
	}
	d := create()
	d.Slot = slotNum
	sl.entries[key] = d

	sl.deleteMu.Lock()
	if t, ok := sl.pending[key]; ok {
		t.Stop()
		delete(sl.pending, key)
	}
	sl.deleteMu.Unlock()

	if d.DeadTime != 0 {
		d.bucket = int(d.DeadTime % int64(x.cntBuckets))
		sl.bucketFor(d.DeadTime).insert(key, d.DeadTime)
	}
	return d, true, nil
}

// Get returns the current entry for key in slot, if any, without
// creating one.
func (x *Index) Get(slotNum int, key string) (*CacheData, error) {
	d, _, err := x.LookupOrCreate(slotNum, key, nil)
	return d, err
}

// MarkKeyDeleted tombstones key in slot iff its coord is already 0
// (unpublished): readers that arrive during the grace period see the
// tombstone rather than a stale entry. After gracePeriod, the entry is
// physically removed unless it has been recreated in the meantime.
func (x *Index) MarkKeyDeleted(slotNum int, key string) error {
	sl, err := x.slotFor(slotNum)
	if err != nil {
		return err
	}

	sl.mu.Lock()
	d, ok := sl.entries[key]
	if !ok {
		sl.mu.Unlock()
		return nil
	}
	d.mu.Lock()
	if d.Coord != 0 {
		d.mu.Unlock()
		sl.mu.Unlock()
		return fmt.Errorf("keyindex: cannot mark %q deleted: coord still published", key)
	}
	d.KeyDeleted = true
	d.KeyDelTime = x.clock.Now().Unix()
	d.mu.Unlock()
	sl.mu.Unlock()

	sl.deleteMu.Lock()
	if t, ok := sl.pending[key]; ok {
		t.Stop()
	}
	sl.pending[key] = time.AfterFunc(x.gracePeriod, func() { x.reap(slotNum, key) })
	sl.deleteMu.Unlock()
	return nil
}

// reap physically removes key from slot if it is still tombstoned and
// unpublished — a LookupOrCreate racing in during the grace period wins
// and reap becomes a no-op.
func (x *Index) reap(slotNum int, key string) {
	sl, err := x.slotFor(slotNum)
	if err != nil {
		return
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	d, ok := sl.entries[key]
	if !ok {
		return
	}
	d.mu.Lock()
	deleted := d.KeyDeleted && d.Coord == 0
	deadTime := d.DeadTime
	d.mu.Unlock()
	if !deleted {
		return
	}
	delete(sl.entries, key)
	if deadTime != 0 {
		sl.bucketFor(deadTime).remove(key, deadTime)
	}

	sl.deleteMu.Lock()
	delete(sl.pending, key)
	sl.deleteMu.Unlock()
}

// UpdateCoord atomically republishes data's coordinate and dead-time,
// moving it between expiry-bucket stripes under the bucket locks rather
// than the slot's main lock (the hot path GC shares with client writes).
func (x *Index) UpdateCoord(slotNum int, key string, data *CacheData, newCoord heap.Coord, newDeadTime int64) error {
	sl, err := x.slotFor(slotNum)
	if err != nil {
		return err
	}

	data.mu.Lock()
	oldDeadTime := data.DeadTime
	data.Coord = newCoord
	data.DeadTime = newDeadTime
	data.KeyDeleted = false
	data.mu.Unlock()

	if oldDeadTime != 0 {
		sl.bucketFor(oldDeadTime).remove(key, oldDeadTime)
	}
	if newDeadTime != 0 {
		sl.bucketFor(newDeadTime).insert(key, newDeadTime)
		data.mu.Lock()
		data.bucket = int(newDeadTime % int64(x.cntBuckets))
		data.mu.Unlock()
	}
	return nil
}

// ExpiredKeys returns every key in slot whose dead-time is strictly
// before `before` (spec.md invariant 6), walking only the bucket whose
// stripe the caller names — GC calls this once per bucket so its scan
// never holds more than one stripe's lock at a time.
func (x *Index) ExpiredKeys(slotNum int, bucketIdx int, before int64) ([]string, error) {
	sl, err := x.slotFor(slotNum)
	if err != nil {
		return nil, err
	}
	if bucketIdx < 0 || bucketIdx >= len(sl.buckets) {
		return nil, fmt.Errorf("keyindex: bucket %d out of range [0,%d)", bucketIdx, len(sl.buckets))
	}
	return sl.buckets[bucketIdx].expiredBefore(before), nil
}

// CntTimeBuckets reports the number of locking/expiry stripes per slot.
func (x *Index) CntTimeBuckets() int { return x.cntBuckets }

// Keys returns every live (published, non-tombstoned) key in slot, in
// undefined order, for the Sync Controller's blob-list sync (spec.md
// §4.8).
func (x *Index) Keys(slotNum int) ([]string, error) {
	sl, err := x.slotFor(slotNum)
	if err != nil {
		return nil, err
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	out := make([]string, 0, len(sl.entries))
	for k, d := range sl.entries {
		d.mu.Lock()
		live := d.Coord != 0 && !d.KeyDeleted
		d.mu.Unlock()
		if live {
			out = append(out, k)
		}
	}
	return out, nil
}
