// Package gc is the GC & Compactor (spec.md §4.9): a background walker
// that expires dead blobs and shrinks heavily-garbaged heap files by
// relocating their still-live records elsewhere.
//
// Grounded on internal/heap's own background-goroutine shape (spareLoop/
// flushLoop: a ticker plus a stop channel) and on internal/synccontroller's
// use of internal/accessor in CopyCreate mode to republish a blob without
// disturbing its LWW identity — the compactor's relocation step reuses
// exactly that path, via the new FinalizeRelocated entry point, instead of
// inventing a parallel record-copy primitive.
package gc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"netcache/internal/accessor"
	"netcache/internal/clock"
	"netcache/internal/heap"
	"netcache/internal/keyindex"
	"netcache/internal/ncerr"
	"netcache/internal/stats"
)

// Config is the subset of config.Settings the GC & Compactor needs.
type Config struct {
	GCBatchSize       int
	ExtraGCTime       time.Duration
	MaxGarbagePct     int
	MinDBSize         int64
	MinMoveLife       time.Duration
	MaxShrinkScanSize int64
	StopWriteOnSize   int64
	StopWriteOffSize  int64
	DiskFreeLimit     int64
	StoragePath       string // for the disk-free statfs check
}

func (c *Config) setDefaults() {
	if c.GCBatchSize <= 0 {
		c.GCBatchSize = 500
	}
	if c.ExtraGCTime <= 0 {
		c.ExtraGCTime = 10 * time.Minute
	}
	if c.MaxGarbagePct <= 0 {
		c.MaxGarbagePct = 50
	}
	if c.MinMoveLife <= 0 {
		c.MinMoveLife = 600 * time.Second
	}
	if c.MaxShrinkScanSize <= 0 {
		c.MaxShrinkScanSize = 64 << 20
	}
}

// Collector is the GC & Compactor for one node's storage.
type Collector struct {
	h      *heap.Heap
	idx    *keyindex.Index
	clock  clock.Source
	cfg    Config
	accCfg accessor.Config
	server uint32
	ctr    *accessor.Counter
	stats  *stats.Sink
	logger *log.Logger

	blocked atomic.Bool

	lastAttemptMu sync.Mutex
	lastAttempt   map[uint32]time.Time
}

// New builds a Collector. accCfg/serverID/counter are the same values the
// node's Blob Accessor callers use, since DeleteBlob and the relocation
// path both go through accessor.Open.
func New(h *heap.Heap, idx *keyindex.Index, cl clock.Source, cfg Config, accCfg accessor.Config, serverID uint32, counter *accessor.Counter, st *stats.Sink, logger *log.Logger) *Collector {
	cfg.setDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Collector{
		h: h, idx: idx, clock: cl, cfg: cfg, accCfg: accCfg,
		server: serverID, ctr: counter, stats: st, logger: logger,
		lastAttempt: make(map[uint32]time.Time),
	}
}

// IsWriteAllowed reports whether new writes should currently be accepted
// (spec.md §4.9, "disk-pressure write gating"); reads are never affected.
func (c *Collector) IsWriteAllowed() bool { return !c.blocked.Load() }

// RefreshPressure re-evaluates the disk-pressure gate against the heap's
// current size and, if StoragePath is set, free disk space. Callers (the
// periodic Run loop, or a write path wanting an up-to-date answer) call
// this before consulting IsWriteAllowed.
func (c *Collector) RefreshPressure() {
	var curSize int64
	if c.stats != nil {
		curSize = c.stats.CurDBSize.Value()
	}
	over := c.cfg.StopWriteOnSize > 0 && curSize >= c.cfg.StopWriteOnSize
	if !over && c.cfg.DiskFreeLimit > 0 && c.cfg.StoragePath != "" {
		if free, err := freeBytes(c.cfg.StoragePath); err == nil && free <= c.cfg.DiskFreeLimit {
			over = true
		}
	}
	switch {
	case over:
		c.blocked.Store(true)
	case c.cfg.StopWriteOffSize <= 0 || curSize < c.cfg.StopWriteOffSize:
		c.blocked.Store(false)
	}
}

func freeBytes(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("gc: statfs %s: %w", path, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

// Run drives expiry GC and compaction for the given self-served slots on
// period, until ctx is done (spec.md §4.9, the long-lived GC thread of
// §5's "≥ three long-lived" threads).
func (c *Collector) Run(ctx context.Context, slots []int, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.RefreshPressure()
			for _, slot := range slots {
				if err := c.ExpireSlot(ctx, slot); err != nil {
					c.logger.Printf("gc: expiry pass on slot %d: %v", slot, err)
				}
			}
			if err := c.CompactOnce(ctx, slots); err != nil {
				c.logger.Printf("gc: compaction pass: %v", err)
			}
		}
	}
}

// ExpireSlot walks slot's time-buckets and deletes every entry whose
// dead-time has passed, in batches of cfg.GCBatchSize total across
// buckets (spec.md §4.9). Under disk pressure, blobs are treated as dead
// cfg.ExtraGCTime before their nominal dead-time.
func (c *Collector) ExpireSlot(ctx context.Context, slotNum int) error {
	cutoff := c.clock.Now().Unix()
	if c.blocked.Load() {
		cutoff += int64(c.cfg.ExtraGCTime.Seconds())
	}

	budget := c.cfg.GCBatchSize
	for b := 0; b < c.idx.CntTimeBuckets() && budget > 0; b++ {
		keys, err := c.idx.ExpiredKeys(slotNum, b, cutoff)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if budget <= 0 {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.expireOne(ctx, slotNum, key); err != nil {
				c.logger.Printf("gc: expiring %q in slot %d: %v", key, slotNum, err)
				continue
			}
			budget--
		}
	}
	return nil
}

func (c *Collector) expireOne(ctx context.Context, slotNum int, key string) error {
	a, err := accessor.Open(ctx, c.h, c.idx, c.clock, c.accCfg, c.server, c.ctr, slotNum, key, "", accessor.GCDelete)
	if err != nil {
		if errors.Is(err, ncerr.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := a.DeleteBlob(ctx, 0); err != nil {
		return err
	}
	if c.stats != nil {
		c.stats.BlobsExpired.Add(1)
	}
	return nil
}
