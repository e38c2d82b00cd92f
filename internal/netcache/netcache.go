// Package netcache is the top-level façade wiring every component into
// one StorageContext per spec.md §9's dependency-injection note: "all
// components (storage engine, mirror dispatcher, sync controller, GC)
// receive their dependencies (file-system, clock, peer dialer,
// config) through an explicit constructor rather than reading
// process-wide globals, so tests can substitute fakes for I/O and
// time." Put/Get/Remove/Prolong/Exists (spec.md §6's PUT/GET/HASB/
// REMO/PROLONG) are the operations a protocol layer (out of scope,
// spec.md §1) would call.
//
// Grounded on perkeepd's own top-level wiring in cmd/perkeepd/perkeepd.go
// (one function building every subsystem from a parsed config and
// handing the assembled graph to the serving loop) and on
// pkg/blobserver/storagetest's pattern of a single struct gathering a
// backend's dependencies for reuse across tests.
package netcache

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/camlistore/lock"
	"go4.org/syncutil/singleflight"

	"netcache/internal/accessor"
	"netcache/internal/blobkey"
	"netcache/internal/clock"
	"netcache/internal/config"
	"netcache/internal/distmap"
	"netcache/internal/gc"
	"netcache/internal/heap"
	"netcache/internal/keyindex"
	"netcache/internal/mirror"
	"netcache/internal/ncerr"
	"netcache/internal/peerpool"
	"netcache/internal/sidedb"
	"netcache/internal/stats"
	"netcache/internal/synccontroller"
	"netcache/internal/synclog"
)

// StorageContext is one node's fully-wired engine: every component
// named in spec.md §2, constructed from a single config.Settings.
type StorageContext struct {
	Cfg    config.Settings
	Clock  clock.Source
	Logger *log.Logger
	Stats  *stats.Sink
	Fatal  ncerr.Fataler

	Heap    *heap.Heap
	Idx     *keyindex.Index
	Router  *blobkey.Router
	DistMap *distmap.Map
	Mirror  *mirror.Dispatcher
	Pool    *peerpool.Pool
	SyncLog *synclog.Log
	Sync    *synccontroller.Controller
	GC      *gc.Collector
	SideDB  *sidedb.Index

	accCfg  accessor.Config
	counter *accessor.Counter
	server  uint32

	rndMu sync.Mutex
	rnd   *rand.Rand

	blobIDCounter atomic.Uint64

	startedPath string
	startedLock io.Closer

	getGroup singleflight.Group
}

// Deps are the out-of-scope collaborators (spec.md §1: client protocol,
// wire transport) a StorageContext needs injected rather than
// constructing itself.
type Deps struct {
	Dial        peerpool.Dialer
	Send        mirror.Sender
	PeerClient  synccontroller.PeerClient
	Clock       clock.Source // nil defaults to clock.Real{}
	Logger      *log.Logger  // nil defaults to log.Default()
	Fatal       ncerr.Fataler
	ServerID    uint32 // the LWW create-server identity for this node
	StartRecNo  uint64 // sync log's starting rec-no, for restart continuity
}

func peersFromConfig(cfg config.Settings) []distmap.Peer {
	out := make([]distmap.Peer, 0, len(cfg.Peers)+1)
	out = append(out, distmap.Peer{ID: cfg.SelfID, Group: cfg.SelfGroup, Slots: selfSlots(cfg)})
	for _, p := range cfg.Peers {
		out = append(out, distmap.Peer{ID: p.ID, Addr: p.Addr, Group: p.Group, Slots: p.Slots})
	}
	return out
}

func selfSlots(cfg config.Settings) []int {
	slots := make([]int, cfg.MaxSlot)
	for i := range slots {
		slots[i] = i + 1
	}
	return slots
}

// Open constructs and wires a StorageContext from cfg. It opens the
// heap and builds every in-memory component. Apart from the heap's own
// spare-file and flush loops, which heap.Open starts, it does not start
// any background loop — call Start for that, so tests can inspect a
// freshly opened context before GC, sync or mirror delivery runs.
func Open(cfg config.Settings, deps Deps) (*StorageContext, error) {
	cl := deps.Clock
	if cl == nil {
		cl = clock.Real{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	fatal := deps.Fatal
	if fatal == nil {
		fatal = ncerr.LogFatal{Logger: logger}
	}
	st := stats.New(fmt.Sprintf("netcache.%s", cfg.SelfID))

	h, err := heap.Open(heap.Config{
		Path:          cfg.StoragePath,
		Prefix:        cfg.StoragePrefix,
		EachFileSize:  cfg.EachFileSize,
		MaxIOWaitTime: cfg.MaxIOWaitTime,
		FlushPeriod:   time.Second,
	}, cl, logger, st, fatal)
	if err != nil {
		return nil, fmt.Errorf("netcache: opening heap: %w", err)
	}

	idx := keyindex.New(cfg.MaxSlot, cfg.CntSlotBuckets, 2*time.Second, cl)
	router := blobkey.NewRouter(cfg.MaxSlot, cfg.CntSlotBuckets)

	sideKV, err := sidedb.OpenLevelDB(filepath.Join(cfg.StoragePath, cfg.StoragePrefix+"index.db"))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("netcache: opening side index: %w", err)
	}
	sideIdx := sidedb.New(sideKV)
	startRecNo := deps.StartRecNo
	if saved, err := sideIdx.MaxRecNo(); err != nil {
		logger.Printf("netcache: reading persisted max-sync-log-rec-no: %v", err)
	} else if saved > startRecNo {
		startRecNo = saved
	}

	startedPath, startedLock, err := acquireStartedLock(cfg, logger)
	if err != nil {
		sideKV.Close()
		h.Close()
		return nil, fmt.Errorf("netcache: acquiring startup lock: %w", err)
	}

	dm, err := distmap.New(cfg.SelfID, peersFromConfig(cfg))
	if err != nil {
		startedLock.Close()
		os.Remove(startedPath)
		sideKV.Close()
		h.Close()
		return nil, fmt.Errorf("netcache: building distribution map: %w", err)
	}

	disp := mirror.New(mirror.Config{
		MaxMirrorQueueSize:  cfg.MaxInstantQueueSize,
		SmallBlobBoundary:   cfg.SmallBlobMaxSize,
		MaxPeerBGConns:      cfg.MaxPeerBGConnections,
		MaxPeerDispatchRate: cfg.MaxPeerDispatchRate,
	}, deps.Send, st, logger)

	pool := peerpool.New(peerpool.Config{
		MaxPeerConnections: cfg.MaxPeerConnections,
		ErrorsForThrottle:  cfg.PeerErrorsForThrottle,
		ThrottlePeriod:     cfg.PeerThrottlePeriod,
		UnreachableAfter:   cfg.NetworkErrorTimeout,
	}, deps.Dial, cl, logger)

	sl := synclog.New(cfg.MaxSlot, cfg.MaxSlotLogRecords, cfg.MinRecNoSavePeriod, startRecNo)

	counter := accessor.NewCounter()
	accCfg := accessor.Config{
		ChunkSize:   cfg.ChunkSize,
		MapSize:     cfg.MapSize,
		MaxMapDepth: cfg.MaxMapDepth,
		DefaultTTL:  cfg.DefaultTTL,
	}

	store := synccontroller.NewHeapStore(h, idx, cl, accCfg, deps.ServerID, counter)
	sc := synccontroller.New(synccontroller.Config{
		CntActiveSyncs:           cfg.MaxActiveSyncs,
		MaxSyncsOneServer:        cfg.MaxSyncsOneServer,
		FailedSyncRetryDelay:     cfg.FailedSyncRetryDelay,
		SelfGroup:                cfg.SelfGroup,
		MaxConcurrentBlobFetches: cfg.MaxConcurrentBlobFetches,
	}, cfg.SelfID, dm, pool, sl, deps.PeerClient, store, cl, logger)

	collector := gc.New(h, idx, cl, gc.Config{
		GCBatchSize:       cfg.GCBatchSize,
		ExtraGCTime:       cfg.ExtraGCTime,
		MaxGarbagePct:     cfg.MaxGarbagePct,
		MinDBSize:         cfg.MinStorageSize,
		MinMoveLife:       cfg.MinMoveLife,
		MaxShrinkScanSize: cfg.MaxShrinkScanSize,
		StopWriteOnSize:   cfg.StopWriteOnSize,
		StopWriteOffSize:  cfg.StopWriteOffSize,
		DiskFreeLimit:     cfg.DiskFreeLimit,
		StoragePath:       cfg.StoragePath,
	}, accCfg, deps.ServerID, counter, st, logger)

	return &StorageContext{
		Cfg: cfg, Clock: cl, Logger: logger, Stats: st, Fatal: fatal,
		Heap: h, Idx: idx, Router: router, DistMap: dm, Mirror: disp,
		Pool: pool, SyncLog: sl, Sync: sc, GC: collector, SideDB: sideIdx,
		accCfg: accCfg, counter: counter, server: deps.ServerID,
		rnd:         rand.New(rand.NewSource(int64(deps.ServerID) + 1)),
		startedPath: startedPath, startedLock: startedLock,
	}, nil
}

// startedFilePrefix names the advisory unclean-shutdown marker this node
// creates at startup (spec.md §6, "<prefix>_started_<pid>"): present at
// the next Open, it means the previous process never reached Stop.
const startedFilePrefix = "started_"

// acquireStartedLock creates cfg.StoragePrefix+"started_"+pid and takes an
// exclusive camlistore/lock.Lock on it, the way diskpacked locks its
// current data file. Any other "started_*" marker left behind means the
// prior process exited without calling Stop; this design keeps the Key
// Index purely in-memory and already repopulates it from scratch on every
// Start (via the Sync Controller's initial sync against peers, spec.md
// §4.8), so there is no separate on-disk rebuild step to trigger here —
// an unclean shutdown only gets a logged warning.
func acquireStartedLock(cfg config.Settings, logger *log.Logger) (string, io.Closer, error) {
	matches, err := filepath.Glob(filepath.Join(cfg.StoragePath, cfg.StoragePrefix+startedFilePrefix+"*"))
	if err != nil {
		return "", nil, fmt.Errorf("scanning for stale startup markers: %w", err)
	}
	if len(matches) > 0 {
		logger.Printf("netcache: found %d stale startup marker(s) from an unclean shutdown: %v", len(matches), matches)
	}

	path := filepath.Join(cfg.StoragePath, cfg.StoragePrefix+startedFilePrefix+strconv.Itoa(os.Getpid()))
	l, err := lock.Lock(path)
	if err != nil {
		return "", nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return path, l, nil
}

// saveRecNoLoop periodically persists the Sync Log's rec-no high-water
// mark to the side index (spec.md §6, MinRecNoSavePeriod) so a restart
// resumes numbering close to where the last one left off.
func (s *StorageContext) saveRecNoLoop(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = 10 * time.Second
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.SideDB.PutMaxRecNo(s.SyncLog.MaxRecNo()); err != nil {
				s.Logger.Printf("netcache: persisting max-sync-log-rec-no: %v", err)
			}
		}
	}
}

// Start launches every background loop (spec.md §5's "≥ three
// long-lived" threads: the heap's own flush/spare loops started inside
// Open, plus GC and the Sync Controller's periodic reconciliation here)
// and each peer's mirror delivery worker. It returns once RunInitialSync
// completes (or ctx is done).
func (s *StorageContext) Start(ctx context.Context) error {
	for _, p := range s.DistMap.Peers() {
		s.Mirror.Run(ctx, p.ID)
	}
	go s.GC.Run(ctx, selfSlots(s.Cfg), s.Cfg.SyncTimePeriod)
	go s.saveRecNoLoop(ctx, s.Cfg.MinRecNoSavePeriod)
	if err := s.Sync.RunInitialSync(ctx); err != nil {
		return fmt.Errorf("netcache: initial sync: %w", err)
	}
	go s.Sync.RunPeriodic(ctx, s.Cfg.SyncTimePeriod)
	return nil
}

// Stop stops the mirror dispatcher's delivery workers, persists the
// Sync Log's final rec-no, and closes the heap and side index. Callers
// should cancel the context passed to Start first so the GC/sync loops
// exit before Stop tears down their dependencies.
func (s *StorageContext) Stop() error {
	s.Mirror.Stop()
	if err := s.SideDB.PutMaxRecNo(s.SyncLog.MaxRecNo()); err != nil {
		s.Logger.Printf("netcache: persisting max-sync-log-rec-no on stop: %v", err)
	}
	if err := s.SideDB.Close(); err != nil {
		s.Logger.Printf("netcache: closing side index: %v", err)
	}
	if s.startedLock != nil {
		if err := s.startedLock.Close(); err != nil {
			s.Logger.Printf("netcache: releasing startup lock: %v", err)
		}
		if err := os.Remove(s.startedPath); err != nil && !os.IsNotExist(err) {
			s.Logger.Printf("netcache: removing startup marker %s: %v", s.startedPath, err)
		}
	}
	return s.Heap.Close()
}

// serversForSlot orders slot's peers via the Distribution Map, holding
// the shared rand.Source for the whole call since math/rand.Rand is not
// itself safe for concurrent use (spec.md §4.5's shuffle-within-group
// ordering).
func (s *StorageContext) serversForSlot(slot int) []distmap.Peer {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return s.DistMap.GetServersForSlot(slot, s.Cfg.SelfGroup, s.rnd)
}
