// Package synccontroller is the Sync Controller: per-(peer, slot)
// reconciliation, in two modes (spec.md §4.8). Event sync replays the
// Sync Log's tail; blob-list sync is the expensive fallback once a peer
// has fallen further behind than the log's retained window.
//
// The peer-facing exchange itself (the wire messages behind SYNC_START /
// SYNC_BLOB_LIST / SYNC_COMMIT) is out of scope (spec.md §1, "client
// protocol parsing"), so this package talks to peers only through the
// injected PeerClient interface — the same shape internal/peerpool and
// internal/mirror use for their own protocol-agnostic seams.
package synccontroller

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"go4.org/syncutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"netcache/internal/clock"
	"netcache/internal/distmap"
	"netcache/internal/peerpool"
	"netcache/internal/synclog"
)

// BlobSummary is one key's LWW-relevant fields, exchanged during
// blob-list sync and returned by Store.Summarize for the local side of
// a merge.
type BlobSummary struct {
	Key          string
	CreateTime   int64
	CreateServer uint32
	CreateID     uint32
	Deleted      bool
	DeadTime     int64
}

// Less implements the LWW comparator spec.md §4.8 names:
// {create-time, create-server, create-id}, ascending. A newer summary
// is never Less than an older one.
func (a BlobSummary) Less(b BlobSummary) bool {
	if a.CreateTime != b.CreateTime {
		return a.CreateTime < b.CreateTime
	}
	if a.CreateServer != b.CreateServer {
		return a.CreateServer < b.CreateServer
	}
	return a.CreateID < b.CreateID
}

// RemoteEvent is one event received from a peer's sync log, carrying
// enough of the blob body to apply it locally without a second round
// trip for Write events (Remove/Prolong never need the body).
type RemoteEvent struct {
	Op           synclog.Op
	Key          string
	OrigTime     int64
	OrigRecNo    uint64
	Payload      []byte // set only for Op == OpWrite
	TTL          time.Duration
	Password     string
	CreateTime   int64
	CreateServer uint32
	CreateID     uint32
	NewDeadTime  int64 // set for Op == OpProlong
}

// PeerClient is the peer-facing half of a sync exchange. A production
// implementation speaks SYNC_START/SYNC_BLOB_LIST/SYNC_COMMIT over the
// client protocol (out of scope here); tests use a fake.
type PeerClient interface {
	// EventSync asks peerID for slot's log tail after afterRecNo. ok is
	// false if the peer's log no longer retains that far back, signaling
	// the caller must fall back to BlobList.
	EventSync(ctx context.Context, peerID string, slot int, afterRecNo uint64) (events []RemoteEvent, ok bool, err error)
	// BlobList asks peerID for every {key, summary} pair it holds for slot.
	BlobList(ctx context.Context, peerID string, slot int) ([]BlobSummary, error)
	// FetchBlob retrieves key's current body and metadata from peerID, for
	// blob-list sync's pull-newer-from-peer step.
	FetchBlob(ctx context.Context, peerID string, key string) (RemoteEvent, error)
}

// Store is the local storage surface the Sync Controller applies
// incoming events against — a narrow seam so this package doesn't need
// to import internal/accessor directly, matching spec.md §4.8's "using
// Blob Accessor in CopyCreate mode" at the abstraction this package
// actually needs.
type Store interface {
	ApplyWrite(ctx context.Context, slot int, key string, payload []byte, ttl time.Duration, password string, createTime int64, createServer, createID uint32) error
	ApplyProlong(ctx context.Context, slot int, key string, newDeadTime int64) error
	ApplyRemove(ctx context.Context, slot int, key string) error
	// Summarize returns key's current LWW-relevant fields, if present.
	Summarize(slot int, key string) (BlobSummary, bool, error)
	// Keys lists every key currently live in slot, for blob-list sync.
	Keys(slot int) ([]string, error)
}

// Config is the subset of config.Settings the Sync Controller needs.
type Config struct {
	CntActiveSyncs          int
	MaxSyncsOneServer       int
	FailedSyncRetryDelay    time.Duration
	SelfGroup               string
	MaxConcurrentBlobFetches int // one gate shared by all of this Controller's blob-list syncs, default 8
}

// Controller drives sync for one node.
type Controller struct {
	cfg     Config
	dm      *distmap.Map
	pool    *peerpool.Pool
	log     *synclog.Log
	client  PeerClient
	store   Store
	clock   clock.Source
	logger  *log.Logger
	selfID  string

	globalSem *semaphore.Weighted
	fetchGate *syncutil.Gate

	peerSemsMu sync.Mutex
	peerSems   map[string]*semaphore.Weighted

	cursors cursorSet
}

// New builds a Controller.
func New(cfg Config, selfID string, dm *distmap.Map, pool *peerpool.Pool, sl *synclog.Log, client PeerClient, store Store, cl clock.Source, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.CntActiveSyncs <= 0 {
		cfg.CntActiveSyncs = 4
	}
	if cfg.MaxSyncsOneServer <= 0 {
		cfg.MaxSyncsOneServer = 2
	}
	if cfg.FailedSyncRetryDelay <= 0 {
		cfg.FailedSyncRetryDelay = time.Second
	}
	if cfg.MaxConcurrentBlobFetches <= 0 {
		cfg.MaxConcurrentBlobFetches = 8
	}
	c := &Controller{
		cfg: cfg, selfID: selfID, dm: dm, pool: pool, log: sl, client: client, store: store,
		clock: cl, logger: logger,
		globalSem: semaphore.NewWeighted(int64(cfg.CntActiveSyncs)),
		fetchGate: syncutil.NewGate(cfg.MaxConcurrentBlobFetches),
		peerSems:  make(map[string]*semaphore.Weighted),
	}
	return c
}

// peerSem returns the per-peer concurrency semaphore for peerID, creating
// it on first use. Guarded by its own mutex since RunInitialSync's
// errgroup fan-out calls this concurrently for different peers.
func (c *Controller) peerSem(peerID string) *semaphore.Weighted {
	c.peerSemsMu.Lock()
	defer c.peerSemsMu.Unlock()
	s, ok := c.peerSems[peerID]
	if !ok {
		s = semaphore.NewWeighted(int64(c.cfg.MaxSyncsOneServer))
		c.peerSems[peerID] = s
	}
	return s
}

// RunInitialSync performs one sync pass over every (peer, slot) pairing
// for every slot self serves, bounded by CntActiveSyncs/MaxSyncsOneServer,
// and reports once each slot is "initially synced": reconciled with at
// least one peer, or every peer serving it has timed out per §4.7
// (spec.md §4.8).
func (c *Controller) RunInitialSync(ctx context.Context) error {
	slots := c.dm.SelfSlots()
	done := make(map[int]bool, len(slots))

	g, ctx := errgroup.WithContext(ctx)
	for _, slot := range slots {
		slot := slot
		peers := c.dm.GetServersForSlot(slot, c.cfg.SelfGroup, nil)
		if len(peers) == 0 {
			done[slot] = true
			continue
		}
		g.Go(func() error {
			reconciled, unreachableAll := c.syncSlotAgainstPeers(ctx, slot, peers)
			if reconciled || unreachableAll {
				done[slot] = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, slot := range slots {
		if !done[slot] {
			return fmt.Errorf("synccontroller: slot %d did not reach initial sync", slot)
		}
	}
	return nil
}

// RunPeriodic syncs every (peer, slot) pairing self serves once per
// period, until ctx is done. A pairing whose sync fails is retried
// after FailedSyncRetryDelay rather than waiting for the next full
// period (spec.md §4.8).
func (c *Controller) RunPeriodic(ctx context.Context, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, slot := range c.dm.SelfSlots() {
				for _, p := range c.dm.GetServersForSlot(slot, c.cfg.SelfGroup, nil) {
					go c.syncWithRetry(ctx, p.ID, slot)
				}
			}
		}
	}
}

// syncWithRetry runs one sync, retrying once after FailedSyncRetryDelay
// if it fails and the peer isn't already known-unreachable.
func (c *Controller) syncWithRetry(ctx context.Context, peerID string, slot int) {
	if c.pool.Unreachable(peerID) {
		return
	}
	if err := c.SyncOne(ctx, peerID, slot); err == nil {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(c.cfg.FailedSyncRetryDelay):
	}
	if c.pool.Unreachable(peerID) {
		return
	}
	if err := c.SyncOne(ctx, peerID, slot); err != nil {
		c.logger.Printf("synccontroller: sync %s/slot %d failed twice: %v", peerID, slot, err)
	}
}

// syncSlotAgainstPeers tries every peer serving slot in order, stopping
// at the first successful reconciliation.
func (c *Controller) syncSlotAgainstPeers(ctx context.Context, slot int, peers []distmap.Peer) (reconciled, unreachableAll bool) {
	unreachableAll = true
	for _, p := range peers {
		if c.pool.Unreachable(p.ID) {
			continue
		}
		unreachableAll = false
		if err := c.SyncOne(ctx, p.ID, slot); err == nil {
			return true, false
		}
	}
	return false, unreachableAll
}

// SyncOne performs one reconciliation of (peerID, slot), acquiring the
// global and per-peer concurrency permits for its duration. It tries
// event sync first, falling back to blob-list sync if the peer reports
// its log no longer retains far enough back.
func (c *Controller) SyncOne(ctx context.Context, peerID string, slot int) error {
	if err := c.globalSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.globalSem.Release(1)

	ps := c.peerSem(peerID)
	if err := ps.Acquire(ctx, 1); err != nil {
		return err
	}
	defer ps.Release(1)

	err := c.eventSync(ctx, peerID, slot)
	if err == errNeedFullResync {
		return c.blobListSync(ctx, peerID, slot)
	}
	return err
}

var errNeedFullResync = fmt.Errorf("synccontroller: peer log truncated, full resync required")

// eventSync replays peerID's sync log for slot past whatever rec-no we
// last applied from it, applying each event idempotently and recording
// its orig-rec-no in our own log so later peers learn about it exactly
// once (spec.md §4.8).
func (c *Controller) eventSync(ctx context.Context, peerID string, slot int) error {
	afterRecNo := c.lastApplied(peerID, slot)
	events, ok, err := c.client.EventSync(ctx, peerID, slot, afterRecNo)
	if err != nil {
		return err
	}
	if !ok {
		return errNeedFullResync
	}
	for _, ev := range events {
		if err := c.applyEvent(ctx, slot, ev); err != nil {
			return err
		}
		c.recordApplied(peerID, slot, ev.OrigRecNo)
	}
	return nil
}

// blobListSync streams both sides' {key, summary} lists for slot, merges
// them, and pulls any key that is newer on the peer's side by LWW
// (spec.md §4.8). Fetches run concurrently, bounded by fetchGate, since
// each key's FetchBlob is an independent round trip to the same peer and
// the store/log below are already safe for concurrent per-key access.
func (c *Controller) blobListSync(ctx context.Context, peerID string, slot int) error {
	remote, err := c.client.BlobList(ctx, peerID, slot)
	if err != nil {
		return err
	}
	sort.Slice(remote, func(i, j int) bool { return remote[i].Key < remote[j].Key })

	var wg syncutil.Group
	for _, rs := range remote {
		rs := rs
		local, ok, err := c.store.Summarize(slot, rs.Key)
		if err != nil {
			// Wait for whatever fan-out already started before
			// surfacing this, so no goroutine outlives the call.
			wg.Err()
			return err
		}
		if ok && !local.Less(rs) {
			continue // local is already at least as new
		}

		c.fetchGate.Start()
		wg.Go(func() error {
			defer c.fetchGate.Done()

			ev, err := c.client.FetchBlob(ctx, peerID, rs.Key)
			if err != nil {
				return err
			}
			if err := c.applyToStore(ctx, slot, ev); err != nil {
				return err
			}
			// A blob-list pull has no peer rec-no to preserve (it's a
			// direct fetch, not a log replay): record it as a fresh
			// local mutation so it still reaches whichever peers
			// haven't seen this key's new state yet.
			_, err = c.log.AppendLocal(slot, ev.Op, ev.Key, c.clock.Now().UnixMicro())
			return err
		})
	}
	return wg.Err()
}

// applyEvent applies ev to the store and records it in our own log under
// ev's own orig-rec-no, for event sync's idempotent replay (spec.md
// §4.8: "recording the orig-rec-no in our own log so that subsequent
// peers learn about it exactly once").
func (c *Controller) applyEvent(ctx context.Context, slot int, ev RemoteEvent) error {
	if err := c.applyToStore(ctx, slot, ev); err != nil {
		return err
	}
	if _, err := c.log.AppendRemote(slot, ev.Op, ev.Key, ev.OrigTime, ev.OrigRecNo); err != nil {
		return err
	}
	return nil
}

func (c *Controller) applyToStore(ctx context.Context, slot int, ev RemoteEvent) error {
	switch ev.Op {
	case synclog.OpWrite:
		return c.store.ApplyWrite(ctx, slot, ev.Key, ev.Payload, ev.TTL, ev.Password, ev.CreateTime, ev.CreateServer, ev.CreateID)
	case synclog.OpProlong:
		return c.store.ApplyProlong(ctx, slot, ev.Key, ev.NewDeadTime)
	case synclog.OpRemove:
		return c.store.ApplyRemove(ctx, slot, ev.Key)
	default:
		return fmt.Errorf("synccontroller: unknown op %v for %q", ev.Op, ev.Key)
	}
}

// lastApplied/recordApplied track, per (peer, slot), the highest
// orig-rec-no we've applied from that peer — the cursor event sync
// resumes from on the next pass.
func (c *Controller) lastApplied(peerID string, slot int) uint64 {
	return c.cursors.get(peerID, slot)
}

func (c *Controller) recordApplied(peerID string, slot int, recNo uint64) {
	c.cursors.set(peerID, slot, recNo)
}

// cursorSet is the per-(peer,slot) "highest orig-rec-no applied" map,
// guarded by its own mutex since it's touched from whichever goroutine
// is running that pairing's sync.
type cursorSet struct {
	mu   sync.Mutex
	vals map[string]uint64
}

func (c *cursorSet) key(peerID string, slot int) string {
	return fmt.Sprintf("%s/%d", peerID, slot)
}

func (c *cursorSet) get(peerID string, slot int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vals == nil {
		return 0
	}
	return c.vals[c.key(peerID, slot)]
}

func (c *cursorSet) set(peerID string, slot int, recNo uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vals == nil {
		c.vals = make(map[string]uint64)
	}
	k := c.key(peerID, slot)
	if recNo > c.vals[k] {
		c.vals[k] = recNo
	}
}
