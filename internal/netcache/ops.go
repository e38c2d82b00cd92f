package netcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"netcache/internal/accessor"
	"netcache/internal/blobkey"
	"netcache/internal/mirror"
	"netcache/internal/ncerr"
	"netcache/internal/synclog"
)

// ErrNotServedLocally means key routed to a slot this node doesn't
// serve — spec.md §1 leaves request routing/proxying to the out-of-scope
// protocol layer, so the core simply refuses rather than guessing a peer.
var ErrNotServedLocally = fmt.Errorf("netcache: %w: slot not served locally", ncerr.ErrProtocol)

// Put stores payload under key (minting a node-generated key if key is
// empty), as spec.md §6's PUT command. ttl of zero uses the node's
// DefaultTTL.
func (s *StorageContext) Put(ctx context.Context, key string, payload []byte, ttl int64, password string) (string, error) {
	if ttl <= 0 {
		ttl = s.Cfg.DefaultTTL
	}
	var slot int
	if key == "" {
		var err error
		key, slot, err = s.mintKey(ctx)
		if err != nil {
			return "", err
		}
	} else {
		slot, _ = s.Router.SlotFor(blobkey.Key(key))
	}
	if !s.DistMap.IsServedLocally(slot) {
		return "", ErrNotServedLocally
	}

	a, err := accessor.Open(ctx, s.Heap, s.Idx, s.Clock, s.accCfg, s.server, s.counter, slot, key, password, accessor.Create)
	if err != nil {
		return "", fmt.Errorf("netcache: put %q: %w", key, err)
	}

	chunkSize := int(s.accCfg.ChunkSize)
	var chunkNum int64
	for off := 0; off < len(payload) || chunkNum == 0; off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := a.WriteChunk(ctx, chunkNum, payload[off:end]); err != nil {
			_ = a.Abort(ctx)
			return "", fmt.Errorf("netcache: put %q: writing chunk %d: %w", key, chunkNum, err)
		}
		chunkNum++
		if len(payload) == 0 {
			break
		}
	}

	ttlDur := time.Duration(ttl) * time.Second
	if err := a.Finalize(ctx, ttlDur, ttlDur); err != nil {
		return "", fmt.Errorf("netcache: put %q: finalizing: %w", key, err)
	}

	ev, err := s.SyncLog.AppendLocal(slot, synclog.OpWrite, key, s.Clock.Now().UnixMicro())
	if err != nil {
		s.Logger.Printf("netcache: put %q: recording sync log event: %v", key, err)
	} else {
		s.dispatchWrite(slot, key, ev)
	}
	return key, nil
}

// mintKey generates a node-generated key (spec.md §6) whose random field
// routes to a slot self serves, so the write this key is about to back
// never needs a proxy hop.
func (s *StorageContext) mintKey(ctx context.Context) (string, int, error) {
	self := s.DistMap.SelfSlots()
	if len(self) == 0 {
		return "", 0, fmt.Errorf("netcache: mintKey: node serves no slots")
	}
	s.rndMu.Lock()
	slot := self[s.rnd.Intn(len(self))]
	random := s.Router.RandomForSlot(slot, s.rnd)
	s.rndMu.Unlock()

	f := blobkey.NodeKeyFields{
		Version: 1,
		BlobID:  s.blobIDCounter.Add(1),
		Host:    s.Cfg.Host,
		Port:    s.Cfg.Port,
		Time:    s.Clock.Now().UnixMicro(),
		Random:  random,
	}
	return string(blobkey.GenerateNodeKey(f)), slot, nil
}

// Get retrieves key's current payload, enforcing password per policy
// (spec.md §6's GET). Returns ncerr.ErrNotFound if key doesn't exist or
// has expired, ncerr.ErrAuth on password mismatch.
//
// Concurrent Gets for the same {key, password, policy} are collapsed
// into a single heap read via getGroup, the way pkg/cacher.CachingFetcher
// folds concurrent faults for the same blob into one fetch: a hot key
// under read load shouldn't pay for N redundant chunk reads when one
// would do. The dedupe key includes password and policy so two callers
// checking different credentials for the same key never share an
// auth outcome.
func (s *StorageContext) Get(ctx context.Context, key, password string, policy accessor.PasswordPolicy) ([]byte, error) {
	dedupeKey := fmt.Sprintf("%s\x00%s\x00%d", key, password, policy)
	v, err := s.getGroup.Do(dedupeKey, func() (interface{}, error) {
		return s.getOnce(ctx, key, password, policy)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *StorageContext) getOnce(ctx context.Context, key, password string, policy accessor.PasswordPolicy) ([]byte, error) {
	slot, _ := s.Router.SlotFor(blobkey.Key(key))
	a, err := accessor.Open(ctx, s.Heap, s.Idx, s.Clock, s.accCfg, s.server, s.counter, slot, key, password, accessor.Read)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	if a.GetDeadTime() <= s.Clock.Now().Unix() {
		return nil, fmt.Errorf("netcache: get %q: %w: expired", key, ncerr.ErrNotFound)
	}
	if err := a.CheckPassword(policy); err != nil {
		return nil, err
	}

	size := a.GetSize()
	chunkSize := int64(a.GetChunkSize())
	if chunkSize <= 0 {
		chunkSize = int64(s.accCfg.ChunkSize)
	}
	cntChunks := int64(0)
	if size > 0 {
		cntChunks = (size + chunkSize - 1) / chunkSize
	}
	out := make([]byte, 0, size)
	buf := make([]byte, chunkSize)
	for chunkNum := int64(0); chunkNum < cntChunks; chunkNum++ {
		n, err := a.ReadChunk(ctx, chunkNum, buf)
		if err != nil {
			return nil, fmt.Errorf("netcache: get %q: reading chunk %d: %w", key, chunkNum, err)
		}
		out = append(out, buf[:n]...)
	}

	if prolonged, err := a.MaybeProlong(ctx, s.Cfg.ProlongOnRead); err != nil {
		s.Logger.Printf("netcache: get %q: prolong-on-read: %v", key, err)
	} else if prolonged {
		s.recordAndDispatchProlong(slot, key, a)
	}
	return out, nil
}

// Exists reports whether key currently has a live, unexpired version
// (spec.md §6's HASB).
func (s *StorageContext) Exists(ctx context.Context, key string) (bool, error) {
	slot, _ := s.Router.SlotFor(blobkey.Key(key))
	a, err := accessor.Open(ctx, s.Heap, s.Idx, s.Clock, s.accCfg, s.server, s.counter, slot, key, "", accessor.Read)
	if err != nil {
		if errors.Is(err, ncerr.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	expired := a.GetDeadTime() <= s.Clock.Now().Unix()
	a.Close()
	return !expired, nil
}

// Remove logically deletes key (spec.md §6's REMO). Propagation to peers
// relies on the next sync pass rather than an explicit mirror push: the
// Mirror Dispatcher's event vocabulary (spec.md §4.6) only names Write,
// Prolong and Update, so a remove converges the same way invariant 4's
// "OR a subsequent sync will detect the divergence" clause describes.
func (s *StorageContext) Remove(ctx context.Context, key string) error {
	slot, _ := s.Router.SlotFor(blobkey.Key(key))
	a, err := accessor.Open(ctx, s.Heap, s.Idx, s.Clock, s.accCfg, s.server, s.counter, slot, key, "", accessor.GCDelete)
	if err != nil {
		return err
	}
	if err := a.DeleteBlob(ctx, 0); err != nil {
		return err
	}
	if _, err := s.SyncLog.AppendLocal(slot, synclog.OpRemove, key, s.Clock.Now().UnixMicro()); err != nil {
		s.Logger.Printf("netcache: remove %q: recording sync log event: %v", key, err)
	}
	return nil
}

// Prolong resets key's TTL unconditionally (spec.md §6's PROLONG;
// distinct from Get's implicit prolong-on-read path).
func (s *StorageContext) Prolong(ctx context.Context, key string, ttl int64) error {
	slot, _ := s.Router.SlotFor(blobkey.Key(key))
	a, err := accessor.Open(ctx, s.Heap, s.Idx, s.Clock, s.accCfg, s.server, s.counter, slot, key, "", accessor.Read)
	if err != nil {
		return err
	}
	defer a.Close()

	newDeadTime := s.Clock.Now().Unix() + ttl
	if err := a.ProlongTo(ctx, newDeadTime); err != nil {
		return err
	}
	s.recordAndDispatchProlong(slot, key, a)
	return nil
}

func (s *StorageContext) recordAndDispatchProlong(slot int, key string, a *accessor.Accessor) {
	ev, err := s.SyncLog.AppendLocal(slot, synclog.OpProlong, key, s.Clock.Now().UnixMicro())
	if err != nil {
		s.Logger.Printf("netcache: prolong %q: recording sync log event: %v", key, err)
		return
	}
	summary := fmt.Sprintf("%d:%d:%d", a.GetCurBlobCreateTime(), a.GetCreateServer(), a.GetCreateID())
	for _, p := range s.serversForSlot(slot) {
		s.Mirror.Enqueue(p.ID, mirror.Event{
			Kind: mirror.EventProlong, Key: key,
			OrigRecNo: ev.RecNo, OrigTime: ev.OrigTime, Summary: summary,
		}, 0)
	}
}

func (s *StorageContext) dispatchWrite(slot int, key string, ev synclog.Event) {
	for _, p := range s.serversForSlot(slot) {
		s.Mirror.Enqueue(p.ID, mirror.Event{
			Kind: mirror.EventWrite, Key: key,
			OrigRecNo: ev.RecNo, OrigTime: ev.OrigTime,
		}, 0)
	}
}

