package synccontroller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"netcache/internal/clock"
	"netcache/internal/distmap"
	"netcache/internal/peerpool"
	"netcache/internal/synclog"
)

type fakeClient struct {
	events    map[string][]RemoteEvent // keyed by fmt.Sprintf("%s/%d", peer, slot)
	truncated map[string]bool
	blobList  map[string][]BlobSummary
	blobs     map[string]RemoteEvent // keyed by key
	calls     int
}

func (f *fakeClient) EventSync(ctx context.Context, peerID string, slot int, afterRecNo uint64) ([]RemoteEvent, bool, error) {
	f.calls++
	k := fmt.Sprintf("%s/%d", peerID, slot)
	if f.truncated[k] {
		return nil, false, nil
	}
	return f.events[k], true, nil
}

func (f *fakeClient) BlobList(ctx context.Context, peerID string, slot int) ([]BlobSummary, error) {
	return f.blobList[fmt.Sprintf("%s/%d", peerID, slot)], nil
}

func (f *fakeClient) FetchBlob(ctx context.Context, peerID string, key string) (RemoteEvent, error) {
	ev, ok := f.blobs[key]
	if !ok {
		return RemoteEvent{}, fmt.Errorf("fakeClient: no blob %q", key)
	}
	return ev, nil
}

type fakeStore struct {
	mu       sync.Mutex
	writes   map[string]RemoteEvent
	prolongs map[string]int64
	removed  map[string]bool
	summary  map[string]BlobSummary
	keys     []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		writes:   make(map[string]RemoteEvent),
		prolongs: make(map[string]int64),
		removed:  make(map[string]bool),
		summary:  make(map[string]BlobSummary),
	}
}

func (s *fakeStore) ApplyWrite(ctx context.Context, slot int, key string, payload []byte, ttl time.Duration, password string, createTime int64, createServer, createID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes[key] = RemoteEvent{Key: key, Payload: payload, TTL: ttl, CreateTime: createTime, CreateServer: createServer, CreateID: createID}
	s.summary[key] = BlobSummary{Key: key, CreateTime: createTime, CreateServer: createServer, CreateID: createID}
	return nil
}

func (s *fakeStore) ApplyProlong(ctx context.Context, slot int, key string, newDeadTime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prolongs[key] = newDeadTime
	return nil
}

func (s *fakeStore) ApplyRemove(ctx context.Context, slot int, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed[key] = true
	return nil
}

func (s *fakeStore) Summarize(slot int, key string) (BlobSummary, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs, ok := s.summary[key]
	return bs, ok, nil
}

func (s *fakeStore) Keys(slot int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys, nil
}

func newController(t *testing.T, client PeerClient, store Store, peers []distmap.Peer) *Controller {
	t.Helper()
	dm, err := distmap.New("self", append(peers, distmap.Peer{ID: "self", Slots: []int{1}}))
	require.NoError(t, err)
	pool := peerpool.New(peerpool.Config{MaxPeerConnections: 10, ErrorsForThrottle: 10, ThrottlePeriod: time.Second, UnreachableAfter: time.Minute},
		func(ctx context.Context, addr string) (peerpool.Conn, error) { return nil, fmt.Errorf("no dial in test") },
		clock.Real{}, nil)
	sl := synclog.New(4, 1000, time.Second, 0)
	cfg := Config{CntActiveSyncs: 2, MaxSyncsOneServer: 1, FailedSyncRetryDelay: 10 * time.Millisecond}
	return New(cfg, "self", dm, pool, sl, client, store, clock.Real{}, log.Default())
}

func TestEventSyncAppliesWriteProlongRemove(t *testing.T) {
	client := &fakeClient{
		events: map[string][]RemoteEvent{
			"peerA/1": {
				{Op: synclog.OpWrite, Key: "k1", OrigRecNo: 1, Payload: []byte("hello"), TTL: time.Hour, CreateTime: 100, CreateServer: 7, CreateID: 1},
				{Op: synclog.OpProlong, Key: "k1", OrigRecNo: 2, NewDeadTime: 999},
				{Op: synclog.OpRemove, Key: "k2", OrigRecNo: 3},
			},
		},
	}
	store := newFakeStore()
	c := newController(t, client, store, []distmap.Peer{{ID: "peerA", Addr: "x", Slots: []int{1}}})

	require.NoError(t, c.SyncOne(context.Background(), "peerA", 1))
	require.Equal(t, "hello", string(store.writes["k1"].Payload))
	require.Equal(t, int64(999), store.prolongs["k1"])
	require.True(t, store.removed["k2"])
}

func TestEventSyncResumesFromCursor(t *testing.T) {
	client := &fakeClient{
		events: map[string][]RemoteEvent{
			"peerA/1": {{Op: synclog.OpWrite, Key: "k1", OrigRecNo: 5, Payload: []byte("x"), CreateTime: 1}},
		},
	}
	store := newFakeStore()
	c := newController(t, client, store, []distmap.Peer{{ID: "peerA", Addr: "x", Slots: []int{1}}})

	require.NoError(t, c.SyncOne(context.Background(), "peerA", 1))
	require.Equal(t, uint64(5), c.lastApplied("peerA", 1))
}

func TestTruncatedLogFallsBackToBlobList(t *testing.T) {
	client := &fakeClient{
		truncated: map[string]bool{"peerA/1": true},
		blobList: map[string][]BlobSummary{
			"peerA/1": {{Key: "k1", CreateTime: 50}},
		},
		blobs: map[string]RemoteEvent{
			"k1": {Op: synclog.OpWrite, Key: "k1", Payload: []byte("remote-body"), CreateTime: 50},
		},
	}
	store := newFakeStore()
	c := newController(t, client, store, []distmap.Peer{{ID: "peerA", Addr: "x", Slots: []int{1}}})

	require.NoError(t, c.SyncOne(context.Background(), "peerA", 1))
	require.Equal(t, "remote-body", string(store.writes["k1"].Payload))
}

func TestBlobListSyncSkipsKeysAlreadyNewerLocally(t *testing.T) {
	client := &fakeClient{
		truncated: map[string]bool{"peerA/1": true},
		blobList: map[string][]BlobSummary{
			"peerA/1": {{Key: "k1", CreateTime: 10}},
		},
	}
	store := newFakeStore()
	store.summary["k1"] = BlobSummary{Key: "k1", CreateTime: 999} // already newer locally
	c := newController(t, client, store, []distmap.Peer{{ID: "peerA", Addr: "x", Slots: []int{1}}})

	require.NoError(t, c.SyncOne(context.Background(), "peerA", 1))
	_, wrote := store.writes["k1"]
	require.False(t, wrote, "a key already newer locally must not be pulled")
}

func TestLWWComparator(t *testing.T) {
	older := BlobSummary{CreateTime: 1, CreateServer: 5, CreateID: 1}
	newer := BlobSummary{CreateTime: 2, CreateServer: 1, CreateID: 1}
	require.True(t, older.Less(newer))
	require.False(t, newer.Less(older))

	tie1 := BlobSummary{CreateTime: 1, CreateServer: 1, CreateID: 1}
	tie2 := BlobSummary{CreateTime: 1, CreateServer: 1, CreateID: 2}
	require.True(t, tie1.Less(tie2))
}

func TestRunInitialSyncMarksUnreachablePeerDone(t *testing.T) {
	client := &fakeClient{}
	store := newFakeStore()
	dm, err := distmap.New("self", []distmap.Peer{
		{ID: "self", Slots: []int{1}},
		{ID: "peerA", Slots: []int{1}},
	})
	require.NoError(t, err)
	pool := peerpool.New(peerpool.Config{MaxPeerConnections: 10, ErrorsForThrottle: 1, ThrottlePeriod: time.Millisecond, UnreachableAfter: 0},
		func(ctx context.Context, addr string) (peerpool.Conn, error) { return nil, fmt.Errorf("dial fails") },
		clock.Real{}, nil)
	// drive one failed dial so the peer is marked unreachable immediately
	// (UnreachableAfter: 0 means any failure counts).
	_, _ = pool.Get(context.Background(), "peerA", "addr")

	sl := synclog.New(4, 1000, time.Second, 0)
	cfg := Config{CntActiveSyncs: 2, MaxSyncsOneServer: 1, FailedSyncRetryDelay: time.Millisecond}
	c := New(cfg, "self", dm, pool, sl, client, store, clock.Real{}, log.Default())

	require.NoError(t, c.RunInitialSync(context.Background()))
}
