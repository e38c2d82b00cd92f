package netcache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"netcache/internal/accessor"
	"netcache/internal/blobkey"
	"netcache/internal/clock"
	"netcache/internal/config"
	"netcache/internal/distmap"
	"netcache/internal/mirror"
	"netcache/internal/ncerr"
	"netcache/internal/peerpool"
	"netcache/internal/synccontroller"
)

// noPeerClient is a synccontroller.PeerClient with no reachable peers,
// since these tests exercise a single node with an empty peer list.
type noPeerClient struct{}

func (noPeerClient) EventSync(ctx context.Context, peerID string, slot int, afterRecNo uint64) ([]synccontroller.RemoteEvent, bool, error) {
	return nil, false, nil
}

func (noPeerClient) BlobList(ctx context.Context, peerID string, slot int) ([]synccontroller.BlobSummary, error) {
	return nil, nil
}

func (noPeerClient) FetchBlob(ctx context.Context, peerID string, key string) (synccontroller.RemoteEvent, error) {
	return synccontroller.RemoteEvent{}, nil
}

func newTestContext(t *testing.T) *StorageContext {
	t.Helper()
	cfg := config.Default()
	cfg.StoragePath = t.TempDir()
	cfg.SelfID = "node-a"
	cfg.SelfGroup = "rack-a"
	cfg.Host = "127.0.0.1"
	cfg.Port = 9000
	cfg.MaxSlot = 4
	cfg.ChunkSize = 4
	cfg.MapSize = 2
	cfg.EachFileSize = 1 << 20

	deps := Deps{
		Dial: func(ctx context.Context, addr string) (peerpool.Conn, error) {
			return nil, ncerr.ErrServer
		},
		Send: func(ctx context.Context, ev mirror.Event) error {
			return nil
		},
		PeerClient: noPeerClient{},
		Clock:      clock.Real{},
		ServerID:   1,
	}
	s, err := Open(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Stop()) })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestContext(t)
	ctx := context.Background()

	key, err := s.Put(ctx, "", []byte("hello netcache"), 3600, "")
	require.NoError(t, err)
	require.NotEmpty(t, key)

	got, err := s.Get(ctx, key, "", accessor.PasswordAny)
	require.NoError(t, err)
	require.Equal(t, []byte("hello netcache"), got)
}

func TestPutEmptyPayload(t *testing.T) {
	s := newTestContext(t)
	ctx := context.Background()

	key, err := s.Put(ctx, "", nil, 3600, "")
	require.NoError(t, err)

	got, err := s.Get(ctx, key, "", accessor.PasswordAny)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestPutLargerThanOneChunk(t *testing.T) {
	s := newTestContext(t)
	ctx := context.Background()

	// chunk size 4 and map size 2: 29 bytes span 8 chunks, the most a
	// chunk-map tree of the default MaxMapDepth 3 can address.
	payload := make([]byte, 29)
	for i := range payload {
		payload[i] = byte(i)
	}
	key, err := s.Put(ctx, "", payload, 3600, "")
	require.NoError(t, err)

	got, err := s.Get(ctx, key, "", accessor.PasswordAny)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	s := newTestContext(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "nonexistent-key", "", accessor.PasswordAny)
	require.ErrorIs(t, err, ncerr.ErrNotFound)
}

func TestExistsReflectsPutAndRemove(t *testing.T) {
	s := newTestContext(t)
	ctx := context.Background()

	key, err := s.Put(ctx, "", []byte("payload"), 3600, "")
	require.NoError(t, err)

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Remove(ctx, key))

	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetWithWrongPasswordFails(t *testing.T) {
	s := newTestContext(t)
	ctx := context.Background()

	key, err := s.Put(ctx, "", []byte("secret"), 3600, "pw1")
	require.NoError(t, err)

	_, err = s.Get(ctx, key, "wrong", accessor.PasswordAny)
	require.ErrorIs(t, err, ncerr.ErrAuth)

	got, err := s.Get(ctx, key, "pw1", accessor.PasswordAny)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), got)
}

func TestProlongExtendsDeadline(t *testing.T) {
	s := newTestContext(t)
	ctx := context.Background()

	key, err := s.Put(ctx, "", []byte("payload"), 60, "")
	require.NoError(t, err)

	require.NoError(t, s.Prolong(ctx, key, 7200))

	got, err := s.Get(ctx, key, "", accessor.PasswordAny)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

func TestConcurrentGetsOfSameKeyAllSucceed(t *testing.T) {
	s := newTestContext(t)
	ctx := context.Background()

	key, err := s.Put(ctx, "", []byte("shared payload"), 3600, "")
	require.NoError(t, err)

	const n = 20
	results := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Get(ctx, key, "", accessor.PasswordAny)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, []byte("shared payload"), results[i])
	}
}

func TestMintKeyRoutesToSelfServedSlot(t *testing.T) {
	s := newTestContext(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		key, slot, err := s.mintKey(ctx)
		require.NoError(t, err)
		require.True(t, s.DistMap.IsServedLocally(slot))
		gotSlot, _ := s.Router.SlotFor(blobkey.Key(key))
		require.Equal(t, slot, gotSlot)
	}
}

func TestNonLocalSlotPutRejected(t *testing.T) {
	s := newTestContext(t)
	ctx := context.Background()

	// Replace the distribution map with one where self serves no slots,
	// so any client-supplied key (routed by CRC32, independent of node
	// identity) is refused rather than silently accepted.
	dm, err := distmap.New(s.Cfg.SelfID, []distmap.Peer{
		{ID: s.Cfg.SelfID, Group: s.Cfg.SelfGroup},
	})
	require.NoError(t, err)
	s.DistMap = dm

	_, err = s.Put(ctx, "fixed-client-key", []byte("x"), 3600, "")
	require.ErrorIs(t, err, ErrNotServedLocally)
}

func TestRestartResumesRecNoAfterPersistedStop(t *testing.T) {
	cfg := config.Default()
	cfg.StoragePath = t.TempDir()
	cfg.SelfID = "node-a"
	cfg.SelfGroup = "rack-a"
	cfg.MaxSlot = 4
	cfg.ChunkSize = 4
	cfg.MapSize = 2
	cfg.EachFileSize = 1 << 20

	deps := Deps{
		Dial:       func(ctx context.Context, addr string) (peerpool.Conn, error) { return nil, ncerr.ErrServer },
		Send:       func(ctx context.Context, ev mirror.Event) error { return nil },
		PeerClient: noPeerClient{},
		Clock:      clock.Real{},
		ServerID:   1,
	}
	ctx := context.Background()

	s1, err := Open(cfg, deps)
	require.NoError(t, err)
	_, err = s1.Put(ctx, "", []byte("a"), 3600, "")
	require.NoError(t, err)
	_, err = s1.Put(ctx, "", []byte("b"), 3600, "")
	require.NoError(t, err)
	lastRecNo := s1.SyncLog.MaxRecNo()
	require.NoError(t, s1.Stop())

	s2, err := Open(cfg, deps)
	require.NoError(t, err)
	defer func() { require.NoError(t, s2.Stop()) }()

	require.GreaterOrEqual(t, s2.SyncLog.MaxRecNo(), lastRecNo)
	saved, err := s2.SideDB.MaxRecNo()
	require.NoError(t, err)
	require.Equal(t, lastRecNo, saved)
}

func TestStartedMarkerCreatedAndRemoved(t *testing.T) {
	cfg := config.Default()
	cfg.StoragePath = t.TempDir()
	cfg.StoragePrefix = "nc_"
	cfg.SelfID = "node-a"
	cfg.SelfGroup = "rack-a"
	cfg.MaxSlot = 4
	cfg.ChunkSize = 4
	cfg.MapSize = 2
	cfg.EachFileSize = 1 << 20

	deps := Deps{
		Dial:       func(ctx context.Context, addr string) (peerpool.Conn, error) { return nil, ncerr.ErrServer },
		Send:       func(ctx context.Context, ev mirror.Event) error { return nil },
		PeerClient: noPeerClient{},
		Clock:      clock.Real{},
		ServerID:   1,
	}

	s, err := Open(cfg, deps)
	require.NoError(t, err)

	markers, err := filepath.Glob(filepath.Join(cfg.StoragePath, cfg.StoragePrefix+"started_*"))
	require.NoError(t, err)
	require.Len(t, markers, 1)

	require.NoError(t, s.Stop())

	markers, err = filepath.Glob(filepath.Join(cfg.StoragePath, cfg.StoragePrefix+"started_*"))
	require.NoError(t, err)
	require.Empty(t, markers)
}

func TestStartedMarkerSurvivesUncleanShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.StoragePath = t.TempDir()
	cfg.StoragePrefix = "nc_"
	cfg.SelfID = "node-a"
	cfg.SelfGroup = "rack-a"
	cfg.MaxSlot = 4
	cfg.ChunkSize = 4
	cfg.MapSize = 2
	cfg.EachFileSize = 1 << 20

	// Simulate a marker left behind by a process that never reached
	// Stop. A later Open must not fail or remove it on its own.
	stalePath := filepath.Join(cfg.StoragePath, cfg.StoragePrefix+"started_999999")
	require.NoError(t, os.WriteFile(stalePath, nil, 0644))

	deps := Deps{
		Dial:       func(ctx context.Context, addr string) (peerpool.Conn, error) { return nil, ncerr.ErrServer },
		Send:       func(ctx context.Context, ev mirror.Event) error { return nil },
		PeerClient: noPeerClient{},
		Clock:      clock.Real{},
		ServerID:   1,
	}
	s, err := Open(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Stop()) })

	require.FileExists(t, stalePath)
}

func TestStartAndStopWithNoPeers(t *testing.T) {
	s := newTestContext(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
}
