package gc

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"netcache/internal/accessor"
	"netcache/internal/clock"
	"netcache/internal/heap"
	"netcache/internal/keyindex"
	"netcache/internal/ncerr"
	"netcache/internal/stats"
)

func newTestHeap(t *testing.T, st *stats.Sink) *heap.Heap {
	t.Helper()
	cfg := heap.Config{
		Path:          t.TempDir(),
		Prefix:        "ncbi_nc_",
		EachFileSize:  1 << 20,
		MaxIOWaitTime: time.Second,
		FlushPeriod:   50 * time.Millisecond,
	}
	h, err := heap.Open(cfg, clock.Real{}, log.New(os.Stderr, "", 0), st, ncerr.LogFatal{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h.Close()) })
	return h
}

func testAccCfg() accessor.Config {
	return accessor.Config{ChunkSize: 4, MapSize: 2, MaxMapDepth: 3, DefaultTTL: 3600}
}

func writeBlob(t *testing.T, h *heap.Heap, idx *keyindex.Index, cl clock.Source, counter *accessor.Counter, key string, payload []byte, ttl time.Duration) {
	t.Helper()
	ctx := context.Background()
	a, err := accessor.Open(ctx, h, idx, cl, testAccCfg(), 1, counter, 1, key, "", accessor.Create)
	require.NoError(t, err)
	require.NoError(t, a.WriteChunk(ctx, 0, payload))
	require.NoError(t, a.Finalize(ctx, ttl, ttl))
}

func TestExpireSlotDeletesPastDeadTime(t *testing.T) {
	st := stats.New(t.Name())
	h := newTestHeap(t, st)
	idx := keyindex.New(4, 4, 2*time.Second, clock.Real{})
	counter := accessor.NewCounter()
	cl := clock.NewFake(time.Unix(1_700_000_000, 0))

	writeBlob(t, h, idx, cl, counter, "short", []byte("x"), time.Second)
	writeBlob(t, h, idx, cl, counter, "long", []byte("y"), time.Hour)

	cl.Advance(2 * time.Second)

	c := New(h, idx, cl, Config{GCBatchSize: 10}, testAccCfg(), 1, counter, st, nil)
	require.NoError(t, c.ExpireSlot(context.Background(), 1))

	d, err := idx.Get(1, "short")
	require.NoError(t, err)
	require.Equal(t, heap.Coord(0), d.Coord)

	d2, err := idx.Get(1, "long")
	require.NoError(t, err)
	require.NotEqual(t, heap.Coord(0), d2.Coord)

	require.Equal(t, int64(1), st.BlobsExpired.Value())
}

func TestExpireSlotRespectsBatchSize(t *testing.T) {
	st := stats.New(t.Name())
	h := newTestHeap(t, st)
	idx := keyindex.New(4, 4, 2*time.Second, clock.Real{})
	counter := accessor.NewCounter()
	cl := clock.NewFake(time.Unix(1_700_000_000, 0))

	for _, k := range []string{"a", "b", "c"} {
		writeBlob(t, h, idx, cl, counter, k, []byte("x"), time.Second)
	}
	cl.Advance(2 * time.Second)

	c := New(h, idx, cl, Config{GCBatchSize: 1}, testAccCfg(), 1, counter, st, nil)
	require.NoError(t, c.ExpireSlot(context.Background(), 1))
	require.Equal(t, int64(1), st.BlobsExpired.Value(), "only GCBatchSize entries should be reaped per pass")
}

func TestRefreshPressureGatesWrites(t *testing.T) {
	st := stats.New(t.Name())
	h := newTestHeap(t, st)
	idx := keyindex.New(4, 4, 2*time.Second, clock.Real{})
	counter := accessor.NewCounter()
	cl := clock.NewFake(time.Unix(1_700_000_000, 0))

	c := New(h, idx, cl, Config{StopWriteOnSize: 10, StopWriteOffSize: 5}, testAccCfg(), 1, counter, st, nil)
	require.True(t, c.IsWriteAllowed())

	st.CurDBSize.Set(20)
	c.RefreshPressure()
	require.False(t, c.IsWriteAllowed())

	st.CurDBSize.Set(7) // between off and on thresholds: stays blocked
	c.RefreshPressure()
	require.False(t, c.IsWriteAllowed())

	st.CurDBSize.Set(3)
	c.RefreshPressure()
	require.True(t, c.IsWriteAllowed())
}

func TestExtraGCTimeExtendsExpiryUnderPressure(t *testing.T) {
	st := stats.New(t.Name())
	h := newTestHeap(t, st)
	idx := keyindex.New(4, 4, 2*time.Second, clock.Real{})
	counter := accessor.NewCounter()
	cl := clock.NewFake(time.Unix(1_700_000_000, 0))

	writeBlob(t, h, idx, cl, counter, "k", []byte("x"), 100*time.Second)
	cl.Advance(50 * time.Second) // not yet expired under normal rules

	c := New(h, idx, cl, Config{GCBatchSize: 10, ExtraGCTime: time.Hour}, testAccCfg(), 1, counter, st, nil)
	c.blocked.Store(true) // simulate disk pressure without a real statfs check

	require.NoError(t, c.ExpireSlot(context.Background(), 1))
	d, err := idx.Get(1, "k")
	require.NoError(t, err)
	require.Equal(t, heap.Coord(0), d.Coord, "ExtraGCTime should pull the cutoff far enough forward to expire this blob early")
}

func TestCompactOnceRelocatesLiveBlobsOutOfGarbageHeavyFile(t *testing.T) {
	st := stats.New(t.Name())
	// A tiny per-file size forces rollover after a handful of writes, so
	// the first file ends up sealed (non-current, eligible for
	// compaction) with mostly garbage in it once "churn" is overwritten.
	cfg := heap.Config{
		Path:          t.TempDir(),
		Prefix:        "ncbi_nc_",
		EachFileSize:  512,
		MaxIOWaitTime: time.Second,
		FlushPeriod:   50 * time.Millisecond,
	}
	h, err := heap.Open(cfg, clock.Real{}, log.New(os.Stderr, "", 0), st, ncerr.LogFatal{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h.Close()) })

	idx := keyindex.New(4, 4, 2*time.Second, clock.Real{})
	counter := accessor.NewCounter()
	cl := clock.NewFake(time.Unix(1_700_000_000, 0))

	writeBlob(t, h, idx, cl, counter, "churn", []byte("v1"), time.Hour)
	for i := 0; i < 20; i++ {
		writeBlob(t, h, idx, cl, counter, "churn", []byte("vN"), time.Hour)
	}
	writeBlob(t, h, idx, cl, counter, "keeper", []byte("keep-me"), time.Hour)

	var sealedNonWritable bool
	c := New(h, idx, cl, Config{MinDBSize: 0, MaxGarbagePct: 0, MinMoveLife: 0, MaxShrinkScanSize: 1 << 20}, testAccCfg(), 1, counter, st, nil)
	for _, f := range h.FileStats() {
		if !f.Writable && f.Garbage > 0 {
			sealedNonWritable = true
		}
	}
	require.True(t, sealedNonWritable, "test setup should have produced at least one sealed, garbage-bearing file")

	require.NoError(t, c.CompactOnce(context.Background(), []int{1}))

	// The live keys must still read back correctly after compaction,
	// wherever their records ended up.
	ctx := context.Background()
	r, err := accessor.Open(ctx, h, idx, cl, testAccCfg(), 1, counter, 1, "keeper", "", accessor.Read)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := r.ReadChunk(ctx, 0, buf)
	require.NoError(t, err)
	require.Equal(t, "keep-me", string(buf[:n]))
}
