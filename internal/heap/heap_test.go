package heap

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"netcache/internal/clock"
	"netcache/internal/ncerr"
	"netcache/internal/stats"
)

func newTestHeap(t *testing.T, eachFileSize int64) *Heap {
	t.Helper()
	cfg := Config{
		Path:          t.TempDir(),
		Prefix:        "ncbi_nc_",
		EachFileSize:  eachFileSize,
		MaxIOWaitTime: time.Second,
		FlushPeriod:   50 * time.Millisecond,
	}
	h, err := Open(cfg, clock.Real{}, log.New(os.Stderr, "", 0), stats.New(t.Name()), ncerr.LogFatal{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h.Close()) })
	return h
}

func TestWriteAndGetRecordRoundTrips(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	ctx := context.Background()

	coord, err := h.WriteRecord(ctx, KindChunkData, []byte("hello world"))
	require.NoError(t, err)
	require.True(t, coord.Valid())

	got, err := h.GetRecord(coord, KindChunkData)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)
}

func TestWriteRecordSeparatesMetaAndDataStreams(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	ctx := context.Background()

	metaCoord, err := h.WriteRecord(ctx, KindMeta, []byte("meta-payload"))
	require.NoError(t, err)
	dataCoord, err := h.WriteRecord(ctx, KindChunkData, []byte("data-payload"))
	require.NoError(t, err)

	require.NotEqual(t, metaCoord.FileID(), dataCoord.FileID())

	_, err = h.GetRecord(metaCoord, KindChunkData)
	require.ErrorIs(t, err, ncerr.ErrWrongRecordKind)
}

func TestGetRecordRejectsUnknownFile(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	_, err := h.GetRecord(NewCoord(9999, 16), KindNone)
	require.ErrorIs(t, err, ncerr.ErrCorruptStorage)
}

func TestWriteRecordRollsOverWhenFileFull(t *testing.T) {
	// A tiny file size forces a rollover once the third record won't fit.
	h := newTestHeap(t, 200)
	ctx := context.Background()

	payload := make([]byte, 64)
	first, err := h.WriteRecord(ctx, KindChunkData, payload)
	require.NoError(t, err)
	second, err := h.WriteRecord(ctx, KindChunkData, payload)
	require.NoError(t, err)
	third, err := h.WriteRecord(ctx, KindChunkData, payload)
	require.NoError(t, err)

	require.Equal(t, first.FileID(), second.FileID())
	require.NotEqual(t, second.FileID(), third.FileID())

	got, err := h.GetRecord(third, KindChunkData)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestMarkGarbageUpdatesCounters(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	ctx := context.Background()

	coord, err := h.WriteRecord(ctx, KindChunkData, []byte("garbage me"))
	require.NoError(t, err)

	require.NoError(t, h.MarkGarbage(coord, int64(len("garbage me"))))

	h.filesMu.RLock()
	f := h.files[coord.FileID()]
	h.filesMu.RUnlock()
	used, garb := f.sizes()
	require.Greater(t, garb, int64(0))
	require.Greater(t, used, int64(0))
}

func TestMarkGarbageRejectsOverfree(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	ctx := context.Background()

	coord, err := h.WriteRecord(ctx, KindChunkData, []byte("x"))
	require.NoError(t, err)

	err = h.MarkGarbage(coord, 1<<30)
	require.Error(t, err)
}

func TestOpenReplaysExistingFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Path: dir, Prefix: "ncbi_nc_", EachFileSize: 1 << 20, MaxIOWaitTime: time.Second, FlushPeriod: 50 * time.Millisecond}

	h1, err := Open(cfg, clock.Real{}, log.New(os.Stderr, "", 0), stats.New(t.Name()+"1"), ncerr.LogFatal{})
	require.NoError(t, err)
	coord, err := h1.WriteRecord(context.Background(), KindChunkData, []byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, h1.Close())

	h2, err := Open(cfg, clock.Real{}, log.New(os.Stderr, "", 0), stats.New(t.Name()+"2"), ncerr.LogFatal{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h2.Close()) })

	got, err := h2.GetRecord(coord, KindChunkData)
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), got)
}
