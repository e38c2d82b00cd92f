package mirror

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"netcache/internal/stats"
)

func testConfig() Config {
	return Config{
		MaxMirrorQueueSize: 2,
		SmallBlobBoundary:  1000,
		MaxPeerBGConns:     2,
	}
}

func TestEnqueueRoutesBySize(t *testing.T) {
	st := stats.New(t.Name())
	d := New(testConfig(), func(ctx context.Context, ev Event) error { return nil }, st, nil)

	require.True(t, d.Enqueue("p1", Event{Kind: EventWrite, Key: "small"}, 10))
	require.True(t, d.Enqueue("p1", Event{Kind: EventWrite, Key: "big"}, 100000))

	small, big := d.QueueLengths("p1")
	require.Equal(t, 1, small)
	require.Equal(t, 1, big)
}

func TestEnqueueRejectsWhenFullAndCountsStat(t *testing.T) {
	st := stats.New(t.Name())
	d := New(testConfig(), func(ctx context.Context, ev Event) error { return nil }, st, nil)

	require.True(t, d.Enqueue("p1", Event{Key: "a"}, 10))
	require.True(t, d.Enqueue("p1", Event{Key: "b"}, 10))
	require.False(t, d.Enqueue("p1", Event{Key: "c"}, 10))
	require.Equal(t, int64(1), st.CopyReqsRejected.Value())
}

func TestRunDeliversQueuedEvents(t *testing.T) {
	st := stats.New(t.Name())
	var mu sync.Mutex
	var delivered []string
	send := func(ctx context.Context, ev Event) error {
		mu.Lock()
		delivered = append(delivered, ev.Key)
		mu.Unlock()
		return nil
	}
	d := New(testConfig(), send, st, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.Enqueue("p1", Event{Kind: EventWrite, Key: "k1"}, 10)
	d.Enqueue("p1", Event{Kind: EventWrite, Key: "k2"}, 10)
	d.Run(ctx, "p1")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 2
	}, time.Second, time.Millisecond)

	d.Stop()
}

func TestDispatchRatePacesDelivery(t *testing.T) {
	st := stats.New(t.Name())
	var mu sync.Mutex
	var delivered []time.Time
	send := func(ctx context.Context, ev Event) error {
		mu.Lock()
		delivered = append(delivered, time.Now())
		mu.Unlock()
		return nil
	}
	cfg := testConfig()
	cfg.MaxPeerDispatchRate = 5 // 5/sec, so the second of 2 events waits ~200ms
	d := New(cfg, send, st, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.Enqueue("p1", Event{Kind: EventWrite, Key: "k1"}, 10)
	d.Enqueue("p1", Event{Kind: EventWrite, Key: "k2"}, 10)
	start := time.Now()
	d.Run(ctx, "p1")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 2
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	last := delivered[len(delivered)-1]
	mu.Unlock()
	require.GreaterOrEqual(t, last.Sub(start), 150*time.Millisecond)

	d.Stop()
}

func TestSmallQueueServedBeforeBigWhenBothNonEmpty(t *testing.T) {
	st := stats.New(t.Name())
	cfg := testConfig()
	cfg.MaxPeerBGConns = 1 // serialize delivery so order is observable

	var mu sync.Mutex
	var order []string
	send := func(ctx context.Context, ev Event) error {
		mu.Lock()
		order = append(order, ev.Key)
		mu.Unlock()
		return nil
	}
	d := New(cfg, send, st, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Both queued before the dispatch loop ever starts, so the loop's
	// first dequeue must choose between them.
	d.Enqueue("p1", Event{Key: "big"}, 100000)
	d.Enqueue("p1", Event{Key: "small"}, 10)
	d.Run(ctx, "p1")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"small", "big"}, order)
	d.Stop()
}
