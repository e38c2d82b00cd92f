package peerpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"netcache/internal/clock"
)

type fakeConn struct {
	closed bool
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func testConfig() Config {
	return Config{
		MaxPeerConnections: 2,
		ErrorsForThrottle:  3,
		ThrottlePeriod:     10 * time.Second,
		UnreachableAfter:   30 * time.Second,
	}
}

func TestGetReusesPutConnectionLIFO(t *testing.T) {
	dials := 0
	dial := func(ctx context.Context, addr string) (Conn, error) {
		dials++
		return &fakeConn{}, nil
	}
	p := New(testConfig(), dial, clock.NewFake(time.Unix(0, 0)), nil)

	c1, err := p.Get(context.Background(), "p1", "addr")
	require.NoError(t, err)
	p.Put("p1", c1)

	c2, err := p.Get(context.Background(), "p1", "addr")
	require.NoError(t, err)
	require.Same(t, c1, c2)
	require.Equal(t, 1, dials)
}

func TestGetFailsAtPeerCapWithNoIdle(t *testing.T) {
	dial := func(ctx context.Context, addr string) (Conn, error) {
		return &fakeConn{}, nil
	}
	p := New(testConfig(), dial, clock.NewFake(time.Unix(0, 0)), nil)

	_, err := p.Get(context.Background(), "p1", "addr")
	require.NoError(t, err)
	_, err = p.Get(context.Background(), "p1", "addr")
	require.NoError(t, err)
	_, err = p.Get(context.Background(), "p1", "addr")
	require.Error(t, err)
}

func TestRepeatedFailuresTripThrottle(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	dial := func(ctx context.Context, addr string) (Conn, error) {
		return nil, errors.New("connection refused")
	}
	p := New(testConfig(), dial, fc, nil)

	for i := 0; i < 3; i++ {
		_, err := p.Get(context.Background(), "p1", "addr")
		require.Error(t, err)
	}
	require.True(t, p.Throttled("p1"))

	_, err := p.Get(context.Background(), "p1", "addr")
	require.ErrorIs(t, err, errThrottled)

	fc.Advance(11 * time.Second)
	require.False(t, p.Throttled("p1"))
}

func TestSuccessfulPutResetsFailureCounters(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	fail := true
	dial := func(ctx context.Context, addr string) (Conn, error) {
		if fail {
			return nil, errors.New("refused")
		}
		return &fakeConn{}, nil
	}
	p := New(testConfig(), dial, fc, nil)

	_, err := p.Get(context.Background(), "p1", "addr")
	require.Error(t, err)
	_, err = p.Get(context.Background(), "p1", "addr")
	require.Error(t, err)

	fail = false
	c, err := p.Get(context.Background(), "p1", "addr")
	require.NoError(t, err)
	p.Put("p1", c)
	p.CloseIdle("p1") // drop the idle conn so the next Gets have to dial

	fail = true
	for i := 0; i < 2; i++ {
		_, err := p.Get(context.Background(), "p1", "addr")
		require.Error(t, err)
	}
	require.False(t, p.Throttled("p1"), "counters should have reset after the successful exchange")
}

func TestUnreachableAfterTimeout(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	dial := func(ctx context.Context, addr string) (Conn, error) {
		return nil, errors.New("refused")
	}
	p := New(testConfig(), dial, fc, nil)

	_, _ = p.Get(context.Background(), "p1", "addr")
	require.False(t, p.Unreachable("p1"))

	fc.Advance(31 * time.Second)
	require.True(t, p.Unreachable("p1"))
}

func TestDiscardClosesAndFreesSlot(t *testing.T) {
	dial := func(ctx context.Context, addr string) (Conn, error) {
		return &fakeConn{}, nil
	}
	p := New(testConfig(), dial, clock.NewFake(time.Unix(0, 0)), nil)

	c, err := p.Get(context.Background(), "p1", "addr")
	require.NoError(t, err)
	fc := c.(*fakeConn)
	p.Discard("p1", c)
	require.True(t, fc.closed)

	_, err = p.Get(context.Background(), "p1", "addr")
	require.NoError(t, err)
	_, err = p.Get(context.Background(), "p1", "addr")
	require.NoError(t, err)
}

func TestCloseIdleClosesEveryIdleConn(t *testing.T) {
	dial := func(ctx context.Context, addr string) (Conn, error) {
		return &fakeConn{}, nil
	}
	p := New(testConfig(), dial, clock.NewFake(time.Unix(0, 0)), nil)

	c1, _ := p.Get(context.Background(), "p1", "addr")
	c2, _ := p.Get(context.Background(), "p1", "addr")
	p.Put("p1", c1)
	p.Put("p1", c2)

	p.CloseIdle("p1")
	require.True(t, c1.(*fakeConn).closed)
	require.True(t, c2.(*fakeConn).closed)

	_, err := p.Get(context.Background(), "p1", "addr")
	require.NoError(t, err)
}
