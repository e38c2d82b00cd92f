// Package peerpool is the Peer Connection Pool: per-peer reuse of outbound
// TCP connections plus failure-based throttling (spec.md §4.7).
//
// The pool itself is protocol-agnostic — it hands out and takes back
// opaque Conn values obtained from a caller-supplied Dialer, since the
// wire protocol those connections speak is out of scope (spec.md §1,
// "client protocol parsing"). Each peer's idle stack and counters are
// guarded by a plain sync.Mutex. Grounded on the teacher's general "count
// consecutive failures, trip a breaker, reset on success" shape found in
// pkg/blobserver/replica's fan-out-and-tolerate-one-failure logic,
// generalized here into an explicit throttle state machine per spec.md's
// CntErrorsToThrottle/PeerThrottlePeriod.
package peerpool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"netcache/internal/clock"
)

// Conn is a reusable outbound connection to one peer. Close ends it for
// good; a Conn returned to the pool via Put is assumed still usable for a
// subsequent Get.
type Conn interface {
	Close() error
}

// Dialer opens a fresh Conn to addr.
type Dialer func(ctx context.Context, addr string) (Conn, error)

type peerState struct {
	mu   sync.Mutex
	idle []Conn

	open int // connections currently dialed, idle or checked out

	consecutiveErrors int
	throttledUntil    time.Time
	unreachableSince  time.Time // zero if currently reachable
}

// Pool manages one idle-connection stack per peer.
type Pool struct {
	dial    Dialer
	clock   clock.Source
	logger  *log.Logger
	maxOpen int // per peer, spec.md mirror.max_peer_connections

	errorsForThrottle int
	throttlePeriod    time.Duration
	unreachableAfter  time.Duration

	mu     sync.Mutex
	peers  map[string]*peerState
}

// Config is the subset of Settings the pool needs.
type Config struct {
	MaxPeerConnections int
	ErrorsForThrottle  int
	ThrottlePeriod     time.Duration
	UnreachableAfter   time.Duration // spec.md's NetworkErrorTimeout
}

// New builds a Pool. dial is called to create fresh connections on demand;
// cl lets tests control throttle/unreachable timing deterministically.
func New(cfg Config, dial Dialer, cl clock.Source, logger *log.Logger) *Pool {
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{
		dial:              dial,
		clock:             cl,
		logger:            logger,
		maxOpen:           cfg.MaxPeerConnections,
		errorsForThrottle: cfg.ErrorsForThrottle,
		throttlePeriod:    cfg.ThrottlePeriod,
		unreachableAfter:  cfg.UnreachableAfter,
		peers:             make(map[string]*peerState),
	}
}

var errThrottled = fmt.Errorf("peerpool: peer throttled")

func (p *Pool) stateFor(peerID string) *peerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.peers[peerID]
	if !ok {
		st = &peerState{}
		p.peers[peerID] = st
	}
	return st
}

// Get returns an idle connection to peerID, reused LIFO, or dials a fresh
// one if none is idle and the per-peer cap allows it. It fails immediately
// (without dialing) while the peer is throttled.
func (p *Pool) Get(ctx context.Context, peerID, addr string) (Conn, error) {
	st := p.stateFor(peerID)

	st.mu.Lock()
	now := p.now()
	if now.Before(st.throttledUntil) {
		st.mu.Unlock()
		return nil, errThrottled
	}
	if n := len(st.idle); n > 0 {
		c := st.idle[n-1]
		st.idle = st.idle[:n-1]
		st.mu.Unlock()
		return c, nil
	}
	if st.open >= p.maxOpen {
		st.mu.Unlock()
		return nil, fmt.Errorf("peerpool: peer %q at connection cap %d", peerID, p.maxOpen)
	}
	st.open++
	st.mu.Unlock()

	c, err := p.dial(ctx, addr)
	if err != nil {
		p.recordFailure(peerID, st)
		st.mu.Lock()
		st.open--
		st.mu.Unlock()
		return nil, fmt.Errorf("peerpool: dial %s: %w", addr, err)
	}
	return c, nil
}

// Put returns a still-good connection to the idle stack for reuse, and
// resets the peer's failure counters (a successful exchange, per spec.md
// §4.7, "A successful exchange resets the counters").
func (p *Pool) Put(peerID string, c Conn) {
	st := p.stateFor(peerID)
	st.mu.Lock()
	st.idle = append(st.idle, c)
	st.consecutiveErrors = 0
	st.unreachableSince = time.Time{}
	st.mu.Unlock()
}

// Discard closes and drops a connection that turned out to be bad without
// returning it to the idle stack, and records the failure.
func (p *Pool) Discard(peerID string, c Conn) {
	st := p.stateFor(peerID)
	c.Close()
	st.mu.Lock()
	st.open--
	st.mu.Unlock()
	p.recordFailure(peerID, st)
}

func (p *Pool) recordFailure(peerID string, st *peerState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.consecutiveErrors++
	now := p.now()
	if st.unreachableSince.IsZero() {
		st.unreachableSince = now
	}
	if st.consecutiveErrors >= p.errorsForThrottle {
		st.throttledUntil = now.Add(p.throttlePeriod)
		st.consecutiveErrors = 0
		p.logger.Printf("peerpool: %s throttled for %s after repeated failures", peerID, p.throttlePeriod)
	}
}

// Unreachable reports whether peerID has been continuously failing for at
// least the configured NetworkErrorTimeout, in which case
// internal/synccontroller should fail-open and declare its outstanding
// initial-sync slot requirements against that peer "initially synced"
// (spec.md §4.7).
func (p *Pool) Unreachable(peerID string) bool {
	st := p.stateFor(peerID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.unreachableSince.IsZero() {
		return false
	}
	return p.now().Sub(st.unreachableSince) >= p.unreachableAfter
}

// Throttled reports whether peerID is currently refusing new connections.
func (p *Pool) Throttled(peerID string) bool {
	st := p.stateFor(peerID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return p.now().Before(st.throttledUntil)
}

// CloseIdle closes every idle connection to peerID (e.g. when a peer is
// removed from the Distribution Map on reconfigure).
func (p *Pool) CloseIdle(peerID string) {
	st := p.stateFor(peerID)
	st.mu.Lock()
	idle := st.idle
	st.idle = nil
	st.open -= len(idle)
	st.mu.Unlock()
	for _, c := range idle {
		c.Close()
	}
}

func (p *Pool) now() time.Time {
	if p.clock == nil {
		return time.Now()
	}
	return p.clock.Now()
}
