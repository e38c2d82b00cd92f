// Package mirror is the Mirror Dispatcher: a bounded outbound event queue
// per peer that decouples a client-visible write from its replication to
// peers (spec.md §4.6).
//
// Grounded on pkg/blobserver/files.go's file-count gate (a buffered
// channel used purely as a counting semaphore, "SetNewFileGate") for the
// per-peer background-connection concurrency limit, and on
// pkg/blobserver/replica's "local write succeeds, replication best-effort"
// philosophy — an enqueue failure here never fails the caller's write, it
// only increments a rejection counter for later full resync to repair.
package mirror

import (
	"container/list"
	"context"
	"log"
	"sync"

	"golang.org/x/time/rate"

	"netcache/internal/stats"
)

// EventKind is the kind of replication hint a Dispatcher carries to a peer.
type EventKind int

const (
	EventWrite EventKind = iota
	EventProlong
	EventUpdate
)

func (k EventKind) String() string {
	switch k {
	case EventWrite:
		return "write"
	case EventProlong:
		return "prolong"
	case EventUpdate:
		return "update"
	default:
		return "invalid"
	}
}

// Event is one outbound replication hint queued for a peer.
type Event struct {
	Kind EventKind
	Peer string

	Key       string
	OrigRecNo uint64
	OrigTime  int64
	Summary   string // blob content summary, for Prolong's match check

	UpdateTime int64 // for EventUpdate
}

// Sender delivers ev to its target peer and reports whether it succeeded;
// the actual wire exchange is out of scope (spec.md §1) and is the
// Sync Controller's concern.
type Sender func(ctx context.Context, ev Event) error

// bounded is a simple capacity-limited FIFO built on container/list, since
// a plain slice queue would need periodic compaction on a long-lived
// dispatcher and a channel queue can't report "how many enqueued" cheaply.
type bounded struct {
	l   list.List
	cap int
}

func (b *bounded) push(ev Event) bool {
	if b.l.Len() >= b.cap {
		return false
	}
	b.l.PushBack(ev)
	return true
}

func (b *bounded) pop() (Event, bool) {
	front := b.l.Front()
	if front == nil {
		return Event{}, false
	}
	b.l.Remove(front)
	return front.Value.(Event), true
}

func (b *bounded) len() int { return b.l.Len() }

type peerQueues struct {
	mu      sync.Mutex
	small   bounded
	big     bounded
	bgSem   chan struct{} // MaxPeerBGConns slots
	notify  chan struct{} // 1-buffered, signaled on every Enqueue
	limiter *rate.Limiter // nil if MaxPeerDispatchRate is 0 (unlimited)
}

// Config is the subset of Settings the dispatcher needs.
type Config struct {
	MaxMirrorQueueSize int
	SmallBlobBoundary  int64
	MaxPeerBGConns     int
	MaxPeerDispatchRate int // events/sec per peer, 0 = unlimited
}

// Dispatcher holds one pair of bounded FIFOs per peer and drives delivery
// as background connection slots become available.
type Dispatcher struct {
	cfg    Config
	send   Sender
	stats  *stats.Sink
	logger *log.Logger

	mu    sync.Mutex
	peers map[string]*peerQueues

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New builds a Dispatcher. send is invoked (from a background worker) to
// actually deliver each event.
func New(cfg Config, send Sender, st *stats.Sink, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		cfg:    cfg,
		send:   send,
		stats:  st,
		logger: logger,
		peers:  make(map[string]*peerQueues),
		stopCh: make(chan struct{}),
	}
}

func (d *Dispatcher) queuesFor(peerID string) *peerQueues {
	d.mu.Lock()
	defer d.mu.Unlock()
	pq, ok := d.peers[peerID]
	if !ok {
		pq = &peerQueues{
			small:  bounded{cap: d.cfg.MaxMirrorQueueSize},
			big:    bounded{cap: d.cfg.MaxMirrorQueueSize},
			bgSem:  make(chan struct{}, d.cfg.MaxPeerBGConns),
			notify: make(chan struct{}, 1),
		}
		if d.cfg.MaxPeerDispatchRate > 0 {
			pq.limiter = rate.NewLimiter(rate.Limit(d.cfg.MaxPeerDispatchRate), 1)
		}
		d.peers[peerID] = pq
	}
	return pq
}

// Enqueue queues ev for peerID, routed to the small- or big-blob FIFO by
// blobSize against SmallBlobBoundary. It returns false (and bumps
// CopyReqsRejected) if that FIFO is full; the caller's write must still be
// treated as successful (spec.md §4.6).
func (d *Dispatcher) Enqueue(peerID string, ev Event, blobSize int64) bool {
	ev.Peer = peerID
	pq := d.queuesFor(peerID)
	pq.mu.Lock()
	defer pq.mu.Unlock()

	var ok bool
	if blobSize <= d.cfg.SmallBlobBoundary {
		ok = pq.small.push(ev)
	} else {
		ok = pq.big.push(ev)
	}
	if !ok && d.stats != nil {
		d.stats.CopyReqsRejected.Add(1)
	}
	if ok {
		select {
		case pq.notify <- struct{}{}:
		default:
		}
	}
	return ok
}

// QueueLengths reports the current small/big queue depth for peerID, for
// diagnostics.
func (d *Dispatcher) QueueLengths(peerID string) (small, big int) {
	pq := d.queuesFor(peerID)
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.small.len(), pq.big.len()
}

// Run starts the dispatcher's background delivery loop for peerID: it
// blocks on stopCh, waking whenever a background connection slot is free
// (bgSem) to dequeue and send one event, preferring the small-blob queue
// so one large transfer can never starve small ones (spec.md §4.6).
func (d *Dispatcher) Run(ctx context.Context, peerID string) {
	pq := d.queuesFor(peerID)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			ev, ok := d.dequeue(pq)
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-d.stopCh:
					return
				case <-pq.notify:
					continue
				}
			}
			if pq.limiter != nil {
				if err := pq.limiter.Wait(ctx); err != nil {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case pq.bgSem <- struct{}{}:
			}
			go func(ev Event) {
				defer func() { <-pq.bgSem }()
				if err := d.send(ctx, ev); err != nil {
					d.logger.Printf("mirror: delivering %s event for %q to %s: %v", ev.Kind, ev.Key, peerID, err)
				}
			}(ev)
		}
	}()
}

func (d *Dispatcher) dequeue(pq *peerQueues) (Event, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if ev, ok := pq.small.pop(); ok {
		return ev, true
	}
	return pq.big.pop()
}

// Stop signals every Run loop to exit and waits for them to drain.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}
