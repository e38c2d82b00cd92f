// Package synclog is the Sync Log: a per-slot bounded, durable-ordered
// log of mutating events the Sync Controller replays to peers (spec.md
// §4.4).
//
// Grounded on pkg/blobserver/sync.go's diff-based replication being the
// *fallback* path it augments: rather than always re-diffing two full
// blob lists, a bounded per-slot event log lets most syncs be a cheap
// "replay everything after rec-no N" instead, falling back to the
// diskpacked-style full enumeration (internal/synccontroller's blob-list
// path) only once a peer has fallen behind the log's retained window.
package synclog

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Op is the kind of mutation an event records.
type Op int

const (
	OpWrite Op = iota
	OpProlong
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpProlong:
		return "prolong"
	case OpRemove:
		return "remove"
	default:
		return "invalid"
	}
}

// Event is one Sync Log entry. OrigRecNo/OrigTime are preserved across
// replication: when a remote's event is applied locally it gets a fresh
// local RecNo but keeps the remote's OrigRecNo, so the same mutation is
// never double-applied (spec.md §4.4, "enabling idempotency").
type Event struct {
	RecNo    uint64
	Op       Op
	Key      string
	OrigTime int64
	OrigRecNo uint64
}

type slotLog struct {
	mu               sync.Mutex
	events           []Event // ascending RecNo, oldest first
	peerAcks         map[string]uint64
	lastForceAdvance time.Time
}

// Log is the Sync Log for one node: one bounded ring per slot, sharing a
// single global monotonic rec-no counter (spec.md §3 invariant 5 talks
// about one slot's ordering, but rec-no itself is process-global so the
// side index's persisted high-water mark is unambiguous across slots).
type Log struct {
	maxRecords           int
	minForcedCleanPeriod time.Duration
	nextRecNo            atomic.Uint64

	slots []*slotLog
}

// New builds a Log for maxSlot slots, each capped at maxRecords events
// (spec.md §6, mirror.max_slot_log_records, default 100000).
func New(maxSlot, maxRecords int, minForcedCleanPeriod time.Duration, startRecNo uint64) *Log {
	l := &Log{
		maxRecords:           maxRecords,
		minForcedCleanPeriod: minForcedCleanPeriod,
		slots:                make([]*slotLog, maxSlot),
	}
	l.nextRecNo.Store(startRecNo)
	for i := range l.slots {
		l.slots[i] = &slotLog{peerAcks: make(map[string]uint64)}
	}
	return l
}

func (l *Log) slotFor(slot int) (*slotLog, error) {
	if slot < 1 || slot > len(l.slots) {
		return nil, fmt.Errorf("synclog: slot %d out of range [1,%d]", slot, len(l.slots))
	}
	return l.slots[slot-1], nil
}

// AppendLocal records a locally-committed mutation, assigning it a fresh
// rec-no and setting OrigRecNo/OrigTime from itself.
func (l *Log) AppendLocal(slot int, op Op, key string, now int64) (Event, error) {
	return l.append(slot, op, key, now, 0)
}

// AppendRemote records a mutation replayed from a peer, preserving its
// origin rec-no/time for idempotency while still assigning a fresh local
// rec-no (so local readers still see a contiguous local sequence).
func (l *Log) AppendRemote(slot int, op Op, key string, origTime int64, origRecNo uint64) (Event, error) {
	if origRecNo == 0 {
		return Event{}, fmt.Errorf("synclog: remote event for %q missing orig-rec-no", key)
	}
	return l.append(slot, op, key, origTime, origRecNo)
}

func (l *Log) append(slot int, op Op, key string, origTime int64, origRecNo uint64) (Event, error) {
	sl, err := l.slotFor(slot)
	if err != nil {
		return Event{}, err
	}
	recNo := l.nextRecNo.Add(1)
	ev := Event{RecNo: recNo, Op: op, Key: key, OrigTime: origTime, OrigRecNo: origRecNo}
	if ev.OrigRecNo == 0 {
		ev.OrigRecNo = recNo
	}

	sl.mu.Lock()
	sl.events = append(sl.events, ev)
	sl.mu.Unlock()
	return ev, nil
}

// AckThrough records that peerID has applied every event up to and
// including recNo for slot.
func (l *Log) AckThrough(slot int, peerID string, recNo uint64) error {
	sl, err := l.slotFor(slot)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if recNo > sl.peerAcks[peerID] {
		sl.peerAcks[peerID] = recNo
	}
	return nil
}

// Trim discards every event at the tail of slot's log that every peer in
// requiredPeers has acknowledged (spec.md §4.4 retention rule). A peer not
// present in requiredPeers is ignored (it no longer serves the slot).
func (l *Log) Trim(slot int, requiredPeers []string) error {
	sl, err := l.slotFor(slot)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if len(requiredPeers) == 0 {
		sl.events = sl.events[len(sl.events):]
		return nil
	}
	floor := uint64(1<<64 - 1)
	for _, p := range requiredPeers {
		if ack := sl.peerAcks[p]; ack < floor {
			floor = ack
		}
	}
	i := 0
	for ; i < len(sl.events) && sl.events[i].RecNo <= floor; i++ {
	}
	sl.events = sl.events[i:]
	return nil
}

// ForceAdvance forcibly drops the oldest half of slot's log once it is at
// capacity and at least minForcedCleanPeriod has passed since the last
// forced advance, reporting the new tail's lowest retained rec-no. Peers
// that have not acked at least that rec-no must fall back to a full
// blob-list resync (spec.md §4.4).
func (l *Log) ForceAdvance(slot int, now time.Time) (newFloor uint64, advanced bool, err error) {
	sl, err := l.slotFor(slot)
	if err != nil {
		return 0, false, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if len(sl.events) < l.maxRecords {
		return 0, false, nil
	}
	if !sl.lastForceAdvance.IsZero() && now.Sub(sl.lastForceAdvance) < l.minForcedCleanPeriod {
		return 0, false, nil
	}
	drop := len(sl.events) / 2
	if drop == 0 {
		drop = 1
	}
	sl.events = sl.events[drop:]
	sl.lastForceAdvance = now
	if len(sl.events) == 0 {
		return 0, true, nil
	}
	return sl.events[0].RecNo, true, nil
}

// ReadFrom returns every event in slot strictly newer than afterRecNo, in
// order. ok is false if afterRecNo predates the log's retained window —
// the caller must fall back to a full blob-list resync.
func (l *Log) ReadFrom(slot int, afterRecNo uint64) (events []Event, ok bool, err error) {
	sl, err := l.slotFor(slot)
	if err != nil {
		return nil, false, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if len(sl.events) > 0 && sl.events[0].RecNo > afterRecNo+1 {
		return nil, false, nil
	}
	i := 0
	for ; i < len(sl.events) && sl.events[i].RecNo <= afterRecNo; i++ {
	}
	out := make([]Event, len(sl.events)-i)
	copy(out, sl.events[i:])
	return out, true, nil
}

// MaxRecNo returns the highest rec-no assigned so far across the whole
// log, for persisting to the side index (spec.md §4.4,
// MinRecNoSavePeriod).
func (l *Log) MaxRecNo() uint64 {
	return l.nextRecNo.Load()
}
