// Package distmap is the Distribution Map: the static, rebuildable view
// of the cluster that every mirror/sync decision reads (spec.md §4.5).
//
// Grounded on pkg/blobserver/shard's "map a key to a fixed set of
// backends" shape (shardNum / shards slice, rebuilt wholesale rather than
// mutated field-by-field) generalized from one-key-one-backend to
// one-slot-many-peers, and on the atomic-pointer reconfiguration pattern
// spec.md §4.5 calls for ("held under an atomic pointer, updated only by
// reconfig, never in the hot path").
package distmap

import (
	"fmt"
	"math/rand"
	"sort"
	"sync/atomic"
)

// Peer is one cluster member as distmap sees it: just enough to route
// and order mirror/sync targets, never a live connection (that's
// internal/peerpool's job).
type Peer struct {
	ID    string
	Addr  string
	Group string // rack/group, for same-group mirror/sync preference
	Slots []int
}

type view struct {
	self        string
	peers       map[string]Peer
	slotToPeers map[int][]string        // slot -> peer IDs serving it (self excluded)
	selfSlots   map[int]bool
	commonSlots map[string]map[int]bool // peer ID -> slots shared with self
}

// Map is the Distribution Map for one node.
type Map struct {
	self string
	v    atomic.Pointer[view]
}

// New builds a Map for selfID, initially configured with peers (self's own
// entry, if present in peers, supplies the self-slots set).
func New(selfID string, peers []Peer) (*Map, error) {
	m := &Map{self: selfID}
	v, err := buildView(selfID, peers)
	if err != nil {
		return nil, err
	}
	m.v.Store(v)
	return m, nil
}

func buildView(self string, peers []Peer) (*view, error) {
	v := &view{
		self:        self,
		peers:       make(map[string]Peer, len(peers)),
		slotToPeers: make(map[int][]string),
		selfSlots:   make(map[int]bool),
		commonSlots: make(map[string]map[int]bool),
	}
	for _, p := range peers {
		if _, dup := v.peers[p.ID]; dup {
			return nil, fmt.Errorf("distmap: duplicate peer id %q", p.ID)
		}
		v.peers[p.ID] = p
		if p.ID == self {
			for _, s := range p.Slots {
				v.selfSlots[s] = true
			}
			continue
		}
		for _, s := range p.Slots {
			v.slotToPeers[s] = append(v.slotToPeers[s], p.ID)
		}
	}
	for id, p := range v.peers {
		if id == self {
			continue
		}
		common := make(map[int]bool)
		for _, s := range p.Slots {
			if v.selfSlots[s] {
				common[s] = true
			}
		}
		v.commonSlots[id] = common
	}
	return v, nil
}

// Reconfigure replaces the peer set. Self's own slot list may not change
// between configurations (spec.md §4.5: "Changes to self's own slot list
// between configurations are refused; only addition/removal of peers is
// permitted") — only presence/absence and other peers' slots may.
func (m *Map) Reconfigure(peers []Peer) error {
	cur := m.v.Load()
	next, err := buildView(m.self, peers)
	if err != nil {
		return err
	}
	if !sameSlotSet(cur.selfSlots, next.selfSlots) {
		return fmt.Errorf("distmap: reconfigure may not change self's own slot list")
	}
	m.v.Store(next)
	return nil
}

func sameSlotSet(a, b map[int]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for s := range a {
		if !b[s] {
			return false
		}
	}
	return true
}

// IsServedLocally reports whether self serves slot — the sole gate on
// whether a client write is handled directly or must be proxied.
func (m *Map) IsServedLocally(slot int) bool {
	return m.v.Load().selfSlots[slot]
}

// GetServersForSlot returns peers serving slot, self's group first
// (randomly shuffled within group), then out-of-group peers (also
// shuffled), matching spec.md §4.5's mirror/sync-target ordering.
func (m *Map) GetServersForSlot(slot int, selfGroup string, rnd *rand.Rand) []Peer {
	v := m.v.Load()
	ids := append([]string(nil), v.slotToPeers[slot]...)

	var inGroup, outGroup []Peer
	for _, id := range ids {
		p := v.peers[id]
		if p.Group == selfGroup {
			inGroup = append(inGroup, p)
		} else {
			outGroup = append(outGroup, p)
		}
	}
	shufflePeers(inGroup, rnd)
	shufflePeers(outGroup, rnd)
	return append(inGroup, outGroup...)
}

func shufflePeers(ps []Peer, rnd *rand.Rand) {
	if rnd == nil {
		return
	}
	rnd.Shuffle(len(ps), func(i, j int) { ps[i], ps[j] = ps[j], ps[i] })
}

// CommonSlots returns the slots self and peerID both serve, ascending.
func (m *Map) CommonSlots(peerID string) []int {
	v := m.v.Load()
	set := v.commonSlots[peerID]
	out := make([]int, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}

// SelfSlots returns every slot self currently serves, ascending.
func (m *Map) SelfSlots() []int {
	v := m.v.Load()
	out := make([]int, 0, len(v.selfSlots))
	for s := range v.selfSlots {
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}

// Peers returns every configured peer other than self, in undefined order.
func (m *Map) Peers() []Peer {
	v := m.v.Load()
	out := make([]Peer, 0, len(v.peers))
	for id, p := range v.peers {
		if id != v.self {
			out = append(out, p)
		}
	}
	return out
}
