package distmap

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func testPeers() []Peer {
	return []Peer{
		{ID: "self", Group: "rack-a", Slots: []int{1, 2, 3}},
		{ID: "b", Group: "rack-a", Slots: []int{2, 3, 4}},
		{ID: "c", Group: "rack-b", Slots: []int{3, 4, 5}},
	}
}

func TestIsServedLocally(t *testing.T) {
	m, err := New("self", testPeers())
	require.NoError(t, err)
	require.True(t, m.IsServedLocally(1))
	require.False(t, m.IsServedLocally(5))
}

func TestGetServersForSlotOrdersSelfGroupFirst(t *testing.T) {
	m, err := New("self", testPeers())
	require.NoError(t, err)
	peers := m.GetServersForSlot(3, "rack-a", rand.New(rand.NewSource(1)))
	require.Len(t, peers, 2)
	require.Equal(t, "b", peers[0].ID)
	require.Equal(t, "c", peers[1].ID)
}

func TestCommonSlots(t *testing.T) {
	m, err := New("self", testPeers())
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, m.CommonSlots("b"))
	require.Equal(t, []int{3}, m.CommonSlots("c"))
}

func TestReconfigureRejectsSelfSlotChange(t *testing.T) {
	m, err := New("self", testPeers())
	require.NoError(t, err)

	bad := testPeers()
	bad[0].Slots = []int{1, 2}
	require.Error(t, m.Reconfigure(bad))

	good := testPeers()
	good = append(good, Peer{ID: "d", Group: "rack-a", Slots: []int{9}})
	require.NoError(t, m.Reconfigure(good))
	require.Contains(t, m.Peers(), Peer{ID: "d", Group: "rack-a", Slots: []int{9}})
}

func TestDuplicatePeerIDRejected(t *testing.T) {
	peers := testPeers()
	peers = append(peers, Peer{ID: "b", Slots: []int{1}})
	_, err := New("self", peers)
	require.Error(t, err)
}
