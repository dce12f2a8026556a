package loadbalance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-rpc/discovery"
)

func makePeers(n int) []discovery.PeerDescriptor {
	peers := make([]discovery.PeerDescriptor, n)
	for i := range peers {
		peers[i] = discovery.PeerDescriptor{
			Key:         fmt.Sprintf("host-%d/calc/%d", i, i),
			HostName:    fmt.Sprintf("host-%d", i),
			ServiceName: "calc",
			ServiceID:   fmt.Sprintf("%d", i),
			TCPPortV1:   uint16(9000 + i),
			Version:     1,
		}
	}
	return peers
}

func TestRoundRobinCycles(t *testing.T) {
	b := &RoundRobinBalancer{}
	peers := makePeers(3)

	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		pick, err := b.Pick(peers)
		require.NoError(t, err)
		seen[pick.Key]++
	}
	for _, peer := range peers {
		assert.Equal(t, 3, seen[peer.Key])
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	_, err := b.Pick(nil)
	assert.Error(t, err)
}

func TestConsistentHashStableKeys(t *testing.T) {
	b := NewConsistentHashBalancer()
	peers := makePeers(4)
	b.Rebuild(peers)

	// The same key keeps hitting the same peer across rebuilds of the same
	// peer set.
	first := make(map[string]string)
	for i := 0; i < 32; i++ {
		key := fmt.Sprintf("key-%d", i)
		pick, err := b.PickKey(key)
		require.NoError(t, err)
		first[key] = pick.Key
	}

	b.Rebuild(peers)
	for key, want := range first {
		pick, err := b.PickKey(key)
		require.NoError(t, err)
		assert.Equal(t, want, pick.Key)
	}
}

func TestConsistentHashEmptyRing(t *testing.T) {
	b := NewConsistentHashBalancer()
	_, err := b.PickKey("anything")
	assert.Error(t, err)

	_, err = b.Pick(nil)
	assert.Error(t, err)
}
