package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"grid-rpc/discovery"
)

// ConsistentHashBalancer maps keys to peers on a hash ring, so the same key
// keeps landing on the same peer until the peer set changes. Each peer is
// mapped to 100 virtual nodes to spread load evenly around the ring.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	ring  []uint32
	nodes map[uint32]discovery.PeerDescriptor
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]discovery.PeerDescriptor),
	}
}

// Rebuild replaces the ring with the given peer set.
func (b *ConsistentHashBalancer) Rebuild(peers []discovery.PeerDescriptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]discovery.PeerDescriptor, len(peers)*b.replicas)
	for _, peer := range peers {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", peer.Key, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = peer
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// PickKey finds the peer responsible for the key: the first ring node at or
// after the key's hash, wrapping to the start of the ring.
func (b *ConsistentHashBalancer) PickKey(key string) (*discovery.PeerDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ring) == 0 {
		return nil, fmt.Errorf("no peers on the ring")
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	peer := b.nodes[b.ring[idx]]
	return &peer, nil
}

// Pick satisfies Balancer by routing on the service name (taken from the
// first peer), which gives ring-stable peer choice when the caller has no
// key of its own.
func (b *ConsistentHashBalancer) Pick(peers []discovery.PeerDescriptor) (*discovery.PeerDescriptor, error) {
	if len(peers) == 0 {
		return nil, fmt.Errorf("no peers available")
	}
	b.Rebuild(peers)
	return b.PickKey(peers[0].ServiceName)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
