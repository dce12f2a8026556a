package loadbalance

import (
	"fmt"
	"sync/atomic"

	"grid-rpc/discovery"
)

// RoundRobinBalancer walks the peer list in order with a lock-free atomic
// counter.
type RoundRobinBalancer struct {
	counter int64
}

func (b *RoundRobinBalancer) Pick(peers []discovery.PeerDescriptor) (*discovery.PeerDescriptor, error) {
	if len(peers) == 0 {
		return nil, fmt.Errorf("no peers available")
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(peers))
	return &peers[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
