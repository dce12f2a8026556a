// Package loadbalance selects a single peer for the one-peer call variant.
// Fan-out calls ignore it — they go to every peer by design.
//
//   - RoundRobin:      stateless services, equal-capacity peers
//   - ConsistentHash:  key affinity, e.g. routing by caller-chosen key
package loadbalance

import "grid-rpc/discovery"

// Balancer picks one peer from the candidates. Called on every single-peer
// call, so implementations must be goroutine-safe.
type Balancer interface {
	Pick(peers []discovery.PeerDescriptor) (*discovery.PeerDescriptor, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
