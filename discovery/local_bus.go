package discovery

import "sync"

// LocalBus is an in-memory Bus for processes that talk only to peers wired
// into the same bus instance. It is also what the tests run on.
type LocalBus struct {
	mu      sync.Mutex
	servers map[string]map[string]Sample // service name → service id → sample
	clients map[string]map[string]Sample
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		servers: make(map[string]map[string]Sample),
		clients: make(map[string]map[string]Sample),
	}
}

func (b *LocalBus) RegisterClient(serviceName, serviceID string, sample Sample, force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	put(b.clients, serviceName, serviceID, sample)
	return nil
}

func (b *LocalBus) UnregisterClient(serviceName, serviceID string, sample Sample, force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	del(b.clients, serviceName, serviceID)
	return nil
}

func (b *LocalBus) RegisterServer(serviceName, serviceID string, sample Sample, force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	put(b.servers, serviceName, serviceID, sample)
	return nil
}

func (b *LocalBus) UnregisterServer(serviceName, serviceID string, sample Sample, force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	del(b.servers, serviceName, serviceID)
	return nil
}

func (b *LocalBus) PeersFor(serviceName string) ([]PeerDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	peers := make([]PeerDescriptor, 0, len(b.servers[serviceName]))
	for _, sample := range b.servers[serviceName] {
		peers = append(peers, sample.Descriptor())
	}
	return peers, nil
}

func put(m map[string]map[string]Sample, serviceName, serviceID string, sample Sample) {
	byID, ok := m[serviceName]
	if !ok {
		byID = make(map[string]Sample)
		m[serviceName] = byID
	}
	byID[serviceID] = sample
}

func del(m map[string]map[string]Sample, serviceName, serviceID string) {
	if byID, ok := m[serviceName]; ok {
		delete(byID, serviceID)
		if len(byID) == 0 {
			delete(m, serviceName)
		}
	}
}
