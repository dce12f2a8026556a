// EtcdBus stores announcements in etcd v3, the fleet's "distributed
// phonebook":
//
//	Key:   /grid-rpc/servers/{service name}/{service id}
//	Value: JSON-encoded Sample
//
// Entries live on a TTL lease: if a process dies, its lease expires and the
// entry disappears on its own, so clients never discover ghost peers.
package discovery

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	serverPrefix = "/grid-rpc/servers/"
	clientPrefix = "/grid-rpc/clients/"
)

// EtcdBus implements Bus on an etcd v3 cluster.
type EtcdBus struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	ttl    int64            // lease TTL in seconds

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // etcd key → lease carrying it
}

// NewEtcdBus connects to the given endpoints. ttl is the announcement lease
// in seconds; ttl <= 0 defaults to 10.
func NewEtcdBus(endpoints []string, ttl int64) (*EtcdBus, error) {
	if ttl <= 0 {
		ttl = 10
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	return &EtcdBus{
		client: c,
		ttl:    ttl,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func (b *EtcdBus) RegisterClient(serviceName, serviceID string, sample Sample, force bool) error {
	return b.register(clientPrefix+serviceName+"/"+serviceID, sample, force)
}

func (b *EtcdBus) UnregisterClient(serviceName, serviceID string, sample Sample, force bool) error {
	return b.unregister(clientPrefix + serviceName + "/" + serviceID)
}

func (b *EtcdBus) RegisterServer(serviceName, serviceID string, sample Sample, force bool) error {
	return b.register(serverPrefix+serviceName+"/"+serviceID, sample, force)
}

func (b *EtcdBus) UnregisterServer(serviceName, serviceID string, sample Sample, force bool) error {
	return b.unregister(serverPrefix + serviceName + "/" + serviceID)
}

// register puts the sample under key. The first registration grants a lease
// and starts KeepAlive. A later registration of a known key re-puts the
// sample under the existing lease only when force is set; without force it
// returns at once. Either way repeated 1-second refresh ticks do not pile up
// leases.
func (b *EtcdBus) register(key string, sample Sample, force bool) error {
	ctx := context.TODO()

	b.mu.Lock()
	leaseID, known := b.leases[key]
	b.mu.Unlock()

	if known && !force {
		// Entry already announced and kept alive; nothing to refresh.
		return nil
	}

	if !known {
		lease, err := b.client.Grant(ctx, b.ttl)
		if err != nil {
			return errors.Wrap(err, "grant lease")
		}
		leaseID = lease.ID

		ch, err := b.client.KeepAlive(ctx, leaseID)
		if err != nil {
			return errors.Wrap(err, "keep lease alive")
		}
		// Consume KeepAlive responses so the channel never fills up.
		go func() {
			for range ch {
			}
		}()

		b.mu.Lock()
		b.leases[key] = leaseID
		b.mu.Unlock()
	}

	val, err := json.Marshal(sample)
	if err != nil {
		return errors.Wrap(err, "marshal sample")
	}
	if _, err := b.client.Put(ctx, key, string(val), clientv3.WithLease(leaseID)); err != nil {
		return errors.Wrap(err, "put sample")
	}
	return nil
}

func (b *EtcdBus) unregister(key string) error {
	ctx := context.TODO()

	b.mu.Lock()
	leaseID, known := b.leases[key]
	delete(b.leases, key)
	b.mu.Unlock()

	if known {
		// Revoking the lease deletes the key with it.
		if _, err := b.client.Revoke(ctx, leaseID); err != nil {
			log.Warnf("revoke lease for %s: %v", key, err)
		}
	}
	if _, err := b.client.Delete(ctx, key); err != nil {
		return errors.Wrap(err, "delete sample")
	}
	return nil
}

// PeersFor returns every server instance currently announced for the
// service.
func (b *EtcdBus) PeersFor(serviceName string) ([]PeerDescriptor, error) {
	ctx := context.TODO()

	resp, err := b.client.Get(ctx, serverPrefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "get server samples")
	}

	peers := make([]PeerDescriptor, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var sample Sample
		if err := json.Unmarshal(kv.Value, &sample); err != nil {
			log.Warnf("skipping malformed sample at %s: %v", kv.Key, err)
			continue
		}
		peers = append(peers, sample.Descriptor())
	}
	return peers, nil
}

// Close releases the etcd connection. Registered entries stay until their
// leases expire.
func (b *EtcdBus) Close() error {
	return b.client.Close()
}
