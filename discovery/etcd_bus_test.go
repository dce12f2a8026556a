package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const etcdEndpoint = "127.0.0.1:2379"

func requireEtcd(t *testing.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", etcdEndpoint, 200*time.Millisecond)
	if err != nil {
		t.Skipf("etcd not reachable at %s: %v", etcdEndpoint, err)
	}
	conn.Close()
}

func TestEtcdBusRegisterAndDiscover(t *testing.T) {
	requireEtcd(t)

	bus, err := NewEtcdBus([]string{etcdEndpoint}, 5)
	require.NoError(t, err)
	defer bus.Close()

	sample := Sample{
		Host:        "test-host",
		ProcessName: "etcd-bus-test",
		PID:         1,
		ServiceName: "etcd-test-svc",
		ServiceID:   "etcd-test-id",
		Version:     1,
		PortV1:      19099,
	}
	require.NoError(t, bus.RegisterServer(sample.ServiceName, sample.ServiceID, sample, true))
	defer bus.UnregisterServer(sample.ServiceName, sample.ServiceID, sample, true)

	peers, err := bus.PeersFor(sample.ServiceName)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, sample.Descriptor(), peers[0])

	// Refresh without force reuses the lease and keeps a single entry.
	require.NoError(t, bus.RegisterServer(sample.ServiceName, sample.ServiceID, sample, false))
	peers, err = bus.PeersFor(sample.ServiceName)
	require.NoError(t, err)
	require.Len(t, peers, 1)

	require.NoError(t, bus.UnregisterServer(sample.ServiceName, sample.ServiceID, sample, true))
	peers, err = bus.PeersFor(sample.ServiceName)
	require.NoError(t, err)
	assert.Empty(t, peers)
}
