package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiate(t *testing.T) {
	cases := []struct {
		name        string
		peer        PeerDescriptor
		wantVersion uint8
		wantPort    uint16
	}{
		{
			name:        "v1 port wins",
			peer:        PeerDescriptor{TCPPortV0: 5000, TCPPortV1: 5001, Version: 1},
			wantVersion: 1,
			wantPort:    5001,
		},
		{
			name: "announced version carried through",
			peer: PeerDescriptor{TCPPortV1: 5001, Version: 1},

			wantVersion: 1,
			wantPort:    5001,
		},
		{
			// A peer announcing version 1 but exposing only a v0 port must
			// be dialed with v0 on that port.
			name:        "v0 fallback despite announced v1",
			peer:        PeerDescriptor{TCPPortV0: 5000, TCPPortV1: 0, Version: 1},
			wantVersion: 0,
			wantPort:    5000,
		},
		{
			name:        "plain v0 peer",
			peer:        PeerDescriptor{TCPPortV0: 5000, Version: 0},
			wantVersion: 0,
			wantPort:    5000,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			version, port := tc.peer.Negotiate()
			assert.Equal(t, tc.wantVersion, version)
			assert.Equal(t, tc.wantPort, port)
		})
	}
}

func TestSampleDescriptor(t *testing.T) {
	sample := Sample{
		Host:        "host-a",
		ProcessName: "proc",
		PID:         42,
		ServiceName: "calc",
		ServiceID:   "id-1",
		Version:     1,
		PortV1:      9000,
	}
	peer := sample.Descriptor()
	assert.Equal(t, "host-a/calc/id-1", peer.Key)
	assert.Equal(t, "calc", peer.ServiceName)
	assert.Equal(t, uint16(9000), peer.TCPPortV1)
	assert.Equal(t, uint16(0), peer.TCPPortV0)
}

func TestLocalBusRegisterAndDiscover(t *testing.T) {
	bus := NewLocalBus()

	s1 := Sample{Host: "a", ServiceName: "calc", ServiceID: "1", PortV1: 9001, Version: 1}
	s2 := Sample{Host: "b", ServiceName: "calc", ServiceID: "2", PortV1: 9002, Version: 1}
	require.NoError(t, bus.RegisterServer("calc", "1", s1, true))
	require.NoError(t, bus.RegisterServer("calc", "2", s2, true))
	require.NoError(t, bus.RegisterServer("other", "3", Sample{Host: "c", ServiceName: "other", ServiceID: "3", PortV0: 9003}, true))

	peers, err := bus.PeersFor("calc")
	require.NoError(t, err)
	assert.Len(t, peers, 2)

	// Re-registration of the same instance must not duplicate it.
	require.NoError(t, bus.RegisterServer("calc", "1", s1, false))
	peers, err = bus.PeersFor("calc")
	require.NoError(t, err)
	assert.Len(t, peers, 2)

	require.NoError(t, bus.UnregisterServer("calc", "1", s1, true))
	peers, err = bus.PeersFor("calc")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "b/calc/2", peers[0].Key)

	peers, err = bus.PeersFor("nobody")
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestLocalBusClientRegistration(t *testing.T) {
	bus := NewLocalBus()
	sample := Sample{Host: "a", ServiceName: "calc", ServiceID: "c1"}
	require.NoError(t, bus.RegisterClient("calc", "c1", sample, false))

	// Client registrations never surface as peers.
	peers, err := bus.PeersFor("calc")
	require.NoError(t, err)
	assert.Empty(t, peers)

	require.NoError(t, bus.UnregisterClient("calc", "c1", sample, true))
}
