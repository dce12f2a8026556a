package test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-rpc/client"
	"grid-rpc/config"
	"grid-rpc/identity"
	"grid-rpc/message"
	"grid-rpc/middleware"
	"grid-rpc/protocol"
	"grid-rpc/runtime"
	"grid-rpc/server"
)

// Full end-to-end: config → runtime → bus → two servers with middleware →
// client fan-out, and teardown.
func TestFullStack(t *testing.T) {
	cfg, err := config.LoadBytes([]byte(`
runtime:
  workers: 4
refresh_interval_ms: 50
`))
	require.NoError(t, err)

	rt := runtime.New(cfg.Runtime.Workers)
	defer rt.Stop()

	bus, err := cfg.NewBus()
	require.NoError(t, err)

	host := identity.HostIdentity{HostName: "127.0.0.1", ProcessName: "integration", UnitName: "test", PID: 1}
	handlers := map[string]server.Handler{
		"add": func(request []byte) (int32, []byte, error) {
			var sum int32
			for _, b := range request {
				sum += int32(b)
			}
			return sum, request, nil
		},
	}

	for i := 0; i < 2; i++ {
		srv, err := server.NewServiceServer(rt, bus, "adder", server.Options{
			Version:         protocol.V1,
			Identity:        host,
			Handlers:        handlers,
			RefreshInterval: cfg.RefreshInterval(),
			Middlewares:     []middleware.Middleware{middleware.Logging(), middleware.RateLimit(1000, 1000)},
		})
		require.NoError(t, err)
		defer srv.Stop()
	}

	manager := client.NewManager(rt)
	defer manager.Stop()

	c, err := client.NewServiceClient(manager, bus, "adder", client.ClientOptions{
		Identity:        host,
		RefreshInterval: cfg.RefreshInterval(),
	})
	require.NoError(t, err)
	defer c.Destroy()

	var out []client.ServiceResponse
	require.True(t, c.Call("add", []byte{1, 2, 3}, 2*time.Second, &out))
	require.Len(t, out, 2)
	for _, slot := range out {
		assert.Equal(t, message.CallStateExecuted, slot.CallState)
		assert.Equal(t, int32(6), slot.RetState)
		assert.Equal(t, []byte{1, 2, 3}, slot.Response)
	}

	require.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)
}

// The round-trip law: what the handler returns is what the caller sees.
func TestRoundTripLaw(t *testing.T) {
	rt := runtime.New(4)
	defer rt.Stop()

	bus := mustLocalBus(t)
	host := identity.HostIdentity{HostName: "127.0.0.1", ProcessName: "integration", PID: 1}

	srv, err := server.NewServiceServer(rt, bus, "law", server.Options{
		Version:  protocol.V1,
		Identity: host,
		Handlers: map[string]server.Handler{
			"m": func(request []byte) (int32, []byte, error) {
				return 42, append([]byte("out:"), request...), nil
			},
		},
		RefreshInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer srv.Stop()

	manager := client.NewManager(rt)
	defer manager.Stop()
	c, err := client.NewServiceClient(manager, bus, "law", client.ClientOptions{
		Identity:        host,
		RefreshInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Destroy()

	var out []client.ServiceResponse
	require.True(t, c.Call("m", []byte("abc"), 2*time.Second, &out))
	require.Len(t, out, 1)
	assert.Equal(t, int32(42), out[0].RetState)
	assert.Equal(t, []byte("out:abc"), out[0].Response)
	assert.Equal(t, "m", out[0].MethodName)
	assert.Equal(t, message.CallStateExecuted, out[0].CallState)
	assert.Equal(t, srv.ServiceID(), out[0].ServiceID)
}
