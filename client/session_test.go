package client

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-rpc/identity"
	"grid-rpc/message"
	"grid-rpc/protocol"
	"grid-rpc/runtime"
	"grid-rpc/server"
)

func testRequest(method string, body []byte) *message.Request {
	return &message.Request{
		Header: message.RequestHeader{
			MethodName: method,
			Caller:     identity.HostIdentity{HostName: "caller", ProcessName: "test", PID: 1},
		},
		Body: body,
	}
}

func startEchoServer(t *testing.T, rt *runtime.Runtime, version uint8) *server.ServiceServer {
	t.Helper()
	srv, err := server.NewServiceServer(rt, nil, "calc", server.Options{
		Version:  version,
		Identity: identity.HostIdentity{HostName: "127.0.0.1", ProcessName: "test", PID: 1},
		Handlers: map[string]server.Handler{
			"echo": func(request []byte) (int32, []byte, error) { return 7, request, nil },
		},
	})
	require.NoError(t, err)
	t.Cleanup(srv.Stop)
	return srv
}

func TestSessionCallV1(t *testing.T) {
	defer leaktest.CheckTimeout(t, 3*time.Second)()

	rt := runtime.New(4)
	defer rt.Stop()
	srv := startEchoServer(t, rt, protocol.V1)
	// Stop the server before the leak check runs; t.Cleanup would only run
	// after it.
	defer srv.Stop()

	s := newSession(rt, protocol.V1, "127.0.0.1", srv.Port(), 0, nil)
	s.start()
	defer s.Stop()

	done := make(chan *message.Response, 1)
	s.AsyncCall(testRequest("echo", []byte("ping")), func(err *CallError, resp *message.Response) {
		require.Nil(t, err)
		done <- resp
	})

	select {
	case resp := <-done:
		assert.Equal(t, []byte("ping"), resp.Body)
		assert.Equal(t, int32(7), resp.RetState)
		assert.Equal(t, message.CallStateExecuted, resp.Header.State)
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
	assert.Equal(t, StateConnected, s.State())
}

func TestSessionCallV0(t *testing.T) {
	rt := runtime.New(4)
	defer rt.Stop()
	srv := startEchoServer(t, rt, protocol.V0)

	s := newSession(rt, protocol.V0, "127.0.0.1", srv.Port(), 0, nil)
	s.start()
	defer s.Stop()

	done := make(chan *message.Response, 1)
	s.AsyncCall(testRequest("echo", []byte("legacy")), func(err *CallError, resp *message.Response) {
		require.Nil(t, err)
		done <- resp
	})

	select {
	case resp := <-done:
		assert.Equal(t, []byte("legacy"), resp.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
}

func TestSessionPipelinedCallsV1(t *testing.T) {
	rt := runtime.New(4)
	defer rt.Stop()
	srv := startEchoServer(t, rt, protocol.V1)

	s := newSession(rt, protocol.V1, "127.0.0.1", srv.Port(), 0, nil)
	s.start()
	defer s.Stop()

	const calls = 10
	responses := make(chan *message.Response, calls)
	for i := 0; i < calls; i++ {
		s.AsyncCall(testRequest("echo", []byte{byte(i)}), func(err *CallError, resp *message.Response) {
			require.Nil(t, err)
			responses <- resp
		})
	}

	// FIFO matching: responses arrive in submission order.
	for i := 0; i < calls; i++ {
		select {
		case resp := <-responses:
			assert.Equal(t, []byte{byte(i)}, resp.Body)
		case <-time.After(2 * time.Second):
			t.Fatalf("response %d missing", i)
		}
	}
}

func TestSessionDialFailure(t *testing.T) {
	rt := runtime.New(2)
	defer rt.Stop()

	// Grab a port with no listener behind it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	events := make(chan SessionState, 2)
	s := newSession(rt, protocol.V1, "127.0.0.1", port, 0, func(state SessionState, msg string) {
		events <- state
	})
	s.start()

	errs := make(chan *CallError, 1)
	s.AsyncCall(testRequest("echo", nil), func(err *CallError, resp *message.Response) {
		errs <- err
	})

	select {
	case err := <-errs:
		require.NotNil(t, err)
		assert.Equal(t, ErrTransport, err.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("completion never resolved")
	}
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, StateFailed, <-events)
}

func TestSessionStopResolvesPendingExactlyOnce(t *testing.T) {
	rt := runtime.New(2)
	defer rt.Stop()

	// A server that accepts and reads but never responds.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	s := newSession(rt, protocol.V1, "127.0.0.1", uint16(ln.Addr().(*net.TCPAddr).Port), 0, nil)
	s.start()

	var resolutions atomic.Int32
	kinds := make(chan ErrorKind, 4)
	s.AsyncCall(testRequest("echo", nil), func(err *CallError, resp *message.Response) {
		resolutions.Add(1)
		kinds <- err.Kind
	})

	time.Sleep(100 * time.Millisecond)
	s.Stop()
	s.Stop() // second stop is a no-op

	require.Equal(t, ErrShutdown, <-kinds)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), resolutions.Load())
	assert.Equal(t, StateFailed, s.State())
}

func TestFailedSessionRejectsCalls(t *testing.T) {
	rt := runtime.New(2)
	defer rt.Stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	s := newSession(rt, protocol.V1, "127.0.0.1", port, 0, nil)
	s.start()
	require.Eventually(t, func() bool { return s.State() == StateFailed }, 3*time.Second, 10*time.Millisecond)

	// FAILED is terminal and sticky: later calls resolve immediately.
	errs := make(chan *CallError, 1)
	s.AsyncCall(testRequest("echo", nil), func(err *CallError, resp *message.Response) {
		errs <- err
	})
	select {
	case err := <-errs:
		require.NotNil(t, err)
		assert.Equal(t, ErrTransport, err.Kind)
	case <-time.After(time.Second):
		t.Fatal("call on failed session did not resolve")
	}
}

func TestManagerStoppedRefusesClients(t *testing.T) {
	rt := runtime.New(2)
	defer rt.Stop()

	m := NewManager(rt)
	m.Stop()
	assert.True(t, m.IsStopped())
	assert.Nil(t, m.CreateClient(protocol.V1, "127.0.0.1", 1, 0, nil))
}

func TestManagerStopFailsSessions(t *testing.T) {
	rt := runtime.New(4)
	defer rt.Stop()
	srv := startEchoServer(t, rt, protocol.V1)

	m := NewManager(rt)
	s := m.CreateClient(protocol.V1, "127.0.0.1", srv.Port(), 0, nil)
	require.NotNil(t, s)
	require.Eventually(t, func() bool { return s.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	m.Stop()
	assert.Equal(t, StateFailed, s.State())
}
