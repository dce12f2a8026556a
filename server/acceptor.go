package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"grid-rpc/runtime"
)

// Acceptor listens on a TCP port and spawns one session per accepted
// connection. Sessions own themselves; the acceptor only keeps an id-keyed
// table so it can enumerate and stop them, and each session purges its own
// entry through the shutdown callback when it terminates.
type Acceptor struct {
	listener net.Listener
	rt       *runtime.Runtime
	version  uint8
	maxFrame uint32
	service  ServiceFunc
	onEvent  EventFunc

	mu       sync.Mutex
	sessions map[uint64]session
	nextID   atomic.Uint64
	closed   atomic.Bool
}

// newAcceptor binds the port and starts accepting. Port 0 binds an
// ephemeral port; Port() reports the bound one.
func newAcceptor(rt *runtime.Runtime, port uint16, version uint8, maxFrame uint32, service ServiceFunc, onEvent EventFunc) (*Acceptor, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on port %d", port)
	}
	a := &Acceptor{
		listener: listener,
		rt:       rt,
		version:  version,
		maxFrame: maxFrame,
		service:  service,
		onEvent:  onEvent,
		sessions: make(map[uint64]session),
	}
	rt.Go(a.acceptLoop)
	return a, nil
}

func (a *Acceptor) acceptLoop() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if a.closed.Load() {
				log.Debug("acceptor shutting down")
			} else {
				log.Errorf("accept failed: %v", err)
			}
			return
		}
		a.startSession(conn)
	}
}

func (a *Acceptor) startSession(conn net.Conn) {
	sid := a.nextID.Add(1)

	var s session
	if a.version == 0 {
		s = newSessionV0(a.rt, conn, sid, a.service, a.onEvent, a.removeSession)
	} else {
		s = newSessionV1(a.rt, conn, sid, a.maxFrame, a.service, a.onEvent, a.removeSession)
	}

	a.mu.Lock()
	a.sessions[sid] = s
	a.mu.Unlock()

	s.start()
}

// removeSession is each session's shutdown callback.
func (a *Acceptor) removeSession(sid uint64) {
	a.mu.Lock()
	delete(a.sessions, sid)
	a.mu.Unlock()
}

// Port returns the bound TCP port.
func (a *Acceptor) Port() uint16 {
	return uint16(a.listener.Addr().(*net.TCPAddr).Port)
}

// ConnectionCount returns the number of live sessions.
func (a *Acceptor) ConnectionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// stop closes the listener and every live session. Sessions are stopped
// outside the table lock; their shutdown callbacks re-acquire it to remove
// themselves.
func (a *Acceptor) stop() {
	a.closed.Store(true)
	a.listener.Close()

	a.mu.Lock()
	live := make([]session, 0, len(a.sessions))
	for _, s := range a.sessions {
		live = append(live, s)
	}
	a.mu.Unlock()

	for _, s := range live {
		s.stop()
	}
}
