// Package client implements the calling half of the RPC core: per-peer
// sessions, the manager pooling them, and the user-facing ServiceClient
// that fans a logical call out to every peer hosting a service.
//
// Call path:
//
//	ServiceClient ──peers from discovery──┐
//	                                      ├──→ Session per peer ──→ TCP
//	              ←──completions fill slots┘
package client

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"grid-rpc/codec"
	"grid-rpc/message"
	"grid-rpc/protocol"
	"grid-rpc/runtime"
)

// SessionState is a client session's lifecycle state. StateFailed is
// terminal and sticky: a failed session is never reused, only replaced by a
// fresh one on the next discovery refresh.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateConnected
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "failed"
	}
}

// Completion resolves one pending call, exactly once: either with a decoded
// response (err nil) or with a call error (resp nil).
type Completion func(err *CallError, resp *message.Response)

// pendingCall pairs a submitted request with its completion. The one-shot
// latch guarantees the completion fires at most once across every path:
// response, transport error, shutdown, or a late response after resolution.
type pendingCall struct {
	once     sync.Once
	complete Completion
	enqueued time.Time
}

func (p *pendingCall) resolve(err *CallError, resp *message.Response) {
	p.once.Do(func() {
		if p.complete != nil {
			p.complete(err, resp)
		}
	})
}

type outgoing struct {
	payload []byte
	pc      *pendingCall
}

// Session is a persistent channel to one peer. Writes are serialized on the
// session strand; responses are matched to pending completions in receive
// order (v0 allows one outstanding call, v1 a FIFO pipeline). The session
// owns no per-call timers: timeouts belong to the caller, and a response
// arriving after the caller resolved the completion is silently discarded
// by the one-shot latch.
type Session struct {
	host     string
	port     uint16
	version  uint8
	maxFrame uint32
	rt       *runtime.Runtime
	strand   *runtime.Strand
	cdc      codec.Codec
	onEvent  func(state SessionState, msg string)

	state    atomic.Int32
	stopOnce sync.Once

	mu      sync.Mutex
	conn    net.Conn
	pending []*pendingCall // submitted, awaiting responses (FIFO)
	backlog []outgoing     // not yet written: pre-connect buffer and v0 gating

	readBufV0 []byte
}

func newSession(rt *runtime.Runtime, version uint8, host string, port uint16, maxFrame uint32, onEvent func(SessionState, string)) *Session {
	s := &Session{
		host:     host,
		port:     port,
		version:  version,
		maxFrame: maxFrame,
		rt:       rt,
		strand:   rt.NewStrand(),
		cdc:      codec.Get(codec.CodecTypeBinary),
		onEvent:  onEvent,
	}
	if version == 0 {
		s.readBufV0 = make([]byte, protocol.MaxDatagramV0)
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// start begins the asynchronous dial. Kept separate from construction so
// the owner can finish wiring (event callback, session table) before any
// connect or failure path can fire.
func (s *Session) start() {
	s.rt.Go(s.connect)
}

// State returns the current session state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Host returns the peer host this session connects to.
func (s *Session) Host() string { return s.host }

func (s *Session) connect() {
	addr := net.JoinHostPort(s.host, strconv.Itoa(int(s.port)))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		s.fail(ErrTransport, errors.Wrapf(err, "connect %s", addr).Error())
		return
	}

	s.mu.Lock()
	if s.State() != StateConnecting {
		// Stopped while dialing.
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.state.Store(int32(StateConnected))
	s.mu.Unlock()

	log.Debugf("client session connected to %s (v%d)", addr, s.version)
	if s.onEvent != nil {
		s.onEvent(StateConnected, "connected to "+addr)
	}
	s.rt.Go(s.readLoop)
	s.strand.Post(s.flush)
}

// AsyncCall encodes the request and submits it on the session strand. The
// completion is registered before the write so a fast response cannot miss
// it. Calls submitted while connecting are buffered and flushed on connect;
// calls on a failed session resolve immediately with a transport error.
func (s *Session) AsyncCall(req *message.Request, completion Completion) {
	pc := &pendingCall{complete: completion, enqueued: time.Now()}

	payload, err := s.cdc.EncodeRequest(req)
	if err != nil {
		pc.resolve(&CallError{Kind: ErrDecode, Msg: "request encode failed: " + err.Error()}, nil)
		return
	}

	s.mu.Lock()
	if s.State() == StateFailed {
		s.mu.Unlock()
		pc.resolve(&CallError{Kind: ErrTransport, Msg: "session to " + s.host + " has failed"}, nil)
		return
	}
	s.backlog = append(s.backlog, outgoing{payload: payload, pc: pc})
	s.mu.Unlock()

	s.strand.Post(s.flush)
}

// flush writes backlog entries in order. Runs only on the strand. v0 keeps
// at most one call in flight; v1 pipelines freely. The pending entry is
// registered before the write so the read loop can always match the next
// response to the oldest pending call.
func (s *Session) flush() {
	for {
		s.mu.Lock()
		if s.State() != StateConnected || len(s.backlog) == 0 {
			s.mu.Unlock()
			return
		}
		if s.version == 0 && len(s.pending) > 0 {
			s.mu.Unlock()
			return
		}
		out := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.pending = append(s.pending, out.pc)
		conn := s.conn
		s.mu.Unlock()

		var err error
		if s.version == 0 {
			err = protocol.WriteDatagram(conn, out.payload)
		} else {
			err = protocol.WriteFrame(conn, out.payload)
		}
		if err != nil {
			s.fail(ErrTransport, "request write failed: "+err.Error())
			return
		}
	}
}

func (s *Session) readLoop() {
	for {
		var payload []byte
		var err error
		if s.version == 0 {
			payload, err = protocol.ReadDatagram(s.conn, s.readBufV0)
		} else {
			payload, err = protocol.ReadFrame(s.conn, s.maxFrame)
		}
		if err != nil {
			var dec *protocol.DecodeError
			if errors.As(err, &dec) {
				s.popPending().resolve(&CallError{Kind: ErrDecode, Msg: dec.Error()}, nil)
				s.fail(ErrTransport, "session closed after decode error")
			} else {
				s.fail(ErrTransport, "connection lost: "+err.Error())
			}
			return
		}

		resp, derr := s.cdc.DecodeResponse(payload)
		if derr != nil {
			s.popPending().resolve(&CallError{Kind: ErrDecode, Msg: "response decode failed: " + derr.Error()}, nil)
			s.fail(ErrTransport, "session closed after decode error")
			return
		}

		s.popPending().resolve(nil, resp)
		if s.version == 0 {
			s.strand.Post(s.flush)
		}
	}
}

// popPending removes and returns the oldest pending call. A response with
// nothing pending resolves into a discard-only latch.
func (s *Session) popPending() *pendingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return &pendingCall{}
	}
	pc := s.pending[0]
	s.pending = s.pending[1:]
	return pc
}

// fail drives the session to its terminal state: close the socket, resolve
// every pending and backlogged call with the given error, and report the
// transition once.
func (s *Session) fail(kind ErrorKind, msg string) {
	s.stopOnce.Do(func() {
		s.state.Store(int32(StateFailed))

		s.mu.Lock()
		conn := s.conn
		cancelled := make([]*pendingCall, 0, len(s.pending)+len(s.backlog))
		cancelled = append(cancelled, s.pending...)
		for _, out := range s.backlog {
			cancelled = append(cancelled, out.pc)
		}
		s.pending = nil
		s.backlog = nil
		s.mu.Unlock()

		if conn != nil {
			conn.Close()
		}

		cerr := &CallError{Kind: kind, Msg: msg}
		for _, pc := range cancelled {
			pc.resolve(cerr, nil)
		}

		log.Debugf("client session to %s failed: %s", s.host, msg)
		if s.onEvent != nil {
			s.onEvent(StateFailed, msg)
		}
	})
}

// Stop cancels all pending completions with a shutdown error and closes the
// socket. The session is FAILED afterwards.
func (s *Session) Stop() {
	s.fail(ErrShutdown, "session stopped")
}
