// Package server implements the serving half of the RPC core: per-connection
// sessions, the acceptor that spawns them, and the user-facing ServiceServer.
//
// Serve path:
//
//	Acceptor ──accept──→ session (v0 or v1)
//	  session: read frame → decode → dispatch on strand → write response
//
// Each session owns a strand on the shared runtime, so all handlers for one
// connection run single-threaded while different connections proceed in
// parallel.
package server

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"grid-rpc/codec"
	"grid-rpc/message"
	"grid-rpc/protocol"
	"grid-rpc/runtime"
)

// SessionState tracks a server session's lifecycle.
type SessionState int32

const (
	SessionRunning SessionState = iota
	SessionStopping
	SessionStopped
)

// Event kinds reported by sessions and surfaced through the ServiceServer's
// event callback.
type Event int8

const (
	EventConnected Event = iota
	EventDisconnected
)

// ServiceFunc produces the response for one decoded request. It runs
// synchronously on the session's strand: a blocking ServiceFunc stalls its
// own session, not others.
type ServiceFunc func(req *message.Request) *message.Response

// EventFunc observes session connect and disconnect transitions.
type EventFunc func(event Event, reason string)

type session interface {
	start()
	stop()
}

// sessionBase carries the state shared by both protocol versions.
type sessionBase struct {
	sid        uint64
	conn       net.Conn
	rt         *runtime.Runtime
	strand     *runtime.Strand
	service    ServiceFunc
	onEvent    EventFunc
	onShutdown func(sid uint64)
	cdc        codec.Codec
	state      atomic.Int32
	closeOnce  sync.Once
}

func (s *sessionBase) setState(st SessionState) { s.state.Store(int32(st)) }
func (s *sessionBase) getState() SessionState   { return SessionState(s.state.Load()) }

// shutdown tears the session down exactly once: close the socket, report
// the disconnect, and let the acceptor purge its entry.
func (s *sessionBase) shutdown(reason string) {
	s.closeOnce.Do(func() {
		s.setState(SessionStopped)
		s.conn.Close()
		log.Debugf("server session %d closed: %s", s.sid, reason)
		if s.onEvent != nil {
			s.onEvent(EventDisconnected, reason)
		}
		if s.onShutdown != nil {
			s.onShutdown(s.sid)
		}
	})
}

// stop requests the transition to closed. An in-flight write on the strand
// completes; the blocked read is cancelled by closing the socket.
func (s *sessionBase) stop() {
	s.setState(SessionStopping)
	s.conn.Close()
}

func (s *sessionBase) connected() {
	s.setState(SessionRunning)
	if s.onEvent != nil {
		s.onEvent(EventConnected, "client connected")
	}
}

// sessionV1 serves the length-prefixed pipelined protocol. Requests may be
// pipelined by the client; the strand serializes dispatch and keeps
// responses in receive order.
type sessionV1 struct {
	sessionBase
	maxFrame uint32
}

func newSessionV1(rt *runtime.Runtime, conn net.Conn, sid uint64, maxFrame uint32, service ServiceFunc, onEvent EventFunc, onShutdown func(uint64)) *sessionV1 {
	s := &sessionV1{maxFrame: maxFrame}
	s.sid = sid
	s.conn = conn
	s.rt = rt
	s.strand = rt.NewStrand()
	s.service = service
	s.onEvent = onEvent
	s.onShutdown = onShutdown
	s.cdc = codec.Get(codec.CodecTypeBinary)
	return s
}

func (s *sessionV1) start() {
	s.connected()
	s.rt.Go(s.readLoop)
}

func (s *sessionV1) readLoop() {
	for {
		payload, err := protocol.ReadFrame(s.conn, s.maxFrame)
		if err != nil {
			s.shutdown(readFailure(err, s.getState()))
			return
		}
		s.strand.Post(func() { s.dispatch(payload) })
	}
}

func (s *sessionV1) dispatch(payload []byte) {
	if s.getState() != SessionRunning {
		return
	}
	req, err := s.cdc.DecodeRequest(payload)
	if err != nil {
		s.shutdown("request decode failed: " + err.Error())
		return
	}
	resp := s.service(req)
	out, err := s.cdc.EncodeResponse(resp)
	if err != nil {
		s.shutdown("response encode failed: " + err.Error())
		return
	}
	if err := protocol.WriteFrame(s.conn, out); err != nil {
		s.shutdown("response write failed: " + err.Error())
	}
}

// sessionV0 serves the legacy datagram protocol: one bounded read, one
// dispatch, one response, then the session closes.
type sessionV0 struct {
	sessionBase
	buf [protocol.MaxDatagramV0]byte
}

func newSessionV0(rt *runtime.Runtime, conn net.Conn, sid uint64, service ServiceFunc, onEvent EventFunc, onShutdown func(uint64)) *sessionV0 {
	s := &sessionV0{}
	s.sid = sid
	s.conn = conn
	s.rt = rt
	s.strand = rt.NewStrand()
	s.service = service
	s.onEvent = onEvent
	s.onShutdown = onShutdown
	s.cdc = codec.Get(codec.CodecTypeBinary)
	return s
}

func (s *sessionV0) start() {
	s.connected()
	s.rt.Go(s.readOnce)
}

func (s *sessionV0) readOnce() {
	payload, err := protocol.ReadDatagram(s.conn, s.buf[:])
	if err != nil {
		s.shutdown(readFailure(err, s.getState()))
		return
	}
	s.strand.Post(func() { s.dispatch(payload) })
}

func (s *sessionV0) dispatch(payload []byte) {
	if s.getState() != SessionRunning {
		return
	}
	req, err := s.cdc.DecodeRequest(payload)
	if err != nil {
		s.shutdown("request decode failed: " + err.Error())
		return
	}
	resp := s.service(req)
	out, err := s.cdc.EncodeResponse(resp)
	if err != nil {
		s.shutdown("response encode failed: " + err.Error())
		return
	}
	if err := protocol.WriteDatagram(s.conn, out); err != nil {
		s.shutdown("response write failed: " + err.Error())
		return
	}
	s.shutdown("v0 exchange complete")
}

func readFailure(err error, state SessionState) string {
	if state == SessionStopping {
		return "session stopped"
	}
	var dec *protocol.DecodeError
	if errors.As(err, &dec) {
		return "frame decode failed: " + dec.Reason
	}
	return "connection lost: " + err.Error()
}
