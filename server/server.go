package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"grid-rpc/discovery"
	"grid-rpc/identity"
	"grid-rpc/message"
	"grid-rpc/middleware"
	"grid-rpc/protocol"
	"grid-rpc/runtime"
)

// Handler implements one named method. It receives the opaque request
// payload and returns an integer return state and the response payload. A
// non-nil error marks the call failed and carries the error string to the
// caller.
type Handler func(request []byte) (retState int32, response []byte, err error)

// Options configures a ServiceServer beyond its service name.
type Options struct {
	Port            uint16        // 0 binds an ephemeral port
	Version         uint8         // advertised protocol version
	MaxFrame        uint32        // v1 frame cap, 0 for the default
	RefreshInterval time.Duration // bus re-registration period, 0 for 1s
	Identity        identity.HostIdentity
	Handlers        map[string]Handler
	Middlewares     []middleware.Middleware
	EventCallback   EventFunc
}

// ServiceServer exposes a named service: a table of method handlers behind
// a TCP acceptor, announced on the discovery bus.
type ServiceServer struct {
	serviceName string
	serviceID   string
	version     uint8
	host        identity.HostIdentity
	bus         discovery.Bus
	acceptor    *Acceptor
	handler     middleware.HandlerFunc

	handlerMu sync.Mutex
	handlers  map[string]Handler

	eventMu sync.Mutex
	eventCB EventFunc

	refreshQuit chan struct{}
	stopOnce    sync.Once
}

// NewServiceServer binds the acceptor, announces the service on the bus,
// and starts the periodic registration refresh. A nil bus skips discovery;
// the server is then reachable only by peers that know its port.
func NewServiceServer(rt *runtime.Runtime, bus discovery.Bus, serviceName string, opts Options) (*ServiceServer, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("server: empty service name")
	}
	if opts.Identity == (identity.HostIdentity{}) {
		opts.Identity = identity.Local()
	}
	if opts.MaxFrame == 0 {
		opts.MaxFrame = protocol.DefaultMaxFrameV1
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = time.Second
	}

	s := &ServiceServer{
		serviceName: serviceName,
		serviceID:   uuid.NewString(),
		version:     opts.Version,
		host:        opts.Identity,
		bus:         bus,
		handlers:    make(map[string]Handler),
		eventCB:     opts.EventCallback,
		refreshQuit: make(chan struct{}),
	}
	for name, h := range opts.Handlers {
		s.handlers[name] = h
	}
	s.handler = middleware.Chain(opts.Middlewares...)(s.invoke)

	acceptor, err := newAcceptor(rt, opts.Port, opts.Version, opts.MaxFrame, s.dispatch, s.fireEvent)
	if err != nil {
		return nil, err
	}
	s.acceptor = acceptor

	s.register(true)
	go s.refreshLoop(opts.RefreshInterval)

	log.Infof("service %s serving on port %d (v%d)", serviceName, acceptor.Port(), opts.Version)
	return s, nil
}

// SetHandler installs or replaces the handler for a method.
func (s *ServiceServer) SetHandler(method string, h Handler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers[method] = h
}

// RemoveHandler deletes a method's handler.
func (s *ServiceServer) RemoveHandler(method string) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	delete(s.handlers, method)
}

// SetEventCallback replaces the connect/disconnect observer.
func (s *ServiceServer) SetEventCallback(cb EventFunc) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	s.eventCB = cb
}

// ServiceID returns the fresh id this server instance announces under.
func (s *ServiceServer) ServiceID() string {
	return s.serviceID
}

// Port returns the bound TCP port.
func (s *ServiceServer) Port() uint16 {
	return s.acceptor.Port()
}

// ConnectionCount returns the number of live client connections.
func (s *ServiceServer) ConnectionCount() int {
	return s.acceptor.ConnectionCount()
}

// IsConnected reports whether at least one client is connected.
func (s *ServiceServer) IsConnected() bool {
	return s.acceptor.ConnectionCount() > 0
}

// Stop withdraws the service from discovery and tears down the acceptor
// and all its sessions.
func (s *ServiceServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.refreshQuit)
		if s.bus != nil {
			if err := s.bus.UnregisterServer(s.serviceName, s.serviceID, s.sample(), true); err != nil {
				log.Warnf("unregister service %s: %v", s.serviceName, err)
			}
		}
		s.acceptor.stop()
		log.Infof("service %s stopped", s.serviceName)
	})
}

// dispatch is the acceptor-facing ServiceFunc; it runs the middleware chain
// around the method handler on the session strand.
func (s *ServiceServer) dispatch(req *message.Request) *message.Response {
	return s.handler(context.Background(), req)
}

func (s *ServiceServer) invoke(_ context.Context, req *message.Request) *message.Response {
	resp := &message.Response{
		Header: message.ResponseHeader{
			HostName:    s.host.HostName,
			ServiceName: s.serviceName,
			ServiceID:   s.serviceID,
			MethodName:  req.Header.MethodName,
		},
	}

	s.handlerMu.Lock()
	h, ok := s.handlers[req.Header.MethodName]
	s.handlerMu.Unlock()
	if !ok {
		resp.Header.State = message.CallStateFailed
		resp.Header.Error = fmt.Sprintf("method %q not found", req.Header.MethodName)
		return resp
	}

	ret, out, err := h(req.Body)
	resp.RetState = ret
	resp.Body = out
	if err != nil {
		resp.Header.State = message.CallStateFailed
		resp.Header.Error = err.Error()
	} else {
		resp.Header.State = message.CallStateExecuted
	}
	return resp
}

func (s *ServiceServer) fireEvent(event Event, reason string) {
	s.eventMu.Lock()
	cb := s.eventCB
	s.eventMu.Unlock()
	if cb != nil {
		cb(event, reason)
	}
}

func (s *ServiceServer) sample() discovery.Sample {
	sample := discovery.Sample{
		Host:        s.host.HostName,
		ProcessName: s.host.ProcessName,
		UnitName:    s.host.UnitName,
		PID:         s.host.PID,
		ServiceName: s.serviceName,
		ServiceID:   s.serviceID,
		Version:     s.version,
	}
	if s.version == 0 {
		sample.PortV0 = s.acceptor.Port()
	} else {
		sample.PortV1 = s.acceptor.Port()
	}
	return sample
}

func (s *ServiceServer) register(force bool) {
	if s.bus == nil {
		return
	}
	if err := s.bus.RegisterServer(s.serviceName, s.serviceID, s.sample(), force); err != nil {
		log.Warnf("register service %s: %v", s.serviceName, err)
	}
}

func (s *ServiceServer) refreshLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.register(false)
		case <-s.refreshQuit:
			return
		}
	}
}
