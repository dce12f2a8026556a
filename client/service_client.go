package client

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"grid-rpc/discovery"
	"grid-rpc/identity"
	"grid-rpc/loadbalance"
	"grid-rpc/message"
	"grid-rpc/protocol"
)

// ClientOptions configures a ServiceClient beyond its service name.
type ClientOptions struct {
	Identity        identity.HostIdentity
	RefreshInterval time.Duration // bus re-registration period, 0 for 1s
	MaxFrame        uint32        // v1 frame cap for peer sessions, 0 for the default
	Balancer        loadbalance.Balancer
}

// ServiceClient is the user-facing handle on a named service. It discovers
// every peer hosting the service, keeps one session per peer, and fans a
// logical call out to all of them.
//
// Lock order: peerMu → connMu → eventMu → respMu. No method acquires an
// earlier lock while holding a later one.
type ServiceClient struct {
	serviceName string
	serviceID   string
	host        identity.HostIdentity
	bus         discovery.Bus
	manager     *Manager
	balancer    loadbalance.Balancer
	maxFrame    uint32

	created atomic.Bool

	filterMu   sync.Mutex
	hostFilter string

	peerMu sync.Mutex
	peers  map[string]*Session

	connMu    sync.Mutex
	connected map[string]discovery.PeerDescriptor

	eventMu sync.Mutex
	events  map[EventKind]EventCallback

	respMu sync.Mutex
	respCB ResponseCallback

	refreshQuit chan struct{}
	destroyOnce sync.Once
}

// NewServiceClient registers the client on the bus under a fresh service id
// and starts the periodic registration refresh.
func NewServiceClient(manager *Manager, bus discovery.Bus, serviceName string, opts ClientOptions) (*ServiceClient, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("client: empty service name")
	}
	if opts.Identity == (identity.HostIdentity{}) {
		opts.Identity = identity.Local()
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = time.Second
	}
	if opts.MaxFrame == 0 {
		opts.MaxFrame = protocol.DefaultMaxFrameV1
	}
	if opts.Balancer == nil {
		opts.Balancer = &loadbalance.RoundRobinBalancer{}
	}

	c := &ServiceClient{
		serviceName: serviceName,
		serviceID:   uuid.NewString(),
		host:        opts.Identity,
		bus:         bus,
		manager:     manager,
		balancer:    opts.Balancer,
		maxFrame:    opts.MaxFrame,
		peers:       make(map[string]*Session),
		connected:   make(map[string]discovery.PeerDescriptor),
		events:      make(map[EventKind]EventCallback),
		refreshQuit: make(chan struct{}),
	}
	c.created.Store(true)

	c.register(true)
	go c.refreshLoop(opts.RefreshInterval)

	log.Debugf("service client %s created (id %s)", serviceName, c.serviceID)
	return c, nil
}

// Destroy unregisters from discovery, stops every peer session, and drains
// all maps under their locks. It does not wait for in-flight completions:
// those run against the detached aggregator or observe the nulled response
// callback and drop silently.
func (c *ServiceClient) Destroy() bool {
	if !c.created.CompareAndSwap(true, false) {
		return false
	}
	c.destroyOnce.Do(func() {
		close(c.refreshQuit)

		// Null the response callback first: stopping the sessions below
		// resolves their pending completions with SHUTDOWN, and those must
		// find no callback to deliver to.
		c.respMu.Lock()
		c.respCB = nil
		c.respMu.Unlock()

		c.peerMu.Lock()
		live := make([]*Session, 0, len(c.peers))
		for _, s := range c.peers {
			live = append(live, s)
		}
		c.peers = make(map[string]*Session)
		c.peerMu.Unlock()
		for _, s := range live {
			s.Stop()
		}

		c.connMu.Lock()
		c.connected = make(map[string]discovery.PeerDescriptor)
		c.connMu.Unlock()

		c.eventMu.Lock()
		c.events = make(map[EventKind]EventCallback)
		c.eventMu.Unlock()

		if c.bus != nil {
			if err := c.bus.UnregisterClient(c.serviceName, c.serviceID, c.sample(), true); err != nil {
				log.Warnf("unregister client %s: %v", c.serviceName, err)
			}
		}
		log.Debugf("service client %s destroyed", c.serviceName)
	})
	return true
}

// SetHostFilter restricts calls to peers on the named host. "*" or the
// empty string matches any host.
func (c *ServiceClient) SetHostFilter(name string) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	if name == "*" {
		c.hostFilter = ""
	} else {
		c.hostFilter = name
	}
}

func (c *ServiceClient) filter() string {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	return c.hostFilter
}

// SetResponseCallback installs the callback receiving per-peer responses on
// the callback call variants.
func (c *ServiceClient) SetResponseCallback(cb ResponseCallback) {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	c.respCB = cb
}

// ClearResponseCallback removes the response callback.
func (c *ServiceClient) ClearResponseCallback() {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	c.respCB = nil
}

// SetEventCallback installs the callback for one event kind.
func (c *ServiceClient) SetEventCallback(kind EventKind, cb EventCallback) bool {
	if !c.created.Load() {
		return false
	}
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.events[kind] = cb
	return true
}

// RemoveEventCallback removes the callback for one event kind.
func (c *ServiceClient) RemoveEventCallback(kind EventKind) bool {
	if !c.created.Load() {
		return false
	}
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	delete(c.events, kind)
	return true
}

// IsConnected reports whether at least one peer is currently connected.
func (c *ServiceClient) IsConnected() bool {
	if !c.created.Load() {
		return false
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return len(c.connected) > 0
}

// Call fans the request out to every matching peer and blocks until all
// responses arrived or the timeout fired; timeout 0 waits indefinitely.
// out receives one slot per dispatched peer — never more, never fewer; a
// peer that missed the deadline contributes its pre-populated timeout slot.
// Reports true iff at least one peer executed the method.
func (c *ServiceClient) Call(method string, request []byte, timeout time.Duration, out *[]ServiceResponse) bool {
	if out != nil {
		*out = (*out)[:0]
	}
	if !c.created.Load() || c.bus == nil || method == "" {
		return false
	}

	c.checkForNewServices()

	peers, err := c.bus.PeersFor(c.serviceName)
	if err != nil {
		log.Debugf("discovery unavailable for %s: %v", c.serviceName, err)
		return false
	}

	req := &message.Request{
		Header: message.RequestHeader{MethodName: method, Caller: c.host},
		Body:   request,
	}

	// The aggregator is shared with every completion closure. If the
	// timeout fires first, this method returns while completions are still
	// on their way; they write into the aggregator, not into us.
	agg := newAggregator()
	filter := c.filter()
	for _, peer := range peers {
		if filter != "" && filter != peer.HostName {
			continue
		}
		c.peerMu.Lock()
		sess, ok := c.peers[peer.Key]
		c.peerMu.Unlock()
		if !ok {
			continue
		}
		i := agg.addSlot(peer, method)
		sess.AsyncCall(req, agg.completion(i))
	}

	if agg.expected == 0 {
		return false
	}

	if agg.wait(timeout) {
		// Deadline fired before every slot was filled; the unfinished
		// peers each get one timeout event.
		for _, peer := range agg.unfinished() {
			c.fireEvent(EventTimeout, peer)
		}
	}

	slots := agg.snapshot()
	if out != nil {
		*out = slots
	}
	for _, slot := range slots {
		if slot.CallState == message.CallStateExecuted {
			return true
		}
	}
	return false
}

// CallWithCallback is the callback variant of Call: it blocks the same way,
// then hands each slot to the response callback, serialized by its mutex.
func (c *ServiceClient) CallWithCallback(method string, request []byte, timeout time.Duration) bool {
	var responses []ServiceResponse
	ok := c.Call(method, request, timeout, &responses)

	for _, resp := range responses {
		c.respMu.Lock()
		if c.respCB != nil {
			c.respCB(resp)
		}
		c.respMu.Unlock()
	}
	return ok
}

// CallAsync fires the request at every matching peer and returns without
// waiting; each completion invokes the response callback directly. Reports
// true iff at least one peer was dispatched to.
func (c *ServiceClient) CallAsync(method string, request []byte) bool {
	if !c.created.Load() {
		c.errorCallback(method, "client has been destroyed")
		return false
	}
	if c.bus == nil {
		c.errorCallback(method, "no discovery bus")
		return false
	}
	if method == "" {
		c.errorCallback(method, "invalid method name")
		return false
	}

	c.checkForNewServices()

	peers, err := c.bus.PeersFor(c.serviceName)
	if err != nil {
		c.errorCallback(method, "discovery unavailable: "+err.Error())
		return false
	}

	req := &message.Request{
		Header: message.RequestHeader{MethodName: method, Caller: c.host},
		Body:   request,
	}

	called := false
	filter := c.filter()
	for _, peer := range peers {
		if filter != "" && filter != peer.HostName {
			continue
		}
		c.peerMu.Lock()
		sess, ok := c.peers[peer.Key]
		c.peerMu.Unlock()
		if !ok {
			continue
		}

		hostName := peer.HostName
		serviceName := peer.ServiceName
		sess.AsyncCall(req, func(err *CallError, resp *message.Response) {
			c.respMu.Lock()
			defer c.respMu.Unlock()
			if c.respCB == nil {
				return
			}
			if err != nil {
				c.respCB(ServiceResponse{
					HostName:    hostName,
					ServiceName: serviceName,
					MethodName:  method,
					ErrorMsg:    err.Error(),
					CallState:   message.CallStateFailed,
				})
				return
			}
			c.respCB(fromResponse(resp))
		})
		called = true
	}
	return called
}

// CallOne dispatches to a single peer picked by the balancer instead of
// fanning out. Reports false when no peer matches or the call failed.
func (c *ServiceClient) CallOne(method string, request []byte, timeout time.Duration) (ServiceResponse, bool) {
	if !c.created.Load() || c.bus == nil || method == "" {
		return ServiceResponse{}, false
	}

	c.checkForNewServices()

	peers, err := c.bus.PeersFor(c.serviceName)
	if err != nil {
		return ServiceResponse{}, false
	}

	filter := c.filter()
	candidates := make([]discovery.PeerDescriptor, 0, len(peers))
	for _, peer := range peers {
		if filter != "" && filter != peer.HostName {
			continue
		}
		c.peerMu.Lock()
		_, ok := c.peers[peer.Key]
		c.peerMu.Unlock()
		if ok {
			candidates = append(candidates, peer)
		}
	}

	pick, err := c.balancer.Pick(candidates)
	if err != nil {
		return ServiceResponse{}, false
	}

	c.peerMu.Lock()
	sess, ok := c.peers[pick.Key]
	c.peerMu.Unlock()
	if !ok {
		return ServiceResponse{}, false
	}

	req := &message.Request{
		Header: message.RequestHeader{MethodName: method, Caller: c.host},
		Body:   request,
	}
	agg := newAggregator()
	i := agg.addSlot(*pick, method)
	sess.AsyncCall(req, agg.completion(i))
	agg.wait(timeout)

	slot := agg.snapshot()[0]
	return slot, slot.CallState == message.CallStateExecuted
}

// register is the periodic refresh hook: announce this client, pick up new
// peers, then reconcile connection state and emit events.
func (c *ServiceClient) register(force bool) {
	if !c.created.Load() || c.bus == nil {
		return
	}
	if err := c.bus.RegisterClient(c.serviceName, c.serviceID, c.sample(), force); err != nil {
		log.Debugf("register client %s: %v", c.serviceName, err)
	}

	c.checkForNewServices()

	peers, err := c.bus.PeersFor(c.serviceName)
	if err != nil {
		return
	}
	c.updateConnections(peers)
}

// checkForNewServices pulls the peer snapshot and creates a session for
// every peer not yet in the map, negotiating version and port from the
// descriptor. Peers that vanished from discovery are not removed here;
// failed sessions are reaped lazily by updateConnections.
func (c *ServiceClient) checkForNewServices() {
	if c.bus == nil {
		return
	}
	peers, err := c.bus.PeersFor(c.serviceName)
	if err != nil {
		log.Debugf("discovery unavailable for %s: %v", c.serviceName, err)
		return
	}

	for _, peer := range peers {
		c.peerMu.Lock()
		_, exists := c.peers[peer.Key]
		if !exists {
			if c.manager == nil || c.manager.IsStopped() {
				c.peerMu.Unlock()
				return
			}
			version, port := peer.Negotiate()
			sess := c.manager.CreateClient(version, peer.HostName, port, c.maxFrame, nil)
			if sess != nil {
				c.peers[peer.Key] = sess
			}
		}
		c.peerMu.Unlock()
	}
}

// updateConnections reconciles the connected-services map against session
// state. A discovered peer whose session reached CONNECTED enters the map
// and fires connected once per session incarnation. A FAILED session fires
// disconnected once, leaves the map, and is reaped from the peer map so the
// next refresh builds a fresh session for the same key.
func (c *ServiceClient) updateConnections(peers []discovery.PeerDescriptor) {
	for _, peer := range peers {
		c.peerMu.Lock()
		sess, ok := c.peers[peer.Key]
		if ok && sess.State() == StateConnected {
			c.connMu.Lock()
			if _, known := c.connected[peer.Key]; !known {
				c.fireEvent(EventConnected, peer)
				c.connected[peer.Key] = peer
			}
			c.connMu.Unlock()
		}
		c.peerMu.Unlock()
	}

	c.peerMu.Lock()
	for key, sess := range c.peers {
		if sess.State() != StateFailed {
			continue
		}
		c.connMu.Lock()
		if peer, known := c.connected[key]; known {
			c.fireEvent(EventDisconnected, peer)
			delete(c.connected, key)
		}
		c.connMu.Unlock()
		delete(c.peers, key)
	}
	c.peerMu.Unlock()
}

func (c *ServiceClient) fireEvent(kind EventKind, peer discovery.PeerDescriptor) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	if cb, ok := c.events[kind]; ok && cb != nil {
		cb(c.serviceName, EventData{
			Kind: kind,
			Time: time.Now().UnixMicro(),
			Peer: peer,
		})
	}
}

// errorCallback reifies a local failure into a response for the callback
// variants, mirroring what a peer failure would produce.
func (c *ServiceClient) errorCallback(method, errMsg string) {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	if c.respCB != nil {
		c.respCB(ServiceResponse{
			MethodName: method,
			ErrorMsg:   errMsg,
			CallState:  message.CallStateFailed,
		})
	}
}

func (c *ServiceClient) sample() discovery.Sample {
	return discovery.Sample{
		Host:        c.host.HostName,
		ProcessName: c.host.ProcessName,
		UnitName:    c.host.UnitName,
		PID:         c.host.PID,
		ServiceName: c.serviceName,
		ServiceID:   c.serviceID,
		Version:     protocol.V1,
	}
}

func (c *ServiceClient) refreshLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.register(false)
		case <-c.refreshQuit:
			return
		}
	}
}
