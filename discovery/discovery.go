// Package discovery defines the narrow contract between the RPC core and
// the registration bus that announces services across the fleet.
//
// The core pushes registration samples for its clients and servers and
// pulls peer snapshots with PeersFor. Two implementations ship with the
// module: EtcdBus for fleet-wide discovery and LocalBus for single-process
// wiring and tests.
package discovery

// PeerDescriptor describes one server process instance hosting a service,
// as announced on the bus. Key is stable and unique per peer process and
// service instance. At least one of the two ports is nonzero.
type PeerDescriptor struct {
	Key         string
	HostName    string
	ServiceName string
	ServiceID   string
	TCPPortV0   uint16
	TCPPortV1   uint16
	Version     uint8
}

// Negotiate resolves the protocol version and port to connect with. The v1
// port wins when present; otherwise the peer only speaks v0, whatever
// version it announced.
func (d PeerDescriptor) Negotiate() (version uint8, port uint16) {
	if d.TCPPortV1 != 0 {
		return d.Version, d.TCPPortV1
	}
	return 0, d.TCPPortV0
}

// Sample is the announcement blob pushed to the bus on registration.
type Sample struct {
	Host        string `json:"host"`
	ProcessName string `json:"process_name"`
	UnitName    string `json:"unit_name"`
	PID         int    `json:"pid"`
	ServiceName string `json:"service_name"`
	ServiceID   string `json:"service_id"`
	Version     uint8  `json:"version"`
	PortV0      uint16 `json:"port_v0"`
	PortV1      uint16 `json:"port_v1"`
}

// Key derives the peer key for this sample: unique per peer process and
// service instance.
func (s Sample) Key() string {
	return s.Host + "/" + s.ServiceName + "/" + s.ServiceID
}

// Descriptor converts a server sample into the peer descriptor clients see.
func (s Sample) Descriptor() PeerDescriptor {
	return PeerDescriptor{
		Key:         s.Key(),
		HostName:    s.Host,
		ServiceName: s.ServiceName,
		ServiceID:   s.ServiceID,
		TCPPortV0:   s.PortV0,
		TCPPortV1:   s.PortV1,
		Version:     s.Version,
	}
}

// Bus is the registration and discovery contract consumed by the RPC core.
// Register calls are repeated periodically as a refresh; implementations
// treat re-registration of a known entity as cheap. force requests an
// immediate announcement even if the sample is unchanged.
type Bus interface {
	RegisterClient(serviceName, serviceID string, sample Sample, force bool) error
	UnregisterClient(serviceName, serviceID string, sample Sample, force bool) error
	RegisterServer(serviceName, serviceID string, sample Sample, force bool) error
	UnregisterServer(serviceName, serviceID string, sample Sample, force bool) error
	PeersFor(serviceName string) ([]PeerDescriptor, error)
}
