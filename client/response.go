package client

import (
	"grid-rpc/discovery"
	"grid-rpc/message"
)

// ServiceResponse is one peer's contribution to a fan-out call, as handed
// to user code. Slots are pre-populated with a timeout outcome and filled
// in place by completions.
type ServiceResponse struct {
	HostName    string
	ServiceName string
	ServiceID   string
	MethodName  string
	ErrorMsg    string
	RetState    int32
	CallState   message.CallState
	Response    []byte
}

func fromResponse(resp *message.Response) ServiceResponse {
	return ServiceResponse{
		HostName:    resp.Header.HostName,
		ServiceName: resp.Header.ServiceName,
		ServiceID:   resp.Header.ServiceID,
		MethodName:  resp.Header.MethodName,
		ErrorMsg:    resp.Header.Error,
		RetState:    resp.RetState,
		CallState:   resp.Header.State,
		Response:    resp.Body,
	}
}

// EventKind names the peer-level events a ServiceClient reports.
type EventKind int8

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventTimeout
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// EventData is the payload handed to event callbacks. Time is microseconds
// since the Unix epoch.
type EventData struct {
	Kind EventKind
	Time int64
	Peer discovery.PeerDescriptor
}

// EventCallback observes peer connect, disconnect, and timeout events for
// one service.
type EventCallback func(serviceName string, data EventData)

// ResponseCallback receives one ServiceResponse per responding peer on the
// callback call variants.
type ResponseCallback func(resp ServiceResponse)
