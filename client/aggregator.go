package client

import (
	"sync"
	"time"

	"grid-rpc/discovery"
	"grid-rpc/message"
)

// aggregator collects the slots of one blocking fan-out call. It is shared
// between the calling goroutine and every per-peer completion: the caller
// holds it while waiting, and each completion holds it through its closure.
// When the caller times out and returns, late completions keep writing into
// the still-living aggregator; nobody reads those slots, so the writes are
// harmless. Completions never capture the ServiceClient itself.
type aggregator struct {
	mu       sync.Mutex
	slots    []ServiceResponse
	peers    []discovery.PeerDescriptor
	done     []bool
	finished int
	expected int
	allDone  chan struct{}
}

func newAggregator() *aggregator {
	return &aggregator{allDone: make(chan struct{})}
}

// addSlot pre-populates the default outcome for one peer: a timeout. If the
// deadline fires before the peer's response arrives, this is what the
// caller sees.
func (a *aggregator) addSlot(peer discovery.PeerDescriptor, method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slots = append(a.slots, ServiceResponse{
		HostName:    peer.HostName,
		ServiceName: peer.ServiceName,
		ServiceID:   peer.ServiceID,
		MethodName:  method,
		ErrorMsg:    "Timeout",
		RetState:    0,
		CallState:   message.CallStateFailed,
	})
	a.peers = append(a.peers, peer)
	a.done = append(a.done, false)
	a.expected++
	return len(a.slots) - 1
}

// completion builds the one-shot sink for slot i: fill the slot, count it
// finished, and wake the waiter when every slot is in.
func (a *aggregator) completion(i int) Completion {
	return func(err *CallError, resp *message.Response) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.done[i] {
			return
		}
		if err != nil {
			a.slots[i].ErrorMsg = err.Error()
			a.slots[i].CallState = message.CallStateFailed
			a.slots[i].RetState = 0
		} else {
			a.slots[i] = fromResponse(resp)
		}
		a.done[i] = true
		a.finished++
		if a.finished == a.expected {
			close(a.allDone)
		}
	}
}

// wait blocks until every slot finished, bounded by timeout when positive.
// Reports whether the deadline fired first.
func (a *aggregator) wait(timeout time.Duration) bool {
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-a.allDone:
			return false
		case <-timer.C:
			return true
		}
	}
	<-a.allDone
	return false
}

// snapshot copies the slots out for the caller.
func (a *aggregator) snapshot() []ServiceResponse {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ServiceResponse, len(a.slots))
	copy(out, a.slots)
	return out
}

// unfinished returns the peers whose slots still hold the default timeout
// outcome.
func (a *aggregator) unfinished() []discovery.PeerDescriptor {
	a.mu.Lock()
	defer a.mu.Unlock()
	var peers []discovery.PeerDescriptor
	for i, done := range a.done {
		if !done {
			peers = append(peers, a.peers[i])
		}
	}
	return peers
}
