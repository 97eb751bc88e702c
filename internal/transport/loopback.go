package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/hshomroni/concord-bft/internal/messages"
)

// LoopbackNetwork connects a set of in-process loopback transports, one per
// replica. It backs the protocol tests and local single-process clusters.
type LoopbackNetwork struct {
	mu    sync.RWMutex
	peers map[messages.ReplicaID]*LoopbackTransport
}

// NewLoopbackNetwork creates an empty network.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{peers: make(map[messages.ReplicaID]*LoopbackTransport)}
}

// Join creates and registers the transport endpoint of one replica.
func (n *LoopbackNetwork) Join(id messages.ReplicaID, diag *messages.DiagCounters) *LoopbackTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &LoopbackTransport{
		id:      id,
		network: n,
		diag:    diag,
		msgChan: make(chan *messages.RawMessage, 1024),
	}
	n.peers[id] = t
	return t
}

func (n *LoopbackNetwork) deliver(target messages.ReplicaID, data []byte) error {
	n.mu.RLock()
	peer := n.peers[target]
	n.mu.RUnlock()
	if peer == nil {
		return fmt.Errorf("no transport registered for replica %d", target)
	}
	raw, _, err := messages.DeserializeFromLocalBuffer(data, peer.diag)
	if err != nil {
		return err
	}
	peer.msgChan <- raw
	return nil
}

// LoopbackTransport is the Communication endpoint of one replica on a
// LoopbackNetwork.
type LoopbackTransport struct {
	id      messages.ReplicaID
	network *LoopbackNetwork
	diag    *messages.DiagCounters
	msgChan chan *messages.RawMessage
}

// Send implements Communication.
func (t *LoopbackTransport) Send(ctx context.Context, target messages.ReplicaID, msg *messages.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.network.deliver(target, msg.SerializeToLocalBuffer())
}

// Broadcast implements Communication.
func (t *LoopbackTransport) Broadcast(ctx context.Context, msg *messages.RawMessage) error {
	t.network.mu.RLock()
	targets := make([]messages.ReplicaID, 0, len(t.network.peers))
	for id := range t.network.peers {
		if id != t.id {
			targets = append(targets, id)
		}
	}
	t.network.mu.RUnlock()
	data := msg.SerializeToLocalBuffer()
	for _, id := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.network.deliver(id, data); err != nil {
			return err
		}
	}
	return nil
}

// Receive implements Communication.
func (t *LoopbackTransport) Receive() <-chan *messages.RawMessage { return t.msgChan }

// Start implements Communication.
func (t *LoopbackTransport) Start() error { return nil }

// Stop implements Communication.
func (t *LoopbackTransport) Stop() error { return nil }
