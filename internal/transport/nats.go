package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/hshomroni/concord-bft/internal/config"
	"github.com/hshomroni/concord-bft/internal/messages"
)

// NATSTransport implements Communication over a NATS cluster. Each replica
// subscribes to its own subject; frames travel in their local-buffer form so
// the sender id survives the hop.
type NATSTransport struct {
	cfg         config.TransportConfig
	myReplicaID messages.ReplicaID
	numReplicas uint16
	diag        *messages.DiagCounters
	logger      *zap.Logger

	conn    *nats.Conn
	sub     *nats.Subscription
	msgChan chan *messages.RawMessage

	mu      sync.Mutex
	started bool
}

// NewNATSTransport creates a NATS transport for this replica.
func NewNATSTransport(cfg config.TransportConfig, myReplicaID messages.ReplicaID, numReplicas uint16,
	diag *messages.DiagCounters, logger *zap.Logger) *NATSTransport {
	return &NATSTransport{
		cfg:         cfg,
		myReplicaID: myReplicaID,
		numReplicas: numReplicas,
		diag:        diag,
		logger:      logger,
		msgChan:     make(chan *messages.RawMessage, 1024),
	}
}

func (t *NATSTransport) subjectFor(id messages.ReplicaID) string {
	return fmt.Sprintf("%s.replica.%d", t.cfg.SubjectPrefix, id)
}

// Start connects to NATS and subscribes to this replica's subject.
func (t *NATSTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}
	conn, err := nats.Connect(t.cfg.NATSURL,
		nats.Name(fmt.Sprintf("replica-%d", t.myReplicaID)),
		nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", t.cfg.NATSURL, err)
	}
	sub, err := conn.Subscribe(t.subjectFor(t.myReplicaID), t.onNATSMsg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	t.conn = conn
	t.sub = sub
	t.started = true
	t.logger.Info("transport started",
		zap.String("url", t.cfg.NATSURL),
		zap.String("subject", t.subjectFor(t.myReplicaID)))
	return nil
}

func (t *NATSTransport) onNATSMsg(m *nats.Msg) {
	raw, _, err := messages.DeserializeFromLocalBuffer(m.Data, t.diag)
	if err != nil {
		t.logger.Warn("dropping undecodable frame", zap.Error(err))
		return
	}
	select {
	case t.msgChan <- raw:
	default:
		// The receive queue is full; shed the frame rather than block the
		// NATS callback.
		t.logger.Warn("receive queue full, dropping frame",
			zap.String("type", raw.Type().String()))
		raw.Free()
	}
}

// Send implements Communication.
func (t *NATSTransport) Send(ctx context.Context, target messages.ReplicaID, msg *messages.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.conn.Publish(t.subjectFor(target), msg.SerializeToLocalBuffer()); err != nil {
		return fmt.Errorf("failed to send to replica %d: %w", target, err)
	}
	return nil
}

// Broadcast implements Communication.
func (t *NATSTransport) Broadcast(ctx context.Context, msg *messages.RawMessage) error {
	data := msg.SerializeToLocalBuffer()
	for id := messages.ReplicaID(0); id < t.numReplicas; id++ {
		if id == t.myReplicaID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.conn.Publish(t.subjectFor(id), data); err != nil {
			return fmt.Errorf("failed to broadcast to replica %d: %w", id, err)
		}
	}
	return nil
}

// Receive implements Communication.
func (t *NATSTransport) Receive() <-chan *messages.RawMessage { return t.msgChan }

// Stop implements Communication.
func (t *NATSTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return nil
	}
	t.started = false
	if err := t.sub.Unsubscribe(); err != nil {
		t.logger.Warn("failed to unsubscribe", zap.Error(err))
	}
	t.conn.Close()
	t.logger.Info("transport stopped")
	return nil
}
