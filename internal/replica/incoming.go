// Package replica bridges the pre-processor to the transport, the ordering
// engine and the metadata store, and owns the message pump between them.
package replica

import (
	"go.uber.org/zap"

	"github.com/hshomroni/concord-bft/internal/messages"
	"github.com/hshomroni/concord-bft/pkg/metrics"
)

// IncomingMsgsStorage is the bounded queue between the transport receive
// path and the dispatch loop. Frames that do not fit are shed with
// accounting rather than blocking the receiver.
type IncomingMsgsStorage struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	queue   chan *messages.RawMessage
}

// NewIncomingMsgsStorage creates a queue with the given capacity.
func NewIncomingMsgsStorage(logger *zap.Logger, m *metrics.Metrics, capacity int) *IncomingMsgsStorage {
	return &IncomingMsgsStorage{
		logger:  logger,
		metrics: m,
		queue:   make(chan *messages.RawMessage, capacity),
	}
}

// Push enqueues a frame, dropping it when the queue is full.
func (s *IncomingMsgsStorage) Push(msg *messages.RawMessage) {
	select {
	case s.queue <- msg:
	default:
		if s.metrics != nil {
			s.metrics.RecordDrop("incoming_queue_full")
		}
		s.logger.Warn("incoming queue full, dropping frame",
			zap.String("type", msg.Type().String()),
			zap.Uint16("sender", msg.Sender()))
		msg.Free()
	}
}

// Chan returns the dispatch side of the queue.
func (s *IncomingMsgsStorage) Chan() <-chan *messages.RawMessage { return s.queue }

// Len returns the number of queued frames.
func (s *IncomingMsgsStorage) Len() int { return len(s.queue) }
