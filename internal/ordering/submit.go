package ordering

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hshomroni/concord-bft/internal/messages"
)

// Engine is the boundary to the BFT agreement engine. It accepts agreed
// pre-processed requests and queues them for the ordering path; the agreement
// protocol itself lives below this interface.
type Engine struct {
	logger *zap.Logger
	queue  chan *messages.ClientRequest
}

// NewEngine creates an engine facade with the given ordering queue depth.
func NewEngine(logger *zap.Logger, queueDepth int) *Engine {
	return &Engine{
		logger: logger,
		queue:  make(chan *messages.ClientRequest, queueDepth),
	}
}

// SubmitPreProcessed hands an agreed request to the ordering path.
func (e *Engine) SubmitPreProcessed(ctx context.Context, req *messages.ClientRequest) error {
	select {
	case e.queue <- req:
		e.logger.Debug("request queued for ordering",
			zap.Uint16("clientId", req.ClientID),
			zap.Uint64("reqSeqNum", req.ReqSeqNum),
			zap.String("cid", req.Cid),
			zap.Bool("empty", req.IsEmpty()),
			zap.String("result", req.Result.String()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("ordering queue full")
	}
}

// Ordered returns the channel of requests awaiting agreement.
func (e *Engine) Ordered() <-chan *messages.ClientRequest { return e.queue }
