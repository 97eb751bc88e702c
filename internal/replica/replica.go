package replica

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hshomroni/concord-bft/internal/config"
	"github.com/hshomroni/concord-bft/internal/crypto"
	"github.com/hshomroni/concord-bft/internal/messages"
	"github.com/hshomroni/concord-bft/internal/ordering"
	"github.com/hshomroni/concord-bft/internal/preprocessor"
	"github.com/hshomroni/concord-bft/internal/transport"
	"github.com/hshomroni/concord-bft/pkg/metrics"
)

// Replica wires the pre-processor into the transport, the ordering engine
// and the metadata store.
type Replica struct {
	logger  *zap.Logger
	cfg     *config.Config
	comm    transport.Communication
	handler preprocessor.RequestsHandler
	signer  crypto.Signer
	verifier crypto.Verifier

	store  ordering.MetadataStore
	epochs *ordering.EpochManager
	engine *ordering.Engine

	diag    *messages.DiagCounters
	metrics *metrics.Metrics

	pre      *preprocessor.PreProcessor
	incoming *IncomingMsgsStorage

	currentPrimary atomic.Uint32

	mu        sync.Mutex
	running   bool
	debugWait chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New assembles a replica. The metadata startup flags are applied before the
// subsystems are constructed.
func New(logger *zap.Logger, cfg *config.Config, comm transport.Communication,
	store ordering.MetadataStore, handler preprocessor.RequestsHandler,
	signer crypto.Signer, verifier crypto.Verifier,
	diag *messages.DiagCounters, m *metrics.Metrics) (*Replica, error) {
	epochs, err := ordering.Bootstrap(context.Background(), store, cfg.Replica.KeyViewFilePath, logger.Named("metadata"))
	if err != nil {
		return nil, fmt.Errorf("metadata bootstrap failed: %w", err)
	}
	r := &Replica{
		logger:   logger,
		cfg:      cfg,
		comm:     comm,
		handler:  handler,
		signer:   signer,
		verifier: verifier,
		store:    store,
		epochs:   epochs,
		engine:   ordering.NewEngine(logger.Named("ordering"), 1024),
		diag:     diag,
		metrics:  m,
		incoming: NewIncomingMsgsStorage(logger.Named("incoming"), m, 4096),
	}
	pre, err := preprocessor.New(logger.Named("preprocessor"), cfg.Replica, cfg.PreProcess,
		comm, r.engine, r, handler, signer, verifier)
	if err != nil {
		return nil, err
	}
	pre.SetMetrics(m)
	r.pre = pre
	if diag != nil && m != nil {
		diag.SetObserver(m)
	}
	return r, nil
}

// CurrentPrimary implements preprocessor.PrimarySource. The view is advanced
// by the agreement engine; until a view change is observed the first replica
// drives pre-processing.
func (r *Replica) CurrentPrimary() messages.ReplicaID {
	return messages.ReplicaID(r.currentPrimary.Load())
}

// SetCurrentPrimary records an observed view change.
func (r *Replica) SetCurrentPrimary(id messages.ReplicaID) {
	r.currentPrimary.Store(uint32(id))
}

// PreProcessor returns the pre-processing coordinator.
func (r *Replica) PreProcessor() *preprocessor.PreProcessor { return r.pre }

// OrderingEngine returns the ordering engine facade.
func (r *Replica) OrderingEngine() *ordering.Engine { return r.engine }

// Epochs returns the epoch manager.
func (r *Replica) Epochs() *ordering.EpochManager { return r.epochs }

// DiagCounters returns the message buffer accounting.
func (r *Replica) DiagCounters() *messages.DiagCounters { return r.diag }

// IsRunning reports whether the replica is started.
func (r *Replica) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start starts the transport, the pre-processor and the message pump.
func (r *Replica) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	if err := r.comm.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.pre.Start()
	r.wg.Add(1)
	go r.receiveLoop()
	for i := 0; i < r.cfg.PreProcess.ValidationPoolSize; i++ {
		r.wg.Add(1)
		go r.dispatchLoop()
	}
	r.running = true
	r.logger.Info("replica started",
		zap.Uint16("replicaId", r.cfg.Replica.ReplicaID),
		zap.Uint16("numReplicas", r.cfg.Replica.NumReplicas),
		zap.Uint64("epoch", r.epochs.Epoch()))
	return nil
}

// Stop shuts the replica down and waits for in-flight work. It also
// interrupts a RestartForDebug delay in progress.
func (r *Replica) Stop() error {
	r.mu.Lock()
	if r.debugWait != nil {
		close(r.debugWait)
		r.debugWait = nil
	}
	r.mu.Unlock()
	return r.stopInternal()
}

func (r *Replica) stopInternal() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.pre.Stop()
	r.wg.Wait()
	if err := r.comm.Stop(); err != nil {
		r.logger.Warn("transport stop failed", zap.Error(err))
	}
	r.logger.Info("replica stopped")
	return nil
}

// RestartForDebug stops the replica, waits up to delay, and starts it again
// from the persisted metadata. A concurrent Stop interrupts the wait and
// leaves the replica stopped.
func (r *Replica) RestartForDebug(delay time.Duration) error {
	r.mu.Lock()
	r.debugWait = make(chan struct{})
	wait := r.debugWait
	r.mu.Unlock()

	if err := r.stopInternal(); err != nil {
		return err
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-wait:
			return nil
		}
	}
	r.mu.Lock()
	r.debugWait = nil
	r.mu.Unlock()

	epochs, err := ordering.Bootstrap(context.Background(), r.store, r.cfg.Replica.KeyViewFilePath,
		r.logger.Named("metadata"))
	if err != nil {
		return fmt.Errorf("metadata bootstrap failed on restart: %w", err)
	}
	r.epochs = epochs
	return r.Start()
}

// receiveLoop moves frames from the transport into the incoming queue.
func (r *Replica) receiveLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case raw, ok := <-r.comm.Receive():
			if !ok {
				return
			}
			r.incoming.Push(raw)
		}
	}
}

// dispatchLoop validates and routes queued frames. Several loops run
// concurrently, forming the validation worker pool; per-request serialization
// is provided by the request table's entry mutexes.
func (r *Replica) dispatchLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case raw := <-r.incoming.Chan():
			r.dispatch(raw)
		}
	}
}

// dispatch reconstructs the typed view and hands it to the pre-processor.
// Construction transfers buffer ownership to the typed message; the handlers
// release it.
func (r *Replica) dispatch(raw *messages.RawMessage) {
	msgType := raw.Type().String()
	var err error
	switch raw.Type() {
	case messages.MsgTypeClientPreProcessRequest:
		var msg *messages.ClientPreProcessRequest
		if msg, err = messages.ClientPreProcessRequestFromRaw(raw); err == nil {
			err = r.pre.OnClientPreProcessRequest(msg)
		}
	case messages.MsgTypePreProcessRequest:
		var msg *messages.PreProcessRequest
		if msg, err = messages.PreProcessRequestFromRaw(raw); err == nil {
			err = r.pre.OnPreProcessRequest(msg)
		}
	case messages.MsgTypePreProcessReply:
		var msg *messages.PreProcessReply
		if msg, err = messages.PreProcessReplyFromRaw(raw); err == nil {
			err = r.pre.OnPreProcessReply(msg)
		}
	default:
		if r.metrics != nil {
			r.metrics.RecordDrop("unknown_msg_type")
		}
		r.logger.Warn("dropping frame of unknown type", zap.Uint32("type", uint32(raw.Type())))
		raw.Free()
		return
	}
	if err != nil {
		raw.Free()
		r.logger.Warn("message dispatch failed",
			zap.String("type", msgType),
			zap.Uint16("sender", raw.Sender()),
			zap.Error(err))
	}
}
