package preprocessor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hshomroni/concord-bft/internal/config"
	"github.com/hshomroni/concord-bft/internal/crypto"
	"github.com/hshomroni/concord-bft/internal/errors"
	"github.com/hshomroni/concord-bft/internal/messages"
	"github.com/hshomroni/concord-bft/internal/transport"
	"github.com/hshomroni/concord-bft/pkg/metrics"
)

// ExecutionResult is the outcome of one speculative execution.
type ExecutionResult struct {
	Data    []byte
	BlockID uint64
	Result  messages.OperationResult
}

// RequestsHandler executes a client request speculatively. Implementations
// must be deterministic up to the appended block id.
type RequestsHandler interface {
	Execute(ctx context.Context, clientID messages.ClientID, cid string, payload []byte) ExecutionResult
}

// OrderingEngine receives agreed pre-processed requests for ordering. It is
// the only capability the pre-processor holds on its owner.
type OrderingEngine interface {
	SubmitPreProcessed(ctx context.Context, req *messages.ClientRequest) error
}

// PrimarySource reports the replica currently authorized to drive ordering.
type PrimarySource interface {
	CurrentPrimary() messages.ReplicaID
}

// FailureNotifier is invoked for terminal non-COMPLETE outcomes so the
// client-facing port can answer the client.
type FailureNotifier func(clientID messages.ClientID, reqSeqNum messages.ReqID, cid string,
	result messages.OperationResult)

// PreProcessor owns the request table and drives the pre-execution consensus:
// ingress, fan-out, reply aggregation, retries and timeouts.
type PreProcessor struct {
	logger  *zap.Logger
	cfg     config.PreProcessConfig
	replica config.ReplicaConfig

	myReplicaID  messages.ReplicaID
	replicasInfo messages.ReplicasInfo

	comm     transport.Communication
	ordering OrderingEngine
	primary  PrimarySource
	handler  RequestsHandler
	signer   crypto.Signer
	verifier crypto.Verifier

	table   *RequestTable
	limiter *rate.Limiter

	metricsMu sync.RWMutex
	metrics   *metrics.Metrics

	notifier FailureNotifier

	primarySeqNum atomic.Uint64
	execSem       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pre-processor. The quorum threshold must exceed (N-1)/2, so
// peer replies alone cannot give two hashes the threshold; config validation
// guarantees it, and the constructor re-checks because the decision logic has
// no tie-break for two hashes crossing the threshold.
func New(logger *zap.Logger, replicaCfg config.ReplicaConfig, cfg config.PreProcessConfig,
	comm transport.Communication, ordering OrderingEngine, primary PrimarySource,
	handler RequestsHandler, signer crypto.Signer, verifier crypto.Verifier) (*PreProcessor, error) {
	if replicaCfg.NumOfRequiredEqualReplies() <= (replicaCfg.NumReplicas-1)/2 {
		return nil, fmt.Errorf("quorum threshold %d does not exceed (numReplicas-1)/2",
			replicaCfg.NumOfRequiredEqualReplies())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PreProcessor{
		logger:       logger,
		cfg:          cfg,
		replica:      replicaCfg,
		myReplicaID:  replicaCfg.ReplicaID,
		replicasInfo: messages.ReplicasInfo{
			NumReplicas:          replicaCfg.NumReplicas,
			NumRoReplicas:        replicaCfg.NumRoReplicas,
			NumOfClientProxies:   replicaCfg.NumOfClientProxies,
			NumOfExternalClients: replicaCfg.NumOfExternalClients,
		},
		comm:     comm,
		ordering: ordering,
		primary:  primary,
		handler:  handler,
		signer:   signer,
		verifier: verifier,
		table:    NewRequestTable(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.IngressRatePerSec), cfg.IngressBurst),
		execSem:  make(chan struct{}, cfg.ExecutionPoolSize),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// SetMetrics wires the metrics aggregator. Safe to call before Start only.
func (p *PreProcessor) SetMetrics(m *metrics.Metrics) {
	p.metricsMu.Lock()
	p.metrics = m
	p.metricsMu.Unlock()
}

func (p *PreProcessor) getMetrics() *metrics.Metrics {
	p.metricsMu.RLock()
	defer p.metricsMu.RUnlock()
	return p.metrics
}

// SetFailureNotifier wires the client-facing failure callback.
func (p *PreProcessor) SetFailureNotifier(n FailureNotifier) { p.notifier = n }

// Start launches the timer loop. A pre-processor stopped earlier gets a fresh
// context, so it runs again after a restart.
func (p *PreProcessor) Start() {
	if p.ctx.Err() != nil {
		p.ctx, p.cancel = context.WithCancel(context.Background())
	}
	p.wg.Add(1)
	go p.timerLoop()
}

// Stop cancels in-flight work and waits for the background goroutines.
func (p *PreProcessor) Stop() {
	p.cancel()
	p.wg.Wait()
}

// InFlight returns the number of active request table entries.
func (p *PreProcessor) InFlight() int { return p.table.Len() }

func (p *PreProcessor) isPrimary() bool { return p.primary.CurrentPrimary() == p.myReplicaID }

func durationKey(key RequestKey) string {
	return fmt.Sprintf("%d:%d", key.ClientID, key.OffsetInBatch)
}

// OnClientPreProcessRequest handles a client request arriving on the
// client-facing port. On the primary it additionally fans the request out to
// the peers and schedules local speculative execution.
func (p *PreProcessor) OnClientPreProcessRequest(msg *messages.ClientPreProcessRequest) error {
	m := p.getMetrics()
	if err := msg.Validate(p.replicasInfo); err != nil {
		if m != nil {
			m.RecordDrop("malformed_client_request")
		}
		msg.Raw().Free()
		return err
	}
	if !p.limiter.Allow() {
		if m != nil {
			m.RecordIngress("rejected")
		}
		msg.Raw().Free()
		return errors.NewResourceExhaustedError("ingress rate limit reached")
	}

	maxOffsets := p.cfg.ClientBatchingMaxMsgsNbr
	if int(maxOffsets) > p.cfg.MaxReqsPerClient {
		maxOffsets = uint16(p.cfg.MaxReqsPerClient)
	}

	var (
		key   RequestKey
		entry *requestEntry
		ppReq *messages.PreProcessRequest
		st    *RequestProcessingState
	)
	for {
		offset, ok := p.table.FreeOffsetForClient(msg.ClientID, maxOffsets)
		if !ok {
			if m != nil {
				m.RecordIngress("rejected")
			}
			msg.Raw().Free()
			return errors.Newf(errors.ResourceExhausted,
				"client %d exceeded %d in-flight requests", msg.ClientID, maxOffsets)
		}
		key = RequestKey{ClientID: msg.ClientID, OffsetInBatch: offset}
		if p.isPrimary() {
			batchCid := uuid.NewString()
			ppReq = messages.NewPreProcessRequest(p.myReplicaID, batchCid, msg.ClientID, offset,
				msg.Cid, 0, p.primarySeqNum.Add(1), msg.Payload, msg.Raw().SpanContext())
			st = NewRequestProcessingState(p.logger, p.myReplicaID, p.replica.NumReplicas,
				p.replica.NumOfRequiredEqualReplies(), batchCid, msg.ClientID, offset,
				msg.Cid, msg.ReqSeqNum, msg, ppReq, msg.Signature, p.signer)
		} else {
			st = NewRequestProcessingState(p.logger, p.myReplicaID, p.replica.NumReplicas,
				p.replica.NumOfRequiredEqualReplies(), "", msg.ClientID, offset,
				msg.Cid, msg.ReqSeqNum, msg, nil, msg.Signature, p.signer)
		}
		st.SetDefaultTimeout(p.cfg.ConsensusTimeout)
		var inserted bool
		if entry, inserted = p.table.Put(key, st); inserted {
			break
		}
		// Lost the offset race; pick the next free slot.
	}

	entry.mu.Lock()
	entry.nextRetryAt = time.Now().Add(p.cfg.RetryInterval)
	entry.mu.Unlock()

	if m != nil {
		m.RecordIngress("accepted")
		m.IncInFlight()
		m.Duration().AddStartTimeStamp(durationKey(key))
	}
	p.logger.Debug("client pre-process request admitted",
		zap.Uint16("clientId", msg.ClientID),
		zap.Uint64("reqSeqNum", msg.ReqSeqNum),
		zap.String("cid", msg.Cid),
		zap.Uint16("offset", key.OffsetInBatch),
		zap.Bool("primary", p.isPrimary()))

	if ppReq != nil {
		// Fan out to the peers, then execute locally. Neither happens under a
		// lock: sends may block on transport backpressure.
		if err := p.comm.Broadcast(p.ctx, ppReq.Raw()); err != nil {
			p.logger.Warn("pre-process request fan-out failed", zap.Error(err))
		}
		p.launchPrimaryExecution(key, msg.ClientID, msg.Cid, append([]byte(nil), msg.Payload...))
	}
	return nil
}

// launchPrimaryExecution runs the primary's own speculative execution on the
// execution pool and folds the result into the state.
func (p *PreProcessor) launchPrimaryExecution(key RequestKey, clientID messages.ClientID, cid string, payload []byte) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case p.execSem <- struct{}{}:
			defer func() { <-p.execSem }()
		case <-p.ctx.Done():
			return
		}
		res := p.handler.Execute(p.ctx, clientID, cid, payload)

		entry := p.table.Get(key)
		if entry == nil {
			return
		}
		entry.mu.Lock()
		if err := entry.state.HandlePrimaryPreProcessed(res.Data, res.Result); err != nil {
			entry.mu.Unlock()
			p.onStateError(err)
			return
		}
		p.decideLocked(key, entry)
	}()
}

// OnPreProcessRequest handles the primary's fan-out on a non-primary
// replica: execute speculatively and answer with the result digest.
func (p *PreProcessor) OnPreProcessRequest(msg *messages.PreProcessRequest) error {
	m := p.getMetrics()
	if err := msg.Validate(p.replicasInfo); err != nil {
		if m != nil {
			m.RecordDrop("malformed_preprocess_request")
		}
		msg.Raw().Free()
		return err
	}
	sender := msg.Raw().Sender()
	if sender != p.primary.CurrentPrimary() || sender == p.myReplicaID {
		p.logger.Warn("pre-process request from non-primary",
			zap.Uint16("sender", sender), zap.String("cid", msg.Cid))
		p.sendReply(msg, messages.ReplyStatusRejected, crypto.ZeroDigest, 0, nil)
		msg.Raw().Free()
		return nil
	}
	if !p.limiter.Allow() {
		p.sendReply(msg, messages.ReplyStatusRejected, crypto.ZeroDigest, 0, nil)
		msg.Raw().Free()
		return nil
	}

	key := RequestKey{ClientID: msg.ClientID, OffsetInBatch: msg.ReqOffsetInBatch}
	entry := p.table.Get(key)
	if entry == nil {
		st := NewRequestProcessingState(p.logger, p.myReplicaID, p.replica.NumReplicas,
			p.replica.NumOfRequiredEqualReplies(), msg.BatchCid, msg.ClientID, msg.ReqOffsetInBatch,
			msg.Cid, 0, nil, msg, nil, p.signer)
		st.SetDefaultTimeout(p.cfg.ConsensusTimeout)
		var inserted bool
		if entry, inserted = p.table.Put(key, st); inserted {
			if m != nil {
				m.IncInFlight()
			}
		} else {
			entry = p.table.Get(key)
			if entry == nil {
				msg.Raw().Free()
				return nil
			}
		}
	}

	entry.mu.Lock()
	st := entry.state
	if st.ReqCid() != msg.Cid {
		entry.mu.Unlock()
		p.logger.Warn("pre-process request conflicts with active entry",
			zap.String("activeCid", st.ReqCid()), zap.String("cid", msg.Cid))
		p.sendReply(msg, messages.ReplyStatusRejected, crypto.ZeroDigest, 0, nil)
		msg.Raw().Free()
		return nil
	}
	if st.PreprocessingRightNow() {
		entry.mu.Unlock()
		msg.Raw().Free()
		return nil
	}
	st.SetPreprocessingRightNow(true)
	st.SetPreProcessRequest(msg)
	entry.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case p.execSem <- struct{}{}:
			defer func() { <-p.execSem }()
		case <-p.ctx.Done():
			return
		}
		res := p.handler.Execute(p.ctx, msg.ClientID, msg.Cid, msg.Payload)

		if entry := p.table.Get(key); entry != nil {
			entry.mu.Lock()
			entry.state.SetPreprocessingRightNow(false)
			entry.mu.Unlock()
		}
		if res.Result != messages.OperationSuccess {
			p.sendReply(msg, messages.ReplyStatusRejected, crypto.ZeroDigest, 0, nil)
			return
		}
		hash := crypto.ComputeDigest(res.Data)
		sig, err := p.signer.Sign(hash)
		if err != nil {
			p.logger.Error("failed to sign result hash", zap.Error(err))
			return
		}
		p.sendReply(msg, messages.ReplyStatusOK, hash, res.BlockID, sig)
	}()
	return nil
}

// sendReply answers a pre-process request toward its originator.
func (p *PreProcessor) sendReply(req *messages.PreProcessRequest, status messages.ReplyStatus,
	hash crypto.Digest, blockID uint64, sig []byte) {
	reply := messages.NewPreProcessReply(p.myReplicaID, req.BatchCid, req.ClientID,
		req.ReqOffsetInBatch, req.ReqRetryID, blockID, status, hash, sig)
	if err := p.comm.Send(p.ctx, req.Raw().Sender(), reply.Raw()); err != nil {
		p.logger.Warn("failed to send pre-process reply",
			zap.Uint16("target", req.Raw().Sender()), zap.Error(err))
	}
	reply.Raw().Free()
}

// OnPreProcessReply folds a peer reply into the matching request state and
// dispatches the resulting decision. Primary path only.
func (p *PreProcessor) OnPreProcessReply(reply *messages.PreProcessReply) error {
	m := p.getMetrics()
	defer reply.Raw().Free()
	if err := reply.Validate(p.replicasInfo); err != nil {
		if m != nil {
			m.RecordDrop("malformed_reply")
		}
		return err
	}
	if !p.isPrimary() {
		if m != nil {
			m.RecordDrop("reply_on_non_primary")
		}
		return nil
	}
	if reply.Status == messages.ReplyStatusOK {
		if err := p.verifier.Verify(reply.SenderID(), reply.ResultHash, reply.Signature); err != nil {
			p.logger.Warn("reply signature verification failed",
				zap.Uint16("sender", reply.SenderID()), zap.String("cid", reply.BatchCid), zap.Error(err))
			if m != nil {
				m.RecordDrop("bad_signature")
			}
			return errors.Wrap(err, errors.SignatureInvalid, "pre-process reply")
		}
	}

	key := RequestKey{ClientID: reply.ClientID, OffsetInBatch: reply.ReqOffsetInBatch}
	entry := p.table.Get(key)
	if entry == nil {
		// Terminal transitions are final; late replies are dropped.
		if m != nil {
			m.RecordDrop("reply_without_entry")
		}
		return nil
	}
	if m != nil {
		if reply.Status == messages.ReplyStatusOK {
			m.RecordReply("ok")
		} else {
			m.RecordReply("rejected")
		}
	}

	entry.mu.Lock()
	entry.state.HandlePreProcessReplyMsg(reply)
	p.decideLocked(key, entry)
	return nil
}

// decideLocked evaluates the consensus decision and dispatches it. It is
// entered with entry.mu held and returns with it released; any I/O happens
// after the unlock on snapshotted data.
func (p *PreProcessor) decideLocked(key RequestKey, entry *requestEntry) {
	st := entry.state
	outcome := st.DefinePreProcessingConsensusResult()
	switch outcome {
	case ResultContinue, ResultNone:
		entry.mu.Unlock()
		return
	case ResultComplete:
		msg := st.BuildClientRequestMsg(false)
		st.ReleaseResources()
		entry.mu.Unlock()
		p.removeEntry(key, outcome, true)
		if err := p.ordering.SubmitPreProcessed(p.ctx, msg); err != nil {
			p.logger.Error("failed to submit agreed request for ordering",
				zap.String("cid", msg.Cid), zap.Error(err))
		}
	case ResultCancel:
		msg := st.BuildClientRequestMsg(true)
		info := p.snapshotFailure(st, messages.OperationInternalError)
		st.ReleaseResources()
		entry.mu.Unlock()
		p.removeEntry(key, outcome, false)
		if err := p.ordering.SubmitPreProcessed(p.ctx, msg); err != nil {
			p.logger.Error("failed to submit cancellation for ordering",
				zap.String("cid", msg.Cid), zap.Error(err))
		}
		p.notifyFailure(info)
	case ResultCancelledByPrimary:
		info := p.snapshotFailure(st, st.GetAgreedPreProcessResult())
		st.ReleaseResources()
		entry.mu.Unlock()
		p.removeEntry(key, outcome, false)
		p.notifyFailure(info)
	case ResultExpired:
		info := p.snapshotFailure(st, messages.OperationTimeout)
		st.ReleaseResources()
		entry.mu.Unlock()
		p.removeEntry(key, outcome, false)
		p.notifyFailure(info)
	case ResultFailed:
		info := p.snapshotFailure(st, messages.OperationInternalError)
		st.ReleaseResources()
		entry.mu.Unlock()
		p.removeEntry(key, outcome, false)
		p.notifyFailure(info)
	default:
		entry.mu.Unlock()
	}
}

type failureInfo struct {
	clientID  messages.ClientID
	reqSeqNum messages.ReqID
	cid       string
	result    messages.OperationResult
}

func (p *PreProcessor) snapshotFailure(st *RequestProcessingState, result messages.OperationResult) failureInfo {
	return failureInfo{
		clientID:  st.ClientID(),
		reqSeqNum: st.ReqSeqNum(),
		cid:       st.ReqCid(),
		result:    result,
	}
}

func (p *PreProcessor) notifyFailure(info failureInfo) {
	if p.notifier != nil {
		p.notifier(info.clientID, info.reqSeqNum, info.cid, info.result)
	}
}

// removeEntry drops the table entry and records the terminal outcome.
func (p *PreProcessor) removeEntry(key RequestKey, outcome PreProcessingResult, completed bool) {
	if p.table.Remove(key) == nil {
		return
	}
	m := p.getMetrics()
	if m == nil {
		return
	}
	m.DecInFlight()
	m.RecordOutcome(outcome.String())
	if completed {
		m.Duration().FinishMeasurement(durationKey(key))
	} else {
		m.Duration().DeleteSingleEntry(durationKey(key))
	}
}

func (p *PreProcessor) onStateError(err error) {
	if errors.IsCode(err, errors.InvariantViolation) {
		// Local protocol state is corrupt; pre-processing cannot recover it.
		p.logger.Fatal("pre-processing invariant violation", zap.Error(err))
	}
	p.logger.Error("pre-processing error", zap.Error(err))
}

// timerLoop drives expiry and retry at the configured resolution.
func (p *PreProcessor) timerLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.TimersResolution)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.OnTimerTick()
		case <-p.ctx.Done():
			return
		}
	}
}

// OnTimerTick scans the request table, forcing EXPIRED on entries past their
// deadline and dispatching retries on the primary.
func (p *PreProcessor) OnTimerTick() {
	now := time.Now()
	for _, key := range p.table.Keys() {
		entry := p.table.Get(key)
		if entry == nil {
			continue
		}
		entry.mu.Lock()
		st := entry.state
		if st.IsReqTimedOut() {
			p.decideLocked(key, entry) // returns EXPIRED unless completable now
			continue
		}
		if p.isPrimary() && st.GetPreProcessRequest() != nil && !now.Before(entry.nextRetryAt) {
			p.retryLocked(key, entry, now)
			continue
		}
		entry.mu.Unlock()
	}
}

// OnRetryDue re-dispatches the pre-process request for one entry with a
// fresh retry id.
func (p *PreProcessor) OnRetryDue(clientID messages.ClientID, offsetInBatch uint16) {
	key := RequestKey{ClientID: clientID, OffsetInBatch: offsetInBatch}
	entry := p.table.Get(key)
	if entry == nil {
		return
	}
	entry.mu.Lock()
	p.retryLocked(key, entry, time.Now())
}

// retryLocked issues one retry round. Entered with entry.mu held; releases it.
func (p *PreProcessor) retryLocked(key RequestKey, entry *requestEntry, now time.Time) {
	st := entry.state
	if st.DefinePreProcessingConsensusResult() != ResultContinue {
		p.decideLocked(key, entry)
		return
	}
	prev := st.GetPreProcessRequest()
	if prev == nil {
		entry.mu.Unlock()
		return
	}
	targets := st.PrepareRetry()
	retryReq := messages.NewPreProcessRequest(p.myReplicaID, st.BatchCid(), st.ClientID(),
		st.ReqOffsetInBatch(), st.ReqCid(), st.ReqRetryID(), prev.PrimarySeqNum,
		prev.Payload, prev.Raw().SpanContext())
	st.SetPreProcessRequest(retryReq)
	entry.nextRetryAt = now.Add(p.cfg.RetryInterval)
	cid := st.ReqCid()
	retryID := st.ReqRetryID()
	entry.mu.Unlock()

	if m := p.getMetrics(); m != nil {
		m.RecordRetry()
	}
	p.logger.Debug("re-dispatching pre-process request",
		zap.String("cid", cid), zap.Uint64("retryId", retryID), zap.Int("targets", len(targets)))
	for _, target := range targets {
		if err := p.comm.Send(p.ctx, target, retryReq.Raw()); err != nil {
			p.logger.Warn("retry send failed", zap.Uint16("target", target), zap.Error(err))
		}
	}
}
