package preprocessor

import (
	"encoding/binary"
	"time"

	"go.uber.org/zap"

	"github.com/hshomroni/concord-bft/internal/crypto"
	"github.com/hshomroni/concord-bft/internal/errors"
	"github.com/hshomroni/concord-bft/internal/messages"
)

// PreProcessingResult is the decision of one consensus evaluation round.
type PreProcessingResult int

// Consensus decisions
const (
	// ResultNone is the terminal sentinel returned after resources were
	// released.
	ResultNone PreProcessingResult = iota
	// ResultContinue means no decision can be taken yet.
	ResultContinue
	// ResultComplete means a super-majority agreed on the primary's hash.
	ResultComplete
	// ResultCancel means no hash can ever reach the threshold.
	ResultCancel
	// ResultExpired means the client timeout elapsed before completion.
	ResultExpired
	// ResultFailed means non-deterministic execution beyond recovery.
	ResultFailed
	// ResultCancelledByPrimary means the primary's own execution failed
	// definitively.
	ResultCancelledByPrimary
)

// String returns the decision name used in logs and metrics labels.
func (r PreProcessingResult) String() string {
	switch r {
	case ResultNone:
		return "NONE"
	case ResultContinue:
		return "CONTINUE"
	case ResultComplete:
		return "COMPLETE"
	case ResultCancel:
		return "CANCEL"
	case ResultExpired:
		return "EXPIRED"
	case ResultFailed:
		return "FAILED"
	case ResultCancelledByPrimary:
		return "CANCELLED_BY_PRIMARY"
	default:
		return "UNKNOWN"
	}
}

const blockIDSize = 8

// RequestProcessingState collects and stores everything relevant to the
// pre-processing of one client request by all replicas.
//
// None of its methods is thread-safe; callers hold the owning table entry's
// mutex around every call.
type RequestProcessingState struct {
	logger *zap.Logger

	myReplicaID               messages.ReplicaID
	numOfReplicas             uint16
	numOfRequiredEqualReplies uint16

	batchCid         string
	clientID         messages.ClientID
	reqOffsetInBatch uint16
	reqCid           string
	reqSeqNum        messages.ReqID
	entryTime        time.Time
	clientSignature  []byte

	clientPreProcessReq  *messages.ClientPreProcessRequest // exclusively owned
	preProcessRequestMsg *messages.PreProcessRequest       // shared with the fan-out path

	numOfReceivedReplies uint16
	rejectedReplicaIds   []messages.ReplicaID
	repliedReplicas      map[messages.ReplicaID]struct{}

	arena                *Arena
	primaryResultSpan    Span
	primaryResultSet     bool
	primaryRetryID       uint64
	primaryResult        messages.OperationResult
	agreedResult         messages.OperationResult
	primaryResultHash    crypto.Digest
	resultHashes         *ReplySignatureSet
	peerBlockIDs         map[crypto.Digest]uint64
	blockIDFixupAttempted bool

	preprocessingRightNow bool
	reqRetryID            uint64
	released              bool
	defaultTimeout        time.Duration

	signer crypto.Signer
	now    func() time.Time
}

// NewRequestProcessingState creates the state for one client request. The
// state takes exclusive ownership of clientReq; preProcessReq is shared with
// the dispatch path and may be nil on non-primary replicas until the
// primary's fan-out arrives.
func NewRequestProcessingState(logger *zap.Logger, myReplicaID messages.ReplicaID, numOfReplicas,
	numOfRequiredEqualReplies uint16, batchCid string, clientID messages.ClientID, reqOffsetInBatch uint16,
	cid string, reqSeqNum messages.ReqID, clientReq *messages.ClientPreProcessRequest,
	preProcessReq *messages.PreProcessRequest, clientSignature []byte, signer crypto.Signer) *RequestProcessingState {
	return &RequestProcessingState{
		logger:                    logger,
		myReplicaID:               myReplicaID,
		numOfReplicas:             numOfReplicas,
		numOfRequiredEqualReplies: numOfRequiredEqualReplies,
		batchCid:                  batchCid,
		clientID:                  clientID,
		reqOffsetInBatch:          reqOffsetInBatch,
		reqCid:                    cid,
		reqSeqNum:                 reqSeqNum,
		entryTime:                 time.Now(),
		clientSignature:           append([]byte(nil), clientSignature...),
		clientPreProcessReq:       clientReq,
		preProcessRequestMsg:      preProcessReq,
		repliedReplicas:           make(map[messages.ReplicaID]struct{}),
		arena:                     NewArena(),
		resultHashes:              NewReplySignatureSet(),
		peerBlockIDs:              make(map[crypto.Digest]uint64),
		signer:                    signer,
		now:                       time.Now,
	}
}

// HandlePrimaryPreProcessed records the primary's own speculative result.
// Calling it again with the same data and result is a no-op; differing data
// for the same retry id is an invariant violation.
func (s *RequestProcessingState) HandlePrimaryPreProcessed(data []byte, result messages.OperationResult) error {
	if s.released {
		return nil
	}
	hash := crypto.ComputeDigest(data)
	if s.primaryResultSet {
		if s.primaryRetryID == s.reqRetryID {
			if hash == s.primaryResultHash && result == s.primaryResult {
				return nil
			}
			return errors.Newf(errors.InvariantViolation,
				"primary re-processed request cid=%s retry=%d with a different result", s.reqCid, s.reqRetryID)
		}
		// A newer retry replaces the recorded result.
		s.resultHashes.Remove(s.primaryResultHash, s.myReplicaID)
	}
	s.primaryResultSpan = s.arena.Place(data)
	s.primaryResultHash = hash
	s.primaryResult = result
	s.primaryResultSet = true
	s.primaryRetryID = s.reqRetryID

	sig, err := s.signer.Sign(hash)
	if err != nil {
		return errors.Wrap(err, errors.InternalError, "signing primary result hash")
	}
	s.resultHashes.Add(hash, s.myReplicaID, sig)
	if s.resultHashes.NumHashes() > 1 {
		s.detectNonDeterministicPreProcessing(hash, s.myReplicaID, s.reqRetryID)
	}
	return nil
}

// HandlePreProcessReplyMsg folds one peer reply into the state. Replies for
// other retry rounds, duplicate senders and replies after release are dropped
// silently.
func (s *RequestProcessingState) HandlePreProcessReplyMsg(reply *messages.PreProcessReply) {
	if s.released {
		return
	}
	if reply.ReqRetryID != s.reqRetryID {
		s.logger.Debug("dropping reply for another retry round",
			zap.Uint16("sender", reply.SenderID()),
			zap.Uint64("replyRetryId", reply.ReqRetryID),
			zap.Uint64("reqRetryId", s.reqRetryID),
			zap.String("cid", s.reqCid))
		return
	}
	sender := reply.SenderID()
	if sender == s.myReplicaID {
		return
	}
	if _, seen := s.repliedReplicas[sender]; seen {
		return
	}
	s.repliedReplicas[sender] = struct{}{}
	s.numOfReceivedReplies++

	if reply.Status == messages.ReplyStatusRejected {
		s.rejectedReplicaIds = append(s.rejectedReplicaIds, sender)
		s.logger.Debug("peer rejected pre-process request",
			zap.Uint16("sender", sender), zap.String("cid", s.reqCid))
		return
	}

	newHash := s.resultHashes.Count(reply.ResultHash) == 0
	s.resultHashes.Add(reply.ResultHash, sender, reply.Signature)
	s.peerBlockIDs[reply.ResultHash] = reply.BlockID
	if newHash && s.resultHashes.NumHashes() > 1 {
		s.detectNonDeterministicPreProcessing(reply.ResultHash, sender, reply.ReqRetryID)
	}
}

// DefinePreProcessingConsensusResult evaluates the collected evidence and
// returns the decision for this request.
func (s *RequestProcessingState) DefinePreProcessingConsensusResult() PreProcessingResult {
	if s.released {
		return ResultNone
	}
	if s.primaryResultSet &&
		(s.primaryResult == messages.OperationInvalidRequest || s.primaryResult == messages.OperationExecDataTooLarge) {
		s.agreedResult = s.primaryResult
		return ResultCancelledByPrimary
	}

	winner, maxEqual := s.resultHashes.MaxEqual()
	if maxEqual >= int(s.numOfRequiredEqualReplies) && s.primaryResultSet {
		if s.primaryResultHash == winner || s.tryBlockIDFixup(winner) {
			s.agreedResult = s.primaryResult
			if s.agreedResult == messages.OperationUnknown {
				s.agreedResult = messages.OperationSuccess
			}
			return ResultComplete
		}
	}

	if s.IsReqTimedOut() {
		return ResultExpired
	}

	remaining := int(s.numOfReplicas-1) - int(s.numOfReceivedReplies)
	if remaining <= 0 {
		majority := int(s.numOfReplicas-1)/2 + 1
		if s.resultHashes.CountAtLeast(majority) > 1 {
			s.reportNonEqualHashes()
			return ResultFailed
		}
		if s.primaryResultSet {
			// The pool is exhausted and the primary's hash did not match a
			// winning one; no path to COMPLETE remains.
			return ResultCancel
		}
	}
	if remaining+maxEqual < int(s.numOfRequiredEqualReplies) {
		return ResultCancel
	}
	return ResultContinue
}

// tryBlockIDFixup recovers from a hash mismatch caused only by a differing
// appended block id: it rewrites the trailing 8 bytes of the primary result
// with the block id reported for the winning hash and re-hashes. Attempted at
// most once per decision.
func (s *RequestProcessingState) tryBlockIDFixup(winner crypto.Digest) bool {
	if s.blockIDFixupAttempted {
		return s.primaryResultHash == winner
	}
	s.blockIDFixupAttempted = true
	agreedBlockID, ok := s.peerBlockIDs[winner]
	if !ok || s.primaryResultSpan.Len <= blockIDSize {
		return false
	}
	data := s.arena.Bytes(s.primaryResultSpan)
	candidate := append([]byte(nil), data...)
	binary.LittleEndian.PutUint64(candidate[len(candidate)-blockIDSize:], agreedBlockID)
	if crypto.ComputeDigest(candidate) != winner {
		return false
	}
	s.logger.Info("primary result hash mismatch caused by appended block id; rewriting",
		zap.String("cid", s.reqCid), zap.Uint64("agreedBlockId", agreedBlockID))
	s.arena.Rewrite(s.primaryResultSpan, candidate)
	s.resultHashes.Remove(s.primaryResultHash, s.myReplicaID)
	s.primaryResultHash = winner
	sig, err := s.signer.Sign(winner)
	if err == nil {
		s.resultHashes.Add(winner, s.myReplicaID, sig)
	}
	return true
}

// detectNonDeterministicPreProcessing reports a reply hash that disagrees
// with an already-observed one. This is the loudest non-fatal log in the
// pre-processor: honest replicas never disagree on a deterministic request.
func (s *RequestProcessingState) detectNonDeterministicPreProcessing(newHash crypto.Digest,
	sender messages.ReplicaID, retryID uint64) {
	s.logger.Error("non-deterministic pre-processing detected",
		zap.String("batchCid", s.batchCid),
		zap.String("cid", s.reqCid),
		zap.Uint16("clientId", s.clientID),
		zap.Uint16("sender", sender),
		zap.Uint64("reqRetryId", retryID),
		zap.Binary("newHash", newHash.Bytes()),
		zap.Binary("primaryHash", s.primaryResultHash.Bytes()))
}

// reportNonEqualHashes logs every hash still holding signatures once the
// reply pool is exhausted without agreement.
func (s *RequestProcessingState) reportNonEqualHashes() {
	for hash, sigs := range s.resultHashes.byHash {
		ids := make([]uint16, 0, len(sigs))
		for _, sig := range sigs {
			ids = append(ids, sig.ReplicaID)
		}
		s.logger.Error("conflicting pre-processing result hash",
			zap.String("cid", s.reqCid),
			zap.Binary("hash", hash.Bytes()),
			zap.Uint16s("signers", ids))
	}
}

// BuildClientRequestMsg constructs the message forwarded to the ordering
// engine. With emptyReq the message carries only the header fields, which is
// the form submitted on CANCEL.
func (s *RequestProcessingState) BuildClientRequestMsg(emptyReq bool) *messages.ClientRequest {
	flags := messages.HasPreProcessedFlag
	var payload []byte
	result := s.agreedResult
	if emptyReq {
		flags |= messages.EmptyClientRequestFlag
	} else if s.primaryResultSet {
		payload = append([]byte(nil), s.arena.Bytes(s.primaryResultSpan)...)
	}
	return messages.NewClientRequest(s.myReplicaID, flags, result, s.clientID, s.reqSeqNum,
		s.GetReqTimeout(), s.reqCid, s.clientSignature, payload)
}

// PrepareRetry advances the retry id and returns the replicas that must be
// re-sent the pre-process request: every peer that has not replied, plus the
// peers that replied REJECTED (whose slots return to the pool).
func (s *RequestProcessingState) PrepareRetry() []messages.ReplicaID {
	s.reqRetryID++
	for _, rejected := range s.rejectedReplicaIds {
		delete(s.repliedReplicas, rejected)
		s.numOfReceivedReplies--
	}
	s.rejectedReplicaIds = nil
	targets := make([]messages.ReplicaID, 0, s.numOfReplicas-1)
	for id := messages.ReplicaID(0); id < s.numOfReplicas; id++ {
		if id == s.myReplicaID {
			continue
		}
		if _, replied := s.repliedReplicas[id]; !replied {
			targets = append(targets, id)
		}
	}
	return targets
}

// ReleaseResources frees the owned client message and clears the collected
// evidence. It is idempotent; every later method call is safe and decisions
// return ResultNone.
func (s *RequestProcessingState) ReleaseResources() {
	if s.released {
		return
	}
	s.released = true
	if s.clientPreProcessReq != nil {
		s.clientPreProcessReq.Raw().Free()
		s.clientPreProcessReq = nil
	}
	s.preProcessRequestMsg = nil
	s.resultHashes.Clear()
	s.repliedReplicas = make(map[messages.ReplicaID]struct{})
	s.peerBlockIDs = make(map[crypto.Digest]uint64)
	s.arena.Reset()
	s.primaryResultSet = false
}

// IsReqTimedOut reports whether the client timeout elapsed since ingress.
func (s *RequestProcessingState) IsReqTimedOut() bool {
	timeout := s.GetReqTimeout()
	if timeout <= 0 {
		return false
	}
	return s.now().Sub(s.entryTime) >= timeout
}

// GetReqTimeout returns the client-requested pre-processing deadline, or the
// configured default when the entry has no client message (non-primary
// tracking entries).
func (s *RequestProcessingState) GetReqTimeout() time.Duration {
	if s.clientPreProcessReq == nil || s.clientPreProcessReq.TimeoutMilli == 0 {
		return s.defaultTimeout
	}
	return s.clientPreProcessReq.RequestTimeout()
}

// SetDefaultTimeout sets the fallback deadline used when the client did not
// supply one.
func (s *RequestProcessingState) SetDefaultTimeout(d time.Duration) { s.defaultTimeout = d }

// SetPreProcessRequest attaches the primary's fan-out message once it is
// known (non-primary replicas learn it after ingress).
func (s *RequestProcessingState) SetPreProcessRequest(msg *messages.PreProcessRequest) {
	s.preProcessRequestMsg = msg
}

// GetPreProcessRequest returns the shared fan-out message.
func (s *RequestProcessingState) GetPreProcessRequest() *messages.PreProcessRequest {
	return s.preProcessRequestMsg
}

// SetPreprocessingRightNow flags that speculative execution of this request
// is currently in flight; re-entry is skipped while the flag is set.
func (s *RequestProcessingState) SetPreprocessingRightNow(v bool) { s.preprocessingRightNow = v }

// PreprocessingRightNow reports whether speculative execution is in flight.
func (s *RequestProcessingState) PreprocessingRightNow() bool { return s.preprocessingRightNow }

// Accessors

// ClientID returns the requesting client.
func (s *RequestProcessingState) ClientID() messages.ClientID { return s.clientID }

// ReqOffsetInBatch returns the request's offset within its batch.
func (s *RequestProcessingState) ReqOffsetInBatch() uint16 { return s.reqOffsetInBatch }

// ReqSeqNum returns the client-assigned sequence number.
func (s *RequestProcessingState) ReqSeqNum() messages.ReqID { return s.reqSeqNum }

// ReqCid returns the request correlation id.
func (s *RequestProcessingState) ReqCid() string { return s.reqCid }

// BatchCid returns the batch correlation id.
func (s *RequestProcessingState) BatchCid() string { return s.batchCid }

// ReqRetryID returns the current retry round.
func (s *RequestProcessingState) ReqRetryID() uint64 { return s.reqRetryID }

// NumOfReceivedReplies returns the number of counted peer replies.
func (s *RequestProcessingState) NumOfReceivedReplies() uint16 { return s.numOfReceivedReplies }

// GetRejectedReplicasList returns the replicas that replied REJECTED in the
// current retry round.
func (s *RequestProcessingState) GetRejectedReplicasList() []messages.ReplicaID {
	return s.rejectedReplicaIds
}

// ResetRejectedReplicasList clears the rejected replica list.
func (s *RequestProcessingState) ResetRejectedReplicasList() { s.rejectedReplicaIds = nil }

// GetResultHash returns the primary's current result hash.
func (s *RequestProcessingState) GetResultHash() crypto.Digest { return s.primaryResultHash }

// GetPrimaryResult returns the primary's speculative execution outcome.
func (s *RequestProcessingState) GetPrimaryResult() messages.OperationResult { return s.primaryResult }

// GetAgreedPreProcessResult returns the agreed outcome, set on COMPLETE and
// CANCELLED_BY_PRIMARY.
func (s *RequestProcessingState) GetAgreedPreProcessResult() messages.OperationResult {
	return s.agreedResult
}

// GetPrimaryPreProcessedResult returns the primary's result bytes. The slice
// aliases the state's arena.
func (s *RequestProcessingState) GetPrimaryPreProcessedResult() []byte {
	if !s.primaryResultSet {
		return nil
	}
	return s.arena.Bytes(s.primaryResultSpan)
}

// GetPreProcessResultSignatures returns the signatures collected for the
// primary's hash.
func (s *RequestProcessingState) GetPreProcessResultSignatures() []ResultSignature {
	return s.resultHashes.Signatures(s.primaryResultHash)
}

// GetReqSignature returns the client request signature, if any.
func (s *RequestProcessingState) GetReqSignature() []byte { return s.clientSignature }
