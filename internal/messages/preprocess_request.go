package messages

import (
	"github.com/hshomroni/concord-bft/internal/crypto"
	"github.com/hshomroni/concord-bft/internal/errors"
)

// PreProcessRequest is the primary's fan-out of a client request to the
// peers for speculative execution. Payload layout:
//
//	batchCid(str16) clientId(u16) offsetInBatch(u16) cid(str16)
//	retryId(u64) primarySeqNum(u64) payload(bytes32)
type PreProcessRequest struct {
	raw *RawMessage

	BatchCid         string
	ClientID         ClientID
	ReqOffsetInBatch uint16
	Cid              string
	ReqRetryID       uint64
	PrimarySeqNum    uint64
	Payload          []byte
}

// NewPreProcessRequest builds an owning pre-process request originated by the
// primary.
func NewPreProcessRequest(primary ReplicaID, batchCid string, clientID ClientID, offsetInBatch uint16,
	cid string, retryID, primarySeqNum uint64, payload []byte, spanContext []byte) *PreProcessRequest {
	m := &PreProcessRequest{
		BatchCid:         batchCid,
		ClientID:         clientID,
		ReqOffsetInBatch: offsetInBatch,
		Cid:              cid,
		ReqRetryID:       retryID,
		PrimarySeqNum:    primarySeqNum,
		Payload:          payload,
	}
	var w writer
	w.str16(batchCid)
	w.u16(clientID)
	w.u16(offsetInBatch)
	w.str16(cid)
	w.u64(retryID)
	w.u64(primarySeqNum)
	w.bytes32(payload)
	m.raw = NewRawMessage(primary, MsgTypePreProcessRequest, spanContext, w.buf)
	return m
}

// PreProcessRequestFromRaw constructs a typed view from a base frame,
// stealing the buffer and its owner bit.
func PreProcessRequestFromRaw(base *RawMessage) (*PreProcessRequest, error) {
	if base.Type() != MsgTypePreProcessRequest {
		return nil, errors.NewMalformedMessageError("not a PreProcessRequest")
	}
	r := reader{buf: base.Payload()}
	m := &PreProcessRequest{
		BatchCid:         r.str16(),
		ClientID:         r.u16(),
		ReqOffsetInBatch: r.u16(),
		Cid:              r.str16(),
		ReqRetryID:       r.u64(),
		PrimarySeqNum:    r.u64(),
		Payload:          r.bytes32(),
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	m.raw = stealFrom(base)
	return m, nil
}

// Raw returns the owning frame view.
func (m *PreProcessRequest) Raw() *RawMessage { return m.raw }

// PayloadDigest computes the digest of the carried payload.
func (m *PreProcessRequest) PayloadDigest() crypto.Digest {
	return crypto.ComputeDigest(m.Payload)
}

// Validate checks sender and field constraints. The sender must be a replica;
// primary authorization is checked by the pre-processor against the current
// view.
func (m *PreProcessRequest) Validate(ri ReplicasInfo) error {
	if err := m.raw.Validate(ri); err != nil {
		return err
	}
	if !ri.IsIDOfReplica(m.raw.Sender()) {
		return errors.Newf(errors.UnknownSender, "sender %d is not a replica", m.raw.Sender())
	}
	if m.ReqOffsetInBatch >= MaxBatchSize {
		return errors.Newf(errors.MalformedMessage, "offset %d exceeds max batch size %d", m.ReqOffsetInBatch, MaxBatchSize)
	}
	if len(m.Payload) == 0 {
		return errors.NewMalformedMessageError("empty pre-process payload")
	}
	return nil
}

// ShouldValidateAsync reports whether validation runs on the worker pool.
func (m *PreProcessRequest) ShouldValidateAsync() bool { return true }
