package messages

import (
	"github.com/hshomroni/concord-bft/internal/crypto"
	"github.com/hshomroni/concord-bft/internal/errors"
)

// PreProcessReply carries a peer's digest of its speculative execution back
// to the primary. Payload layout:
//
//	batchCid(str16) clientId(u16) offsetInBatch(u16) retryId(u64)
//	blockId(u64) status(u8) resultHash(32B) signature(bytes16)
//
// blockId is the block identifier the sender appended to its result before
// hashing; the primary uses it to recover from block-id-only hash mismatches.
type PreProcessReply struct {
	raw *RawMessage

	BatchCid         string
	ClientID         ClientID
	ReqOffsetInBatch uint16
	ReqRetryID       uint64
	BlockID          uint64
	Status           ReplyStatus
	ResultHash       crypto.Digest
	Signature        []byte
}

// NewPreProcessReply builds an owning reply from this replica.
func NewPreProcessReply(sender ReplicaID, batchCid string, clientID ClientID, offsetInBatch uint16,
	retryID, blockID uint64, status ReplyStatus, resultHash crypto.Digest, signature []byte) *PreProcessReply {
	m := &PreProcessReply{
		BatchCid:         batchCid,
		ClientID:         clientID,
		ReqOffsetInBatch: offsetInBatch,
		ReqRetryID:       retryID,
		BlockID:          blockID,
		Status:           status,
		ResultHash:       resultHash,
		Signature:        signature,
	}
	var w writer
	w.str16(batchCid)
	w.u16(clientID)
	w.u16(offsetInBatch)
	w.u64(retryID)
	w.u64(blockID)
	w.u8(uint8(status))
	w.raw(resultHash[:])
	w.bytes16(signature)
	m.raw = NewRawMessage(sender, MsgTypePreProcessReply, nil, w.buf)
	return m
}

// PreProcessReplyFromRaw constructs a typed view from a base frame, stealing
// the buffer and its owner bit.
func PreProcessReplyFromRaw(base *RawMessage) (*PreProcessReply, error) {
	if base.Type() != MsgTypePreProcessReply {
		return nil, errors.NewMalformedMessageError("not a PreProcessReply")
	}
	r := reader{buf: base.Payload()}
	m := &PreProcessReply{
		BatchCid:         r.str16(),
		ClientID:         r.u16(),
		ReqOffsetInBatch: r.u16(),
		ReqRetryID:       r.u64(),
		BlockID:          r.u64(),
	}
	m.Status = ReplyStatus(r.u8())
	hash, ok := crypto.DigestFromBytes(r.take(crypto.DigestSize))
	if ok {
		m.ResultHash = hash
	}
	m.Signature = r.bytes16()
	if err := r.done(); err != nil {
		return nil, err
	}
	m.raw = stealFrom(base)
	return m, nil
}

// Raw returns the owning frame view.
func (m *PreProcessReply) Raw() *RawMessage { return m.raw }

// SenderID returns the replying replica.
func (m *PreProcessReply) SenderID() ReplicaID { return m.raw.Sender() }

// Validate checks sender and field constraints.
func (m *PreProcessReply) Validate(ri ReplicasInfo) error {
	if err := m.raw.Validate(ri); err != nil {
		return err
	}
	if !ri.IsIDOfReplica(m.raw.Sender()) {
		return errors.Newf(errors.UnknownSender, "sender %d is not a replica", m.raw.Sender())
	}
	if m.Status != ReplyStatusOK && m.Status != ReplyStatusRejected {
		return errors.Newf(errors.MalformedMessage, "unknown reply status %d", m.Status)
	}
	if m.Status == ReplyStatusOK && len(m.Signature) == 0 {
		return errors.NewMalformedMessageError("OK reply without signature")
	}
	return nil
}

// ShouldValidateAsync reports whether validation runs on the worker pool.
// Replies carry a signature over the hash.
func (m *PreProcessReply) ShouldValidateAsync() bool { return true }
