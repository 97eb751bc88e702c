package messages

import (
	"time"

	"github.com/hshomroni/concord-bft/internal/errors"
)

// ClientRequest is the message handed to the ordering engine once
// pre-processing reached a terminal outcome. After COMPLETE its payload is
// the agreed pre-processed result; on CANCEL it is header-only. Payload
// layout:
//
//	flags(u8) result(u32) clientId(u16) reqSeqNum(u64) timeoutMilli(u64)
//	cid(str16) signature(bytes16) payload(bytes32)
type ClientRequest struct {
	raw *RawMessage

	Flags        ClientRequestFlags
	Result       OperationResult
	ClientID     ClientID
	ReqSeqNum    ReqID
	TimeoutMilli uint64
	Cid          string
	Signature    []byte
	Payload      []byte
}

// NewClientRequest builds an owning ordered client request.
func NewClientRequest(sender ReplicaID, flags ClientRequestFlags, result OperationResult,
	clientID ClientID, reqSeqNum ReqID, timeout time.Duration, cid string, signature, payload []byte) *ClientRequest {
	m := &ClientRequest{
		Flags:        flags,
		Result:       result,
		ClientID:     clientID,
		ReqSeqNum:    reqSeqNum,
		TimeoutMilli: uint64(timeout.Milliseconds()),
		Cid:          cid,
		Signature:    signature,
		Payload:      payload,
	}
	var w writer
	w.u8(uint8(flags))
	w.u32(uint32(result))
	w.u16(clientID)
	w.u64(reqSeqNum)
	w.u64(m.TimeoutMilli)
	w.str16(cid)
	w.bytes16(signature)
	w.bytes32(payload)
	m.raw = NewRawMessage(sender, MsgTypeClientRequest, nil, w.buf)
	return m
}

// ClientRequestFromRaw constructs a typed view from a base frame, stealing
// the buffer and its owner bit.
func ClientRequestFromRaw(base *RawMessage) (*ClientRequest, error) {
	if base.Type() != MsgTypeClientRequest {
		return nil, errors.NewMalformedMessageError("not a ClientRequest")
	}
	r := reader{buf: base.Payload()}
	m := &ClientRequest{
		Flags:        ClientRequestFlags(r.u8()),
		Result:       OperationResult(r.u32()),
		ClientID:     r.u16(),
		ReqSeqNum:    r.u64(),
		TimeoutMilli: r.u64(),
		Cid:          r.str16(),
		Signature:    r.bytes16(),
		Payload:      r.bytes32(),
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	m.raw = stealFrom(base)
	return m, nil
}

// Raw returns the owning frame view.
func (m *ClientRequest) Raw() *RawMessage { return m.raw }

// IsEmpty reports whether this is a header-only request built on CANCEL.
func (m *ClientRequest) IsEmpty() bool {
	return m.Flags&EmptyClientRequestFlag != 0
}

// Validate checks field constraints.
func (m *ClientRequest) Validate(ri ReplicasInfo) error {
	if err := m.raw.Validate(ri); err != nil {
		return err
	}
	if !m.IsEmpty() && len(m.Payload) == 0 {
		return errors.NewMalformedMessageError("non-empty request without payload")
	}
	return nil
}

// ShouldValidateAsync reports whether validation runs on the worker pool.
func (m *ClientRequest) ShouldValidateAsync() bool { return false }
