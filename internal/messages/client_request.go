package messages

import (
	"time"

	"github.com/hshomroni/concord-bft/internal/errors"
)

// ClientPreProcessRequest is a client's request to pre-execute a payload
// before ordering. Payload layout:
//
//	clientId(u16) reqSeqNum(u64) timeoutMilli(u64) flags(u8)
//	cid(str16) signature(bytes16) payload(bytes32)
type ClientPreProcessRequest struct {
	raw *RawMessage

	ClientID     ClientID
	ReqSeqNum    ReqID
	TimeoutMilli uint64
	Flags        ClientRequestFlags
	Cid          string
	Signature    []byte
	Payload      []byte
}

// NewClientPreProcessRequest builds an owning client pre-process request.
func NewClientPreProcessRequest(sender ReplicaID, clientID ClientID, reqSeqNum ReqID,
	cid string, payload []byte, timeout time.Duration, signature []byte, spanContext []byte) *ClientPreProcessRequest {
	m := &ClientPreProcessRequest{
		ClientID:     clientID,
		ReqSeqNum:    reqSeqNum,
		TimeoutMilli: uint64(timeout.Milliseconds()),
		Cid:          cid,
		Signature:    signature,
		Payload:      payload,
	}
	var w writer
	w.u16(clientID)
	w.u64(reqSeqNum)
	w.u64(m.TimeoutMilli)
	w.u8(uint8(m.Flags))
	w.str16(cid)
	w.bytes16(signature)
	w.bytes32(payload)
	m.raw = NewRawMessage(sender, MsgTypeClientPreProcessRequest, spanContext, w.buf)
	return m
}

// ClientPreProcessRequestFromRaw constructs a typed view from a base frame,
// stealing the buffer and its owner bit.
func ClientPreProcessRequestFromRaw(base *RawMessage) (*ClientPreProcessRequest, error) {
	if base.Type() != MsgTypeClientPreProcessRequest {
		return nil, errors.NewMalformedMessageError("not a ClientPreProcessRequest")
	}
	r := reader{buf: base.Payload()}
	m := &ClientPreProcessRequest{
		ClientID:     r.u16(),
		ReqSeqNum:    r.u64(),
		TimeoutMilli: r.u64(),
		Flags:        ClientRequestFlags(r.u8()),
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
func (m *ClientPreProcessRequest) Raw() *RawMessage { return m.raw }

// RequestTimeout returns the client-requested pre-processing deadline.
func (m *ClientPreProcessRequest) RequestTimeout() time.Duration {
	return time.Duration(m.TimeoutMilli) * time.Millisecond
}

// Validate checks sender and field constraints.
func (m *ClientPreProcessRequest) Validate(ri ReplicasInfo) error {
	if err := m.raw.Validate(ri); err != nil {
		return err
	}
	if !ri.IsIDOfClientProxy(m.ClientID) && !ri.IsIDOfReplica(m.raw.Sender()) {
		return errors.Newf(errors.UnknownSender, "client id %d is not a known proxy", m.ClientID)
	}
	if len(m.Payload) == 0 {
		return errors.NewMalformedMessageError("empty request payload")
	}
	return nil
}

// ShouldValidateAsync reports whether validation is heavy enough for the
// worker pool. Client requests carry a client signature.
func (m *ClientPreProcessRequest) ShouldValidateAsync() bool { return len(m.Signature) > 0 }
