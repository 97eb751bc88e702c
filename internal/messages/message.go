package messages

import (
	"encoding/binary"

	"github.com/hshomroni/concord-bft/internal/errors"
)

// RawMessage is an untyped view of a message frame: the 6-byte header, the
// optional span context and the payload. Exactly one RawMessage owns the
// underlying buffer at any time; constructing a typed view steals the buffer
// together with the owner bit.
type RawMessage struct {
	sender     ReplicaID
	body       []byte
	owner      bool
	isIncoming bool
	diag       *DiagCounters
}

// NewRawMessage builds an owning frame from a type, span context and payload.
func NewRawMessage(sender ReplicaID, msgType MsgType, spanContext, payload []byte) *RawMessage {
	body := make([]byte, 0, headerSize+len(spanContext)+len(payload))
	body = binary.LittleEndian.AppendUint32(body, uint32(msgType))
	body = binary.LittleEndian.AppendUint16(body, uint16(len(spanContext)))
	body = append(body, spanContext...)
	body = append(body, payload...)
	return &RawMessage{sender: sender, body: body, owner: true}
}

// NewIncomingRawMessage wraps a buffer received from the transport. The
// message takes ownership of body and records the allocation on diag.
func NewIncomingRawMessage(sender ReplicaID, body []byte, diag *DiagCounters) (*RawMessage, error) {
	if len(body) < headerSize {
		return nil, errors.NewMalformedMessageError("frame shorter than header")
	}
	m := &RawMessage{sender: sender, body: body, owner: true, isIncoming: true, diag: diag}
	diag.onAlloc(m.Type())
	return m, nil
}

// Sender returns the direct sender of the frame (not necessarily the
// originator).
func (m *RawMessage) Sender() ReplicaID { return m.sender }

// Type returns the message type tag.
func (m *RawMessage) Type() MsgType {
	return MsgType(binary.LittleEndian.Uint32(m.body[0:4]))
}

// SpanContextSize returns the length of the tracing trailer.
func (m *RawMessage) SpanContextSize() uint16 {
	return binary.LittleEndian.Uint16(m.body[4:6])
}

// SpanContext returns the tracing trailer bytes.
func (m *RawMessage) SpanContext() []byte {
	return m.body[headerSize : headerSize+int(m.SpanContextSize())]
}

// Payload returns the typed payload bytes following the span context.
func (m *RawMessage) Payload() []byte {
	return m.body[headerSize+int(m.SpanContextSize()):]
}

// Size returns the full frame length.
func (m *RawMessage) Size() int { return len(m.body) }

// IsIncoming reports whether the frame arrived from the transport. Used for
// diagnostics only.
func (m *RawMessage) IsIncoming() bool { return m.isIncoming }

// IsOwner reports whether this view currently owns the buffer.
func (m *RawMessage) IsOwner() bool { return m.owner }

// ReleaseOwnership transfers the owner bit to the caller's new wrapper and
// returns the buffer.
func (m *RawMessage) ReleaseOwnership() []byte {
	m.owner = false
	return m.body
}

// Free releases the buffer if this view owns it. Freeing a non-owning view is
// a no-op, so the release happens exactly once per buffer.
func (m *RawMessage) Free() {
	if !m.owner {
		return
	}
	if m.isIncoming {
		m.diag.onFree(m.Type())
	}
	m.owner = false
	m.body = nil
}

// Clone returns an independently owning copy of the frame.
func (m *RawMessage) Clone() *RawMessage {
	return &RawMessage{
		sender:     m.sender,
		body:       append([]byte(nil), m.body...),
		owner:      true,
		isIncoming: m.isIncoming,
		diag:       m.diag,
	}
}

// stealFrom constructs the raw view held inside a typed message: it takes the
// base frame's buffer and owner bit atomically, leaving base non-owning.
func stealFrom(base *RawMessage) *RawMessage {
	stolen := &RawMessage{
		sender:     base.sender,
		body:       base.body,
		owner:      base.owner,
		isIncoming: base.isIncoming,
		diag:       base.diag,
	}
	base.owner = false
	return stolen
}

// Validate checks the frame-level invariants shared by all message types.
func (m *RawMessage) Validate(ri ReplicasInfo) error {
	if m.body == nil {
		return errors.NewMalformedMessageError("released message")
	}
	if len(m.body) < headerSize {
		return errors.NewMalformedMessageError("frame shorter than header")
	}
	if m.SpanContextSize() > SpanContextMaxSize {
		return errors.Newf(errors.MalformedMessage, "span context %d exceeds %d", m.SpanContextSize(), SpanContextMaxSize)
	}
	if headerSize+int(m.SpanContextSize()) > len(m.body) {
		return errors.NewMalformedMessageError("span context exceeds frame")
	}
	return nil
}

// SerializeToLocalBuffer renders the local-buffer form used by in-process
// queues: magic(u32) | msgSize(u32) | sender(u16) | frame.
func (m *RawMessage) SerializeToLocalBuffer() []byte {
	out := make([]byte, 0, rawHeaderSize+len(m.body))
	out = binary.LittleEndian.AppendUint32(out, magicNumOfRawFormat)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(m.body)))
	out = binary.LittleEndian.AppendUint16(out, m.sender)
	out = append(out, m.body...)
	return out
}

// DeserializeFromLocalBuffer parses a local-buffer form produced by
// SerializeToLocalBuffer and returns the owning message plus the number of
// bytes consumed.
func DeserializeFromLocalBuffer(buf []byte, diag *DiagCounters) (*RawMessage, int, error) {
	if len(buf) < rawHeaderSize {
		return nil, 0, errors.NewMalformedMessageError("local buffer shorter than raw header")
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != magicNumOfRawFormat {
		return nil, 0, errors.NewMalformedMessageError("bad magic in local buffer")
	}
	msgSize := int(binary.LittleEndian.Uint32(buf[4:8]))
	sender := binary.LittleEndian.Uint16(buf[8:10])
	if msgSize < headerSize || rawHeaderSize+msgSize > len(buf) {
		return nil, 0, errors.NewMalformedMessageError("bad size in local buffer")
	}
	body := append([]byte(nil), buf[rawHeaderSize:rawHeaderSize+msgSize]...)
	m, err := NewIncomingRawMessage(sender, body, diag)
	if err != nil {
		return nil, 0, err
	}
	return m, rawHeaderSize + msgSize, nil
}
