package messages

import (
	"encoding/binary"
	"math"

	"github.com/hshomroni/concord-bft/internal/errors"
)

// The wire format is fixed little-endian; all integers are unsigned.
// Strings and byte fields are length-prefixed (u16 for short fields,
// u32 for payloads).

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *writer) str16(s string) {
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) bytes16(b []byte) {
	w.u16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) bytes32(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) raw(b []byte) { w.buf = append(w.buf, b...) }

// reader decodes a payload with sticky error semantics: the first short read
// poisons every later call, so call sites check err once at the end.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = errors.NewMalformedMessageError("truncated payload")
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.fail()
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) str16() string {
	n := r.u16()
	return string(r.take(int(n)))
}

func (r *reader) bytes16() []byte {
	n := r.u16()
	return append([]byte(nil), r.take(int(n))...)
}

func (r *reader) bytes32() []byte {
	n := r.u32()
	if n > math.MaxInt32 {
		r.fail()
		return nil
	}
	return append([]byte(nil), r.take(int(n))...)
}

// done verifies the payload was consumed exactly.
func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return errors.NewMalformedMessageError("trailing bytes in payload")
	}
	return nil
}
