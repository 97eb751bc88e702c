// Package preprocessor implements the pre-execution consensus coordinator:
// the per-request processing state machine, the keyed request table and the
// primary/non-primary control flow that drives speculative execution to an
// agreed digest before ordering.
package preprocessor

// Arena owns the speculative result buffers of one request. States reference
// result bytes through (offset, length) spans instead of raw slices, so a
// span's lifetime is visibly bound to the arena that issued it.
type Arena struct {
	buf []byte
}

// Span is a borrowed view into an arena.
type Span struct {
	Offset uint32
	Len    uint32
}

// NewArena creates an empty arena.
func NewArena() *Arena { return &Arena{} }

// Place copies data into the arena and returns its span.
func (a *Arena) Place(data []byte) Span {
	off := uint32(len(a.buf))
	a.buf = append(a.buf, data...)
	return Span{Offset: off, Len: uint32(len(data))}
}

// Bytes returns the bytes referenced by span. The returned slice aliases the
// arena and is invalidated by Reset.
func (a *Arena) Bytes(s Span) []byte {
	return a.buf[s.Offset : s.Offset+s.Len]
}

// Rewrite overwrites the bytes of span in place. data must have the span's
// exact length.
func (a *Arena) Rewrite(s Span, data []byte) bool {
	if uint32(len(data)) != s.Len {
		return false
	}
	copy(a.buf[s.Offset:s.Offset+s.Len], data)
	return true
}

// Reset discards all placed data, invalidating every outstanding span.
func (a *Arena) Reset() { a.buf = nil }
