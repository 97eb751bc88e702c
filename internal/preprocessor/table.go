package preprocessor

import (
	"sync"
	"time"

	"github.com/hshomroni/concord-bft/internal/messages"
)

// RequestKey identifies a request table entry.
type RequestKey struct {
	ClientID      messages.ClientID
	OffsetInBatch uint16
}

// requestEntry guards one RequestProcessingState. The entry mutex covers
// every state method call; the pre-processor snapshots work under the lock
// and performs I/O after releasing it.
type requestEntry struct {
	mu          sync.Mutex
	state       *RequestProcessingState
	nextRetryAt time.Time
}

// RequestTable maps (client id, offset-in-batch) to the active processing
// state. The table lock covers structural changes only; per-entry mutation
// happens under the entry mutex.
type RequestTable struct {
	mu      sync.RWMutex
	entries map[RequestKey]*requestEntry
}

// NewRequestTable creates an empty table.
func NewRequestTable() *RequestTable {
	return &RequestTable{entries: make(map[RequestKey]*requestEntry)}
}

// Put inserts a new entry. It returns false when the key is already active.
func (t *RequestTable) Put(key RequestKey, state *RequestProcessingState) (*requestEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[key]; exists {
		return nil, false
	}
	e := &requestEntry{state: state}
	t.entries[key] = e
	return e, true
}

// Get returns the entry for key, or nil.
func (t *RequestTable) Get(key RequestKey) *requestEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[key]
}

// Remove deletes the entry for key. It returns the removed entry, or nil.
func (t *RequestTable) Remove(key RequestKey) *requestEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[key]
	delete(t.entries, key)
	return e
}

// Keys returns a snapshot of the active keys.
func (t *RequestTable) Keys() []RequestKey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]RequestKey, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of active entries.
func (t *RequestTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// CountForClient returns the number of active entries for one client.
func (t *RequestTable) CountForClient(clientID messages.ClientID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for k := range t.entries {
		if k.ClientID == clientID {
			n++
		}
	}
	return n
}

// FreeOffsetForClient returns the smallest unused offset for clientID below
// maxOffsets, or false when the client exhausted its slots.
func (t *RequestTable) FreeOffsetForClient(clientID messages.ClientID, maxOffsets uint16) (uint16, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for off := uint16(0); off < maxOffsets; off++ {
		if _, used := t.entries[RequestKey{ClientID: clientID, OffsetInBatch: off}]; !used {
			return off, true
		}
	}
	return 0, false
}
