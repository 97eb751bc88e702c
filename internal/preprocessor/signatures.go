package preprocessor

import (
	"github.com/hshomroni/concord-bft/internal/crypto"
	"github.com/hshomroni/concord-bft/internal/messages"
)

// ResultSignature is one replica's signature over a result hash.
type ResultSignature struct {
	ReplicaID messages.ReplicaID
	Signature []byte
}

// ReplySignatureSet collects, per result hash, the signatures of the replicas
// that reported that hash. Signatures are deduplicated by replica id within a
// hash, so the per-hash count is the number of distinct replicas behind it.
type ReplySignatureSet struct {
	byHash map[crypto.Digest][]ResultSignature
}

// NewReplySignatureSet creates an empty set.
func NewReplySignatureSet() *ReplySignatureSet {
	return &ReplySignatureSet{byHash: make(map[crypto.Digest][]ResultSignature)}
}

// Add records a signature for hash. It returns false when the replica already
// signed this hash.
func (s *ReplySignatureSet) Add(hash crypto.Digest, replica messages.ReplicaID, sig []byte) bool {
	for _, existing := range s.byHash[hash] {
		if existing.ReplicaID == replica {
			return false
		}
	}
	s.byHash[hash] = append(s.byHash[hash], ResultSignature{ReplicaID: replica, Signature: sig})
	return true
}

// Remove deletes a replica's signature for hash, if present.
func (s *ReplySignatureSet) Remove(hash crypto.Digest, replica messages.ReplicaID) {
	sigs := s.byHash[hash]
	for i, existing := range sigs {
		if existing.ReplicaID == replica {
			s.byHash[hash] = append(sigs[:i], sigs[i+1:]...)
			if len(s.byHash[hash]) == 0 {
				delete(s.byHash, hash)
			}
			return
		}
	}
}

// Count returns the number of distinct signers behind hash.
func (s *ReplySignatureSet) Count(hash crypto.Digest) int {
	return len(s.byHash[hash])
}

// Signatures returns the signatures collected for hash in insertion order.
func (s *ReplySignatureSet) Signatures(hash crypto.Digest) []ResultSignature {
	return s.byHash[hash]
}

// MaxEqual returns the hash with the most signers and its signer count.
func (s *ReplySignatureSet) MaxEqual() (crypto.Digest, int) {
	var best crypto.Digest
	max := 0
	for hash, sigs := range s.byHash {
		if len(sigs) > max {
			best, max = hash, len(sigs)
		}
	}
	return best, max
}

// NumHashes returns the number of distinct hashes observed.
func (s *ReplySignatureSet) NumHashes() int { return len(s.byHash) }

// Total returns the total number of collected signatures across all hashes.
func (s *ReplySignatureSet) Total() int {
	n := 0
	for _, sigs := range s.byHash {
		n += len(sigs)
	}
	return n
}

// CountAtLeast returns the number of distinct hashes holding at least n
// signers.
func (s *ReplySignatureSet) CountAtLeast(n int) int {
	cnt := 0
	for _, sigs := range s.byHash {
		if len(sigs) >= n {
			cnt++
		}
	}
	return cnt
}

// Clear drops all collected signatures.
func (s *ReplySignatureSet) Clear() {
	s.byHash = make(map[crypto.Digest][]ResultSignature)
}
