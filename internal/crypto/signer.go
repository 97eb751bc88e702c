package crypto

import (
	"crypto/hmac"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Signer signs result digests on behalf of this replica.
type Signer interface {
	// Sign returns a signature over the given digest.
	Sign(digest Digest) ([]byte, error)
	// SignatureLen returns the fixed length of signatures produced by Sign.
	SignatureLen() int
}

// Verifier verifies digest signatures produced by other replicas.
type Verifier interface {
	// Verify checks that sig is a valid signature by replicaID over digest.
	Verify(replicaID uint16, digest Digest, sig []byte) error
}

// HMACSigner signs digests with HMAC-SHA3-256 keyed by a per-cluster shared
// secret. It serves test clusters and local deployments; production
// deployments supply threshold-signature implementations of Signer/Verifier.
type HMACSigner struct {
	replicaID uint16
	key       []byte
}

// NewHMACSigner creates a signer for the given replica over the shared key.
func NewHMACSigner(replicaID uint16, key []byte) *HMACSigner {
	return &HMACSigner{replicaID: replicaID, key: append([]byte(nil), key...)}
}

// Sign implements Signer.
func (s *HMACSigner) Sign(digest Digest) ([]byte, error) {
	return s.signAs(s.replicaID, digest), nil
}

// SignatureLen implements Signer.
func (s *HMACSigner) SignatureLen() int { return DigestSize }

// Verify implements Verifier.
func (s *HMACSigner) Verify(replicaID uint16, digest Digest, sig []byte) error {
	expected := s.signAs(replicaID, digest)
	if subtle.ConstantTimeCompare(expected, sig) != 1 {
		return fmt.Errorf("bad signature from replica %d", replicaID)
	}
	return nil
}

func (s *HMACSigner) signAs(replicaID uint16, digest Digest) []byte {
	mac := hmac.New(sha3.New256, s.key)
	mac.Write([]byte{byte(replicaID), byte(replicaID >> 8)})
	mac.Write(digest[:])
	return mac.Sum(nil)
}
