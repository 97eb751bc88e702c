// Package crypto provides the digest and signing primitives used by the
// pre-processing protocol. Digests are SHA3-256; signing is exposed through
// narrow capability interfaces so deployments can plug their own scheme.
package crypto

import "golang.org/x/crypto/sha3"

// DigestSize is the size of a result digest in bytes.
const DigestSize = 32

// Digest is a SHA3-256 hash of a speculative execution result.
type Digest [DigestSize]byte

// ZeroDigest is the digest value of a result that has not been computed yet.
var ZeroDigest = Digest{}

// ComputeDigest returns the SHA3-256 digest of data.
func ComputeDigest(data []byte) Digest {
	return sha3.Sum256(data)
}

// IsZero reports whether the digest holds no computed hash.
func (d Digest) IsZero() bool { return d == ZeroDigest }

// Bytes returns the digest as a byte slice.
func (d Digest) Bytes() []byte {
	out := make([]byte, DigestSize)
	copy(out, d[:])
	return out
}

// DigestFromBytes copies b into a Digest. b must be exactly DigestSize bytes.
func DigestFromBytes(b []byte) (Digest, bool) {
	var d Digest
	if len(b) != DigestSize {
		return d, false
	}
	copy(d[:], b)
	return d, true
}
