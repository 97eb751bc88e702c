package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDigest(t *testing.T) {
	d1 := ComputeDigest([]byte("hello"))
	d2 := ComputeDigest([]byte("hello"))
	d3 := ComputeDigest([]byte("world"))

	assert.Equal(t, d1, d2)
	assert.NotEqual(t, d1, d3)
	assert.False(t, d1.IsZero())
	assert.True(t, ZeroDigest.IsZero())
	assert.Len(t, d1.Bytes(), DigestSize)
}

func TestDigestFromBytes(t *testing.T) {
	d := ComputeDigest([]byte("x"))
	back, ok := DigestFromBytes(d.Bytes())
	require.True(t, ok)
	assert.Equal(t, d, back)

	_, ok = DigestFromBytes([]byte("short"))
	assert.False(t, ok)
}

func TestHMACSigner_SignVerify(t *testing.T) {
	key := []byte("shared")
	signer1 := NewHMACSigner(1, key)
	signer2 := NewHMACSigner(2, key)
	digest := ComputeDigest([]byte("result"))

	sig, err := signer1.Sign(digest)
	require.NoError(t, err)
	assert.Len(t, sig, signer1.SignatureLen())

	// Any holder of the shared key verifies any replica's signature.
	require.NoError(t, signer2.Verify(1, digest, sig))

	// Wrong claimed signer, wrong digest and truncated signature all fail.
	assert.Error(t, signer2.Verify(2, digest, sig))
	assert.Error(t, signer2.Verify(1, ComputeDigest([]byte("other")), sig))
	assert.Error(t, signer2.Verify(1, digest, sig[:len(sig)-1]))
}
