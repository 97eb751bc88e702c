package messages

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hshomroni/concord-bft/internal/crypto"
)

var testReplicasInfo = ReplicasInfo{
	NumReplicas:        4,
	NumOfClientProxies: 4,
}

func TestClientPreProcessRequest_RoundTrip(t *testing.T) {
	msg := NewClientPreProcessRequest(7, 5, 100, "req-cid", []byte("payload"),
		250*time.Millisecond, []byte("sig"), []byte("span"))

	diag := NewDiagCounters()
	raw, n, err := DeserializeFromLocalBuffer(msg.Raw().SerializeToLocalBuffer(), diag)
	require.NoError(t, err)
	assert.Equal(t, msg.Raw().Size()+rawHeaderSize, n)
	assert.Equal(t, ReplicaID(7), raw.Sender())
	assert.Equal(t, []byte("span"), raw.SpanContext())

	decoded, err := ClientPreProcessRequestFromRaw(raw)
	require.NoError(t, err)
	assert.Equal(t, ClientID(5), decoded.ClientID)
	assert.Equal(t, ReqID(100), decoded.ReqSeqNum)
	assert.Equal(t, uint64(250), decoded.TimeoutMilli)
	assert.Equal(t, "req-cid", decoded.Cid)
	assert.Equal(t, []byte("sig"), decoded.Signature)
	assert.Equal(t, []byte("payload"), decoded.Payload)
	assert.Equal(t, 250*time.Millisecond, decoded.RequestTimeout())
}

func TestPreProcessRequest_RoundTrip(t *testing.T) {
	msg := NewPreProcessRequest(0, "batch-1", 5, 3, "cid-1", 2, 42, []byte("data"), nil)

	raw, _, err := DeserializeFromLocalBuffer(msg.Raw().SerializeToLocalBuffer(), nil)
	require.NoError(t, err)
	decoded, err := PreProcessRequestFromRaw(raw)
	require.NoError(t, err)

	assert.Equal(t, "batch-1", decoded.BatchCid)
	assert.Equal(t, ClientID(5), decoded.ClientID)
	assert.Equal(t, uint16(3), decoded.ReqOffsetInBatch)
	assert.Equal(t, "cid-1", decoded.Cid)
	assert.Equal(t, uint64(2), decoded.ReqRetryID)
	assert.Equal(t, uint64(42), decoded.PrimarySeqNum)
	assert.Equal(t, []byte("data"), decoded.Payload)
	assert.Equal(t, crypto.ComputeDigest([]byte("data")), decoded.PayloadDigest())
}

func TestPreProcessReply_RoundTrip(t *testing.T) {
	hash := crypto.ComputeDigest([]byte("result"))
	msg := NewPreProcessReply(2, "batch-1", 5, 0, 1, 42, ReplyStatusOK, hash, []byte("signature"))

	raw, _, err := DeserializeFromLocalBuffer(msg.Raw().SerializeToLocalBuffer(), nil)
	require.NoError(t, err)
	decoded, err := PreProcessReplyFromRaw(raw)
	require.NoError(t, err)

	assert.Equal(t, ReplicaID(2), decoded.SenderID())
	assert.Equal(t, "batch-1", decoded.BatchCid)
	assert.Equal(t, uint64(1), decoded.ReqRetryID)
	assert.Equal(t, uint64(42), decoded.BlockID)
	assert.Equal(t, ReplyStatusOK, decoded.Status)
	assert.Equal(t, hash, decoded.ResultHash)
	assert.Equal(t, []byte("signature"), decoded.Signature)
	require.NoError(t, decoded.Validate(testReplicasInfo))
}

func TestClientRequest_RoundTrip(t *testing.T) {
	msg := NewClientRequest(0, HasPreProcessedFlag, OperationSuccess, 5, 100,
		time.Second, "cid-1", []byte("sig"), []byte("agreed"))

	raw, _, err := DeserializeFromLocalBuffer(msg.Raw().SerializeToLocalBuffer(), nil)
	require.NoError(t, err)
	decoded, err := ClientRequestFromRaw(raw)
	require.NoError(t, err)

	assert.Equal(t, OperationSuccess, decoded.Result)
	assert.Equal(t, []byte("agreed"), decoded.Payload)
	assert.False(t, decoded.IsEmpty())

	empty := NewClientRequest(0, HasPreProcessedFlag|EmptyClientRequestFlag, OperationInternalError,
		5, 100, time.Second, "cid-1", nil, nil)
	assert.True(t, empty.IsEmpty())
	require.NoError(t, empty.Validate(testReplicasInfo))
}

func TestOwnershipTransfer(t *testing.T) {
	diag := NewDiagCounters()
	src := NewPreProcessReply(1, "b", 5, 0, 0, 0, ReplyStatusOK,
		crypto.ComputeDigest([]byte("x")), []byte("s"))
	raw, _, err := DeserializeFromLocalBuffer(src.Raw().SerializeToLocalBuffer(), diag)
	require.NoError(t, err)
	require.True(t, raw.IsOwner())
	assert.Equal(t, uint64(1), diag.BufsAllocated())

	decoded, err := PreProcessReplyFromRaw(raw)
	require.NoError(t, err)
	// Construction steals the buffer and the owner bit.
	assert.False(t, raw.IsOwner())
	assert.True(t, decoded.Raw().IsOwner())

	// The base view no longer frees anything.
	raw.Free()
	assert.Equal(t, uint64(0), diag.BufsFreed())

	// The typed view frees exactly once.
	decoded.Raw().Free()
	decoded.Raw().Free()
	assert.Equal(t, uint64(1), diag.BufsFreed())
	assert.Empty(t, diag.LivePerType())
}

func TestClone_IndependentOwnership(t *testing.T) {
	diag := NewDiagCounters()
	src := NewPreProcessRequest(0, "b", 5, 0, "c", 0, 1, []byte("data"), nil)
	raw, _, err := DeserializeFromLocalBuffer(src.Raw().SerializeToLocalBuffer(), diag)
	require.NoError(t, err)

	clone := raw.Clone()
	require.True(t, clone.IsOwner())
	raw.Free()
	// The clone's buffer survives the original's release.
	assert.Equal(t, MsgTypePreProcessRequest, clone.Type())
	clone.Free()
	assert.Equal(t, uint64(2), diag.BufsFreed())
}

func TestValidate_SpanContextBounds(t *testing.T) {
	ok := NewRawMessage(0, MsgTypePreProcessRequest, make([]byte, SpanContextMaxSize), []byte("p"))
	require.NoError(t, ok.Validate(testReplicasInfo))

	tooBig := NewRawMessage(0, MsgTypePreProcessRequest, make([]byte, SpanContextMaxSize+1), []byte("p"))
	assert.Error(t, tooBig.Validate(testReplicasInfo))
}

func TestValidate_BatchOffsetBounds(t *testing.T) {
	atMax := NewPreProcessRequest(0, "b", 5, MaxBatchSize-1, "c", 0, 1, []byte("d"), nil)
	require.NoError(t, atMax.Validate(testReplicasInfo))

	overMax := NewPreProcessRequest(0, "b", 5, MaxBatchSize, "c", 0, 1, []byte("d"), nil)
	assert.Error(t, overMax.Validate(testReplicasInfo))
}

func TestValidate_SenderChecks(t *testing.T) {
	fromNonReplica := NewPreProcessReply(9, "b", 5, 0, 0, 0, ReplyStatusOK,
		crypto.ComputeDigest([]byte("x")), []byte("s"))
	assert.Error(t, fromNonReplica.Validate(testReplicasInfo))

	okNoSig := NewPreProcessReply(1, "b", 5, 0, 0, 0, ReplyStatusOK,
		crypto.ComputeDigest([]byte("x")), nil)
	assert.Error(t, okNoSig.Validate(testReplicasInfo))

	rejectedNoSig := NewPreProcessReply(1, "b", 5, 0, 0, 0, ReplyStatusRejected,
		crypto.ZeroDigest, nil)
	assert.NoError(t, rejectedNoSig.Validate(testReplicasInfo))
}

func TestDeserialize_Malformed(t *testing.T) {
	_, _, err := DeserializeFromLocalBuffer([]byte{1, 2, 3}, nil)
	assert.Error(t, err)

	src := NewPreProcessRequest(0, "b", 5, 0, "c", 0, 1, []byte("data"), nil)
	buf := src.Raw().SerializeToLocalBuffer()
	buf[0] ^= 0xFF // corrupt magic
	_, _, err = DeserializeFromLocalBuffer(buf, nil)
	assert.Error(t, err)
}

func TestTypedParse_TruncatedPayload(t *testing.T) {
	src := NewPreProcessReply(1, "batch", 5, 0, 0, 0, ReplyStatusOK,
		crypto.ComputeDigest([]byte("x")), []byte("sig"))
	body := src.Raw().ReleaseOwnership()
	truncated := &RawMessage{sender: 1, body: body[:len(body)-2], owner: true}
	_, err := PreProcessReplyFromRaw(truncated)
	assert.Error(t, err)
}
