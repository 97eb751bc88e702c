package preprocessor

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hshomroni/concord-bft/internal/crypto"
	"github.com/hshomroni/concord-bft/internal/messages"
)

var testKey = []byte("test-cluster-key")

func signerFor(id messages.ReplicaID) *crypto.HMACSigner {
	return crypto.NewHMACSigner(id, testKey)
}

// newTestState builds a primary-side state for N=4, f=1, c=0 (threshold 2).
func newTestState(t *testing.T, timeout time.Duration) *RequestProcessingState {
	t.Helper()
	clientReq := messages.NewClientPreProcessRequest(5, 5, 100, "cid-1",
		[]byte("payload"), timeout, nil, nil)
	ppReq := messages.NewPreProcessRequest(0, "batch-1", 5, 0, "cid-1", 0, 1,
		[]byte("payload"), nil)
	st := NewRequestProcessingState(zaptest.NewLogger(t), 0, 4, 2, "batch-1", 5, 0,
		"cid-1", 100, clientReq, ppReq, nil, signerFor(0))
	st.SetDefaultTimeout(time.Minute)
	return st
}

func peerReply(sender messages.ReplicaID, retryID, blockID uint64, result []byte) *messages.PreProcessReply {
	hash := crypto.ComputeDigest(result)
	sig, _ := signerFor(sender).Sign(hash)
	return messages.NewPreProcessReply(sender, "batch-1", 5, 0, retryID, blockID,
		messages.ReplyStatusOK, hash, sig)
}

func rejectedReply(sender messages.ReplicaID, retryID uint64) *messages.PreProcessReply {
	return messages.NewPreProcessReply(sender, "batch-1", 5, 0, retryID, 0,
		messages.ReplyStatusRejected, crypto.ZeroDigest, nil)
}

func TestHappyPath_PrimaryPlusOnePeer(t *testing.T) {
	st := newTestState(t, time.Minute)

	require.NoError(t, st.HandlePrimaryPreProcessed([]byte("RESULT"), messages.OperationSuccess))
	assert.Equal(t, ResultContinue, st.DefinePreProcessingConsensusResult())

	st.HandlePreProcessReplyMsg(peerReply(1, 0, 0, []byte("RESULT")))
	assert.Equal(t, ResultComplete, st.DefinePreProcessingConsensusResult())
	assert.Equal(t, messages.OperationSuccess, st.GetAgreedPreProcessResult())

	msg := st.BuildClientRequestMsg(false)
	assert.Equal(t, []byte("RESULT"), msg.Payload)
	assert.False(t, msg.IsEmpty())
	assert.Equal(t, messages.ClientID(5), msg.ClientID)
	assert.Equal(t, messages.ReqID(100), msg.ReqSeqNum)
}

func TestNonDeterministicMinority_StillCompletes(t *testing.T) {
	st := newTestState(t, time.Minute)

	require.NoError(t, st.HandlePrimaryPreProcessed([]byte("RESULT"), messages.OperationSuccess))
	st.HandlePreProcessReplyMsg(peerReply(1, 0, 0, []byte("RESULT")))
	st.HandlePreProcessReplyMsg(peerReply(2, 0, 0, []byte("OTHER")))
	st.HandlePreProcessReplyMsg(peerReply(3, 0, 0, []byte("RESULT")))

	assert.Equal(t, ResultComplete, st.DefinePreProcessingConsensusResult())
	// The winning hash carries primary + replicas 1 and 3.
	assert.Len(t, st.GetPreProcessResultSignatures(), 3)
}

func TestUnreachableQuorum_AllDistinct(t *testing.T) {
	st := newTestState(t, time.Minute)

	require.NoError(t, st.HandlePrimaryPreProcessed([]byte("P"), messages.OperationSuccess))
	st.HandlePreProcessReplyMsg(peerReply(1, 0, 0, []byte("A")))
	st.HandlePreProcessReplyMsg(peerReply(2, 0, 0, []byte("B")))
	st.HandlePreProcessReplyMsg(peerReply(3, 0, 0, []byte("C")))

	assert.Equal(t, ResultCancel, st.DefinePreProcessingConsensusResult())
}

func TestTwoPeersDisagree_ThenContinue(t *testing.T) {
	st := newTestState(t, time.Minute)

	st.HandlePreProcessReplyMsg(peerReply(1, 0, 0, []byte("A")))
	st.HandlePreProcessReplyMsg(peerReply(2, 0, 0, []byte("B")))
	assert.Equal(t, ResultContinue, st.DefinePreProcessingConsensusResult())

	// The third peer matches A; once the primary also produces A the request
	// completes.
	st.HandlePreProcessReplyMsg(peerReply(3, 0, 0, []byte("A")))
	require.NoError(t, st.HandlePrimaryPreProcessed([]byte("A"), messages.OperationSuccess))
	assert.Equal(t, ResultComplete, st.DefinePreProcessingConsensusResult())
}

func TestNonDeterministicSplit_CompletesOrFails(t *testing.T) {
	st := newTestState(t, time.Minute)

	// Two hashes each reach the peer majority (2 of 3): primary+1 on X, 2+3 on Y.
	require.NoError(t, st.HandlePrimaryPreProcessed([]byte("X"), messages.OperationSuccess))
	st.HandlePreProcessReplyMsg(peerReply(1, 0, 0, []byte("X")))
	// Replica 1's X gives the primary hash the threshold, but the winner is
	// ambiguous only once the pool closes; drive Y to the same count first.
	st.HandlePreProcessReplyMsg(peerReply(2, 0, 0, []byte("Y")))
	st.HandlePreProcessReplyMsg(peerReply(3, 0, 0, []byte("Y")))

	// X holds primary+1, Y holds 2+3: completion wins if the primary's hash
	// is the max; with a tie MaxEqual may pick either, so both terminal
	// outcomes are legal here except CONTINUE/CANCEL.
	outcome := st.DefinePreProcessingConsensusResult()
	assert.Contains(t, []PreProcessingResult{ResultComplete, ResultFailed}, outcome)
}

func TestRejectedReplies_DriveCancel(t *testing.T) {
	st := newTestState(t, time.Minute)

	require.NoError(t, st.HandlePrimaryPreProcessed([]byte("R"), messages.OperationSuccess))
	st.HandlePreProcessReplyMsg(rejectedReply(1, 0))
	st.HandlePreProcessReplyMsg(rejectedReply(2, 0))
	assert.Equal(t, ResultContinue, st.DefinePreProcessingConsensusResult())

	st.HandlePreProcessReplyMsg(rejectedReply(3, 0))
	assert.Equal(t, ResultCancel, st.DefinePreProcessingConsensusResult())
	assert.Equal(t, []messages.ReplicaID{1, 2, 3}, st.GetRejectedReplicasList())
}

func TestCancelledByPrimary(t *testing.T) {
	st := newTestState(t, time.Minute)

	require.NoError(t, st.HandlePrimaryPreProcessed([]byte("bad"), messages.OperationInvalidRequest))
	assert.Equal(t, ResultCancelledByPrimary, st.DefinePreProcessingConsensusResult())
	assert.Equal(t, messages.OperationInvalidRequest, st.GetAgreedPreProcessResult())
}

func TestReplyDedup_SameSenderCountsOnce(t *testing.T) {
	st := newTestState(t, time.Minute)

	reply := peerReply(1, 0, 0, []byte("R"))
	st.HandlePreProcessReplyMsg(reply)
	before := st.NumOfReceivedReplies()
	st.HandlePreProcessReplyMsg(reply)
	st.HandlePreProcessReplyMsg(peerReply(1, 0, 0, []byte("DIFFERENT")))

	assert.Equal(t, before, st.NumOfReceivedReplies())
	assert.Equal(t, 1, st.resultHashes.Total())
}

func TestPrimaryPreProcessed_Idempotent(t *testing.T) {
	st := newTestState(t, time.Minute)

	require.NoError(t, st.HandlePrimaryPreProcessed([]byte("R"), messages.OperationSuccess))
	require.NoError(t, st.HandlePrimaryPreProcessed([]byte("R"), messages.OperationSuccess))
	assert.Equal(t, 1, st.resultHashes.Total())

	// Differing data for the same retry id is a local invariant violation.
	err := st.HandlePrimaryPreProcessed([]byte("OTHER"), messages.OperationSuccess)
	require.Error(t, err)
}

func TestStaleAndFutureRetryReplies_Dropped(t *testing.T) {
	st := newTestState(t, time.Minute)

	st.HandlePreProcessReplyMsg(peerReply(1, 0, 0, []byte("R")))
	targets := st.PrepareRetry()
	assert.ElementsMatch(t, []messages.ReplicaID{2, 3}, targets)
	assert.Equal(t, uint64(1), st.ReqRetryID())

	// A late reply tagged with the old retry id is dropped.
	st.HandlePreProcessReplyMsg(peerReply(2, 0, 0, []byte("R")))
	assert.Equal(t, uint16(1), st.NumOfReceivedReplies())

	// A reply from a future retry round is dropped too.
	st.HandlePreProcessReplyMsg(peerReply(2, 5, 0, []byte("R")))
	assert.Equal(t, uint16(1), st.NumOfReceivedReplies())

	// Current-round replies count; replica 1's earlier vote is preserved.
	st.HandlePreProcessReplyMsg(peerReply(2, 1, 0, []byte("R")))
	require.NoError(t, st.HandlePrimaryPreProcessed([]byte("R"), messages.OperationSuccess))
	assert.Equal(t, ResultComplete, st.DefinePreProcessingConsensusResult())
}

func TestRetry_RecyclesRejectedReplicas(t *testing.T) {
	st := newTestState(t, time.Minute)

	st.HandlePreProcessReplyMsg(peerReply(1, 0, 0, []byte("R")))
	st.HandlePreProcessReplyMsg(rejectedReply(2, 0))

	targets := st.PrepareRetry()
	assert.ElementsMatch(t, []messages.ReplicaID{2, 3}, targets)
	assert.Empty(t, st.GetRejectedReplicasList())
	assert.Equal(t, uint16(1), st.NumOfReceivedReplies())
}

func TestBlockIDFixup(t *testing.T) {
	st := newTestState(t, time.Minute)

	base := []byte("RESULTDATA")
	withBlock := func(id uint64) []byte {
		out := append([]byte(nil), base...)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], id)
		return append(out, b[:]...)
	}

	// The primary appended block id 41; the peers agreed on 42.
	require.NoError(t, st.HandlePrimaryPreProcessed(withBlock(41), messages.OperationSuccess))
	st.HandlePreProcessReplyMsg(peerReply(1, 0, 42, withBlock(42)))
	st.HandlePreProcessReplyMsg(peerReply(2, 0, 42, withBlock(42)))

	assert.Equal(t, ResultComplete, st.DefinePreProcessingConsensusResult())
	got := st.GetPrimaryPreProcessedResult()
	assert.Equal(t, withBlock(42), got)
	assert.Equal(t, crypto.ComputeDigest(withBlock(42)), st.GetResultHash())
}

func TestBlockIDFixup_MismatchBeyondBlockID(t *testing.T) {
	st := newTestState(t, time.Minute)

	require.NoError(t, st.HandlePrimaryPreProcessed([]byte("COMPLETELY-DIFFERENT-1"), messages.OperationSuccess))
	st.HandlePreProcessReplyMsg(peerReply(1, 0, 42, []byte("PEER-RESULT-BLOB-0042")))
	st.HandlePreProcessReplyMsg(peerReply(2, 0, 42, []byte("PEER-RESULT-BLOB-0042")))
	st.HandlePreProcessReplyMsg(peerReply(3, 0, 42, []byte("PEER-RESULT-BLOB-0042")))

	// Quorum exists on the peers' hash but the primary diverges for real:
	// the pool is exhausted, so the request cancels.
	assert.Equal(t, ResultCancel, st.DefinePreProcessingConsensusResult())
}

func TestExpiry_ExactBoundary(t *testing.T) {
	st := newTestState(t, 200*time.Millisecond)
	start := st.entryTime

	st.now = func() time.Time { return start.Add(199 * time.Millisecond) }
	assert.Equal(t, ResultContinue, st.DefinePreProcessingConsensusResult())

	st.now = func() time.Time { return start.Add(200 * time.Millisecond) }
	assert.Equal(t, ResultExpired, st.DefinePreProcessingConsensusResult())
}

func TestExpiry_CompletionWins(t *testing.T) {
	st := newTestState(t, 200*time.Millisecond)
	start := st.entryTime
	st.now = func() time.Time { return start.Add(300 * time.Millisecond) }

	require.NoError(t, st.HandlePrimaryPreProcessed([]byte("R"), messages.OperationSuccess))
	st.HandlePreProcessReplyMsg(peerReply(1, 0, 0, []byte("R")))
	assert.Equal(t, ResultComplete, st.DefinePreProcessingConsensusResult())
}

func TestSignerCountInvariants(t *testing.T) {
	st := newTestState(t, time.Minute)

	require.NoError(t, st.HandlePrimaryPreProcessed([]byte("R"), messages.OperationSuccess))
	st.HandlePreProcessReplyMsg(peerReply(1, 0, 0, []byte("R")))
	st.HandlePreProcessReplyMsg(peerReply(2, 0, 0, []byte("S")))
	st.HandlePreProcessReplyMsg(rejectedReply(3, 0))

	// OK replies plus the rejected one all consume the peer pool.
	assert.Equal(t, uint16(3), st.NumOfReceivedReplies())
	// Collected signatures: the two OK peers plus the primary's own.
	assert.Equal(t, 3, st.resultHashes.Total())
	// Disjoint hashes never exceed the peer pool plus the primary.
	_, max := st.resultHashes.MaxEqual()
	assert.LessOrEqual(t, max, int(st.numOfReplicas))
}

func TestReleaseResources_TerminalAndIdempotent(t *testing.T) {
	st := newTestState(t, time.Minute)
	require.NoError(t, st.HandlePrimaryPreProcessed([]byte("R"), messages.OperationSuccess))

	st.ReleaseResources()
	st.ReleaseResources()

	assert.Equal(t, ResultNone, st.DefinePreProcessingConsensusResult())
	st.HandlePreProcessReplyMsg(peerReply(1, 0, 0, []byte("R")))
	assert.Equal(t, uint16(0), st.NumOfReceivedReplies())
	require.NoError(t, st.HandlePrimaryPreProcessed([]byte("R"), messages.OperationSuccess))
	assert.Equal(t, ResultNone, st.DefinePreProcessingConsensusResult())
}
