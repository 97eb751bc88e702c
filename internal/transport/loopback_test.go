package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hshomroni/concord-bft/internal/messages"
)

func recvOne(t *testing.T, tr *LoopbackTransport) *messages.RawMessage {
	t.Helper()
	select {
	case m := <-tr.Receive():
		return m
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func TestLoopback_SendPreservesSenderAndPayload(t *testing.T) {
	network := NewLoopbackNetwork()
	t0 := network.Join(0, messages.NewDiagCounters())
	t1 := network.Join(1, messages.NewDiagCounters())

	src := messages.NewPreProcessRequest(1, "batch", 5, 0, "cid", 0, 7, []byte("data"), nil)
	require.NoError(t, t1.Send(context.Background(), 0, src.Raw()))

	got := recvOne(t, t0)
	assert.Equal(t, messages.ReplicaID(1), got.Sender())
	decoded, err := messages.PreProcessRequestFromRaw(got)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), decoded.Payload)
	decoded.Raw().Free()
}

func TestLoopback_BroadcastSkipsSelf(t *testing.T) {
	network := NewLoopbackNetwork()
	endpoints := make([]*LoopbackTransport, 4)
	for id := uint16(0); id < 4; id++ {
		endpoints[id] = network.Join(id, nil)
	}

	src := messages.NewPreProcessRequest(0, "batch", 5, 0, "cid", 0, 7, []byte("data"), nil)
	require.NoError(t, endpoints[0].Broadcast(context.Background(), src.Raw()))

	for id := uint16(1); id < 4; id++ {
		got := recvOne(t, endpoints[id])
		assert.Equal(t, messages.MsgTypePreProcessRequest, got.Type())
		got.Free()
	}
	select {
	case <-endpoints[0].Receive():
		t.Fatal("broadcast delivered to self")
	default:
	}
}

func TestLoopback_UnknownTarget(t *testing.T) {
	network := NewLoopbackNetwork()
	t0 := network.Join(0, nil)
	src := messages.NewPreProcessRequest(0, "b", 5, 0, "c", 0, 1, []byte("d"), nil)
	assert.Error(t, t0.Send(context.Background(), 9, src.Raw()))
}
