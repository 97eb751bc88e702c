// Package messages implements the wire envelope of the pre-processing
// protocol: a fixed binary frame, typed payload views, and explicit buffer
// ownership between the receive path and the typed views.
package messages

// ReplicaID identifies a replica in the cluster.
type ReplicaID = uint16

// ClientID identifies a client proxy.
type ClientID = uint16

// ReqID is a client-assigned request sequence number.
type ReqID = uint64

// MsgType tags the payload variant of a frame.
type MsgType uint32

// Message type codes
const (
	MsgTypeClientPreProcessRequest MsgType = 500
	MsgTypePreProcessRequest       MsgType = 501
	MsgTypePreProcessReply         MsgType = 502
	MsgTypeClientRequest           MsgType = 700
)

// String returns the message type name used in logs and metrics labels.
func (t MsgType) String() string {
	switch t {
	case MsgTypeClientPreProcessRequest:
		return "ClientPreProcessRequest"
	case MsgTypePreProcessRequest:
		return "PreProcessRequest"
	case MsgTypePreProcessReply:
		return "PreProcessReply"
	case MsgTypeClientRequest:
		return "ClientRequest"
	default:
		return "Unknown"
	}
}

// OperationResult is the outcome of a speculative execution.
type OperationResult uint32

// Operation results
const (
	OperationUnknown OperationResult = iota
	OperationSuccess
	OperationExecDataTooLarge
	OperationInvalidRequest
	OperationNotReady
	OperationTimeout
	OperationInternalError
)

// String returns the operation result name.
func (r OperationResult) String() string {
	switch r {
	case OperationUnknown:
		return "UNKNOWN"
	case OperationSuccess:
		return "SUCCESS"
	case OperationExecDataTooLarge:
		return "EXEC_DATA_TOO_LARGE"
	case OperationInvalidRequest:
		return "INVALID_REQUEST"
	case OperationNotReady:
		return "NOT_READY"
	case OperationTimeout:
		return "TIMEOUT"
	case OperationInternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// ReplyStatus is the status field of a PreProcessReply.
type ReplyStatus uint8

// Reply statuses
const (
	ReplyStatusOK       ReplyStatus = 0
	ReplyStatusRejected ReplyStatus = 1
)

// Frame limits
const (
	// SpanContextMaxSize bounds the tracing trailer carried in the header.
	SpanContextMaxSize = 1024
	// MaxBatchSize bounds the number of requests in a client batch.
	MaxBatchSize = 1024
	// headerSize is the fixed envelope header: msgType(u32) + spanContextSize(u16).
	headerSize = 6
	// magicNumOfRawFormat prefixes the local-buffer form of a message.
	magicNumOfRawFormat uint32 = 0x5555897B
	// rawHeaderSize is the local-buffer prefix: magic(u32) + msgSize(u32) + sender(u16).
	rawHeaderSize = 10
)

// ClientRequestFlags marks properties of an ordered client request.
type ClientRequestFlags uint8

// Client request flags
const (
	// HasPreProcessedFlag marks a request whose payload is an agreed
	// pre-processing result rather than the original client payload.
	HasPreProcessedFlag ClientRequestFlags = 1 << 1
	// EmptyClientRequestFlag marks a header-only request built on CANCEL.
	EmptyClientRequestFlag ClientRequestFlags = 1 << 6
)

// ReplicasInfo describes the cluster membership used by message validation.
type ReplicasInfo struct {
	NumReplicas          uint16
	NumRoReplicas        uint16
	NumOfClientProxies   uint16
	NumOfExternalClients uint16
}

// IsIDOfReplica reports whether id belongs to a consensus replica.
func (ri ReplicasInfo) IsIDOfReplica(id ReplicaID) bool {
	return id < ri.NumReplicas
}

// IsIDOfClientProxy reports whether id belongs to a client proxy. Proxy ids
// follow the replica id range.
func (ri ReplicasInfo) IsIDOfClientProxy(id ClientID) bool {
	first := ri.NumReplicas + ri.NumRoReplicas
	return id >= first && id < first+ri.NumOfClientProxies+ri.NumOfExternalClients
}
