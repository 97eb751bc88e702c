package ordering

import (
	"time"

	"github.com/hshomroni/concord-bft/internal/messages"
)

func buildTestRequest() *messages.ClientRequest {
	return messages.NewClientRequest(0, messages.HasPreProcessedFlag, messages.OperationSuccess,
		5, 1, time.Second, "cid", nil, []byte("payload"))
}
