package bus

import "time"

// Event kinds published inside the daemon. Subscribers filter by prefix,
// e.g. "worker." or "message.".
const (
	KindWorkerState   = "worker.state_changed"
	KindWorkerError   = "worker.error"
	KindWorkerSync    = "worker.sync"
	KindMessageStored = "message.upserted"
	KindBatchIngested = "sync.batch_ingested"
	KindSendAck       = "message.send_ack"
	KindSendFailed    = "message.send_failed"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
