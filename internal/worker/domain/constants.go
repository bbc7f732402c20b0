package domain

// DeliveryState is the lifecycle position of a single delivery
type DeliveryState int32

// Delivery states. Acked and Nacked are terminal.
const (
	StateReceived DeliveryState = iota
	StateDispatched
	StateAcked
	StateNacked
)

func (s DeliveryState) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateDispatched:
		return "dispatched"
	case StateAcked:
		return "acked"
	case StateNacked:
		return "nacked"
	default:
		return "unknown"
	}
}

// Outcome is the settlement sent to the broker
type Outcome string

// Settlement outcomes
const (
	OutcomeAck  Outcome = "ack"
	OutcomeNack Outcome = "nack"
)

// Document ingestion statuses
const (
	DocumentStatusProcessing = "processing"
	DocumentStatusComplete   = "complete"
	DocumentStatusFailed     = "failed"
)
