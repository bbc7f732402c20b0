package rabbitmq

import "errors"

var (
	// ErrBrokerUnavailable is returned when no connection or channel to the broker can be established
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrNotConnected is returned when an operation needs a live channel and the client was closed
	ErrNotConnected = errors.New("not connected to RabbitMQ")

	// ErrInvalidQueueName is returned when a queue name is empty
	ErrInvalidQueueName = errors.New("queue name cannot be empty")

	// ErrUnserializable is returned when an envelope cannot be marshaled to JSON
	ErrUnserializable = errors.New("envelope is not serializable")

	// ErrPublishFailed is returned when the broker rejected or the transport dropped a publish
	ErrPublishFailed = errors.New("failed to publish message")
)
