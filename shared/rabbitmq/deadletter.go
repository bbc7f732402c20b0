package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	deadLetterExchangeSuffix = "-dlx"
	deadLetterQueueSuffix    = "-dlq"

	// ArgDeadLetterExchange is the queue argument naming the dead-letter exchange
	ArgDeadLetterExchange = "x-dead-letter-exchange"
)

// DeadLetterExchange returns the fan-out exchange that receives rejects from queue
func DeadLetterExchange(queue string) string {
	return queue + deadLetterExchangeSuffix
}

// DeadLetterQueue returns the quarantine queue bound to queue's dead-letter exchange
func DeadLetterQueue(queue string) string {
	return queue + deadLetterQueueSuffix
}

// PrimaryQueueArgs returns the declare arguments for queue. Every declarer of a
// queue must pass the same arguments or the broker closes the channel.
func PrimaryQueueArgs(queue string, deadLetter bool) amqp.Table {
	if !deadLetter {
		return nil
	}
	return amqp.Table{
		ArgDeadLetterExchange: DeadLetterExchange(queue),
	}
}

// EnsureDeadLetterPair declares <queue>-dlx and <queue>-dlq and binds them. Idempotent.
func EnsureDeadLetterPair(ch Channel, queue string) error {
	if queue == "" {
		return ErrInvalidQueueName
	}

	dlx := DeadLetterExchange(queue)
	dlq := DeadLetterQueue(queue)

	if err := ch.ExchangeDeclare(
		dlx,      // name
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange %s: %w", dlx, err)
	}

	if _, err := ch.QueueDeclare(
		dlq,   // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue %s: %w", dlq, err)
	}

	if err := ch.QueueBind(
		dlq,   // queue name
		"",    // routing key
		dlx,   // exchange
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("failed to bind %s to %s: %w", dlq, dlx, err)
	}

	return nil
}

// DeclarePrimaryQueue declares the durable work queue, routing rejects to its
// dead-letter exchange when deadLetter is set.
func DeclarePrimaryQueue(ch Channel, queue string, deadLetter bool) error {
	if queue == "" {
		return ErrInvalidQueueName
	}

	if _, err := ch.QueueDeclare(
		queue,                              // name
		true,                               // durable
		false,                              // delete when unused
		false,                              // exclusive
		false,                              // no-wait
		PrimaryQueueArgs(queue, deadLetter), // arguments
	); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	return nil
}
