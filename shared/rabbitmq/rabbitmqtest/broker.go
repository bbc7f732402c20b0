// Package rabbitmqtest provides an in-memory AMQP broker for tests.
//
// It models the parts of RabbitMQ the pipeline depends on: durable queues with
// argument equivalence, the default exchange, fanout and direct exchanges,
// per-consumer prefetch, ack/nack with requeue, dead-lettering through
// x-dead-letter-exchange, and redelivery of unacked messages when a channel
// or connection closes.
package rabbitmqtest

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/cuongbtq/journal-pipeline/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

const deliveryBuffer = 256

// Broker is an in-memory AMQP broker. The zero value is not usable; call New.
type Broker struct {
	mu sync.Mutex

	queues    map[string]*queue
	exchanges map[string]*exchange
	conns     []*Conn

	dialErr      error
	dials        int
	consumerSeq  int
	acks         map[string]int
	nacks        map[string]int
	publishError error
}

type message struct {
	pub         amqp.Publishing
	exchange    string
	routingKey  string
	redelivered bool
}

type queue struct {
	name      string
	args      amqp.Table
	ready     []*message
	consumers []*consumer
	next      int
}

type binding struct {
	queue string
	key   string
}

type exchange struct {
	kind     string
	bindings []binding
}

type consumer struct {
	tag        string
	queue      string
	ch         *Chan
	deliveries chan amqp.Delivery
	inFlight   int
}

type unacked struct {
	queue    string
	consumer *consumer
	msg      *message
}

// New creates an empty broker
func New() *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		exchanges: make(map[string]*exchange),
		acks:      make(map[string]int),
		nacks:     make(map[string]int),
	}
}

// Dial satisfies rabbitmq.Dialer
func (b *Broker) Dial(_ string, _ amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	conn := &Conn{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// SetDialError makes subsequent dials fail with err. nil restores dialing.
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// SetPublishError makes subsequent publishes fail with err. nil restores publishing.
func (b *Broker) SetPublishError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishError = err
}

// Dials returns how many times Dial was called
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// CloseConnections force-closes every open connection with reason, as a broker
// restart or network partition would.
func (b *Broker) CloseConnections(reason *amqp.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, conn := range b.conns {
		conn.closeLocked(reason)
	}
	b.conns = nil
}

// DeclareQueue declares queue outside of any client, failing on inequivalent args
func (b *Broker) DeclareQueue(name string, args amqp.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.declareQueueLocked(name, args)
	return err
}

// Enqueue routes body to queue through the default exchange
func (b *Broker) Enqueue(queueName string, pub amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("queue %s not declared", queueName)
	}
	q.ready = append(q.ready, &message{pub: pub, routingKey: queueName})
	b.pumpLocked(q)
	return nil
}

// QueueLen returns the number of ready (not yet delivered) messages in queue
func (b *Broker) QueueLen(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Messages returns a snapshot of the ready messages in queue
func (b *Broker) Messages(name string) []amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil
	}

	out := make([]amqp.Delivery, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, toDelivery(m, nil, 0, ""))
	}
	return out
}

// Unacked returns the number of messages from queue delivered but not yet settled
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, conn := range b.conns {
		for _, ch := range conn.channels {
			for _, u := range ch.unacked {
				if u.queue == name {
					n++
				}
			}
		}
	}
	return n
}

// Acks returns the number of acks received for messages from queue
func (b *Broker) Acks(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks[name]
}

// Nacks returns the number of nacks received for messages from queue
func (b *Broker) Nacks(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nacks[name]
}

// QueueArgs returns the arguments queue was declared with
func (b *Broker) QueueArgs(name string) (amqp.Table, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil, false
	}
	return q.args, true
}

// Exchange returns an exchange's kind and the queues bound to it
func (b *Broker) Exchange(name string) (kind string, queues []string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[name]
	if !ok {
		return "", nil, false
	}
	for _, bd := range ex.bindings {
		queues = append(queues, bd.queue)
	}
	return ex.kind, queues, true
}

func (b *Broker) declareQueueLocked(name string, args amqp.Table) (*queue, error) {
	if q, ok := b.queues[name]; ok {
		if !equivalentArgs(q.args, args) {
			return nil, &amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name),
			}
		}
		return q, nil
	}

	q := &queue{name: name, args: copyTable(args)}
	b.queues[name] = q
	return q, nil
}

// route delivers pub to every queue the exchange resolves key to
func (b *Broker) routeLocked(exchangeName, key string, pub amqp.Publishing, redelivered bool) error {
	if exchangeName == "" {
		q, ok := b.queues[key]
		if !ok {
			return nil
		}
		q.ready = append(q.ready, &message{pub: pub, exchange: exchangeName, routingKey: key, redelivered: redelivered})
		b.pumpLocked(q)
		return nil
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return &amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName),
		}
	}

	for _, bd := range ex.bindings {
		if ex.kind != amqp.ExchangeFanout && bd.key != key {
			continue
		}
		q, ok := b.queues[bd.queue]
		if !ok {
			continue
		}
		q.ready = append(q.ready, &message{pub: clonePublishing(pub), exchange: exchangeName, routingKey: key})
		b.pumpLocked(q)
	}
	return nil
}

// pumpLocked hands ready messages to consumers with prefetch headroom, round robin
func (b *Broker) pumpLocked(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		c := b.nextConsumerLocked(q)
		if c == nil {
			return
		}

		m := q.ready[0]
		q.ready = q.ready[1:]

		c.ch.nextTag++
		tag := c.ch.nextTag
		c.ch.unacked[tag] = &unacked{queue: q.name, consumer: c, msg: m}
		c.inFlight++

		c.deliveries <- toDelivery(m, c.ch, tag, c.tag)
	}
}

func (b *Broker) nextConsumerLocked(q *queue) *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.ch.closed {
			continue
		}
		if c.ch.prefetch > 0 && c.inFlight >= c.ch.prefetch {
			continue
		}
		if len(c.deliveries) == cap(c.deliveries) {
			continue
		}
		q.next = (q.next + i + 1) % n
		return c
	}
	return nil
}

// deadLetterLocked routes a rejected message to its queue's dead-letter exchange, if any
func (b *Broker) deadLetterLocked(queueName string, m *message) {
	q, ok := b.queues[queueName]
	if !ok {
		return
	}
	dlx, ok := q.args[rabbitmq.ArgDeadLetterExchange].(string)
	if !ok || dlx == "" {
		return
	}

	pub := clonePublishing(m.pub)
	if pub.Headers == nil {
		pub.Headers = amqp.Table{}
	}
	pub.Headers["x-death"] = []interface{}{
		amqp.Table{
			"count":        int64(1),
			"exchange":     m.exchange,
			"queue":        queueName,
			"reason":       "rejected",
			"routing-keys": []interface{}{m.routingKey},
		},
	}
	pub.Headers["x-first-death-queue"] = queueName
	pub.Headers["x-first-death-reason"] = "rejected"

	_ = b.routeLocked(dlx, m.routingKey, pub, false)
}

// requeueLocked returns messages to the head of their queues in delivery order
func (b *Broker) requeueLocked(ch *Chan) {
	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })

	touched := make(map[string]*queue)
	for _, tag := range tags {
		u := ch.unacked[tag]
		delete(ch.unacked, tag)
		if u.consumer != nil {
			u.consumer.inFlight--
		}
		q, ok := b.queues[u.queue]
		if !ok {
			continue
		}
		u.msg.redelivered = true
		q.ready = append([]*message{u.msg}, q.ready...)
		touched[q.name] = q
	}

	for _, q := range touched {
		b.pumpLocked(q)
	}
}

// Conn is an in-memory connection
type Conn struct {
	broker   *Broker
	closed   bool
	channels []*Chan
}

// Channel opens a new channel
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	ch := &Chan{
		broker:    c.broker,
		conn:      c,
		unacked:   make(map[uint64]*unacked),
		consumers: make(map[string]*consumer),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// IsClosed reports whether the connection is closed
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection and all of its channels
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)

	for i, conn := range c.broker.conns {
		if conn == c {
			c.broker.conns = append(c.broker.conns[:i], c.broker.conns[i+1:]...)
			break
		}
	}
	return nil
}

func (c *Conn) closeLocked(reason *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked(reason)
	}
}

// Chan is an in-memory channel. It satisfies rabbitmq.Channel and amqp.Acknowledger.
type Chan struct {
	broker *Broker
	conn   *Conn

	closed    bool
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*unacked
	consumers map[string]*consumer
	notify    []chan *amqp.Error
}

func (ch *Chan) failLocked(code int, reason string) error {
	err := &amqp.Error{Code: code, Reason: reason}
	ch.closeLocked(err)
	return err
}

func (ch *Chan) closeLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true

	for tag, c := range ch.consumers {
		ch.removeConsumerLocked(c)
		delete(ch.consumers, tag)
	}

	ch.broker.requeueLocked(ch)

	for _, n := range ch.notify {
		if reason != nil {
			select {
			case n <- reason:
			default:
			}
		}
		close(n)
	}
	ch.notify = nil
}

func (ch *Chan) removeConsumerLocked(c *consumer) {
	if q, ok := ch.broker.queues[c.queue]; ok {
		for i, qc := range q.consumers {
			if qc == c {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				break
			}
		}
		if q.next >= len(q.consumers) {
			q.next = 0
		}
	}
	close(c.deliveries)
}

// ExchangeDeclare declares an exchange, failing if it exists with another kind
func (ch *Chan) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	if ex, ok := ch.broker.exchanges[name]; ok {
		if ex.kind != kind {
			return ch.failLocked(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name))
		}
		return nil
	}

	ch.broker.exchanges[name] = &exchange{kind: kind}
	return nil
}

// QueueDeclare declares a queue, closing the channel on inequivalent args
func (ch *Chan) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	q, err := ch.broker.declareQueueLocked(name, args)
	if err != nil {
		amqpErr := err.(*amqp.Error)
		ch.closeLocked(amqpErr)
		return amqp.Queue{}, amqpErr
	}

	return amqp.Queue{Name: q.name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// QueueBind binds a queue to an exchange
func (ch *Chan) QueueBind(name, key, exchangeName string, _ bool, _ amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	ex, ok := ch.broker.exchanges[exchangeName]
	if !ok {
		return ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName))
	}
	if _, ok := ch.broker.queues[name]; !ok {
		return ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name))
	}

	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	return nil
}

// Qos sets the per-consumer prefetch window
func (ch *Chan) Qos(prefetchCount, _ int, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume registers a consumer on queue. autoAck is not supported.
func (ch *Chan) Consume(queueName, consumerTag string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if autoAck {
		return nil, fmt.Errorf("rabbitmqtest: autoAck consumers are not supported")
	}

	q, ok := ch.broker.queues[queueName]
	if !ok {
		return nil, ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName))
	}

	if consumerTag == "" {
		ch.broker.consumerSeq++
		consumerTag = fmt.Sprintf("ctag-%d", ch.broker.consumerSeq)
	}
	if _, exists := ch.consumers[consumerTag]; exists {
		return nil, ch.failLocked(amqp.NotAllowed, fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", consumerTag))
	}

	c := &consumer{
		tag:        consumerTag,
		queue:      queueName,
		ch:         ch,
		deliveries: make(chan amqp.Delivery, deliveryBuffer),
	}
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)

	ch.broker.pumpLocked(q)
	return c.deliveries, nil
}

// Cancel stops a consumer and closes its delivery channel. Messages already
// delivered to it stay unacked on the channel.
func (ch *Chan) Cancel(consumerTag string, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	c, ok := ch.consumers[consumerTag]
	if !ok {
		return nil
	}
	delete(ch.consumers, consumerTag)
	ch.removeConsumerLocked(c)
	return nil
}

// PublishWithContext routes a message through exchange
func (ch *Chan) PublishWithContext(ctx context.Context, exchangeName, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.broker.publishError != nil {
		return ch.broker.publishError
	}

	if err := ch.broker.routeLocked(exchangeName, key, clonePublishing(msg), false); err != nil {
		amqpErr := err.(*amqp.Error)
		ch.closeLocked(amqpErr)
		return amqpErr
	}
	return nil
}

// Get pulls a single message from queue
func (ch *Chan) Get(queueName string, autoAck bool) (amqp.Delivery, bool, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}

	q, ok := ch.broker.queues[queueName]
	if !ok {
		return amqp.Delivery{}, false, ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName))
	}
	if len(q.ready) == 0 {
		return amqp.Delivery{}, false, nil
	}

	m := q.ready[0]
	q.ready = q.ready[1:]

	ch.nextTag++
	tag := ch.nextTag
	if !autoAck {
		ch.unacked[tag] = &unacked{queue: queueName, msg: m}
	}

	d := toDelivery(m, ch, tag, "")
	d.MessageCount = uint32(len(q.ready))
	return d, true, nil
}

// Ack acknowledges tag, or every outstanding tag up to it when multiple is set
func (ch *Chan) Ack(tag uint64, multiple bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	settled, ok := ch.takeLocked(tag, multiple)
	if !ok {
		_ = ch.failLocked(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
		return nil
	}

	touched := make(map[string]*queue)
	for _, u := range settled {
		ch.broker.acks[u.queue]++
		if q, ok := ch.broker.queues[u.queue]; ok {
			touched[q.name] = q
		}
	}
	for _, q := range touched {
		ch.broker.pumpLocked(q)
	}
	return nil
}

// Nack rejects tag. requeue=false dead-letters it when the queue has a dead-letter exchange.
func (ch *Chan) Nack(tag uint64, multiple, requeue bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	settled, ok := ch.takeLocked(tag, multiple)
	if !ok {
		_ = ch.failLocked(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
		return nil
	}

	touched := make(map[string]*queue)
	for i := len(settled) - 1; i >= 0; i-- {
		u := settled[i]
		ch.broker.nacks[u.queue]++

		q, ok := ch.broker.queues[u.queue]
		if !ok {
			continue
		}
		if requeue {
			u.msg.redelivered = true
			q.ready = append([]*message{u.msg}, q.ready...)
		} else {
			ch.broker.deadLetterLocked(u.queue, u.msg)
		}
		touched[q.name] = q
	}
	for _, q := range touched {
		ch.broker.pumpLocked(q)
	}
	return nil
}

// Reject is Nack for a single tag
func (ch *Chan) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// takeLocked removes tag (and lower tags when multiple) from the unacked set, in tag order
func (ch *Chan) takeLocked(tag uint64, multiple bool) ([]*unacked, bool) {
	if !multiple {
		u, ok := ch.unacked[tag]
		if !ok {
			return nil, false
		}
		delete(ch.unacked, tag)
		if u.consumer != nil {
			u.consumer.inFlight--
		}
		return []*unacked{u}, true
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for t := range ch.unacked {
		if t <= tag {
			tags = append(tags, t)
		}
	}
	if len(tags) == 0 {
		return nil, false
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	out := make([]*unacked, 0, len(tags))
	for _, t := range tags {
		u := ch.unacked[t]
		delete(ch.unacked, t)
		if u.consumer != nil {
			u.consumer.inFlight--
		}
		out = append(out, u)
	}
	return out, true
}

// NotifyClose registers receiver for channel close. It is closed immediately
// if the channel is already closed.
func (ch *Chan) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// Close closes the channel, requeueing its unacked messages
func (ch *Chan) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	return nil
}

func toDelivery(m *message, ack amqp.Acknowledger, tag uint64, consumerTag string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger:    ack,
		Headers:         copyTable(m.pub.Headers),
		ContentType:     m.pub.ContentType,
		ContentEncoding: m.pub.ContentEncoding,
		DeliveryMode:    m.pub.DeliveryMode,
		Priority:        m.pub.Priority,
		CorrelationId:   m.pub.CorrelationId,
		ReplyTo:         m.pub.ReplyTo,
		Expiration:      m.pub.Expiration,
		MessageId:       m.pub.MessageId,
		Timestamp:       m.pub.Timestamp,
		Type:            m.pub.Type,
		UserId:          m.pub.UserId,
		AppId:           m.pub.AppId,
		ConsumerTag:     consumerTag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.routingKey,
		Body:            append([]byte(nil), m.pub.Body...),
	}
}

func clonePublishing(p amqp.Publishing) amqp.Publishing {
	p.Headers = copyTable(p.Headers)
	p.Body = append([]byte(nil), p.Body...)
	return p
}

func copyTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func equivalentArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
