// Package rabbitmqtest provides an in-memory broker that implements the
// rabbitmq.Connection and rabbitmq.Channel interfaces.
//
// It models the default exchange only: a message published with routing key
// K is delivered to the queue named K. Mandatory messages with no matching
// queue are returned to the publishing channel before their confirmation,
// as RabbitMQ does.
package rabbitmqtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/rjr-go/internal/rabbitmq"
	"github.com/glimte/rjr-go/internal/reactor"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Published records one accepted publish
type Published struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Msg        amqp.Publishing
}

// Broker is an in-memory AMQP broker
type Broker struct {
	mu         sync.Mutex
	queues     map[string]*queue
	conns      map[*Connection]struct{}
	dialErr    error
	publishErr error
	nack       bool
	dials      int
	published  []Published
	ctagSeq    int
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		queues: make(map[string]*queue),
		conns:  make(map[*Connection]struct{}),
	}
}

// Dial opens a connection. It has the signature of rabbitmq.Dialer.
func (b *Broker) Dial(url string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	conn := &Connection{broker: b}
	b.conns[conn] = struct{}{}
	return conn, nil
}

// FailDial makes subsequent dials fail with err. A nil err restores dialing.
func (b *Broker) FailDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// FailPublish makes subsequent publishes fail synchronously with err
func (b *Broker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// NackPublishes makes the broker nack instead of ack subsequent publishes
func (b *Broker) NackPublishes(nack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nack = nack
}

// Sever force-closes every open connection with a CONNECTION_FORCED error
func (b *Broker) Sever() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for conn := range b.conns {
		b.closeConnection(conn, &amqp.Error{
			Code:    amqp.ConnectionForced,
			Reason:  "CONNECTION_FORCED - broker forced connection closure",
			Server:  true,
			Recover: true,
		})
	}
}

// FailChannels closes every open channel with a channel exception and
// leaves the connections open, as RabbitMQ does after a channel-level
// error such as PRECONDITION_FAILED
func (b *Broker) FailChannels(reason *amqp.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for conn := range b.conns {
		channels := conn.channels
		conn.channels = nil
		for _, ch := range channels {
			b.closeChannel(ch, reason)
		}
	}
}

// Publish injects a message on the default exchange without a connection.
// It reports whether a queue received it.
func (b *Broker) Publish(routingKey string, msg amqp.Publishing) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.published = append(b.published, Published{RoutingKey: routingKey, Msg: msg})
	return b.route(rabbitmq.DefaultExchange, routingKey, msg)
}

// HasQueue reports whether the named queue exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Consumers returns the number of consumers on the named queue
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Published returns every accepted publish in order
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Dials returns the number of dial attempts
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Connections returns the number of open connections
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// route delivers msg to the queue bound to routingKey. Must hold b.mu.
func (b *Broker) route(exchange, routingKey string, msg amqp.Publishing) bool {
	if exchange != rabbitmq.DefaultExchange {
		return false
	}
	q, ok := b.queues[routingKey]
	if !ok {
		return false
	}
	q.enqueue(delivery(exchange, routingKey, msg))
	return true
}

// closeConnection shuts conn down. Must hold b.mu.
func (b *Broker) closeConnection(conn *Connection, reason *amqp.Error) {
	if conn.closed {
		return
	}
	conn.closed = true
	delete(b.conns, conn)

	for _, ch := range conn.channels {
		b.closeChannel(ch, reason)
	}
	conn.channels = nil

	for _, c := range conn.notifyClose {
		if reason != nil {
			select {
			case c <- reason:
			default:
			}
		}
		close(c)
	}
	conn.notifyClose = nil
}

// closeChannel shuts ch down. Must hold b.mu.
func (b *Broker) closeChannel(ch *Channel, reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true

	for _, c := range ch.notifyClose {
		if reason != nil {
			select {
			case c <- reason:
			default:
			}
		}
		close(c)
	}
	ch.notifyClose = nil

	for _, c := range ch.consumers {
		b.removeConsumer(c)
	}

	confirms, returns := ch.confirms, ch.returns
	ch.confirms, ch.returns = nil, nil
	_ = ch.events.Schedule(func() {
		for _, c := range confirms {
			close(c)
		}
		for _, c := range returns {
			close(c)
		}
	})
	go ch.events.Stop()
}

// removeConsumer detaches c from its queue. Must hold b.mu.
func (b *Broker) removeConsumer(c *consumer) {
	delete(c.ch.consumers, c.tag)

	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.autoDelete && len(q.consumers) == 0 {
		delete(b.queues, q.name)
	}

	deliveries := c.deliveries
	_ = c.out.Schedule(func() { close(deliveries) })
	go c.out.Stop()
}

// Connection is an in-memory broker connection
type Connection struct {
	broker      *Broker
	closed      bool
	channels    []*Channel
	notifyClose []chan *amqp.Error
}

// Channel opens a channel
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	ch := &Channel{
		conn:      c,
		consumers: make(map[string]*consumer),
		events:    reactor.New(reactor.WithName("rabbitmqtest-channel")),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose registers a listener for connection shutdown. A forced close
// sends the error before closing the listener; a graceful close only closes
// it.
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notifyClose = append(c.notifyClose, receiver)
	return receiver
}

// IsClosed reports whether the connection is closed
func (c *Connection) IsClosed() bool {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return c.closed
}

func (c *Connection) removeChannel(ch *Channel) {
	for i, other := range c.channels {
		if other == ch {
			c.channels = append(c.channels[:i], c.channels[i+1:]...)
			return
		}
	}
}

// Close closes the connection gracefully
func (c *Connection) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	b.closeConnection(c, nil)
	return nil
}

// Channel is an in-memory broker channel
type Channel struct {
	conn        *Connection
	closed      bool
	confirming  bool
	nextTag     uint64
	confirms    []chan amqp.Confirmation
	returns     []chan amqp.Return
	notifyClose []chan *amqp.Error
	consumers   map[string]*consumer
	events      *reactor.Reactor
}

func (ch *Channel) usable() error {
	if ch.closed || ch.conn.closed {
		return amqp.ErrClosed
	}
	return nil
}

// Confirm puts the channel into confirm mode
func (ch *Channel) Confirm(noWait bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.usable(); err != nil {
		return err
	}
	ch.confirming = true
	return nil
}

// QueueDeclare declares a queue, or returns the existing one
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.usable(); err != nil {
		return amqp.Queue{}, err
	}

	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, autoDelete: autoDelete}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.backlog), Consumers: len(q.consumers)}, nil
}

// Consume starts delivering messages from queue
func (ch *Channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.usable(); err != nil {
		return nil, err
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)}
	}
	if len(q.consumers) > 0 && (exclusive || q.consumers[0].exclusive) {
		return nil, &amqp.Error{Code: amqp.AccessRefused, Reason: fmt.Sprintf("ACCESS_REFUSED - queue '%s' in exclusive use", queueName)}
	}
	if consumerTag == "" {
		b.ctagSeq++
		consumerTag = fmt.Sprintf("ctag-%d", b.ctagSeq)
	}
	if _, exists := ch.consumers[consumerTag]; exists {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - attempt to reuse consumer tag"}
	}

	c := &consumer{
		tag:        consumerTag,
		queue:      q,
		ch:         ch,
		exclusive:  exclusive,
		deliveries: make(chan amqp.Delivery),
		out:        reactor.New(reactor.WithName("rabbitmqtest-consumer")),
	}
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)

	backlog := q.backlog
	q.backlog = nil
	for _, d := range backlog {
		q.enqueue(d)
	}

	return c.deliveries, nil
}

// Cancel stops the named consumer
func (ch *Channel) Cancel(consumer string, noWait bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.usable(); err != nil {
		return err
	}
	if c, ok := ch.consumers[consumer]; ok {
		b.removeConsumer(c)
	}
	return nil
}

// PublishWithContext publishes msg. In confirm mode every accepted publish
// is followed by a confirmation; unroutable mandatory messages are returned
// first.
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.usable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.publishErr != nil {
		return b.publishErr
	}

	b.published = append(b.published, Published{
		Exchange:   exchange,
		RoutingKey: key,
		Mandatory:  mandatory,
		Msg:        msg,
	})

	if !b.route(exchange, key, msg) && mandatory {
		ret := amqp.Return{
			ReplyCode:     amqp.NoRoute,
			ReplyText:     "NO_ROUTE",
			Exchange:      exchange,
			RoutingKey:    key,
			ContentType:   msg.ContentType,
			Headers:       msg.Headers,
			CorrelationId: msg.CorrelationId,
			ReplyTo:       msg.ReplyTo,
			MessageId:     msg.MessageId,
			Body:          msg.Body,
		}
		returns := ch.returns
		_ = ch.events.Schedule(func() {
			for _, c := range returns {
				c <- ret
			}
		})
	}

	if ch.confirming {
		ch.nextTag++
		conf := amqp.Confirmation{DeliveryTag: ch.nextTag, Ack: !b.nack}
		confirms := ch.confirms
		_ = ch.events.Schedule(func() {
			for _, c := range confirms {
				c <- conf
			}
		})
	}

	return nil
}

// NotifyPublish registers a listener for publisher confirms
func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

// NotifyReturn registers a listener for returned messages
func (ch *Channel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(c)
		return c
	}
	ch.returns = append(ch.returns, c)
	return c
}

// Close closes the channel
func (ch *Channel) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	b.closeChannel(ch, nil)
	ch.conn.removeChannel(ch)
	return nil
}

// NotifyClose registers a listener for channel shutdown. A channel
// exception sends the error before closing the listener.
func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(c)
		return c
	}
	ch.notifyClose = append(ch.notifyClose, c)
	return c
}

// IsClosed reports whether the channel or its connection is closed
func (ch *Channel) IsClosed() bool {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.usable() != nil
}

type queue struct {
	name       string
	autoDelete bool
	consumers  []*consumer
	next       int
	backlog    []amqp.Delivery
}

// enqueue hands d to the next consumer, round robin, or keeps it until one
// subscribes
func (q *queue) enqueue(d amqp.Delivery) {
	if len(q.consumers) == 0 {
		q.backlog = append(q.backlog, d)
		return
	}
	c := q.consumers[q.next%len(q.consumers)]
	q.next++
	c.deliver(d)
}

type consumer struct {
	tag        string
	queue      *queue
	ch         *Channel
	exclusive  bool
	nextTag    uint64
	deliveries chan amqp.Delivery
	out        *reactor.Reactor
}

func (c *consumer) deliver(d amqp.Delivery) {
	c.nextTag++
	d.DeliveryTag = c.nextTag
	d.ConsumerTag = c.tag
	deliveries := c.deliveries
	_ = c.out.Schedule(func() { deliveries <- d })
}

func delivery(exchange, routingKey string, msg amqp.Publishing) amqp.Delivery {
	var headers amqp.Table
	if msg.Headers != nil {
		headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			headers[k] = v
		}
	}

	return amqp.Delivery{
		Acknowledger:  noopAcknowledger{},
		Headers:       headers,
		ContentType:   msg.ContentType,
		DeliveryMode:  msg.DeliveryMode,
		CorrelationId: msg.CorrelationId,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.MessageId,
		Timestamp:     msg.Timestamp,
		Type:          msg.Type,
		AppId:         msg.AppId,
		Exchange:      exchange,
		RoutingKey:    routingKey,
		Body:          append([]byte(nil), msg.Body...),
	}
}

type noopAcknowledger struct{}

func (noopAcknowledger) Ack(tag uint64, multiple bool) error                { return nil }
func (noopAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error { return nil }
func (noopAcknowledger) Reject(tag uint64, requeue bool) error              { return nil }
