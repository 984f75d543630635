package rabbitmq

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one incoming delivery
type MessageHandler func(delivery amqp.Delivery)

// Consumer drains the deliveries of a single broker consumer and hands them
// to a handler one at a time, in arrival order.
type Consumer struct {
	ch          Channel
	queue       string
	consumerTag string
	autoAck     bool
	exclusive   bool
	logger      *slog.Logger
	done        chan struct{}
	cancelOnce  sync.Once
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithAutoAck enables automatic acknowledgment
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// Consume registers a consumer on queue and starts delivering to handler.
// Deliveries are auto-acknowledged unless WithAutoAck(false) is given.
func Consume(ch Channel, queue string, handler MessageHandler, options ...ConsumerOption) (*Consumer, error) {
	c := &Consumer{
		ch:      ch,
		queue:   queue,
		autoAck: true,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.consumerTag == "" {
		c.consumerTag = "ctag-" + uuid.NewString()
	}

	deliveries, err := ch.Consume(
		queue,
		c.consumerTag,
		c.autoAck,
		c.exclusive,
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: c.consumerTag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	go c.processMessages(deliveries, handler)

	c.logger.Debug("consuming from queue", "queue", queue, "consumerTag", c.consumerTag)
	return c, nil
}

// processMessages runs until the broker closes the delivery channel, which
// happens on Cancel or when the channel or connection goes away
func (c *Consumer) processMessages(deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer close(c.done)

	for delivery := range deliveries {
		handler(delivery)
	}
	c.logger.Debug("delivery channel closed", "queue", c.queue)
}

// Queue returns the consumed queue
func (c *Consumer) Queue() string {
	return c.queue
}

// Done is closed once the consumer stops delivering
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Cancel asks the broker to stop delivering. It does not wait for Done.
func (c *Consumer) Cancel() error {
	var err error
	c.cancelOnce.Do(func() {
		if cancelErr := c.ch.Cancel(c.consumerTag, false); cancelErr != nil {
			err = &ConsumerError{
				Queue:       c.queue,
				ConsumerTag: c.consumerTag,
				Op:          "cancel",
				Err:         cancelErr,
				Timestamp:   time.Now(),
			}
		}
	})
	return err
}
