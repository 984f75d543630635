package rabbitmq

import (
	"context"
	"sort"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConfirmFunc is called once the broker confirms or rejects a publish
type ConfirmFunc func(err error)

// Publisher publishes to the default exchange on a channel in confirm mode
// and pairs broker confirmations with their ConfirmFunc by delivery tag.
//
// A Publisher is not safe for concurrent use. Publish, Confirm, and Fail
// must be called from a single goroutine.
type Publisher struct {
	ch        Channel
	mandatory bool
	nextTag   uint64
	pending   map[uint64]ConfirmFunc
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithMandatory makes the broker return messages that match no queue
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// NewPublisher puts ch into confirm mode and returns a publisher for it
func NewPublisher(ch Channel, options ...PublisherOption) (*Publisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, &ChannelError{Op: "confirm", Err: err, Timestamp: time.Now()}
	}

	p := &Publisher{
		ch:        ch,
		mandatory: true,
		nextTag:   1,
		pending:   make(map[uint64]ConfirmFunc),
	}
	for _, opt := range options {
		opt(p)
	}
	return p, nil
}

// Publish sends msg to the queue named routingKey. onConfirm, if non-nil,
// runs when the matching confirmation is passed to Confirm. If the publish
// itself fails no delivery tag is consumed and the error is returned.
func (p *Publisher) Publish(ctx context.Context, routingKey string, msg amqp.Publishing, onConfirm ConfirmFunc) error {
	if err := p.ch.PublishWithContext(
		ctx,
		DefaultExchange,
		routingKey,
		p.mandatory,
		false, // immediate
		msg,
	); err != nil {
		return &PublishError{
			Exchange:   DefaultExchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	tag := p.nextTag
	p.nextTag++
	if onConfirm != nil {
		p.pending[tag] = onConfirm
	}
	return nil
}

// Confirm completes the publish with the confirmation's delivery tag
func (p *Publisher) Confirm(c amqp.Confirmation) {
	onConfirm, ok := p.pending[c.DeliveryTag]
	if !ok {
		return
	}
	delete(p.pending, c.DeliveryTag)

	if c.Ack {
		onConfirm(nil)
		return
	}
	onConfirm(&PublishError{
		Exchange:  DefaultExchange,
		Err:       ErrPublishNacked,
		Timestamp: time.Now(),
	})
}

// Fail completes every outstanding publish with err, in publish order
func (p *Publisher) Fail(err error) {
	tags := make([]uint64, 0, len(p.pending))
	for tag := range p.pending {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	for _, tag := range tags {
		onConfirm := p.pending[tag]
		delete(p.pending, tag)
		onConfirm(err)
	}
}

// Outstanding returns the number of publishes awaiting confirmation
func (p *Publisher) Outstanding() int {
	return len(p.pending)
}

// NewReturnError describes a message the broker handed back as unroutable
func NewReturnError(ret amqp.Return) *ReturnError {
	return &ReturnError{
		ReplyCode:  ret.ReplyCode,
		ReplyText:  ret.ReplyText,
		Exchange:   ret.Exchange,
		RoutingKey: ret.RoutingKey,
		MessageID:  ret.MessageId,
	}
}
