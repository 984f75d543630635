package rabbitmq

import (
	"github.com/glimte/rjr-go/internal/rabbitmq"
	"github.com/glimte/rjr-go/node"
	amqp "github.com/rabbitmq/amqp091-go"
)

// activateSubscription starts the bundle's single consumer on the node
// queue. It returns nil without doing anything once the bundle is
// listening. Runs on the reactor.
func (n *Node) activateSubscription(res *resources) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if res.listening {
		return nil
	}

	consumer, err := rabbitmq.Consume(res.ch, res.queue,
		func(d amqp.Delivery) {
			n.HandleMessage(d.Body, replyMetadata(d, res.queue))
		},
		rabbitmq.WithAutoAck(true),
		rabbitmq.WithConsumerLogger(n.logger),
	)
	if err != nil {
		n.logger.Error("failed to subscribe", "queue", res.queue, "error", err)
		return err
	}

	res.listening = true
	res.consumer = consumer
	n.logger.Info("listening", "queue", res.queue)
	return nil
}

// replyMetadata swaps the delivery's addressing: a reply goes to the
// sender's reply-to queue and names ownQueue as its own reply-to
func replyMetadata(d amqp.Delivery, ownQueue string) node.Metadata {
	var headers map[string]interface{}
	if len(d.Headers) > 0 {
		headers = make(map[string]interface{}, len(d.Headers))
		for k, v := range d.Headers {
			headers[k] = v
		}
	}

	return node.Metadata{
		RoutingKey: d.ReplyTo,
		ReplyTo:    ownQueue,
		Headers:    headers,
	}
}
