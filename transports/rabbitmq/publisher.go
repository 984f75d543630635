package rabbitmq

import (
	"context"
	"time"

	"github.com/glimte/rjr-go/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

const contentType = "application/json"

// publish sends payload to routingKey on the default exchange. onComplete,
// when non-nil, runs with the broker's verdict, or with the client error
// if the publish could not be written. Runs on the reactor.
func (n *Node) publish(res *resources, payload []byte, routingKey, replyTo string, onComplete func(error)) {
	n.mu.Lock()
	defer n.mu.Unlock()

	msg := amqp.Publishing{
		ContentType: contentType,
		MessageId:   contracts.NewMessageID(),
		Timestamp:   time.Now(),
		ReplyTo:     replyTo,
		Body:        payload,
	}

	if err := res.publisher.Publish(context.Background(), routingKey, msg, onComplete); err != nil {
		n.logger.Error("failed to publish", "routingKey", routingKey, "error", err)
		if onComplete != nil {
			onComplete(err)
		}
		return
	}

	n.logger.Debug("published", "routingKey", routingKey, "replyTo", replyTo, "messageId", msg.MessageId)
}
