package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the broker's nameless direct exchange. Every queue is
// bound to it under its own name.
const DefaultExchange = ""

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// QueueName returns the name of the queue a node with the given id listens on
func QueueName(nodeID string) string {
	return nodeID + "-queue"
}

// NodeQueue returns the declaration for a node's queue. Node queues are
// non-durable and removed by the broker once their last consumer goes away.
func NodeQueue(nodeID string) QueueDeclaration {
	return QueueDeclaration{
		Name:       QueueName(nodeID),
		AutoDelete: true,
	}
}

// DeclareQueue declares decl on ch
func DeclareQueue(ch Channel, decl QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		decl.Name,
		decl.Durable,
		decl.AutoDelete,
		decl.Exclusive,
		false, // noWait
		decl.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{
			Component: "queue",
			Name:      decl.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return q, nil
}

// DeclareNodeQueue declares the queue for nodeID on ch
func DeclareNodeQueue(ch Channel, nodeID string) (amqp.Queue, error) {
	return DeclareQueue(ch, NodeQueue(nodeID))
}
