package rabbitmq

import (
	"fmt"
	"time"

	"github.com/glimte/rjr-go/internal/rabbitmq"
	"github.com/glimte/rjr-go/node"
	amqp "github.com/rabbitmq/amqp091-go"
)

const notifyBuffer = 64

// resources is the broker-side state of one connection. A new bundle
// replaces the old one when the node reconnects; events still arriving for
// an old bundle are ignored.
type resources struct {
	conn      rabbitmq.Connection
	ch        rabbitmq.Channel
	queue     string
	exchange  string
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	listening bool
}

func (r *resources) usable() bool {
	return !r.conn.IsClosed() && !r.ch.IsClosed()
}

// ensureReady calls onReady with a connected resource bundle, dialing the
// broker first if there is none. If the broker cannot be reached the
// failure is reported as connection events and onFail is called instead.
// A closed node never dials again. Runs on the reactor.
func (n *Node) ensureReady(onReady func(res *resources), onFail func(error)) {
	if n.res != nil && n.res.usable() {
		onReady(n.res)
		return
	}
	select {
	case <-n.closed:
		onFail(node.ErrNodeClosed)
		return
	default:
	}
	if res := n.res; res != nil {
		if res.conn.IsClosed() {
			n.lose(res, &rabbitmq.ConnectionError{
				Op:        "connection",
				URL:       rabbitmq.SanitizeURL(rabbitmq.BrokerURL(n.url)),
				Err:       rabbitmq.ErrConnectionClosed,
				Timestamp: time.Now(),
			})
		} else {
			n.loseChannel(res, rabbitmq.ErrChannelClosed)
		}
	}

	res, err := n.connect()
	if err != nil {
		n.logger.Error("failed to connect to broker",
			"url", rabbitmq.SanitizeURL(rabbitmq.BrokerURL(n.url)),
			"error", err,
		)
		onFail(n.connectionFailed(nil, err))
		return
	}

	n.res = res
	n.logger.Info("connected to broker", "queue", res.queue)
	onReady(res)
}

// connect dials the broker, opens a confirm-mode channel, declares the
// node queue and starts the observers for the new bundle
func (n *Node) connect() (*resources, error) {
	conn, err := n.dial(n.url)
	if err != nil {
		return nil, err
	}

	res, err := n.open(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return res, nil
}

func (n *Node) open(conn rabbitmq.Connection) (*resources, error) {
	closes := conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		return nil, &rabbitmq.ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}

	chCloses := ch.NotifyClose(make(chan *amqp.Error, 1))
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, notifyBuffer))
	returns := ch.NotifyReturn(make(chan amqp.Return, notifyBuffer))

	publisher, err := rabbitmq.NewPublisher(ch, rabbitmq.WithMandatory(true))
	if err != nil {
		return nil, err
	}

	q, err := rabbitmq.DeclareNodeQueue(ch, n.NodeID())
	if err != nil {
		return nil, err
	}

	res := &resources{
		conn:      conn,
		ch:        ch,
		queue:     q.Name,
		exchange:  rabbitmq.DefaultExchange,
		publisher: publisher,
	}

	go n.watchClose(res, closes)
	go n.watchChannel(res, chCloses)
	go n.pumpPublishEvents(res, confirms, returns)

	return res, nil
}

// watchClose reports a connection the broker or network closed. A
// graceful close closes the channel without an error and is not reported.
func (n *Node) watchClose(res *resources, closes <-chan *amqp.Error) {
	amqpErr, ok := <-closes
	if !ok || amqpErr == nil {
		return
	}

	_ = n.reactor.Schedule(func() {
		if n.res != res {
			return
		}
		n.logger.Error("broker connection lost",
			"code", amqpErr.Code,
			"reason", amqpErr.Reason,
		)
		n.lose(res, &rabbitmq.ConnectionError{
			Op:        "connection",
			URL:       rabbitmq.SanitizeURL(rabbitmq.BrokerURL(n.url)),
			Err:       amqpErr,
			Timestamp: time.Now(),
		})
	})
}

// watchChannel reports a channel that closed while its bundle was still in
// use, such as after a channel exception with the connection left open.
// Closing the bundle on purpose detaches it first, so that is not reported.
func (n *Node) watchChannel(res *resources, closes <-chan *amqp.Error) {
	amqpErr := <-closes

	_ = n.reactor.Schedule(func() {
		if n.res != res {
			return
		}
		var cause error = rabbitmq.ErrChannelClosed
		if amqpErr != nil {
			cause = amqpErr
			n.logger.Error("broker channel closed",
				"code", amqpErr.Code,
				"reason", amqpErr.Reason,
			)
		} else {
			n.logger.Error("broker channel closed")
		}
		n.loseChannel(res, cause)
	})
}

// loseChannel drops a bundle whose channel is gone and closes its
// connection, so the next call opens a fresh one. Runs on the reactor.
func (n *Node) loseChannel(res *resources, cause error) {
	n.lose(res, &rabbitmq.ChannelError{Op: "channel", Err: cause, Timestamp: time.Now()})
	if res.conn.IsClosed() {
		return
	}
	if err := res.conn.Close(); err != nil {
		n.logger.Debug("failed to close connection", "error", err)
	}
}

// pumpPublishEvents moves publisher confirms and returns onto the reactor.
// The broker sends a message's return before its confirm, so returns
// already buffered are forwarded before each confirm.
func (n *Node) pumpPublishEvents(res *resources, confirms <-chan amqp.Confirmation, returns <-chan amqp.Return) {
	for confirms != nil || returns != nil {
		select {
		case ret, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			n.forwardReturn(res, ret)

		case confirm, ok := <-confirms:
			if !ok {
				confirms = nil
				continue
			}
			returns = n.drainReturns(res, returns)
			_ = n.reactor.Schedule(func() {
				if n.res != res {
					return
				}
				res.publisher.Confirm(confirm)
			})
		}
	}
}

func (n *Node) drainReturns(res *resources, returns <-chan amqp.Return) <-chan amqp.Return {
	for returns != nil {
		select {
		case ret, ok := <-returns:
			if !ok {
				return nil
			}
			n.forwardReturn(res, ret)
		default:
			return returns
		}
	}
	return nil
}

// forwardReturn reports an unroutable publish. A return is a
// connection-level failure: every call waiting on this node fails.
func (n *Node) forwardReturn(res *resources, ret amqp.Return) {
	retErr := rabbitmq.NewReturnError(ret)
	_ = n.reactor.Schedule(func() {
		if n.res != res {
			return
		}
		n.logger.Warn("message returned by broker",
			"routingKey", retErr.RoutingKey,
			"replyCode", retErr.ReplyCode,
			"replyText", retErr.ReplyText,
		)
		n.connectionFailed(res, retErr)
	})
}

// lose drops a bundle whose connection is gone and reports it. Runs on the
// reactor.
func (n *Node) lose(res *resources, cause error) {
	if n.res == res {
		n.res = nil
	}
	n.connectionFailed(res, cause)
}

// connectionFailed emits error then closed, which fails every pending
// invoke, and fails the publishes still awaiting a confirm. It returns the
// error those calls saw. Runs on the reactor.
func (n *Node) connectionFailed(res *resources, cause error) error {
	n.ConnectionEvent(node.EventError, cause)
	n.ConnectionEvent(node.EventClosed, cause)

	closedErr := fmt.Errorf("%w: %w", node.ErrConnectionClosed, cause)
	if res != nil {
		res.publisher.Fail(closedErr)
	}
	return closedErr
}

// teardown closes the current bundle. Runs on the reactor.
func (n *Node) teardown(cause error) error {
	res := n.res
	if res == nil {
		return nil
	}
	n.res = nil

	res.publisher.Fail(cause)
	if res.consumer != nil {
		if err := res.consumer.Cancel(); err != nil {
			n.logger.Debug("failed to cancel consumer", "error", err)
		}
	}
	if err := res.conn.Close(); err != nil {
		return &rabbitmq.ConnectionError{
			Op:        "close",
			URL:       rabbitmq.SanitizeURL(rabbitmq.BrokerURL(n.url)),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
