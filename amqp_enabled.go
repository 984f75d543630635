//go:build !rjr_noamqp

package rjr

import (
	"github.com/glimte/rjr-go/internal/rabbitmq"
	"github.com/glimte/rjr-go/node"
	rabbitmqTransport "github.com/glimte/rjr-go/transports/rabbitmq"
)

const amqpEnabled = true

type amqpConfig struct {
	dial           rabbitmq.Dialer
	connectionName string
}

// WithDialer replaces the broker dialer of amqp nodes
func WithDialer(dial rabbitmq.Dialer) Option {
	return func(c *config) {
		c.amqp.dial = dial
	}
}

// WithConnectionName sets the client name amqp nodes report to the broker
func WithConnectionName(name string) Option {
	return func(c *config) {
		c.amqp.connectionName = name
	}
}

func newAMQPNode(id, broker string, cfg *config) (node.Node, error) {
	opts := []rabbitmqTransport.Option{
		rabbitmqTransport.WithLogger(cfg.logger),
		rabbitmqTransport.WithInvokeTimeout(cfg.invokeTimeout),
	}
	if cfg.dispatcher != nil {
		opts = append(opts, rabbitmqTransport.WithDispatcher(cfg.dispatcher))
	}
	if cfg.headers != nil {
		opts = append(opts, rabbitmqTransport.WithHeaders(cfg.headers))
	}
	if cfg.maxHandlers > 0 {
		opts = append(opts, rabbitmqTransport.WithMaxHandlers(cfg.maxHandlers))
	}
	if cfg.amqp.dial != nil {
		opts = append(opts, rabbitmqTransport.WithDialer(cfg.amqp.dial))
	}
	if cfg.dialTimeout > 0 {
		opts = append(opts, rabbitmqTransport.WithDialTimeout(cfg.dialTimeout))
	}
	if cfg.amqp.connectionName != "" {
		opts = append(opts, rabbitmqTransport.WithConnectionName(cfg.amqp.connectionName))
	}

	n, err := rabbitmqTransport.New(id, broker, opts...)
	if err != nil {
		return nil, err
	}
	return n, nil
}
