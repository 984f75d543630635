// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rjr creates JSON-RPC nodes by transport name.
//
// Transports compiled out of the binary, or not known at all, yield a node
// whose every operation fails with node.ErrUnsupportedTransport, so callers
// can probe for a capability without a build-time dependency on it.
package rjr

import (
	"log/slog"
	"time"

	"github.com/glimte/rjr-go/messaging"
	"github.com/glimte/rjr-go/node"
)

// TransportAMQP names the RabbitMQ transport
const TransportAMQP = "amqp"

// Option configures a node created by NewNode
type Option func(*config)

type config struct {
	logger        *slog.Logger
	dispatcher    *messaging.Dispatcher
	invokeTimeout time.Duration
	headers       map[string]interface{}
	maxHandlers   int
	dialTimeout   time.Duration
	amqp          amqpConfig
}

// WithLogger sets the node logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithDispatcher sets the dispatcher serving inbound requests
func WithDispatcher(dispatcher *messaging.Dispatcher) Option {
	return func(c *config) {
		c.dispatcher = dispatcher
	}
}

// WithInvokeTimeout bounds every Invoke in addition to its context
func WithInvokeTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.invokeTimeout = timeout
	}
}

// WithHeaders sets headers attached to every outgoing message
func WithHeaders(headers map[string]interface{}) Option {
	return func(c *config) {
		c.headers = headers
	}
}

// WithMaxHandlers limits how many inbound requests are served at once
func WithMaxHandlers(limit int) Option {
	return func(c *config) {
		c.maxHandlers = limit
	}
}

// WithDialTimeout bounds how long a node waits to connect to its broker
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.dialTimeout = timeout
	}
}

// NewNode creates a node with the given id on the named transport. broker
// is the transport's address; for amqp it is a host, host:port or a full
// amqp:// URL.
func NewNode(transport, id, broker string, options ...Option) (node.Node, error) {
	cfg := &config{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	switch transport {
	case TransportAMQP:
		return newAMQPNode(id, broker, cfg)
	default:
		cfg.logger.Warn("unknown transport", "transport", transport, "node", id)
		return node.NewMissing(id, transport), nil
	}
}

// Supports reports whether the named transport is compiled in
func Supports(transport string) bool {
	switch transport {
	case TransportAMQP:
		return amqpEnabled
	default:
		return false
	}
}
