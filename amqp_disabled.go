//go:build rjr_noamqp

package rjr

import "github.com/glimte/rjr-go/node"

const amqpEnabled = false

type amqpConfig struct{}

func newAMQPNode(id, broker string, cfg *config) (node.Node, error) {
	cfg.logger.Warn("amqp transport not compiled in", "node", id)
	return node.NewMissing(id, TransportAMQP), nil
}
