package node

import (
	"context"
	"encoding/json"
	"fmt"
)

// Missing stands in for a transport that is not compiled in or not known.
// Every operation fails with ErrUnsupportedTransport.
type Missing struct {
	id        string
	transport string
}

var _ Node = (*Missing)(nil)

// NewMissing returns a Missing node for the named transport
func NewMissing(id, transport string) *Missing {
	return &Missing{id: id, transport: transport}
}

func (m *Missing) err() error {
	return fmt.Errorf("%w: %q", ErrUnsupportedTransport, m.transport)
}

// NodeID returns the node's identifier
func (m *Missing) NodeID() string {
	return m.id
}

// Transport returns the name of the transport that is unavailable
func (m *Missing) Transport() string {
	return m.transport
}

// Listen fails with ErrUnsupportedTransport
func (m *Missing) Listen(ctx context.Context) error {
	return m.err()
}

// Invoke fails with ErrUnsupportedTransport
func (m *Missing) Invoke(ctx context.Context, routingKey, method string, args ...interface{}) (json.RawMessage, error) {
	return nil, m.err()
}

// Notify fails with ErrUnsupportedTransport
func (m *Missing) Notify(ctx context.Context, routingKey, method string, args ...interface{}) error {
	return m.err()
}

// AddConnectionListener does nothing; a Missing node never connects
func (m *Missing) AddConnectionListener(listener ConnectionListener) {}

// Close fails with ErrUnsupportedTransport
func (m *Missing) Close() error {
	return m.err()
}
