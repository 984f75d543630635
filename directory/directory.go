package directory

import (
	"context"
	"errors"
	"time"

	"github.com/glimte/rjr-go/internal/rabbitmq"
)

var (
	// ErrNotFound is returned when a node id has no entry
	ErrNotFound = errors.New("node not found")
	// ErrEmptyID is returned when registering a node without an id
	ErrEmptyID = errors.New("node id is required")
	// ErrClosed is returned by a directory after Close
	ErrClosed = errors.New("directory closed")
)

// Entry describes where a node can be reached
type Entry struct {
	NodeID     string    `json:"node_id"`
	Queue      string    `json:"queue"`
	Registered time.Time `json:"registered"`
}

// Directory maps node ids to the queues they listen on
type Directory interface {
	Register(ctx context.Context, id, queue string) error
	Resolve(ctx context.Context, id string) (string, error)
	Deregister(ctx context.Context, id string) error
	Close() error
}

// QueueFor returns the queue a node listens on by naming convention
func QueueFor(id string) string {
	return rabbitmq.QueueName(id)
}
