package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/rjr-go/contracts"
	"github.com/glimte/rjr-go/internal/rabbitmq"
	"github.com/glimte/rjr-go/internal/reactor"
	"github.com/glimte/rjr-go/messaging"
	"github.com/glimte/rjr-go/node"
)

// Node is an RPC node that talks to its peers through a RabbitMQ broker.
// It listens on the queue "<id>-queue" and addresses peers by their queue
// name.
//
// All broker operations run on the node's reactor goroutine. Invoke,
// Notify, and Listen block the calling goroutine only.
type Node struct {
	*node.Base

	url           string
	dial          rabbitmq.Dialer
	dialOptions   []rabbitmq.DialOption
	invokeTimeout time.Duration
	logger        *slog.Logger
	baseOptions   []node.Option
	reactor       *reactor.Reactor

	// mu guards the listening flag and the publish path
	mu sync.Mutex

	// res is only touched on the reactor
	res *resources

	closeOnce sync.Once
	closed    chan struct{}
}

var _ node.Node = (*Node)(nil)

// Option configures the Node
type Option func(*Node)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		n.logger = logger
	}
}

// WithDialer replaces the amqp091-go dialer
func WithDialer(dial rabbitmq.Dialer) Option {
	return func(n *Node) {
		n.dial = dial
	}
}

// WithConnectionName sets the connection name shown by the broker
func WithConnectionName(name string) Option {
	return func(n *Node) {
		n.dialOptions = append(n.dialOptions, rabbitmq.WithConnectionName(name))
	}
}

// WithHeartbeat sets the broker heartbeat interval
func WithHeartbeat(interval time.Duration) Option {
	return func(n *Node) {
		n.dialOptions = append(n.dialOptions, rabbitmq.WithHeartbeat(interval))
	}
}

// WithDialTimeout bounds the broker connect and handshake. Other work on
// the node waits while it dials.
func WithDialTimeout(timeout time.Duration) Option {
	return func(n *Node) {
		n.dialOptions = append(n.dialOptions, rabbitmq.WithDialTimeout(timeout))
	}
}

// WithInvokeTimeout bounds how long Invoke waits for a response. Zero, the
// default, waits until the response arrives, the connection fails, or the
// caller's context ends.
func WithInvokeTimeout(timeout time.Duration) Option {
	return func(n *Node) {
		n.invokeTimeout = timeout
	}
}

// WithDispatcher sets the dispatcher serving inbound requests
func WithDispatcher(dispatcher *messaging.Dispatcher) Option {
	return func(n *Node) {
		n.baseOptions = append(n.baseOptions, node.WithDispatcher(dispatcher))
	}
}

// WithHeaders sets headers sent with every outgoing message
func WithHeaders(headers map[string]interface{}) Option {
	return func(n *Node) {
		n.baseOptions = append(n.baseOptions, node.WithHeaders(headers))
	}
}

// WithMaxHandlers bounds the number of inbound requests handled at once
func WithMaxHandlers(limit int) Option {
	return func(n *Node) {
		n.baseOptions = append(n.baseOptions, node.WithMaxHandlers(limit))
	}
}

// New creates a node with the given id connecting to broker, a host name or
// an amqp:// URL. Nothing is dialed until the first Listen, Invoke, or
// Notify.
func New(id, broker string, options ...Option) (*Node, error) {
	if broker == "" {
		return nil, fmt.Errorf("%w: broker address is required", rabbitmq.ErrInvalidConfiguration)
	}

	n := &Node{
		url:    broker,
		logger: slog.Default(),
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(n)
	}
	if n.dial == nil {
		n.dial = rabbitmq.NewDialer(n.dialOptions...)
	}

	base, err := node.NewBase(id, n, append([]node.Option{node.WithLogger(n.logger)}, n.baseOptions...)...)
	if err != nil {
		return nil, err
	}
	n.Base = base
	n.logger = base.Logger()
	n.reactor = reactor.New(reactor.WithLogger(n.logger), reactor.WithName(id))

	return n, nil
}

// QueueName returns the queue this node listens on
func (n *Node) QueueName() string {
	return rabbitmq.QueueName(n.NodeID())
}

// Listen connects if needed and starts consuming from the node's queue.
// Calling it again is a no-op.
func (n *Node) Listen(ctx context.Context) error {
	done := newCompletion()
	if err := n.schedule(func() {
		n.ensureReady(func(res *resources) {
			done.complete(n.activateSubscription(res))
		}, done.complete)
	}); err != nil {
		return err
	}

	return done.wait(ctx)
}

// Invoke calls method on the node listening on routingKey and waits for
// its response. A remote failure is returned as *contracts.RemoteError.
// A failure after the broker confirmed the request also matches
// node.ErrRequestDelivered.
func (n *Node) Invoke(ctx context.Context, routingKey, method string, args ...interface{}) (json.RawMessage, error) {
	req, err := contracts.NewRequest(method, args, n.Headers())
	if err != nil {
		return nil, err
	}
	payload, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	call, err := n.Pending().Register(req.ID)
	if err != nil {
		return nil, err
	}

	var delivered atomic.Bool

	if err := n.schedule(func() {
		n.ensureReady(func(res *resources) {
			if err := n.activateSubscription(res); err != nil {
				n.Pending().Fail(req.ID, err)
				return
			}
			n.publish(res, payload, routingKey, res.queue, func(err error) {
				if err != nil {
					n.Pending().Fail(req.ID, err)
					return
				}
				// a returned request is failed before its confirm arrives
				select {
				case <-call.Done():
				default:
					delivered.Store(true)
				}
			})
		}, func(err error) {
			n.Pending().Fail(req.ID, err)
		})
	}); err != nil {
		n.Pending().Remove(req.ID)
		return nil, err
	}

	if n.invokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.invokeTimeout)
		defer cancel()
	}

	result, err := call.Wait(ctx)
	if err != nil {
		n.Pending().Remove(req.ID)
		if delivered.Load() {
			return nil, fmt.Errorf("invoke %s on %s: %w: %w", method, routingKey, node.ErrRequestDelivered, err)
		}
		return nil, fmt.Errorf("invoke %s on %s: %w", method, routingKey, err)
	}
	if result.Err != nil {
		return nil, result.Err
	}
	return result.Value, nil
}

// InvokeAs calls Invoke and decodes the result into T
func InvokeAs[T any](ctx context.Context, n *Node, routingKey, method string, args ...interface{}) (T, error) {
	var value T
	raw, err := n.Invoke(ctx, routingKey, method, args...)
	if err != nil {
		return value, err
	}
	if len(raw) == 0 {
		return value, nil
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, fmt.Errorf("failed to decode result of %s: %w", method, err)
	}
	return value, nil
}

// Notify sends a notification to the node listening on routingKey and
// returns once the broker has accepted it. No response is awaited.
func (n *Node) Notify(ctx context.Context, routingKey, method string, args ...interface{}) error {
	msg, err := contracts.NewNotification(method, args, n.Headers())
	if err != nil {
		return err
	}
	payload, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	done := newCompletion()
	if err := n.schedule(func() {
		n.ensureReady(func(res *resources) {
			n.publish(res, payload, routingKey, res.queue, done.complete)
		}, done.complete)
	}); err != nil {
		return err
	}

	if err := done.wait(ctx); err != nil {
		return fmt.Errorf("notify %s on %s: %w", method, routingKey, err)
	}
	return nil
}

// SendMsg publishes payload using meta's addressing. The base node uses
// it to answer requests.
func (n *Node) SendMsg(payload []byte, meta node.Metadata, onPublish func(error)) {
	err := n.schedule(func() {
		n.ensureReady(func(res *resources) {
			replyTo := meta.ReplyTo
			if replyTo == "" {
				replyTo = res.queue
			}
			n.publish(res, payload, meta.RoutingKey, replyTo, onPublish)
		}, func(err error) {
			if onPublish != nil {
				onPublish(err)
			}
		})
	})
	if err != nil && onPublish != nil {
		onPublish(err)
	}
}

// IsConnected reports whether the node holds an open broker connection
func (n *Node) IsConnected() bool {
	connected := false
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = n.reactor.Do(ctx, func() {
		connected = n.res != nil && n.res.usable()
	})
	return connected
}

// Close stops the node: running handlers finish and send their responses,
// pending calls fail with node.ErrNodeClosed, and the broker connection is
// closed.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if shutdownErr := n.Shutdown(ctx); shutdownErr != nil {
			n.logger.Warn("handlers still running at close", "error", shutdownErr)
		}

		close(n.closed)
		_ = n.reactor.Schedule(func() {
			err = n.teardown(node.ErrNodeClosed)
			n.Pending().FailAll(node.ErrNodeClosed)
		})
		n.reactor.Stop()

		n.logger.Info("node closed")
	})
	return err
}

// schedule runs task on the reactor
func (n *Node) schedule(task func()) error {
	select {
	case <-n.closed:
		return node.ErrNodeClosed
	default:
	}
	if err := n.reactor.Schedule(task); err != nil {
		return node.ErrNodeClosed
	}
	return nil
}

// completion is a one-shot signal private to one Notify or Listen call
type completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

func (c *completion) complete(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *completion) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
