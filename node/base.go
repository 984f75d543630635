package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/rjr-go/contracts"
	"github.com/glimte/rjr-go/messaging"
)

const defaultMaxHandlers = 64

// Metadata is the addressing a transport attaches to an inbound message.
// RoutingKey and ReplyTo are already swapped, so a response published with
// them goes back to the sender.
type Metadata struct {
	RoutingKey string
	ReplyTo    string
	Headers    map[string]interface{}
}

// Sender publishes outgoing payloads for the base node. onPublish, when
// non-nil, runs once the transport knows the publish outcome.
type Sender interface {
	SendMsg(payload []byte, meta Metadata, onPublish func(error))
}

// Node is implemented by every transport node
type Node interface {
	NodeID() string
	Listen(ctx context.Context) error
	Invoke(ctx context.Context, routingKey, method string, args ...interface{}) (json.RawMessage, error)
	Notify(ctx context.Context, routingKey, method string, args ...interface{}) error
	AddConnectionListener(listener ConnectionListener)
	Close() error
}

// Base holds what every transport node shares: identity, message headers,
// the pending-call registry, the dispatcher for inbound requests, and
// connection listeners
type Base struct {
	id         string
	sender     Sender
	dispatcher *messaging.Dispatcher
	pending    *PendingCalls
	logger     *slog.Logger

	headersMu sync.RWMutex
	headers   map[string]interface{}

	handlerCtx    context.Context
	cancelHandler context.CancelFunc
	handlerSlots  chan struct{}
	handlers      sync.WaitGroup
	maxHandlers   int
	stateMu       sync.Mutex
	shutdown      bool

	listenersMu sync.RWMutex
	listeners   []ConnectionListener
	lastErr     error
	notify      listenerQueue
}

// Option configures a Base
type Option func(*Base)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Base) {
		b.logger = logger
	}
}

// WithDispatcher sets the dispatcher serving inbound requests
func WithDispatcher(dispatcher *messaging.Dispatcher) Option {
	return func(b *Base) {
		b.dispatcher = dispatcher
	}
}

// WithHeaders sets headers sent with every outgoing message
func WithHeaders(headers map[string]interface{}) Option {
	return func(b *Base) {
		for k, v := range headers {
			b.headers[k] = v
		}
	}
}

// WithMaxHandlers bounds the number of inbound requests handled at once
func WithMaxHandlers(n int) Option {
	return func(b *Base) {
		b.maxHandlers = n
	}
}

// NewBase creates the shared node state for a transport. sender is the
// transport itself.
func NewBase(id string, sender Sender, options ...Option) (*Base, error) {
	if id == "" {
		return nil, ErrEmptyNodeID
	}
	if sender == nil {
		return nil, fmt.Errorf("node %s: sender cannot be nil", id)
	}

	b := &Base{
		id:          id,
		sender:      sender,
		pending:     NewPendingCalls(),
		logger:      slog.Default(),
		headers:     make(map[string]interface{}),
		maxHandlers: defaultMaxHandlers,
	}
	for _, opt := range options {
		opt(b)
	}

	b.logger = b.logger.With("node", id)
	b.notify.logger = b.logger
	if b.dispatcher == nil {
		b.dispatcher = messaging.NewDispatcher(messaging.WithDispatcherLogger(b.logger))
	}
	if b.maxHandlers < 1 {
		b.maxHandlers = 1
	}
	b.handlerSlots = make(chan struct{}, b.maxHandlers)
	b.handlerCtx, b.cancelHandler = context.WithCancel(context.Background())

	return b, nil
}

// NodeID returns the node's identifier
func (b *Base) NodeID() string {
	return b.id
}

// Logger returns the node's logger
func (b *Base) Logger() *slog.Logger {
	return b.logger
}

// Dispatcher returns the dispatcher serving inbound requests
func (b *Base) Dispatcher() *messaging.Dispatcher {
	return b.dispatcher
}

// Pending returns the pending-call registry
func (b *Base) Pending() *PendingCalls {
	return b.pending
}

// PendingCount returns the number of calls awaiting a response
func (b *Base) PendingCount() int {
	return b.pending.Len()
}

// SetHeader sets a header sent with every subsequent outgoing message
func (b *Base) SetHeader(key string, value interface{}) {
	b.headersMu.Lock()
	defer b.headersMu.Unlock()
	b.headers[key] = value
}

// Headers returns a copy of the current outgoing headers
func (b *Base) Headers() map[string]interface{} {
	b.headersMu.RLock()
	defer b.headersMu.RUnlock()

	headers := make(map[string]interface{}, len(b.headers))
	for k, v := range b.headers {
		headers[k] = v
	}
	return headers
}

// AddConnectionListener registers a listener for connection-state events
func (b *Base) AddConnectionListener(listener ConnectionListener) {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	b.listeners = append(b.listeners, listener)
}

// ConnectionEvent records a connection-state change. EventClosed fails
// every pending call before it returns. Listeners are notified afterwards,
// off the caller's goroutine, in the order events are reported.
func (b *Base) ConnectionEvent(event ConnectionEvent, err error) {
	b.listenersMu.Lock()
	switch event {
	case EventError:
		b.lastErr = err
	case EventClosed:
		if err == nil {
			err = b.lastErr
		}
		b.lastErr = nil
	}
	listeners := append([]ConnectionListener(nil), b.listeners...)
	b.listenersMu.Unlock()

	switch event {
	case EventError:
		b.logger.Error("connection error", "error", err)
	case EventClosed:
		cause := ErrConnectionClosed
		if err != nil {
			cause = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}
		if n := b.pending.FailAll(cause); n > 0 {
			b.logger.Warn("failed pending calls", "count", n, "error", cause)
		}
		b.logger.Info("connection closed")
	}

	b.notify.push(func() {
		for _, listener := range listeners {
			listener.OnConnectionEvent(event, err)
		}
	})
}

// HandleMessage processes one inbound payload. Responses resolve the
// matching pending call; requests and notifications are dispatched on their
// own goroutine, and requests are answered through the Sender using meta.
func (b *Base) HandleMessage(payload []byte, meta Metadata) {
	msg, err := contracts.Parse(payload)
	if err != nil {
		b.logger.Warn("dropping unparseable message", "error", err, "replyTo", meta.RoutingKey)
		return
	}

	switch m := msg.(type) {
	case *contracts.Response:
		if !b.pending.Resolve(m.AsResult()) {
			b.logger.Debug("dropping response with no pending call", "id", m.ID)
		}
	case *contracts.Request:
		b.handle(m, meta)
	case *contracts.Notification:
		b.handle(m.AsRequest(), meta)
	}
}

// handle runs req on its own goroutine once a handler slot is free. The
// delivery path never waits for a slot, so responses keep resolving while
// every handler is busy.
func (b *Base) handle(req *contracts.Request, meta Metadata) {
	b.stateMu.Lock()
	if b.shutdown {
		b.stateMu.Unlock()
		b.logger.Debug("dropping request after shutdown", "method", req.Method)
		return
	}
	b.handlers.Add(1)
	b.stateMu.Unlock()

	go func() {
		defer b.handlers.Done()

		select {
		case b.handlerSlots <- struct{}{}:
		case <-b.handlerCtx.Done():
			return
		}
		defer func() { <-b.handlerSlots }()

		b.serve(req, meta)
	}()
}

func (b *Base) serve(req *contracts.Request, meta Metadata) {
	ctx := messaging.WithHeaders(b.handlerCtx, req.Headers)
	result, err := b.dispatcher.Dispatch(ctx, req)

	if req.IsNotification() {
		if err != nil {
			b.logger.Warn("notification handler failed", "method", req.Method, "error", err)
		}
		return
	}

	if meta.RoutingKey == "" {
		b.logger.Warn("request has no reply-to, dropping response", "method", req.Method, "id", req.ID)
		return
	}

	resp, rErr := contracts.NewResponse(req.ID, result, err, b.Headers())
	if rErr != nil {
		resp, _ = contracts.NewResponse(req.ID, nil, rErr, b.Headers())
	}
	payload, mErr := resp.Marshal()
	if mErr != nil {
		b.logger.Error("failed to marshal response", "method", req.Method, "id", req.ID, "error", mErr)
		return
	}

	b.sender.SendMsg(payload, meta, func(err error) {
		if err != nil {
			b.logger.Warn("failed to publish response", "method", req.Method, "id", req.ID, "error", err)
		}
	})
}

// Shutdown stops accepting inbound requests, waits for running handlers or
// ctx, and fails every pending call with ErrNodeClosed
func (b *Base) Shutdown(ctx context.Context) error {
	b.stateMu.Lock()
	b.shutdown = true
	b.stateMu.Unlock()
	b.cancelHandler()

	finished := make(chan struct{})
	go func() {
		b.handlers.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		err = ctx.Err()
	}

	b.pending.FailAll(ErrNodeClosed)
	return err
}
