package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/rjr-go/contracts"
)

// Handler serves one JSON-RPC method. The returned value becomes the
// response result; a returned error becomes the response error content.
type Handler interface {
	Handle(ctx context.Context, req *contracts.Request) (interface{}, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, req *contracts.Request) (interface{}, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, req *contracts.Request) (interface{}, error) {
	return f(ctx, req)
}

// Middleware wraps a handler with cross-cutting behaviour
type Middleware func(next HandlerFunc) HandlerFunc

// Dispatcher maps method names to handlers
type Dispatcher struct {
	handlers   map[string]Handler
	mu         sync.RWMutex
	logger     *slog.Logger
	middleware []Middleware
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMiddleware adds middleware to the dispatcher. The first middleware
// given is the outermost.
func WithMiddleware(middleware ...Middleware) DispatcherOption {
	return func(d *Dispatcher) {
		d.middleware = append(d.middleware, middleware...)
	}
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Register registers a handler for a method, replacing any previous one
func (d *Dispatcher) Register(method string, handler Handler) error {
	if method == "" {
		return fmt.Errorf("method cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[method]; exists {
		d.logger.Warn("replacing handler", "method", method)
	}
	d.handlers[method] = handler

	d.logger.Debug("registered handler", "method", method)
	return nil
}

// RegisterFunc registers a function as a handler
func (d *Dispatcher) RegisterFunc(method string, handler HandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	return d.Register(method, handler)
}

// Unregister removes the handler for a method
func (d *Dispatcher) Unregister(method string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[method]; !exists {
		return fmt.Errorf("no handler registered for method: %s", method)
	}
	delete(d.handlers, method)

	d.logger.Debug("unregistered handler", "method", method)
	return nil
}

// Handles reports whether a handler is registered for method
func (d *Dispatcher) Handles(method string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[method]
	return ok
}

// Methods returns the registered method names, sorted
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	methods := make([]string, 0, len(d.handlers))
	for method := range d.handlers {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}

// Dispatch runs the handler registered for req.Method through the
// middleware chain. Handler panics are returned as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, req *contracts.Request) (result interface{}, err error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}

	d.mu.RLock()
	handler, exists := d.handlers[req.Method]
	d.mu.RUnlock()

	if !exists {
		d.logger.Warn("no handler registered for method", "method", req.Method)
		return nil, contracts.NewRemoteError(contracts.CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method))
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("panic in handler for %s: %v", req.Method, r)
		}
	}()

	return d.buildMiddlewareChain(handler.Handle)(ctx, req)
}

// buildMiddlewareChain builds the middleware execution chain
func (d *Dispatcher) buildMiddlewareChain(handler HandlerFunc) HandlerFunc {
	result := handler
	for i := len(d.middleware) - 1; i >= 0; i-- {
		result = d.middleware[i](result)
	}
	return result
}
