package node

import (
	"log/slog"
	"sync"
)

// ConnectionEvent is a connection-state change reported by a transport
type ConnectionEvent int

const (
	// EventError reports a connection-level failure. It is followed by
	// EventClosed.
	EventError ConnectionEvent = iota
	// EventClosed reports that the connection can no longer serve calls
	EventClosed
)

func (e ConnectionEvent) String() string {
	switch e {
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionListener receives connection-state events. Listeners are
// called one at a time, in the order events were reported, on a goroutine
// separate from the transport's event loop, so a listener may call back
// into the node, Close and IsConnected included. A slow listener delays
// the events after it.
type ConnectionListener interface {
	OnConnectionEvent(event ConnectionEvent, err error)
}

// ConnectionListenerFunc adapts a function to ConnectionListener
type ConnectionListenerFunc func(event ConnectionEvent, err error)

// OnConnectionEvent implements ConnectionListener
func (f ConnectionListenerFunc) OnConnectionEvent(event ConnectionEvent, err error) {
	f(event, err)
}

// listenerQueue runs listener calls in order. Its goroutine is started when
// calls are queued and exits once the queue is empty.
type listenerQueue struct {
	mu       sync.Mutex
	calls    []func()
	draining bool
	logger   *slog.Logger
}

func (q *listenerQueue) push(call func()) {
	q.mu.Lock()
	q.calls = append(q.calls, call)
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	go q.drain()
}

func (q *listenerQueue) drain() {
	for {
		q.mu.Lock()
		batch := q.calls
		q.calls = nil
		if len(batch) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		for _, call := range batch {
			q.run(call)
		}
	}
}

func (q *listenerQueue) run(call func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("connection listener panicked", "panic", r)
		}
	}()
	call()
}
