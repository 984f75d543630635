package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/rjr-go/contracts"
)

// Call is a blocked caller's handle on one outstanding request
type Call struct {
	id     string
	done   chan struct{}
	once   sync.Once
	result *contracts.Result
	err    error
}

// ID returns the id of the request this call waits on
func (c *Call) ID() string {
	return c.id
}

// Done is closed once the call is resolved or failed
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call completes or ctx ends
func (c *Call) Wait(ctx context.Context) (*contracts.Result, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Call) complete(result *contracts.Result, err error) bool {
	completed := false
	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)
		completed = true
	})
	return completed
}

// PendingCalls maps outgoing request ids to the calls waiting on them
type PendingCalls struct {
	mu    sync.Mutex
	calls map[string]*Call
}

// NewPendingCalls creates an empty registry
func NewPendingCalls() *PendingCalls {
	return &PendingCalls{
		calls: make(map[string]*Call),
	}
}

// Register records interest in the response to id. Registration must
// happen before the request is published so an early reply is not lost.
func (p *PendingCalls) Register(id string) (*Call, error) {
	if id == "" {
		return nil, fmt.Errorf("call id cannot be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.calls[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCall, id)
	}
	call := &Call{id: id, done: make(chan struct{})}
	p.calls[id] = call
	return call, nil
}

// Resolve completes the call waiting on result.ID. It reports false when
// no such call is pending.
func (p *PendingCalls) Resolve(result *contracts.Result) bool {
	call := p.take(result.ID)
	if call == nil {
		return false
	}
	return call.complete(result, nil)
}

// Fail completes the call waiting on id with err
func (p *PendingCalls) Fail(id string, err error) bool {
	call := p.take(id)
	if call == nil {
		return false
	}
	return call.complete(nil, err)
}

// Remove forgets id without completing its call
func (p *PendingCalls) Remove(id string) {
	p.take(id)
}

// FailAll completes every pending call with err and returns how many
// there were
func (p *PendingCalls) FailAll(err error) int {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]*Call)
	p.mu.Unlock()

	for _, call := range calls {
		call.complete(nil, err)
	}
	return len(calls)
}

// Len returns the number of pending calls
func (p *PendingCalls) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *PendingCalls) take(id string) *Call {
	p.mu.Lock()
	defer p.mu.Unlock()

	call, ok := p.calls[id]
	if !ok {
		return nil
	}
	delete(p.calls, id)
	return call
}
