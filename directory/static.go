package directory

import (
	"context"
	"sync"
)

// Static resolves node ids from an in-memory table, falling back to the
// "<id>-queue" naming convention for ids it has never seen
type Static struct {
	mu      sync.RWMutex
	entries map[string]string
	closed  bool
}

var _ Directory = (*Static)(nil)

// NewStatic returns a Static directory seeded with id → queue entries
func NewStatic(entries map[string]string) *Static {
	s := &Static{entries: make(map[string]string, len(entries))}
	for id, queue := range entries {
		s.entries[id] = queue
	}
	return s
}

func (s *Static) Register(ctx context.Context, id, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries[id] = queue
	return nil
}

func (s *Static) Resolve(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrClosed
	}
	if queue, ok := s.entries[id]; ok {
		return queue, nil
	}
	if id == "" {
		return "", ErrNotFound
	}
	return QueueFor(id), nil
}

func (s *Static) Deregister(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.entries, id)
	return nil
}

func (s *Static) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
