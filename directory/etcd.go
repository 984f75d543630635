package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// KeyPrefix is the etcd prefix under which nodes are registered
	KeyPrefix = "/rjr/nodes/"

	defaultTTL         = 10 * time.Second
	defaultDialTimeout = 5 * time.Second
)

// EtcdClient is the subset of *clientv3.Client the directory uses
type EtcdClient interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Close() error
}

// Etcd keeps node entries in etcd under a lease per node. The lease is
// renewed while the registering process runs, so entries of crashed nodes
// expire on their own.
type Etcd struct {
	client EtcdClient
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	leases map[string]registration
	closed bool
}

type registration struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

var _ Directory = (*Etcd)(nil)

// EtcdOption configures the Etcd directory
type EtcdOption func(*Etcd)

// WithTTL sets the lease TTL of registered entries
func WithTTL(ttl time.Duration) EtcdOption {
	return func(e *Etcd) {
		if ttl >= time.Second {
			e.ttl = ttl
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) EtcdOption {
	return func(e *Etcd) {
		e.logger = logger
	}
}

// DialEtcd connects to the etcd cluster at endpoints
func DialEtcd(endpoints []string, options ...EtcdOption) (*Etcd, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: defaultDialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return NewEtcd(client, options...), nil
}

// NewEtcd returns a directory backed by client. Close closes the client.
func NewEtcd(client EtcdClient, options ...EtcdOption) *Etcd {
	e := &Etcd{
		client: client,
		ttl:    defaultTTL,
		logger: slog.Default(),
		leases: make(map[string]registration),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Key returns the etcd key of a node
func Key(id string) string {
	return KeyPrefix + id
}

// Register stores id → queue under a fresh lease and keeps the lease alive
// until Deregister or Close. Registering an id again replaces its entry.
func (e *Etcd) Register(ctx context.Context, id, queue string) error {
	if id == "" {
		return ErrEmptyID
	}

	val, err := json.Marshal(Entry{NodeID: id, Queue: queue, Registered: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	lease, err := e.client.Grant(ctx, int64(e.ttl/time.Second))
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	if _, err := e.client.Put(ctx, Key(id), string(val), clientv3.WithLease(lease.ID)); err != nil {
		e.revokeUnused(ctx, id, lease.ID)
		return fmt.Errorf("failed to register %s: %w", id, err)
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	keepAlive, err := e.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		e.revokeUnused(ctx, id, lease.ID)
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}
	go func() {
		for range keepAlive {
		}
		e.logger.Debug("lease keep-alive stopped", "node", id)
	}()

	if old, ok := e.leases[id]; ok {
		e.release(ctx, old)
	}
	e.leases[id] = registration{lease: lease.ID, cancel: cancel}
	e.logger.Info("node registered", "node", id, "queue", queue)
	return nil
}

// Resolve returns the queue id is registered under
func (e *Etcd) Resolve(ctx context.Context, id string) (string, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	resp, err := e.client.Get(ctx, Key(id))
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var entry Entry
	if err := json.Unmarshal(resp.Kvs[0].Value, &entry); err != nil {
		return "", fmt.Errorf("malformed entry for %s: %w", id, err)
	}
	return entry.Queue, nil
}

// Deregister revokes the lease of id, which removes its entry
func (e *Etcd) Deregister(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	reg, ok := e.leases[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(e.leases, id)
	return e.release(ctx, reg)
}

// Close revokes every lease this directory holds and closes the client
func (e *Etcd) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()
	for id, reg := range e.leases {
		if err := e.release(ctx, reg); err != nil {
			e.logger.Warn("failed to revoke lease", "node", id, "error", err)
		}
	}
	e.leases = nil
	return e.client.Close()
}

// revokeUnused revokes a lease a failed Register granted. ctx may already
// be done, so the revoke gets a deadline of its own.
func (e *Etcd) revokeUnused(ctx context.Context, id string, lease clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultDialTimeout)
	defer cancel()
	if _, err := e.client.Revoke(ctx, lease); err != nil {
		e.logger.Warn("failed to revoke unused lease", "node", id, "error", err)
	}
}

func (e *Etcd) release(ctx context.Context, reg registration) error {
	reg.cancel()
	if _, err := e.client.Revoke(ctx, reg.lease); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}
