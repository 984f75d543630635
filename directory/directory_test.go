package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// fakeEtcd keeps keys in memory. A put is attached to the most recently
// granted lease, which is how Register uses it.
type fakeEtcd struct {
	mu        sync.Mutex
	nextLease clientv3.LeaseID
	keys      map[string]fakeKey
	keepAlive map[clientv3.LeaseID]chan *clientv3.LeaseKeepAliveResponse
	revoked   []clientv3.LeaseID
	ttls      []int64
	closed    bool
	getErr    error
	putErr    error
}

type fakeKey struct {
	val   string
	lease clientv3.LeaseID
}

func newFakeEtcd() *fakeEtcd {
	return &fakeEtcd{
		keys:      make(map[string]fakeKey),
		keepAlive: make(map[clientv3.LeaseID]chan *clientv3.LeaseKeepAliveResponse),
	}
}

func (f *fakeEtcd) Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextLease++
	f.ttls = append(f.ttls, ttl)
	return &clientv3.LeaseGrantResponse{ID: f.nextLease, TTL: ttl}, nil
}

func (f *fakeEtcd) KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan *clientv3.LeaseKeepAliveResponse)
	f.keepAlive[id] = ch
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeEtcd) Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, id)
	for key, k := range f.keys {
		if k.lease == id {
			delete(f.keys, key)
		}
	}
	return &clientv3.LeaseRevokeResponse{}, nil
}

func (f *fakeEtcd) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.keys[key] = fakeKey{val: val, lease: f.nextLease}
	return &clientv3.PutResponse{}, nil
}

func (f *fakeEtcd) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	resp := &clientv3.GetResponse{}
	if k, ok := f.keys[key]; ok {
		resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(key), Value: []byte(k.val), Lease: int64(k.lease)})
	}
	return resp, nil
}

func (f *fakeEtcd) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEtcd) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.keys[key]
	return ok
}

func TestStatic(t *testing.T) {
	ctx := context.Background()

	t.Run("falls back to the queue naming convention", func(t *testing.T) {
		d := NewStatic(nil)
		queue, err := d.Resolve(ctx, "server")
		require.NoError(t, err)
		assert.Equal(t, "server-queue", queue)
	})

	t.Run("seeded and registered entries win", func(t *testing.T) {
		d := NewStatic(map[string]string{"server": "legacy-rpc"})
		require.NoError(t, d.Register(ctx, "billing", "billing-v2-queue"))

		queue, err := d.Resolve(ctx, "server")
		require.NoError(t, err)
		assert.Equal(t, "legacy-rpc", queue)

		queue, err = d.Resolve(ctx, "billing")
		require.NoError(t, err)
		assert.Equal(t, "billing-v2-queue", queue)

		require.NoError(t, d.Deregister(ctx, "billing"))
		queue, err = d.Resolve(ctx, "billing")
		require.NoError(t, err)
		assert.Equal(t, "billing-queue", queue)
	})

	t.Run("empty ids and closed directories fail", func(t *testing.T) {
		d := NewStatic(nil)
		_, err := d.Resolve(ctx, "")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, d.Close())
		_, err = d.Resolve(ctx, "server")
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, d.Register(ctx, "server", "q"), ErrClosed)
	})
}

func TestEtcd(t *testing.T) {
	ctx := context.Background()

	t.Run("registers under a lease and resolves", func(t *testing.T) {
		client := newFakeEtcd()
		d := NewEtcd(client, WithTTL(30*time.Second))

		require.NoError(t, d.Register(ctx, "server", "server-queue"))
		assert.True(t, client.has("/rjr/nodes/server"))
		assert.Equal(t, []int64{30}, client.ttls)

		queue, err := d.Resolve(ctx, "server")
		require.NoError(t, err)
		assert.Equal(t, "server-queue", queue)
	})

	t.Run("unknown nodes are not found", func(t *testing.T) {
		d := NewEtcd(newFakeEtcd())
		_, err := d.Resolve(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, d.Deregister(ctx, "ghost"), ErrNotFound)
		assert.ErrorIs(t, d.Register(ctx, "", "q"), ErrEmptyID)
	})

	t.Run("deregister revokes the lease", func(t *testing.T) {
		client := newFakeEtcd()
		d := NewEtcd(client)

		require.NoError(t, d.Register(ctx, "server", "server-queue"))
		require.NoError(t, d.Deregister(ctx, "server"))

		assert.False(t, client.has("/rjr/nodes/server"))
		assert.Equal(t, []clientv3.LeaseID{1}, client.revoked)
	})

	t.Run("registering again replaces the lease", func(t *testing.T) {
		client := newFakeEtcd()
		d := NewEtcd(client)

		require.NoError(t, d.Register(ctx, "server", "old-queue"))
		require.NoError(t, d.Register(ctx, "server", "new-queue"))

		queue, err := d.Resolve(ctx, "server")
		require.NoError(t, err)
		assert.Equal(t, "new-queue", queue)
		assert.Equal(t, []clientv3.LeaseID{1}, client.revoked)
	})

	t.Run("close revokes every lease and closes the client", func(t *testing.T) {
		client := newFakeEtcd()
		d := NewEtcd(client)

		require.NoError(t, d.Register(ctx, "a", "a-queue"))
		require.NoError(t, d.Register(ctx, "b", "b-queue"))
		require.NoError(t, d.Close())

		assert.ElementsMatch(t, []clientv3.LeaseID{1, 2}, client.revoked)
		assert.True(t, client.closed)
		assert.False(t, client.has("/rjr/nodes/a"))

		_, err := d.Resolve(ctx, "a")
		assert.ErrorIs(t, err, ErrClosed)
		assert.NoError(t, d.Close())
	})

	t.Run("etcd errors are wrapped", func(t *testing.T) {
		client := newFakeEtcd()
		client.getErr = errors.New("etcdserver: request timed out")
		d := NewEtcd(client)

		_, err := d.Resolve(ctx, "server")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "request timed out")
		assert.NotErrorIs(t, err, ErrNotFound)
	})

	t.Run("a failed put revokes the granted lease", func(t *testing.T) {
		client := newFakeEtcd()
		putErr := errors.New("etcdserver: request timed out")
		client.putErr = putErr
		d := NewEtcd(client)

		err := d.Register(ctx, "server", "server-queue")
		assert.ErrorIs(t, err, putErr)
		assert.Equal(t, []clientv3.LeaseID{1}, client.revoked)
		assert.False(t, client.has("/rjr/nodes/server"))

		client.mu.Lock()
		client.putErr = nil
		client.mu.Unlock()
		require.NoError(t, d.Register(ctx, "server", "server-queue"))
		assert.Equal(t, []clientv3.LeaseID{1}, client.revoked, "the new lease is kept")
	})
}
