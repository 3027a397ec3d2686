package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/wsrpc/"

// EtcdRegistry stores instances in etcd v3:
//
//	Key:   /wsrpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Every entry is attached to a lease kept alive in the background, so the
// entries of a crashed server disappear on their own.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	// Lease renewals outlive the ctx passed to Register.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // Key → lease
}

func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.L()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func serviceKey(serviceName, addr string) string {
	return keyPrefix + serviceName + "/" + addr
}

// Register puts the instance under a fresh lease and keeps renewing it. The
// lease id is tracked per key so concurrent registrations never share one.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := serviceKey(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()
	return nil
}

// Deregister deletes the entry and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := serviceKey(serviceName, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}

	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			r.logger.Warn("revoke lease failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Watch re-reads the full list after every change under the service prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := keyPrefix + serviceName + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("discover after watch event failed", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, keyPrefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skip malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops lease renewal and closes the etcd client. Entries expire once
// their ttl runs out.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
