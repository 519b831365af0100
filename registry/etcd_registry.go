// etcd is used as the bridge's "phonebook":
//
//	Key:   /wcf-bridge/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the bridge crashes, the lease expires
// and the entry is automatically removed, so sinks never see a ghost bridge.
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/wcf-bridge/"

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key -> lease, revoked on Deregister
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, logger: logger.Named("registry"), leases: make(map[string]clientv3.LeaseID)}, nil
}

func serviceKey(serviceName, addr string) string {
	return keyPrefix + serviceName + "/" + addr
}

// Register puts instance under a TTL lease and keeps the lease alive until Deregister,
// Close or ctx is done.
//
// Note: the lease id is tracked per key, not on the struct, so one registry can advertise
// several instances concurrently.
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
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive ended", zap.String("key", key))
	}()
	r.logger.Info("registered", zap.String("key", key), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes the instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := serviceKey(serviceName, addr)
	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}
	if ok {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			return err
		}
	}
	r.logger.Info("deregistered", zap.String("key", key))
	return nil
}

// Discover returns all currently registered instances for a service.
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

// Watch uses etcd's server-push Watch API and re-fetches the full list on every change,
// which is simpler than applying individual events.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := keyPrefix + serviceName + "/"

	go func() {
		defer close(ch)
		emit := func() bool {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("discover failed", zap.String("service", serviceName), zap.Error(err))
				return ctx.Err() == nil
			}
			select {
			case ch <- instances:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !emit() {
			return
		}
		for range r.client.Watch(ctx, prefix, clientv3.WithPrefix()) {
			if !emit() {
				return
			}
		}
	}()
	return ch
}

// Close revokes nothing: leases expire on their own once keepalives stop.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
