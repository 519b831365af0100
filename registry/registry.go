// Package registry advertises bridges and discovers forward sinks.
package registry

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Deregister for an unknown instance.
var ErrNotFound = errors.New("registry: instance not found")

// ServiceInstance is one advertised endpoint.
//
// For a bridge, Addr is its admin API and Version the logged-in wxid. For a forward sink,
// Addr is the URL messages are POSTed to.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list whenever it changes, starting with the current
	// one. The channel is closed when ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
	Close() error
}
