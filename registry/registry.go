// Package registry lets servers announce the WebSocket endpoint behind each of
// their services and lets clients find one.
package registry

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("registry: no instance")

type ServiceInstance struct {
	Addr    string // WebSocket URL, e.g. ws://10.0.0.3:8080/rpc
	Host    string // Host id the server answers with in X-Host-Id
	Weight  int    // Weight for load balancing
	Version string
}

type Registry interface {
	// Register announces instance under serviceName. The entry expires ttl
	// seconds after the registering process stops renewing it.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
