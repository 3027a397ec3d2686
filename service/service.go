// Package service holds the handlers a connection dispatches requests to.
//
// The dispatcher only sees the narrow Handler interface: raw request bytes in,
// raw reply bytes out. Handlers decode the payload with the codec the caller
// picked, so one handler serves protobuf and JSON clients alike.
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/protobuf/types/known/emptypb"

	"wsrpc/codec"
)

// KeepaliveName is the built-in service used to probe an idle connection.
const KeepaliveName = "_rpc.keepalive_.keepalive"

type Handler interface {
	Invoke(ctx context.Context, ct codec.Type, payload []byte) ([]byte, error)
}

type HandlerFunc func(ctx context.Context, ct codec.Type, payload []byte) ([]byte, error)

func (f HandlerFunc) Invoke(ctx context.Context, ct codec.Type, payload []byte) ([]byte, error) {
	return f(ctx, ct, payload)
}

// Typed adapts a function over concrete request and reply types. Req and Resp
// are usually generated protobuf structs; any type the codec accepts works.
func Typed[Req, Resp any](fn func(ctx context.Context, req *Req) (*Resp, error)) Handler {
	return HandlerFunc(func(ctx context.Context, ct codec.Type, payload []byte) ([]byte, error) {
		c, err := codec.Get(ct)
		if err != nil {
			return nil, err
		}
		req := new(Req)
		if err := c.Decode(payload, req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		reply, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return c.Encode(reply)
	})
}

// Keepalive answers every probe with an empty message.
var Keepalive = Typed(func(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
})

// Registry maps service names to handlers. It is owned by a client or a server
// and shared with every connection they create.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Add registers h under name, replacing any previous handler.
func (r *Registry) Add(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered service names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds every RPC shaped method of rcvr as "Type.Method". See
// NewReceiver for the accepted signatures.
func (r *Registry) Register(rcvr any) error {
	recv, err := NewReceiver(rcvr)
	if err != nil {
		return err
	}
	if len(recv.methods) == 0 {
		return fmt.Errorf("rpc: type %s has no exported methods of suitable type", recv.name)
	}
	for method, h := range recv.methods {
		r.Add(recv.name+"."+method, h)
	}
	return nil
}
