package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/emptypb"

	"wsrpc/codec"
	"wsrpc/conn"
	"wsrpc/message"
	"wsrpc/middleware"
	"wsrpc/service"
)

// Proxy calls one named service over a connection.
type Proxy struct {
	conn        *conn.Connection
	name        string
	serializer  codec.Type
	timeout     time.Duration
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
}

type ProxyOption func(*Proxy)

// WithCodec overrides the connection's serializer for this proxy.
func WithCodec(t codec.Type) ProxyOption {
	return func(p *Proxy) { p.serializer = t }
}

// WithTimeout overrides the connection's rpc timeout for this proxy.
func WithTimeout(d time.Duration) ProxyOption {
	return func(p *Proxy) { p.timeout = d }
}

// WithCallMiddleware wraps every call made through the proxy.
func WithCallMiddleware(mw ...middleware.Middleware) ProxyOption {
	return func(p *Proxy) { p.middlewares = append(p.middlewares, mw...) }
}

func NewProxy(c *conn.Connection, name string, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		conn:       c,
		name:       name,
		serializer: c.Serializer(),
		timeout:    c.RPCTimeout(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.handler = middleware.Chain(p.middlewares...)(p.roundTrip)
	return p
}

func (p *Proxy) roundTrip(ctx context.Context, req *message.Message) *message.Message {
	return p.conn.Call(ctx, req.Service, req.Codec, req.Bytes, p.timeout)
}

// Call encodes req, waits for the reply and decodes it into reply. Failures
// reported by the remote side, timeouts included, come back as
// *message.RemoteError.
func (p *Proxy) Call(ctx context.Context, req any, reply any) error {
	cd, err := codec.Get(p.serializer)
	if err != nil {
		return err
	}
	payload, err := cd.Encode(req)
	if err != nil {
		return fmt.Errorf("encode request for %s: %w", p.name, err)
	}

	msg := &message.Message{Type: message.TypeRequest, Codec: p.serializer, Service: p.name, Bytes: payload}
	resp := p.handler(ctx, msg)
	if err := resp.Err(); err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := cd.Decode(resp.Bytes, reply); err != nil {
		return fmt.Errorf("decode reply of %s: %w", p.name, err)
	}
	return nil
}

// Keepalive probes c with the built-in keepalive service.
func Keepalive(ctx context.Context, c *conn.Connection, timeout time.Duration) error {
	proxy := NewProxy(c, service.KeepaliveName, WithCodec(codec.Protobuf), WithTimeout(timeout))
	return proxy.Call(ctx, &emptypb.Empty{}, &emptypb.Empty{})
}
