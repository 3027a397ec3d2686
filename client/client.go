// Package client dials wsrpc servers and keeps the connections alive.
//
// A client is also a service host: servers can call the services registered
// on it through the same connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"wsrpc/conn"
	"wsrpc/registry"
	"wsrpc/service"
	"wsrpc/transport"
)

var ErrClientClosed = errors.New("client: closed")

// endpoint remembers how a peer was reached so it can be dialed again.
type endpoint struct {
	peer     string
	url      string
	provider HeaderProvider
}

type Client struct {
	host     string
	opts     *options
	logger   *zap.Logger
	services *service.Registry
	peers    *conn.Peers

	mu        sync.Mutex
	endpoints map[string]*endpoint // Peer → endpoint
	closed    bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a client identified by host and starts its inspection loop.
func New(host string, opts ...Option) *Client {
	o := newOptions(opts)
	c := &Client{
		host:      host,
		opts:      o,
		logger:    o.logger.With(zap.String("host", host)),
		services:  service.NewRegistry(),
		peers:     conn.NewPeers(),
		endpoints: make(map[string]*endpoint),
		stop:      make(chan struct{}),
	}
	c.services.Add(service.KeepaliveName, service.Keepalive)

	if o.inspectInterval > 0 {
		c.wg.Add(1)
		go c.inspection(o.inspectInterval)
	}
	return c
}

func (c *Client) Host() string { return c.host }

func (c *Client) AddService(name string, h service.Handler) {
	c.services.Add(name, h)
}

// Register adds the RPC methods of rcvr as "Type.Method" services.
func (c *Client) Register(rcvr any) error {
	return c.services.Register(rcvr)
}

// Connect dials a server. The X-Host-Id header always carries the client host.
func (c *Client) Connect(ctx context.Context, url string, provider HeaderProvider) (*conn.Connection, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClientClosed
	}

	header := http.Header{}
	if provider != nil {
		for key, values := range provider() {
			for _, v := range values {
				header.Add(key, v)
			}
		}
	}
	header.Set(transport.HeaderHostID, c.host)

	ws, err := transport.Dial(ctx, url, header,
		transport.WithPingPeriod(c.opts.pingPeriod),
		transport.WithLogger(c.logger))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", url, err)
	}

	opts := []conn.Option{
		conn.WithHost(c.host),
		conn.WithLogger(c.logger),
		conn.WithRPCTimeout(c.opts.rpcTimeout),
		conn.WithStreamTimeout(c.opts.streamTimeout),
		conn.WithSerializer(c.opts.serializer),
		conn.WithServices(c.services),
		conn.WithPeers(c.peers),
		conn.WithMiddleware(c.opts.middlewares...),
	}
	for _, l := range c.opts.listeners {
		opts = append(opts, conn.WithListener(l))
	}
	cn := conn.New(ws, opts...)
	cn.Start()

	c.mu.Lock()
	c.endpoints[cn.Peer()] = &endpoint{peer: cn.Peer(), url: url, provider: provider}
	c.mu.Unlock()
	c.logger.Info("connected", zap.String("url", url), zap.String("peer", cn.Peer()), zap.String("conn", cn.ID()))
	return cn, nil
}

// ConnectService discovers the instances of a service and connects to the one
// the balancer picks, reusing an open connection to the same host.
func (c *Client) ConnectService(ctx context.Context, name string) (*conn.Connection, error) {
	if c.opts.registry == nil {
		return nil, errors.New("client: no registry configured")
	}
	instances, err := c.opts.registry.Discover(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", name, err)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("discover %s: %w", name, registry.ErrNotFound)
	}
	instance, err := c.opts.balancer.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("pick instance of %s: %w", name, err)
	}

	if instance.Host != "" {
		if cn, ok := c.peers.Get(instance.Host); ok && !cn.IsClosed() {
			return cn, nil
		}
	}
	return c.Connect(ctx, instance.Addr, c.opts.headers)
}

// Connection returns the open connection to the server with host id peer.
func (c *Client) Connection(peer string) (*conn.Connection, bool) {
	return c.peers.Get(peer)
}

// Inspect reconnects every known peer whose connection is gone and probes the
// others with the keepalive service.
func (c *Client) Inspect(ctx context.Context) {
	c.mu.Lock()
	endpoints := make([]*endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		endpoints = append(endpoints, ep)
	}
	c.mu.Unlock()

	for _, ep := range endpoints {
		cn, ok := c.peers.Get(ep.peer)
		if !ok || cn.IsClosed() {
			provider := ep.provider
			if provider == nil {
				provider = c.opts.headers
			}
			var err error
			cn, err = c.Connect(ctx, ep.url, provider)
			if err != nil {
				c.logger.Warn("reconnect failed", zap.String("peer", ep.peer), zap.String("url", ep.url), zap.Error(err))
				continue
			}
		}

		if err := Keepalive(ctx, cn, c.opts.keepaliveTimeout); err != nil {
			c.logger.Warn("keepalive failed", zap.String("peer", ep.peer), zap.Error(err))
		}
	}
}

func (c *Client) inspection(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			c.Inspect(ctx)
			cancel()
		}
	}
}

// Close stops the inspection loop and closes every connection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	c.wg.Wait()
	for _, cn := range c.peers.List() {
		cn.Close()
	}
}
