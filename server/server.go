// Package server accepts WebSocket connections and serves registered services
// on them.
//
// Request processing pipeline:
//
//	HTTP upgrade (ServeHTTP) → conn.Connection (one reader, one writer)
//	  → for each request: go serve → Middleware Chain → service.Handler → reply frame
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wsrpc/conn"
	"wsrpc/middleware"
	"wsrpc/registry"
	"wsrpc/service"
	"wsrpc/transport"
)

// Server upgrades HTTP requests to RPC connections. It implements http.Handler
// so it can be mounted on an existing mux, or run on its own with Serve.
type Server struct {
	host     string
	opts     *options
	logger   *zap.Logger
	services *service.Registry
	peers    *conn.Peers
	upgrader websocket.Upgrader

	mu          sync.Mutex
	middlewares []middleware.Middleware
	conns       map[*conn.Connection]struct{}

	counter       atomic.Uint64
	shutdown      atomic.Bool
	httpServer    *http.Server
	listener      net.Listener
	registry      registry.Registry
	advertiseAddr string
}

// NewServer creates a server identified by host. The keepalive service is
// always registered.
func NewServer(host string, opts ...Option) *Server {
	o := newOptions(opts)
	s := &Server{
		host:     host,
		opts:     o,
		logger:   o.logger.With(zap.String("host", host)),
		services: service.NewRegistry(),
		peers:    conn.NewPeers(),
		conns:    make(map[*conn.Connection]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: o.checkOrigin},
	}
	s.services.Add(service.KeepaliveName, service.Keepalive)
	return s
}

func (s *Server) Host() string { return s.host }

// Register adds the RPC methods of rcvr as "Type.Method" services.
func (s *Server) Register(rcvr any) error {
	return s.services.Register(rcvr)
}

func (s *Server) AddService(name string, h service.Handler) {
	s.services.Add(name, h)
}

// Use appends a middleware around service dispatch. Middlewares apply to
// connections accepted after the call, in the order they were added.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// Connection returns the open connection of the client with the given host id.
func (s *Server) Connection(peer string) (*conn.Connection, bool) {
	return s.peers.Get(peer)
}

// Connections returns every open connection sorted by peer.
func (s *Server) Connections() []*conn.Connection {
	return s.peers.List()
}

// ServeHTTP upgrades the request and starts a connection. The response tells
// the client its connection id and this server's host id.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	id := fmt.Sprintf("%s-%d", s.host, s.counter.Add(1))
	header := http.Header{}
	header.Set(transport.HeaderConnectionID, id)
	header.Set(transport.HeaderHostID, s.host)

	ws, err := transport.Upgrade(&s.upgrader, w, r, header,
		transport.WithPingPeriod(s.opts.pingPeriod),
		transport.WithReadLimit(s.opts.readLimit),
		transport.WithLogger(s.logger))
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	s.mu.Lock()
	middlewares := append([]middleware.Middleware(nil), s.middlewares...)
	s.mu.Unlock()

	opts := []conn.Option{
		conn.WithID(id),
		conn.WithHost(s.host),
		conn.WithLogger(s.logger),
		conn.WithRPCTimeout(s.opts.rpcTimeout),
		conn.WithStreamTimeout(s.opts.streamTimeout),
		conn.WithSerializer(s.opts.serializer),
		conn.WithServices(s.services),
		conn.WithPeers(s.peers),
		conn.WithMiddleware(middlewares...),
		conn.WithListener(tracker{s}),
	}
	for _, l := range s.opts.listeners {
		opts = append(opts, conn.WithListener(l))
	}
	conn.New(ws, opts...).Start()
}

// tracker keeps the set of open connections for Shutdown. Peers alone is not
// enough: two clients may share a host id.
type tracker struct{ s *Server }

func (t tracker) OnConnected(c *conn.Connection) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.conns[c] = struct{}{}
	t.s.logger.Info("client connected", zap.String("conn", c.ID()), zap.String("peer", c.Peer()))
}

func (t tracker) OnDisconnected(c *conn.Connection) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	delete(t.s.conns, c)
	t.s.logger.Info("client disconnected", zap.String("conn", c.ID()), zap.String("peer", c.Peer()))
}

// Serve listens on address and announces every service under advertiseAddr,
// the WebSocket URL clients should dial (for example ws://10.0.0.3:8080/).
// It differs from the listen address because ":8080" is not routable. Pass a
// nil registry to skip discovery. Serve returns nil after Shutdown.
func (s *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(s.opts.path, s)

	s.mu.Lock()
	s.listener = listener
	s.httpServer = &http.Server{Handler: mux}
	s.registry = reg
	s.advertiseAddr = advertiseAddr
	s.mu.Unlock()

	if reg != nil {
		for _, name := range s.announced() {
			instance := registry.ServiceInstance{Addr: advertiseAddr, Host: s.host, Weight: s.opts.weight}
			if err := reg.Register(context.Background(), name, instance, s.opts.ttl); err != nil {
				listener.Close()
				return fmt.Errorf("register service %s: %w", name, err)
			}
		}
	}

	s.logger.Info("server listening", zap.String("addr", listener.Addr().String()), zap.String("advertise", advertiseAddr))
	err = s.httpServer.Serve(listener)
	if s.shutdown.Load() && errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// announced lists the services published to the registry. Keepalive answers
// on every connection and is never looked up.
func (s *Server) announced() []string {
	var names []string
	for _, name := range s.services.Names() {
		if name != service.KeepaliveName {
			names = append(names, name)
		}
	}
	return names
}

// Addr is the address Serve is listening on, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the server gracefully:
//  1. Deregister all services so clients stop dialing this server
//  2. Stop accepting connections
//  3. Wait for in-flight requests, bounded by timeout
//  4. Close every connection
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.mu.Lock()
	reg, advertiseAddr, httpServer := s.registry, s.advertiseAddr, s.httpServer
	s.mu.Unlock()

	if reg != nil {
		for _, name := range s.announced() {
			if err := reg.Deregister(ctx, name, advertiseAddr); err != nil {
				s.logger.Warn("deregister failed", zap.String("service", name), zap.Error(err))
			}
		}
	}

	// Set the flag before closing so Serve reports a clean exit.
	s.shutdown.Store(true)
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown", zap.Error(err))
		}
	}

	s.mu.Lock()
	conns := make([]*conn.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, c := range conns {
			c.Wait()
		}
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	for _, c := range conns {
		c.Close()
	}
	return err
}
