package client

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"wsrpc/codec"
	"wsrpc/conn"
	"wsrpc/loadbalance"
	"wsrpc/middleware"
	"wsrpc/registry"
)

const (
	DefaultInspectInterval  = 10 * time.Minute
	DefaultKeepaliveTimeout = 5 * time.Second
)

// HeaderProvider returns extra headers for the upgrade request, such as an
// auth token. It is called again on every reconnect.
type HeaderProvider func() http.Header

type options struct {
	logger           *zap.Logger
	rpcTimeout       time.Duration
	streamTimeout    time.Duration
	serializer       codec.Type
	pingPeriod       time.Duration
	inspectInterval  time.Duration
	keepaliveTimeout time.Duration
	registry         registry.Registry
	balancer         loadbalance.Balancer
	headers          HeaderProvider
	listeners        []conn.Listener
	middlewares      []middleware.Middleware
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithRPCTimeout(d time.Duration) Option {
	return func(o *options) { o.rpcTimeout = d }
}

func WithStreamTimeout(d time.Duration) Option {
	return func(o *options) { o.streamTimeout = d }
}

// WithSerializer sets the codec of proxies created without one.
func WithSerializer(t codec.Type) Option {
	return func(o *options) { o.serializer = t }
}

func WithPingPeriod(d time.Duration) Option {
	return func(o *options) { o.pingPeriod = d }
}

// WithInspectInterval sets how often connections are checked, reconnected and
// probed. Zero disables the inspection loop.
func WithInspectInterval(d time.Duration) Option {
	return func(o *options) { o.inspectInterval = d }
}

// WithRegistry enables ConnectService. A nil balancer picks round robin.
func WithRegistry(reg registry.Registry, bal loadbalance.Balancer) Option {
	return func(o *options) {
		o.registry = reg
		o.balancer = bal
	}
}

// WithHeaderProvider is used by ConnectService and by reconnects of
// connections that were opened without their own provider.
func WithHeaderProvider(p HeaderProvider) Option {
	return func(o *options) { o.headers = p }
}

func WithListener(l conn.Listener) Option {
	return func(o *options) { o.listeners = append(o.listeners, l) }
}

// WithMiddleware wraps the dispatch of requests the server sends to this client.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mw...) }
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:           zap.L(),
		rpcTimeout:       conn.DefaultRPCTimeout,
		streamTimeout:    conn.DefaultStreamTimeout,
		serializer:       codec.Protobuf,
		pingPeriod:       30 * time.Second,
		inspectInterval:  DefaultInspectInterval,
		keepaliveTimeout: DefaultKeepaliveTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.balancer == nil {
		o.balancer = &loadbalance.RoundRobinBalancer{}
	}
	return o
}
