package conn

import (
	"time"

	"go.uber.org/zap"

	"wsrpc/codec"
	"wsrpc/middleware"
	"wsrpc/service"
)

const (
	DefaultRPCTimeout    = 3 * time.Second
	DefaultStreamTimeout = 3 * time.Second
	defaultDrainTimeout  = time.Second
)

// Services resolves the handler for an inbound request.
type Services interface {
	Lookup(name string) (service.Handler, bool)
}

// Listener observes the lifecycle of connections. Listeners run in the order
// they were registered.
type Listener interface {
	OnConnected(c *Connection)
	OnDisconnected(c *Connection)
}

type options struct {
	id            string
	host          string
	rpcTimeout    time.Duration
	streamTimeout time.Duration
	drainTimeout  time.Duration
	serializer    codec.Type
	logger        *zap.Logger
	services      Services
	peers         *Peers
	listeners     []Listener
	middlewares   []middleware.Middleware
}

type Option func(*options)

// WithID sets the connection id instead of reading it from the handshake.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithHost sets the id of the local host.
func WithHost(host string) Option {
	return func(o *options) { o.host = host }
}

// WithRPCTimeout is the default timeout of a call.
func WithRPCTimeout(d time.Duration) Option {
	return func(o *options) { o.rpcTimeout = d }
}

// WithStreamTimeout bounds every blocking stream operation.
func WithStreamTimeout(d time.Duration) Option {
	return func(o *options) { o.streamTimeout = d }
}

// WithSerializer sets the codec proxies use when none is given.
func WithSerializer(t codec.Type) Option {
	return func(o *options) { o.serializer = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithServices sets where inbound requests are dispatched. Without it every
// request is answered with a not found error.
func WithServices(s Services) Option {
	return func(o *options) { o.services = s }
}

// WithPeers registers the connection in p under its peer id while it is open.
func WithPeers(p *Peers) Option {
	return func(o *options) { o.peers = p }
}

func WithListener(l Listener) Option {
	return func(o *options) { o.listeners = append(o.listeners, l) }
}

// WithMiddleware wraps the dispatch of inbound requests.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mw...) }
}

func newOptions(opts []Option) *options {
	o := &options{
		rpcTimeout:    DefaultRPCTimeout,
		streamTimeout: DefaultStreamTimeout,
		drainTimeout:  defaultDrainTimeout,
		serializer:    codec.Protobuf,
		logger:        zap.L(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
