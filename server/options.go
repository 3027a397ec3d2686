package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"wsrpc/codec"
	"wsrpc/conn"
)

type options struct {
	logger        *zap.Logger
	rpcTimeout    time.Duration
	streamTimeout time.Duration
	serializer    codec.Type
	pingPeriod    time.Duration
	readLimit     int64
	path          string
	ttl           int64
	weight        int
	checkOrigin   func(r *http.Request) bool
	listeners     []conn.Listener
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRPCTimeout is the default timeout of calls the server makes back to clients.
func WithRPCTimeout(d time.Duration) Option {
	return func(o *options) { o.rpcTimeout = d }
}

func WithStreamTimeout(d time.Duration) Option {
	return func(o *options) { o.streamTimeout = d }
}

func WithSerializer(t codec.Type) Option {
	return func(o *options) { o.serializer = t }
}

// WithPingPeriod sets the WebSocket heartbeat interval of every connection.
func WithPingPeriod(d time.Duration) Option {
	return func(o *options) { o.pingPeriod = d }
}

// WithReadLimit caps the size of one inbound WebSocket message.
func WithReadLimit(n int64) Option {
	return func(o *options) { o.readLimit = n }
}

// WithPath is the HTTP path Serve upgrades on. Defaults to "/".
func WithPath(path string) Option {
	return func(o *options) { o.path = path }
}

// WithTTL sets the registry lease ttl in seconds and the advertised weight.
func WithTTL(ttl int64, weight int) Option {
	return func(o *options) {
		o.ttl = ttl
		o.weight = weight
	}
}

// WithCheckOrigin filters upgrade requests by origin. All origins are accepted
// by default.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(o *options) { o.checkOrigin = fn }
}

func WithListener(l conn.Listener) Option {
	return func(o *options) { o.listeners = append(o.listeners, l) }
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:        zap.L(),
		rpcTimeout:    conn.DefaultRPCTimeout,
		streamTimeout: conn.DefaultStreamTimeout,
		serializer:    codec.Protobuf,
		pingPeriod:    30 * time.Second,
		path:          "/",
		ttl:           10,
		weight:        10,
		checkOrigin:   func(*http.Request) bool { return true },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
