package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPingPeriod   = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

type options struct {
	pingPeriod   time.Duration
	writeTimeout time.Duration
	readLimit    int64
	logger       *zap.Logger
}

type Option func(*options)

// WithPingPeriod sets how often a ping control frame is sent. The peer must
// answer within two periods or the read pump gives up.
func WithPingPeriod(d time.Duration) Option {
	return func(o *options) { o.pingPeriod = d }
}

// WithWriteTimeout bounds every socket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithReadLimit caps the size of a single inbound WebSocket message.
func WithReadLimit(n int64) Option {
	return func(o *options) { o.readLimit = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func newOptions(opts []Option) *options {
	o := &options{
		pingPeriod:   defaultPingPeriod,
		writeTimeout: defaultWriteTimeout,
		logger:       zap.L(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WebSocket is a Transport over a gorilla/websocket connection. Every binary
// message is delivered as one chunk; text messages are ignored.
type WebSocket struct {
	conn   *websocket.Conn
	header http.Header // Handshake headers sent by the remote side
	opts   *options

	mu      sync.Mutex
	handler Handler

	writeMu   sync.Mutex // gorilla allows one concurrent writer
	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens a client connection to url. header is sent with the upgrade request.
func Dial(ctx context.Context, url string, header http.Header, opts ...Option) (*WebSocket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return newWebSocket(conn, resp.Header, opts), nil
}

// Upgrade accepts a server connection. responseHeader is returned to the client
// with the 101 response.
func Upgrade(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request, responseHeader http.Header, opts ...Option) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return nil, err
	}
	return newWebSocket(conn, r.Header, opts), nil
}

func newWebSocket(conn *websocket.Conn, header http.Header, opts []Option) *WebSocket {
	o := newOptions(opts)
	if o.readLimit > 0 {
		conn.SetReadLimit(o.readLimit)
	}
	return &WebSocket{
		conn:   conn,
		header: header,
		opts:   o,
		done:   make(chan struct{}),
	}
}

func (ws *WebSocket) Header(key string) string {
	return ws.header.Get(key)
}

// Start launches the read pump and the heartbeat loop.
func (ws *WebSocket) Start(h Handler) {
	ws.mu.Lock()
	ws.handler = h
	ws.mu.Unlock()

	if ws.opts.pingPeriod > 0 {
		pongWait := 2 * ws.opts.pingPeriod
		ws.conn.SetReadDeadline(time.Now().Add(pongWait))
		ws.conn.SetPongHandler(func(string) error {
			return ws.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go ws.heartbeatLoop(ws.opts.pingPeriod)
	}
	go ws.readPump()
}

func (ws *WebSocket) currentHandler() Handler {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.handler
}

// readPump is the only reader of the socket. Frames may straddle messages, so
// chunks are passed on untouched and reassembled by the handler.
func (ws *WebSocket) readPump() {
	for {
		messageType, data, err := ws.conn.ReadMessage()
		if err != nil {
			if h := ws.currentHandler(); h != nil {
				h.OnClose(err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		h := ws.currentHandler()
		if h == nil {
			return
		}
		h.OnData(data)
	}
}

// heartbeatLoop sends ping control frames so dead peers are detected by the
// read deadline instead of hanging forever.
func (ws *WebSocket) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ws.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(ws.opts.writeTimeout)
			if err := ws.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				ws.opts.logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (ws *WebSocket) Send(data []byte) error {
	select {
	case <-ws.done:
		return ErrClosed
	default:
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if ws.opts.writeTimeout > 0 {
		ws.conn.SetWriteDeadline(time.Now().Add(ws.opts.writeTimeout))
	}
	return ws.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (ws *WebSocket) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		close(ws.done)
		ws.mu.Lock()
		ws.handler = nil
		ws.mu.Unlock()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = ws.conn.Close()
	})
	return err
}
