// Package conn runs the RPC lane and the stream lane of one WebSocket.
//
// Inbound path (one transport callback at a time):
//
//	chunk → Buffer → header(16B) → frame ─┬─ stream lane → stream.Controller → Stream.Push
//	                                      └─ rpc lane → message.Decode ─┬─ request → go serve → reply
//	                                                                    └─ reply/error → pending waiter
//
// Outbound path: every sender pushes a frame on one queue and a single writer
// goroutine drains it, so frames are written whole and in enqueue order.
package conn

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wsrpc/codec"
	"wsrpc/message"
	"wsrpc/middleware"
	"wsrpc/protocol"
	"wsrpc/queue"
	"wsrpc/service"
	"wsrpc/stream"
	"wsrpc/transport"
)

const anonymous = "anonymous"

// maxBatch caps how many encoded bytes the writer packs into one socket write.
const maxBatch = 64 << 10

var ErrClosed = errors.New("conn: connection closed")

type contextKey struct{}

// FromContext returns the connection a request arrived on. Handlers use it to
// call back or to open streams to the caller.
func FromContext(ctx context.Context) (*Connection, bool) {
	c, ok := ctx.Value(contextKey{}).(*Connection)
	return c, ok
}

type Connection struct {
	id        string
	host      string
	peer      string
	transport transport.Transport
	opts      *options
	logger    *zap.Logger

	nextID  atomic.Uint32
	mu      sync.Mutex
	pending map[uint32]chan *message.Message // Correlation id → waiter

	inbound  protocol.Buffer
	outbound *queue.Queue[*protocol.Frame]
	streams  *stream.Controller
	handler  middleware.HandlerFunc

	ctx        context.Context
	cancel     context.CancelFunc
	closed     atomic.Bool
	closeOnce  sync.Once
	done       chan struct{}
	writerDone chan struct{}
	serving    sync.WaitGroup
}

// New wraps an established transport. Identity comes from the handshake
// headers unless overridden by options. Call Start to begin processing.
func New(t transport.Transport, opts ...Option) *Connection {
	o := newOptions(opts)
	c := &Connection{
		id:         o.id,
		host:       o.host,
		peer:       t.Header(transport.HeaderHostID),
		transport:  t,
		opts:       o,
		pending:    make(map[uint32]chan *message.Message),
		outbound:   queue.New[*protocol.Frame](),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	if c.id == "" {
		c.id = t.Header(transport.HeaderConnectionID)
	}
	if c.id == "" {
		c.id = anonymous
	}
	if c.peer == "" {
		c.peer = anonymous
	}
	c.logger = o.logger.With(zap.String("conn", c.id), zap.String("peer", c.peer))
	c.ctx, c.cancel = context.WithCancel(context.WithValue(context.Background(), contextKey{}, c))
	c.streams = stream.NewController(c.sendFrame, o.streamTimeout, c.logger)
	c.handler = middleware.Chain(o.middlewares...)(c.invoke)
	return c
}

// Start registers the connection, launches the writer and begins reading.
func (c *Connection) Start() {
	if c.opts.peers != nil {
		if prev := c.opts.peers.Add(c); prev != nil && prev != c {
			c.logger.Info("replacing connection of peer", zap.String("previous", prev.ID()))
		}
	}
	go c.writeLoop()
	c.transport.Start(c)
	for _, l := range c.opts.listeners {
		l.OnConnected(c)
	}
	c.logger.Debug("connection started")
}

func (c *Connection) ID() string   { return c.id }
func (c *Connection) Host() string { return c.host }
func (c *Connection) Peer() string { return c.peer }

// Serializer is the default codec of calls made through this connection.
func (c *Connection) Serializer() codec.Type { return c.opts.serializer }

// RPCTimeout is the default call timeout.
func (c *Connection) RPCTimeout() time.Duration { return c.opts.rpcTimeout }

func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Call sends a request and waits for its reply. It never returns nil: a
// timeout, a cancelled ctx or a closed connection produce an error message
// built locally. A non-positive timeout uses the connection default.
func (c *Connection) Call(ctx context.Context, name string, ct codec.Type, payload []byte, timeout time.Duration) *message.Message {
	if timeout <= 0 {
		timeout = c.opts.rpcTimeout
	}
	req := &message.Message{Type: message.TypeRequest, Codec: ct, Service: name, Bytes: payload}
	if c.closed.Load() {
		return req.Abort("connection closed")
	}

	id, waiter := c.register()
	defer c.unregister(id, waiter)
	req.ID = id

	if err := c.sendMessage(req); err != nil {
		return req.Abort(fmt.Sprintf("call service %s: %v", name, err))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-waiter:
		return reply
	case <-timer.C:
		return req.Abort(fmt.Sprintf("call service %s timeout", name))
	case <-ctx.Done():
		return req.Abort(fmt.Sprintf("call service %s: %v", name, ctx.Err()))
	case <-c.done:
		return req.Abort("connection closed")
	}
}

// register allocates an id that has no waiter. Ids wrap and skip 0.
func (c *Connection) register() (uint32, chan *message.Message) {
	waiter := make(chan *message.Message, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		id := c.nextID.Add(1)
		if id == 0 {
			continue
		}
		if _, busy := c.pending[id]; busy {
			continue
		}
		c.pending[id] = waiter
		return id, waiter
	}
}

// unregister removes the waiter unless a reply already took it out and the
// id has been handed to another call since.
func (c *Connection) unregister(id uint32, waiter chan *message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[id] == waiter {
		delete(c.pending, id)
	}
}

// Pending returns the number of calls waiting for a reply.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// NewStream registers a stream under a free id. The caller opens it.
func (c *Connection) NewStream(timeout time.Duration) (*stream.Stream, error) {
	return c.streams.Create(timeout)
}

// OpenStream allocates a stream and runs the open handshake. The peer must
// have called Stream or AcceptStream with the same id for the open to be seen.
func (c *Connection) OpenStream(timeout time.Duration) (*stream.Stream, error) {
	s, err := c.streams.Create(timeout)
	if err != nil {
		return nil, err
	}
	if err := s.Open(); err != nil {
		return nil, err
	}
	return s, nil
}

// Stream returns the stream with the given id, registering it if needed.
func (c *Connection) Stream(id uint16, timeout time.Duration) (*stream.Stream, error) {
	return c.streams.GetOrCreate(id, timeout)
}

// AcceptStream waits for the peer to open stream id and accepts it.
func (c *Connection) AcceptStream(id uint16, timeout time.Duration) (*stream.Stream, error) {
	s, err := c.streams.GetOrCreate(id, timeout)
	if err != nil {
		return nil, err
	}
	if err := s.Accept(); err != nil {
		return nil, err
	}
	return s, nil
}

// OnData is called by the transport with every inbound chunk.
func (c *Connection) OnData(chunk []byte) {
	c.inbound.Write(chunk)
	for {
		header := c.inbound.Peek(protocol.HeaderSize)
		if header == nil {
			return
		}
		length, err := protocol.ParseHeader(header)
		if err != nil {
			c.logger.Error("parse frame failed, closing", zap.Error(err))
			c.Close()
			return
		}
		data := c.inbound.Read(protocol.HeaderSize + int(length))
		if data == nil {
			return
		}
		f, _, err := protocol.Parse(data)
		if err != nil {
			c.logger.Error("parse frame failed, closing", zap.Error(err))
			c.Close()
			return
		}
		c.dispatch(f)
	}
}

// OnClose is called by the transport when the socket fails or the peer leaves.
func (c *Connection) OnClose(err error) {
	c.logger.Info("transport closed", zap.Error(err))
	c.Close()
}

func (c *Connection) dispatch(f *protocol.Frame) {
	if f.IsStream() {
		s, ok := c.streams.Get(f.Group)
		if !ok {
			c.logger.Warn("drop frame for unknown stream", zap.Uint16("stream", f.Group), zap.Stringer("opcode", f.Opcode))
			return
		}
		s.Push(f)
		return
	}

	msg, err := message.Decode(f.Payload)
	if err != nil {
		c.logger.Error("decode message failed", zap.Error(err))
		return
	}
	switch msg.Type {
	case message.TypeRequest:
		c.serve(msg)
	case message.TypeReply, message.TypeError:
		c.deliver(msg)
	}
}

func (c *Connection) serve(req *message.Message) {
	if c.lookup(req.Service) == nil {
		c.reply(req.Fail("not found service " + req.Service))
		return
	}

	c.serving.Add(1)
	go func() {
		defer c.serving.Done()
		c.reply(c.handler(c.ctx, req))
	}()
}

func (c *Connection) lookup(name string) service.Handler {
	if c.opts.services == nil {
		return nil
	}
	h, ok := c.opts.services.Lookup(name)
	if !ok {
		return nil
	}
	return h
}

// invoke is the innermost handler of the middleware chain.
func (c *Connection) invoke(ctx context.Context, req *message.Message) (reply *message.Message) {
	h := c.lookup(req.Service)
	if h == nil {
		return req.Fail("not found service " + req.Service)
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("service panic",
				zap.String("service", req.Service),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			reply = req.Fail(fmt.Sprintf("service %s panic: %v", req.Service, r))
		}
	}()

	out, err := h.Invoke(ctx, req.Codec, req.Bytes)
	if err != nil {
		return req.Fail(err.Error())
	}
	return req.Reply(out)
}

func (c *Connection) reply(msg *message.Message) {
	if err := c.sendMessage(msg); err != nil {
		c.logger.Warn("send reply failed", zap.String("service", msg.Service), zap.Uint32("id", msg.ID), zap.Error(err))
	}
}

// deliver hands a reply to its waiter. Taking the waiter out of the table
// here guarantees a single delivery per id.
func (c *Connection) deliver(msg *message.Message) {
	c.mu.Lock()
	waiter, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("drop reply without waiter", zap.Uint32("id", msg.ID), zap.String("service", msg.Service))
		return
	}
	waiter <- msg
}

func (c *Connection) sendMessage(msg *message.Message) error {
	return c.sendFrame(protocol.NewFrame(protocol.FlagRPC, msg.Encode()))
}

func (c *Connection) sendFrame(f *protocol.Frame) error {
	if err := c.outbound.Push(f); err != nil {
		return ErrClosed
	}
	return nil
}

// writeLoop is the only writer of the transport. Frames already queued are
// packed into one write; the peer reassembles them.
func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	for {
		f, ok := c.outbound.Poll(time.Time{})
		if !ok {
			return
		}
		batch := protocol.Encode(f)
		for len(batch) < maxBatch {
			next, ok := c.outbound.TryPoll()
			if !ok {
				break
			}
			batch = append(batch, protocol.Encode(next)...)
		}

		if err := c.transport.Send(batch); err != nil {
			c.logger.Warn("write frames failed", zap.Error(err))
			go c.Close()
			return
		}
	}
}

// Close tears the connection down. It is safe to call from any goroutine and
// more than once; only the first call does anything.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.streams.Stop()
		if c.opts.peers != nil {
			c.opts.peers.Remove(c)
		}

		// Wake every caller still waiting for a reply.
		c.cancel()
		close(c.done)
		c.mu.Lock()
		clear(c.pending)
		c.mu.Unlock()

		// Let the writer flush what was queued before the stop.
		c.outbound.Stop()
		select {
		case <-c.writerDone:
		case <-time.After(c.opts.drainTimeout):
			c.logger.Warn("outbound queue not drained", zap.Int("left", c.outbound.Len()))
		}

		if err := c.transport.Close(); err != nil {
			c.logger.Debug("close transport", zap.Error(err))
		}
		for _, l := range c.opts.listeners {
			l.OnDisconnected(c)
		}
		c.logger.Info("connection closed")
	})
}

// Wait blocks until every inbound request being served has replied.
func (c *Connection) Wait() {
	c.serving.Wait()
}
