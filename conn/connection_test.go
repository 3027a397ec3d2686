package conn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"wsrpc/codec"
	"wsrpc/message"
	"wsrpc/protocol"
	"wsrpc/service"
	"wsrpc/stream"
	"wsrpc/transport"
)

func echo(ctx context.Context, ct codec.Type, payload []byte) ([]byte, error) {
	return payload, nil
}

func testServices() *service.Registry {
	reg := service.NewRegistry()
	reg.Add("echo", service.HandlerFunc(echo))
	reg.Add("shuffle", service.HandlerFunc(func(ctx context.Context, ct codec.Type, payload []byte) ([]byte, error) {
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		return payload, nil
	}))
	reg.Add("fail", service.HandlerFunc(func(ctx context.Context, ct codec.Type, payload []byte) ([]byte, error) {
		return nil, errors.New("something broke")
	}))
	reg.Add("panic", service.HandlerFunc(func(ctx context.Context, ct codec.Type, payload []byte) ([]byte, error) {
		panic("boom")
	}))
	reg.Add("block", service.HandlerFunc(func(ctx context.Context, ct codec.Type, payload []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	reg.Add("whoami", service.HandlerFunc(func(ctx context.Context, ct codec.Type, payload []byte) ([]byte, error) {
		c, ok := FromContext(ctx)
		if !ok {
			return nil, errors.New("no connection in context")
		}
		return []byte(c.Peer()), nil
	}))
	return reg
}

// pair connects two started connections through an in-memory pipe.
func pair(t *testing.T, chunk int, aOpts, bOpts []Option) (*Connection, *Connection) {
	t.Helper()
	ta, tb := transport.Pipe(chunk)
	ta.SetHeader(transport.HeaderHostID, "host-b")
	ta.SetHeader(transport.HeaderConnectionID, "conn-1")
	tb.SetHeader(transport.HeaderHostID, "host-a")

	base := []Option{WithLogger(zap.NewNop()), WithServices(testServices())}
	a := New(ta, append(append(base, WithHost("host-a")), aOpts...)...)
	b := New(tb, append(append(base, WithHost("host-b"), WithID("conn-1")), bOpts...)...)
	a.Start()
	b.Start()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// rawPeer is a transport handler that parses the frames a connection writes.
type rawPeer struct {
	buf    protocol.Buffer
	frames chan *protocol.Frame
	closed chan struct{}
	once   sync.Once
}

func newRawPeer() *rawPeer {
	return &rawPeer{frames: make(chan *protocol.Frame, 64), closed: make(chan struct{})}
}

func (r *rawPeer) OnData(chunk []byte) {
	r.buf.Write(chunk)
	for {
		header := r.buf.Peek(protocol.HeaderSize)
		if header == nil {
			return
		}
		length, err := protocol.ParseHeader(header)
		if err != nil {
			return
		}
		data := r.buf.Read(protocol.HeaderSize + int(length))
		if data == nil {
			return
		}
		f, _, _ := protocol.Parse(data)
		r.frames <- f
	}
}

func (r *rawPeer) OnClose(err error) {
	r.once.Do(func() { close(r.closed) })
}

func (r *rawPeer) next(t *testing.T) *protocol.Frame {
	t.Helper()
	select {
	case f := <-r.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

// rawPair returns a started connection and the raw end of its pipe.
func rawPair(t *testing.T) (*Connection, *transport.PipeConn, *rawPeer) {
	t.Helper()
	ta, tb := transport.Pipe(0)
	c := New(ta, WithLogger(zap.NewNop()), WithServices(testServices()))
	c.Start()
	peer := newRawPeer()
	tb.Start(peer)
	t.Cleanup(func() {
		c.Close()
		tb.Close()
	})
	return c, tb, peer
}

func requestFrame(id uint32, name string, payload []byte) []byte {
	msg := &message.Message{Type: message.TypeRequest, Codec: codec.Protobuf, ID: id, Service: name, Bytes: payload}
	return protocol.Encode(protocol.NewFrame(protocol.FlagRPC, msg.Encode()))
}

func TestCallEcho(t *testing.T) {
	for _, chunk := range []int{0, 1, 7} {
		t.Run(fmt.Sprintf("chunk=%d", chunk), func(t *testing.T) {
			a, _ := pair(t, chunk, nil, nil)

			reply := a.Call(context.Background(), "echo", codec.Protobuf, []byte("hi"), time.Second)
			if reply.Type != message.TypeReply {
				t.Fatalf("expected reply, got %s %q", reply.Type, reply.Error)
			}
			if string(reply.Bytes) != "hi" {
				t.Fatalf("reply bytes = %q", reply.Bytes)
			}
			if reply.Codec != codec.Protobuf {
				t.Fatalf("reply codec = %s", reply.Codec)
			}
		})
	}
}

func TestCallBothDirections(t *testing.T) {
	a, b := pair(t, 0, nil, nil)

	if reply := b.Call(context.Background(), "echo", codec.JSON, []byte("from b"), time.Second); string(reply.Bytes) != "from b" {
		t.Fatalf("b→a reply = %+v", reply)
	}
	if reply := a.Call(context.Background(), "whoami", codec.JSON, nil, time.Second); string(reply.Bytes) != "host-a" {
		t.Fatalf("handler should see the calling peer, got %+v", reply)
	}
}

func TestCallMissingService(t *testing.T) {
	a, _ := pair(t, 0, nil, nil)

	reply := a.Call(context.Background(), "missing", codec.Protobuf, []byte("x"), time.Second)
	if reply.Type != message.TypeError {
		t.Fatalf("expected error, got %s", reply.Type)
	}
	if !strings.Contains(reply.Error, "not found service missing") {
		t.Fatalf("error = %q", reply.Error)
	}

	var remote *message.RemoteError
	if !errors.As(reply.Err(), &remote) {
		t.Fatalf("Err() = %v", reply.Err())
	}
}

func TestCallHandlerFailures(t *testing.T) {
	a, _ := pair(t, 0, nil, nil)

	reply := a.Call(context.Background(), "fail", codec.Protobuf, nil, time.Second)
	if reply.Type != message.TypeError || reply.Error != "something broke" {
		t.Fatalf("fail reply = %+v", reply)
	}

	reply = a.Call(context.Background(), "panic", codec.Protobuf, nil, time.Second)
	if reply.Type != message.TypeError || !strings.Contains(reply.Error, "boom") {
		t.Fatalf("panic reply = %+v", reply)
	}

	// The dispatcher survives both.
	if reply := a.Call(context.Background(), "echo", codec.Protobuf, []byte("ok"), time.Second); string(reply.Bytes) != "ok" {
		t.Fatalf("echo after failures = %+v", reply)
	}
}

func TestCallTimeout(t *testing.T) {
	ta, _ := transport.Pipe(0)
	c := New(ta, WithLogger(zap.NewNop()))
	c.Start()
	defer c.Close()

	start := time.Now()
	reply := c.Call(context.Background(), "slow", codec.Protobuf, nil, 50*time.Millisecond)
	elapsed := time.Since(start)

	if reply.Type != message.TypeError || reply.Error != "call service slow timeout" {
		t.Fatalf("expected timeout error, got %+v", reply)
	}
	if !reply.Local {
		t.Fatal("a timeout is built locally and must be marked so")
	}
	if elapsed < 50*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Fatalf("timeout after %v, want about 50ms", elapsed)
	}
	if c.Pending() != 0 {
		t.Fatalf("waiter not removed, %d pending", c.Pending())
	}
}

func TestCallContextCancel(t *testing.T) {
	a, _ := pair(t, 0, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	reply := a.Call(ctx, "block", codec.Protobuf, nil, 10*time.Second)
	if reply.Type != message.TypeError || !strings.Contains(reply.Error, context.DeadlineExceeded.Error()) {
		t.Fatalf("expected cancellation error, got %+v", reply)
	}
}

func TestConcurrentCalls(t *testing.T) {
	a, _ := pair(t, 5, nil, nil)

	const n = 200
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("payload-%d", i)
			reply := a.Call(context.Background(), "shuffle", codec.Protobuf, []byte(want), 5*time.Second)
			if reply.Type != message.TypeReply || string(reply.Bytes) != want {
				errs <- fmt.Errorf("call %d got %s %q %q", i, reply.Type, reply.Bytes, reply.Error)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if a.Pending() != 0 {
		t.Fatalf("%d waiters left", a.Pending())
	}
}

func TestRegisterSkipsPendingIDs(t *testing.T) {
	ta, _ := transport.Pipe(0)
	c := New(ta, WithLogger(zap.NewNop()))

	c.nextID.Store(^uint32(0) - 1)
	first, w1 := c.register()
	second, w2 := c.register()
	if first != ^uint32(0) || second != 1 {
		t.Fatalf("ids = %d, %d; want wrap skipping 0", first, second)
	}

	// Pretend id 2 is still in flight after a full wrap.
	c.pending[2] = make(chan *message.Message, 1)
	third, _ := c.register()
	if third != 3 {
		t.Fatalf("busy id reused: got %d", third)
	}

	c.unregister(first, w1)
	c.unregister(second, w2)
	if _, ok := c.pending[first]; ok {
		t.Fatal("waiter not removed")
	}
}

func TestLateReplyDropped(t *testing.T) {
	c, tb, peer := rawPair(t)

	reply := c.Call(context.Background(), "echo", codec.Protobuf, []byte("x"), 30*time.Millisecond)
	if reply.Type != message.TypeError {
		t.Fatalf("expected timeout, got %+v", reply)
	}
	req := peer.next(t)
	msg, err := message.Decode(req.Payload)
	if err != nil {
		t.Fatal(err)
	}

	// The reply arrives after the caller gave up.
	late := msg.Reply([]byte("late"))
	tb.Send(protocol.Encode(protocol.NewFrame(protocol.FlagRPC, late.Encode())))

	// The connection keeps working.
	tb.Send(requestFrame(7, "echo", []byte("still here")))
	f := peer.next(t)
	got, err := message.Decode(f.Payload)
	if err != nil || got.ID != 7 || string(got.Bytes) != "still here" {
		t.Fatalf("reply = %+v, %v", got, err)
	}
}

func TestIllegalFrameClosesConnection(t *testing.T) {
	c, tb, _ := rawPair(t)

	garbage := bytes.Repeat([]byte{0x00}, protocol.HeaderSize)
	tb.Send(garbage)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection should close on an illegal frame")
	}
	if !c.IsClosed() {
		t.Fatal("IsClosed should report true")
	}
}

func TestMalformedMessageDropped(t *testing.T) {
	c, tb, peer := rawPair(t)

	// A valid frame whose envelope has an unknown type.
	bad := protocol.NewFrame(protocol.FlagRPC, append([]byte{9, 1}, make([]byte, 10)...))
	tb.Send(protocol.Encode(bad))

	// A frame for a stream nobody registered.
	stray := protocol.NewFrame(protocol.FlagStream, []byte("stray"))
	stray.Opcode = protocol.OpData
	stray.Group = 99
	tb.Send(protocol.Encode(stray))

	tb.Send(requestFrame(1, "echo", []byte("ping")))
	f := peer.next(t)
	msg, err := message.Decode(f.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != message.TypeReply || string(msg.Bytes) != "ping" {
		t.Fatalf("reply = %+v", msg)
	}
	if c.IsClosed() {
		t.Fatal("a bad message must not close the connection")
	}
}

func TestUnknownStreamFrameDropped(t *testing.T) {
	c, tb, peer := rawPair(t)

	// Every control and data opcode for a group nobody registered.
	for _, op := range []protocol.Opcode{protocol.OpOpen, protocol.OpData, protocol.OpClose} {
		f := protocol.NewFrame(protocol.FlagStream, []byte("stray"))
		f.Opcode = op
		f.Group = 4242
		f.Index = 1
		tb.Send(protocol.Encode(f))
	}

	tb.Send(requestFrame(7, "echo", []byte("still here")))
	msg, err := message.Decode(peer.next(t).Payload)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != 7 || msg.Type != message.TypeReply || string(msg.Bytes) != "still here" {
		t.Fatalf("reply = %+v", msg)
	}
	if c.IsClosed() {
		t.Fatal("a frame for an unknown stream must not close the connection")
	}
	if _, ok := c.streams.Get(4242); ok {
		t.Fatal("an unknown stream must not be created by its frames")
	}
}

func TestBatchedFrames(t *testing.T) {
	_, tb, peer := rawPair(t)

	var batch []byte
	for i := 1; i <= 5; i++ {
		batch = append(batch, requestFrame(uint32(i), "echo", []byte{byte(i)})...)
	}
	tb.Send(batch)

	seen := make(map[uint32]bool)
	for i := 0; i < 5; i++ {
		msg, err := message.Decode(peer.next(t).Payload)
		if err != nil {
			t.Fatal(err)
		}
		if len(msg.Bytes) != 1 || uint32(msg.Bytes[0]) != msg.ID {
			t.Fatalf("reply %d carries %v", msg.ID, msg.Bytes)
		}
		seen[msg.ID] = true
	}
	if len(seen) != 5 {
		t.Fatalf("replies for %v", seen)
	}
}

func TestStreamOverConnection(t *testing.T) {
	a, b := pair(t, 3, nil, nil)

	sa, err := a.NewStream(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	// The accepting side must know the id before the open frame arrives.
	sb, err := b.Stream(sa.ID(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	accepted := make(chan error, 1)
	go func() { accepted <- sb.Accept() }()

	if err := sa.Open(); err != nil {
		t.Fatal(err)
	}
	if err := <-accepted; err != nil {
		t.Fatal(err)
	}

	want := [][]byte{[]byte("first"), bytes.Repeat([]byte("x"), 4096), []byte("last")}
	for _, data := range want {
		if err := sa.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	sa.Close()

	for i := 0; ; i++ {
		data, err := sb.Read()
		if err == io.EOF {
			if i != len(want) {
				t.Fatalf("EOF after %d reads", i)
			}
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(data, want[i]) {
			t.Fatalf("read %d mismatch", i)
		}
	}
	sb.Close()

	deadline := time.Now().Add(2 * time.Second)
	for sa.State() != stream.StateClosed || sb.State() != stream.StateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("states %s/%s", sa.State(), sb.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAcceptStreamFromHandler(t *testing.T) {
	reg := testServices()
	streamed := make(chan string, 1)
	// The handler learns the stream id from the request and accepts it.
	reg.Add("upload", service.HandlerFunc(func(ctx context.Context, ct codec.Type, payload []byte) ([]byte, error) {
		c, _ := FromContext(ctx)
		id := uint16(payload[0])<<8 | uint16(payload[1])
		s, err := c.Stream(id, time.Second)
		if err != nil {
			return nil, err
		}
		go func() {
			if err := s.Accept(); err != nil {
				streamed <- err.Error()
				return
			}
			data, _ := s.Read()
			streamed <- string(data)
			s.Close()
		}()
		return nil, nil
	}))

	a, _ := pair(t, 0, nil, []Option{WithServices(reg)})
	s, _ := a.NewStream(time.Second)
	reply := a.Call(context.Background(), "upload", codec.Protobuf, []byte{byte(s.ID() >> 8), byte(s.ID())}, time.Second)
	if reply.Type != message.TypeReply {
		t.Fatalf("upload = %+v", reply)
	}
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	s.Write([]byte("file contents"))

	select {
	case got := <-streamed:
		if got != "file contents" {
			t.Fatalf("handler read %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never read the stream")
	}
	s.Close()
}

type recordingListener struct {
	mu     *sync.Mutex
	name   string
	events *[]string
}

func (l *recordingListener) OnConnected(c *Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.events = append(*l.events, l.name+" connected "+c.Peer())
}

func (l *recordingListener) OnDisconnected(c *Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.events = append(*l.events, l.name+" disconnected "+c.Peer())
}

func TestCloseLifecycle(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	first := &recordingListener{mu: &mu, name: "first", events: &events}
	second := &recordingListener{mu: &mu, name: "second", events: &events}
	peers := NewPeers()

	a, b := pair(t, 0, []Option{WithPeers(peers), WithListener(first), WithListener(second)}, nil)
	if got, ok := peers.Get("host-b"); !ok || got != a {
		t.Fatal("connection should be registered under its peer id")
	}
	if a.ID() != "conn-1" || b.ID() != "conn-1" || a.Host() != "host-a" {
		t.Fatalf("identity a=%s/%s b=%s", a.ID(), a.Host(), b.ID())
	}

	// A call in flight is failed by close instead of waiting for its timeout.
	result := make(chan *message.Message, 1)
	go func() {
		result <- a.Call(context.Background(), "block", codec.Protobuf, nil, 10*time.Second)
	}()
	deadline := time.Now().Add(time.Second)
	for a.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	a.Close()
	a.Close()

	select {
	case reply := <-result:
		if reply.Error != "connection closed" {
			t.Fatalf("pending call got %+v", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released by close")
	}
	if _, ok := peers.Get("host-b"); ok {
		t.Fatal("closed connection should leave the peer table")
	}
	if reply := a.Call(context.Background(), "echo", codec.Protobuf, nil, time.Second); reply.Error != "connection closed" {
		t.Fatalf("call after close = %+v", reply)
	}
	if _, err := a.NewStream(0); !errors.Is(err, stream.ErrControllerStopped) {
		t.Fatalf("NewStream after close: %v", err)
	}

	// The remote side notices the pipe closing.
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer connection should close too")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"first connected host-b", "second connected host-b",
		"first disconnected host-b", "second disconnected host-b",
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v", events)
		}
	}
}

func TestPeersReplace(t *testing.T) {
	peers := NewPeers()
	ta, _ := transport.Pipe(0)
	tc, _ := transport.Pipe(0)
	ta.SetHeader(transport.HeaderHostID, "same")
	tc.SetHeader(transport.HeaderHostID, "same")
	old := New(ta, WithLogger(zap.NewNop()))
	cur := New(tc, WithLogger(zap.NewNop()))

	peers.Add(old)
	if prev := peers.Add(cur); prev != old {
		t.Fatal("Add should return the replaced connection")
	}
	peers.Remove(old)
	if got, _ := peers.Get("same"); got != cur {
		t.Fatal("removing a stale connection must keep the current one")
	}
	if peers.Len() != 1 || len(peers.List()) != 1 {
		t.Fatalf("Len = %d", peers.Len())
	}
	peers.Remove(cur)
	if peers.Len() != 0 {
		t.Fatal("table should be empty")
	}
}

func BenchmarkCall(b *testing.B) {
	ta, tb := transport.Pipe(0)
	reg := service.NewRegistry()
	reg.Add("echo", service.HandlerFunc(echo))
	client := New(ta, WithLogger(zap.NewNop()))
	server := New(tb, WithLogger(zap.NewNop()), WithServices(reg))
	client.Start()
	server.Start()
	defer client.Close()
	defer server.Close()

	payload := make([]byte, 128)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if reply := client.Call(context.Background(), "echo", codec.Protobuf, payload, time.Second); reply.Type != message.TypeReply {
				b.Fatal(reply.Error)
			}
		}
	})
}
