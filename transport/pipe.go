package transport

import (
	"net/http"
	"sync"
	"time"
	"wsrpc/queue"
)

// PipeConn is one end of an in-memory Transport pair. Sent bytes can be split
// into fixed-size chunks to reproduce the partial deliveries of a real socket.
type PipeConn struct {
	peer   *PipeConn
	chunk  int
	inbox  *queue.Queue[[]byte]
	header http.Header

	mu        sync.Mutex
	handler   Handler
	closeOnce sync.Once
}

// Pipe returns two connected ends. A positive chunk size splits every Send
// into deliveries of at most chunk bytes.
func Pipe(chunk int) (*PipeConn, *PipeConn) {
	a := &PipeConn{chunk: chunk, inbox: queue.New[[]byte](), header: http.Header{}}
	b := &PipeConn{chunk: chunk, inbox: queue.New[[]byte](), header: http.Header{}}
	a.peer, b.peer = b, a
	return a, b
}

// SetHeader sets a handshake header as seen by this end.
func (p *PipeConn) SetHeader(key, value string) {
	p.header.Set(key, value)
}

func (p *PipeConn) Header(key string) string {
	return p.header.Get(key)
}

func (p *PipeConn) Start(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
	go p.deliver()
}

func (p *PipeConn) deliver() {
	for {
		chunk, ok := p.inbox.Poll(time.Time{})
		p.mu.Lock()
		h := p.handler
		p.mu.Unlock()
		if h == nil {
			return
		}
		if !ok {
			h.OnClose(ErrClosed)
			return
		}
		h.OnData(chunk)
	}
}

func (p *PipeConn) Send(data []byte) error {
	size := p.chunk
	if size <= 0 {
		size = len(data)
	}
	for len(data) > 0 {
		n := min(size, len(data))
		chunk := append([]byte(nil), data[:n]...)
		if err := p.peer.inbox.Push(chunk); err != nil {
			return ErrClosed
		}
		data = data[n:]
	}
	return nil
}

// Close shuts both directions, like closing a socket.
func (p *PipeConn) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.handler = nil
		p.mu.Unlock()
		p.inbox.Stop()
		p.peer.inbox.Stop()
	})
	return nil
}
