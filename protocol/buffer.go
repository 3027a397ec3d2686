package protocol

import "sync"

// Buffer reassembles the byte chunks delivered by the transport so the reader
// can ask for an exact number of bytes: first a header, then its payload.
// Chunks are kept as a list and only the chunk straddling a read boundary is
// split, so batched deliveries are never rescanned or copied as a whole.
type Buffer struct {
	mu     sync.Mutex
	chunks [][]byte
	size   int
}

// Write appends chunk. The buffer keeps a reference, callers must not reuse it.
func (b *Buffer) Write(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Peek returns a copy of the first n bytes without consuming them, or nil if
// fewer than n bytes are buffered.
func (b *Buffer) Peek(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || b.size < n {
		return nil
	}

	out := make([]byte, 0, n)
	for _, chunk := range b.chunks {
		left := n - len(out)
		if len(chunk) >= left {
			out = append(out, chunk[:left]...)
			break
		}
		out = append(out, chunk...)
	}
	return out
}

// Read consumes and returns exactly n bytes, or nil if fewer than n are buffered.
func (b *Buffer) Read(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || b.size < n {
		return nil
	}

	// Fast path: the head chunk holds the whole request.
	if head := b.chunks[0]; len(head) >= n {
		out := head[:n:n]
		b.advance(n)
		return out
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		head := b.chunks[0]
		left := n - len(out)
		if len(head) > left {
			out = append(out, head[:left]...)
			b.advance(left)
			break
		}
		out = append(out, head...)
		b.advance(len(head))
	}
	return out
}

// advance drops n bytes from the front. The caller holds the lock and has
// checked that n bytes are available.
func (b *Buffer) advance(n int) {
	b.size -= n
	for n > 0 {
		head := b.chunks[0]
		if len(head) > n {
			b.chunks[0] = head[n:]
			return
		}
		n -= len(head)
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
	}
	if len(b.chunks) == 0 {
		b.chunks = nil
	}
}
