// Package transport adapts a duplex byte channel to the connection runtime.
//
// A Transport only moves opaque chunks: it knows nothing about frames. The
// connection hands itself in as the Handler when it starts, and the transport
// drops that reference when it closes, so neither side keeps the other alive.
//
//	connection ──Send(bytes)──► Transport ──► socket
//	connection ◄──OnData(chunk)── read pump ◄── socket
package transport

import "errors"

// Header keys exchanged during the WebSocket handshake.
const (
	HeaderConnectionID = "X-Connection-Id"
	HeaderHostID       = "X-Host-Id"
	HeaderAuthToken    = "X-Auth-Token"
)

var ErrClosed = errors.New("transport: closed")

// Handler receives inbound events. OnData is never called concurrently with
// itself, and OnClose is called at most once, after the last OnData.
type Handler interface {
	OnData(chunk []byte)
	OnClose(err error)
}

type Transport interface {
	// Start begins delivering inbound chunks to h.
	Start(h Handler)
	// Send writes one chunk. Callers serialize Send themselves.
	Send(data []byte) error
	// Close releases the socket and the handler. Safe to call more than once.
	Close() error
	// Header returns a value from the handshake headers of the remote side.
	Header(key string) string
}
