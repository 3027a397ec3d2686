// Package stream multiplexes independent byte streams over one connection.
//
// Every stream walks the same state machine:
//
//	inited ─Open──► opening ──accept──┐
//	   │                              ├─► streaming ─Close─► finWait ──ack──┐
//	   └──Accept─► accepting ──open───┘       │                             ├─► closed
//	                                          └──fin──► closeWait ─Close────┘
//
// Control and data frames share the stream lane of the connection and are
// told apart by opcode. Each side numbers its own frames with a 16-bit index
// so a fin that overtakes the last data frame can be put back in order.
package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wsrpc/protocol"
	"wsrpc/queue"
)

var (
	ErrIllegalState = errors.New("stream: illegal state")
	ErrBrokenFrame  = errors.New("stream: unexpected frame")
	ErrTimeout      = errors.New("stream: receive timeout")
	ErrClosed       = errors.New("stream: closed")
)

type State int32

const (
	StateInited State = iota
	StateOpening
	StateAccepting
	StateStreaming
	StateFinWait
	StateCloseWait
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInited:
		return "inited"
	case StateOpening:
		return "opening"
	case StateAccepting:
		return "accepting"
	case StateStreaming:
		return "streaming"
	case StateFinWait:
		return "finWait"
	case StateCloseWait:
		return "closeWait"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Sender hands a frame to the owning connection's outbound path.
type Sender func(f *protocol.Frame) error

type Stream struct {
	id      uint16
	timeout atomic.Int64
	inbox   *queue.Queue[*protocol.Frame]
	send    Sender
	release func(*Stream)
	logger  *zap.Logger

	mu      sync.Mutex
	state   State
	closing bool   // Close has been scheduled
	peerFin bool   // a close frame from the peer has been pushed
	index   uint16 // last outbound index
	finAck  chan struct{}

	// Owned by the reader.
	lastIndex uint16
	held      *protocol.Frame
}

func newStream(id uint16, timeout time.Duration, send Sender, release func(*Stream), logger *zap.Logger) *Stream {
	s := &Stream{
		id:      id,
		inbox:   queue.New[*protocol.Frame](),
		send:    send,
		release: release,
		logger:  logger.With(zap.Uint16("stream", id)),
		finAck:  make(chan struct{}, 1),
	}
	s.timeout.Store(int64(timeout))
	return s
}

func (s *Stream) ID() uint16 {
	return s.id
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetTimeout bounds every blocking receive of the stream and the close handshake.
func (s *Stream) SetTimeout(d time.Duration) {
	s.timeout.Store(int64(d))
}

func (s *Stream) Timeout() time.Duration {
	return time.Duration(s.timeout.Load())
}

// Open starts the handshake from this side and waits for the peer's accept.
func (s *Stream) Open() error {
	if err := s.transition(StateInited, StateOpening); err != nil {
		return fmt.Errorf("open: %w", err)
	}
	if err := s.send(s.control(protocol.OpOpen)); err != nil {
		s.Close()
		return fmt.Errorf("open stream %d: %w", s.id, err)
	}

	f, err := s.poll()
	if err != nil {
		s.Close()
		return fmt.Errorf("open stream %d: %w", s.id, err)
	}
	if kind, ok := f.Kind(); !ok || kind != protocol.OpAccept {
		s.Close()
		return fmt.Errorf("%w: open stream %d got %s", ErrBrokenFrame, s.id, f.Opcode)
	}

	s.advance(StateOpening, StateStreaming)
	return nil
}

// Accept waits for the peer's open and answers it.
func (s *Stream) Accept() error {
	if err := s.transition(StateInited, StateAccepting); err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	f, err := s.poll()
	if err != nil {
		s.Close()
		return fmt.Errorf("accept stream %d: %w", s.id, err)
	}
	if kind, ok := f.Kind(); !ok || kind != protocol.OpOpen {
		s.Close()
		return fmt.Errorf("%w: accept stream %d got %s", ErrBrokenFrame, s.id, f.Opcode)
	}
	if err := s.send(s.control(protocol.OpAccept)); err != nil {
		s.Close()
		return fmt.Errorf("accept stream %d: %w", s.id, err)
	}

	s.advance(StateAccepting, StateStreaming)
	return nil
}

// Read returns the next payload. It returns io.EOF once the peer has closed
// its side and every data frame before the fin has been delivered.
func (s *Stream) Read() ([]byte, error) {
	switch state := s.State(); state {
	case StateStreaming, StateFinWait:
	case StateCloseWait:
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("%w: read in %s", ErrIllegalState, state)
	}

	for {
		f, err := s.poll()
		if err != nil {
			return nil, err
		}
		kind, ok := f.Kind()
		if !ok {
			return nil, fmt.Errorf("%w: opcode %d", ErrBrokenFrame, f.Opcode)
		}

		switch kind {
		case protocol.OpClose:
			s.mu.Lock()
			if s.state != StateStreaming {
				s.mu.Unlock()
				return nil, io.EOF
			}
			if f.Index == nextIndex(s.lastIndex) {
				s.state = StateCloseWait
				s.mu.Unlock()
				return nil, io.EOF
			}
			s.mu.Unlock()
			s.logger.Debug("fin arrived before data", zap.Uint16("index", f.Index), zap.Uint16("last", s.lastIndex))
			s.held = f

		case protocol.OpOpen, protocol.OpAccept:
			if s.State() == StateFinWait {
				s.notifyFinAck()
			} else {
				s.Close()
			}
			return nil, fmt.Errorf("%w: %s while streaming", ErrBrokenFrame, kind)

		case protocol.OpData:
			s.lastIndex = f.Index
			if fin := s.held; fin != nil {
				s.held = nil
				s.Push(fin)
			}
			return f.Payload, nil
		}
	}
}

// Write sends data as one frame. It returns io.EOF once this side has closed.
func (s *Stream) Write(data []byte) error {
	switch state := s.State(); state {
	case StateStreaming, StateCloseWait:
	case StateFinWait:
		return io.EOF
	default:
		return fmt.Errorf("%w: write in %s", ErrIllegalState, state)
	}

	f := protocol.NewFrame(protocol.FlagStream, data)
	f.Opcode = protocol.OpData
	f.Group = s.id
	f.Index = s.nextIndex()
	if err := s.send(f); err != nil {
		return fmt.Errorf("write stream %d: %w", s.id, err)
	}
	return nil
}

// Close runs the close handshake in the background and returns immediately.
// Calling it again, or after the handshake started, does nothing.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closing || s.state == StateClosed || s.state == StateFinWait {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.mu.Unlock()

	go s.shutdown()
}

// abort closes the stream without waiting for the peer's acknowledgement.
func (s *Stream) abort() {
	s.Close()
	s.notifyFinAck()
}

func (s *Stream) shutdown() {
	defer s.finish()

	for {
		switch s.State() {
		case StateInited:
			s.setState(StateClosed)

		case StateClosed:
			return

		case StateOpening, StateAccepting, StateStreaming:
			if err := s.send(s.fin()); err != nil {
				s.logger.Debug("send fin failed", zap.Error(err))
				s.setState(StateClosed)
				continue
			}
			s.mu.Lock()
			if s.peerFin {
				s.state = StateClosed
			} else {
				s.state = StateFinWait
			}
			s.mu.Unlock()

		case StateFinWait:
			timer := time.NewTimer(s.Timeout())
			select {
			case <-s.finAck:
			case <-timer.C:
				s.logger.Warn("close wait for fin timeout")
			}
			timer.Stop()
			s.setState(StateClosed)

		case StateCloseWait:
			if err := s.send(s.fin()); err != nil {
				s.logger.Debug("send fin failed", zap.Error(err))
			}
			s.setState(StateClosed)
		}
	}
}

func (s *Stream) finish() {
	if s.release != nil {
		s.release(s)
	}
	s.inbox.Stop()
	s.logger.Debug("stream closed")
}

// Push queues an inbound frame for the reader. A close frame is only recorded
// here: the move to closeWait happens when Read consumes it, after every data
// frame queued ahead of it. In finWait it completes the close handshake.
func (s *Stream) Push(f *protocol.Frame) {
	s.logger.Debug("push frame", zap.Stringer("opcode", f.Opcode), zap.Uint16("index", f.Index), zap.Int("size", len(f.Payload)))

	if kind, _ := f.Kind(); kind == protocol.OpClose {
		s.mu.Lock()
		s.peerFin = true
		if s.state == StateFinWait {
			s.notifyFinAck()
		}
		s.mu.Unlock()
	}

	if err := s.inbox.Push(f); err != nil {
		s.logger.Debug("drop frame for stopped stream", zap.Stringer("opcode", f.Opcode), zap.Error(err))
	}
}

func (s *Stream) notifyFinAck() {
	select {
	case s.finAck <- struct{}{}:
	default:
	}
}

func (s *Stream) poll() (*protocol.Frame, error) {
	f, ok := s.inbox.Poll(time.Now().Add(s.Timeout()))
	if ok {
		return f, nil
	}
	if s.inbox.Stopped() {
		return nil, ErrClosed
	}
	s.logger.Debug("poll frame timeout", zap.Duration("timeout", s.Timeout()))
	return nil, ErrTimeout
}

func (s *Stream) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return fmt.Errorf("%w: stream %d is %s", ErrIllegalState, s.id, s.state)
	}
	s.state = to
	return nil
}

// advance moves from one state to the next unless a close got there first.
func (s *Stream) advance(from, to State) {
	s.mu.Lock()
	if s.state == from {
		s.state = to
	}
	s.mu.Unlock()
}

func (s *Stream) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Stream) nextIndex() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = nextIndex(s.index)
	return s.index
}

// control builds an open, accept or close frame. Accept goes out as open+ack.
func (s *Stream) control(op protocol.Opcode) *protocol.Frame {
	f := protocol.NewFrame(protocol.FlagStream, nil)
	f.Group = s.id
	f.Opcode = op
	if op == protocol.OpAccept {
		f.Opcode = protocol.OpOpen
		f.Flag |= protocol.FlagAck
	}
	return f
}

// fin carries the next index so the peer can tell whether data is still missing.
func (s *Stream) fin() *protocol.Frame {
	f := s.control(protocol.OpClose)
	f.Index = s.nextIndex()
	return f
}

// nextIndex skips 0, which is never used by a data frame.
func nextIndex(i uint16) uint16 {
	if i == 65535 {
		return 1
	}
	return i + 1
}
