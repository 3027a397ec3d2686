package stream

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNoStreamID        = errors.New("stream: no free stream id")
	ErrInvalidStreamID   = errors.New("stream: invalid stream id")
	ErrControllerStopped = errors.New("stream: controller stopped")
)

const maxStreams = 65535

// Controller is the per-connection stream table. Ids live in [1, 65535].
type Controller struct {
	send    Sender
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	streams map[uint16]*Stream
	cursor  uint16 // last allocated id
	stopped bool
}

func NewController(send Sender, timeout time.Duration, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.L()
	}
	return &Controller{
		send:    send,
		timeout: timeout,
		logger:  logger,
		streams: make(map[uint16]*Stream),
	}
}

// Create registers a stream under the first free id after the last one handed
// out, wrapping around. A zero timeout uses the controller default.
func (c *Controller) Create(timeout time.Duration) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, ErrControllerStopped
	}
	if len(c.streams) >= maxStreams {
		return nil, ErrNoStreamID
	}

	id := c.cursor
	for {
		id = nextIndex(id)
		if _, used := c.streams[id]; !used {
			break
		}
	}
	c.cursor = id

	s := newStream(id, c.timeoutOr(timeout), c.send, c.release, c.logger)
	c.streams[id] = s
	return s, nil
}

func (c *Controller) Get(id uint16) (*Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[id]
	return s, ok
}

// GetOrCreate returns the stream registered under a peer chosen id, creating it
// when absent. A non-zero timeout replaces the stream's current one.
func (c *Controller) GetOrCreate(id uint16, timeout time.Duration) (*Stream, error) {
	if id == 0 {
		return nil, ErrInvalidStreamID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[id]; ok {
		if timeout > 0 {
			s.SetTimeout(timeout)
		}
		return s, nil
	}
	if c.stopped {
		return nil, ErrControllerStopped
	}

	s := newStream(id, c.timeoutOr(timeout), c.send, c.release, c.logger)
	c.streams[id] = s
	return s, nil
}

func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// Stop closes every registered stream without waiting for their peers and
// refuses new ones.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopped = true
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	for _, s := range streams {
		s.abort()
	}
}

func (c *Controller) release(s *Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams[s.id] == s {
		delete(c.streams, s.id)
	}
}

func (c *Controller) timeoutOr(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return c.timeout
}
