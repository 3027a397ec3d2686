package conn

import (
	"sort"
	"sync"
)

// Peers indexes open connections by the host id of the remote side.
type Peers struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewPeers() *Peers {
	return &Peers{conns: make(map[string]*Connection)}
}

// Add registers c and returns the connection it replaced, if any.
func (p *Peers) Add(c *Connection) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.conns[c.Peer()]
	p.conns[c.Peer()] = c
	return prev
}

func (p *Peers) Get(peer string) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[peer]
	return c, ok
}

// Remove drops c unless another connection has taken its peer id since.
func (p *Peers) Remove(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[c.Peer()] == c {
		delete(p.conns, c.Peer())
	}
}

// List returns the open connections sorted by peer id.
func (p *Peers) List() []*Connection {
	p.mu.RLock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].Peer() < conns[j].Peer() })
	return conns
}

func (p *Peers) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}
