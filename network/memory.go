package network

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"

	"xcom/xcomproto"
)

// MemoryNetwork connects MemoryProviders inside one process. Every message
// goes through the wire codec, and links can be cut in one direction to
// simulate asymmetric partitions.
type MemoryNetwork struct {
	mu        sync.Mutex
	providers map[string]*MemoryProvider
	blocked   map[[2]string]bool
	clients   int
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		providers: make(map[string]*MemoryProvider),
		blocked:   make(map[[2]string]bool),
	}
}

// Provider returns the provider for addr, creating it on first use. An empty
// addr gets a fresh client name that nobody can dial.
func (n *MemoryNetwork) Provider(addr string) *MemoryProvider {
	n.mu.Lock()
	defer n.mu.Unlock()
	if addr == "" {
		n.clients++
		addr = fmt.Sprintf("client-%d", n.clients)
	}
	if p, ok := n.providers[addr]; ok {
		return p
	}
	p := &MemoryProvider{network: n, addr: addr}
	p.cond = sync.NewCond(&p.mu)
	n.providers[addr] = p
	return p
}

// Block silently drops everything sent from one address to another.
func (n *MemoryNetwork) Block(from, to string) {
	n.mu.Lock()
	n.blocked[[2]string{from, to}] = true
	n.mu.Unlock()
}

func (n *MemoryNetwork) Unblock(from, to string) {
	n.mu.Lock()
	delete(n.blocked, [2]string{from, to})
	n.mu.Unlock()
}

// Heal removes every block.
func (n *MemoryNetwork) Heal() {
	n.mu.Lock()
	n.blocked = make(map[[2]string]bool)
	n.mu.Unlock()
}

func (n *MemoryNetwork) isBlocked(from, to string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.blocked[[2]string{from, to}]
}

func (n *MemoryNetwork) listening(addr string) *MemoryProvider {
	n.mu.Lock()
	p := n.providers[addr]
	n.mu.Unlock()
	if p == nil || !p.accepting() {
		return nil
	}
	return p
}

type delivery struct {
	conn *memConn
	msg  *xcomproto.PaxMsg
}

// MemoryProvider owns an unbounded mailbox drained by one goroutine, so
// senders never block on a slow receiver.
type MemoryProvider struct {
	network *MemoryNetwork
	addr    string

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []delivery
	inbound InboundFunc
	listen  bool
	started bool
	stopped bool
	conns   map[*memConn]struct{}
	done    chan struct{}
}

func (p *MemoryProvider) Addr() string {
	return p.addr
}

func (p *MemoryProvider) Start(ctx context.Context, self string, inbound InboundFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.Newf("provider %s already started", p.addr)
	}
	if self != "" && self != p.addr {
		return errors.Newf("provider %s cannot listen on %s", p.addr, self)
	}
	p.inbound = inbound
	p.listen = self != ""
	p.started = true
	p.stopped = false
	p.conns = make(map[*memConn]struct{})
	p.done = make(chan struct{})
	go p.deliverLoop(p.done)
	return nil
}

func (p *MemoryProvider) accepting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped && p.listen
}

func (p *MemoryProvider) Connect(ctx context.Context, addr string) (ConnectionDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target := p.network.listening(addr)
	if target == nil {
		return nil, errors.Wrapf(ErrUnknownPeer, "%s", addr)
	}
	local := &memConn{owner: p, remote: addr}
	remote := &memConn{owner: target, remote: p.addr}
	local.peer, remote.peer = remote, local
	if !p.register(local) {
		return nil, ErrClosed
	}
	if !target.register(remote) {
		p.unregister(local)
		return nil, errors.Wrapf(ErrUnknownPeer, "%s", addr)
	}
	return local, nil
}

func (p *MemoryProvider) register(c *memConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return false
	}
	p.conns[c] = struct{}{}
	return true
}

func (p *MemoryProvider) unregister(c *memConn) {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
}

func (p *MemoryProvider) enqueue(d delivery) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return false
	}
	p.queue = append(p.queue, d)
	p.cond.Signal()
	return true
}

func (p *MemoryProvider) deliverLoop(done chan struct{}) {
	defer close(done)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.stopped {
			p.queue = nil
			p.mu.Unlock()
			return
		}
		d := p.queue[0]
		p.queue[0] = delivery{}
		p.queue = p.queue[1:]
		inbound := p.inbound
		p.mu.Unlock()

		if inbound != nil && d.conn.Connected() {
			inbound(d.conn, d.msg)
		}
	}
}

// Stop closes every connection of the provider. The provider can be started
// again, which is how tests restart a node at the same address.
func (p *MemoryProvider) Stop() error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.started = false
	conns := make([]*memConn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	done := p.done
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	<-done
	return nil
}

type memConn struct {
	owner  *MemoryProvider
	remote string
	peer   *memConn

	mu     sync.Mutex
	closed bool
}

func (c *memConn) Addr() string {
	return c.remote
}

func (c *memConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *memConn) Send(m *xcomproto.PaxMsg) error {
	if !c.Connected() {
		return ErrClosed
	}
	if c.owner.network.isBlocked(c.owner.addr, c.remote) {
		return nil
	}
	var buf bytes.Buffer
	m.Marshal(&buf)
	copied := &xcomproto.PaxMsg{}
	if err := copied.Unmarshal(&buf); err != nil {
		return errors.Wrap(err, "memory network codec")
	}
	if !c.peer.owner.enqueue(delivery{conn: c.peer, msg: copied}) {
		c.Close()
		return ErrClosed
	}
	return nil
}

// Close shuts both halves, like a TCP connection going away.
func (c *memConn) Close() error {
	for _, h := range []*memConn{c, c.peer} {
		h.mu.Lock()
		wasClosed := h.closed
		h.closed = true
		h.mu.Unlock()
		if !wasClosed {
			h.owner.unregister(h)
		}
	}
	return nil
}
