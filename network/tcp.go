package network

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	reuse "github.com/portmapping/go-reuse"

	"xcom/xcomproto"
)

const DefaultQueueLen = 1024

// TCPProvider frames PaxMsgs over plain TCP. Each connection has a reader
// goroutine feeding the inbound func and a writer goroutine draining a
// bounded queue so that Send never blocks the caller.
type TCPProvider struct {
	QueueLen int

	mu       sync.Mutex
	listener net.Listener
	inbound  InboundFunc
	conns    map[*tcpConn]struct{}
	dialer   net.Dialer
	stopped  bool
	wg       sync.WaitGroup
}

func NewTCPProvider() *TCPProvider {
	return &TCPProvider{
		QueueLen: DefaultQueueLen,
		conns:    make(map[*tcpConn]struct{}),
	}
}

func (p *TCPProvider) Start(ctx context.Context, self string, inbound InboundFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbound = inbound
	if self == "" {
		return nil
	}
	l, err := reuse.Listen("tcp", self)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", self)
	}
	p.listener = l
	p.wg.Add(1)
	go p.acceptLoop(l)
	log.Infof("listening on %s", l.Addr())
	return nil
}

// ListenAddr is the bound address, useful when listening on port 0.
func (p *TCPProvider) ListenAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

func (p *TCPProvider) acceptLoop(l net.Listener) {
	defer p.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			p.mu.Lock()
			stopped := p.stopped
			p.mu.Unlock()
			if !stopped {
				log.Warningf("accept error: %v", err)
			}
			return
		}
		if p.track(conn, "") == nil {
			conn.Close()
			return
		}
	}
}

func (p *TCPProvider) Connect(ctx context.Context, addr string) (ConnectionDescriptor, error) {
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	c := p.track(conn, addr)
	if c == nil {
		conn.Close()
		return nil, ErrClosed
	}
	return c, nil
}

func (p *TCPProvider) track(conn net.Conn, addr string) *tcpConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	if addr == "" {
		addr = conn.RemoteAddr().String()
	}
	c := &tcpConn{
		addr:     addr,
		conn:     conn,
		out:      make(chan []byte, p.QueueLen),
		closed:   make(chan struct{}),
		provider: p,
	}
	atomic.StoreInt32(&c.connected, 1)
	p.conns[c] = struct{}{}
	p.wg.Add(2)
	go c.readLoop(p.inbound)
	go c.writeLoop()
	return c
}

func (p *TCPProvider) untrack(c *tcpConn) {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
}

func (p *TCPProvider) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	var err error
	if p.listener != nil {
		err = p.listener.Close()
	}
	conns := make([]*tcpConn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	p.wg.Wait()
	return err
}

type tcpConn struct {
	addr      string
	conn      net.Conn
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	connected int32
	provider  *TCPProvider
}

func (c *tcpConn) Addr() string {
	return c.addr
}

func (c *tcpConn) Connected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

func (c *tcpConn) Send(m *xcomproto.PaxMsg) error {
	if !c.Connected() {
		return ErrClosed
	}
	var buf bytes.Buffer
	m.Marshal(&buf)
	select {
	case c.out <- buf.Bytes():
		return nil
	case <-c.closed:
		return ErrClosed
	default:
		return errors.Wrapf(ErrQueueFull, "to %s", c.addr)
	}
}

func (c *tcpConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.connected, 0)
		close(c.closed)
		err = c.conn.Close()
		c.provider.untrack(c)
	})
	return err
}

func (c *tcpConn) readLoop(inbound InboundFunc) {
	defer c.provider.wg.Done()
	defer c.Close()
	r := bufio.NewReader(c.conn)
	for {
		m := &xcomproto.PaxMsg{}
		if err := m.Unmarshal(r); err != nil {
			if c.Connected() {
				log.Debugf("connection %s: %v", c.addr, err)
			}
			return
		}
		if inbound != nil {
			inbound(c, m)
		}
	}
}

func (c *tcpConn) writeLoop() {
	defer c.provider.wg.Done()
	w := bufio.NewWriter(c.conn)
	for {
		select {
		case b := <-c.out:
			w.Write(b)
			// batch whatever else is already queued into one flush
			for more := true; more; {
				select {
				case b = <-c.out:
					w.Write(b)
				default:
					more = false
				}
			}
			if err := w.Flush(); err != nil {
				log.Debugf("write to %s: %v", c.addr, err)
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}
