package xcom

import (
	"context"

	"xcom/dlog"
	"xcom/network"
	"xcom/proposer"
	"xcom/sitedef"
	"xcom/xcomproto"
)

const maxPendingPerPeer = 1024

// loopback delivers messages to this node through the event loop's local
// queue. It is only used from the loop goroutine.
type loopback struct {
	e *Engine
}

func (l *loopback) Addr() string {
	return l.e.self.Address
}

func (l *loopback) Send(m *xcomproto.PaxMsg) error {
	l.e.local = append(l.e.local, m.Clone())
	return nil
}

func (l *loopback) Close() error {
	return nil
}

func (l *loopback) Connected() bool {
	return true
}

// stamp piggybacks our progress on an outgoing message.
func (e *Engine) stamp(site *sitedef.SiteDef, m *xcomproto.PaxMsg) {
	m.From = sitedef.VoidNodeNo
	if site != nil {
		m.From = site.NodeNo
	}
	if m.Synode.GroupID == 0 {
		m.Synode.GroupID = e.group
	}
	m.Delivered = e.executed
	m.LastRemoved = e.cache.LastRemoved()
	m.MaxSynode = e.maxSynode
}

// reply answers on the connection a request came in on.
func (e *Engine) reply(conn network.ConnectionDescriptor, site *sitedef.SiteDef, m *xcomproto.PaxMsg) {
	e.stamp(site, m)
	if err := conn.Send(m); err != nil {
		dlog.Printf("reply %s to %s: %v", m, conn.Addr(), err)
	}
}

// sendToNode sends m to member n of site.
func (e *Engine) sendToNode(site *sitedef.SiteDef, n uint32, m *xcomproto.PaxMsg) {
	addr := site.Address(n)
	if addr == "" {
		return
	}
	e.stamp(site, m)
	e.sendTo(addr, m)
}

// broadcast sends a copy of m to every member of site, this node included.
func (e *Engine) broadcast(site *sitedef.SiteDef, m *xcomproto.PaxMsg) {
	for n := uint32(0); n < site.MaxNodes(); n++ {
		e.sendToNode(site, n, m.Clone())
	}
}

// broadcastLearn sends a decision to the members of site and of the newest
// site, so that nodes joining in the newest site learn what the old one
// decides.
func (e *Engine) broadcastLearn(site *sitedef.SiteDef, m *xcomproto.PaxMsg, tiny func(n uint32) bool) {
	for n := uint32(0); n < site.MaxNodes(); n++ {
		out := m.Clone()
		if tiny != nil && tiny(n) {
			out = proposer.CreateTinyLearn(m)
		}
		e.sendToNode(site, n, out)
	}
	latest := e.chain.Latest()
	if latest == nil || latest == site {
		return
	}
	for _, node := range latest.Nodes {
		if site.Nodes.Exists(node.Address) {
			continue
		}
		out := m.Clone()
		e.stamp(site, out)
		e.sendTo(node.Address, out)
	}
}

func (e *Engine) sendTo(addr string, m *xcomproto.PaxMsg) {
	if addr == e.self.Address {
		e.loop.Send(m)
		return
	}
	if conn := e.peers[addr]; conn != nil {
		if conn.Connected() {
			if err := conn.Send(m); err == nil {
				return
			}
		}
		conn.Close()
		delete(e.peers, addr)
	}
	if pending, ok := e.dialing[addr]; ok {
		if len(pending) >= maxPendingPerPeer {
			pending = pending[1:]
		}
		e.dialing[addr] = append(pending, m)
		return
	}
	if e.now.Before(e.nextDial[addr]) {
		return
	}
	e.dialing[addr] = []*xcomproto.PaxMsg{m}
	go e.dial(addr)
}

func (e *Engine) dial(addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DetectorTimeout)
	defer cancel()
	conn, err := e.provider.Connect(ctx, addr)
	select {
	case e.dialed <- dialResult{addr: addr, conn: conn, err: err}:
	case <-e.stopping:
		if conn != nil {
			conn.Close()
		}
	}
}

func (e *Engine) onDialed(r dialResult) {
	pending := e.dialing[r.addr]
	delete(e.dialing, r.addr)
	if r.err != nil {
		dlog.Printf("dial %s: %v", r.addr, r.err)
		e.nextDial[r.addr] = e.now.Add(10 * e.cfg.TickInterval)
		return
	}
	if old := e.peers[r.addr]; old != nil {
		old.Close()
	}
	e.peers[r.addr] = r.conn
	delete(e.nextDial, r.addr)
	for _, m := range pending {
		if err := r.conn.Send(m); err != nil {
			dlog.Printf("send to %s: %v", r.addr, err)
			break
		}
	}
}

// connectAll makes sure there is an outgoing connection to every member.
func (e *Engine) connectAll(site *sitedef.SiteDef) {
	for _, n := range site.Nodes {
		if n.Address == e.self.Address {
			continue
		}
		if _, ok := e.peers[n.Address]; ok {
			continue
		}
		if _, ok := e.dialing[n.Address]; ok {
			continue
		}
		e.dialing[n.Address] = nil
		go e.dial(n.Address)
	}
}

// CloseConnection breaks the outgoing connection to addr if it is up. The
// next message to addr dials again.
func (e *Engine) CloseConnection(addr string) bool {
	conn := e.peers[addr]
	if conn == nil || !conn.Connected() {
		return false
	}
	conn.Close()
	delete(e.peers, addr)
	return true
}

// pingSuspects asks members we have not heard from lately whether they are
// alive.
func (e *Engine) pingSuspects() {
	site := e.chain.Latest()
	if site == nil || e.now.Sub(e.lastPing) < e.cfg.PingInterval {
		return
	}
	e.lastPing = e.now
	for _, n := range e.detector.Suspects(site, e.now) {
		ping := xcomproto.NewPaxMsg(xcomproto.AreYouAliveOp, xcomproto.Synode{GroupID: e.group})
		e.sendToNode(site, n, ping)
	}
}

func (e *Engine) updateLocalView() {
	site := e.chain.Latest()
	if site == nil {
		return
	}
	view := e.detector.Alive(site, e.now)
	changed := len(view) != len(e.localView)
	for i := 0; !changed && i < len(view); i++ {
		changed = view[i] != e.localView[i]
	}
	if !changed {
		return
	}
	e.localView = view
	if e.cfg.Views != nil {
		e.cfg.Views.LocalView(site, view)
	}
	e.log.Debugf("local view of %s: %v", site.Nodes, view)
}

func (e *Engine) heard(addr string) {
	e.detector.Heard(addr, e.now)
}
