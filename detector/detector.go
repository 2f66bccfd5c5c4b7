package detector

import (
	"sync"
	"time"

	"xcom/dlog"
	"xcom/mathextra"
	"xcom/sitedef"
	"xcom/xcomproto"
)

// PingsBeforeShutdown is how many closely spaced pings from one peer it
// takes to conclude that our outgoing connection to it is dead.
const PingsBeforeShutdown = 3

const intervalWeight = 0.2

var log = dlog.Logger("xcom/detector")

// ConnectionCloser breaks the outgoing connection to addr. It reports false
// when there was no established connection to break.
type ConnectionCloser interface {
	CloseConnection(addr string) bool
}

type peer struct {
	lastHeard time.Time
	lastPing  time.Time
	pings     int
	interval  float64
	seeded    bool
}

// Detector keeps per-address liveness. Peers are keyed by address because
// node numbers change from one site to the next.
type Detector struct {
	mu      sync.Mutex
	timeout time.Duration
	closer  ConnectionCloser
	peers   map[string]*peer
}

func New(timeout time.Duration, closer ConnectionCloser) *Detector {
	return &Detector{
		timeout: timeout,
		closer:  closer,
		peers:   make(map[string]*peer),
	}
}

func (d *Detector) peer(addr string) *peer {
	p, ok := d.peers[addr]
	if !ok {
		p = &peer{}
		d.peers[addr] = p
	}
	return p
}

// Track starts the clock for members never heard from, so a freshly
// installed site begins with everybody alive.
func (d *Detector) Track(site *sitedef.SiteDef, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range site.Nodes {
		if p := d.peer(n.Address); p.lastHeard.IsZero() {
			p.lastHeard = now
		}
	}
}

func (d *Detector) Heard(addr string, now time.Time) {
	if addr == "" {
		return
	}
	d.mu.Lock()
	d.peer(addr).lastHeard = now
	d.mu.Unlock()
}

// PreProcessIncomingPing looks at an are-you-alive from a member. A peer that
// keeps pinging is not receiving our traffic even though we may think the
// link is up: after PingsBeforeShutdown pings, each within a third of the
// detector timeout of the previous one, the outgoing connection is closed so
// that it gets redialed. Reports whether a connection was closed.
func (d *Detector) PreProcessIncomingPing(site *sitedef.SiteDef, msg *xcomproto.PaxMsg, hasBooted bool, now time.Time) bool {
	if !hasBooted || site == nil {
		return false
	}
	addr := site.Address(msg.From)
	if addr == "" || msg.From == site.NodeNo {
		return false
	}

	d.mu.Lock()
	p := d.peer(addr)
	p.lastHeard = now
	if !p.lastPing.IsZero() {
		gap := now.Sub(p.lastPing)
		p.interval = mathextra.EwmaSeed(p.interval, intervalWeight, float64(gap), !p.seeded)
		p.seeded = true
		if gap < d.timeout/3 {
			p.pings++
		} else {
			p.pings = 1
		}
	} else {
		p.pings = 1
	}
	p.lastPing = now
	shutdown := p.pings >= PingsBeforeShutdown
	if shutdown {
		p.pings = 0
	}
	d.mu.Unlock()

	if !shutdown || d.closer == nil {
		return false
	}
	if d.closer.CloseConnection(addr) {
		log.Infof("%s keeps asking if we are alive, resetting our connection to it", addr)
		return true
	}
	return false
}

func (d *Detector) alive(addr string, now time.Time) bool {
	p, ok := d.peers[addr]
	return ok && now.Sub(p.lastHeard) < d.timeout
}

// Alive is the local view of site: one entry per member, true when heard
// from within the timeout. This node is always alive to itself.
func (d *Detector) Alive(site *sitedef.SiteDef, now time.Time) []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	view := make([]bool, len(site.Nodes))
	for i, n := range site.Nodes {
		view[i] = uint32(i) == site.NodeNo || d.alive(n.Address, now)
	}
	return view
}

// Suspects lists the members silent for more than half the timeout, the
// ones worth an are-you-alive.
func (d *Detector) Suspects(site *sitedef.SiteDef, now time.Time) []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []uint32
	for i, n := range site.Nodes {
		if uint32(i) == site.NodeNo {
			continue
		}
		p, ok := d.peers[n.Address]
		if !ok || now.Sub(p.lastHeard) >= d.timeout/2 {
			out = append(out, uint32(i))
		}
	}
	return out
}

// PingInterval is the smoothed gap between pings received from addr.
func (d *Detector) PingInterval(addr string) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[addr]; ok {
		return time.Duration(p.interval)
	}
	return 0
}

// Forget drops what is known about peers no longer in site.
func (d *Detector) Forget(site *sitedef.SiteDef) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for addr := range d.peers {
		if !site.Nodes.Exists(addr) {
			delete(d.peers, addr)
		}
	}
}
