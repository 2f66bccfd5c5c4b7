package xcom

import (
	"time"

	"github.com/cockroachdb/errors"

	"xcom/clientproposalqueue"
	"xcom/network"
	"xcom/nodelist"
	"xcom/recovery"
	"xcom/sitedef"
	"xcom/xcomfsm"
	"xcom/xcomproto"
)

// fsmHost carries out the lifecycle actions chosen by the state machine.
type fsmHost struct {
	*Engine
}

var _ xcomfsm.Host = fsmHost{}

func (h fsmHost) Boot(nodes nodelist.NodeList) error {
	e := h.Engine
	if nodes.Len() == 0 {
		nodes = nodelist.NodeList{e.self.Clone()}
	}
	if !nodes.Exists(e.self.Address) {
		return errors.Newf("%s is not one of the founding nodes %s", e.self.Address, nodes)
	}
	site := sitedef.BootSite(e.group, nodes, e.cfg.EventHorizon, e.self)
	e.resetGroupState()
	e.executed = site.Start
	e.maxSynode = site.Start
	e.cache.SetDeliveredWatermark(e.executed)
	e.lastProgress = e.now
	e.installSite(site)
	e.log.Infof("booted group %x as node %d of %s", e.group, site.NodeNo, site.Nodes)
	return nil
}

// RequestSnapshot sends a need-boot to the seeds and to every member of the
// newest site we know.
func (h fsmHost) RequestSnapshot() {
	e := h.Engine
	e.lastPoll = e.now
	targets := append([]string(nil), e.seeds...)
	if site := e.chain.Latest(); site != nil {
		targets = append(targets, site.Nodes.Addresses()...)
	}
	seen := make(map[string]bool)
	for _, addr := range targets {
		if addr == e.self.Address || seen[addr] {
			continue
		}
		seen[addr] = true
		m := recovery.InitNeedBootOp(xcomproto.NewPaxMsg(xcomproto.NeedBootOp, xcomproto.Synode{GroupID: e.group}), e.self)
		e.stamp(nil, m)
		e.sendTo(addr, m)
	}
	if len(seen) == 0 {
		e.log.Warningf("no seed to ask for a snapshot")
	}
}

func (h fsmHost) InstallSnapshot(snap *xcomproto.Snapshot) error {
	e := h.Engine
	chain, err := recovery.ImportSnapshot(snap, e.self)
	if err != nil {
		return err
	}
	if e.cfg.Snapshots != nil && snap.App != nil {
		if err := e.cfg.Snapshots.Install(snap.App, snap.LogStart, snap.LogEnd); err != nil {
			return errors.Wrap(err, "install application snapshot")
		}
	}
	upTo := xcomproto.MaxSynode(snap.LogEnd, e.snapshotMax)
	e.resetGroupState()
	e.chain = chain
	e.executed = snap.LogEnd
	e.snapEnd = upTo
	e.maxSynode = upTo
	e.cache.SetDeliveredWatermark(e.executed)
	e.lastProgress = e.now
	e.installSite(chain.Latest())
	e.log.Infof("installed snapshot ending at %s, recovering up to %s", snap.LogEnd, upTo)
	return nil
}

func (h fsmHost) ForceConfig(a *xcomproto.AppData) error {
	return h.forceConfigAction(a)
}

func (h fsmHost) ArmTimer(d time.Duration) {
	h.deadline = h.now.Add(d)
}

func (h fsmHost) StopTimer() {
	h.deadline = time.Time{}
}

func (h fsmHost) EnterRun() {
	h.log.Infof("running at %s", h.executed)
	if h.cfg.States != nil {
		h.cfg.States.Run()
	}
}

// Terminate leaves the group: queued values are failed and every connection
// is closed.
func (h fsmHost) Terminate() {
	e := h.Engine
	e.failWaiters(ErrNotRunning)
	for addr, conn := range e.peers {
		conn.Close()
		delete(e.peers, addr)
	}
	e.peers = make(map[string]network.ConnectionDescriptor)
	e.queue = clientproposalqueue.ClientProposalQueueInit()
	e.resetGroupState()
}

func (h fsmHost) Exit() {
	h.Terminate()
	h.exited = true
	if h.cfg.States != nil {
		h.cfg.States.Exit()
	}
}

// forceConfigAction installs a forced configuration. A request coming from
// a client has no AppKey yet: it is anchored at the start of our current
// message number and forwarded to the new members, who install it as is.
func (e *Engine) forceConfigAction(a *xcomproto.AppData) error {
	latest := e.chain.Latest()
	if latest == nil {
		e.forceErr = ErrNotRunning
		return e.forceErr
	}
	if e.forced[a.UniqueID] {
		return nil
	}
	forward := a.AppKey.IsNull()
	if forward {
		a.AppKey = xcomproto.Synode{GroupID: e.group, MsgNo: e.executed.MsgNo}
	}
	anchor := a.AppKey
	anchor.GroupID = e.group
	site, err := sitedef.InstallAt(latest, a, anchor, e.self)
	if err != nil {
		e.forceErr = err
		return err
	}
	e.forced[a.UniqueID] = true
	e.chain.Truncate(anchor)
	e.installSite(site)
	e.log.Warningf("forced configuration %s from %s", site.Nodes, anchor)
	if !forward {
		return nil
	}
	for _, n := range site.Nodes {
		if n.Address == e.self.Address {
			continue
		}
		m := xcomproto.NewPaxMsg(xcomproto.ClientMsg, xcomproto.Synode{GroupID: e.group})
		m.A = a.Clone()
		m.Force = true
		e.stamp(site, m)
		e.sendTo(n.Address, m)
	}
	return nil
}

// installSite makes site the newest configuration.
func (e *Engine) installSite(site *sitedef.SiteDef) {
	prev := e.chain.Latest()
	e.chain.Push(site)
	e.detector.Track(site, e.now)
	e.detector.Forget(site)
	e.localView = nil
	switch {
	case site.IsMember():
		e.expelAt = xcomproto.NullSynode
	case prev != nil && prev != site && prev.IsMember():
		// we keep serving the old site until its last synode is delivered
		e.expelAt = site.Start
	}
	e.connectAll(site)
	if e.cfg.Views != nil {
		e.cfg.Views.GlobalView(site)
	}
	e.log.Infof("site from %s: %s, event horizon %d, we are node %d", site.Start, site.Nodes, site.EventHorizon, int64(site.NodeNo))
}
