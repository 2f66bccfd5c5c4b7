package xcom

import (
	"github.com/cockroachdb/errors"

	"xcom/acceptor"
	"xcom/dlog"
	"xcom/learner"
	"xcom/network"
	"xcom/proposer"
	"xcom/recovery"
	"xcom/sitedef"
	"xcom/stats"
	"xcom/xcomcache"
	"xcom/xcomfsm"
	"xcom/xcomproto"
)

// dispatch routes one message to the role that handles its op.
func (e *Engine) dispatch(conn network.ConnectionDescriptor, m *xcomproto.PaxMsg) {
	if e.exited {
		return
	}
	switch m.Op {
	case xcomproto.ClientMsg:
		e.handleClient(conn, m)
		return
	case xcomproto.XcomClientReply, xcomproto.InitialOp:
		return
	}
	if m.Synode.GroupID != e.group {
		dlog.Printf("dropping %s for group %d", m, m.Synode.GroupID)
		return
	}
	e.noteProgress(m)

	switch m.Op {
	case xcomproto.NeedBootOp:
		e.handleNeedBoot(conn, m)
		return
	case xcomproto.GcsSnapshotOp:
		e.handleSnapshot(m)
		return
	case xcomproto.AreYouAliveOp:
		e.handlePing(conn, m)
		return
	case xcomproto.IAmAliveOp:
		return
	case xcomproto.DieOp:
		if e.fsm.State() == xcomfsm.StateRun {
			e.log.Warningf("%s forgot synodes we still need, asking for a snapshot", conn.Addr())
			e.fsm.Fsm(xcomfsm.ActNeedSnapshot, nil)
		}
		return
	}

	if !e.participating() {
		return
	}
	site := e.chain.SiteFor(m.Synode)
	if site == nil {
		dlog.Printf("no site for %s, dropping", m)
		return
	}

	switch m.Op {
	case xcomproto.PrepareOp:
		e.handlePrepare(conn, site, m)
	case xcomproto.AcceptOp:
		e.handleAccept(conn, site, m)
	case xcomproto.AckPrepareOp, xcomproto.AckPrepareEmptyOp:
		e.handleAckPrepare(site, m)
	case xcomproto.AckAcceptOp:
		e.handleAckAccept(site, m)
	case xcomproto.LearnOp, xcomproto.SkipOp:
		e.handleLearn(site, m)
	case xcomproto.TinyLearnOp:
		e.handleTinyLearn(conn, site, m)
	case xcomproto.ReadOp:
		e.handleRead(conn, site, m)
	default:
		panic(errors.AssertionFailedf("unhandled op %s", m.Op))
	}
}

// noteProgress takes in what the sender piggybacked on the message.
func (e *Engine) noteProgress(m *xcomproto.PaxMsg) {
	site := e.chain.SiteFor(m.Synode)
	if site == nil {
		site = e.chain.Latest()
	}
	if site != nil {
		if addr := site.Address(m.From); addr != "" && addr != e.self.Address {
			e.heard(addr)
			if e.peerDelivered[addr].Less(m.Delivered) {
				e.peerDelivered[addr] = m.Delivered
			}
		}
	}
	if m.MaxSynode.GroupID == e.group {
		e.maxSynode = xcomproto.MaxSynode(e.maxSynode, m.MaxSynode)
	}
	switch m.Op {
	case xcomproto.PrepareOp, xcomproto.AcceptOp, xcomproto.LearnOp, xcomproto.SkipOp, xcomproto.TinyLearnOp:
		e.maxSynode = xcomproto.MaxSynode(e.maxSynode, m.Synode)
	}
}

// machine returns the machine for s, creating it unless s is already
// delivered. Forgotten synodes report xcomcache.ErrForgotten.
func (e *Engine) machine(s xcomproto.Synode, create bool) (*xcomcache.PaxMachine, error) {
	if p := e.cache.Lookup(s); p != nil {
		return p, nil
	}
	if !create || s.Less(e.executed) {
		lr := e.cache.LastRemoved()
		if !lr.IsNull() && !lr.Less(s) {
			return nil, xcomcache.ErrForgotten
		}
		return nil, nil
	}
	return e.cache.GetOrCreate(s)
}

func (e *Engine) die(conn network.ConnectionDescriptor, site *sitedef.SiteDef, m *xcomproto.PaxMsg) {
	die := xcomproto.NewPaxMsg(xcomproto.DieOp, m.Synode)
	e.reply(conn, site, die)
}

func (e *Engine) handlePrepare(conn network.ConnectionDescriptor, site *sitedef.SiteDef, m *xcomproto.PaxMsg) {
	if !site.IsMember() {
		return
	}
	p, err := e.machine(m.Synode, true)
	if errors.Is(err, xcomcache.ErrForgotten) {
		e.die(conn, site, m)
		return
	}
	if err != nil || p == nil {
		dlog.Printf("prepare %s dropped: %v", m, err)
		return
	}
	if reply := acceptor.HandleSimplePrepare(p, m, m.Synode); reply != nil {
		e.reply(conn, site, reply)
	}
}

func (e *Engine) handleAccept(conn network.ConnectionDescriptor, site *sitedef.SiteDef, m *xcomproto.PaxMsg) {
	if !site.IsMember() {
		return
	}
	p, err := e.machine(m.Synode, true)
	if errors.Is(err, xcomcache.ErrForgotten) {
		e.die(conn, site, m)
		return
	}
	if err != nil || p == nil {
		dlog.Printf("accept %s dropped: %v", m, err)
		return
	}
	// the same accept can arrive more than once
	resent := p.Acceptor.Msg != nil && p.Acceptor.Msg.Proposal.Equal(m.Proposal)
	if reply := acceptor.HandleSimpleAccept(p, m, m.Synode, resent); reply != nil {
		e.reply(conn, site, reply)
	}
}

func (e *Engine) handleAckPrepare(site *sitedef.SiteDef, m *xcomproto.PaxMsg) {
	p := e.cache.Lookup(m.Synode)
	if p == nil || p.Finished() {
		return
	}
	if proposer.HandleSimpleAckPrepare(site, p, m) {
		e.broadcast(site, proposer.InitProposeMsg(p.Proposer.Msg))
	}
}

func (e *Engine) handleAckAccept(site *sitedef.SiteDef, m *xcomproto.PaxMsg) {
	p := e.cache.Lookup(m.Synode)
	if p == nil {
		return
	}
	learn := proposer.HandleSimpleAckAccept(site, p, m)
	if learn == nil {
		return
	}
	e.broadcastLearn(site, learn, func(n uint32) bool {
		return p.Proposer.PropNodes.Acknowledged(n)
	})
}

func (e *Engine) handleLearn(site *sitedef.SiteDef, m *xcomproto.PaxMsg) {
	p, err := e.machine(m.Synode, true)
	if err != nil || p == nil {
		return
	}
	if learner.HandleLearn(site, p, m) {
		e.onFinished(p)
	}
}

func (e *Engine) handleTinyLearn(conn network.ConnectionDescriptor, site *sitedef.SiteDef, m *xcomproto.PaxMsg) {
	p, err := e.machine(m.Synode, true)
	if err != nil {
		return
	}
	if p == nil {
		return
	}
	learned, needRead := learner.HandleTinyLearn(site, p, m)
	if learned {
		e.onFinished(p)
	}
	if needRead {
		read := xcomproto.NewPaxMsg(xcomproto.ReadOp, m.Synode)
		e.reply(conn, site, read)
	}
}

func (e *Engine) handleRead(conn network.ConnectionDescriptor, site *sitedef.SiteDef, m *xcomproto.PaxMsg) {
	p, err := e.machine(m.Synode, false)
	if errors.Is(err, xcomcache.ErrForgotten) {
		e.die(conn, site, m)
		return
	}
	if reply := acceptor.HandleRead(p, m); reply != nil {
		e.reply(conn, site, reply)
	}
}

// onFinished runs once per synode, when its value becomes known here.
func (e *Engine) onFinished(p *xcomcache.PaxMachine) {
	e.cfg.Stats.Update(stats.InstancesLearned, 1)
	e.cfg.InstanceStats.RecordLearned(p.Synode, e.now)
	if _, ok := e.active[p.Synode]; ok {
		e.completeAttempt(p)
	}
}

func (e *Engine) handlePing(conn network.ConnectionDescriptor, m *xcomproto.PaxMsg) {
	site := e.chain.Latest()
	if site == nil {
		return
	}
	if e.detector.PreProcessIncomingPing(site, m, e.fsm.State() == xcomfsm.StateRun, e.now) {
		e.cfg.Stats.Update(stats.ConnectionResets, 1)
	}
	pong := xcomproto.NewPaxMsg(xcomproto.IAmAliveOp, xcomproto.Synode{GroupID: e.group})
	e.reply(conn, site, pong)
}

func (e *Engine) handleNeedBoot(conn network.ConnectionDescriptor, m *xcomproto.PaxMsg) {
	site := e.chain.Latest()
	if e.fsm.State() != xcomfsm.StateRun || !recovery.ShouldHandleNeedBoot(site, m) {
		return
	}
	snap, err := e.exportSnapshot()
	if err != nil {
		e.log.Errorf("exporting snapshot for %s: %v", m.Identity, err)
		return
	}
	reply := xcomproto.NewPaxMsg(xcomproto.GcsSnapshotOp, xcomproto.Synode{GroupID: e.group})
	reply.Snapshot = snap
	e.log.Infof("sending snapshot up to %s to %s", e.executed, m.Identity)
	e.reply(conn, site, reply)
}

// exportSnapshot covers the configurations still known and the application
// state up to the executed synode.
func (e *Engine) exportSnapshot() (*xcomproto.Snapshot, error) {
	start := e.chain.First().Start
	var app []byte
	if e.cfg.Snapshots != nil {
		var err error
		if app, err = e.cfg.Snapshots.Export(start, e.executed); err != nil {
			return nil, err
		}
	}
	return recovery.ExportSnapshot(e.chain, start, e.executed, app), nil
}

func (e *Engine) handleSnapshot(m *xcomproto.PaxMsg) {
	if m.Snapshot == nil {
		return
	}
	switch e.fsm.State() {
	case xcomfsm.StateStart:
		e.snapshotMax = m.MaxSynode
		e.fsm.Fsm(xcomfsm.ActNetBoot, &xcomfsm.Args{Snapshot: m.Snapshot})
	case xcomfsm.StateSnapshotWait:
		// installed on the next tick, keeping the best of what arrives
		if recovery.Better(e.bestSnapshot, m.Snapshot) == m.Snapshot {
			e.bestSnapshot = m.Snapshot
			e.snapshotMax = m.MaxSynode
		}
	}
}
