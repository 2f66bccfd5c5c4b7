package xcom

import (
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"xcom/dlog"
	"xcom/sitedef"
	"xcom/stats"
	"xcom/xcomcache"
	"xcom/xcomfsm"
	"xcom/xcomproto"
)

// catchUpReads bounds the reads sent for missing synodes per round.
const catchUpReads = 32

// execute delivers decided synodes in order, starting at e.executed.
func (e *Engine) execute() {
	for e.participating() {
		site := e.chain.SiteFor(e.executed)
		if site == nil {
			return
		}
		if e.executed.Node >= site.MaxNodes() {
			e.executed = xcomproto.Synode{GroupID: e.group, MsgNo: e.executed.MsgNo + 1}
			continue
		}
		p := e.cache.Lookup(e.executed)
		if p == nil || !p.Finished() {
			e.maybeSkipOwn(site)
			return
		}
		e.deliver(site, p)
		e.executed = e.executed.Incr(site.MaxNodes())
		e.cache.SetDeliveredWatermark(e.executed)
		e.lastProgress = e.now
		if !e.expelAt.IsNull() && !e.executed.Less(e.expelAt) {
			e.expel()
			return
		}
	}
}

func (e *Engine) deliver(site *sitedef.SiteDef, p *xcomcache.PaxMachine) {
	s := p.Synode
	e.cfg.Stats.Update(stats.InstancesExecuted, 1)
	if err := e.cfg.InstanceStats.RecordExecuted(s, e.now); err != nil {
		e.log.Warningf("instance stats: %v", err)
	}
	msg := p.Learner.Msg
	if msg.IsNoOp() || msg.A == nil {
		return
	}
	a := msg.A
	var err error
	switch a.CargoType {
	case xcomproto.AppType:
		if e.cfg.Data != nil {
			e.cfg.Data.Deliver(s, e.cache.LastRemoved(), a.Clone())
		}
	case xcomproto.AddNodeType, xcomproto.RemoveNodeType, xcomproto.SetEventHorizonType:
		err = e.installConfig(site, s, a)
	case xcomproto.SetCacheSizeType:
		if err = e.cache.SetCapacity(a.CacheLimit); err == nil {
			e.log.Infof("cache size set to %d at %s", a.CacheLimit, s)
		}
	default:
		dlog.Printf("nothing to apply for %s at %s", a.CargoType, s)
	}
	if err != nil {
		e.log.Warningf("%s decided at %s not applied: %v", a.CargoType, s, err)
		e.notifyFailed(a, err)
		return
	}
	e.notifyDelivered(a, s)
}

// installConfig builds the site a configuration cargo decided at s leads
// to. It starts once every synode that may already be in flight under the
// current site is behind it.
func (e *Engine) installConfig(site *sitedef.SiteDef, s xcomproto.Synode, a *xcomproto.AppData) error {
	latest := e.chain.Latest()
	after := xcomproto.Synode{GroupID: e.group, MsgNo: s.MsgNo + uint64(site.EventHorizon)}
	if after.MsgNo < latest.Start.MsgNo {
		after.MsgNo = latest.Start.MsgNo
	}
	next, err := sitedef.Install(latest, a, after, e.self)
	if err != nil {
		return err
	}
	e.installSite(next)
	return nil
}

func (e *Engine) notifyFailed(a *xcomproto.AppData, err error) {
	e.queue.CloseValue(a.UniqueID)
	if w, ok := e.waiters[a.UniqueID]; ok {
		delete(e.waiters, a.UniqueID)
		if w.fail != nil {
			w.fail(err)
		}
	}
}

// expel is reached once the last synode of the sites we belonged to has
// been delivered.
func (e *Engine) expel() {
	e.log.Warningf("no longer a member from %s, leaving", e.expelAt)
	if e.cfg.States != nil {
		e.cfg.States.Expel()
	}
	e.fsm.Fsm(xcomfsm.ActExit, nil)
}

// catchUp asks members for the decisions of synodes we have not learned
// while delivery is stuck.
func (e *Engine) catchUp() {
	target := e.catchUpTarget()
	if !e.executed.Less(target) {
		return
	}
	if e.now.Sub(e.lastProgress) < e.cfg.TickInterval || e.now.Sub(e.catchUpAt) < e.cfg.ProposeTimeout/2 {
		return
	}
	e.catchUpAt = e.now
	if e.lastCatchUp == e.executed {
		// same hole as last time, try other members first
		e.catchUpRound++
	} else {
		e.catchUpRound = 0
	}
	e.lastCatchUp = e.executed
	s := e.executed
	for sent := 0; sent < catchUpReads && s.Less(target); {
		site := e.chain.SiteFor(s)
		if site == nil {
			return
		}
		if s.Node >= site.MaxNodes() {
			s = xcomproto.Synode{GroupID: e.group, MsgNo: s.MsgNo + 1}
			continue
		}
		cur := s
		s = s.Incr(site.MaxNodes())
		if p := e.cache.Lookup(cur); p != nil && p.Finished() {
			continue
		}
		n := e.readTarget(site, cur, sent)
		if n == sitedef.VoidNodeNo {
			return
		}
		e.sendToNode(site, n, xcomproto.NewPaxMsg(xcomproto.ReadOp, cur))
		sent++
	}
}

// catchUpTarget is the highest synode known to be opened here or delivered
// by a peer. Everything below it is decided or about to be.
func (e *Engine) catchUpTarget() xcomproto.Synode {
	target := e.maxSynode
	for _, d := range e.peerDelivered {
		if d.GroupID == e.group {
			target = xcomproto.MaxSynode(target, d)
		}
	}
	return target
}

func (e *Engine) readTarget(site *sitedef.SiteDef, s xcomproto.Synode, i int) uint32 {
	max := site.MaxNodes()
	for k := uint32(0); k < max; k++ {
		n := (s.Node + uint32(i) + uint32(e.catchUpRound) + k) % max
		if n != site.NodeNo {
			return n
		}
	}
	return sitedef.VoidNodeNo
}

// gc forgets cache entries and sites below what a quorum of the newest site
// has delivered, minus GCLag message numbers.
func (e *Engine) gc() {
	if ev := e.cache.Evictions(); ev > e.evictions {
		e.cfg.Stats.Update(stats.CacheEvictions, int64(ev-e.evictions))
		e.evictions = ev
	}
	site := e.chain.Latest()
	if site == nil || !site.IsMember() {
		return
	}
	points := []xcomproto.Synode{e.executed}
	for i, n := range site.Nodes {
		if uint32(i) != site.NodeNo {
			points = append(points, e.peerDelivered[n.Address])
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[j].Less(points[i]) })
	floor := points[site.Quorum()-1]
	if floor.MsgNo <= e.cfg.GCLag {
		return
	}
	before := xcomproto.Synode{GroupID: e.group, MsgNo: floor.MsgNo - e.cfg.GCLag}
	if e.executed.Less(before) {
		before = e.executed
	}
	if n := e.cache.ForgetBefore(before); n > 0 {
		dlog.Printf("forgot %d instances below %s", n, before)
	}
	e.chain.GarbageCollect(before)
}

// tick drives everything that depends on time.
func (e *Engine) tick() {
	if e.exited {
		return
	}
	if !e.deadline.IsZero() && !e.now.Before(e.deadline) {
		e.deadline = time.Time{}
		if state := e.fsm.Fsm(xcomfsm.ActTimeout, nil); state == xcomfsm.StateStart.String() {
			e.fsm.Fsm(xcomfsm.ActPoll, nil)
		}
		return
	}
	switch e.fsm.State() {
	case xcomfsm.StateSnapshotWait:
		if snap := e.bestSnapshot; snap != nil {
			e.bestSnapshot = nil
			e.fsm.Fsm(xcomfsm.ActSnapshot, &xcomfsm.Args{Snapshot: snap})
		} else if e.now.Sub(e.lastPoll) >= e.cfg.ProposeTimeout {
			e.fsm.Fsm(xcomfsm.ActPoll, nil)
		}
		return
	case xcomfsm.StateRecoverWait:
		if !e.executed.Less(e.snapEnd) {
			e.fsm.Fsm(xcomfsm.ActComplete, nil)
		}
	}
	if !e.participating() {
		return
	}
	e.retryAttempts()
	e.catchUp()
	e.proposeStallNoops()
	e.pingSuspects()
	e.updateLocalView()
	e.gc()
}

// requestedSynodeData returns the application payloads decided at synodes.
// Every synode must still be cached and carry application data.
func (e *Engine) requestedSynodeData(synodes []xcomproto.Synode) ([]xcomproto.SynodeAppData, error) {
	out := make([]xcomproto.SynodeAppData, 0, len(synodes))
	for _, s := range synodes {
		p := e.cache.Lookup(s)
		if p == nil || !p.Finished() {
			return nil, errors.Newf("synode %s is not in the cache", s)
		}
		v := p.Value()
		if v == nil || v.CargoType != xcomproto.AppType {
			return nil, errors.Newf("synode %s carries no application data", s)
		}
		out = append(out, xcomproto.SynodeAppData{Synode: s, Payload: append([]byte(nil), v.Payload...)})
	}
	return out, nil
}
