package xcom

import (
	"xcom/dlog"
	"xcom/proposer"
	"xcom/sitedef"
	"xcom/stats"
	"xcom/xcomcache"
	"xcom/xcomproto"
)

// stallScan bounds how far past the executed synode stalled slots are
// looked for on each tick.
const stallScan = 64

// proposerStep assigns queued values to our own free slots as long as the
// event horizon allows.
func (e *Engine) proposerStep() {
	for e.queue.Len() > 0 {
		s, site, ok := e.nextOwnSlot()
		if !ok {
			return
		}
		a := e.queue.TryDequeue()
		if a == nil {
			return
		}
		if !e.startAttempt(site, s, a, xcomproto.Normal) {
			e.requeue(a)
			return
		}
	}
}

// nextOwnSlot finds the first slot owned by this node that nobody has
// touched yet. Slots are bounded by the horizon of the active site and of
// every pending one, so that a configuration decided meanwhile is anchored
// past all of them.
func (e *Engine) nextOwnSlot() (xcomproto.Synode, *sitedef.SiteDef, bool) {
	msgno := e.executed.MsgNo
	if !e.lastOwn.IsNull() && e.lastOwn.MsgNo+1 > msgno {
		msgno = e.lastOwn.MsgNo + 1
	}
	horizon := e.chain.HorizonFrom(e.executed)
	for {
		site := e.chain.SiteFor(xcomproto.Synode{GroupID: e.group, MsgNo: msgno})
		if site == nil || !site.IsMember() {
			return xcomproto.NullSynode, nil, false
		}
		s := xcomproto.Synode{GroupID: e.group, MsgNo: msgno, Node: site.NodeNo}
		if !proposer.WithinEventHorizon(e.executed, s, len(e.active), horizon) {
			return xcomproto.NullSynode, nil, false
		}
		msgno++
		if s.Less(e.executed) {
			continue
		}
		if p := e.cache.Lookup(s); p != nil && (p.Proposer.Msg != nil || p.Acceptor.Msg != nil || p.Finished()) {
			continue
		}
		return s, site, true
	}
}

// startAttempt proposes value (nil for a no-op) at s. Our own untouched
// slots go straight to phase 2 with the owner ballot.
func (e *Engine) startAttempt(site *sitedef.SiteDef, s xcomproto.Synode, value *xcomproto.AppData, msgType xcomproto.PaxMsgType) bool {
	p, err := e.cache.GetOrCreate(s)
	if err != nil {
		e.log.Warningf("cannot propose at %s: %v", s, err)
		return false
	}
	msg := xcomproto.NewPaxMsg(xcomproto.PrepareOp, s)
	msg.A = value
	msg.MsgType = msgType
	p.Proposer.Msg = msg

	var out *xcomproto.PaxMsg
	if e.balloter.Attempt(site, p) {
		out = proposer.PreparePush2p(site, p)
		e.cfg.Stats.Update(stats.FastPathProposals, 1)
	} else {
		out = proposer.PreparePush3p(site, p, msg, s, msgType)
	}
	p.TryLock()
	e.active[s] = &attempt{value: value, msgType: msgType, started: e.now}
	if s.Node == site.NodeNo && e.lastOwn.Less(s) {
		e.lastOwn = s
	}
	if msgType == xcomproto.Normal {
		if len(e.active) > e.peakActive {
			e.peakActive = len(e.active)
		}
		e.cfg.Stats.Update(stats.ProposalsStarted, 1)
		e.cfg.InstanceStats.RecordOpened(s, e.now)
	} else {
		e.cfg.Stats.Update(stats.NoOpsProposed, 1)
	}
	e.broadcast(site, out)
	return true
}

// retryAttempts restarts phase 1 with a higher ballot for every attempt that
// has not been decided within ProposeTimeout.
func (e *Engine) retryAttempts() {
	for s, at := range e.active {
		if e.now.Sub(at.started) < e.cfg.ProposeTimeout {
			continue
		}
		p := e.cache.Lookup(s)
		if p != nil && p.Finished() {
			e.completeAttempt(p)
			continue
		}
		site := e.chain.SiteFor(s)
		if p == nil || site == nil || !site.IsMember() {
			e.dropAttempt(s)
			continue
		}
		at.started = e.now
		msg := xcomproto.NewPaxMsg(xcomproto.PrepareOp, s)
		msg.A = at.value
		out := proposer.PreparePush3p(site, p, msg, s, at.msgType)
		e.balloter.Attempt(site, p)
		e.cfg.Stats.Update(stats.ThreePhaseRetries, 1)
		e.broadcast(site, out)
	}
}

// completeAttempt closes our attempt at a decided synode. A value that lost
// the slot to another one goes back to the front of the queue.
func (e *Engine) completeAttempt(p *xcomcache.PaxMachine) {
	at := e.active[p.Synode]
	delete(e.active, p.Synode)
	e.balloter.Forget(p.Synode)
	p.Unlock()
	if at == nil || at.value == nil {
		return
	}
	if v := p.Value(); v == nil || v.UniqueID != at.value.UniqueID {
		e.requeue(at.value)
	}
}

// dropAttempt gives up a slot this node may no longer propose in.
func (e *Engine) dropAttempt(s xcomproto.Synode) {
	at := e.active[s]
	delete(e.active, s)
	e.balloter.Forget(s)
	if p := e.cache.Lookup(s); p != nil {
		p.Unlock()
	}
	if at != nil && at.value != nil {
		e.requeue(at.value)
	}
}

func (e *Engine) requeue(a *xcomproto.AppData) {
	if e.queue.TryRequeue(a) {
		e.cfg.Stats.Update(stats.RequeuedValues, 1)
	}
}

// proposeStallNoops fills holes that keep delivery from advancing. Slots of
// members we cannot hear from are skipped right away, others only once
// delivery has been stuck for StallTimeout.
func (e *Engine) proposeStallNoops() {
	target := e.catchUpTarget()
	if !e.executed.Less(target) {
		return
	}
	stalled := e.now.Sub(e.lastProgress) >= e.cfg.StallTimeout
	s := e.executed
	for i := 0; i < stallScan && s.Less(target); i++ {
		site := e.chain.SiteFor(s)
		if site == nil || !site.IsMember() {
			return
		}
		if s.Node >= site.MaxNodes() {
			s = xcomproto.Synode{GroupID: e.group, MsgNo: s.MsgNo + 1}
			continue
		}
		cur := s
		s = s.Incr(site.MaxNodes())
		if _, ok := e.active[cur]; ok {
			continue
		}
		p := e.cache.Lookup(cur)
		if p != nil && p.Finished() {
			continue
		}
		alive := e.detector.Alive(site, e.now)
		ownerDead := int(cur.Node) < len(alive) && !alive[cur.Node]
		if !ownerDead && !(stalled && cur == e.executed) {
			continue
		}
		dlog.Printf("no-op for %s, owner silent %v", cur, ownerDead)
		if !e.startNoop(site, cur) {
			return
		}
	}
}

func (e *Engine) startNoop(site *sitedef.SiteDef, s xcomproto.Synode) bool {
	p, err := e.cache.GetOrCreate(s)
	if err != nil {
		return false
	}
	msg := proposer.CreateNoop(xcomproto.NewPaxMsg(xcomproto.PrepareOp, s))
	out := proposer.PreparePush3p(site, p, msg, s, xcomproto.NoOp)
	e.balloter.Attempt(site, p)
	p.TryLock()
	e.active[s] = &attempt{msgType: xcomproto.NoOp, started: e.now}
	e.cfg.Stats.Update(stats.NoOpsProposed, 1)
	e.broadcast(site, out)
	return true
}

// maybeSkipOwn proposes a no-op for our own slot at the executed synode when
// others have moved past it and we have nothing to put there.
func (e *Engine) maybeSkipOwn(site *sitedef.SiteDef) {
	s := e.executed
	if !site.IsMember() || s.Node != site.NodeNo || !s.Less(e.maxSynode) {
		return
	}
	if _, ok := e.active[s]; ok {
		return
	}
	if p := e.cache.Lookup(s); p != nil && (p.Proposer.Msg != nil || p.Acceptor.Msg != nil || p.Finished()) {
		return
	}
	e.startAttempt(site, s, nil, xcomproto.NoOp)
}
