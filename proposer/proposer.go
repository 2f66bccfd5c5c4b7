package proposer

import (
	"xcom/quorum"
	"xcom/sitedef"
	"xcom/xcomcache"
	"xcom/xcomproto"
)

// NextBallot returns a ballot above anything this machine has sent or
// promised. Count 0 belongs to the slot owner and is never handed out.
func NextBallot(p *xcomcache.PaxMachine, nodeNo uint32) xcomproto.Ballot {
	cnt := p.Proposer.Bal.Cnt
	if p.Acceptor.Promise.Cnt > cnt {
		cnt = p.Acceptor.Promise.Cnt
	}
	cnt++
	if cnt < 1 {
		cnt = 1
	}
	return xcomproto.Ballot{Cnt: cnt, Node: nodeNo}
}

func resetTallies(site *sitedef.SiteDef, p *xcomcache.PaxMachine) {
	p.Proposer.PrepNodes.Reset(site.Quorum(), quorum.Members(len(site.Nodes)))
	p.Proposer.PropNodes.Reset(site.Quorum(), quorum.Members(len(site.Nodes)))
}

// InitPrepareMsg turns msg into a prepare, dropping any reply fields.
func InitPrepareMsg(msg *xcomproto.PaxMsg) *xcomproto.PaxMsg {
	msg.Op = xcomproto.PrepareOp
	msg.ReplyTo = xcomproto.ZeroBallot
	return msg
}

// PreparePush3p starts phase 1 with a fresh ballot. msg becomes the
// machine's proposal and is returned ready to be broadcast.
func PreparePush3p(site *sitedef.SiteDef, p *xcomcache.PaxMachine, msg *xcomproto.PaxMsg, synode xcomproto.Synode, msgType xcomproto.PaxMsgType) *xcomproto.PaxMsg {
	p.Proposer.Bal = NextBallot(p, site.NodeNo)
	p.Proposer.AdoptedBal = xcomproto.ZeroBallot
	resetTallies(site, p)

	msg.Synode = synode
	msg.MsgType = msgType
	msg.Proposal = p.Proposer.Bal
	msg.From = site.NodeNo
	p.Proposer.Msg = InitPrepareMsg(msg)
	p.Touch()
	return p.Proposer.Msg
}

// PreparePush2p uses the owner's reserved ballot and goes straight to
// phase 2 with the proposal already stored in the machine.
func PreparePush2p(site *sitedef.SiteDef, p *xcomcache.PaxMachine) *xcomproto.PaxMsg {
	p.Proposer.Bal = xcomproto.Ballot{Cnt: 0, Node: site.NodeNo}
	p.Proposer.AdoptedBal = xcomproto.ZeroBallot
	resetTallies(site, p)

	msg := p.Proposer.Msg
	msg.Proposal = p.Proposer.Bal
	msg.From = site.NodeNo
	p.Proposer.SentProp = p.Proposer.Bal
	p.Touch()
	return InitProposeMsg(msg)
}

// CreateNoop makes msg a no-op proposal.
func CreateNoop(msg *xcomproto.PaxMsg) *xcomproto.PaxMsg {
	msg.Op = xcomproto.PrepareOp
	msg.MsgType = xcomproto.NoOp
	msg.A = nil
	return msg
}

// HandleSimpleAckPrepare counts a phase 1b answer. It reports true exactly
// once per ballot, when a quorum has promised and the accept can go out.
func HandleSimpleAckPrepare(site *sitedef.SiteDef, p *xcomcache.PaxMachine, ack *xcomproto.PaxMsg) bool {
	if p.Proposer.Msg == nil || !ack.ReplyTo.Equal(p.Proposer.Bal) {
		return false
	}
	if ack.Op == xcomproto.AckPrepareOp && p.Proposer.AdoptedBal.Less(ack.Proposal) {
		p.Proposer.AdoptedBal = ack.Proposal
		p.Proposer.Msg.A = ack.A.Clone()
		p.Proposer.Msg.MsgType = ack.MsgType
	}
	p.Proposer.PrepNodes.Add(ack.From)
	if !p.Proposer.PrepNodes.Reached() || p.Proposer.SentProp.Equal(p.Proposer.Bal) {
		return false
	}
	p.Proposer.SentProp = p.Proposer.Bal
	return true
}

// InitProposeMsg turns the adopted proposal into an accept.
func InitProposeMsg(msg *xcomproto.PaxMsg) *xcomproto.PaxMsg {
	msg.Op = xcomproto.AcceptOp
	msg.ReplyTo = xcomproto.ZeroBallot
	return msg
}

// HandleSimpleAckAccept counts a phase 2b answer and returns the learn
// message once a quorum has accepted, only the first time.
func HandleSimpleAckAccept(site *sitedef.SiteDef, p *xcomcache.PaxMachine, ack *xcomproto.PaxMsg) *xcomproto.PaxMsg {
	if p.Proposer.Msg == nil || !ack.ReplyTo.Equal(p.Proposer.Bal) {
		return nil
	}
	p.Proposer.PropNodes.Add(ack.From)
	if !p.Proposer.PropNodes.Reached() || p.Proposer.SentLearn.Equal(p.Proposer.Bal) {
		return nil
	}
	p.Proposer.SentLearn = p.Proposer.Bal
	return CreateLearn(p.Proposer.Msg, site.NodeNo)
}

func CreateLearn(msg *xcomproto.PaxMsg, from uint32) *xcomproto.PaxMsg {
	learn := msg.Clone()
	learn.Op = xcomproto.LearnOp
	if learn.IsNoOp() {
		learn.Op = xcomproto.SkipOp
	}
	learn.ReplyTo = xcomproto.ZeroBallot
	learn.From = from
	return learn
}

// CreateTinyLearn references the decided ballot without the value, for
// nodes that accepted it.
func CreateTinyLearn(learn *xcomproto.PaxMsg) *xcomproto.PaxMsg {
	tiny := xcomproto.NewPaxMsg(xcomproto.TinyLearnOp, learn.Synode)
	tiny.Proposal = learn.Proposal
	tiny.MsgType = learn.MsgType
	tiny.From = learn.From
	return tiny
}

// WithinEventHorizon reports whether a proposer that has delivered up to
// executed and has inflight undecided proposals may open slot.
func WithinEventHorizon(executed, slot xcomproto.Synode, inflight int, horizon uint32) bool {
	if inflight >= int(horizon) {
		return false
	}
	return slot.MsgNo < executed.MsgNo+uint64(horizon)
}
