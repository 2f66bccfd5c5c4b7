package acceptor

import (
	"xcom/dlog"
	"xcom/xcomcache"
	"xcom/xcomproto"
)

// learnReply tells a node that asks about a decided synode what was decided.
func learnReply(p *xcomcache.PaxMachine) *xcomproto.PaxMsg {
	reply := p.Learner.Msg.Clone()
	reply.Op = xcomproto.LearnOp
	if reply.IsNoOp() {
		reply.Op = xcomproto.SkipOp
	}
	reply.ReplyTo = xcomproto.ZeroBallot
	return reply
}

// HandleSimplePrepare is phase 1b. It promises ballots at least as high as
// the current promise and answers with the previously accepted value, if any.
// Lower ballots get no answer at all.
func HandleSimplePrepare(p *xcomcache.PaxMachine, prepare *xcomproto.PaxMsg, synode xcomproto.Synode) *xcomproto.PaxMsg {
	if p.Finished() {
		dlog.Printf("prepare for decided synode %s, sending learn", synode)
		return learnReply(p)
	}
	if prepare.Proposal.Less(p.Acceptor.Promise) {
		dlog.Printf("ignoring prepare %s for %s, promised %s", prepare.Proposal, synode, p.Acceptor.Promise)
		return nil
	}
	p.Acceptor.Promise = prepare.Proposal
	p.Touch()

	reply := xcomproto.NewPaxMsg(xcomproto.AckPrepareEmptyOp, synode)
	reply.ReplyTo = prepare.Proposal
	if acc := p.Acceptor.Msg; acc != nil {
		reply.Op = xcomproto.AckPrepareOp
		reply.Proposal = acc.Proposal
		reply.MsgType = acc.MsgType
		reply.A = acc.A.Clone()
	}
	return reply
}

// HandleSimpleAccept is phase 2b. skip marks a retransmission of a value this
// acceptor already holds for the same ballot.
func HandleSimpleAccept(p *xcomcache.PaxMachine, accept *xcomproto.PaxMsg, synode xcomproto.Synode, skip bool) *xcomproto.PaxMsg {
	if p.Finished() {
		dlog.Printf("accept for decided synode %s, sending learn", synode)
		return learnReply(p)
	}
	if accept.Proposal.Less(p.Acceptor.Promise) {
		dlog.Printf("ignoring accept %s for %s, promised %s", accept.Proposal, synode, p.Acceptor.Promise)
		return nil
	}
	held := p.Acceptor.Msg != nil && p.Acceptor.Msg.Proposal.Equal(accept.Proposal)
	if !(skip && held) {
		acc := accept.Clone()
		acc.Op = xcomproto.AcceptOp
		p.Acceptor.Msg = acc
	}
	p.Acceptor.Promise = accept.Proposal
	p.Touch()

	reply := xcomproto.NewPaxMsg(xcomproto.AckAcceptOp, synode)
	reply.ReplyTo = accept.Proposal
	reply.MsgType = accept.MsgType
	return reply
}

// HandleRead answers a catch up read with the decided value. Undecided
// synodes get no answer.
func HandleRead(p *xcomcache.PaxMachine, read *xcomproto.PaxMsg) *xcomproto.PaxMsg {
	if p == nil || !p.Finished() {
		return nil
	}
	return learnReply(p)
}
