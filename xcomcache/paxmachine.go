package xcomcache

import (
	"time"

	"xcom/quorum"
	"xcom/xcomproto"
)

type ProposerState struct {
	Bal       xcomproto.Ballot
	SentProp  xcomproto.Ballot
	SentLearn xcomproto.Ballot
	// highest accepted ballot reported by the acks of the current prepare
	AdoptedBal xcomproto.Ballot
	Msg        *xcomproto.PaxMsg
	PrepNodes  *quorum.CountingQuorumTally
	PropNodes  *quorum.CountingQuorumTally
}

type AcceptorState struct {
	Promise xcomproto.Ballot
	Msg     *xcomproto.PaxMsg
}

type LearnerState struct {
	Msg *xcomproto.PaxMsg
}

// PaxMachine is the consensus state of one synode. The proposer, acceptor and
// learner code paths all work on the same machine.
type PaxMachine struct {
	Synode       xcomproto.Synode
	Proposer     ProposerState
	Acceptor     AcceptorState
	Learner      LearnerState
	LastModified time.Time
	Retries      int
	locked       bool
}

func newPaxMachine(s xcomproto.Synode) *PaxMachine {
	return &PaxMachine{
		Synode: s,
		Proposer: ProposerState{
			Bal:        xcomproto.ZeroBallot,
			SentProp:   xcomproto.ZeroBallot,
			SentLearn:  xcomproto.ZeroBallot,
			AdoptedBal: xcomproto.ZeroBallot,
			PrepNodes:  &quorum.CountingQuorumTally{},
			PropNodes:  &quorum.CountingQuorumTally{},
		},
		Acceptor:     AcceptorState{Promise: xcomproto.ZeroBallot},
		LastModified: time.Now(),
	}
}

func (p *PaxMachine) Finished() bool {
	return p.Learner.Msg != nil
}

// Finish records learned as the decided value. The acceptor side catches up
// with it so that later prepares report the decided value. It reports false
// when the machine was already finished.
func (p *PaxMachine) Finish(learned *xcomproto.PaxMsg) bool {
	if p.Finished() {
		return false
	}
	msg := learned.Clone()
	msg.Op = xcomproto.LearnOp
	msg.ReplyTo = xcomproto.ZeroBallot
	p.Learner.Msg = msg
	if p.Acceptor.Msg == nil || p.Acceptor.Msg.Proposal.Less(learned.Proposal) {
		acc := learned.Clone()
		acc.Op = xcomproto.AcceptOp
		p.Acceptor.Msg = acc
	}
	p.Acceptor.Promise = xcomproto.MaxBallot(p.Acceptor.Promise, learned.Proposal)
	p.Touch()
	return true
}

// Value is the learned value, nil until the machine is finished or when a
// no-op was learned.
func (p *PaxMachine) Value() *xcomproto.AppData {
	if p.Learner.Msg == nil {
		return nil
	}
	return p.Learner.Msg.A
}

// TryLock gives one proposer task exclusive ownership of the machine.
func (p *PaxMachine) TryLock() bool {
	if p.locked {
		return false
	}
	p.locked = true
	return true
}

func (p *PaxMachine) Unlock() {
	p.locked = false
}

func (p *PaxMachine) Locked() bool {
	return p.locked
}

func (p *PaxMachine) Touch() {
	p.LastModified = time.Now()
}
