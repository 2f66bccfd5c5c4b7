package acceptor

import (
	"math/rand"
	"testing"

	"xcom/xcomcache"
	"xcom/xcomproto"
)

var s1 = xcomproto.Synode{GroupID: 1, MsgNo: 1}

func machine(t *testing.T) *xcomcache.PaxMachine {
	p, err := xcomcache.New(16).GetOrCreate(s1)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func prepare(bal xcomproto.Ballot) *xcomproto.PaxMsg {
	m := xcomproto.NewPaxMsg(xcomproto.PrepareOp, s1)
	m.Proposal = bal
	return m
}

func accept(bal xcomproto.Ballot, v string) *xcomproto.PaxMsg {
	m := xcomproto.NewPaxMsg(xcomproto.AcceptOp, s1)
	m.Proposal = bal
	m.A = xcomproto.NewAppData(1, xcomproto.AppType)
	m.A.Payload = []byte(v)
	return m
}

func TestPrepareAckCarriesAcceptedValue(t *testing.T) {
	p := machine(t)
	r := HandleSimplePrepare(p, prepare(xcomproto.Ballot{Cnt: 1, Node: 0}), s1)
	if r == nil || r.Op != xcomproto.AckPrepareEmptyOp {
		t.Fatalf("expected an empty ack, got %v", r)
	}
	if HandleSimpleAccept(p, accept(xcomproto.Ballot{Cnt: 1, Node: 0}, "a"), s1, false) == nil {
		t.Fatal("accept at the promised ballot was refused")
	}
	r = HandleSimplePrepare(p, prepare(xcomproto.Ballot{Cnt: 2, Node: 1}), s1)
	if r == nil || r.Op != xcomproto.AckPrepareOp || string(r.A.Payload) != "a" {
		t.Fatalf("ack should carry the accepted value, got %+v", r)
	}
	if !r.Proposal.Equal(xcomproto.Ballot{Cnt: 1, Node: 0}) || !r.ReplyTo.Equal(xcomproto.Ballot{Cnt: 2, Node: 1}) {
		t.Fatalf("ack ballots wrong: proposal %v reply to %v", r.Proposal, r.ReplyTo)
	}
}

func TestStaleMessagesAreIgnored(t *testing.T) {
	p := machine(t)
	HandleSimplePrepare(p, prepare(xcomproto.Ballot{Cnt: 5, Node: 2}), s1)
	if r := HandleSimplePrepare(p, prepare(xcomproto.Ballot{Cnt: 5, Node: 1}), s1); r != nil {
		t.Fatal("a lower prepare must get no answer")
	}
	if r := HandleSimpleAccept(p, accept(xcomproto.Ballot{Cnt: 4, Node: 2}, "old"), s1, false); r != nil {
		t.Fatal("a lower accept must get no answer")
	}
	if p.Acceptor.Msg != nil {
		t.Fatal("a stale accept overwrote acceptor state")
	}
	if r := HandleSimplePrepare(p, prepare(xcomproto.Ballot{Cnt: 5, Node: 2}), s1); r == nil {
		t.Fatal("a repeated prepare at the promised ballot should be acked")
	}
}

func TestRetransmittedAcceptKeepsValue(t *testing.T) {
	p := machine(t)
	first := accept(xcomproto.Ballot{Cnt: 0, Node: 0}, "v")
	HandleSimpleAccept(p, first, s1, false)
	held := p.Acceptor.Msg
	if r := HandleSimpleAccept(p, accept(xcomproto.Ballot{Cnt: 0, Node: 0}, "v"), s1, true); r == nil || r.Op != xcomproto.AckAcceptOp {
		t.Fatal("a retransmission should still be acked")
	}
	if p.Acceptor.Msg != held {
		t.Fatal("skip should leave the held value untouched")
	}
}

func TestFinishedMachineAnswersWithLearn(t *testing.T) {
	p := machine(t)
	learn := accept(xcomproto.Ballot{Cnt: 3, Node: 1}, "done")
	learn.Op = xcomproto.LearnOp
	p.Learner.Msg = learn
	for _, r := range []*xcomproto.PaxMsg{
		HandleSimplePrepare(p, prepare(xcomproto.Ballot{Cnt: 9, Node: 2}), s1),
		HandleSimpleAccept(p, accept(xcomproto.Ballot{Cnt: 9, Node: 2}, "late"), s1, false),
		HandleRead(p, xcomproto.NewPaxMsg(xcomproto.ReadOp, s1)),
	} {
		if r == nil || r.Op != xcomproto.LearnOp || string(r.A.Payload) != "done" {
			t.Fatalf("expected a learn of the decided value, got %+v", r)
		}
	}
	if HandleRead(nil, xcomproto.NewPaxMsg(xcomproto.ReadOp, s1)) != nil {
		t.Fatal("a read of an unknown synode must not be answered")
	}
}

// The promise never goes down and no accept below it is ever taken, whatever
// order the messages arrive in.
func TestBallotMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		p := machine(t)
		highest := xcomproto.ZeroBallot
		for i := 0; i < 30; i++ {
			bal := xcomproto.Ballot{Cnt: int32(rng.Intn(6)), Node: uint32(rng.Intn(3))}
			before := p.Acceptor.Promise
			var r *xcomproto.PaxMsg
			if rng.Intn(2) == 0 {
				r = HandleSimplePrepare(p, prepare(bal), s1)
			} else {
				r = HandleSimpleAccept(p, accept(bal, bal.String()), s1, rng.Intn(2) == 0)
				if r != nil && !p.Acceptor.Msg.Proposal.Equal(bal) {
					t.Fatalf("acked accept %v but holds %v", bal, p.Acceptor.Msg.Proposal)
				}
			}
			if p.Acceptor.Promise.Less(before) {
				t.Fatalf("promise went from %v down to %v", before, p.Acceptor.Promise)
			}
			if (r != nil) == bal.Less(highest) {
				t.Fatalf("ballot %v with highest seen %v: answered=%v", bal, highest, r != nil)
			}
			highest = xcomproto.MaxBallot(highest, bal)
		}
	}
}
