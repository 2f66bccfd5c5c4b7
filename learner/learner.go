package learner

import (
	"bytes"

	"github.com/cockroachdb/errors"

	"xcom/sitedef"
	"xcom/xcomcache"
	"xcom/xcomproto"
)

func PmFinished(p *xcomcache.PaxMachine) bool {
	return p != nil && p.Finished()
}

func sameValue(a, b *xcomproto.PaxMsg) bool {
	if a.IsNoOp() || b.IsNoOp() {
		return a.IsNoOp() == b.IsNoOp()
	}
	if a.A == nil || b.A == nil {
		return a.A == b.A
	}
	return a.A.UniqueID == b.A.UniqueID && bytes.Equal(a.A.Payload, b.A.Payload)
}

// HandleLearn installs a decided value. It reports true the first time the
// machine finishes. Learning a different value for a decided synode means
// consensus was broken and panics.
func HandleLearn(site *sitedef.SiteDef, p *xcomcache.PaxMachine, learn *xcomproto.PaxMsg) bool {
	if p.Finished() {
		if !sameValue(p.Learner.Msg, learn) {
			panic(errors.AssertionFailedf("synode %s learned twice with different values", p.Synode))
		}
		return false
	}
	return p.Finish(learn)
}

// HandleTinyLearn finishes the machine when the acceptor already holds the
// value decided at the announced ballot. Otherwise the caller must fetch the
// value with a read.
func HandleTinyLearn(site *sitedef.SiteDef, p *xcomcache.PaxMachine, tiny *xcomproto.PaxMsg) (learned bool, needRead bool) {
	if p == nil {
		return false, true
	}
	if p.Finished() {
		return false, false
	}
	acc := p.Acceptor.Msg
	if acc == nil || !acc.Proposal.Equal(tiny.Proposal) {
		return false, true
	}
	return p.Finish(acc), false
}
