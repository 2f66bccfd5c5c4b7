package proposer

import (
	"xcom/sitedef"
	"xcom/xcomcache"
	"xcom/xcomproto"
)

// Balloter picks the ballot for each new attempt at a synode and remembers
// how many attempts were made.
type Balloter struct {
	attempts map[xcomproto.Synode]int
}

func NewBalloter() *Balloter {
	return &Balloter{attempts: make(map[xcomproto.Synode]int)}
}

// Attempt records one more try at p and says whether the 2-phase fast path
// is still allowed: only the owner of the slot, on its first try, with no
// competing ballot seen.
func (b *Balloter) Attempt(site *sitedef.SiteDef, p *xcomcache.PaxMachine) (fastPath bool) {
	n := b.attempts[p.Synode]
	b.attempts[p.Synode] = n + 1
	return n == 0 && p.Synode.Node == site.NodeNo && p.Acceptor.Promise.IsZero() && p.Proposer.Bal.IsZero()
}

func (b *Balloter) Attempts(s xcomproto.Synode) int {
	return b.attempts[s]
}

func (b *Balloter) Forget(s xcomproto.Synode) {
	delete(b.attempts, s)
}
