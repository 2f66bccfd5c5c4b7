package recovery

import (
	"github.com/cockroachdb/errors"

	"xcom/nodelist"
	"xcom/sitedef"
	"xcom/xcomproto"
)

var ErrEmptySnapshot = errors.New("snapshot carries no configuration")

// ShouldHandleNeedBoot reports whether a need-boot request can be answered.
// A node that has not booted has nothing to give, and only members of the
// current site are served. When the requester names its incarnation the
// match is UID-aware so that a stale process cannot pull a snapshot.
func ShouldHandleNeedBoot(site *sitedef.SiteDef, msg *xcomproto.PaxMsg) bool {
	if site == nil || msg.Identity == nil {
		return false
	}
	id := *msg.Identity
	if len(id.UUID) == 0 && id.UID == 0 {
		return site.Nodes.Exists(id.Address)
	}
	i := site.Nodes.IndexOf(nodelist.NodeAddress{Address: id.Address}, false)
	if i < 0 {
		return false
	}
	member := site.Nodes[i]
	if len(member.UUID) == 0 && member.UID == 0 {
		// the site was built from bare addresses
		return true
	}
	return site.Nodes.ExistsWithUID(id)
}

// InitNeedBootOp turns msg into a need-boot request carrying the identity of
// the requester so the answer can be sent back to it.
func InitNeedBootOp(msg *xcomproto.PaxMsg, identity nodelist.NodeAddress) *xcomproto.PaxMsg {
	msg.Op = xcomproto.NeedBootOp
	msg.MsgType = xcomproto.Normal
	msg.A = nil
	id := identity.Clone()
	msg.Identity = &id
	return msg
}

// ExportSnapshot packs every configuration still in the chain together with
// the application state covering [logStart, logEnd).
func ExportSnapshot(chain *sitedef.Chain, logStart, logEnd xcomproto.Synode, app []byte) *xcomproto.Snapshot {
	snap := &xcomproto.Snapshot{
		LogStart: logStart,
		LogEnd:   logEnd,
	}
	for _, site := range chain.All() {
		snap.Configs = append(snap.Configs, site.Entry())
	}
	if app != nil {
		snap.App = append([]byte(nil), app...)
	}
	return snap
}

// ImportSnapshot rebuilds the configuration chain from a snapshot as seen by
// self.
func ImportSnapshot(snap *xcomproto.Snapshot, self nodelist.NodeAddress) (*sitedef.Chain, error) {
	if snap == nil || len(snap.Configs) == 0 {
		return nil, ErrEmptySnapshot
	}
	chain := sitedef.NewChain()
	for _, e := range snap.Configs {
		if e.Nodes.Len() == 0 {
			return nil, errors.Wrapf(sitedef.ErrInvalidConfig, "config at %s has no nodes", e.Start)
		}
		if err := sitedef.ValidateEventHorizon(e.EventHorizon); err != nil {
			return nil, errors.Wrapf(err, "config at %s", e.Start)
		}
		chain.Push(sitedef.New(e.Start, e.BootKey, e.Nodes, e.EventHorizon, self))
	}
	return chain, nil
}

// Better picks the snapshot to keep while several answers arrive: the one
// reaching furthest into the log.
func Better(a, b *xcomproto.Snapshot) *xcomproto.Snapshot {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.LogEnd.Less(b.LogEnd) {
		return b
	}
	return a
}
