package sitedef

import (
	"math"

	"github.com/cockroachdb/errors"

	"xcom/nodelist"
	"xcom/xcomproto"
)

const (
	MinEventHorizon     uint32 = 10
	MaxEventHorizon     uint32 = 200
	DefaultEventHorizon uint32 = 10

	VoidNodeNo = math.MaxUint32
)

var (
	ErrInvalidEventHorizon = errors.New("event horizon out of range")
	ErrInvalidConfig       = errors.New("invalid configuration change")
	ErrNoSiteDef           = errors.New("no site definition covers synode")
)

// SiteDef is one membership epoch. It governs every synode from Start up to
// the Start of the next SiteDef in the chain and is never modified once built.
type SiteDef struct {
	Start        xcomproto.Synode
	BootKey      xcomproto.Synode
	Nodes        nodelist.NodeList
	GroupID      uint32
	EventHorizon uint32
	NodeNo       uint32
}

func New(start, bootKey xcomproto.Synode, nodes nodelist.NodeList, eventHorizon uint32, self nodelist.NodeAddress) *SiteDef {
	site := &SiteDef{
		Start:        start,
		BootKey:      bootKey,
		Nodes:        nodes.Clone(),
		GroupID:      start.GroupID,
		EventHorizon: eventHorizon,
		NodeNo:       VoidNodeNo,
	}
	if i := site.Nodes.IndexOf(self, false); i >= 0 {
		site.NodeNo = uint32(i)
	}
	return site
}

// BootSite is the first configuration of a group founded by nodes.
func BootSite(group uint32, nodes nodelist.NodeList, eventHorizon uint32, self nodelist.NodeAddress) *SiteDef {
	start := xcomproto.Synode{GroupID: group, MsgNo: 1, Node: 0}
	return New(start, start, nodes, eventHorizon, self)
}

func Quorum(n int) int {
	return n/2 + 1
}

func (site *SiteDef) Quorum() int {
	return Quorum(len(site.Nodes))
}

func (site *SiteDef) MaxNodes() uint32 {
	return uint32(len(site.Nodes))
}

func (site *SiteDef) IsMember() bool {
	return site.NodeNo != VoidNodeNo
}

// NodeNoOf returns the index of addr in the site or VoidNodeNo.
func (site *SiteDef) NodeNoOf(addr string) uint32 {
	if i := site.Nodes.IndexOf(nodelist.NodeAddress{Address: addr}, false); i >= 0 {
		return uint32(i)
	}
	return VoidNodeNo
}

// Address of node n, empty when n is not part of the site.
func (site *SiteDef) Address(n uint32) string {
	if n >= site.MaxNodes() {
		return ""
	}
	return site.Nodes[n].Address
}

func (site *SiteDef) Entry() xcomproto.ConfigEntry {
	return xcomproto.ConfigEntry{
		Start:        site.Start,
		BootKey:      site.BootKey,
		Nodes:        site.Nodes.Clone(),
		EventHorizon: site.EventHorizon,
	}
}

func ValidateEventHorizon(h uint32) error {
	if h < MinEventHorizon || h > MaxEventHorizon {
		return errors.Wrapf(ErrInvalidEventHorizon, "%d not in [%d, %d]", h, MinEventHorizon, MaxEventHorizon)
	}
	return nil
}

// Install applies a configuration cargo to the active site. The new site is
// anchored on the synode right after `after`, which is the last synode that
// may still be decided under the active site.
func Install(active *SiteDef, a *xcomproto.AppData, after xcomproto.Synode, self nodelist.NodeAddress) (*SiteDef, error) {
	start := xcomproto.Synode{GroupID: active.GroupID, MsgNo: after.MsgNo + 1, Node: 0}
	return InstallAt(active, a, start, self)
}

// InstallAt is Install with an explicit first synode.
func InstallAt(active *SiteDef, a *xcomproto.AppData, start xcomproto.Synode, self nodelist.NodeAddress) (*SiteDef, error) {
	if active == nil {
		return nil, errors.Wrap(ErrNoSiteDef, "install without an active site")
	}
	nodes := active.Nodes
	horizon := active.EventHorizon

	switch a.CargoType {
	case xcomproto.AddNodeType:
		nodes = active.Nodes.Add(a.Nodes, false)
		if len(nodes) == len(active.Nodes) {
			return nil, errors.Wrapf(ErrInvalidConfig, "nodes %v are already members", a.Nodes)
		}
	case xcomproto.RemoveNodeType:
		nodes = active.Nodes.Remove(a.Nodes, false)
		if len(nodes) == len(active.Nodes) {
			return nil, errors.Wrapf(ErrInvalidConfig, "nodes %v are not members", a.Nodes)
		}
		if len(nodes) == 0 {
			return nil, errors.Wrap(ErrInvalidConfig, "cannot remove every member")
		}
	case xcomproto.ForceConfigType:
		nodes = nodelist.Empty().Add(a.Nodes, false)
		if len(nodes) == 0 {
			return nil, errors.Wrap(ErrInvalidConfig, "forced configuration is empty")
		}
	case xcomproto.SetEventHorizonType:
		if err := ValidateEventHorizon(a.EventHorizon); err != nil {
			return nil, err
		}
		horizon = a.EventHorizon
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "%s is not a configuration cargo", a.CargoType)
	}

	start.GroupID = active.GroupID
	return New(start, active.BootKey, nodes, horizon, self), nil
}
