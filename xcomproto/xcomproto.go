package xcomproto

import (
	"fmt"

	"github.com/google/uuid"

	"xcom/nodelist"
)

// Synode addresses one slot of the replicated log. Slots are ordered by
// message number and then by the index of the node that owns the slot.
type Synode struct {
	GroupID uint32
	MsgNo   uint64
	Node    uint32
}

var NullSynode = Synode{}

func (s Synode) Compare(o Synode) int {
	switch {
	case s.MsgNo < o.MsgNo:
		return -1
	case s.MsgNo > o.MsgNo:
		return 1
	case s.Node < o.Node:
		return -1
	case s.Node > o.Node:
		return 1
	}
	return 0
}

func (s Synode) Less(o Synode) bool {
	return s.Compare(o) < 0
}

func (s Synode) Equal(o Synode) bool {
	return s.GroupID == o.GroupID && s.MsgNo == o.MsgNo && s.Node == o.Node
}

func (s Synode) IsNull() bool {
	return s.MsgNo == 0 && s.Node == 0
}

// Incr moves to the next slot of a group of maxNodes members.
func (s Synode) Incr(maxNodes uint32) Synode {
	s.Node++
	if s.Node >= maxNodes {
		s.Node = 0
		s.MsgNo++
	}
	return s
}

// Decr is the inverse of Incr. The first slot has no predecessor and is
// returned unchanged.
func (s Synode) Decr(maxNodes uint32) Synode {
	if s.Node == 0 {
		if s.MsgNo == 0 {
			return s
		}
		s.MsgNo--
		s.Node = maxNodes - 1
		return s
	}
	s.Node--
	return s
}

func MaxSynode(a, b Synode) Synode {
	if a.Less(b) {
		return b
	}
	return a
}

func (s Synode) String() string {
	return fmt.Sprintf("{%x %d %d}", s.GroupID, s.MsgNo, s.Node)
}

// Ballot orders competing proposals for the same slot. Cnt 0 is reserved for
// the owner of a slot, which may skip phase one with it.
type Ballot struct {
	Cnt  int32
	Node uint32
}

var ZeroBallot = Ballot{Cnt: -1, Node: 0}

func (bal Ballot) GreaterThan(cmp Ballot) bool {
	return bal.Cnt > cmp.Cnt || (bal.Cnt == cmp.Cnt && bal.Node > cmp.Node)
}

func (bal Ballot) Less(cmp Ballot) bool {
	return cmp.GreaterThan(bal)
}

func (bal Ballot) Equal(cmp Ballot) bool {
	return bal.Cnt == cmp.Cnt && bal.Node == cmp.Node
}

func (bal Ballot) IsZero() bool {
	return bal.Equal(ZeroBallot)
}

func (bal Ballot) String() string {
	return fmt.Sprintf("%d.%d", bal.Cnt, bal.Node)
}

func MaxBallot(a, b Ballot) Ballot {
	if a.Less(b) {
		return b
	}
	return a
}

type CargoType uint8

const (
	AppType CargoType = iota
	NoOpType
	AddNodeType
	RemoveNodeType
	ForceConfigType
	SetEventHorizonType
	GetEventHorizonType
	SetCacheSizeType
	SnapshotType
	UnifiedBootType
	XcomBootType
	GetSynodeAppDataType
	ConvertIntoLocalServerType
	ExitType
	ResetType
)

var cargoNames = [...]string{
	AppType:                    "app_type",
	NoOpType:                   "no_op_type",
	AddNodeType:                "add_node_type",
	RemoveNodeType:             "remove_node_type",
	ForceConfigType:            "force_config_type",
	SetEventHorizonType:        "set_event_horizon_type",
	GetEventHorizonType:        "get_event_horizon_type",
	SetCacheSizeType:           "set_cache_size_type",
	SnapshotType:               "snapshot_type",
	UnifiedBootType:            "unified_boot_type",
	XcomBootType:               "xcom_boot_type",
	GetSynodeAppDataType:       "get_synode_app_data_type",
	ConvertIntoLocalServerType: "convert_into_local_server_type",
	ExitType:                   "exit_type",
	ResetType:                  "reset_type",
}

func (c CargoType) String() string {
	if int(c) < len(cargoNames) {
		return cargoNames[c]
	}
	return fmt.Sprintf("cargo(%d)", uint8(c))
}

// AppData is the value agreed on in one slot: either application payload or
// a control cargo acted upon by every node when it is delivered.
type AppData struct {
	UniqueID     uuid.UUID
	GroupID      uint32
	AppKey       Synode
	CargoType    CargoType
	Nodes        nodelist.NodeList
	Payload      []byte
	EventHorizon uint32
	CacheLimit   uint64
	Synodes      []Synode
}

func NewAppData(group uint32, cargo CargoType) *AppData {
	return &AppData{
		UniqueID:  uuid.New(),
		GroupID:   group,
		CargoType: cargo,
	}
}

// IsConfig reports whether delivering the cargo produces a new site.
func (a *AppData) IsConfig() bool {
	switch a.CargoType {
	case AddNodeType, RemoveNodeType, ForceConfigType, SetEventHorizonType:
		return true
	}
	return false
}

func (a *AppData) Clone() *AppData {
	if a == nil {
		return nil
	}
	c := *a
	c.Nodes = a.Nodes.Clone()
	if a.Payload != nil {
		c.Payload = append([]byte(nil), a.Payload...)
	}
	if a.Synodes != nil {
		c.Synodes = append([]Synode(nil), a.Synodes...)
	}
	return &c
}

type SynodeAppData struct {
	Synode  Synode
	Payload []byte
}

type PaxOp uint8

const (
	ClientMsg PaxOp = iota
	InitialOp
	PrepareOp
	AckPrepareOp
	AckPrepareEmptyOp
	AcceptOp
	AckAcceptOp
	LearnOp
	TinyLearnOp
	SkipOp
	ReadOp
	NeedBootOp
	GcsSnapshotOp
	DieOp
	AreYouAliveOp
	IAmAliveOp
	XcomClientReply
	numPaxOps
)

var opNames = [...]string{
	ClientMsg:         "client_msg",
	InitialOp:         "initial_op",
	PrepareOp:         "prepare_op",
	AckPrepareOp:      "ack_prepare_op",
	AckPrepareEmptyOp: "ack_prepare_empty_op",
	AcceptOp:          "accept_op",
	AckAcceptOp:       "ack_accept_op",
	LearnOp:           "learn_op",
	TinyLearnOp:       "tiny_learn_op",
	SkipOp:            "skip_op",
	ReadOp:            "read_op",
	NeedBootOp:        "need_boot_op",
	GcsSnapshotOp:     "gcs_snapshot_op",
	DieOp:             "die_op",
	AreYouAliveOp:     "are_you_alive_op",
	IAmAliveOp:        "i_am_alive_op",
	XcomClientReply:   "xcom_client_reply",
}

func (op PaxOp) String() string {
	if op < numPaxOps {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

type PaxMsgType uint8

const (
	Normal PaxMsgType = iota
	NoOp
	MultiNoOp
)

type ClientReplyCode uint8

const (
	RequestOK ClientReplyCode = iota
	RequestFail
	RequestRetry
)

func (c ClientReplyCode) String() string {
	switch c {
	case RequestOK:
		return "REQUEST_OK"
	case RequestFail:
		return "REQUEST_FAIL"
	case RequestRetry:
		return "REQUEST_RETRY"
	}
	return fmt.Sprintf("reply(%d)", uint8(c))
}

// PaxMsg is the single message type exchanged between nodes and between
// clients and nodes. Which fields are meaningful depends on Op.
type PaxMsg struct {
	Op       PaxOp
	MsgType  PaxMsgType
	Synode   Synode
	Proposal Ballot
	ReplyTo  Ballot
	From     uint32

	// piggybacked progress of the sender
	Delivered   Synode
	LastRemoved Synode
	MaxSynode   Synode

	A                   *AppData
	Snapshot            *Snapshot
	Identity            *nodelist.NodeAddress
	CliErr              ClientReplyCode
	EventHorizon        uint32
	Force               bool
	RequestedSynodeData []SynodeAppData
}

func NewPaxMsg(op PaxOp, synode Synode) *PaxMsg {
	return &PaxMsg{
		Op:       op,
		Synode:   synode,
		Proposal: ZeroBallot,
		ReplyTo:  ZeroBallot,
	}
}

func (m *PaxMsg) IsNoOp() bool {
	return m.MsgType == NoOp || m.MsgType == MultiNoOp
}

func (m *PaxMsg) Clone() *PaxMsg {
	if m == nil {
		return nil
	}
	c := *m
	c.A = m.A.Clone()
	c.Snapshot = m.Snapshot.Clone()
	if m.Identity != nil {
		id := m.Identity.Clone()
		c.Identity = &id
	}
	if m.RequestedSynodeData != nil {
		c.RequestedSynodeData = make([]SynodeAppData, len(m.RequestedSynodeData))
		for i, d := range m.RequestedSynodeData {
			c.RequestedSynodeData[i] = SynodeAppData{Synode: d.Synode, Payload: append([]byte(nil), d.Payload...)}
		}
	}
	return &c
}

func (m *PaxMsg) String() string {
	return fmt.Sprintf("%s %s bal %s from %d", m.Op, m.Synode, m.Proposal, m.From)
}

// ConfigEntry is the transferable form of one site definition.
type ConfigEntry struct {
	Start        Synode
	BootKey      Synode
	Nodes        nodelist.NodeList
	EventHorizon uint32
}

// Snapshot carries everything a node needs to join at LogEnd: the chain of
// configurations and an opaque application state covering [LogStart, LogEnd).
type Snapshot struct {
	Configs  []ConfigEntry
	LogStart Synode
	LogEnd   Synode
	App      []byte
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Configs = make([]ConfigEntry, len(s.Configs))
	for i, e := range s.Configs {
		c.Configs[i] = e
		c.Configs[i].Nodes = e.Nodes.Clone()
	}
	if s.App != nil {
		c.App = append([]byte(nil), s.App...)
	}
	return &c
}
