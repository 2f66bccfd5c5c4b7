package recovery

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"xcom/nodelist"
	"xcom/sitedef"
	"xcom/xcomproto"
)

var names = []string{"a.example:1", "b.example:2", "c.example:3"}

func needBoot(id nodelist.NodeAddress) *xcomproto.PaxMsg {
	return InitNeedBootOp(xcomproto.NewPaxMsg(xcomproto.InitialOp, xcomproto.NullSynode), id)
}

func TestShouldHandleNeedBoot(t *testing.T) {
	self := nodelist.NodeAddress{Address: names[0]}
	site := sitedef.BootSite(1, nodelist.Init(names), sitedef.DefaultEventHorizon, self)

	u1, u2 := uuid.New(), uuid.New()
	withUUIDs := sitedef.BootSite(1, nodelist.InitWithUUIDs(names, [][]byte{u1[:], u2[:], nil}), sitedef.DefaultEventHorizon, self)

	tests := []struct {
		name string
		site *sitedef.SiteDef
		id   nodelist.NodeAddress
		want bool
	}{
		{"not booted", nil, nodelist.NodeAddress{Address: names[1]}, false},
		{"member", site, nodelist.NodeAddress{Address: names[1]}, true},
		{"stranger", site, nodelist.NodeAddress{Address: "d.example:4"}, false},
		{"member with uuid on bare site", site, nodelist.NodeAddress{Address: names[1], UUID: u2[:]}, true},
		{"matching incarnation", withUUIDs, nodelist.NodeAddress{Address: names[1], UUID: u2[:]}, true},
		{"stale incarnation", withUUIDs, nodelist.NodeAddress{Address: names[1], UUID: u1[:]}, false},
		{"address only", withUUIDs, nodelist.NodeAddress{Address: names[0]}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldHandleNeedBoot(tt.site, needBoot(tt.id)); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}

	if ShouldHandleNeedBoot(site, xcomproto.NewPaxMsg(xcomproto.NeedBootOp, xcomproto.NullSynode)) {
		t.Fatal("a request without identity cannot be answered")
	}
}

func TestInitNeedBootOp(t *testing.T) {
	msg := xcomproto.NewPaxMsg(xcomproto.PrepareOp, xcomproto.NullSynode)
	msg.A = xcomproto.NewAppData(1, xcomproto.AppType)
	id := nodelist.NodeAddress{Address: names[2], UID: 9}
	InitNeedBootOp(msg, id)
	if msg.Op != xcomproto.NeedBootOp || msg.A != nil {
		t.Fatalf("not a need-boot request: %s", msg)
	}
	id.Address = "changed.example:1"
	if msg.Identity.Address != names[2] || msg.Identity.UID != 9 {
		t.Fatal("identity must be copied")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	self := nodelist.NodeAddress{Address: names[0]}
	boot := sitedef.BootSite(7, nodelist.Init(names), sitedef.DefaultEventHorizon, self)
	add := xcomproto.NewAppData(7, xcomproto.AddNodeType)
	add.Nodes = nodelist.Init([]string{"d.example:4"})
	next, err := sitedef.Install(boot, add, xcomproto.Synode{GroupID: 7, MsgNo: 20}, self)
	if err != nil {
		t.Fatal(err)
	}
	chain := sitedef.NewChain()
	chain.Push(boot)
	chain.Push(next)

	start := xcomproto.Synode{GroupID: 7, MsgNo: 1}
	end := xcomproto.Synode{GroupID: 7, MsgNo: 30}
	snap := ExportSnapshot(chain, start, end, []byte("state"))

	joiner := nodelist.NodeAddress{Address: "d.example:4"}
	imported, err := ImportSnapshot(snap, joiner)
	if err != nil {
		t.Fatal(err)
	}
	if imported.Len() != 2 {
		t.Fatalf("imported %d configs", imported.Len())
	}
	latest := imported.Latest()
	if !latest.Start.Equal(next.Start) || latest.Nodes.Len() != 4 || latest.NodeNo != 3 {
		t.Fatalf("latest config %+v", latest)
	}
	if imported.First().IsMember() {
		t.Fatal("the joiner is not part of the boot config")
	}
	if string(snap.App) != "state" {
		t.Fatal("application state lost")
	}
}

func TestImportRejectsBadSnapshots(t *testing.T) {
	self := nodelist.NodeAddress{Address: names[0]}
	if _, err := ImportSnapshot(nil, self); !errors.Is(err, ErrEmptySnapshot) {
		t.Fatalf("nil snapshot: %v", err)
	}
	snap := &xcomproto.Snapshot{Configs: []xcomproto.ConfigEntry{{Nodes: nodelist.Init(names), EventHorizon: 1}}}
	if _, err := ImportSnapshot(snap, self); !errors.Is(err, sitedef.ErrInvalidEventHorizon) {
		t.Fatalf("bad horizon: %v", err)
	}
	snap.Configs[0].EventHorizon = sitedef.DefaultEventHorizon
	snap.Configs[0].Nodes = nodelist.Empty()
	if _, err := ImportSnapshot(snap, self); !errors.Is(err, sitedef.ErrInvalidConfig) {
		t.Fatalf("empty config: %v", err)
	}
}

func TestBetter(t *testing.T) {
	a := &xcomproto.Snapshot{LogEnd: xcomproto.Synode{MsgNo: 10}}
	b := &xcomproto.Snapshot{LogEnd: xcomproto.Synode{MsgNo: 12}}
	if Better(a, b) != b || Better(b, a) != b {
		t.Fatal("the snapshot reaching further must win")
	}
	if Better(nil, a) != a || Better(a, nil) != a {
		t.Fatal("nil never wins")
	}
}
