package detector

import (
	"testing"
	"time"

	"xcom/nodelist"
	"xcom/sitedef"
	"xcom/xcomproto"
)

var names = []string{"a.example:1", "b.example:2", "c.example:3"}

type fakeCloser struct {
	connected map[string]bool
	closed    []string
}

func (c *fakeCloser) CloseConnection(addr string) bool {
	if !c.connected[addr] {
		return false
	}
	c.connected[addr] = false
	c.closed = append(c.closed, addr)
	return true
}

func site() *sitedef.SiteDef {
	return sitedef.BootSite(1, nodelist.Init(names), sitedef.DefaultEventHorizon, nodelist.NodeAddress{Address: names[0]})
}

func ping(from uint32) *xcomproto.PaxMsg {
	m := xcomproto.NewPaxMsg(xcomproto.AreYouAliveOp, xcomproto.NullSynode)
	m.From = from
	return m
}

func TestRepeatedPingsCloseConnection(t *testing.T) {
	closer := &fakeCloser{connected: map[string]bool{names[1]: true}}
	d := New(time.Second, closer)
	s := site()
	now := time.Unix(100, 0)

	for i := 1; i < PingsBeforeShutdown; i++ {
		if d.PreProcessIncomingPing(s, ping(1), true, now) {
			t.Fatalf("closed after %d pings", i)
		}
		now = now.Add(100 * time.Millisecond)
	}
	if !d.PreProcessIncomingPing(s, ping(1), true, now) {
		t.Fatal("expected a reset after repeated pings")
	}
	if len(closer.closed) != 1 || closer.closed[0] != names[1] {
		t.Fatalf("closed %v", closer.closed)
	}
	if iv := d.PingInterval(names[1]); iv < 99*time.Millisecond || iv > 101*time.Millisecond {
		t.Fatalf("interval %s", d.PingInterval(names[1]))
	}
}

func TestPingsWithoutResetCases(t *testing.T) {
	tests := []struct {
		name      string
		booted    bool
		connected bool
		gap       time.Duration
		from      uint32
	}{
		{"not booted", false, true, 10 * time.Millisecond, 1},
		{"no outgoing connection", true, false, 10 * time.Millisecond, 1},
		{"pings too far apart", true, true, 400 * time.Millisecond, 1},
		{"unknown sender", true, true, 10 * time.Millisecond, 7},
		{"own ping", true, true, 10 * time.Millisecond, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			closer := &fakeCloser{connected: map[string]bool{names[0]: tt.connected, names[1]: tt.connected}}
			d := New(time.Second, closer)
			now := time.Unix(100, 0)
			for i := 0; i < 2*PingsBeforeShutdown; i++ {
				if d.PreProcessIncomingPing(site(), ping(tt.from), tt.booted, now) {
					t.Fatalf("unexpected reset at ping %d", i+1)
				}
				now = now.Add(tt.gap)
			}
		})
	}
}

func TestAliveAndSuspects(t *testing.T) {
	d := New(time.Second, nil)
	s := site()
	start := time.Unix(100, 0)
	d.Track(s, start)

	if view := d.Alive(s, start.Add(100*time.Millisecond)); !view[0] || !view[1] || !view[2] {
		t.Fatalf("freshly tracked members are alive: %v", view)
	}
	d.Heard(names[1], start.Add(1200*time.Millisecond))

	later := start.Add(1500 * time.Millisecond)
	view := d.Alive(s, later)
	if !view[0] || !view[1] || view[2] {
		t.Fatalf("view %v", view)
	}
	sus := d.Suspects(s, later)
	if len(sus) != 1 || sus[0] != 2 {
		t.Fatalf("suspects %v", sus)
	}

	smaller := sitedef.BootSite(1, nodelist.Init(names[:2]), sitedef.DefaultEventHorizon, nodelist.NodeAddress{Address: names[0]})
	d.Forget(smaller)
	if d.Alive(s, start)[2] {
		t.Fatal("forgotten peer reported alive")
	}
}
