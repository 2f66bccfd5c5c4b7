package xcom

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"xcom/adminclient"
	"xcom/network"
	"xcom/nodelist"
	"xcom/sitedef"
	"xcom/xcomfsm"
	"xcom/xcomproto"
)

type delivery struct {
	s       xcomproto.Synode
	payload string
}

type recorder struct {
	mu        sync.Mutex
	delivered []delivery
}

func (r *recorder) Deliver(s xcomproto.Synode, lastRemoved xcomproto.Synode, a *xcomproto.AppData) {
	r.mu.Lock()
	r.delivered = append(r.delivered, delivery{s, string(a.Payload)})
	r.mu.Unlock()
}

func (r *recorder) snapshot() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.delivered...)
}

func (r *recorder) contains(payload string) bool {
	for _, d := range r.snapshot() {
		if d.payload == payload {
			return true
		}
	}
	return false
}

func isRetry(err error) bool {
	return errors.Is(err, adminclient.ErrRetry)
}

func isFailed(err error) bool {
	return errors.Is(err, adminclient.ErrRequestFailed)
}

func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type stateRecorder struct {
	runs, exits, expels int32
}

func (s *stateRecorder) Run()   { atomic.AddInt32(&s.runs, 1) }
func (s *stateRecorder) Exit()  { atomic.AddInt32(&s.exits, 1) }
func (s *stateRecorder) Expel() { atomic.AddInt32(&s.expels, 1) }

type testNode struct {
	addr   string
	engine *Engine
	rec    *recorder
	states *stateRecorder
}

type cluster struct {
	t     *testing.T
	net   *network.MemoryNetwork
	ctx   context.Context
	tune  func(cfg *Config)
	nodes []*testNode
}

func testConfig(net *network.MemoryNetwork, addr string, rec *recorder) Config {
	cfg := DefaultConfig()
	cfg.Self = nodelist.NodeAddress{Address: addr}
	cfg.Provider = net.Provider(addr)
	cfg.Data = rec
	cfg.TickInterval = 5 * time.Millisecond
	cfg.ProposeTimeout = 50 * time.Millisecond
	cfg.StallTimeout = 100 * time.Millisecond
	cfg.DetectorTimeout = 500 * time.Millisecond
	cfg.PingInterval = 50 * time.Millisecond
	cfg.CacheSize = 1000
	return cfg
}

func (c *cluster) start(addr string) *testNode {
	c.t.Helper()
	rec := &recorder{}
	states := &stateRecorder{}
	cfg := testConfig(c.net, addr, rec)
	cfg.States = states
	if c.tune != nil {
		c.tune(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		c.t.Fatal(err)
	}
	if err := e.Start(c.ctx); err != nil {
		c.t.Fatal(err)
	}
	n := &testNode{addr: addr, engine: e, rec: rec, states: states}
	c.nodes = append(c.nodes, n)
	c.t.Cleanup(func() { e.Stop() })
	return n
}

func (c *cluster) members() nodelist.NodeList {
	var names []string
	for _, n := range c.nodes {
		names = append(names, n.addr)
	}
	return nodelist.Init(names)
}

func newCluster(t *testing.T, size int) *cluster {
	return newTunedCluster(t, size, nil)
}

func newTunedCluster(t *testing.T, size int, tune func(cfg *Config)) *cluster {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c := &cluster{t: t, net: network.NewMemoryNetwork(), ctx: ctx, tune: tune}
	for i := 0; i < size; i++ {
		c.start(fmt.Sprintf("node%d:3306%d", i, i))
	}
	members := c.members()
	for _, n := range c.nodes {
		if err := n.engine.Boot(ctx, members); err != nil {
			t.Fatalf("boot %s: %v", n.addr, err)
		}
	}
	return c
}

func (c *cluster) propose(n *testNode, payload string) xcomproto.Synode {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	s, err := n.engine.Propose(ctx, []byte(payload))
	if err != nil {
		c.t.Fatalf("propose %q on %s: %v", payload, n.addr, err)
	}
	return s
}

func TestThreeNodesDecide(t *testing.T) {
	c := newCluster(t, 3)
	s := c.propose(c.nodes[0], "x")
	want := xcomproto.Synode{GroupID: 1, MsgNo: 1, Node: 0}
	if s != want {
		t.Fatalf("decided at %s, want %s", s, want)
	}
	for _, n := range c.nodes {
		n := n
		eventually(t, 5*time.Second, n.addr+" to deliver x", func() bool { return len(n.rec.snapshot()) == 1 })
		got := n.rec.snapshot()[0]
		if got.s != want || got.payload != "x" {
			t.Fatalf("%s delivered %q at %s", n.addr, got.payload, got.s)
		}
	}
}

func TestTotalOrder(t *testing.T) {
	const perNode = 30
	c := newCluster(t, 3)

	var wg sync.WaitGroup
	errs := make(chan error, 3*perNode)
	for i, n := range c.nodes {
		for k := 0; k < perNode; k++ {
			wg.Add(1)
			go func(n *testNode, payload string) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(c.ctx, 20*time.Second)
				defer cancel()
				if _, err := n.engine.Propose(ctx, []byte(payload)); err != nil {
					errs <- err
				}
			}(n, fmt.Sprintf("v%d-%d", i, k))
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	for _, n := range c.nodes {
		n := n
		eventually(t, 10*time.Second, n.addr+" to deliver everything", func() bool {
			return len(n.rec.snapshot()) == 3*perNode
		})
	}
	ref := c.nodes[0].rec.snapshot()
	seen := make(map[string]bool)
	for i, d := range ref {
		if seen[d.payload] {
			t.Fatalf("%q delivered twice", d.payload)
		}
		seen[d.payload] = true
		if i > 0 && !ref[i-1].s.Less(d.s) {
			t.Fatalf("delivery out of synode order: %s then %s", ref[i-1].s, d.s)
		}
	}
	for _, n := range c.nodes[1:] {
		got := n.rec.snapshot()
		for i := range ref {
			if got[i] != ref[i] {
				t.Fatalf("%s delivered %q at %s, node0 delivered %q at %s", n.addr, got[i].payload, got[i].s, ref[i].payload, ref[i].s)
			}
		}
	}

	for _, n := range c.nodes {
		var peak int
		var horizon uint32
		if err := n.engine.do(c.ctx, func() {
			peak = n.engine.peakActive
			horizon = n.engine.chain.Latest().EventHorizon
		}); err != nil {
			t.Fatal(err)
		}
		if peak == 0 || peak > int(horizon) {
			t.Fatalf("%s had %d proposals in flight, event horizon is %d", n.addr, peak, horizon)
		}
	}
}

func TestProgressWithDeadMember(t *testing.T) {
	c := newCluster(t, 3)
	c.propose(c.nodes[1], "before")
	if err := c.nodes[2].engine.Stop(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		c.propose(c.nodes[0], fmt.Sprintf("after-%d", i))
	}
	eventually(t, 5*time.Second, "node1 to deliver", func() bool { return c.nodes[1].rec.contains("after-4") })
}

func TestAddNode(t *testing.T) {
	c := newCluster(t, 3)
	c.propose(c.nodes[0], "first")

	joiner := c.start("node3:33063")
	admin, err := adminclient.Dial(c.ctx, c.net.Provider(""), c.nodes[0].addr, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer admin.Close()
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	if err := admin.AddNode(ctx, nodelist.Init([]string{joiner.addr})); err != nil {
		t.Fatal(err)
	}
	if err := joiner.engine.Join(ctx, []string{c.nodes[0].addr}); err != nil {
		t.Fatal(err)
	}
	eventually(t, 10*time.Second, "the joiner to run", func() bool {
		return joiner.engine.State() == xcomfsm.StateRun.String()
	})
	site := joiner.engine.Site()
	if len(site.Nodes) != 4 || site.Quorum() != 3 {
		t.Fatalf("joiner sees %s with quorum %d", site.Nodes, site.Quorum())
	}
	if site.NodeNo != 3 {
		t.Fatalf("joiner is node %d", site.NodeNo)
	}

	c.propose(c.nodes[1], "after")
	eventually(t, 10*time.Second, "the joiner to deliver", func() bool { return joiner.rec.contains("after") })
	if joiner.rec.contains("first") {
		t.Fatal("the joiner delivered a value covered by its snapshot")
	}
}

func TestAdminRequests(t *testing.T) {
	c := &cluster{t: t, net: network.NewMemoryNetwork(), ctx: context.Background()}
	n := c.start("solo:33061")
	admin, err := adminclient.Dial(c.ctx, c.net.Provider(""), n.addr, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer admin.Close()
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	if err := admin.SendClientAppData(ctx, []byte("early")); !isRetry(err) {
		t.Fatalf("app data before boot: %v", err)
	}
	if err := admin.Boot(ctx, nodelist.Init([]string{n.addr})); err != nil {
		t.Fatal(err)
	}
	if h, err := admin.GetEventHorizon(ctx); err != nil || h != sitedef.DefaultEventHorizon {
		t.Fatalf("event horizon %d, %v", h, err)
	}
	if err := admin.SetEventHorizon(ctx, 20); err != nil {
		t.Fatal(err)
	}
	if h, _ := admin.GetEventHorizon(ctx); h != 20 {
		t.Fatalf("event horizon %d after set", h)
	}
	if err := admin.SetEventHorizon(ctx, adminclient.MaximumEventHorizon()+1); err == nil {
		t.Fatal("an out of range event horizon was accepted")
	}
	if err := admin.SetCacheSize(ctx, 1); !isFailed(err) {
		t.Fatalf("tiny cache size: %v", err)
	}
	if err := admin.SendClientAppData(ctx, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	d := n.rec.snapshot()
	if len(d) != 1 || d[0].payload != "hello" {
		t.Fatalf("delivered %v", d)
	}
	data, err := admin.GetSynodeAppData(ctx, []xcomproto.Synode{d[0].s})
	if err != nil || len(data) != 1 || string(data[0].Payload) != "hello" {
		t.Fatalf("synode app data %v, %v", data, err)
	}
	missing := xcomproto.Synode{GroupID: 1, MsgNo: 500}
	if _, err := admin.GetSynodeAppData(ctx, []xcomproto.Synode{missing}); !isFailed(err) {
		t.Fatalf("data for an unknown synode: %v", err)
	}
	if err := admin.AddNode(ctx, nodelist.Init([]string{n.addr})); !isFailed(err) {
		t.Fatalf("adding a member again: %v", err)
	}
}

func TestForceConfig(t *testing.T) {
	c := newCluster(t, 3)
	c.propose(c.nodes[0], "before")
	for _, n := range c.nodes[1:] {
		if err := n.engine.Stop(); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	if err := c.nodes[0].engine.ForceConfig(ctx, nodelist.Init([]string{c.nodes[0].addr})); err != nil {
		t.Fatal(err)
	}
	if site := c.nodes[0].engine.Site(); len(site.Nodes) != 1 {
		t.Fatalf("site after force is %s", site.Nodes)
	}
	c.propose(c.nodes[0], "alone")
	if !c.nodes[0].rec.contains("alone") {
		t.Fatal("value proposed after force config was not delivered")
	}
}

func TestProposeBeforeBoot(t *testing.T) {
	c := &cluster{t: t, net: network.NewMemoryNetwork(), ctx: context.Background()}
	n := c.start("idle:33061")
	if _, err := n.engine.Propose(c.ctx, []byte("x")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("propose before boot: %v", err)
	}
	if got := n.engine.State(); got != xcomfsm.StateStart.String() {
		t.Fatalf("state %s", got)
	}
}

func TestLaggingLearnerCatchesUp(t *testing.T) {
	c := newCluster(t, 3)
	n0, n2 := c.nodes[0], c.nodes[2]
	c.net.Block(n0.addr, n2.addr)
	c.propose(n0, "x")
	eventually(t, 5*time.Second, "node1 to deliver x", func() bool { return c.nodes[1].rec.contains("x") })
	c.net.Heal()
	// nothing else is proposed, node2 only hears about x from what its peers delivered
	eventually(t, 5*time.Second, "node2 to deliver x", func() bool { return n2.rec.contains("x") })
}

func TestPendingHorizonBoundsProposals(t *testing.T) {
	c := &cluster{t: t, net: network.NewMemoryNetwork(), ctx: context.Background()}
	n := c.start("solo:33061")
	if err := n.engine.Boot(c.ctx, nodelist.Init([]string{n.addr})); err != nil {
		t.Fatal(err)
	}
	e := n.engine
	err := e.do(c.ctx, func() {
		raise := xcomproto.NewAppData(e.group, xcomproto.SetEventHorizonType)
		raise.EventHorizon = sitedef.MaxEventHorizon
		if err := e.installConfig(e.chain.SiteFor(e.executed), e.executed, raise); err != nil {
			t.Error(err)
			return
		}
		opened := xcomproto.NullSynode
		for i := 0; i < 1000; i++ {
			s, _, ok := e.nextOwnSlot()
			if !ok {
				break
			}
			e.lastOwn = s
			opened = s
		}
		if opened.IsNull() {
			t.Error("no slot could be opened")
			return
		}
		before := e.chain.SiteFor(opened)

		add := xcomproto.NewAppData(e.group, xcomproto.AddNodeType)
		add.Nodes = nodelist.Init([]string{"ghost:33062"})
		if err := e.installConfig(e.chain.SiteFor(e.executed), e.executed, add); err != nil {
			t.Error(err)
			return
		}
		if after := e.chain.SiteFor(opened); after != before {
			t.Errorf("%s moved from the site starting at %s to the one starting at %s", opened, before.Start, after.Start)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRecoverFromLocalSnapshot(t *testing.T) {
	c := newCluster(t, 3)
	n0, n2 := c.nodes[0], c.nodes[2]
	c.propose(n0, "a")
	eventually(t, 5*time.Second, "node2 to deliver a", func() bool { return n2.rec.contains("a") })

	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	snap, err := n2.engine.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := n2.engine.Terminate(ctx); err != nil {
		t.Fatal(err)
	}
	if got := n2.engine.State(); got != xcomfsm.StateStart.String() {
		t.Fatalf("state %s after terminate", got)
	}
	if err := n2.engine.RecoverLocal(ctx, snap); err != nil {
		t.Fatal(err)
	}
	eventually(t, 5*time.Second, "node2 to run again", func() bool {
		return n2.engine.State() == xcomfsm.StateRun.String()
	})
	if runs := atomic.LoadInt32(&n2.states.runs); runs != 2 {
		t.Fatalf("node2 entered run %d times", runs)
	}

	c.propose(n0, "b")
	eventually(t, 10*time.Second, "node2 to deliver b", func() bool { return n2.rec.contains("b") })
	var count int
	for _, d := range n2.rec.snapshot() {
		if d.payload == "a" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("a delivered %d times", count)
	}
}

func TestRecoverLocalNeedsStart(t *testing.T) {
	c := newCluster(t, 1)
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	snap, err := c.nodes[0].engine.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.nodes[0].engine.RecoverLocal(ctx, snap); err == nil {
		t.Fatal("a running node accepted a local snapshot")
	}
}

func TestRemovedNodeIsExpelled(t *testing.T) {
	c := newCluster(t, 3)
	n0, n1, n2 := c.nodes[0], c.nodes[1], c.nodes[2]
	admin, err := adminclient.Dial(c.ctx, c.net.Provider(""), n0.addr, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer admin.Close()
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	if err := admin.RemoveNode(ctx, nodelist.Init([]string{n2.addr})); err != nil {
		t.Fatal(err)
	}

	exited := func() bool { return n2.engine.State() == xcomfsm.StateExit.String() }
	for i := 0; i < 50 && !exited(); i++ {
		c.propose(n0, fmt.Sprintf("fill-%d", i))
	}
	eventually(t, 5*time.Second, "node2 to leave", exited)
	if expels := atomic.LoadInt32(&n2.states.expels); expels != 1 {
		t.Fatalf("node2 was expelled %d times", expels)
	}
	if exits := atomic.LoadInt32(&n2.states.exits); exits != 1 {
		t.Fatalf("node2 exited %d times", exits)
	}
	site := n1.engine.Site()
	if len(site.Nodes) != 2 || site.Quorum() != 2 {
		t.Fatalf("node1 sees %s with quorum %d", site.Nodes, site.Quorum())
	}
	c.propose(n1, "without node2")
}

func TestLaggingMemberRecoversFromSnapshot(t *testing.T) {
	c := newTunedCluster(t, 3, func(cfg *Config) { cfg.GCLag = 2 })
	n0, n2 := c.nodes[0], c.nodes[2]
	for _, other := range c.nodes[:2] {
		c.net.Block(n2.addr, other.addr)
		c.net.Block(other.addr, n2.addr)
	}
	for i := 0; i < 20; i++ {
		c.propose(n0, fmt.Sprintf("v%d", i))
	}
	behind := n2.engine.ExecutedSynode()
	eventually(t, 5*time.Second, "node0 to forget what node2 still needs", func() bool {
		var lr xcomproto.Synode
		if err := n0.engine.do(c.ctx, func() { lr = n0.engine.cache.LastRemoved() }); err != nil {
			t.Fatal(err)
		}
		return !lr.IsNull() && behind.Less(lr)
	})
	c.net.Heal()

	eventually(t, 10*time.Second, "node2 to run from a snapshot", func() bool {
		return atomic.LoadInt32(&n2.states.runs) >= 2 && n2.engine.State() == xcomfsm.StateRun.String()
	})
	c.propose(n0, "after")
	eventually(t, 10*time.Second, "node2 to deliver after", func() bool { return n2.rec.contains("after") })
}

func TestJoinSilentSeedExits(t *testing.T) {
	c := &cluster{t: t, net: network.NewMemoryNetwork(), ctx: context.Background(), tune: func(cfg *Config) {
		cfg.SnapshotWaitTimeout = 50 * time.Millisecond
		cfg.TimeoutRetries = 2
	}}
	n := c.start("lonely:33061")
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	if err := n.engine.Join(ctx, []string{"nobody:33069"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, 5*time.Second, "the joiner to give up", func() bool {
		return n.engine.State() == xcomfsm.StateExit.String()
	})
	if exits := atomic.LoadInt32(&n.states.exits); exits != 1 {
		t.Fatalf("exit callback ran %d times", exits)
	}
	if runs := atomic.LoadInt32(&n.states.runs); runs != 0 {
		t.Fatalf("run callback ran %d times", runs)
	}
}

type discardConn struct{ addr string }

func (d discardConn) Addr() string                   { return d.addr }
func (d discardConn) Send(m *xcomproto.PaxMsg) error { return nil }
func (d discardConn) Close() error                   { return nil }
func (d discardConn) Connected() bool                { return true }

func TestResentAcceptKeepsHeldValue(t *testing.T) {
	c := &cluster{t: t, net: network.NewMemoryNetwork(), ctx: context.Background()}
	n := c.start("solo:33061")
	if err := n.engine.Boot(c.ctx, nodelist.Init([]string{n.addr})); err != nil {
		t.Fatal(err)
	}
	e := n.engine
	err := e.do(c.ctx, func() {
		site := e.chain.Latest()
		s := xcomproto.Synode{GroupID: e.group, MsgNo: e.executed.MsgNo + 3}
		accept := xcomproto.NewPaxMsg(xcomproto.AcceptOp, s)
		accept.Proposal = xcomproto.Ballot{Cnt: 7, Node: 0}
		accept.A = xcomproto.NewAppData(e.group, xcomproto.AppType)
		accept.A.Payload = []byte("held")

		conn := discardConn{addr: "peer:33062"}
		e.handleAccept(conn, site, accept)
		p := e.cache.Lookup(s)
		if p == nil || p.Acceptor.Msg == nil {
			t.Error("accept was not stored")
			return
		}
		held := p.Acceptor.Msg
		e.handleAccept(conn, site, accept.Clone())
		if p.Acceptor.Msg != held {
			t.Error("a resent accept replaced the value already held")
		}
		if got := string(p.Acceptor.Msg.A.Payload); got != "held" {
			t.Errorf("holding %q", got)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
}
