package xcom

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"xcom/clientproposalqueue"
	"xcom/detector"
	"xcom/network"
	"xcom/nodelist"
	"xcom/proposer"
	"xcom/sitedef"
	"xcom/xcomcache"
	"xcom/xcomfsm"
	"xcom/xcomproto"
)

var (
	ErrNotRunning = errors.New("node is not part of a running group")
	ErrStopped    = errors.New("engine stopped")
)

type inboundMsg struct {
	conn network.ConnectionDescriptor
	msg  *xcomproto.PaxMsg
}

type dialResult struct {
	addr string
	conn network.ConnectionDescriptor
	err  error
}

// attempt is one of our proposals that has not been decided yet.
type attempt struct {
	value   *xcomproto.AppData
	msgType xcomproto.PaxMsgType
	started time.Time
}

// waiter is told when the value it queued is delivered, or why it never
// will be.
type waiter struct {
	ok   func(s xcomproto.Synode)
	fail func(err error)
}

// Engine is one XCom node. A single goroutine owns all protocol state;
// network readers and API calls hand work to it over channels.
type Engine struct {
	cfg      Config
	log      Logger
	self     nodelist.NodeAddress
	group    uint32
	provider network.Provider

	inbound  chan inboundMsg
	requests chan func()
	dialed   chan dialResult
	stopping chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool

	// owned by the loop goroutine
	fsm       *xcomfsm.FSM
	chain     *sitedef.Chain
	cache     *xcomcache.Cache
	balloter  *proposer.Balloter
	detector  *detector.Detector
	loop      *loopback
	local     []*xcomproto.PaxMsg
	peers     map[string]network.ConnectionDescriptor
	dialing   map[string][]*xcomproto.PaxMsg
	nextDial  map[string]time.Time
	executed  xcomproto.Synode
	maxSynode xcomproto.Synode
	lastOwn   xcomproto.Synode
	queue     *clientproposalqueue.ClientProposalQueue
	active    map[xcomproto.Synode]*attempt
	waiters   map[uuid.UUID]waiter
	forced    map[uuid.UUID]bool

	peakActive    int
	peerDelivered map[string]xcomproto.Synode
	lastProgress  time.Time
	lastCatchUp   xcomproto.Synode
	catchUpAt     time.Time
	catchUpRound  int
	evictions     uint64
	lastPing      time.Time
	lastPoll      time.Time
	deadline      time.Time
	snapEnd       xcomproto.Synode
	bestSnapshot  *xcomproto.Snapshot
	snapshotMax   xcomproto.Synode
	seeds         []string
	expelAt       xcomproto.Synode
	localView     []bool
	forceErr      error
	exited        bool
	now           time.Time

	mu          sync.Mutex
	pubState    string
	pubExecuted xcomproto.Synode
	pubSite     *sitedef.SiteDef
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		self:     cfg.Self.Clone(),
		group:    cfg.GroupID,
		provider: cfg.Provider,
		inbound:  make(chan inboundMsg, 1024),
		requests: make(chan func()),
		dialed:   make(chan dialResult, 64),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		peers:    make(map[string]network.ConnectionDescriptor),
		dialing:  make(map[string][]*xcomproto.PaxMsg),
		nextDial: make(map[string]time.Time),
		waiters:  make(map[uuid.UUID]waiter),
		queue:    clientproposalqueue.ClientProposalQueueInit(),
		seeds:    append([]string(nil), cfg.Seeds...),
		now:      time.Now(),
	}
	e.loop = &loopback{e: e}
	e.detector = detector.New(cfg.DetectorTimeout, e)
	e.fsm = xcomfsm.New(fsmHost{e}, xcomfsm.Timeouts{
		SnapshotWait: cfg.SnapshotWaitTimeout,
		RecoverWait:  cfg.RecoverWaitTimeout,
		Retries:      cfg.TimeoutRetries,
	})
	e.resetGroupState()
	e.publish()
	return e, nil
}

// resetGroupState forgets everything about the group this node was in.
func (e *Engine) resetGroupState() {
	e.chain = sitedef.NewChain()
	e.cache = xcomcache.New(e.cfg.CacheSize)
	e.balloter = proposer.NewBalloter()
	e.active = make(map[xcomproto.Synode]*attempt)
	e.forced = make(map[uuid.UUID]bool)
	e.peerDelivered = make(map[string]xcomproto.Synode)
	e.local = nil
	e.executed = xcomproto.NullSynode
	e.maxSynode = xcomproto.NullSynode
	e.lastOwn = xcomproto.NullSynode
	e.lastCatchUp = xcomproto.NullSynode
	e.snapEnd = xcomproto.NullSynode
	e.expelAt = xcomproto.NullSynode
	e.bestSnapshot = nil
	e.localView = nil
}

// Start opens the network provider and runs the event loop until ctx is
// done or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return errors.New("engine already started")
	}
	if err := e.provider.Start(ctx, e.self.Address, e.onInbound); err != nil {
		return errors.Wrap(err, "start network provider")
	}
	e.started = true
	e.fsm.Fsm(xcomfsm.ActInit, nil)
	e.publish()
	go e.run(ctx)
	return nil
}

// Stop ends the event loop and closes every connection.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		close(e.stopping)
	})
	if e.started {
		<-e.done
	}
	return e.provider.Stop()
}

func (e *Engine) onInbound(conn network.ConnectionDescriptor, m *xcomproto.PaxMsg) {
	select {
	case e.inbound <- inboundMsg{conn, m}:
	case <-e.stopping:
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	defer e.shutdown()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopping:
			return
		case in := <-e.inbound:
			e.now = time.Now()
			e.dispatch(in.conn, in.msg)
		case req := <-e.requests:
			e.now = time.Now()
			req()
		case r := <-e.dialed:
			e.now = time.Now()
			e.onDialed(r)
		case now := <-ticker.C:
			e.now = now
			e.tick()
		}
		e.settle()
		e.publish()
	}
}

// settle runs the proposer and the executor until no message to self is
// left.
func (e *Engine) settle() {
	for {
		for len(e.local) > 0 {
			m := e.local[0]
			e.local[0] = nil
			e.local = e.local[1:]
			e.dispatch(e.loop, m)
		}
		if e.participating() {
			e.proposerStep()
			e.execute()
		}
		if len(e.local) == 0 {
			return
		}
	}
}

func (e *Engine) shutdown() {
	for addr, conn := range e.peers {
		conn.Close()
		delete(e.peers, addr)
	}
	e.failWaiters(ErrStopped)
}

func (e *Engine) publish() {
	var site *sitedef.SiteDef
	if e.chain != nil {
		site = e.chain.Latest()
	}
	e.mu.Lock()
	e.pubState = e.fsm.State().String()
	e.pubExecuted = e.executed
	e.pubSite = site
	e.mu.Unlock()
}

// do runs f on the loop goroutine and waits for it.
func (e *Engine) do(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	req := func() {
		f()
		close(finished)
	}
	select {
	case e.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	case <-e.stopping:
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrStopped
	}
}

// State is the name of the lifecycle state.
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pubState
}

// ExecutedSynode is the next synode to be delivered.
func (e *Engine) ExecutedSynode() xcomproto.Synode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pubExecuted
}

// Site is the newest installed configuration, nil before boot.
func (e *Engine) Site() *sitedef.SiteDef {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pubSite
}

// Propose queues payload and waits until it is delivered. It returns the
// synode the value was decided at.
func (e *Engine) Propose(ctx context.Context, payload []byte) (xcomproto.Synode, error) {
	a := xcomproto.NewAppData(e.group, xcomproto.AppType)
	a.Payload = append([]byte(nil), payload...)
	return e.submit(ctx, a)
}

func (e *Engine) submit(ctx context.Context, a *xcomproto.AppData) (xcomproto.Synode, error) {
	res := make(chan xcomproto.Synode, 1)
	errc := make(chan error, 1)
	var queueErr error
	err := e.do(ctx, func() {
		if !e.participating() {
			queueErr = ErrNotRunning
			return
		}
		e.enqueue(a, waiter{
			ok:   func(s xcomproto.Synode) { res <- s },
			fail: func(err error) { errc <- err },
		})
	})
	if err != nil {
		return xcomproto.NullSynode, err
	}
	if queueErr != nil {
		return xcomproto.NullSynode, queueErr
	}
	select {
	case s := <-res:
		return s, nil
	case err := <-errc:
		return xcomproto.NullSynode, err
	case <-ctx.Done():
		return xcomproto.NullSynode, ctx.Err()
	case <-e.done:
		return xcomproto.NullSynode, ErrStopped
	}
}

// Boot founds a group made of nodes. Every founding member must be booted
// with the same list.
func (e *Engine) Boot(ctx context.Context, nodes nodelist.NodeList) error {
	var state string
	if err := e.do(ctx, func() {
		state = e.fsm.Fsm(xcomfsm.ActUBoot, &xcomfsm.Args{Nodes: nodes})
	}); err != nil {
		return err
	}
	if state != xcomfsm.StateRun.String() {
		return errors.Newf("boot left the node in %s", state)
	}
	return nil
}

// Join asks seeds for a snapshot. The node must already have been added to
// the group through one of its members.
func (e *Engine) Join(ctx context.Context, seeds []string) error {
	var state string
	err := e.do(ctx, func() {
		if len(seeds) > 0 {
			e.seeds = append([]string(nil), seeds...)
		}
		state = e.fsm.Fsm(xcomfsm.ActAdd, nil)
	})
	if err != nil {
		return err
	}
	if state != xcomfsm.StateSnapshotWait.String() {
		return errors.Newf("join left the node in %s", state)
	}
	return nil
}

// ForceConfig replaces the membership without consensus. It is meant for a
// group that lost its majority.
func (e *Engine) ForceConfig(ctx context.Context, nodes nodelist.NodeList) error {
	a := xcomproto.NewAppData(e.group, xcomproto.ForceConfigType)
	a.Nodes = nodes.Clone()
	var ferr error
	err := e.do(ctx, func() {
		if e.fsm.State() != xcomfsm.StateRun {
			ferr = ErrNotRunning
			return
		}
		e.forceErr = nil
		e.fsm.Fsm(xcomfsm.ActForceConfig, &xcomfsm.Args{App: a})
		ferr = e.forceErr
	})
	if err != nil {
		return err
	}
	return ferr
}

// Snapshot exports this node's state so that it can later restart from it
// with RecoverLocal.
func (e *Engine) Snapshot(ctx context.Context) (*xcomproto.Snapshot, error) {
	var snap *xcomproto.Snapshot
	var serr error
	err := e.do(ctx, func() {
		if e.fsm.State() != xcomfsm.StateRun || e.chain.Latest() == nil {
			serr = ErrNotRunning
			return
		}
		snap, serr = e.exportSnapshot()
	})
	if err != nil {
		return nil, err
	}
	return snap, serr
}

// RecoverLocal restarts a node that left its group from a snapshot it kept
// itself instead of asking the members for one. The node runs again once it
// has delivered up to the snapshot's log end.
func (e *Engine) RecoverLocal(ctx context.Context, snap *xcomproto.Snapshot) error {
	var state string
	err := e.do(ctx, func() {
		e.snapshotMax = xcomproto.NullSynode
		state = e.fsm.Fsm(xcomfsm.ActLocalSnapshot, &xcomfsm.Args{Snapshot: snap})
	})
	if err != nil {
		return err
	}
	if state != xcomfsm.StateRecoverWait.String() {
		return errors.Newf("local snapshot left the node in %s", state)
	}
	return nil
}

// Terminate leaves the group but keeps the engine usable.
func (e *Engine) Terminate(ctx context.Context) error {
	return e.do(ctx, func() {
		e.fsm.Fsm(xcomfsm.ActTerminate, nil)
	})
}

// participating is true while the node takes part in the protocol.
func (e *Engine) participating() bool {
	switch e.fsm.State() {
	case xcomfsm.StateRun, xcomfsm.StateRecoverWait:
		return e.chain.Latest() != nil
	}
	return false
}

func (e *Engine) enqueue(a *xcomproto.AppData, w waiter) {
	if w.ok != nil || w.fail != nil {
		e.waiters[a.UniqueID] = w
	}
	if !e.queue.TryEnqueue(a) {
		e.log.Debugf("value %s already queued", a.UniqueID)
	}
}

func (e *Engine) notifyDelivered(a *xcomproto.AppData, s xcomproto.Synode) {
	e.queue.CloseValue(a.UniqueID)
	if w, ok := e.waiters[a.UniqueID]; ok {
		delete(e.waiters, a.UniqueID)
		if w.ok != nil {
			w.ok(s)
		}
	}
}

func (e *Engine) failWaiters(err error) {
	for id, w := range e.waiters {
		delete(e.waiters, id)
		if w.fail != nil {
			w.fail(err)
		}
	}
}
