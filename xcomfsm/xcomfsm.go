package xcomfsm

import (
	"fmt"
	"time"

	"xcom/dlog"
	"xcom/nodelist"
	"xcom/xcomproto"
)

var log = dlog.Logger("xcom/fsm")

// Action is an event fed to the machine. ActWait only wakes it up: no state
// has a transition for it.
type Action uint8

const (
	ActWait Action = iota
	ActPoll
	ActInit
	ActUBoot
	ActAdd
	ActNetBoot
	ActForceConfig
	ActSnapshot
	ActLocalSnapshot
	ActSnapshotWait
	ActNeedSnapshot
	ActComplete
	ActTerminate
	ActExit
	ActTimeout
	numActions
)

var actionNames = [...]string{
	"x_fsm_wait", "x_fsm_poll", "x_fsm_init", "x_fsm_u_boot", "x_fsm_add",
	"x_fsm_net_boot", "x_fsm_force_config", "x_fsm_snapshot", "x_fsm_local_snapshot",
	"x_fsm_snapshot_wait", "x_fsm_need_snapshot", "x_fsm_complete", "x_fsm_terminate",
	"x_fsm_exit", "x_fsm_timeout",
}

func (a Action) String() string {
	if a < numActions {
		return actionNames[a]
	}
	return fmt.Sprintf("x_fsm_action(%d)", uint8(a))
}

type State uint8

const (
	StateInit State = iota
	StateStart
	StateSnapshotWait
	StateRecoverWait
	StateRun
	StateExit
)

var stateNames = [...]string{
	"x_fsm_init", "x_fsm_start", "x_fsm_snapshot_wait", "x_fsm_recover_wait", "x_fsm_run", "x_fsm_exit",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("x_fsm_state(%d)", uint8(s))
}

// Args carries whatever the action needs.
type Args struct {
	Nodes    nodelist.NodeList
	Snapshot *xcomproto.Snapshot
	App      *xcomproto.AppData
}

// Host is the engine side of the state machine. Every call is made from the
// goroutine that called Fsm.
type Host interface {
	// Boot founds a new group made of nodes.
	Boot(nodes nodelist.NodeList) error
	// RequestSnapshot asks the known members for a snapshot.
	RequestSnapshot()
	// InstallSnapshot adopts snap and starts catching up to its log end.
	InstallSnapshot(snap *xcomproto.Snapshot) error
	// ForceConfig installs a configuration without consensus.
	ForceConfig(a *xcomproto.AppData) error
	ArmTimer(d time.Duration)
	StopTimer()
	EnterRun()
	// Terminate drops the group state but keeps the engine usable.
	Terminate()
	Exit()
}

type Timeouts struct {
	SnapshotWait time.Duration
	RecoverWait  time.Duration
	Retries      int
}

type handler func(f *FSM, args *Args) State

// FSM is the node lifecycle. Transitions are looked up in a table keyed by
// state and action; actions without an entry leave the state unchanged.
type FSM struct {
	host     Host
	timeouts Timeouts
	state    State
	retries  int
	snapshot *xcomproto.Snapshot
	table    map[State]map[Action]handler
}

func New(host Host, timeouts Timeouts) *FSM {
	f := &FSM{host: host, timeouts: timeouts, state: StateInit}
	f.table = map[State]map[Action]handler{
		StateInit: {
			ActInit: toStart,
			ActExit: exit,
		},
		StateStart: {
			ActUBoot:         uboot,
			ActAdd:           waitSnapshot,
			ActPoll:          waitSnapshot,
			ActNetBoot:       recoverFromSnapshot,
			ActSnapshot:      recoverFromSnapshot,
			ActLocalSnapshot: recoverFromSnapshot,
			ActExit:          exit,
		},
		StateSnapshotWait: {
			ActSnapshot:      recoverFromSnapshot,
			ActNetBoot:       recoverFromSnapshot,
			ActLocalSnapshot: recoverFromSnapshot,
			ActPoll:          poll,
			ActTimeout:       timeout,
			ActTerminate:     terminate,
			ActExit:          exit,
		},
		StateRecoverWait: {
			ActComplete:  complete,
			ActTimeout:   timeout,
			ActTerminate: terminate,
			ActExit:      exit,
		},
		StateRun: {
			ActForceConfig:  forceConfig,
			ActNeedSnapshot: waitSnapshot,
			ActSnapshotWait: waitSnapshot,
			ActTerminate:    terminate,
			ActExit:         exit,
		},
		StateExit: {},
	}
	return f
}

func (f *FSM) State() State {
	return f.state
}

func (f *FSM) Retries() int {
	return f.retries
}

// Fsm runs action in the current state and returns the name of the state
// the machine ends up in.
func (f *FSM) Fsm(action Action, args *Args) string {
	if args == nil {
		args = &Args{}
	}
	from := f.state
	if h, ok := f.table[f.state][action]; ok {
		f.state = h(f, args)
	}
	if from != f.state {
		log.Infof("%s: %s -> %s", action, from, f.state)
	} else {
		dlog.Printf("%s ignored in %s", action, from)
	}
	return f.state.String()
}

func toStart(f *FSM, args *Args) State {
	f.retries = 0
	return StateStart
}

func uboot(f *FSM, args *Args) State {
	if err := f.host.Boot(args.Nodes); err != nil {
		log.Warningf("boot failed: %v", err)
		return f.state
	}
	f.retries = 0
	f.host.EnterRun()
	return StateRun
}

func waitSnapshot(f *FSM, args *Args) State {
	f.snapshot = nil
	f.host.RequestSnapshot()
	f.host.ArmTimer(f.timeouts.SnapshotWait)
	return StateSnapshotWait
}

func poll(f *FSM, args *Args) State {
	f.host.RequestSnapshot()
	return f.state
}

func recoverFromSnapshot(f *FSM, args *Args) State {
	if args.Snapshot == nil {
		return f.state
	}
	if err := f.host.InstallSnapshot(args.Snapshot); err != nil {
		log.Warningf("snapshot rejected: %v", err)
		return f.state
	}
	f.snapshot = args.Snapshot
	f.host.ArmTimer(f.timeouts.RecoverWait)
	return StateRecoverWait
}

func complete(f *FSM, args *Args) State {
	f.host.StopTimer()
	f.retries = 0
	f.snapshot = nil
	f.host.EnterRun()
	return StateRun
}

func forceConfig(f *FSM, args *Args) State {
	if args.App == nil {
		return f.state
	}
	if err := f.host.ForceConfig(args.App); err != nil {
		log.Warningf("force config failed: %v", err)
	}
	return f.state
}

// timeout gives up the current wait. While retries remain the node goes back
// to start and polls its seeds again, after that it exits.
func timeout(f *FSM, args *Args) State {
	f.host.StopTimer()
	f.retries++
	if f.retries > f.timeouts.Retries {
		log.Errorf("giving up after %d timeouts", f.retries)
		f.host.Exit()
		return StateExit
	}
	f.host.Terminate()
	return StateStart
}

func terminate(f *FSM, args *Args) State {
	f.host.StopTimer()
	f.host.Terminate()
	f.retries = 0
	return StateStart
}

func exit(f *FSM, args *Args) State {
	f.host.StopTimer()
	f.host.Exit()
	return StateExit
}
