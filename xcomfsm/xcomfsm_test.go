package xcomfsm

import (
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"xcom/nodelist"
	"xcom/xcomproto"
)

type fakeHost struct {
	calls      []string
	bootErr    error
	installErr error
	armed      time.Duration
}

func (h *fakeHost) record(c string) { h.calls = append(h.calls, c) }

func (h *fakeHost) Boot(nodes nodelist.NodeList) error {
	h.record("boot")
	return h.bootErr
}
func (h *fakeHost) RequestSnapshot() { h.record("request") }
func (h *fakeHost) InstallSnapshot(snap *xcomproto.Snapshot) error {
	h.record("install")
	return h.installErr
}
func (h *fakeHost) ForceConfig(a *xcomproto.AppData) error {
	h.record("force")
	return nil
}
func (h *fakeHost) ArmTimer(d time.Duration) {
	h.armed = d
	h.record("arm")
}
func (h *fakeHost) StopTimer() { h.record("stop") }
func (h *fakeHost) EnterRun()  { h.record("run") }
func (h *fakeHost) Terminate() { h.record("terminate") }
func (h *fakeHost) Exit()      { h.record("exit") }

func (h *fakeHost) did(c string) bool {
	for _, x := range h.calls {
		if x == c {
			return true
		}
	}
	return false
}

var timeouts = Timeouts{SnapshotWait: time.Second, RecoverWait: 2 * time.Second, Retries: 2}

func started(t *testing.T) (*FSM, *fakeHost) {
	h := &fakeHost{}
	f := New(h, timeouts)
	if got := f.Fsm(ActInit, nil); got != "x_fsm_start" {
		t.Fatalf("init led to %s", got)
	}
	return f, h
}

func TestBootPath(t *testing.T) {
	f, h := started(t)
	got := f.Fsm(ActUBoot, &Args{Nodes: nodelist.Init([]string{"a.example:1"})})
	if got != "x_fsm_run" || !h.did("boot") || !h.did("run") {
		t.Fatalf("u_boot: state %s calls %v", got, h.calls)
	}
	if f.Fsm(ActForceConfig, &Args{App: xcomproto.NewAppData(1, xcomproto.ForceConfigType)}) != "x_fsm_run" || !h.did("force") {
		t.Fatal("force config keeps the node running")
	}
	if f.Fsm(ActTerminate, nil) != "x_fsm_start" || !h.did("terminate") {
		t.Fatal("terminate returns to start")
	}
	if f.Fsm(ActExit, nil) != "x_fsm_exit" || !h.did("exit") {
		t.Fatal("exit is terminal")
	}
	if f.Fsm(ActUBoot, nil) != "x_fsm_exit" {
		t.Fatal("nothing leaves exit")
	}
}

func TestFailedBootStaysInStart(t *testing.T) {
	f, h := started(t)
	h.bootErr = errors.New("no")
	if got := f.Fsm(ActUBoot, nil); got != "x_fsm_start" {
		t.Fatalf("failed boot moved to %s", got)
	}
}

func TestJoinPath(t *testing.T) {
	f, h := started(t)
	if got := f.Fsm(ActAdd, nil); got != "x_fsm_snapshot_wait" || !h.did("request") || h.armed != time.Second {
		t.Fatalf("add: state %s calls %v", got, h.calls)
	}
	if got := f.Fsm(ActSnapshot, &Args{}); got != "x_fsm_snapshot_wait" {
		t.Fatalf("a snapshot message without a snapshot is ignored, got %s", got)
	}
	snap := &xcomproto.Snapshot{LogEnd: xcomproto.Synode{MsgNo: 9}}
	if got := f.Fsm(ActNetBoot, &Args{Snapshot: snap}); got != "x_fsm_recover_wait" || h.armed != 2*time.Second {
		t.Fatalf("net_boot: state %s", got)
	}
	if got := f.Fsm(ActComplete, nil); got != "x_fsm_run" || !h.did("run") {
		t.Fatalf("complete: state %s", got)
	}
	if got := f.Fsm(ActNeedSnapshot, nil); got != "x_fsm_snapshot_wait" {
		t.Fatalf("need_snapshot: state %s", got)
	}
}

func TestRejectedSnapshot(t *testing.T) {
	f, h := started(t)
	f.Fsm(ActAdd, nil)
	h.installErr = errors.New("bad")
	if got := f.Fsm(ActSnapshot, &Args{Snapshot: &xcomproto.Snapshot{}}); got != "x_fsm_snapshot_wait" {
		t.Fatalf("rejected snapshot moved to %s", got)
	}
}

func TestTimeoutBudget(t *testing.T) {
	f, h := started(t)
	for i := 1; i <= timeouts.Retries; i++ {
		f.Fsm(ActAdd, nil)
		if got := f.Fsm(ActTimeout, nil); got != "x_fsm_start" {
			t.Fatalf("timeout %d: state %s", i, got)
		}
		if f.Retries() != i {
			t.Fatalf("retries %d, want %d", f.Retries(), i)
		}
	}
	f.Fsm(ActAdd, nil)
	if got := f.Fsm(ActTimeout, nil); got != "x_fsm_exit" || !h.did("exit") {
		t.Fatalf("budget exhausted: state %s", got)
	}
}

func TestTimeoutIgnoredWhileRunning(t *testing.T) {
	f, _ := started(t)
	f.Fsm(ActUBoot, nil)
	if got := f.Fsm(ActTimeout, nil); got != "x_fsm_run" {
		t.Fatalf("a running node has nothing to time out, got %s", got)
	}
}

func TestNames(t *testing.T) {
	for a := ActWait; a < numActions; a++ {
		if !strings.HasPrefix(a.String(), "x_fsm_") {
			t.Errorf("action %d has name %q", a, a.String())
		}
	}
	if Action(99).String() != "x_fsm_action(99)" {
		t.Error("unknown action name")
	}
	if StateRecoverWait.String() != "x_fsm_recover_wait" {
		t.Error("state name")
	}
}

func TestLocalSnapshotPath(t *testing.T) {
	f, h := started(t)
	snap := &xcomproto.Snapshot{}
	if got := f.Fsm(ActLocalSnapshot, &Args{Snapshot: snap}); got != "x_fsm_recover_wait" || !h.did("install") {
		t.Fatalf("local snapshot: state %s calls %v", got, h.calls)
	}
	if h.armed != timeouts.RecoverWait {
		t.Fatalf("recover timer armed for %v", h.armed)
	}
	if got := f.Fsm(ActComplete, nil); got != "x_fsm_run" {
		t.Fatalf("complete led to %s", got)
	}
	if got := f.Fsm(ActLocalSnapshot, &Args{Snapshot: snap}); got != "x_fsm_run" {
		t.Fatalf("a running node must ignore a local snapshot, got %s", got)
	}
}

func TestWaitChangesNothing(t *testing.T) {
	f, h := started(t)
	if got := f.Fsm(ActWait, nil); got != "x_fsm_start" {
		t.Fatalf("wait in start led to %s", got)
	}
	f.Fsm(ActUBoot, nil)
	calls := len(h.calls)
	if got := f.Fsm(ActWait, nil); got != "x_fsm_run" || len(h.calls) != calls {
		t.Fatalf("wait in run led to %s with calls %v", got, h.calls[calls:])
	}
}
