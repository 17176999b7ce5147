package instance

import (
	"context"
	"testing"
	"time"

	"github.com/smazurov/renderpool/internal/process"
	"github.com/smazurov/renderpool/internal/slots"
)

func TestTerminateShellDoubleTap(t *testing.T) {
	ctrl := newFakeCtrl()
	term := NewTerminator(ctrl, 30*time.Millisecond, testLogger())

	start := time.Now()
	err := term.Terminate(context.Background(), Target{Slot: 1, ShellPID: 40, WorkerPID: 41})
	if err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("expected settle delay, took %s", elapsed)
	}

	killed := ctrl.killedPIDs()
	if len(killed) != 2 || killed[0] != 40 || killed[1] != 41 {
		t.Errorf("expected shell then worker killed, got %v", killed)
	}
}

func TestTerminateHandle(t *testing.T) {
	skipOnWindows(t)
	ctrl := newFakeCtrl()
	term := NewTerminator(ctrl, 0, testLogger())

	h, err := ctrl.Spawn(process.Spec{Name: "instance-0", Path: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	target := TargetOf(slots.Info{ID: 0, Handle: h})
	if err := term.Terminate(context.Background(), target); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("instance still running after Terminate")
	}

	// Terminating an already-dead instance is a no-op.
	if err := term.Terminate(context.Background(), target); err != nil {
		t.Errorf("second Terminate failed: %v", err)
	}
	if len(ctrl.killedPIDs()) != 0 {
		t.Error("direct mode must not kill by pid")
	}
}

func TestTerminateNothing(t *testing.T) {
	term := NewTerminator(newFakeCtrl(), 0, testLogger())
	if err := term.Terminate(context.Background(), Target{Slot: 2}); err != nil {
		t.Errorf("Terminate with no process = %v, want nil", err)
	}
}

func TestSweepAllMatchers(t *testing.T) {
	ctrl := newFakeCtrl()
	term := NewTerminator(ctrl, 0, testLogger())

	n, err := term.Sweep(context.Background(),
		process.Matcher{Name: "node", Require: []string{"start"}},
		process.Matcher{Name: "node", Require: []string{"webpack-dev-server"}},
	)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 2 || len(ctrl.swept) != 2 {
		t.Errorf("expected both matchers swept, n=%d swept=%v", n, ctrl.swept)
	}
}
