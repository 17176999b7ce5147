package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/renderpool/internal/instance"
	"github.com/smazurov/renderpool/internal/slots"
	"vawter.tech/stopper"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// driver is one fake launch, exposing the emit function to the test.
type driver struct {
	sess slots.Session
	emit func(instance.Report)
}

func (d driver) report(kind instance.ReportKind, worker int) {
	d.emit(instance.Report{Kind: kind, Slot: d.sess.ID, Generation: d.sess.Generation, WorkerPID: worker})
}

// fakeLauncher hands every session to the test and blocks until cancelled.
type fakeLauncher struct {
	started chan driver
}

func (f *fakeLauncher) Run(sess slots.Session, emit func(instance.Report)) {
	f.started <- driver{sess: sess, emit: emit}
	<-sess.Ctx.Done()
}

type fakeTerminator struct {
	mu      sync.Mutex
	targets []instance.Target
	calls   chan instance.Target
}

func (f *fakeTerminator) Terminate(_ context.Context, target instance.Target) error {
	f.mu.Lock()
	f.targets = append(f.targets, target)
	f.mu.Unlock()
	f.calls <- target
	return nil
}

type harness struct {
	sup      *Supervisor
	launcher *fakeLauncher
	term     *fakeTerminator
	sctx     *stopper.Context
	failed   chan int
}

func newHarness(t *testing.T, capacity int, grace time.Duration) *harness {
	t.Helper()
	h := &harness{
		launcher: &fakeLauncher{started: make(chan driver, 16)},
		term:     &fakeTerminator{calls: make(chan instance.Target, 16)},
		failed:   make(chan int, 16),
	}
	h.sup = New(Options{
		Capacity:   capacity,
		Grace:      grace,
		Launcher:   h.launcher,
		Terminator: h.term,
		OnInstanceFailed: func(id int, _ error) {
			h.failed <- id
		},
		Logger: testLogger(),
	})
	h.sctx = stopper.WithContext(context.Background())
	h.sctx.Go(func(sctx *stopper.Context) error {
		return h.sup.Run(sctx)
	})
	t.Cleanup(func() {
		h.sctx.Stop(time.Second)
		_ = h.sctx.Wait()
	})
	return h
}

func (h *harness) start(t *testing.T) driver {
	t.Helper()
	if _, err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case d := <-h.launcher.started:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("launcher never started")
		return driver{}
	}
}

func (h *harness) waitTerminate(t *testing.T) instance.Target {
	t.Helper()
	select {
	case target := <-h.term.calls:
		return target
	case <-time.After(5 * time.Second):
		t.Fatal("terminator never called")
		return instance.Target{}
	}
}

// waitState polls until slot id reaches want.
func waitState(t *testing.T, sup *Supervisor, id int, want slots.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if state, _ := sup.Status(id); state == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	state, _ := sup.Status(id)
	t.Fatalf("slot %d = %s, want %s", id, state, want)
}

// waitWorker polls until slot id records the worker pid.
func waitWorker(t *testing.T, sup *Supervisor, id, pid int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if info, _ := sup.Slot(id); info.WorkerPID == pid {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("slot %d never recorded worker %d", id, pid)
}

func TestStartLaunchesLowestSlot(t *testing.T) {
	h := newHarness(t, 2, time.Minute)

	first := h.start(t)
	second := h.start(t)
	if first.sess.ID != 0 || second.sess.ID != 1 {
		t.Fatalf("expected slots 0 and 1, got %d and %d", first.sess.ID, second.sess.ID)
	}
	if _, err := h.sup.Start(context.Background()); !errors.Is(err, slots.ErrNoIdleSlot) {
		t.Errorf("expected ErrNoIdleSlot, got %v", err)
	}
	if running, total := h.sup.ServerStatus(); running != 2 || total != 2 {
		t.Errorf("ServerStatus = %d/%d, want 2/2", running, total)
	}
}

func TestLifecycleReports(t *testing.T) {
	h := newHarness(t, 1, time.Minute)
	d := h.start(t)

	d.report(instance.ReportSpawned, 4242)
	d.report(instance.ReportReady, 0)
	waitState(t, h.sup, 0, slots.StateRunning)

	info, _ := h.sup.Slot(0)
	if info.WorkerPID != 4242 {
		t.Errorf("WorkerPID = %d, want 4242", info.WorkerPID)
	}

	d.report(instance.ReportExited, 0)
	waitState(t, h.sup, 0, slots.StateIdle)

	select {
	case <-d.sess.Ctx.Done():
	case <-time.After(time.Second):
		t.Error("session context not cancelled after exit")
	}
}

func TestStopArmsSafetyTimer(t *testing.T) {
	h := newHarness(t, 1, 50*time.Millisecond)
	d := h.start(t)
	d.report(instance.ReportSpawned, 77)
	d.report(instance.ReportReady, 0)
	waitState(t, h.sup, 0, slots.StateRunning)

	if err := h.sup.Stop(0); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if state, _ := h.sup.Status(0); state != slots.StateDeinitializing {
		t.Errorf("state after Stop = %s, want DEINITIALIZING", state)
	}
	if target := h.waitTerminate(t); target.WorkerPID != 77 {
		t.Errorf("terminated %+v, want worker 77", target)
	}

	// No exit report arrives; the timer frees the slot.
	waitState(t, h.sup, 0, slots.StateIdle)
}

func TestStopErrors(t *testing.T) {
	h := newHarness(t, 2, time.Minute)

	if err := h.sup.Stop(0); !errors.Is(err, slots.ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	if err := h.sup.Stop(2); !errors.Is(err, slots.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
	if _, err := h.sup.Status(-1); !errors.Is(err, slots.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
}

func TestStaleReportDropped(t *testing.T) {
	h := newHarness(t, 1, 20*time.Millisecond)
	old := h.start(t)

	if err := h.sup.Stop(0); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	h.waitTerminate(t)
	waitState(t, h.sup, 0, slots.StateIdle)

	current := h.start(t)
	if current.sess.Generation == old.sess.Generation {
		t.Fatal("expected a new generation")
	}

	// The old driver reports late; the new session must be untouched.
	old.report(instance.ReportReady, 0)
	old.report(instance.ReportExited, 0)
	current.report(instance.ReportReady, 0)
	waitState(t, h.sup, 0, slots.StateRunning)
}

func TestSpawnAfterStopIsTerminated(t *testing.T) {
	h := newHarness(t, 1, time.Minute)
	d := h.start(t)

	if err := h.sup.Stop(0); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	// Nothing was spawned yet when the stop arrived.
	if target := h.waitTerminate(t); target.WorkerPID != 0 {
		t.Errorf("unexpected first target %+v", target)
	}

	d.report(instance.ReportSpawned, 99)
	if target := h.waitTerminate(t); target.WorkerPID != 99 {
		t.Errorf("late spawn not terminated, got %+v", target)
	}
}

func TestFailedLaunchReleasesSlot(t *testing.T) {
	h := newHarness(t, 1, time.Minute)
	d := h.start(t)

	d.emit(instance.Report{Kind: instance.ReportFailed, Slot: 0, Generation: d.sess.Generation, Err: instance.ErrNotReady})
	waitState(t, h.sup, 0, slots.StateIdle)

	select {
	case id := <-h.failed:
		if id != 0 {
			t.Errorf("failed slot = %d, want 0", id)
		}
	case <-time.After(time.Second):
		t.Error("failure callback not called")
	}
}

func TestStopAll(t *testing.T) {
	h := newHarness(t, 3, time.Minute)
	first := h.start(t)
	second := h.start(t)
	first.report(instance.ReportSpawned, 10)
	first.report(instance.ReportReady, 0)
	second.report(instance.ReportSpawned, 20)
	waitState(t, h.sup, 0, slots.StateRunning)
	waitWorker(t, h.sup, 1, 20)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.sup.StopAll(ctx)

	for id := 0; id < 3; id++ {
		if state, _ := h.sup.Status(id); state != slots.StateIdle {
			t.Errorf("slot %d = %s after StopAll", id, state)
		}
	}

	h.term.mu.Lock()
	defer h.term.mu.Unlock()
	pids := map[int]bool{}
	for _, target := range h.term.targets {
		pids[target.WorkerPID] = true
	}
	if !pids[10] || !pids[20] || len(h.term.targets) != 2 {
		t.Errorf("unexpected terminations %+v", h.term.targets)
	}
}

func TestStateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var changes []string
	sup := New(Options{
		Capacity:   1,
		Launcher:   &fakeLauncher{started: make(chan driver, 1)},
		Terminator: &fakeTerminator{calls: make(chan instance.Target, 4)},
		OnStateChange: func(_ int, from, to slots.State) {
			mu.Lock()
			defer mu.Unlock()
			changes = append(changes, from.String()+"->"+to.String())
		},
		Logger: testLogger(),
	})

	if _, err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := sup.Stop(0); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"IDLE->INITIALIZING", "INITIALIZING->DEINITIALIZING"}
	if len(changes) != len(want) || changes[0] != want[0] || changes[1] != want[1] {
		t.Errorf("changes = %v, want %v", changes, want)
	}
}

func TestSpawnDuringShutdownIsTerminated(t *testing.T) {
	h := newHarness(t, 1, time.Minute)
	d := h.start(t)

	// Shutdown stops the report loop before force-stopping the pool.
	h.sctx.Stop(time.Second)
	_ = h.sctx.Wait()

	// The driver finishes discovery after the loop has gone.
	d.report(instance.ReportSpawned, 77)
	if target := h.waitTerminate(t); target.WorkerPID != 77 {
		t.Fatalf("spawn after shutdown not terminated, got %+v", target)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.sup.StopAll(ctx)
	if state, _ := h.sup.Status(0); state != slots.StateIdle {
		t.Errorf("slot 0 = %s after StopAll", state)
	}
}

func TestStopAllTerminatesQueuedSpawn(t *testing.T) {
	launcher := &fakeLauncher{started: make(chan driver, 1)}
	term := &fakeTerminator{calls: make(chan instance.Target, 4)}
	sup := New(Options{Capacity: 1, Launcher: launcher, Terminator: term, Logger: testLogger()})

	// Run is never started, so the report stays queued.
	if _, err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	d := <-launcher.started
	d.report(instance.ReportSpawned, 55)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sup.StopAll(ctx)

	term.mu.Lock()
	defer term.mu.Unlock()
	found := false
	for _, target := range term.targets {
		if target.WorkerPID == 55 {
			found = true
		}
	}
	if !found {
		t.Errorf("queued spawn not terminated, got %+v", term.targets)
	}
}
