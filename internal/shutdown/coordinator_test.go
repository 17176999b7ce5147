package shutdown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"vawter.tech/stopper"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitForStop is a task that returns once shutdown begins.
func waitForStop(sctx *stopper.Context) error {
	<-sctx.Stopping()
	return nil
}

func runAsync(c *Coordinator) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- c.Run()
	}()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for shutdown")
		return nil
	}
}

func TestShutdownOnKey(t *testing.T) {
	keys := make(chan byte, 4)
	var stopAllCalled atomic.Bool
	var hookCalled atomic.Bool

	c := New(context.Background(),
		WithKeys(keys),
		WithPollInterval(5*time.Millisecond),
		WithGrace(5*time.Second),
		WithStopAll(func(context.Context) { stopAllCalled.Store(true) }),
		WithOnShutdown(func() { hookCalled.Store(true) }),
		WithLogger(testLogger()),
	)
	c.Go("command server", waitForStop)
	c.Go("frontend", waitForStop)
	c.Go("signaling", func(sctx *stopper.Context) error {
		<-sctx.Stopping()
		return context.Canceled
	})

	done := runAsync(c)

	keys <- 'x'
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("shutdown triggered by a key other than q")
	default:
	}

	keys <- 'Q'
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run returned %v", err)
	}
	if !stopAllCalled.Load() {
		t.Error("pool was not force-stopped")
	}
	if !hookCalled.Load() {
		t.Error("shutdown hook not called")
	}
	if !c.Context().IsStopping() {
		t.Error("stop flag not set")
	}
}

func TestShutdownOnTrigger(t *testing.T) {
	c := New(context.Background(), WithPollInterval(5*time.Millisecond), WithLogger(testLogger()))
	c.Go("task", waitForStop)

	done := runAsync(c)
	c.Trigger()
	c.Trigger()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestShutdownOnParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := New(ctx, WithLogger(testLogger()))
	c.Go("task", waitForStop)

	done := runAsync(c)
	cancel()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestShutdownReportsTaskError(t *testing.T) {
	boom := errors.New("boom")
	c := New(context.Background(), WithLogger(testLogger()))
	c.Go("broken", func(sctx *stopper.Context) error {
		<-sctx.Stopping()
		return boom
	})

	done := runAsync(c)
	c.Trigger()
	if err := waitRun(t, done); !errors.Is(err, boom) {
		t.Errorf("expected task error, got %v", err)
	}
}

func TestKeyReaderPipe(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	k, err := NewKeyReader(r, testLogger())
	if err != nil {
		t.Fatalf("NewKeyReader failed: %v", err)
	}
	defer k.Close()

	if _, err := w.Write([]byte("aq")); err != nil {
		t.Fatal(err)
	}

	var got []byte
	for len(got) < 2 {
		select {
		case key := <-k.Keys():
			got = append(got, key)
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout, got %q", got)
		}
	}
	if string(got) != "aq" {
		t.Errorf("keys = %q, want %q", got, "aq")
	}
	if err := k.Close(); err != nil {
		t.Errorf("Close on a pipe = %v", err)
	}
}
