package instance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/smazurov/renderpool/internal/process"
	"github.com/smazurov/renderpool/internal/slots"
)

// Target identifies the processes owned by one slot.
type Target struct {
	Slot      int
	Handle    *process.Handle
	WorkerPID int
	ShellPID  int
}

// TargetOf returns the termination target recorded for a slot.
func TargetOf(info slots.Info) Target {
	return Target{
		Slot:      info.ID,
		Handle:    info.Handle,
		WorkerPID: info.WorkerPID,
		ShellPID:  info.ShellPID,
	}
}

// Terminator performs best-effort forced termination of instances and
// process sweeps for untracked processes.
type Terminator struct {
	ctrl   process.Controller
	settle time.Duration
	logger *slog.Logger
}

// NewTerminator creates a terminator. settle is the pause between killing
// a parent shell and killing its worker.
func NewTerminator(ctrl process.Controller, settle time.Duration, logger *slog.Logger) *Terminator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Terminator{ctrl: ctrl, settle: settle, logger: logger}
}

// Terminate force-kills the target. Shell-wrapped targets get a double tap:
// the parent shell first, then the worker after the settle delay.
func (t *Terminator) Terminate(ctx context.Context, target Target) error {
	logger := t.logger.With("slot", target.Slot)

	if target.ShellPID > 0 || target.WorkerPID > 0 {
		var errs []error
		if err := t.ctrl.KillPID(target.ShellPID); err != nil {
			logger.Warn("Failed to kill parent shell", "pid", target.ShellPID, "error", err)
			errs = append(errs, err)
		}
		sleep(ctx, t.settle)
		if err := t.ctrl.KillPID(target.WorkerPID); err != nil {
			logger.Warn("Failed to kill worker", "pid", target.WorkerPID, "error", err)
			errs = append(errs, err)
		}
		logger.Info("Terminated shell-wrapped instance", "shell_pid", target.ShellPID, "worker_pid", target.WorkerPID)
		return errors.Join(errs...)
	}

	if target.Handle == nil {
		logger.Debug("No process to terminate")
		return nil
	}
	if err := target.Handle.Kill(); err != nil {
		logger.Warn("Failed to kill instance", "pid", target.Handle.PID(), "error", err)
		return err
	}
	logger.Info("Terminated instance", "pid", target.Handle.PID())
	return nil
}

// Sweep kills every process matching any of the matchers.
func (t *Terminator) Sweep(ctx context.Context, matchers ...process.Matcher) (int, error) {
	total := 0
	var errs []error
	for _, m := range matchers {
		n, err := t.ctrl.Sweep(ctx, m)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
		t.logger.Debug("Swept processes", "name", m.Name, "require", m.Require, "killed", n)
	}
	return total, errors.Join(errs...)
}
