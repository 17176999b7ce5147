package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when no process matches a discovery query.
var ErrNotFound = errors.New("process not found")

// Info describes one entry of the OS process table.
type Info struct {
	PID     int
	PPID    int
	Name    string
	Cmdline []string
}

// Controller is the platform-abstracted process surface.
type Controller interface {
	// Spawn starts a tracked subprocess.
	Spawn(spec Spec) (*Handle, error)

	// PIDExists polls liveness of a process that is not tracked by a Handle.
	PIDExists(pid int) bool

	// KillPID force-terminates a process by pid. A missing process is not an error.
	KillPID(pid int) error

	// Sweep force-kills every process matching m and returns the number killed.
	Sweep(ctx context.Context, m Matcher) (int, error)

	// FindShellChild finds a shell-family process whose direct child has the
	// given executable name. Pids in exclude are skipped.
	FindShellChild(shellNames []string, childName string, exclude map[int]bool) (shellPID, childPID int, err error)
}

// OS implements Controller against the host operating system.
type OS struct {
	logger     *slog.Logger
	list       func() ([]Info, error)
	kill       func(pid int) error
	exists     func(pid int) bool
	sweepPause time.Duration
}

// Option configures an OS controller.
type Option func(*OS)

// WithSweepPause sets the pause after each process killed by a sweep.
// Default is 500ms.
func WithSweepPause(d time.Duration) Option {
	return func(o *OS) {
		o.sweepPause = d
	}
}

// NewOS creates a controller for the current platform.
func NewOS(logger *slog.Logger, opts ...Option) *OS {
	if logger == nil {
		logger = slog.Default()
	}
	o := &OS{
		logger:     logger,
		list:       listProcesses,
		kill:       killPID,
		exists:     pidExists,
		sweepPause: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Spawn starts a tracked subprocess.
func (o *OS) Spawn(spec Spec) (*Handle, error) {
	return spawn(spec, o.logger)
}

// PIDExists reports whether pid is alive. Zombies count as exited.
func (o *OS) PIDExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	return o.exists(pid)
}

// KillPID force-terminates pid.
func (o *OS) KillPID(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := o.kill(pid); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	o.logger.Debug("Killed process", "pid", pid)
	return nil
}

// Sweep force-kills every process matching m.
func (o *OS) Sweep(ctx context.Context, m Matcher) (int, error) {
	procs, err := o.list()
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}

	self := os.Getpid()
	killed := 0
	for _, p := range procs {
		if p.PID == self || !m.Matches(p) {
			continue
		}
		if err := o.kill(p.PID); err != nil {
			o.logger.Warn("Failed to terminate process", "pid", p.PID, "name", p.Name, "error", err)
			continue
		}
		killed++
		o.logger.Info("Terminated process", "pid", p.PID, "name", p.Name, "cmdline", strings.Join(p.Cmdline, " "))

		if o.sweepPause > 0 {
			select {
			case <-ctx.Done():
				return killed, ctx.Err()
			case <-time.After(o.sweepPause):
			}
		}
	}
	return killed, nil
}

// FindShellChild finds the newest shell-family process with a matching child.
func (o *OS) FindShellChild(shellNames []string, childName string, exclude map[int]bool) (int, int, error) {
	procs, err := o.list()
	if err != nil {
		return 0, 0, fmt.Errorf("list processes: %w", err)
	}

	shells := make(map[int]bool)
	for _, p := range procs {
		if exclude[p.PID] {
			continue
		}
		for _, name := range shellNames {
			if sameExecutable(p.Name, name) {
				shells[p.PID] = true
				break
			}
		}
	}

	// Newest worker first, so a fresh launch wins over a stale leftover.
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID > procs[j].PID })
	for _, p := range procs {
		if exclude[p.PID] || !shells[p.PPID] {
			continue
		}
		if sameExecutable(p.Name, childName) {
			o.logger.Info("Found shell with worker child", "shell_pid", p.PPID, "worker_pid", p.PID)
			return p.PPID, p.PID, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %s under %v", ErrNotFound, childName, shellNames)
}
