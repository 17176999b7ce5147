package instance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/smazurov/renderpool/internal/process"
	"github.com/smazurov/renderpool/internal/slots"
)

// ReportKind identifies a lifecycle milestone of one launch.
type ReportKind int

const (
	ReportSpawned ReportKind = iota
	ReportReady
	ReportExited
	ReportFailed
)

func (k ReportKind) String() string {
	switch k {
	case ReportSpawned:
		return "spawned"
	case ReportReady:
		return "ready"
	case ReportExited:
		return "exited"
	case ReportFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Report is sent by a launch driver to the owner of the slot table.
// Generation ties it to the session that produced it.
type Report struct {
	Kind       ReportKind
	Slot       int
	Generation uint64
	Handle     *process.Handle
	WorkerPID  int
	ShellPID   int
	Err        error
}

// LauncherConfig holds the launch timings and mode.
type LauncherConfig struct {
	Layout         Layout
	Shell          bool
	ShellNames     []string
	DiscoveryDelay time.Duration
	WarmupDelay    time.Duration
	ReadyTimeout   time.Duration // 0 waits forever
	PollInterval   time.Duration
	OwnedPIDs      func() map[int]bool
}

// DefaultLauncherConfig returns the stock timings for layout.
func DefaultLauncherConfig(layout Layout) LauncherConfig {
	return LauncherConfig{
		Layout:         layout,
		ShellNames:     process.DefaultShellNames,
		DiscoveryDelay: 4 * time.Second,
		WarmupDelay:    10 * time.Second,
		ReadyTimeout:   2 * time.Minute,
		PollInterval:   2 * time.Second,
	}
}

// Launcher drives one instance from spawn through readiness to exit.
type Launcher struct {
	cfg    LauncherConfig
	ctrl   process.Controller
	prober Prober
	logger *slog.Logger
}

// NewLauncher creates a launcher.
func NewLauncher(cfg LauncherConfig, ctrl process.Controller, prober Prober, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if len(cfg.ShellNames) == 0 {
		cfg.ShellNames = process.DefaultShellNames
	}
	return &Launcher{cfg: cfg, ctrl: ctrl, prober: prober, logger: logger}
}

// Run drives the session until its instance exits, fails, or the session
// context is cancelled. Milestones are delivered through emit. A cancelled
// session returns without a final report; the stop path owns the slot then.
func (l *Launcher) Run(sess slots.Session, emit func(Report)) {
	ctx := sess.Ctx
	logger := l.logger.With("slot", sess.ID, "generation", sess.Generation)
	report := func(r Report) {
		r.Slot = sess.ID
		r.Generation = sess.Generation
		emit(r)
	}

	if ctx.Err() != nil {
		logger.Debug("Launch cancelled before spawn")
		return
	}
	logger.Info("Starting instance")
	spec, err := l.cfg.Layout.Command(sess.ID, l.cfg.Shell)
	if err != nil {
		logger.Error("Cannot launch instance", "error", err)
		report(Report{Kind: ReportFailed, Err: err})
		return
	}

	h, err := l.ctrl.Spawn(spec)
	if err != nil {
		logger.Error("Failed to spawn instance", "error", err)
		report(Report{Kind: ReportFailed, Err: err})
		return
	}

	spawned := Report{Kind: ReportSpawned, Handle: h}
	if l.cfg.Shell {
		spawned, err = l.discover(ctx, h)
		if err != nil {
			logger.Error("Failed to locate instance worker", "error", err)
			_ = h.Kill()
			if ctx.Err() == nil {
				report(Report{Kind: ReportFailed, Err: err})
			}
			return
		}
	}
	// A stop or shutdown that arrived while spawning may have found no
	// process to terminate, so the launch cleans up after itself.
	if ctx.Err() != nil {
		logger.Info("Launch cancelled after spawn, terminating instance")
		l.kill(logger, spawned)
		return
	}
	report(spawned)

	if !sleep(ctx, l.cfg.WarmupDelay) {
		logger.Debug("Launch cancelled during warm-up")
		return
	}

	readyCtx := ctx
	if l.cfg.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		readyCtx, cancel = context.WithTimeout(ctx, l.cfg.ReadyTimeout)
		defer cancel()
	}
	if err := l.prober.WaitReady(readyCtx, sess.ID); err != nil {
		if ctx.Err() != nil {
			logger.Debug("Launch cancelled during readiness handshake")
			return
		}
		logger.Error("Instance failed readiness handshake", "timeout", l.cfg.ReadyTimeout, "error", err)
		l.kill(logger, spawned)
		report(Report{Kind: ReportFailed, Err: err})
		return
	}
	report(Report{Kind: ReportReady})

	if l.waitExit(ctx, spawned) {
		logger.Info("Instance exited")
		report(Report{Kind: ReportExited})
	}
}

// discover waits for the terminal to start the worker, then finds it by
// its shell parent. Pids owned by other slots are skipped.
func (l *Launcher) discover(ctx context.Context, h *process.Handle) (Report, error) {
	// The wrapper may still be starting when the stop arrives; discovery is
	// attempted anyway so the worker can be terminated.
	sleep(ctx, l.cfg.DiscoveryDelay)

	var owned map[int]bool
	if l.cfg.OwnedPIDs != nil {
		owned = l.cfg.OwnedPIDs()
	}
	shellPID, workerPID, err := l.ctrl.FindShellChild(l.cfg.ShellNames, l.cfg.Layout.ExecutableName(), owned)
	if err != nil {
		return Report{}, fmt.Errorf("discover worker: %w", err)
	}
	return Report{Kind: ReportSpawned, Handle: h, WorkerPID: workerPID, ShellPID: shellPID}, nil
}

// waitExit polls for exit and reports whether the instance exited on its own.
func (l *Launcher) waitExit(ctx context.Context, r Report) bool {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if l.exited(r) {
				return true
			}
		}
	}
}

func (l *Launcher) exited(r Report) bool {
	if r.WorkerPID > 0 {
		return !l.ctrl.PIDExists(r.WorkerPID)
	}
	return r.Handle == nil || r.Handle.Exited()
}

// kill force-terminates what a failed launch left behind.
func (l *Launcher) kill(logger *slog.Logger, r Report) {
	if r.ShellPID > 0 {
		if err := l.ctrl.KillPID(r.ShellPID); err != nil {
			logger.Warn("Failed to kill shell", "pid", r.ShellPID, "error", err)
		}
	}
	if r.WorkerPID > 0 {
		if err := l.ctrl.KillPID(r.WorkerPID); err != nil {
			logger.Warn("Failed to kill worker", "pid", r.WorkerPID, "error", err)
		}
	}
	if r.Handle != nil {
		if err := r.Handle.Kill(); err != nil {
			logger.Warn("Failed to kill instance", "error", err)
		}
	}
}

// sleep waits for d and reports false if ctx was cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
