// Package supervisor owns the instance pool. It claims slots for START,
// hands each claimed slot to a launch driver, and is the single writer for
// every transition that originates in the background: driver reports and
// deinitialization timer expiries are consumed by Run.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/renderpool/internal/instance"
	"github.com/smazurov/renderpool/internal/slots"
	"vawter.tech/stopper"
)

// Launcher drives one claimed slot until its instance exits or the session
// is cancelled.
type Launcher interface {
	Run(sess slots.Session, emit func(instance.Report))
}

// Terminator force-stops the processes of one slot.
type Terminator interface {
	Terminate(ctx context.Context, target instance.Target) error
}

// Options configures a Supervisor.
type Options struct {
	Capacity         int
	Grace            time.Duration // deinitialization safety timer, default 5s
	Launcher         Launcher
	Terminator       Terminator
	OnStateChange    slots.StateChangeCallback
	OnInstanceFailed func(id int, err error)
	Logger           *slog.Logger
}

type expiry struct {
	id  int
	gen uint64
}

// Supervisor is the instance pool.
type Supervisor struct {
	opts     Options
	table    *slots.Table
	base     context.Context
	cancel   context.CancelFunc
	reports  chan instance.Report
	expiries chan expiry
	done     chan struct{}
	doneOnce sync.Once
	drivers  sync.WaitGroup
	stops    sync.WaitGroup
	logger   *slog.Logger
}

// New creates a supervisor with opts.Capacity idle slots.
func New(opts Options) *Supervisor {
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		opts:     opts,
		base:     base,
		cancel:   cancel,
		reports:  make(chan instance.Report, 16),
		expiries: make(chan expiry, 16),
		done:     make(chan struct{}),
		logger:   opts.Logger,
	}
	s.table = slots.NewTable(opts.Capacity, s.onChange)
	return s
}

// Start claims the lowest idle slot and launches an instance into it.
func (s *Supervisor) Start(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	sess, err := s.table.Claim(s.base)
	if err != nil {
		s.logger.Warn("No available slots")
		return -1, err
	}
	s.logger.Info("Claimed slot", "slot", sess.ID, "generation", sess.Generation)

	s.drivers.Add(1)
	go func() {
		defer s.drivers.Done()
		s.opts.Launcher.Run(sess, s.emit)
	}()
	return sess.ID, nil
}

// Stop begins deinitialization of an active slot: the slot moves to
// DEINITIALIZING, the safety timer is armed and termination runs in the
// background.
func (s *Supervisor) Stop(id int) error {
	info, err := s.table.BeginStop(id)
	if err != nil {
		return err
	}
	s.logger.Info("Stopping instance", "slot", id, "generation", info.Generation)

	gen := info.Generation
	time.AfterFunc(s.opts.Grace, func() {
		select {
		case s.expiries <- expiry{id: id, gen: gen}:
		case <-s.done:
		}
	})

	s.terminateAsync(info)
	return nil
}

// Status returns the state of one slot.
func (s *Supervisor) Status(id int) (slots.State, error) {
	return s.table.State(id)
}

// ServerStatus returns the number of non-idle slots and the capacity.
func (s *Supervisor) ServerStatus() (running, total int) {
	return s.table.Counts()
}

// Snapshot returns a copy of every slot.
func (s *Supervisor) Snapshot() []slots.Info {
	return s.table.Snapshot()
}

// Slot returns a copy of one slot.
func (s *Supervisor) Slot(id int) (slots.Info, error) {
	return s.table.Get(id)
}

// OwnedPIDs returns the pids recorded for active slots.
func (s *Supervisor) OwnedPIDs() map[int]bool {
	return s.table.OwnedPIDs()
}

// Run applies driver reports and timer expiries until the stopper begins
// stopping.
func (s *Supervisor) Run(sctx *stopper.Context) error {
	defer s.doneOnce.Do(func() { close(s.done) })

	for {
		select {
		case <-sctx.Stopping():
			return nil
		case r := <-s.reports:
			s.apply(r)
		case e := <-s.expiries:
			s.expire(e)
		}
	}
}

// StopAll force-stops every slot regardless of state, waits for the
// terminations, then frees the slots. Idle slots are skipped.
func (s *Supervisor) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, info := range s.table.Snapshot() {
		stopped, err := s.table.BeginStop(info.ID)
		if errors.Is(err, slots.ErrNotRunning) {
			continue
		}
		if err != nil {
			s.logger.Warn("Failed to stop slot", "slot", info.ID, "error", err)
			continue
		}

		wg.Add(1)
		go func(info slots.Info) {
			defer wg.Done()
			if err := s.opts.Terminator.Terminate(ctx, instance.TargetOf(info)); err != nil {
				s.logger.Warn("Terminate failed", "slot", info.ID, "error", err)
			}
			if _, err := s.table.Expire(info.ID, info.Generation); err != nil {
				s.logger.Debug("Slot already reclaimed", "slot", info.ID, "error", err)
			}
		}(stopped)
	}
	wg.Wait()
	s.cancel()

	if !waitGroup(ctx, &s.stops) || !waitGroup(ctx, &s.drivers) {
		s.logger.Warn("Timed out waiting for instance drivers")
		return
	}
	s.drainReports()
	s.logger.Info("All instances stopped")
}

// emit hands a driver report to Run. Once Run has returned, a spawned
// instance can no longer be recorded in the table and is terminated here.
func (s *Supervisor) emit(r instance.Report) {
	select {
	case <-s.done:
		s.orphan(r)
		return
	default:
	}
	select {
	case s.reports <- r:
	case <-s.done:
		s.orphan(r)
	}
}

// orphan terminates the processes of a report that Run will never apply.
func (s *Supervisor) orphan(r instance.Report) {
	if r.Kind != instance.ReportSpawned {
		return
	}
	s.logger.Warn("Instance spawned during shutdown, terminating", "slot", r.Slot, "generation", r.Generation)
	target := instance.Target{Slot: r.Slot, Handle: r.Handle, WorkerPID: r.WorkerPID, ShellPID: r.ShellPID}
	if err := s.opts.Terminator.Terminate(s.base, target); err != nil {
		s.logger.Warn("Terminate failed", "slot", r.Slot, "error", err)
	}
}

// drainReports terminates spawned instances whose reports were queued but
// never applied because Run returned first. Call only after every driver
// has returned.
func (s *Supervisor) drainReports() {
	for {
		select {
		case r := <-s.reports:
			s.orphan(r)
		default:
			return
		}
	}
}

// apply commits one driver report. Reports from an older session of the
// slot are dropped.
func (s *Supervisor) apply(r instance.Report) {
	logger := s.logger.With("slot", r.Slot, "generation", r.Generation, "report", r.Kind.String())

	switch r.Kind {
	case instance.ReportSpawned:
		state, err := s.table.Attach(r.Slot, r.Generation, r.Handle, r.WorkerPID, r.ShellPID)
		if err != nil {
			logger.Warn("Instance spawned for a reclaimed slot, terminating", "error", err)
			s.terminateAsync(slots.Info{ID: r.Slot, Handle: r.Handle, WorkerPID: r.WorkerPID, ShellPID: r.ShellPID})
			return
		}
		if state == slots.StateDeinitializing {
			logger.Info("Instance spawned after stop, terminating")
			info, _ := s.table.Get(r.Slot)
			s.terminateAsync(info)
		}

	case instance.ReportReady:
		if err := s.table.MarkRunning(r.Slot, r.Generation); err != nil {
			logger.Debug("Ignoring ready report", "error", err)
			return
		}
		logger.Info("Instance running")

	case instance.ReportExited:
		if err := s.table.Release(r.Slot, r.Generation); err != nil {
			logger.Debug("Ignoring exit report", "error", err)
			return
		}
		logger.Info("Instance exited, slot released")

	case instance.ReportFailed:
		if err := s.table.Release(r.Slot, r.Generation); err != nil {
			logger.Debug("Ignoring failure report", "error", err)
			return
		}
		logger.Error("Instance failed, slot released", "error", r.Err)
		if s.opts.OnInstanceFailed != nil {
			s.opts.OnInstanceFailed(r.Slot, r.Err)
		}
	}
}

func (s *Supervisor) expire(e expiry) {
	freed, err := s.table.Expire(e.id, e.gen)
	if err != nil || !freed {
		return
	}
	s.logger.Info("Deinitialization timer expired", "slot", e.id)
}

func (s *Supervisor) terminateAsync(info slots.Info) {
	s.stops.Add(1)
	go func() {
		defer s.stops.Done()
		if err := s.opts.Terminator.Terminate(s.base, instance.TargetOf(info)); err != nil {
			s.logger.Warn("Terminate failed", "slot", info.ID, "error", err)
		}
	}()
}

func (s *Supervisor) onChange(id int, from, to slots.State) {
	s.logger.Info("Slot state changed", "slot", id, "from", from.String(), "to", to.String())
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(id, from, to)
	}
}

// waitGroup waits for wg or ctx, reporting whether wg finished.
func waitGroup(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
