// Package services supervises the long-running sibling processes that run
// alongside the instance pool: the web frontend and the signaling server.
// Each is started once, watched until shutdown, then swept by command line.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/smazurov/renderpool/internal/process"
	"vawter.tech/stopper"
)

// Service states reported through the state callback.
const (
	StateStarted = "started"
	StateExited  = "exited"
	StateStopped = "stopped"
)

// Service describes one auxiliary process.
type Service struct {
	Name     string
	Dir      string
	Path     string
	Args     []string
	Shell    bool
	Title    string
	Matchers []process.Matcher // swept at shutdown
}

// Frontend returns the web frontend service rooted at dir.
func Frontend(dir string, shell bool) Service {
	return Service{
		Name:  "frontend",
		Dir:   dir,
		Path:  "npm",
		Args:  []string{"start"},
		Shell: shell,
		Title: "frontend",
		Matchers: []process.Matcher{
			{Name: "node", Require: []string{"start"}},
			{Name: "node", Require: []string{"webpack-dev-server"}},
		},
	}
}

// SignalingDir returns the signaling server directory inside the frontend.
func SignalingDir(frontendDir string) string {
	return filepath.Join(frontendDir, "src", "signalingserver")
}

// Signaling returns the signaling service rooted at dir.
func Signaling(dir string, shell bool) Service {
	return Service{
		Name:  "signaling",
		Dir:   dir,
		Path:  "node",
		Args:  []string{"signalingserver"},
		Shell: shell,
		Title: "signalingserver",
		Matchers: []process.Matcher{
			{Name: "node", Require: []string{"signalingserver"}},
		},
	}
}

// Spawner starts tracked subprocesses.
type Spawner interface {
	Spawn(spec process.Spec) (*process.Handle, error)
}

// Sweeper kills untracked processes by command line.
type Sweeper interface {
	Sweep(ctx context.Context, matchers ...process.Matcher) (int, error)
}

// StateChangeCallback is called on service lifecycle changes.
type StateChangeCallback func(service, state string)

// Supervisor runs one auxiliary service for the life of the program.
type Supervisor struct {
	svc          Service
	spawner      Spawner
	sweeper      Sweeper
	poll         time.Duration
	sweepTimeout time.Duration
	onChange     StateChangeCallback
	logger       *slog.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithPollInterval sets the shutdown-flag polling cadence. Default is 1s.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.poll = d
	}
}

// WithSweepTimeout bounds the shutdown sweep. Default is 30s.
func WithSweepTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.sweepTimeout = d
	}
}

// WithStateChange registers a lifecycle callback.
func WithStateChange(fn StateChangeCallback) Option {
	return func(s *Supervisor) {
		s.onChange = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// New creates a supervisor for svc.
func New(svc Service, spawner Spawner, sweeper Sweeper, opts ...Option) *Supervisor {
	s := &Supervisor{
		svc:          svc,
		spawner:      spawner,
		sweeper:      sweeper,
		poll:         time.Second,
		sweepTimeout: 30 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("service", svc.Name)
	return s
}

// Name returns the service name.
func (s *Supervisor) Name() string {
	return s.svc.Name
}

// Run starts the service and blocks until the stopper begins stopping,
// then sweeps the service's process tree.
func (s *Supervisor) Run(sctx *stopper.Context) error {
	h, err := s.spawner.Spawn(process.Spec{
		Name:  s.svc.Name,
		Path:  s.svc.Path,
		Args:  s.svc.Args,
		Dir:   s.svc.Dir,
		Shell: s.svc.Shell,
		Title: s.svc.Title,
	})
	if err != nil {
		return fmt.Errorf("start %s: %w", s.svc.Name, err)
	}
	s.logger.Info("Started service", "dir", s.svc.Dir, "pid", h.PID())
	s.notify(StateStarted)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	exitReported := false
	for !sctx.IsStopping() {
		<-ticker.C
		// A shell-wrapped handle is the terminal launcher, which exits at once.
		if !s.svc.Shell && !exitReported && h.Exited() {
			exitReported = true
			s.logger.Warn("Service exited", "exit_code", h.ExitCode())
			s.notify(StateExited)
		}
	}

	s.stop(sctx, h)
	return nil
}

func (s *Supervisor) stop(ctx context.Context, h *process.Handle) {
	// The stopper context is cancelled once its grace period runs out; the
	// sweep must still complete.
	sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sweepTimeout)
	defer cancel()

	n, err := s.sweeper.Sweep(sweepCtx, s.svc.Matchers...)
	if err != nil {
		s.logger.Warn("Sweep incomplete", "killed", n, "error", err)
	}
	if err := h.Kill(); err != nil {
		s.logger.Warn("Failed to kill service", "error", err)
	}
	s.logger.Info("Quit service", "swept", n)
	s.notify(StateStopped)
}

func (s *Supervisor) notify(state string) {
	if s.onChange != nil {
		s.onChange(s.svc.Name, state)
	}
}
