package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Spec describes a subprocess to spawn.
type Spec struct {
	Name  string // used for logging only
	Path  string
	Args  []string
	Dir   string
	Shell bool   // wrap in a visible terminal window
	Title string // terminal window title when Shell is set
}

// argv returns the program and arguments actually executed.
func (s Spec) argv() (string, []string) {
	if s.Shell {
		title := s.Title
		if title == "" {
			title = s.Name
		}
		return wrapInShell(title, s.Path, s.Args)
	}
	return s.Path, s.Args
}

// Handle is an owned reference to a spawned subprocess.
type Handle struct {
	name   string
	cmd    *exec.Cmd
	done   chan struct{}
	mu     sync.Mutex
	err    error
	logger *slog.Logger
}

// spawn starts the subprocess described by spec and begins waiting on it.
func spawn(spec Spec, logger *slog.Logger) (*Handle, error) {
	path, args := spec.argv()
	if path == "" {
		return nil, fmt.Errorf("empty command for %s", spec.Name)
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = spec.Dir
	configureCommand(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	h := &Handle{
		name:   spec.Name,
		cmd:    cmd,
		done:   make(chan struct{}),
		logger: logger.With("name", spec.Name, "pid", cmd.Process.Pid),
	}
	h.logger.Info("Process started", "path", path, "dir", spec.Dir, "shell", spec.Shell)

	outputDone := make(chan struct{})
	go func() {
		h.streamOutput(stderr)
		close(outputDone)
	}()

	go func() {
		<-outputDone
		waitErr := cmd.Wait()
		h.mu.Lock()
		h.err = waitErr
		h.mu.Unlock()
		close(h.done)
		h.logger.Debug("Process exited", "exit_code", exitCodeFromError(waitErr))
	}()

	return h, nil
}

// PID returns the operating system pid.
func (h *Handle) PID() int {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Name returns the Spec.Name the handle was spawned with.
func (h *Handle) Name() string {
	return h.name
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited polls whether the process has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code, or -1 while the process is running.
func (h *Handle) ExitCode() int {
	if !h.Exited() {
		return -1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return exitCodeFromError(h.err)
}

// Kill force-terminates the process and its process group.
// Killing a process that already exited is not an error.
func (h *Handle) Kill() error {
	if h == nil || h.cmd == nil || h.cmd.Process == nil || h.Exited() {
		return nil
	}
	h.logger.Info("Killing process")
	if err := killTree(h.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s (pid %d): %w", h.name, h.PID(), err)
	}
	return nil
}

// streamOutput drains stderr into the logger, one record per line.
func (h *Handle) streamOutput(reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			h.logger.Warn(line, "source", "stderr")
		}
	}
	if err := scanner.Err(); err != nil {
		h.logger.Debug("Error reading output", "error", err)
	}
}

// exitCodeFromError extracts exit code from process error.
// Returns 0 for nil error, the exit code for ExitError, or 1 for other errors.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
