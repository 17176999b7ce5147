package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/journal"
)

const defaultBufferSize = 1000

// Config represents logging configuration. Modules maps a module name to
// its level; modules not listed use Level.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
}

// state is the process-wide logging setup. Module loggers keep their
// LevelVar for life so levels change in place.
type state struct {
	mu       sync.RWMutex
	config   Config
	ready    bool
	global   slog.LevelVar
	loggers  map[string]*slog.Logger
	levels   map[string]*slog.LevelVar
	buffer   *RingBuffer
	callback LogCallback
}

func newState() *state {
	return &state{
		loggers: make(map[string]*slog.Logger),
		levels:  make(map[string]*slog.LevelVar),
	}
}

var std = newState()

// Initialize sets up the logging system. Loggers handed out earlier keep
// working and follow the new levels.
func Initialize(config Config) {
	std.mu.Lock()
	defer std.mu.Unlock()

	std.config = config
	std.ready = true
	std.buffer = NewRingBuffer(defaultBufferSize)
	std.global.Set(levelOr(config.Level, slog.LevelInfo))

	// Loggers created before Initialize were built without the configured
	// format, so rebuild their handlers around the same LevelVar.
	for module, levelVar := range std.levels {
		levelVar.Set(std.moduleLevel(module))
		std.loggers[module] = slog.New(newHandler(config.Format, levelVar)).With("module", module)
	}

	slog.SetDefault(slog.New(newHandler(config.Format, &std.global)))
}

// GetBuffer returns the log ring buffer for reading historical logs.
func GetBuffer() *RingBuffer {
	std.mu.RLock()
	defer std.mu.RUnlock()
	return std.buffer
}

// SetLogCallback sets a callback to be called for each new log entry.
// Used for publishing log events to SSE clients.
func SetLogCallback(callback LogCallback) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.callback = callback
}

// SetLevels applies new global and per-module levels to every existing
// logger without recreating handlers. Used when the config file changes.
func SetLevels(level string, modules map[string]string) {
	std.mu.Lock()
	defer std.mu.Unlock()

	std.config.Level = level
	std.config.Modules = modules
	std.global.Set(levelOr(level, slog.LevelInfo))
	for module, levelVar := range std.levels {
		levelVar.Set(std.moduleLevel(module))
	}
}

// GetLogger returns a logger for the specified module, creating it if needed.
func GetLogger(module string) *slog.Logger {
	std.mu.RLock()
	logger, ok := std.loggers[module]
	std.mu.RUnlock()
	if ok {
		return logger
	}

	std.mu.Lock()
	defer std.mu.Unlock()
	if logger, ok := std.loggers[module]; ok {
		return logger
	}

	levelVar := &slog.LevelVar{}
	format := "text"
	if std.ready {
		levelVar.Set(std.moduleLevel(module))
		format = std.config.Format
	}

	logger = slog.New(newHandler(format, levelVar)).With("module", module)
	std.loggers[module] = logger
	std.levels[module] = levelVar
	return logger
}

// sinks returns the buffer and callback for BufferHandler.
func (s *state) sinks() (*RingBuffer, LogCallback) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buffer, s.callback
}

// moduleLevel resolves a module's level (must hold lock).
func (s *state) moduleLevel(module string) slog.Level {
	return levelOr(s.config.Modules[module], levelOr(s.config.Level, slog.LevelInfo))
}

// newHandler builds the handler chain: console, journal when present, and
// the ring buffer. Under systemd stdout already feeds the journal, so the
// console handler is skipped there to avoid every line appearing twice.
func newHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	var console slog.Handler
	if format == "json" {
		console = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		console = slog.NewTextHandler(os.Stdout, opts)
	}

	var handlers []slog.Handler
	toJournal := IsJournalAvailable()
	if stdoutUsable() && !(toJournal && stdoutIsJournal()) {
		handlers = append(handlers, console)
	}
	if toJournal {
		handlers = append(handlers, NewJournalHandler(level))
	}
	handlers = append(handlers, NewBufferHandler(level))

	if len(handlers) == 1 {
		return handlers[0]
	}
	return NewMultiHandler(handlers...)
}

func stdoutIsJournal() bool {
	ok, err := journal.StdoutIsJournalStream()
	return err == nil && ok
}

// stdoutUsable reports whether stdout goes somewhere worth writing to: a
// terminal, pipe, socket or file, but not /dev/null.
func stdoutUsable() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	return mode&(os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0 || mode.IsRegular()
}

// parseLevel converts a level name to slog.Level.
func parseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}

func levelOr(level string, fallback slog.Level) slog.Level {
	if l, ok := parseLevel(level); ok {
		return l
	}
	return fallback
}
