package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/renderpool/cmd"
	"github.com/smazurov/renderpool/internal/api"
	"github.com/smazurov/renderpool/internal/config"
	"github.com/smazurov/renderpool/internal/events"
	"github.com/smazurov/renderpool/internal/instance"
	"github.com/smazurov/renderpool/internal/logging"
	"github.com/smazurov/renderpool/internal/metrics"
	"github.com/smazurov/renderpool/internal/process"
	"github.com/smazurov/renderpool/internal/protocol"
	"github.com/smazurov/renderpool/internal/server"
	"github.com/smazurov/renderpool/internal/services"
	"github.com/smazurov/renderpool/internal/shutdown"
	"github.com/smazurov/renderpool/internal/slots"
	"github.com/smazurov/renderpool/internal/supervisor"
	"github.com/smazurov/renderpool/internal/systemd"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"renderpool.toml"`

	// Server settings
	ControlAddr     string `help:"Command server listen address" default:"localhost:4699" toml:"server.control_addr" env:"SERVER_CONTROL_ADDR"`
	APIAddr         string `help:"Status API listen address, empty disables it" default:":4698" toml:"server.api_addr" env:"SERVER_API_ADDR"`
	ServerIOTimeout string `help:"Limit for reading a command and writing its reply" default:"30s" toml:"server.io_timeout" env:"SERVER_IO_TIMEOUT"`

	// Pool settings
	PoolCapacity int    `help:"Number of instance slots" default:"3" toml:"pool.capacity" env:"POOL_CAPACITY"`
	PoolGrace    string `help:"Deinitialization safety timer after STOP" default:"5s" toml:"pool.grace" env:"POOL_GRACE"`

	// Instance settings
	InstancePrimary        string `help:"Primary installation directory (slot 0)" default:"OpenSpace" toml:"instance.primary" env:"INSTANCE_PRIMARY"`
	InstanceSiblingBase    string `help:"Name prefix of sibling installations (<prefix>_s<slot>), empty uses the primary's name" default:"OpenSpace" toml:"instance.sibling_base" env:"INSTANCE_SIBLING_BASE"`
	InstanceShell          bool   `help:"Launch instances in a visible terminal window" default:"false" toml:"instance.shell" env:"INSTANCE_SHELL"`
	InstanceDiscoveryDelay string `help:"Wait before looking for the shell-wrapped worker" default:"4s" toml:"instance.discovery_delay" env:"INSTANCE_DISCOVERY_DELAY"`
	InstanceWarmup         string `help:"Wait before the readiness handshake" default:"10s" toml:"instance.warmup" env:"INSTANCE_WARMUP"`
	InstanceReadyTimeout   string `help:"Readiness handshake limit, 0 waits forever" default:"2m" toml:"instance.ready_timeout" env:"INSTANCE_READY_TIMEOUT"`
	InstancePollInterval   string `help:"Liveness poll interval for running instances" default:"2s" toml:"instance.poll_interval" env:"INSTANCE_POLL_INTERVAL"`
	InstanceSettle         string `help:"Pause between killing the shell and the worker" default:"2s" toml:"instance.settle" env:"INSTANCE_SETTLE"`
	InstanceAPIHost        string `help:"Instance control API host" default:"localhost" toml:"instance.api_host" env:"INSTANCE_API_HOST"`
	InstanceAPIPort        int    `help:"Instance control API port" default:"4681" toml:"instance.api_port" env:"INSTANCE_API_PORT"`
	InstanceAPIPortStride  int    `help:"Added to the API port per slot index" default:"0" toml:"instance.api_port_stride" env:"INSTANCE_API_PORT_STRIDE"`

	// Auxiliary services
	ServicesFrontendDir  string `help:"Frontend working directory" default:"OpenSpace-WebGuiFrontend" toml:"services.frontend_dir" env:"SERVICES_FRONTEND_DIR"`
	ServicesSignalingDir string `help:"Signaling server directory, defaults to <frontend>/src/signalingserver" default:"" toml:"services.signaling_dir" env:"SERVICES_SIGNALING_DIR"`
	ServicesShell        bool   `help:"Launch services in visible terminal windows" default:"false" toml:"services.shell" env:"SERVICES_SHELL"`
	ServicesSweepTimeout string `help:"Limit for the process sweep when a service stops" default:"30s" toml:"services.sweep_timeout" env:"SERVICES_SWEEP_TIMEOUT"`

	// Shutdown settings
	ShutdownGrace string `help:"Limit for tasks to finish after shutdown starts" default:"30s" toml:"shutdown.grace" env:"SHUTDOWN_GRACE"`
	ShutdownKeys  bool   `help:"Shut down when q is pressed on stdin" default:"true" toml:"shutdown.keys" env:"SHUTDOWN_KEYS"`

	// Logging settings
	LoggingLevel      string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat     string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingSupervisor string `help:"Supervisor logging level" default:"info" toml:"logging.supervisor" env:"LOGGING_SUPERVISOR"`
	LoggingInstance   string `help:"Instance launcher logging level" default:"info" toml:"logging.instance" env:"LOGGING_INSTANCE"`
	LoggingProcess    string `help:"Process controller logging level" default:"info" toml:"logging.process" env:"LOGGING_PROCESS"`
	LoggingServer     string `help:"Command server logging level" default:"info" toml:"logging.server" env:"LOGGING_SERVER"`
	LoggingServices   string `help:"Auxiliary services logging level" default:"info" toml:"logging.services" env:"LOGGING_SERVICES"`
	LoggingAPI        string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		// Initialize logging system
		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"supervisor": opts.LoggingSupervisor,
				"instance":   opts.LoggingInstance,
				"process":    opts.LoggingProcess,
				"server":     opts.LoggingServer,
				"services":   opts.LoggingServices,
				"api":        opts.LoggingAPI,
			},
		})

		// Everything below only runs for the server itself, not the client
		// subcommands that share this callback.
		app := &application{opts: opts, finished: make(chan struct{})}

		hooks.OnStart(func() {
			if err := app.run(); err != nil {
				logging.GetLogger("main").Error("Supervisor exited with error", "error", err)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			app.stop()
		})
	})

	for _, c := range cmd.CreateClientCmds() {
		cli.Root().AddCommand(c)
	}
	cli.Root().AddCommand(cmd.CreateRelayCmd())
	cli.Root().AddCommand(cmd.CreateVersionCmd())

	// Run the CLI
	cli.Run()
}

// application owns the running supervisor and its shutdown.
type application struct {
	opts        *Options
	coordinator atomic.Pointer[shutdown.Coordinator]
	finished    chan struct{}
}

// stop triggers shutdown and waits for it to finish.
func (a *application) stop() {
	coord := a.coordinator.Load()
	if coord == nil {
		return
	}
	coord.Trigger()
	<-a.finished
}

func (a *application) run() error {
	defer close(a.finished)
	opts := a.opts
	logger := logging.GetLogger("main")

	// Startup preconditions
	layout := instance.DefaultLayout(opts.InstancePrimary)
	layout.SiblingBase = opts.InstanceSiblingBase
	if err := layout.Validate(); err != nil {
		logger.Error("Primary installation not found", "error", err)
		os.Exit(1)
	}
	signalingDir := opts.ServicesSignalingDir
	if signalingDir == "" {
		signalingDir = services.SignalingDir(opts.ServicesFrontendDir)
	}
	for _, dir := range []string{opts.ServicesFrontendDir, signalingDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			logger.Error("Required directory not found", "dir", dir)
			os.Exit(1)
		}
	}

	eventBus := events.New()
	var logSeq atomic.Uint64
	logging.SetLogCallback(func(entry logging.LogEntry) {
		eventBus.Publish(events.LogEntryEvent{
			Seq:        logSeq.Add(1),
			Timestamp:  entry.Timestamp.Format(time.RFC3339Nano),
			Level:      entry.Level,
			Module:     entry.Module,
			Message:    entry.Message,
			Attributes: entry.Attributes,
		})
	})
	defer logging.SetLogCallback(nil)

	// Process control
	ctrl := process.NewOS(logging.GetLogger("process"))
	terminator := instance.NewTerminator(ctrl,
		parseDuration(logger, "instance.settle", opts.InstanceSettle, 2*time.Second),
		logging.GetLogger("instance"))

	prober := instance.NewAPIProber(opts.InstanceAPIHost, opts.InstanceAPIPort, logging.GetLogger("instance"))
	prober.PortStride = opts.InstanceAPIPortStride

	notifier := systemd.NewNotifier(logging.GetLogger("main"))

	var pool *supervisor.Supervisor
	launchCfg := instance.DefaultLauncherConfig(layout)
	launchCfg.Shell = opts.InstanceShell
	launchCfg.DiscoveryDelay = parseDuration(logger, "instance.discovery_delay", opts.InstanceDiscoveryDelay, launchCfg.DiscoveryDelay)
	launchCfg.WarmupDelay = parseDuration(logger, "instance.warmup", opts.InstanceWarmup, launchCfg.WarmupDelay)
	launchCfg.ReadyTimeout = parseDuration(logger, "instance.ready_timeout", opts.InstanceReadyTimeout, launchCfg.ReadyTimeout)
	launchCfg.PollInterval = parseDuration(logger, "instance.poll_interval", opts.InstancePollInterval, launchCfg.PollInterval)
	launchCfg.OwnedPIDs = func() map[int]bool { return pool.OwnedPIDs() }
	launcher := instance.NewLauncher(launchCfg, ctrl, prober, logging.GetLogger("instance"))

	pool = supervisor.New(supervisor.Options{
		Capacity:   opts.PoolCapacity,
		Grace:      parseDuration(logger, "pool.grace", opts.PoolGrace, 5*time.Second),
		Launcher:   launcher,
		Terminator: terminator,
		OnStateChange: func(id int, from, to slots.State) {
			eventBus.Publish(events.SlotStateChangedEvent{
				Slot:      id,
				From:      from.String(),
				To:        to.String(),
				Timestamp: time.Now().Format(time.RFC3339),
			})
			metrics.SetSlotState(id, int(to))
			running, total := pool.ServerStatus()
			metrics.SetSlotCounts(running, total)
			notifier.Status(fmt.Sprintf("%d of %d slots active", running, total))
		},
		OnInstanceFailed: func(id int, err error) {
			eventBus.Publish(events.InstanceFailedEvent{
				Slot:      id,
				Error:     err.Error(),
				Timestamp: time.Now().Format(time.RFC3339),
			})
			metrics.IncInstanceFailures(id)
		},
		Logger: logging.GetLogger("supervisor"),
	})
	metrics.SetSlotCounts(pool.ServerStatus())

	// Command server
	cmdServer := server.New(pool, opts.ControlAddr,
		server.WithLogger(logging.GetLogger("server")),
		server.WithIOTimeout(parseDuration(logger, "server.io_timeout", opts.ServerIOTimeout, 30*time.Second)),
		server.WithCommandCallback(func(req protocol.Request, resp protocol.Response) {
			eventBus.Publish(events.CommandHandledEvent{
				Command:   req.Command,
				ID:        req.ID,
				Error:     resp.Error,
				Timestamp: time.Now().Format(time.RFC3339),
			})
		}),
	)
	if err := cmdServer.Listen(); err != nil {
		logger.Error("Failed to start command server", "error", err)
		os.Exit(1)
	}

	// Status API
	var apiServer *api.Server
	if opts.APIAddr != "" {
		apiServer = api.NewServer(&api.Options{
			Pool:              pool,
			EventBus:          eventBus,
			PrometheusHandler: metrics.Handler(),
		})
		if err := apiServer.Listen(opts.APIAddr); err != nil {
			logger.Error("Failed to start API server", "error", err)
			os.Exit(1)
		}
	}

	// Auxiliary services
	onServiceChange := services.WithStateChange(func(service, state string) {
		eventBus.Publish(events.ServiceStateEvent{
			Service:   service,
			State:     state,
			Timestamp: time.Now().Format(time.RFC3339),
		})
	})
	servicesLogger := services.WithLogger(logging.GetLogger("services"))
	sweepTimeout := services.WithSweepTimeout(parseDuration(logger, "services.sweep_timeout", opts.ServicesSweepTimeout, 30*time.Second))
	frontend := services.New(services.Frontend(opts.ServicesFrontendDir, opts.ServicesShell), ctrl, terminator, onServiceChange, servicesLogger, sweepTimeout)
	signaling := services.New(services.Signaling(signalingDir, opts.ServicesShell), ctrl, terminator, onServiceChange, servicesLogger, sweepTimeout)

	// Shutdown coordination
	coordOpts := []shutdown.Option{
		shutdown.WithGrace(parseDuration(logger, "shutdown.grace", opts.ShutdownGrace, 30*time.Second)),
		shutdown.WithStopAll(pool.StopAll),
		shutdown.WithOnShutdown(notifier.Stopping),
		shutdown.WithLogger(logging.GetLogger("shutdown")),
	}
	if opts.ShutdownKeys {
		keys, err := shutdown.NewKeyReader(os.Stdin, logging.GetLogger("shutdown"))
		if err != nil {
			logger.Warn("Key trigger unavailable", "error", err)
		} else {
			defer keys.Close()
			coordOpts = append(coordOpts, shutdown.WithKeys(keys.Keys()))
		}
	}
	coord := shutdown.New(context.Background(), coordOpts...)
	a.coordinator.Store(coord)

	coord.Go("supervisor", pool.Run)
	coord.Go("command-server", cmdServer.Run)
	coord.Go(frontend.Name(), frontend.Run)
	coord.Go(signaling.Name(), signaling.Run)
	coord.Go("watchdog", notifier.RunWatchdog)
	if apiServer != nil {
		coord.Go("api", apiServer.Run)
	}
	if watcher := newLoggingWatcher(opts.Config); watcher != nil {
		coord.Go("config-watcher", watcher.Run)
	}

	notifier.Ready(fmt.Sprintf("%d slots on %s", opts.PoolCapacity, cmdServer.Addr()))
	logger.Info("Supervisor ready", "control", cmdServer.Addr(), "capacity", opts.PoolCapacity)
	if opts.ShutdownKeys {
		logger.Info("Press q to shut down")
	}

	return coord.Run()
}

// newLoggingWatcher applies logging level changes from the config file at
// runtime. Returns nil when there is no file to watch.
func newLoggingWatcher(path string) *config.Watcher[logging.Config] {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	logger := logging.GetLogger("config")
	watcher := config.NewConfigWatcher(path, config.ReadLoggingConfig, logger)
	watcher.OnReload(func(cfg logging.Config) {
		logging.SetLevels(cfg.Level, cfg.Modules)
		logger.Info("Logging levels reloaded", "level", cfg.Level, "modules", cfg.Modules)
	})
	return watcher
}

// parseDuration parses a configured duration, falling back on error.
func parseDuration(logger *slog.Logger, name, value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn("Invalid duration, using default", "option", name, "value", value, "default", fallback)
		return fallback
	}
	return d
}
