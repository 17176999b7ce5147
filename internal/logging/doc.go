// Package logging provides module-scoped slog loggers whose levels can be
// changed at runtime.
//
// Call Initialize once at startup, then ask for a logger per module:
//
//	logging.Initialize(logging.Config{
//		Level:   "info",
//		Format:  "text",
//		Modules: map[string]string{"supervisor": "debug"},
//	})
//	logger := logging.GetLogger("supervisor").With("slot", id)
//
// Loggers may be fetched before Initialize; they start at info and follow
// the configured level once it is applied. SetLevels changes levels in
// place, which is how config file edits take effect without a restart.
//
// Records go to stdout (text or json), to the systemd journal when it is
// reachable, and to an in-memory ring buffer served by the status API.
// When stdout is itself connected to the journal, as under a systemd unit,
// only the native journal handler is used so lines are not logged twice.
//
// Journal entries carry every attribute as an uppercase field:
//
//	journalctl -t renderpool MODULE=supervisor
//	journalctl -t renderpool SLOT=2 -f
//
// In the config file, keys under [logging] other than level and format set
// per-module levels:
//
//	[logging]
//	level = "info"
//	format = "text"
//	supervisor = "debug"
//	relay = "warn"
package logging
