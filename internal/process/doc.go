// Package process provides the OS process primitives used by the supervisor.
//
// The package offers two levels of abstraction:
//
// Handle wraps os/exec for a single tracked subprocess:
//   - Spawn directly or wrapped in a visible terminal window
//   - Liveness polling and a Done channel
//   - Forced termination of the process and its process group
//   - Stderr streaming into the process logger
//
// Controller is the platform-abstracted surface over the whole process table:
//   - Spawn tracked subprocesses
//   - Poll liveness and force-kill by pid
//   - Sweep every OS process matching an executable name plus required and
//     forbidden command-line tokens, killing each match
//   - Discover a worker launched through a terminal by finding a shell-family
//     process whose child has the worker's executable name
//
// Process table access uses procfs on Linux and gopsutil elsewhere.
//
// Example usage:
//
//	ctrl := process.NewOS(logger)
//	h, err := ctrl.Spawn(process.Spec{Name: "worker", Path: "/usr/bin/sleep", Args: []string{"60"}})
//	if err != nil {
//	    return err
//	}
//	defer h.Kill()
//	n, _ := ctrl.Sweep(ctx, process.Matcher{Name: "node", Require: []string{"signalingserver"}})
package process
