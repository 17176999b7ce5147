//go:build linux

package process

import (
	"github.com/prometheus/procfs"
)

// listProcesses reads the process table from /proc.
// Entries that vanish while being read are skipped.
func listProcesses() ([]Info, error) {
	procs, err := procfs.AllProcs()
	if err != nil {
		return nil, err
	}

	out := make([]Info, 0, len(procs))
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			continue
		}
		cmdline, err := p.CmdLine()
		if err != nil {
			continue
		}
		out = append(out, Info{
			PID:     p.PID,
			PPID:    stat.PPID,
			Name:    stat.Comm,
			Cmdline: cmdline,
		})
	}
	return out, nil
}

// pidExists reports whether pid is alive and not a zombie.
func pidExists(pid int) bool {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return false
	}
	stat, err := p.Stat()
	if err != nil {
		return false
	}
	return stat.State != "Z"
}
