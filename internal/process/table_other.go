//go:build !linux

package process

import (
	gops "github.com/shirou/gopsutil/v4/process"
)

// listProcesses reads the process table through gopsutil.
// Entries that vanish or deny access while being read are skipped.
func listProcesses() ([]Info, error) {
	procs, err := gops.Processes()
	if err != nil {
		return nil, err
	}

	out := make([]Info, 0, len(procs))
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		ppid, err := p.Ppid()
		if err != nil {
			continue
		}
		cmdline, err := p.CmdlineSlice()
		if err != nil {
			continue
		}
		out = append(out, Info{
			PID:     int(p.Pid),
			PPID:    int(ppid),
			Name:    name,
			Cmdline: cmdline,
		})
	}
	return out, nil
}

// pidExists reports whether pid is alive.
func pidExists(pid int) bool {
	ok, err := gops.PidExists(int32(pid))
	return err == nil && ok
}
