//go:build windows

package process

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

func configureCommand(_ *exec.Cmd) {}

// killPID force-terminates pid and its children with taskkill. Some
// processes ignore TerminateProcess from a non-parent, taskkill /F does not.
func killPID(pid int) error {
	out, err := exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/F", "/T").CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if strings.Contains(strings.ToLower(msg), "not found") {
			return nil
		}
		return fmt.Errorf("taskkill: %w: %s", err, msg)
	}
	return nil
}

func killTree(p *os.Process) error {
	return killPID(p.Pid)
}
