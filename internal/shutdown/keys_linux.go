//go:build linux

package shutdown

import "golang.org/x/sys/unix"

// enableKeyMode turns off line buffering and echo but leaves output
// processing alone, so log lines keep their carriage returns.
func enableKeyMode(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Lflag &^= unix.ICANON | unix.ECHO
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}
