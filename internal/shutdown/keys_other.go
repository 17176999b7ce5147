//go:build !linux

package shutdown

import "golang.org/x/term"

// enableKeyMode switches the terminal to raw input.
func enableKeyMode(fd int) error {
	_, err := term.MakeRaw(fd)
	return err
}
