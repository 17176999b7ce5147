//go:build !windows

package process

import "strings"

// DefaultShellNames lists the shell-family executables a terminal-wrapped
// worker is parented to.
var DefaultShellNames = []string{"sh", "bash"}

// wrapInShell opens the command in a new gnome-terminal window, running it
// under "sh -c" so the worker is parented to a shell of its own.
func wrapInShell(title, path string, args []string) (string, []string) {
	return "gnome-terminal", []string{"--title", title, "--", "sh", "-c", shellCommand(path, args)}
}

// shellCommand quotes the command for "sh -c". The trailing exit keeps
// bash from exec'ing a lone command in place of the shell.
func shellCommand(path string, args []string) string {
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, shQuote(path))
	for _, a := range args {
		quoted = append(quoted, shQuote(a))
	}
	return strings.Join(quoted, " ") + "; exit"
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
