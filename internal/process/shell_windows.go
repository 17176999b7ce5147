//go:build windows

package process

import (
	"fmt"
	"strings"
)

// DefaultShellNames lists the shell-family executables a terminal-wrapped
// worker is parented to.
var DefaultShellNames = []string{"powershell.exe"}

// wrapInShell opens the command in a new PowerShell console window.
func wrapInShell(title, path string, args []string) (string, []string) {
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, psQuote(path))
	for _, a := range args {
		quoted = append(quoted, psQuote(a))
	}
	script := fmt.Sprintf("$Host.UI.RawUI.WindowTitle=%s; & %s", psQuote(title), strings.Join(quoted, " "))
	return "cmd", []string{"/C", "start", "powershell", "-NoExit", "-Command", script}
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
