package process

import "strings"

// Matcher selects processes by executable name and command-line tokens.
// Token matching is case-insensitive substring matching against each
// command-line element.
type Matcher struct {
	Name    string   // exact executable name, ".exe" suffix optional
	Require []string // every token must appear in some element
	Forbid  []string // no token may appear in any element
}

// Matches reports whether p is selected by m.
func (m Matcher) Matches(p Info) bool {
	if !sameExecutable(p.Name, m.Name) {
		return false
	}
	if len(p.Cmdline) == 0 {
		return false
	}

	elems := make([]string, len(p.Cmdline))
	for i, e := range p.Cmdline {
		elems[i] = strings.ToLower(e)
	}

	for _, token := range m.Forbid {
		if containsToken(elems, token) {
			return false
		}
	}
	for _, token := range m.Require {
		if !containsToken(elems, token) {
			return false
		}
	}
	return true
}

func containsToken(elems []string, token string) bool {
	token = strings.ToLower(token)
	for _, e := range elems {
		if strings.Contains(e, token) {
			return true
		}
	}
	return false
}

// sameExecutable compares executable names ignoring case and a ".exe" suffix.
func sameExecutable(a, b string) bool {
	return normalizeName(a) == normalizeName(b)
}

func normalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".exe")
}
