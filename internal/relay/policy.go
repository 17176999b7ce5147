// Package relay is the public-facing websocket relay. It admits a client
// only for the dev alias path or an allow-listed instance port and then
// relays frames to the matching local endpoint.
package relay

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrPolicy is returned for paths the relay refuses to serve.
var ErrPolicy = errors.New("policy violation")

// Close reasons sent with code 1008.
const (
	ReasonInvalidPath  = "Invalid path"
	ReasonInvalidPort  = "Invalid port format"
	ReasonInvalidRange = "Invalid port range"
)

// PolicyError carries the close reason for a rejected path.
type PolicyError struct {
	Path   string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %q", e.Reason, e.Path)
}

// Unwrap makes errors.Is(err, ErrPolicy) hold.
func (e *PolicyError) Unwrap() error {
	return ErrPolicy
}

// Policy decides which paths map to which local targets.
type Policy struct {
	Host       string // host of numbered targets
	DevPath    string // alias path relayed to DevTarget
	DevTarget  string // full websocket URL for the alias
	BasePort   int
	MaxOffset  int
	ExtraPorts []int // allowed outside the range
}

// DefaultPolicy allows /ws, 8443 and 4682 through 4782 on localhost.
func DefaultPolicy() Policy {
	return Policy{
		Host:       "localhost",
		DevPath:    "/ws",
		DevTarget:  "ws://localhost:4690/ws",
		BasePort:   4682,
		MaxOffset:  100,
		ExtraPorts: []int{8443},
	}
}

// Target is a resolved outbound endpoint.
type Target struct {
	URL string
	// SendReady asks the relay to tell the client once the target is
	// connected. The dev alias does not announce itself.
	SendReady bool
}

// Allowed reports whether port may be relayed to.
func (p Policy) Allowed(port int) bool {
	if slices.Contains(p.ExtraPorts, port) {
		return true
	}
	return port >= p.BasePort && port <= p.BasePort+p.MaxOffset
}

// Resolve maps a request path to its target.
func (p Policy) Resolve(path string) (Target, error) {
	if p.DevPath != "" && path == p.DevPath {
		return Target{URL: p.DevTarget}, nil
	}
	if !strings.HasPrefix(path, "/") {
		return Target{}, &PolicyError{Path: path, Reason: ReasonInvalidPath}
	}

	port, err := strconv.Atoi(strings.Trim(path, "/"))
	if err != nil {
		return Target{}, &PolicyError{Path: path, Reason: ReasonInvalidPort}
	}
	if !p.Allowed(port) {
		return Target{}, &PolicyError{Path: path, Reason: ReasonInvalidRange}
	}

	return Target{
		URL:       fmt.Sprintf("ws://%s:%d", p.Host, port),
		SendReady: true,
	}, nil
}
