package relay

import (
	"errors"
	"testing"
)

func TestResolve(t *testing.T) {
	policy := DefaultPolicy()

	tests := []struct {
		path      string
		wantURL   string
		wantReady bool
		reason    string
	}{
		{"/ws", "ws://localhost:4690/ws", false, ""},
		{"/4682", "ws://localhost:4682", true, ""},
		{"/4782", "ws://localhost:4782", true, ""},
		{"/4700/", "ws://localhost:4700", true, ""},
		{"/8443", "ws://localhost:8443", true, ""},
		{"/4681", "", false, ReasonInvalidRange},
		{"/4783", "", false, ReasonInvalidRange},
		{"/99999", "", false, ReasonInvalidRange},
		{"/abc", "", false, ReasonInvalidPort},
		{"/", "", false, ReasonInvalidPort},
		{"/ws/extra", "", false, ReasonInvalidPort},
		{"4682", "", false, ReasonInvalidPath},
		{"", "", false, ReasonInvalidPath},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			target, err := policy.Resolve(tt.path)
			if tt.reason != "" {
				if !errors.Is(err, ErrPolicy) {
					t.Fatalf("Resolve(%q) error = %v, want ErrPolicy", tt.path, err)
				}
				var perr *PolicyError
				if !errors.As(err, &perr) || perr.Reason != tt.reason {
					t.Errorf("Resolve(%q) reason = %v, want %q", tt.path, err, tt.reason)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q) failed: %v", tt.path, err)
			}
			if target.URL != tt.wantURL || target.SendReady != tt.wantReady {
				t.Errorf("Resolve(%q) = %+v, want %s ready=%v", tt.path, target, tt.wantURL, tt.wantReady)
			}
		})
	}
}

func TestResolveCustomHost(t *testing.T) {
	policy := DefaultPolicy()
	policy.Host = "10.0.0.5"
	policy.ExtraPorts = nil

	if _, err := policy.Resolve("/8443"); !errors.Is(err, ErrPolicy) {
		t.Errorf("8443 should be refused without extra ports, got %v", err)
	}
	target, err := policy.Resolve("/4690")
	if err != nil {
		t.Fatal(err)
	}
	if target.URL != "ws://10.0.0.5:4690" {
		t.Errorf("unexpected target %s", target.URL)
	}
}
