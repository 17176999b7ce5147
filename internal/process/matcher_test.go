package process

import "testing"

func TestMatcherMatches(t *testing.T) {
	frontend := Matcher{Name: "node", Require: []string{"start"}}
	devServer := Matcher{Name: "node", Require: []string{"webpack-dev-server"}, Forbid: []string{"signalingserver"}}

	tests := []struct {
		name    string
		matcher Matcher
		proc    Info
		want    bool
	}{
		{"exact name", frontend, Info{Name: "node", Cmdline: []string{"node", "start"}}, true},
		{"exe suffix", frontend, Info{Name: "node.exe", Cmdline: []string{"node.exe", "start"}}, true},
		{"case insensitive name", frontend, Info{Name: "Node.EXE", Cmdline: []string{"node", "start"}}, true},
		{"substring token", frontend, Info{Name: "node", Cmdline: []string{"node", "npm-cli.js", "restart"}}, true},
		{"case insensitive token", devServer, Info{Name: "node", Cmdline: []string{"node", "WEBPACK-DEV-SERVER"}}, true},
		{"forbidden token", devServer, Info{Name: "node", Cmdline: []string{"node", "webpack-dev-server", "signalingserver"}}, false},
		{"missing token", frontend, Info{Name: "node", Cmdline: []string{"node", "server.js"}}, false},
		{"other executable", frontend, Info{Name: "nodemon", Cmdline: []string{"nodemon", "start"}}, false},
		{"empty cmdline", Matcher{Name: "node"}, Info{Name: "node"}, false},
		{"name only", Matcher{Name: "node"}, Info{Name: "node", Cmdline: []string{"node"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.matcher.Matches(tt.proc); got != tt.want {
				t.Errorf("Matches(%+v) = %v, want %v", tt.proc, got, tt.want)
			}
		})
	}
}
