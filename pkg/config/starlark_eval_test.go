package config

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestScriptRunnerBody(t *testing.T) {
	runner := newScriptRunner(5 * time.Second)

	tests := []struct {
		name    string
		script  string
		input   map[string]any
		want    string
		wantErr string
	}{
		{
			name:   "literal",
			script: "body = \"User-agent: *\\n\"\n",
			want:   "User-agent: *\n",
		},
		{
			name:   "inputs decoded as json",
			script: "body = \"%s has %d servers\" % (site[\"name\"], len(site[\"servers\"]))\n",
			input:  map[string]any{"site": map[string]any{"name": "Kismet", "servers": []string{"a", "b"}}},
			want:   "Kismet has 2 servers",
		},
		{
			name:   "scalar input",
			script: "body = path\n",
			input:  map[string]any{"path": "/llms.txt"},
			want:   "/llms.txt",
		},
		{
			name: "helpers and private globals",
			script: `
def _line(title, url):
    return "- [%s](%s)" % (title, url)

_links = [("Rooms", "/rooms"), ("Contact", "/contact")]
body = "\n".join([_line(t, u) for t, u in _links])
`,
			want: "- [Rooms](/rooms)\n- [Contact](/contact)",
		},
		{
			name:   "json module",
			script: "body = json.encode(struct(servers = [s for s in servers]))\n",
			input:  map[string]any{"servers": []string{"a"}},
			want:   `{"servers":["a"]}`,
		},
		{name: "no body", script: "title = 1\n", wantErr: "never assigns body"},
		{name: "non-string body", script: "body = 42\n", wantErr: "want string"},
		{name: "syntax error", script: "body = \n", wantErr: "inline.star"},
		{name: "runtime error", script: "body = 1 + \"a\"\n", wantErr: "unknown binary op"},
		{
			name:    "unencodable input",
			script:  "body = \"\"\n",
			input:   map[string]any{"ch": make(chan int)},
			wantErr: "input ch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := runner.Body(context.Background(), "inline.star", tt.script, tt.input)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Body failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestScriptRunnerStopsRunawayScripts(t *testing.T) {
	runner := newScriptRunner(50 * time.Millisecond)
	script := `
def spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n

body = str(spin())
`
	start := time.Now()
	if _, err := runner.Body(context.Background(), "spin.star", script, nil); err == nil {
		t.Fatal("Expected runaway script to be stopped")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Expected script to stop quickly, took %v", elapsed)
	}
}

func TestScriptRunnerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newScriptRunner(0).Body(ctx, "c.star", `
def spin():
    for i in range(1000000000):
        pass

spin()
body = ""
`, nil)
	if err == nil || !strings.Contains(err.Error(), "cancel") {
		t.Errorf("Expected cancellation error, got %v", err)
	}
}
