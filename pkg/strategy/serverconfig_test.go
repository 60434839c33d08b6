package strategy

import (
	"strings"
	"testing"

	"github.com/kismet-tech/aiready/pkg/engine"
)

func TestRenderServerConfig(t *testing.T) {
	desc := manifest(true)
	desc.CacheControl = "public, max-age=3600"

	tests := []struct {
		family engine.ServerFamily
		want   []string
	}{
		{engine.ServerApache, []string{
			`<If "%{REQUEST_URI} == '/.well-known/ai-plugin.json'">`,
			`Header always set Content-Type "application/json"`,
			`Header always set Access-Control-Allow-Origin "*"`,
			`Header always set Cache-Control "public, max-age=3600"`,
			"</If>",
		}},
		{engine.ServerIIS, []string{
			`<location path=".well-known/ai-plugin.json">`,
			`<mimeMap fileExtension=".json" mimeType="application/json" />`,
			`<add name="Access-Control-Allow-Origin" value="*" />`,
			"</location>",
		}},
		{engine.ServerNginx, []string{
			"location = /.well-known/ai-plugin.json {",
			"default_type application/json;",
			`add_header Cache-Control "public, max-age=3600" always;`,
			"return 204;",
		}},
	}

	for _, tt := range tests {
		t.Run(string(tt.family), func(t *testing.T) {
			got, err := RenderServerConfig(tt.family, desc)
			if err != nil {
				t.Fatalf("RenderServerConfig failed: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("Expected %q in:\n%s", w, got)
				}
			}
		})
	}

	if _, err := RenderServerConfig(engine.ServerUnknown, desc); err == nil {
		t.Error("Expected error for unknown server family")
	}
}

func TestRenderSuggestionUnknownServer(t *testing.T) {
	desc := manifest(true)
	target, snippet := RenderSuggestion(engine.ServerUnknown, desc)
	if target == "" {
		t.Error("Expected a target")
	}
	if !strings.Contains(snippet, "Access-Control-Allow-Origin: *") {
		t.Errorf("Expected header list, got %q", snippet)
	}
}

func TestServerConfigTarget(t *testing.T) {
	if name, _, _, ok := ServerConfigTarget(engine.ServerApache); !ok || name != HtaccessFile {
		t.Errorf("Expected .htaccess for apache, got %q", name)
	}
	name, anchor, skeleton, ok := ServerConfigTarget(engine.ServerIIS)
	if !ok || name != WebConfigFile || anchor == "" || !strings.Contains(skeleton, anchor) {
		t.Errorf("Expected web.config with anchor, got %q %q %q", name, anchor, skeleton)
	}
	if _, _, _, ok := ServerConfigTarget(engine.ServerNginx); ok {
		t.Error("Expected nginx to have no per-directory config")
	}
}
