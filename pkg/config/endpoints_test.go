package config

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/wellknown"
)

func testConfig() *Config {
	return &Config{
		Site: wellknown.Site{
			Name: "Kismet Hotel",
			URL:  "https://hotel.example.com",
		},
	}
}

func byPath(descs []*engine.EndpointDescriptor) map[string]*engine.EndpointDescriptor {
	m := make(map[string]*engine.EndpointDescriptor, len(descs))
	for _, d := range descs {
		m[d.Key()] = d
	}
	return m
}

func generate(t *testing.T, d *engine.EndpointDescriptor) string {
	t.Helper()
	body, err := d.Generator(context.Background())
	if err != nil {
		t.Fatalf("Generator for %s failed: %v", d.Path, err)
	}
	return body
}

func TestDescriptorsDefaults(t *testing.T) {
	descs, err := testConfig().Descriptors(nil)
	if err != nil {
		t.Fatalf("Descriptors failed: %v", err)
	}
	if len(descs) != 4 {
		t.Fatalf("Expected 4 built-in descriptors, got %d", len(descs))
	}

	withProxy, err := testConfig().Descriptors(http.NotFoundHandler())
	if err != nil {
		t.Fatalf("Descriptors failed: %v", err)
	}
	if _, ok := byPath(withProxy)[wellknown.ProxyPath]; !ok {
		t.Error("Expected proxy descriptor when a proxy handler is given")
	}
}

func TestDescriptorsOverrideBuiltin(t *testing.T) {
	cfg := testConfig()
	cfg.Endpoints = []EndpointConfig{
		{Path: "/llms.txt", Content: "# custom\n"},
		{Path: "/humans.txt", Content: "team\n", CacheControl: "no-store"},
	}

	descs, err := cfg.Descriptors(nil)
	if err != nil {
		t.Fatalf("Descriptors failed: %v", err)
	}
	if len(descs) != 5 {
		t.Fatalf("Expected 5 descriptors, got %d", len(descs))
	}
	m := byPath(descs)
	if got := generate(t, m["/llms.txt"]); got != "# custom\n" {
		t.Errorf("Expected override body, got %q", got)
	}
	humans := m["/humans.txt"]
	if humans.CacheControl != "no-store" {
		t.Errorf("Expected cache control, got %q", humans.CacheControl)
	}
	if !strings.HasPrefix(humans.ContentType, "text/plain") {
		t.Errorf("Expected text/plain, got %s", humans.ContentType)
	}
}

func TestDescriptorsBodySources(t *testing.T) {
	dir := t.TempDir()
	bodyFile := filepath.Join(dir, "notice.txt")
	writeFile(t, bodyFile, "v1")
	scriptFile := filepath.Join(dir, "mcp.star")
	writeFile(t, scriptFile, "body = json.encode({\"name\": site[\"name\"]})\n")

	cfg := testConfig()
	cfg.DisableDefaults = true
	cfg.Endpoints = []EndpointConfig{
		{Path: "/notice.txt", File: bodyFile},
		{Path: "/.well-known/plugin.json", Document: "ai-plugin"},
		{Path: "/llms.txt", Script: "body = \"# \" + site[\"name\"] + \"\\n\" + path\n"},
		{Path: "/.well-known/mcp.json", Script: scriptFile},
		{Path: "/robots.txt", Content: "User-agent: *\n", AllowInPlaceModification: true},
	}

	descs, err := cfg.Descriptors(nil)
	if err != nil {
		t.Fatalf("Descriptors failed: %v", err)
	}
	m := byPath(descs)
	if len(m) != 5 {
		t.Fatalf("Expected 5 descriptors, got %d", len(m))
	}

	notice := m["/notice.txt"]
	if got := generate(t, notice); got != "v1" {
		t.Errorf("Expected file body, got %q", got)
	}
	writeFile(t, bodyFile, "v2")
	if got := generate(t, notice); got != "v2" {
		t.Errorf("Expected file to be re-read, got %q", got)
	}

	plugin := m["/.well-known/plugin.json"]
	if plugin.ContentType != "application/json" {
		t.Errorf("Expected application/json, got %s", plugin.ContentType)
	}
	if !strings.Contains(generate(t, plugin), `"name_for_model": "kismet_hotel"`) {
		t.Error("Expected ai-plugin manifest body")
	}

	if got := generate(t, m["/llms.txt"]); got != "# Kismet Hotel\n/llms.txt" {
		t.Errorf("Unexpected script body %q", got)
	}
	if got := generate(t, m["/.well-known/mcp.json"]); got != `{"name":"Kismet Hotel"}` {
		t.Errorf("Unexpected script file body %q", got)
	}
	if m["/robots.txt"].ResolvedKind() != engine.KindAppendOnlyPolicy {
		t.Errorf("Expected append-only kind, got %s", m["/robots.txt"].ResolvedKind())
	}
}

func TestDescriptorsScriptWithoutBody(t *testing.T) {
	cfg := testConfig()
	cfg.DisableDefaults = true
	cfg.Endpoints = []EndpointConfig{{Path: "/x.txt", Script: "title = site[\"name\"]\n"}}

	descs, err := cfg.Descriptors(nil)
	if err != nil {
		t.Fatalf("Descriptors failed: %v", err)
	}
	if _, err := descs[0].Generator(context.Background()); err == nil || !strings.Contains(err.Error(), "body") {
		t.Errorf("Expected missing body error, got %v", err)
	}
}

func TestDescriptorsProxy(t *testing.T) {
	cfg := testConfig()
	cfg.DisableDefaults = true
	cfg.Endpoints = []EndpointConfig{{Path: "/chat", Kind: "proxy", CORS: true}}

	if _, err := cfg.Descriptors(nil); err == nil {
		t.Fatal("Expected error without a proxy handler")
	}

	descs, err := cfg.Descriptors(http.NotFoundHandler())
	if err != nil {
		t.Fatalf("Descriptors failed: %v", err)
	}
	d := descs[0]
	if d.Handler == nil || d.ResolvedKind() != engine.KindProxy {
		t.Errorf("Unexpected proxy descriptor %+v", d)
	}
	if len(d.Methods) != 1 || d.Methods[0] != http.MethodPost {
		t.Errorf("Expected POST only, got %v", d.Methods)
	}
}
