package wellknown

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/kismet-tech/aiready/pkg/engine"
)

func testSite() Site {
	return Site{
		Name:         "Kismet Hotel",
		Description:  "Book rooms at the Kismet Hotel.",
		URL:          "https://hotel.example.com/",
		ContactEmail: "ops@example.com",
		OpenAPIURL:   "https://hotel.example.com/openapi.yaml",
		MCPServers: []MCPServer{
			{Name: "rooms", URL: "https://hotel.example.com/mcp/rooms"},
			{Name: "bookings", URL: "https://hotel.example.com/mcp/bookings", Transport: "sse"},
		},
		Crawlers: map[string]bool{"CCBot": false, "Bytespider": false},
		Links: []Link{
			{Section: "Docs", Title: "Rooms", URL: "https://hotel.example.com/rooms", Notes: "room types"},
			{Title: "Contact", URL: "https://hotel.example.com/contact"},
			{Section: "Docs", Title: "Policies", URL: "https://hotel.example.com/policies"},
		},
	}
}

func render(t *testing.T, gen engine.ContentGenerator) string {
	t.Helper()
	body, err := gen(context.Background())
	if err != nil {
		t.Fatalf("generator failed: %v", err)
	}
	return body
}

func TestAIPlugin(t *testing.T) {
	body := render(t, AIPlugin(testSite()))

	var m map[string]interface{}
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if m["name_for_model"] != "kismet_hotel" {
		t.Errorf("Expected name_for_model kismet_hotel, got %v", m["name_for_model"])
	}
	if m["description_for_model"] != "Book rooms at the Kismet Hotel." {
		t.Errorf("Expected description fallback, got %v", m["description_for_model"])
	}
	api, ok := m["api"].(map[string]interface{})
	if !ok || api["type"] != "openapi" {
		t.Errorf("Expected openapi api block, got %v", m["api"])
	}
	if body != render(t, AIPlugin(testSite())) {
		t.Error("Expected identical output for identical input")
	}

	if _, err := AIPlugin(Site{})(context.Background()); err == nil {
		t.Error("Expected error without a site name")
	}
}

func TestModelName(t *testing.T) {
	tests := []struct {
		site Site
		want string
	}{
		{Site{Name: "Kismet Hotel"}, "kismet_hotel"},
		{Site{Name: "  Café -- Bar  "}, "caf_bar"},
		{Site{Name: "Shop", ModelName: "shop2"}, "shop2"},
	}
	for _, tt := range tests {
		if got := modelName(tt.site); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}

func TestMCPSortsServers(t *testing.T) {
	var doc mcpDocument
	if err := json.Unmarshal([]byte(render(t, MCP(testSite()))), &doc); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(doc.Servers) != 2 || doc.Servers[0].Name != "bookings" {
		t.Fatalf("Expected servers sorted by name, got %+v", doc.Servers)
	}
	if doc.Servers[1].Transport != "streamable-http" {
		t.Errorf("Expected default transport, got %s", doc.Servers[1].Transport)
	}

	empty := render(t, MCP(Site{Name: "x"}))
	if !strings.Contains(empty, `"servers": []`) {
		t.Errorf("Expected empty server list, got %s", empty)
	}
}

func TestRobots(t *testing.T) {
	body := render(t, Robots(testSite()))

	if !strings.HasPrefix(body, "User-agent: GPTBot\nAllow: /\n") {
		t.Errorf("Expected GPTBot first, got %q", body)
	}
	if !strings.Contains(body, "User-agent: CCBot\nDisallow: /\n") {
		t.Error("Expected CCBot disallowed")
	}
	if !strings.Contains(body, "User-agent: Bytespider\nDisallow: /\n") {
		t.Error("Expected extra agent appended")
	}
	if !strings.Contains(body, "# LLM usage policy: https://hotel.example.com/llms.txt") {
		t.Errorf("Expected llms.txt pointer, got %q", body)
	}
}

func TestLLMs(t *testing.T) {
	want := "# Kismet Hotel\n\n> Book rooms at the Kismet Hotel.\n\n" +
		"## Docs\n\n- [Rooms](https://hotel.example.com/rooms): room types\n- [Policies](https://hotel.example.com/policies)\n\n" +
		"## Links\n\n- [Contact](https://hotel.example.com/contact)\n"
	if got := render(t, LLMs(testSite())); got != want {
		t.Errorf("Unexpected llms.txt:\n%s\nwant:\n%s", got, want)
	}
}

func TestDescriptors(t *testing.T) {
	descs := Descriptors(testSite(), nil)
	if len(descs) != 4 {
		t.Fatalf("Expected 4 descriptors, got %d", len(descs))
	}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			t.Errorf("descriptor %s invalid: %v", d.Path, err)
		}
	}

	withProxy := Descriptors(testSite(), http.NotFoundHandler())
	proxy := withProxy[len(withProxy)-1]
	if proxy.ResolvedKind() != engine.KindProxy || proxy.Path != ProxyPath {
		t.Errorf("Unexpected proxy descriptor %+v", proxy)
	}
	if err := proxy.Validate(); err != nil {
		t.Errorf("proxy descriptor invalid: %v", err)
	}
}

func TestLookup(t *testing.T) {
	for _, name := range Documents() {
		if _, ok := Lookup(name); !ok {
			t.Errorf("Expected builder for %s", name)
		}
	}
	if _, ok := Lookup("sitemap"); ok {
		t.Error("Expected no builder for sitemap")
	}
}
