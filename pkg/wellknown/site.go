// Package wellknown renders the discovery documents a site publishes for AI
// agents and crawlers.
package wellknown

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/kismet-tech/aiready/pkg/engine"
)

// Well-known paths.
const (
	AIPluginPath = "/.well-known/ai-plugin.json"
	MCPPath      = "/.well-known/mcp.json"
	RobotsPath   = "/robots.txt"
	LLMsPath     = "/llms.txt"
	ProxyPath    = "/.well-known/aiready/chat"
)

// Site describes the site the documents are about.
type Site struct {
	Name         string `yaml:"name" json:"name" validate:"required"`
	ModelName    string `yaml:"model_name" json:"model_name,omitempty" validate:"omitempty,alphanum"`
	Description  string `yaml:"description" json:"description"`
	ModelPrompt  string `yaml:"model_prompt" json:"model_prompt,omitempty"`
	URL          string `yaml:"url" json:"url" validate:"required,url"`
	LogoURL      string `yaml:"logo_url" json:"logo_url,omitempty" validate:"omitempty,url"`
	ContactEmail string `yaml:"contact_email" json:"contact_email,omitempty" validate:"omitempty,email"`
	LegalURL     string `yaml:"legal_url" json:"legal_url,omitempty" validate:"omitempty,url"`
	OpenAPIURL   string `yaml:"openapi_url" json:"openapi_url,omitempty" validate:"omitempty,url"`

	// MCPServers are advertised in mcp.json.
	MCPServers []MCPServer `yaml:"mcp_servers" json:"mcp_servers,omitempty" validate:"dive"`

	// Crawlers maps AI crawler user agents to allow (true) or disallow.
	// Missing agents from KnownCrawlers are allowed.
	Crawlers map[string]bool `yaml:"crawlers" json:"crawlers,omitempty"`

	// Links are listed in llms.txt, grouped by section.
	Links []Link `yaml:"links" json:"links,omitempty" validate:"dive"`
}

// MCPServer is one MCP endpoint.
type MCPServer struct {
	Name        string `yaml:"name" json:"name" validate:"required"`
	URL         string `yaml:"url" json:"url" validate:"required,url"`
	Transport   string `yaml:"transport" json:"transport" validate:"omitempty,oneof=sse streamable-http stdio"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// Link is one llms.txt entry.
type Link struct {
	Section string `yaml:"section" json:"section"`
	Title   string `yaml:"title" json:"title" validate:"required"`
	URL     string `yaml:"url" json:"url" validate:"required,url"`
	Notes   string `yaml:"notes" json:"notes,omitempty"`
}

// KnownCrawlers are the AI crawler user agents the robots section covers.
var KnownCrawlers = []string{
	"GPTBot",
	"ChatGPT-User",
	"OAI-SearchBot",
	"ClaudeBot",
	"Claude-User",
	"PerplexityBot",
	"Google-Extended",
	"CCBot",
}

// Builder renders one document for a site.
type Builder func(site Site) engine.ContentGenerator

// builders maps document names accepted in configuration to their renderers.
var builders = map[string]Builder{
	"ai-plugin": AIPlugin,
	"mcp":       MCP,
	"robots":    Robots,
	"llms":      LLMs,
}

// Lookup returns the builder for a document name.
func Lookup(name string) (Builder, bool) {
	b, ok := builders[name]
	return b, ok
}

// Documents lists the document names Lookup accepts.
func Documents() []string {
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns the standard endpoint set for site. The proxy endpoint
// is included only when proxy is non-nil.
func Descriptors(site Site, proxy http.Handler) []*engine.EndpointDescriptor {
	descs := []*engine.EndpointDescriptor{
		{
			Path:         AIPluginPath,
			Kind:         engine.KindStaticManifest,
			Generator:    AIPlugin(site),
			ContentType:  "application/json",
			CORSRequired: true,
			CacheControl: "public, max-age=3600",
		},
		{
			Path:         MCPPath,
			Kind:         engine.KindStaticManifest,
			Generator:    MCP(site),
			ContentType:  "application/json",
			CORSRequired: true,
			CacheControl: "public, max-age=3600",
		},
		{
			Path:                     RobotsPath,
			Kind:                     engine.KindAppendOnlyPolicy,
			Generator:                Robots(site),
			ContentType:              "text/plain; charset=utf-8",
			AllowInPlaceModification: true,
		},
		{
			Path:        LLMsPath,
			Kind:        engine.KindStaticManifest,
			Generator:   LLMs(site),
			ContentType: "text/plain; charset=utf-8",
		},
	}
	if proxy != nil {
		descs = append(descs, &engine.EndpointDescriptor{
			Path:         ProxyPath,
			Kind:         engine.KindProxy,
			CORSRequired: true,
			Methods:      []string{http.MethodPost},
			Handler:      proxy,
		})
	}
	return descs
}

// static wraps a fixed body as a generator.
func static(body string) engine.ContentGenerator {
	return func(context.Context) (string, error) { return body, nil }
}

// failing returns a generator that always reports err.
func failing(format string, args ...interface{}) engine.ContentGenerator {
	err := fmt.Errorf(format, args...)
	return func(context.Context) (string, error) { return "", err }
}
