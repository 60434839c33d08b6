package wellknown

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/kismet-tech/aiready/pkg/engine"
)

// aiPluginManifest is the ai-plugin.json document, schema v1.
type aiPluginManifest struct {
	SchemaVersion       string     `json:"schema_version"`
	NameForHuman        string     `json:"name_for_human"`
	NameForModel        string     `json:"name_for_model"`
	DescriptionForHuman string     `json:"description_for_human"`
	DescriptionForModel string     `json:"description_for_model"`
	Auth                pluginAuth `json:"auth"`
	API                 *pluginAPI `json:"api,omitempty"`
	LogoURL             string     `json:"logo_url,omitempty"`
	ContactEmail        string     `json:"contact_email,omitempty"`
	LegalInfoURL        string     `json:"legal_info_url,omitempty"`
}

type pluginAuth struct {
	Type string `json:"type"`
}

type pluginAPI struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// AIPlugin renders /.well-known/ai-plugin.json.
func AIPlugin(site Site) engine.ContentGenerator {
	if site.Name == "" {
		return failing("ai-plugin manifest requires a site name")
	}
	m := aiPluginManifest{
		SchemaVersion:       "v1",
		NameForHuman:        site.Name,
		NameForModel:        modelName(site),
		DescriptionForHuman: site.Description,
		DescriptionForModel: site.ModelPrompt,
		Auth:                pluginAuth{Type: "none"},
		LogoURL:             site.LogoURL,
		ContactEmail:        site.ContactEmail,
		LegalInfoURL:        site.LegalURL,
	}
	if m.DescriptionForModel == "" {
		m.DescriptionForModel = site.Description
	}
	if site.OpenAPIURL != "" {
		m.API = &pluginAPI{Type: "openapi", URL: site.OpenAPIURL}
	}
	return renderJSON("ai-plugin manifest", m)
}

// modelName derives name_for_model: the configured value, or the site name
// reduced to lowercase letters, digits and underscores.
func modelName(site Site) string {
	if site.ModelName != "" {
		return site.ModelName
	}
	var b strings.Builder
	for _, r := range strings.ToLower(site.Name) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '_':
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

type mcpDocument struct {
	Name    string          `json:"name"`
	URL     string          `json:"url"`
	Servers []mcpServerJSON `json:"servers"`
}

type mcpServerJSON struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Transport   string `json:"transport"`
	Description string `json:"description,omitempty"`
}

// MCP renders /.well-known/mcp.json. Servers are sorted by name.
func MCP(site Site) engine.ContentGenerator {
	doc := mcpDocument{Name: site.Name, URL: site.URL, Servers: []mcpServerJSON{}}
	for _, s := range site.MCPServers {
		transport := s.Transport
		if transport == "" {
			transport = "streamable-http"
		}
		doc.Servers = append(doc.Servers, mcpServerJSON{
			Name:        s.Name,
			URL:         s.URL,
			Transport:   transport,
			Description: s.Description,
		})
	}
	sort.SliceStable(doc.Servers, func(i, j int) bool { return doc.Servers[i].Name < doc.Servers[j].Name })
	return renderJSON("mcp server list", doc)
}

// Robots renders the managed robots.txt section: one group per known AI
// crawler plus any extra agents named in the site settings.
func Robots(site Site) engine.ContentGenerator {
	agents := append([]string(nil), KnownCrawlers...)
	known := make(map[string]bool, len(agents))
	for _, a := range agents {
		known[a] = true
	}
	var extra []string
	for a := range site.Crawlers {
		if !known[a] {
			extra = append(extra, a)
		}
	}
	sort.Strings(extra)
	agents = append(agents, extra...)

	var b strings.Builder
	for i, agent := range agents {
		if i > 0 {
			b.WriteByte('\n')
		}
		allow, set := site.Crawlers[agent]
		fmt.Fprintf(&b, "User-agent: %s\n", agent)
		if !set || allow {
			b.WriteString("Allow: /\n")
		} else {
			b.WriteString("Disallow: /\n")
		}
	}
	if site.URL != "" {
		fmt.Fprintf(&b, "\n# LLM usage policy: %s%s\n", strings.TrimRight(site.URL, "/"), LLMsPath)
	}
	return static(b.String())
}

// LLMs renders /llms.txt: a title, a summary quote and link sections in the
// order they first appear.
func LLMs(site Site) engine.ContentGenerator {
	if site.Name == "" {
		return failing("llms.txt requires a site name")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", site.Name)
	if site.Description != "" {
		fmt.Fprintf(&b, "\n> %s\n", site.Description)
	}

	var order []string
	sections := make(map[string][]Link)
	for _, l := range site.Links {
		name := l.Section
		if name == "" {
			name = "Links"
		}
		if _, ok := sections[name]; !ok {
			order = append(order, name)
		}
		sections[name] = append(sections[name], l)
	}
	for _, name := range order {
		fmt.Fprintf(&b, "\n## %s\n\n", name)
		for _, l := range sections[name] {
			if l.Notes != "" {
				fmt.Fprintf(&b, "- [%s](%s): %s\n", l.Title, l.URL, l.Notes)
			} else {
				fmt.Fprintf(&b, "- [%s](%s)\n", l.Title, l.URL)
			}
		}
	}
	return static(b.String())
}

// renderJSON marshals v once; the generator returns the same bytes every call.
func renderJSON(what string, v interface{}) engine.ContentGenerator {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return failing("failed to render %s: %v", what, err)
	}
	return static(string(data) + "\n")
}
