package strategy

import (
	"fmt"
	"path"
	"strings"

	"github.com/kismet-tech/aiready/pkg/engine"
)

// Per-directory config files the engine can edit without server access.
const (
	HtaccessFile  = ".htaccess"
	WebConfigFile = "web.config"
)

// webConfigAnchor is where new IIS sections go: <location> must be a child of <configuration>.
const (
	webConfigAnchor   = "</configuration>"
	webConfigSkeleton = "<configuration>\n</configuration>\n"
)

// header is one response header an endpoint declares.
type header struct {
	name  string
	value string
}

// declaredHeaders lists the headers a web server must add to reproduce what
// the routing table sends for desc.
func declaredHeaders(desc *engine.EndpointDescriptor) []header {
	var hs []header
	if desc.ContentType != "" {
		hs = append(hs, header{"Content-Type", desc.ContentType})
	}
	if desc.CORSRequired {
		methods := append(append([]string(nil), desc.AllowedMethods()...), "OPTIONS")
		hs = append(hs,
			header{"Access-Control-Allow-Origin", "*"},
			header{"Access-Control-Allow-Methods", strings.Join(methods, ", ")},
			header{"Access-Control-Allow-Headers", "Content-Type, Authorization"},
		)
	}
	if desc.CacheControl != "" {
		hs = append(hs, header{"Cache-Control", desc.CacheControl})
	}
	return hs
}

// ServerConfigTarget returns the per-directory config file of family along
// with the anchor and skeleton used when inserting a section into it.
func ServerConfigTarget(family engine.ServerFamily) (name, anchor, skeleton string, ok bool) {
	switch family {
	case engine.ServerApache:
		return HtaccessFile, "", "", true
	case engine.ServerIIS:
		return WebConfigFile, webConfigAnchor, webConfigSkeleton, true
	default:
		return "", "", "", false
	}
}

// RenderServerConfig returns the config block for desc in the syntax of family.
func RenderServerConfig(family engine.ServerFamily, desc *engine.EndpointDescriptor) (string, error) {
	switch family {
	case engine.ServerApache:
		return renderApache(desc), nil
	case engine.ServerIIS:
		return renderIIS(desc), nil
	case engine.ServerNginx:
		return renderNginx(desc), nil
	default:
		return "", engine.NewPermanentError(fmt.Sprintf("no config syntax for server family %q", family), nil).
			WithCode(engine.ErrCodeValidation).WithPath(desc.Path)
	}
}

// RenderSuggestion returns where a manual snippet belongs and the snippet
// itself. Unknown servers get a plain list of the headers to configure.
func RenderSuggestion(family engine.ServerFamily, desc *engine.EndpointDescriptor) (target, snippet string) {
	switch family {
	case engine.ServerApache:
		return HtaccessFile + " or the VirtualHost block", renderApache(desc)
	case engine.ServerIIS:
		return WebConfigFile, renderIIS(desc)
	case engine.ServerNginx:
		return "server block of the site's nginx configuration", renderNginx(desc)
	default:
		var b strings.Builder
		fmt.Fprintf(&b, "Serve %s with these response headers:\n", desc.Key())
		for _, h := range declaredHeaders(desc) {
			fmt.Fprintf(&b, "  %s: %s\n", h.name, h.value)
		}
		return "web server configuration", b.String()
	}
}

func renderApache(desc *engine.EndpointDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<If \"%%{REQUEST_URI} == '%s'\">\n", desc.Key())
	b.WriteString("    <IfModule mod_headers.c>\n")
	for _, h := range declaredHeaders(desc) {
		fmt.Fprintf(&b, "        Header always set %s %q\n", h.name, h.value)
	}
	b.WriteString("    </IfModule>\n")
	b.WriteString("</If>")
	return b.String()
}

func renderIIS(desc *engine.EndpointDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<location path=%q>\n", strings.TrimPrefix(desc.Key(), "/"))
	b.WriteString("  <system.webServer>\n")
	if ext := path.Ext(desc.Key()); ext != "" && desc.ContentType != "" {
		b.WriteString("    <staticContent>\n")
		fmt.Fprintf(&b, "      <remove fileExtension=%q />\n", ext)
		fmt.Fprintf(&b, "      <mimeMap fileExtension=%q mimeType=%q />\n", ext, desc.ContentType)
		b.WriteString("    </staticContent>\n")
	}
	var custom []header
	for _, h := range declaredHeaders(desc) {
		if h.name != "Content-Type" {
			custom = append(custom, h)
		}
	}
	if len(custom) > 0 {
		b.WriteString("    <httpProtocol>\n")
		b.WriteString("      <customHeaders>\n")
		for _, h := range custom {
			fmt.Fprintf(&b, "        <add name=%q value=%q />\n", h.name, h.value)
		}
		b.WriteString("      </customHeaders>\n")
		b.WriteString("    </httpProtocol>\n")
	}
	b.WriteString("  </system.webServer>\n")
	b.WriteString("</location>")
	return b.String()
}

func renderNginx(desc *engine.EndpointDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "location = %s {\n", desc.Key())
	if desc.CORSRequired {
		b.WriteString("    if ($request_method = OPTIONS) {\n")
		b.WriteString("        add_header Access-Control-Allow-Origin \"*\";\n")
		b.WriteString("        add_header Access-Control-Allow-Headers \"Content-Type, Authorization\";\n")
		b.WriteString("        return 204;\n")
		b.WriteString("    }\n")
	}
	for _, h := range declaredHeaders(desc) {
		if h.name == "Content-Type" {
			fmt.Fprintf(&b, "    default_type %s;\n", h.value)
			continue
		}
		fmt.Fprintf(&b, "    add_header %s %q always;\n", h.name, h.value)
	}
	b.WriteString("}")
	return b.String()
}
