package config

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/wellknown"
)

// Descriptors builds the endpoint set to register: the built-in documents
// unless disabled, then the configured endpoints, which replace a built-in
// with the same path. proxy serves proxy endpoints and may be nil when no
// upstream is configured.
func (c *Config) Descriptors(proxy http.Handler) ([]*engine.EndpointDescriptor, error) {
	var descs []*engine.EndpointDescriptor
	if !c.DisableDefaults {
		descs = wellknown.Descriptors(c.Site, proxy)
	}
	index := make(map[string]int, len(descs))
	for i, d := range descs {
		index[d.Key()] = i
	}

	scripts := newScriptRunner(defaultScriptTimeout)
	for _, ep := range c.Endpoints {
		d, err := c.descriptor(ep, proxy, scripts)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", ep.Path, err)
		}
		if i, ok := index[d.Key()]; ok {
			descs[i] = d
			continue
		}
		index[d.Key()] = len(descs)
		descs = append(descs, d)
	}

	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	return descs, nil
}

func (c *Config) descriptor(ep EndpointConfig, proxy http.Handler, scripts *scriptRunner) (*engine.EndpointDescriptor, error) {
	d := &engine.EndpointDescriptor{
		Path:                     ep.Path,
		Kind:                     engine.EndpointKind(ep.Kind),
		ContentType:              ep.ContentType,
		CORSRequired:             ep.CORS,
		CacheControl:             ep.CacheControl,
		AllowInPlaceModification: ep.AllowInPlaceModification,
		Methods:                  ep.Methods,
	}

	if d.ResolvedKind() == engine.KindProxy {
		if proxy == nil {
			return nil, fmt.Errorf("proxy endpoint requires proxy.upstream")
		}
		d.Handler = proxy
		if len(d.Methods) == 0 {
			d.Methods = []string{http.MethodPost}
		}
		return d, nil
	}

	switch {
	case ep.Content != "":
		body := ep.Content
		d.Generator = func(context.Context) (string, error) { return body, nil }
	case ep.File != "":
		d.Generator = fileBody(ep.File)
	case ep.Document != "":
		build, ok := wellknown.Lookup(ep.Document)
		if !ok {
			return nil, fmt.Errorf("unknown document %q", ep.Document)
		}
		d.Generator = build(c.Site)
	case ep.Script != "":
		d.Generator = scriptBody(scripts, ep.Script, map[string]any{
			"site": c.Site,
			"path": ep.Path,
		})
	default:
		return nil, fmt.Errorf("no body source configured")
	}

	if d.ContentType == "" {
		d.ContentType = contentTypeFor(ep.Path)
	}
	return d, nil
}

// fileBody reads name on every call so edits show up on the next registration.
func fileBody(name string) engine.ContentGenerator {
	return func(context.Context) (string, error) {
		data, err := os.ReadFile(name)
		if err != nil {
			return "", fmt.Errorf("failed to read body file: %w", err)
		}
		return string(data), nil
	}
}

func isScriptFile(script string) bool {
	return strings.HasSuffix(script, ".star") && !strings.ContainsAny(script, "\n=")
}

// scriptBody runs a Starlark program that assigns body. script is either
// inline source or a path ending in .star, read on every generation.
func scriptBody(scripts *scriptRunner, script string, input map[string]any) engine.ContentGenerator {
	return func(ctx context.Context) (string, error) {
		name, src := "inline.star", script
		if isScriptFile(script) {
			data, err := os.ReadFile(script)
			if err != nil {
				return "", fmt.Errorf("failed to read script: %w", err)
			}
			name, src = script, string(data)
		}
		return scripts.Body(ctx, name, src, input)
	}
}

func contentTypeFor(p string) string {
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	return "text/plain; charset=utf-8"
}
