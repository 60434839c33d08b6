// Package router dispatches requests for registered endpoints at request time.
package router

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/filesafety"
	"github.com/rs/zerolog"
)

// Recorder receives request outcomes, typically telemetry.Metrics.
type Recorder interface {
	RecordRequest(path string, code int)
}

// Table is the in-memory routing table. It implements engine.RouteTable and
// http.Handler. Lookups take a read lock so requests never wait on each other.
type Table struct {
	mu     sync.RWMutex
	routes map[string]engine.Route

	cacheMu sync.Mutex
	cache   map[string]string

	fs       engine.FileSystem
	next     http.Handler
	recorder Recorder
	logger   zerolog.Logger
}

// Option configures a Table.
type Option func(*Table)

// WithFileSystem sets the document root read by passthrough routes.
func WithFileSystem(fileSystem engine.FileSystem) Option {
	return func(t *Table) { t.fs = fileSystem }
}

// WithFallback sets the handler for unmatched requests. Defaults to 404.
func WithFallback(next http.Handler) Option {
	return func(t *Table) { t.next = next }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(t *Table) { t.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Table) { t.logger = l.With().Str("component", "router").Logger() }
}

// NewTable creates an empty routing table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		routes: make(map[string]engine.Route),
		cache:  make(map[string]string),
		next:   http.NotFoundHandler(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Add installs or replaces the route for its descriptor path.
func (t *Table) Add(route engine.Route) error {
	if route.Descriptor == nil {
		return engine.NewPermanentError("route requires a descriptor", nil).WithCode(engine.ErrCodeValidation)
	}
	key := route.Descriptor.Key()
	if key == "" || key == "/" {
		return engine.NewPermanentError("route requires a document path", nil).
			WithCode(engine.ErrCodeValidation).WithPath(route.Descriptor.Path)
	}

	t.mu.Lock()
	t.routes[key] = route
	t.mu.Unlock()

	t.invalidate(key)
	return nil
}

// Remove deletes the route for path and reports whether one existed.
func (t *Table) Remove(p string) bool {
	key := engine.NormalizePath(p)

	t.mu.Lock()
	_, ok := t.routes[key]
	delete(t.routes, key)
	t.mu.Unlock()

	t.invalidate(key)
	return ok
}

// Lookup returns the route for a request path.
func (t *Table) Lookup(p string) (engine.Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[engine.NormalizePath(p)]
	return r, ok
}

// Paths lists all registered paths in order.
func (t *Table) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	paths := make([]string, 0, len(t.routes))
	for p := range t.routes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Flush drops every cached body so the next request regenerates it.
func (t *Table) Flush() {
	t.cacheMu.Lock()
	t.cache = make(map[string]string)
	t.cacheMu.Unlock()
}

func (t *Table) invalidate(key string) {
	t.cacheMu.Lock()
	delete(t.cache, key)
	t.cacheMu.Unlock()
}

// Middleware returns a handler serving registered routes and passing every
// other request to next.
func (t *Table) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := t.Lookup(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		t.serveRoute(w, r, route)
	})
}

// ServeHTTP serves registered routes and falls back to the configured handler.
func (t *Table) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.Middleware(t.next).ServeHTTP(w, r)
}

func (t *Table) serveRoute(w http.ResponseWriter, r *http.Request, route engine.Route) {
	desc := route.Descriptor
	key := desc.Key()
	rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
	defer func() {
		if t.recorder != nil && !route.Temporary {
			t.recorder.RecordRequest(key, rec.code)
		}
	}()

	h := rec.Header()
	h.Set(engine.RouteHeader, key)
	methods := desc.AllowedMethods()
	if desc.CORSRequired {
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", strings.Join(append(append([]string(nil), methods...), http.MethodOptions), ", "))
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Max-Age", "86400")
	}

	if r.Method == http.MethodOptions {
		if desc.CORSRequired {
			rec.WriteHeader(http.StatusNoContent)
			return
		}
		h.Set("Allow", strings.Join(methods, ", "))
		rec.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !allowed(methods, r.Method) {
		h.Set("Allow", strings.Join(methods, ", "))
		http.Error(rec, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if desc.ResolvedKind() == engine.KindProxy {
		desc.Handler.ServeHTTP(rec, r)
		return
	}

	body, err := t.body(r.Context(), route)
	if err != nil {
		t.logger.Error().Err(err).Str("path", key).Msg("Failed to generate endpoint content")
		h.Del(engine.RouteHeader)
		http.Error(rec, "endpoint unavailable", http.StatusInternalServerError)
		return
	}

	h.Set("Content-Type", desc.ContentType)
	if desc.CacheControl != "" {
		h.Set("Cache-Control", desc.CacheControl)
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	rec.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = rec.Write([]byte(body))
	}
}

// body returns the cached or freshly generated body of route.
func (t *Table) body(ctx context.Context, route engine.Route) (string, error) {
	key := route.Descriptor.Key()
	if !route.Passthrough {
		t.cacheMu.Lock()
		cached, ok := t.cache[key]
		t.cacheMu.Unlock()
		if ok {
			return cached, nil
		}
	}

	generated, err := route.Descriptor.Generate(ctx)
	if err != nil {
		return "", err
	}
	if route.Passthrough {
		return t.merge(ctx, route.Descriptor, generated)
	}

	t.cacheMu.Lock()
	t.cache[key] = generated
	t.cacheMu.Unlock()
	return generated, nil
}

// merge splices the managed section into the physical file so operator
// content outside the section is served unchanged.
func (t *Table) merge(ctx context.Context, desc *engine.EndpointDescriptor, generated string) (string, error) {
	section := filesafety.NewSection(desc.Key(), path.Base(desc.Path))
	if t.fs == nil {
		return section.Upsert("", generated), nil
	}
	physical, err := t.fs.ReadFile(ctx, strings.TrimPrefix(desc.Key(), "/"))
	if errors.Is(err, fs.ErrNotExist) {
		return section.Upsert("", generated), nil
	}
	if err != nil {
		return "", err
	}
	return section.Upsert(string(physical), generated), nil
}

func allowed(methods []string, method string) bool {
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code    int
	written bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.written {
		s.code = code
		s.written = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.written = true
	return s.ResponseWriter.Write(b)
}

// Flush implements http.Flusher for proxy handlers that stream.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
