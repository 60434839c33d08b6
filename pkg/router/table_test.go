package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/fsys"
)

func staticRoute(p, body string, calls *int32) engine.Route {
	return engine.Route{
		Descriptor: &engine.EndpointDescriptor{
			Path:         p,
			ContentType:  "application/json",
			CacheControl: "public, max-age=3600",
			CORSRequired: true,
			Generator: func(context.Context) (string, error) {
				if calls != nil {
					atomic.AddInt32(calls, 1)
				}
				return body, nil
			},
		},
	}
}

func TestServeStaticRoute(t *testing.T) {
	table := NewTable()
	if err := table.Add(staticRoute("/.well-known/ai-plugin.json", `{"ok":true}`, nil)); err != nil {
		t.Fatalf("failed to add route: %v", err)
	}

	rec := httptest.NewRecorder()
	table.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/ai-plugin.json", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Errorf("Expected body, got %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Expected content type application/json, got %s", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=3600" {
		t.Errorf("Expected cache control, got %s", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Expected CORS header, got %q", got)
	}
	if rec.Header().Get(engine.RouteHeader) == "" {
		t.Error("Expected route marker header")
	}
}

func TestPreflightAndMethods(t *testing.T) {
	table := NewTable()
	_ = table.Add(staticRoute("/a.json", "{}", nil))
	_ = table.Add(engine.Route{Descriptor: &engine.EndpointDescriptor{
		Path:        "/b.txt",
		ContentType: "text/plain",
		Generator:   func(context.Context) (string, error) { return "b", nil },
	}})

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"cors preflight", http.MethodOptions, "/a.json", http.StatusNoContent},
		{"preflight without cors", http.MethodOptions, "/b.txt", http.StatusMethodNotAllowed},
		{"post rejected", http.MethodPost, "/a.json", http.StatusMethodNotAllowed},
		{"head allowed", http.MethodHead, "/b.txt", http.StatusOK},
		{"unknown path", http.MethodGet, "/missing", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			table.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, rec.Code)
			}
			if tt.method == http.MethodHead && rec.Body.Len() != 0 {
				t.Error("Expected empty body for HEAD")
			}
		})
	}
}

func TestGeneratorErrorIsolated(t *testing.T) {
	table := NewTable()
	_ = table.Add(engine.Route{Descriptor: &engine.EndpointDescriptor{
		Path:        "/broken.json",
		ContentType: "application/json",
		Generator:   func(context.Context) (string, error) { return "", errors.New("boom") },
	}})
	_ = table.Add(staticRoute("/ok.json", "{}", nil))

	rec := httptest.NewRecorder()
	table.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/broken.json", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	table.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok.json", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected other endpoint unaffected, got %d", rec.Code)
	}
}

func TestCacheAndFlush(t *testing.T) {
	var calls int32
	table := NewTable()
	_ = table.Add(staticRoute("/c.json", "{}", &calls))

	for i := 0; i < 3; i++ {
		table.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/c.json", nil))
	}
	if calls != 1 {
		t.Errorf("Expected 1 generator call, got %d", calls)
	}

	table.Flush()
	table.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/c.json", nil))
	if calls != 2 {
		t.Errorf("Expected regeneration after flush, got %d calls", calls)
	}
}

func TestAddRemoveLookup(t *testing.T) {
	table := NewTable()
	if err := table.Add(engine.Route{}); err == nil {
		t.Error("Expected error for route without descriptor")
	}

	_ = table.Add(staticRoute("/z.json", "{}", nil))
	_ = table.Add(staticRoute("/a.json", "{}", nil))
	paths := table.Paths()
	if len(paths) != 2 || paths[0] != "/a.json" {
		t.Errorf("Expected sorted paths, got %v", paths)
	}
	if _, ok := table.Lookup("a.json"); !ok {
		t.Error("Expected lookup to normalize paths")
	}
	if !table.Remove("/a.json") {
		t.Error("Expected remove to report existing route")
	}
	if table.Remove("/a.json") {
		t.Error("Expected second remove to report false")
	}
}

func TestPassthroughMergesPhysicalFile(t *testing.T) {
	root, err := fsys.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create root: %v", err)
	}
	operator := "User-agent: *\nDisallow: /admin\n"
	if err := root.WriteFile(context.Background(), "robots.txt", []byte(operator)); err != nil {
		t.Fatalf("failed to seed robots.txt: %v", err)
	}

	table := NewTable(WithFileSystem(root))
	_ = table.Add(engine.Route{
		Passthrough: true,
		Descriptor: &engine.EndpointDescriptor{
			Path:                     "/robots.txt",
			ContentType:              "text/plain",
			AllowInPlaceModification: true,
			Generator:                func(context.Context) (string, error) { return "User-agent: GPTBot\nAllow: /", nil },
		},
	})

	rec := httptest.NewRecorder()
	table.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/robots.txt", nil))
	body := rec.Body.String()
	if !strings.HasPrefix(body, operator) {
		t.Errorf("Expected operator content first, got %q", body)
	}
	if !strings.Contains(body, "# BEGIN aiready /robots.txt\nUser-agent: GPTBot\nAllow: /\n# END aiready /robots.txt") {
		t.Errorf("Expected managed section, got %q", body)
	}
}

type fakeRecorder struct {
	codes []int
}

func (f *fakeRecorder) RecordRequest(_ string, code int) {
	f.codes = append(f.codes, code)
}

func TestProxyRouteAndRecorder(t *testing.T) {
	rec := &fakeRecorder{}
	table := NewTable(WithRecorder(rec))
	_ = table.Add(engine.Route{Descriptor: &engine.EndpointDescriptor{
		Path:         "/api/chat",
		Kind:         engine.KindProxy,
		CORSRequired: true,
		Methods:      []string{http.MethodPost},
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}),
	}})

	resp := httptest.NewRecorder()
	table.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{}")))
	if resp.Code != http.StatusAccepted {
		t.Errorf("Expected handler status 202, got %d", resp.Code)
	}
	if resp.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS around proxy handler")
	}
	if len(rec.codes) != 1 || rec.codes[0] != http.StatusAccepted {
		t.Errorf("Expected recorded 202, got %v", rec.codes)
	}
}

func TestMiddlewarePassesUnmatched(t *testing.T) {
	table := NewTable()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	table.Middleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("Expected fallthrough to application, got %d", rec.Code)
	}
}
