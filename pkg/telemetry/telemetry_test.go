package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kismet-tech/aiready/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"missing service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"bad metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordRegistration("success", "application-routing", time.Second)
	m.RecordProbe(true, false, time.Second)
	m.RecordStrategyAttempt("direct-file-serve", false, true, time.Second)
	m.RecordFileOperation("never_overwrite", "refused")
	m.RecordRequest("/robots.txt", 200)
	m.RecordEngineError(engine.NewConflictError("x", nil).WithCode(engine.ErrCodeConflict))
	m.RecordEngineError(errors.New("plain"))
	m.SetEndpointState("/robots.txt", engine.StateStrategyActive)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`aiready_registrations_total{outcome="success",strategy="application-routing"} 1`,
		`aiready_probes_total{direct="true",routing="false"} 1`,
		`aiready_strategy_attempts_total{outcome="rolled_back",strategy="direct-file-serve"} 1`,
		`aiready_file_operations_total{action="refused",policy="never_overwrite"} 1`,
		`aiready_errors_by_code_total{code="CONFLICT"} 1`,
		`aiready_errors_by_class_total{class="permanent"} 1`,
		`aiready_endpoint_state{endpoint="/robots.txt",state="strategy_active"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected metrics output to contain %q", want)
		}
	}
}

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordRegistration("success", "x", time.Second)
	m.RecordFileOperation("p", "a")
	m.SetEndpointState("/x", engine.StateProbing)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 from disabled metrics, got %d", rec.Code)
	}
}

func TestTracerSpans(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: true, Exporter: "none", SamplingRate: 1}, "aiready", "test")
	if err != nil {
		t.Fatalf("failed to create tracer: %v", err)
	}
	defer tracer.Shutdown(context.Background())

	ctx, span := tracer.StartRegisterSpan(context.Background(), "/robots.txt")
	_, child := tracer.StartStrategySpan(ctx, "/robots.txt", "modify-in-place")
	AddBlockEvent(child, "modify-existing-file", "success")
	child.End()
	RecordSuccess(span)
	span.End()

	if TraceID(ctx) == "" {
		t.Error("Expected a sampled trace id")
	}
}

func TestLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aiready.log")
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Logging.Output = path
	cfg.Metrics.Enabled = false

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}
	Component(tel.Logger, "orchestrator").Info().Str("path", "/robots.txt").Msg("Endpoint registered")
	tel.Logger.Debug().Msg("below threshold")
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 log line, got %d: %s", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Expected JSON log line, got %q", lines[0])
	}
	for key, want := range map[string]string{
		"component": "orchestrator",
		"service":   "aiready",
		"path":      "/robots.txt",
		"level":     "info",
	} {
		if entry[key] != want {
			t.Errorf("Expected %s=%q, got %v", key, want, entry[key])
		}
	}
}

func TestLoggerBadOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = filepath.Join(t.TempDir(), "missing", "aiready.log")
	if _, err := NewTelemetry(cfg); err == nil {
		t.Fatal("Expected error for unwritable log path")
	}
}
