package telemetry

import (
	"fmt"
	"slices"
)

// Config selects how the process logs, traces and exposes metrics.
type Config struct {
	ServiceName    string
	ServiceVersion string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string // trace, debug, info, warn, error
	Format string // console or json

	// Output is stderr, stdout or a file path opened for append.
	Output string

	Caller bool
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled  bool
	Exporter string // otlp, stdout or none

	// Endpoint is the OTLP gRPC collector, host:port.
	Endpoint string
	Insecure bool

	// SamplingRate is the share of root spans kept, 0 to 1.
	SamplingRate float64
}

// MetricsConfig controls the Prometheus registry.
type MetricsConfig struct {
	Enabled   bool
	Path      string
	Namespace string
}

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error"}
	logFormats    = []string{"console", "json"}
	spanExporters = []string{"otlp", "stdout", "none"}
)

// DefaultConfig logs info to stderr on a console writer, keeps tracing off
// and serves metrics at /metrics.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "aiready",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			Insecure:     true,
			SamplingRate: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "aiready",
		},
	}
}

// Validate reports the first setting NewTelemetry could not honour.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("telemetry: service name is required")
	case c.ServiceVersion == "":
		return fmt.Errorf("telemetry: service version is required")
	case !slices.Contains(logLevels, c.Logging.Level):
		return fmt.Errorf("telemetry: log level %q is not one of %v", c.Logging.Level, logLevels)
	case !slices.Contains(logFormats, c.Logging.Format):
		return fmt.Errorf("telemetry: log format %q is not one of %v", c.Logging.Format, logFormats)
	case c.Tracing.Enabled && !slices.Contains(spanExporters, c.Tracing.Exporter):
		return fmt.Errorf("telemetry: trace exporter %q is not one of %v", c.Tracing.Exporter, spanExporters)
	case c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "":
		return fmt.Errorf("telemetry: the otlp exporter needs an endpoint")
	case c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1:
		return fmt.Errorf("telemetry: sampling rate %g is outside [0, 1]", c.Tracing.SamplingRate)
	case c.Metrics.Enabled && c.Metrics.Path != "" && c.Metrics.Path[0] != '/':
		return fmt.Errorf("telemetry: metrics path %q must be absolute", c.Metrics.Path)
	}
	return nil
}
