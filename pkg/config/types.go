package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kismet-tech/aiready/pkg/wellknown"
)

// Config is the complete aiready configuration.
type Config struct {
	// Site describes the site the published documents are about.
	Site wellknown.Site `yaml:"site" json:"site" validate:"required"`

	// Server configures the HTTP listeners.
	Server ServerConfig `yaml:"server" json:"server"`

	// DocumentRoot is where static files are written.
	DocumentRoot DocumentRootConfig `yaml:"document_root" json:"document_root"`

	// Probe configures capability probing.
	Probe ProbeConfig `yaml:"probe" json:"probe"`

	// Strategy configures strategy ordering and file safety.
	Strategy StrategyConfig `yaml:"strategy" json:"strategy"`

	// Policies configures strategy admission policies.
	Policies PolicyConfig `yaml:"policies" json:"policies"`

	// Store configures persistence.
	Store StoreConfig `yaml:"store" json:"store"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	// Proxy configures the chat proxy endpoint.
	Proxy ProxyConfig `yaml:"proxy" json:"proxy"`

	// DisableDefaults drops the built-in document set; only Endpoints are published.
	DisableDefaults bool `yaml:"disable_defaults" json:"disable_defaults,omitempty"`

	// Endpoints adds endpoints or overrides built-in ones by path.
	Endpoints []EndpointConfig `yaml:"endpoints" json:"endpoints,omitempty" validate:"dive"`

	// path is the file the configuration was loaded from.
	path string
}

// Path returns the file the configuration was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	// Listen is the public address documents are served on.
	Listen string `yaml:"listen" json:"listen" validate:"required,hostname_port"`

	// AdminListen is the admin API address. Empty disables the admin API.
	AdminListen string `yaml:"admin_listen" json:"admin_listen,omitempty" validate:"omitempty,hostname_port"`

	// AdminToken, when set, is required as a bearer token on admin requests.
	AdminToken string `yaml:"admin_token" json:"admin_token,omitempty"`
}

// DocumentRootConfig selects the backend static files are written to.
type DocumentRootConfig struct {
	// Type is local or sftp.
	Type string `yaml:"type" json:"type" validate:"required,oneof=local sftp"`

	// Path is the document root directory, local or on the remote host.
	Path string `yaml:"path" json:"path" validate:"required"`

	// SFTP holds the remote connection settings when Type is sftp.
	SFTP *SFTPConfig `yaml:"sftp" json:"sftp,omitempty" validate:"required_if=Type sftp"`
}

// SFTPConfig holds remote document root connection settings.
type SFTPConfig struct {
	Host           string `yaml:"host" json:"host" validate:"required,hostname|ip"`
	Port           int    `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	User           string `yaml:"user" json:"user" validate:"required"`
	Password       string `yaml:"password" json:"password,omitempty"`
	PrivateKeyPath string `yaml:"private_key" json:"private_key,omitempty"`
	Passphrase     string `yaml:"passphrase" json:"passphrase,omitempty"`
	KnownHostsPath string `yaml:"known_hosts" json:"known_hosts,omitempty"`
	Timeout        string `yaml:"timeout" json:"timeout,omitempty"`
}

// ProbeConfig configures capability probing.
type ProbeConfig struct {
	// BaseURL is the public URL of the site. Defaults to Site.URL.
	BaseURL string `yaml:"base_url" json:"base_url" validate:"required,url"`

	// Timeout bounds each probe request, e.g. "5s".
	Timeout string `yaml:"timeout" json:"timeout"`

	// InsecureTLS skips certificate verification for probe requests.
	InsecureTLS bool `yaml:"insecure_tls" json:"insecure_tls,omitempty"`
}

// TimeoutDuration returns the parsed probe timeout.
func (p ProbeConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(p.Timeout)
	if err != nil || d <= 0 {
		return defaultProbeTimeout
	}
	return d
}

// StrategyConfig configures strategy ordering and file safety.
type StrategyConfig struct {
	// PreferAnalytics routes static documents through the application.
	PreferAnalytics bool `yaml:"prefer_analytics" json:"prefer_analytics,omitempty"`

	// OverwritePolicy decides what happens when a target file already exists.
	OverwritePolicy string `yaml:"overwrite_policy" json:"overwrite_policy" validate:"oneof=never_overwrite backup_then_overwrite content_analysis defer_to_operator"`

	// Parallelism bounds concurrent re-registrations on refresh.
	Parallelism int `yaml:"parallelism" json:"parallelism" validate:"min=1,max=64"`
}

// PolicyConfig configures strategy admission policies.
type PolicyConfig struct {
	// Builtin names built-in policies to enable.
	Builtin []string `yaml:"builtin" json:"builtin,omitempty" validate:"dive,oneof=forbid-server-config forbid-filesystem-writes warn-uncached-direct"`

	// Paths lists .rego or .json policy files and directories.
	Paths []string `yaml:"paths" json:"paths,omitempty"`

	// Watch reloads policy files when they change.
	Watch bool `yaml:"watch" json:"watch,omitempty"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	// Driver is sqlite or memory.
	Driver string `yaml:"driver" json:"driver" validate:"required,oneof=sqlite memory"`

	// Path is the SQLite database file.
	Path string `yaml:"path" json:"path" validate:"required_if=Driver sqlite"`
}

// TelemetryConfig configures logging, tracing and metrics.
type TelemetryConfig struct {
	LogLevel       string  `yaml:"log_level" json:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat      string  `yaml:"log_format" json:"log_format" validate:"oneof=console json"`
	TraceExporter  string  `yaml:"trace_exporter" json:"trace_exporter" validate:"oneof=none stdout otlp"`
	TraceEndpoint  string  `yaml:"trace_endpoint" json:"trace_endpoint,omitempty" validate:"required_if=TraceExporter otlp"`
	SamplingRate   float64 `yaml:"sampling_rate" json:"sampling_rate" validate:"min=0,max=1"`
	DisableMetrics bool    `yaml:"disable_metrics" json:"disable_metrics,omitempty"`
	MetricsPath    string  `yaml:"metrics_path" json:"metrics_path" validate:"startswith=/"`
}

// ProxyConfig configures the chat proxy endpoint.
type ProxyConfig struct {
	// Upstream is the chat backend requests are forwarded to. Empty disables
	// the proxy endpoint.
	Upstream string `yaml:"upstream" json:"upstream,omitempty" validate:"omitempty,url"`
}

// EndpointConfig declares one endpoint. Exactly one body source is set for
// non-proxy endpoints.
type EndpointConfig struct {
	Path                     string   `yaml:"path" json:"path" validate:"required,startswith=/"`
	Kind                     string   `yaml:"kind" json:"kind,omitempty" validate:"omitempty,oneof=static-manifest append-only-policy proxy"`
	ContentType              string   `yaml:"content_type" json:"content_type,omitempty"`
	CORS                     bool     `yaml:"cors" json:"cors,omitempty"`
	CacheControl             string   `yaml:"cache_control" json:"cache_control,omitempty"`
	AllowInPlaceModification bool     `yaml:"allow_in_place_modification" json:"allow_in_place_modification,omitempty"`
	Methods                  []string `yaml:"methods" json:"methods,omitempty" validate:"dive,oneof=GET HEAD POST"`

	// Content is an inline body.
	Content string `yaml:"content" json:"content,omitempty"`

	// File is read on every generation, relative to the config file.
	File string `yaml:"file" json:"file,omitempty"`

	// Document names a built-in document.
	Document string `yaml:"document" json:"document,omitempty" validate:"omitempty,oneof=ai-plugin mcp robots llms"`

	// Script is a Starlark program that assigns body.
	Script string `yaml:"script" json:"script,omitempty"`
}

// ValidationError is one problem found while loading configuration.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	if e.Path != "" {
		loc = strings.TrimPrefix(loc+" "+e.Path, " ")
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}

// LoadError collects every problem found in a configuration file.
type LoadError struct {
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, v := range e.Errors {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("invalid configuration: %s", strings.Join(msgs, "; "))
}
