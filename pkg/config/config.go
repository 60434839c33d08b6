package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-playground/validator/v10"
	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

const (
	appName = "aiready"

	defaultListen       = ":8080"
	defaultProbeTimeout = 5 * time.Second
	defaultSFTPTimeout  = "30s"
	defaultParallelism  = 4
)

var validate = validator.New()

// DefaultPath is where the CLI looks for a configuration file.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appName, appName+".yaml")
}

// DefaultStatePath is the default SQLite database location.
func DefaultStatePath() string {
	return filepath.Join(xdg.DataHome, appName, appName+".db")
}

// Load reads, defaults and validates the configuration at path. The format
// follows the extension: .cue files are unified with the built-in schema,
// anything else is parsed as YAML.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := decode(data, abs)
	if err != nil {
		return nil, err
	}
	cfg.path = abs
	cfg.resolvePaths()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes, defaults and validates configuration data. filename selects
// the format and labels errors; relative paths stay relative.
func Parse(data []byte, filename string) (*Config, error) {
	cfg, err := decode(data, filename)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, filename string) (*Config, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".cue":
		return NewCUEParser().Parse(data, filename)
	case ".yaml", ".yml", ".json", "":
		cfg := &Config{}
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, &LoadError{Errors: []ValidationError{{
				File:     filename,
				Message:  err.Error(),
				Severity: "error",
			}}}
		}
		return cfg, nil
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filename)
	}
}

// resolvePaths makes file references relative to the config file absolute.
func (c *Config) resolvePaths() {
	if c.DocumentRoot.Type != "sftp" && c.DocumentRoot.Path != "" {
		c.DocumentRoot.Path = c.resolve(c.DocumentRoot.Path)
	}
	if c.Store.Path != "" && c.Store.Path != ":memory:" {
		c.Store.Path = c.resolve(c.Store.Path)
	}
	for i, p := range c.Policies.Paths {
		c.Policies.Paths[i] = c.resolve(p)
	}
	for i := range c.Endpoints {
		if c.Endpoints[i].File != "" {
			c.Endpoints[i].File = c.resolve(c.Endpoints[i].File)
		}
		if isScriptFile(c.Endpoints[i].Script) {
			c.Endpoints[i].Script = c.resolve(c.Endpoints[i].Script)
		}
	}
	if sftp := c.DocumentRoot.SFTP; sftp != nil {
		if sftp.PrivateKeyPath != "" {
			sftp.PrivateKeyPath = c.resolve(sftp.PrivateKeyPath)
		}
		if sftp.KnownHostsPath != "" {
			sftp.KnownHostsPath = c.resolve(sftp.KnownHostsPath)
		}
	}
}

func (c *Config) resolve(p string) string {
	if c.path == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(c.path), p)
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = defaultListen
	}
	if c.DocumentRoot.Type == "" {
		c.DocumentRoot.Type = "local"
	}
	if sftp := c.DocumentRoot.SFTP; sftp != nil {
		if sftp.Port == 0 {
			sftp.Port = 22
		}
		if sftp.Timeout == "" {
			sftp.Timeout = defaultSFTPTimeout
		}
	}
	if c.Probe.BaseURL == "" {
		c.Probe.BaseURL = c.Site.URL
	}
	if c.Probe.Timeout == "" {
		c.Probe.Timeout = defaultProbeTimeout.String()
	}
	if c.Strategy.OverwritePolicy == "" {
		c.Strategy.OverwritePolicy = string(engine.PolicyContentAnalysis)
	}
	if c.Strategy.Parallelism == 0 {
		c.Strategy.Parallelism = defaultParallelism
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		c.Store.Path = DefaultStatePath()
	}

	t := &c.Telemetry
	if t.LogLevel == "" {
		t.LogLevel = "info"
	}
	if t.LogFormat == "" {
		t.LogFormat = "console"
	}
	if t.TraceExporter == "" {
		t.TraceExporter = "none"
	}
	if t.SamplingRate == 0 {
		t.SamplingRate = 1.0
	}
	if t.MetricsPath == "" {
		t.MetricsPath = "/metrics"
	}
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	var problems []ValidationError
	add := func(path, format string, args ...interface{}) {
		problems = append(problems, ValidationError{
			File:     c.path,
			Path:     path,
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		})
	}

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range fieldErrs {
			add(fe.Namespace(), "failed on the '%s' rule", fe.Tag())
		}
	}

	if d, err := time.ParseDuration(c.Probe.Timeout); err != nil || d <= 0 {
		add("probe.timeout", "invalid duration %q", c.Probe.Timeout)
	}
	if sftp := c.DocumentRoot.SFTP; c.DocumentRoot.Type == "sftp" && sftp != nil {
		if sftp.Password == "" && sftp.PrivateKeyPath == "" {
			add("document_root.sftp", "password or private_key is required")
		}
		if _, err := time.ParseDuration(sftp.Timeout); err != nil {
			add("document_root.sftp.timeout", "invalid duration %q", sftp.Timeout)
		}
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		field := fmt.Sprintf("endpoints[%d]", i)
		key := engine.NormalizePath(ep.Path)
		if seen[key] {
			add(field, "duplicate endpoint path %s", ep.Path)
		}
		seen[key] = true

		sources := countSet(ep.Content, ep.File, ep.Document, ep.Script)
		if engine.EndpointKind(ep.Kind) == engine.KindProxy {
			if sources > 0 {
				add(field, "proxy endpoints take no body source")
			}
			if c.Proxy.Upstream == "" {
				add(field, "proxy endpoints require proxy.upstream")
			}
			continue
		}
		if sources != 1 {
			add(field, "exactly one of content, file, document or script is required")
		}
		if ep.AllowInPlaceModification && ep.Kind != "" && engine.EndpointKind(ep.Kind) != engine.KindAppendOnlyPolicy {
			add(field, "allow_in_place_modification requires kind append-only-policy")
		}
	}

	if len(problems) > 0 {
		return &LoadError{Errors: problems}
	}
	return nil
}

func countSet(values ...string) int {
	n := 0
	for _, v := range values {
		if v != "" {
			n++
		}
	}
	return n
}

// Preferences returns the strategy ordering preferences.
func (s StrategyConfig) Preferences() engine.Preferences {
	return engine.Preferences{PreferAnalytics: s.PreferAnalytics}
}

// Policy returns the file overwrite policy.
func (s StrategyConfig) Policy() engine.OverwritePolicy {
	return engine.OverwritePolicy(s.OverwritePolicy)
}

// Telemetry converts the settings into a telemetry configuration.
func (t TelemetryConfig) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = t.LogLevel
	cfg.Logging.Format = t.LogFormat
	cfg.Tracing.Enabled = t.TraceExporter != "none"
	cfg.Tracing.Exporter = t.TraceExporter
	cfg.Tracing.Endpoint = t.TraceEndpoint
	cfg.Tracing.SamplingRate = t.SamplingRate
	cfg.Metrics.Enabled = !t.DisableMetrics
	cfg.Metrics.Path = t.MetricsPath
	return cfg
}
