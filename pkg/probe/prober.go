// Package probe discovers what the hosting environment supports by serving
// throwaway documents through each publishing mode and fetching them back.
package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds every probe request.
const DefaultTimeout = 5 * time.Second

// maxProbeBody caps how much of a probe response is read.
const maxProbeBody = 64 << 10

// Recorder receives probe outcomes, typically telemetry.Metrics.
type Recorder interface {
	RecordProbe(direct, routing bool, duration time.Duration)
}

// Tracer starts probe spans, typically telemetry.Tracer.
type Tracer interface {
	StartProbeSpan(ctx context.Context, site, path string) (context.Context, trace.Span)
}

// otelTracer starts probe spans on the global OpenTelemetry provider.
type otelTracer struct {
	tracer trace.Tracer
}

func (o otelTracer) StartProbeSpan(ctx context.Context, site, path string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "capability.probe", trace.WithAttributes(
		telemetry.AttrSite.String(site),
		telemetry.AttrEndpoint.String(path),
	))
}

// Prober implements engine.Prober against a live site.
type Prober struct {
	baseURL     *url.URL
	fs          engine.FileSystem
	routes      engine.RouteTable
	client      engine.HTTPDoer
	timeout     time.Duration
	insecureTLS bool
	recorder    Recorder
	tracer      Tracer
	logger      zerolog.Logger
	group       singleflight.Group
}

// Option configures a Prober.
type Option func(*Prober)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c engine.HTTPDoer) Option {
	return func(p *Prober) { p.client = c }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithInsecureTLS skips certificate verification regardless of the host.
func WithInsecureTLS(skip bool) Option {
	return func(p *Prober) { p.insecureTLS = skip }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Prober) { p.logger = l.With().Str("component", "prober").Logger() }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Prober) { p.recorder = r }
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(p *Prober) { p.tracer = t }
}

// NewProber creates a prober for the site at baseURL. fileSystem is the
// document root the site serves; routes is the application routing table.
// Either may be nil, in which case the matching test reports false.
func NewProber(baseURL string, fileSystem engine.FileSystem, routes engine.RouteTable, opts ...Option) (*Prober, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, engine.NewPermanentError("invalid site base URL", err).
			WithCode(engine.ErrCodeValidation).WithDetail("base_url", baseURL)
	}

	p := &Prober{
		baseURL: u,
		fs:      fileSystem,
		routes:  routes,
		timeout: DefaultTimeout,
		tracer:  otelTracer{tracer: otel.Tracer("aiready/probe")},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = newHTTPClient(p.timeout, p.insecureTLS || IsLocalHost(u.Hostname()))
	}
	return p, nil
}

// newHTTPClient returns a client that does not follow redirects, so a probe
// only ever observes the path it asked for.
func newHTTPClient(timeout time.Duration, skipVerify bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: skipVerify} //nolint:gosec // local hosts use self-signed certificates
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// BaseURL returns the site URL the prober targets.
func (p *Prober) BaseURL() string {
	return p.baseURL.String()
}

// Probe tests direct file serving and application routing through temporary
// paths derived from target. Network failures are folded into false
// capabilities; an error is returned only for an empty path or a cancelled
// context. Concurrent probes of the same target share one run.
func (p *Prober) Probe(ctx context.Context, target string) (*engine.CapabilityReport, error) {
	if strings.TrimSpace(target) == "" {
		return nil, engine.NewPermanentError("probe target path is required", nil).WithCode(engine.ErrCodeValidation)
	}
	key := engine.NormalizePath(target)

	ch := p.group.DoChan(key, func() (interface{}, error) {
		// Detached so that one caller's cancellation does not fail the others.
		return p.probe(context.WithoutCancel(ctx), key), nil
	})

	select {
	case <-ctx.Done():
		return nil, engine.NewTransientError("probe cancelled", ctx.Err()).
			WithCode(engine.ErrCodeTimeout).WithPath(key)
	case res := <-ch:
		report := *res.Val.(*engine.CapabilityReport)
		return &report, nil
	}
}

func (p *Prober) probe(ctx context.Context, target string) *engine.CapabilityReport {
	ctx, span := p.tracer.StartProbeSpan(ctx, p.baseURL.String(), target)
	defer span.End()

	start := time.Now()
	report := &engine.CapabilityReport{
		BaseURL:      p.baseURL.String(),
		ServerFamily: engine.ServerUnknown,
	}

	tmp := TempPath(target, strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	p.logger.Debug().Str("target", target).Str("temp_path", tmp).Msg("Probing capabilities")

	family := engine.ServerUnknown
	p.testDirect(ctx, tmp, report, &family)
	p.testRouting(ctx, tmp, report, &family)

	if family == engine.ServerUnknown {
		family = p.familyFromFilesystem(ctx)
	}
	report.ServerFamily = family
	report.SupportsAuxiliaryServerConfig = report.CanWriteFilesystem && family.HasDirectoryConfig()
	report.ProbedAt = time.Now().UTC()

	duration := time.Since(start)
	if p.recorder != nil {
		p.recorder.RecordProbe(report.SupportsDirectFileServe, report.SupportsApplicationRouting, duration)
	}
	p.logger.Info().
		Str("target", target).
		Bool("direct", report.SupportsDirectFileServe).
		Bool("routing", report.SupportsApplicationRouting).
		Bool("writable", report.CanWriteFilesystem).
		Bool("aux_config", report.SupportsAuxiliaryServerConfig).
		Str("server", string(report.ServerFamily)).
		Dur("duration", duration).
		Msg("Capability probe finished")
	return report
}

// testDirect writes a token file at the temporary path and fetches it.
func (p *Prober) testDirect(ctx context.Context, tmp string, report *engine.CapabilityReport, family *engine.ServerFamily) {
	if p.fs == nil {
		report.DirectErrors = append(report.DirectErrors, "no document root configured")
		return
	}

	name := strings.TrimPrefix(tmp, "/")
	token := uuid.New().String()
	created := p.missingDirs(ctx, name)
	defer p.removeDirs(ctx, created)
	if err := p.fs.WriteFile(ctx, name, []byte(token)); err != nil {
		report.DirectErrors = append(report.DirectErrors, fmt.Sprintf("write temporary file: %v", err))
		return
	}
	report.CanWriteFilesystem = true
	defer func() {
		if err := p.fs.Remove(ctx, name); err != nil {
			p.logger.Warn().Err(err).Str("path", name).Msg("Failed to remove probe file")
		}
	}()

	resp, body, err := p.get(ctx, tmp)
	if err != nil {
		report.DirectErrors = append(report.DirectErrors, err.Error())
		return
	}
	detectFamily(resp.Header, family)

	switch {
	case resp.StatusCode != http.StatusOK:
		report.DirectErrors = append(report.DirectErrors, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	case body != token:
		report.DirectErrors = append(report.DirectErrors, "response body did not match the probe token")
	default:
		if signal := applicationSignal(resp, body); signal != "" {
			report.DirectErrors = append(report.DirectErrors, "response was produced by the application: "+signal)
			return
		}
		report.SupportsDirectFileServe = true
	}
}

// missingDirs lists the parents of name that do not exist yet, deepest first.
// Writing name creates them, so the probe removes them again afterwards.
func (p *Prober) missingDirs(ctx context.Context, name string) []string {
	var dirs []string
	for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
		ok, err := p.fs.Exists(ctx, dir)
		if err != nil || ok {
			break
		}
		dirs = append(dirs, dir)
	}
	return dirs
}

// removeDirs deletes directories the probe created, deepest first. A
// directory that gained other entries in the meantime fails to delete and
// stays.
func (p *Prober) removeDirs(ctx context.Context, dirs []string) {
	for _, dir := range dirs {
		if ok, _ := p.fs.Exists(ctx, dir); !ok {
			continue
		}
		if err := p.fs.Remove(ctx, dir); err != nil {
			p.logger.Debug().Err(err).Str("dir", dir).Msg("Left probe directory in place")
			return
		}
	}
}

// testRouting registers a temporary route and fetches it.
func (p *Prober) testRouting(ctx context.Context, tmp string, report *engine.CapabilityReport, family *engine.ServerFamily) {
	if p.routes == nil {
		report.RoutingErrors = append(report.RoutingErrors, "no routing table configured")
		return
	}

	token := uuid.New().String()
	route := engine.Route{
		Descriptor: &engine.EndpointDescriptor{
			Path:        tmp,
			Kind:        engine.KindStaticManifest,
			ContentType: "text/plain; charset=utf-8",
			Generator: func(context.Context) (string, error) {
				return token, nil
			},
		},
		Temporary:    true,
		RegisteredAt: time.Now().UTC(),
	}
	if err := p.routes.Add(route); err != nil {
		report.RoutingErrors = append(report.RoutingErrors, fmt.Sprintf("register temporary route: %v", err))
		return
	}
	p.routes.Flush()
	defer func() {
		p.routes.Remove(tmp)
		p.routes.Flush()
	}()

	resp, body, err := p.get(ctx, tmp)
	if err != nil {
		report.RoutingErrors = append(report.RoutingErrors, err.Error())
		return
	}
	detectFamily(resp.Header, family)

	switch {
	case resp.StatusCode != http.StatusOK:
		report.RoutingErrors = append(report.RoutingErrors, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	case body != token:
		report.RoutingErrors = append(report.RoutingErrors, "response body did not match the probe token")
	default:
		report.SupportsApplicationRouting = true
	}
}

// IsRouteActive issues a single GET against the real path and reports a 200.
// It never writes files or registers routes.
func (p *Prober) IsRouteActive(ctx context.Context, target string) bool {
	resp, _, err := p.get(ctx, engine.NormalizePath(target))
	if err != nil {
		p.logger.Debug().Err(err).Str("path", target).Msg("Route check failed")
		return false
	}
	return resp.StatusCode == http.StatusOK
}

func (p *Prober) get(ctx context.Context, reqPath string) (*http.Response, string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	u := *p.baseURL
	u.Path = strings.TrimRight(p.baseURL.Path, "/") + reqPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", "aiready-probe/1")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("GET %s: %w", reqPath, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", reqPath, err)
	}
	return resp, strings.TrimSpace(string(body)), nil
}

func (p *Prober) familyFromFilesystem(ctx context.Context) engine.ServerFamily {
	if p.fs == nil {
		return engine.ServerUnknown
	}
	if ok, _ := p.fs.Exists(ctx, ".htaccess"); ok {
		return engine.ServerApache
	}
	if ok, _ := p.fs.Exists(ctx, "web.config"); ok {
		return engine.ServerIIS
	}
	return engine.ServerUnknown
}

// TempPath derives a probe path from target by inserting a marker and suffix
// before the extension.
func TempPath(target, suffix string) string {
	target = engine.NormalizePath(target)
	dir, base := path.Split(target)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return dir + stem + "-aiready-probe-" + suffix + ext
}

// IsLocalHost reports whether host is a development or private address where
// TLS certificates are typically self-signed.
func IsLocalHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" {
		return true
	}
	for _, suffix := range []string{".localhost", ".local", ".test"} {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
