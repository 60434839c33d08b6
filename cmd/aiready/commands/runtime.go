package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/kismet-tech/aiready/pkg/config"
	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/filesafety"
	"github.com/kismet-tech/aiready/pkg/fsys"
	"github.com/kismet-tech/aiready/pkg/orchestrator"
	"github.com/kismet-tech/aiready/pkg/policy"
	"github.com/kismet-tech/aiready/pkg/probe"
	"github.com/kismet-tech/aiready/pkg/router"
	"github.com/kismet-tech/aiready/pkg/stores"
	"github.com/kismet-tech/aiready/pkg/strategy"
	"github.com/kismet-tech/aiready/pkg/telemetry"
	"github.com/kismet-tech/aiready/pkg/transports/ssh"
)

// runtime is every component of a running instance, wired from one config.
type runtime struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger

	store    stores.Store
	root     engine.FileSystem
	files    *filesafety.Manager
	routes   *router.Table
	prober   *probe.Prober
	policies *policy.Engine
	orch     *orchestrator.Orchestrator
	proxy    http.Handler

	closers []func() error
}

// newRuntime wires the components and restores persisted endpoint state.
// Nothing is probed or written until a registration runs.
func newRuntime(ctx context.Context, cfg *config.Config, version string) (_ *runtime, err error) {
	tel, err := telemetry.NewTelemetry(cfg.Telemetry.Telemetry(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialise telemetry: %w", err)
	}
	rt := &runtime{
		cfg:       cfg,
		telemetry: tel,
		logger:    tel.Logger,
	}
	rt.closers = append(rt.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(shutdownCtx)
	})
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if rt.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.store.Close)

	if rt.root, err = rt.openDocumentRoot(ctx); err != nil {
		return nil, err
	}

	metrics := tel.Metrics
	rt.files = filesafety.NewManager(rt.root, rt.store,
		filesafety.WithLogger(rt.logger),
		filesafety.WithRecorder(metrics),
	)
	rt.routes = router.NewTable(
		router.WithFileSystem(rt.root),
		router.WithRecorder(metrics),
		router.WithLogger(rt.logger),
	)

	rt.prober, err = probe.NewProber(cfg.Probe.BaseURL, rt.root, rt.routes,
		probe.WithTimeout(cfg.Probe.TimeoutDuration()),
		probe.WithInsecureTLS(cfg.Probe.InsecureTLS),
		probe.WithLogger(rt.logger),
		probe.WithRecorder(metrics),
		probe.WithTracer(tel.Tracer),
	)
	if err != nil {
		return nil, err
	}

	executor := strategy.NewExecutor(rt.files, rt.routes, rt.store,
		strategy.WithOverwritePolicy(cfg.Strategy.Policy()),
		strategy.WithRecorder(metrics),
		strategy.WithTracer(tel.Tracer),
		strategy.WithLogger(rt.logger),
	)

	if rt.policies, err = rt.loadPolicies(ctx); err != nil {
		return nil, err
	}

	rt.orch, err = orchestrator.New(orchestrator.Dependencies{
		Prober:   rt.prober,
		Executor: executor,
		Files:    rt.files,
		Routes:   rt.routes,
		Store:    rt.store,
	},
		orchestrator.WithAdmitter(rt.policies),
		orchestrator.WithPreferences(cfg.Strategy.Preferences()),
		orchestrator.WithRecorder(metrics),
		orchestrator.WithTracer(tel.Tracer),
		orchestrator.WithLogger(rt.logger),
		orchestrator.WithParallelism(cfg.Strategy.Parallelism),
	)
	if err != nil {
		return nil, err
	}

	if rt.proxy, err = newProxy(cfg.Proxy.Upstream, rt.logger); err != nil {
		return nil, err
	}

	descs, err := rt.descriptors()
	if err != nil {
		return nil, err
	}
	if err := rt.orch.Restore(ctx, descs); err != nil {
		return nil, fmt.Errorf("failed to restore endpoint state: %w", err)
	}
	return rt, nil
}

// descriptors builds the endpoint set of the current configuration.
func (rt *runtime) descriptors() ([]*engine.EndpointDescriptor, error) {
	return rt.cfg.Descriptors(rt.proxy)
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (stores.Store, error) {
	if cfg.Driver == "memory" {
		return stores.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func (rt *runtime) openDocumentRoot(ctx context.Context) (engine.FileSystem, error) {
	dr := rt.cfg.DocumentRoot
	if dr.Type != "sftp" {
		return fsys.NewLocal(dr.Path)
	}

	sc := ssh.DefaultConfig(dr.SFTP.Host, dr.SFTP.User)
	if dr.SFTP.Port != 0 {
		sc.Port = dr.SFTP.Port
	}
	sc.Root = dr.Path
	sc.Password = dr.SFTP.Password
	sc.KeyPath = dr.SFTP.PrivateKeyPath
	sc.Passphrase = dr.SFTP.Passphrase
	if dr.SFTP.KnownHostsPath != "" {
		sc.KnownHosts = dr.SFTP.KnownHostsPath
	}
	if d, err := time.ParseDuration(dr.SFTP.Timeout); err == nil && d > 0 {
		sc.Timeout = d
	}

	client, err := ssh.Dial(ctx, sc, rt.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect document root: %w", err)
	}
	rt.closers = append(rt.closers, client.Close)
	return client.FileSystem(), nil
}

// loadPolicies enables the configured built-ins and loads policy files.
func (rt *runtime) loadPolicies(ctx context.Context) (*policy.Engine, error) {
	pe, err := policy.NewEngine(rt.logger)
	if err != nil {
		return nil, err
	}
	for _, name := range rt.cfg.Policies.Builtin {
		if err := pe.EnablePolicy(name); err != nil {
			return nil, err
		}
	}
	if len(rt.cfg.Policies.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, rt.cfg.Policies.Paths); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// newProxy forwards chat requests to upstream, or returns nil when no
// upstream is configured.
func newProxy(upstream string, logger zerolog.Logger) (http.Handler, error) {
	if upstream == "" {
		return nil, nil
	}
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy upstream: %w", err)
	}
	logger = telemetry.Component(logger, "proxy")
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.Out.URL.Path = target.Path
			r.Out.URL.RawPath = target.RawPath
			r.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn().Err(err).Str("upstream", target.Host).Msg("Proxy request failed")
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}, nil
}
