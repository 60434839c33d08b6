package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kismet-tech/aiready/pkg/api"
	"github.com/kismet-tech/aiready/pkg/config"
	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/orchestrator"
	"github.com/kismet-tech/aiready/pkg/policy"
	"github.com/kismet-tech/aiready/pkg/telemetry"
)

const shutdownTimeout = 15 * time.Second

// served is the configuration currently applied and the proxy built for it.
type served struct {
	cfg   *config.Config
	proxy http.Handler
}

func newServeCommand(version string) *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Register all endpoints and serve routed ones",
		Long: `Serve registers every configured endpoint, then answers requests for the
endpoints published through application routing. When admin_listen is set the
admin API is served on that address. Configuration and policy files are
watched and changes are applied without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), version, !noWatch)
		},
	}

	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload configuration or policies on change")
	return cmd
}

func runServe(ctx context.Context, version string, watch bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer rt.Close()

	logger := telemetry.Component(rt.logger, "serve")

	var current atomic.Pointer[served]
	current.Store(&served{cfg: cfg, proxy: rt.proxy})

	descs, err := rt.descriptors()
	if err != nil {
		return err
	}
	registerAll(ctx, rt.orch, descs, logger)

	if watch {
		watcher, err := config.NewWatcher(cfg.Path(), rt.logger)
		if err != nil {
			return err
		}
		defer watcher.Close()
		err = watcher.Watch(ctx, func(ctx context.Context, next *config.Config) error {
			proxy, err := applyConfig(ctx, rt.orch, current.Load().cfg, next, logger)
			if err != nil {
				return err
			}
			current.Store(&served{cfg: next, proxy: proxy})
			return nil
		})
		if err != nil {
			return err
		}

		if cfg.Policies.Watch && len(cfg.Policies.Paths) > 0 {
			loader := policy.NewLoader(rt.logger)
			defer loader.StopWatching()
			err := loader.Watch(ctx, cfg.Policies.Paths, func(ctx context.Context, policies []policy.Policy) error {
				return rt.policies.ReplaceLoaded(ctx, policies)
			})
			if err != nil {
				return err
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	public := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           rt.orch,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error { return listen(public, "public", logger) })
	g.Go(func() error { return shutdownOnDone(gctx, public) })

	if cfg.Server.AdminListen != "" {
		opts := []api.Option{
			api.WithLogger(rt.logger),
			api.WithToken(cfg.Server.AdminToken),
			api.WithDescriptorSource(func() ([]*engine.EndpointDescriptor, error) {
				s := current.Load()
				return s.cfg.Descriptors(s.proxy)
			}),
		}
		if !cfg.Telemetry.DisableMetrics {
			opts = append(opts, api.WithMetrics(rt.telemetry.Metrics.Path(), rt.telemetry.Metrics.Handler()))
		}
		admin := &http.Server{
			Addr:              cfg.Server.AdminListen,
			Handler:           api.NewServer(rt.orch, rt.files, rt.store, opts...).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error { return listen(admin, "admin", logger) })
		g.Go(func() error { return shutdownOnDone(gctx, admin) })
	}

	err = g.Wait()
	logger.Info().Msg("Stopped")
	return err
}

// registerAll registers every descriptor, logging failures instead of
// stopping at the first one.
func registerAll(ctx context.Context, orch *orchestrator.Orchestrator, descs []*engine.EndpointDescriptor, logger zerolog.Logger) []*orchestrator.RegistrationResult {
	results := make([]*orchestrator.RegistrationResult, 0, len(descs))
	for _, d := range descs {
		res, err := orch.Register(ctx, d)
		if err != nil {
			logger.Error().Err(err).Str("endpoint", d.Key()).Msg("Registration failed")
			continue
		}
		results = append(results, res)
		switch {
		case res.Unchanged:
			logger.Debug().Str("endpoint", d.Key()).Msg("Endpoint unchanged")
		case res.Success():
			logger.Info().Str("endpoint", d.Key()).Str("strategy", string(res.Record.StrategyID)).Msg("Endpoint registered")
		default:
			logger.Warn().Str("endpoint", d.Key()).Str("error", res.Record.LastError).Msg("No strategy succeeded")
		}
	}
	return results
}

// applyConfig registers the endpoints of next and deactivates the ones it
// dropped. It returns the proxy handler built for next.
func applyConfig(ctx context.Context, orch *orchestrator.Orchestrator, prev, next *config.Config, logger zerolog.Logger) (http.Handler, error) {
	if prev.Server != next.Server {
		logger.Warn().Msg("Listen addresses changed; restart to apply")
	}
	proxy, err := newProxy(next.Proxy.Upstream, logger)
	if err != nil {
		return nil, err
	}
	descs, err := next.Descriptors(proxy)
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool, len(descs))
	for _, d := range descs {
		keep[d.Key()] = true
	}
	for _, d := range orch.Descriptors() {
		if keep[d.Key()] {
			continue
		}
		res, err := orch.Deactivate(ctx, d.Key())
		if err != nil {
			logger.Error().Err(err).Str("endpoint", d.Key()).Msg("Deactivation failed")
			continue
		}
		for _, w := range res.Warnings {
			logger.Warn().Str("endpoint", d.Key()).Msg(w)
		}
		logger.Info().Str("endpoint", d.Key()).Msg("Endpoint removed from configuration")
	}

	registerAll(ctx, orch, descs, logger)
	return proxy, nil
}

func listen(srv *http.Server, name string, logger zerolog.Logger) error {
	logger.Info().Str("listener", name).Str("addr", srv.Addr).Msg("Listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s listener: %w", name, err)
	}
	return nil
}

func shutdownOnDone(ctx context.Context, srv *http.Server) error {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
