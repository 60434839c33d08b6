package commands

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/orchestrator"
)

// withRuntime loads the configuration, wires a runtime and runs fn with it.
func withRuntime(ctx context.Context, version string, fn func(context.Context, *runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to release resources")
		}
	}()
	return fn(ctx, rt)
}

func newRegisterCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "register [path...]",
		Short: "Register endpoints",
		Long: `Register publishes endpoints from the configuration.

For each endpoint this command:
  - Probes the host for what it can serve (cached between runs)
  - Orders the strategies the host supports
  - Drops the ones policy forbids
  - Tries them in turn, rolling back each failure
  - Records the outcome for status and diagnostics

With no arguments every configured endpoint is registered. An endpoint that
is already published as configured is left alone.`,
		Example: `  # Register everything in the configuration
  aiready register

  # Register only robots.txt and llms.txt
  aiready register /robots.txt /llms.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), version, func(ctx context.Context, rt *runtime) error {
				descs, err := rt.descriptors()
				if err != nil {
					return err
				}
				if len(args) > 0 {
					if descs, err = selectDescriptors(descs, args); err != nil {
						return err
					}
				}
				results := registerAll(ctx, rt.orch, descs, rt.logger)
				if err := printResults(results); err != nil {
					return err
				}
				return failedCount(results, len(descs))
			})
		},
	}
}

func newDeactivateCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <path>",
		Short: "Remove a published endpoint",
		Long: `Deactivate removes everything the winning strategy produced for an endpoint:
files it wrote, managed sections it added, routes and configuration
suggestions. Files that existed before aiready touched them are restored from
their backups.`,
		Example: `  aiready deactivate /.well-known/ai-plugin.json`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), version, func(ctx context.Context, rt *runtime) error {
				res, err := rt.orch.Deactivate(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(res)
				}
				fmt.Printf("Deactivated %s (%d artifacts removed)\n", res.Key, len(res.Removed))
				for _, w := range res.Warnings {
					fmt.Printf("  warning: %s\n", w)
				}
				return nil
			})
		},
	}
}

func newRefreshCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Re-probe the host and re-register every endpoint",
		Long: `Refresh discards the cached capability report, probes the host again and
re-registers every known endpoint against the new report. Use it after a
server or hosting change.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), version, func(ctx context.Context, rt *runtime) error {
				results, err := rt.orch.Refresh(ctx)
				if perr := printResults(results); perr != nil {
					return perr
				}
				if err != nil {
					return err
				}
				return failedCount(results, len(results))
			})
		},
	}
}

func newStatusCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "status [path]",
		Short: "Show endpoint state",
		Example: `  # All endpoints
  aiready status

  # One endpoint as JSON
  aiready status /llms.txt --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), version, func(ctx context.Context, rt *runtime) error {
				var list []*orchestrator.EndpointStatus
				if len(args) == 1 {
					st, err := rt.orch.Status(ctx, args[0])
					if err != nil {
						return err
					}
					list = []*orchestrator.EndpointStatus{st}
				} else {
					var err error
					if list, err = rt.orch.List(ctx); err != nil {
						return err
					}
				}
				if jsonOutput {
					return printJSON(list)
				}
				printStatuses(list)
				return nil
			})
		},
	}
}

func newDiagnosticsCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics <path>",
		Short: "Show everything known about an endpoint",
		Long: `Diagnostics prints the endpoint state, the capability report it was
registered against, the strategy attempt history, lifecycle events, pending
configuration suggestions and file conflicts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), version, func(ctx context.Context, rt *runtime) error {
				d, err := rt.orch.Diagnostics(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(d)
				}
				printDiagnostics(d)
				return nil
			})
		},
	}
}

// selectDescriptors returns the descriptors named by paths, in that order.
func selectDescriptors(descs []*engine.EndpointDescriptor, paths []string) ([]*engine.EndpointDescriptor, error) {
	byKey := make(map[string]*engine.EndpointDescriptor, len(descs))
	for _, d := range descs {
		byKey[d.Key()] = d
	}
	selected := make([]*engine.EndpointDescriptor, 0, len(paths))
	for _, p := range paths {
		d, ok := byKey[engine.NormalizePath(p)]
		if !ok {
			return nil, engine.NewNotFoundError("endpoint", p)
		}
		selected = append(selected, d)
	}
	return selected, nil
}

func failedCount(results []*orchestrator.RegistrationResult, total int) error {
	ok := 0
	for _, r := range results {
		if r.Success() {
			ok++
		}
	}
	if ok < total {
		return fmt.Errorf("%d of %d endpoints not published", total-ok, total)
	}
	return nil
}

func printResults(results []*orchestrator.RegistrationResult) error {
	if jsonOutput {
		return printJSON(results)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT\tSTATE\tSTRATEGY\tNOTE")
	for _, r := range results {
		if r.Record == nil {
			continue
		}
		note := r.Record.LastError
		if r.Unchanged {
			note = "unchanged"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Record.EndpointKey, r.Record.State, orDash(string(r.Record.StrategyID)), note)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for _, r := range results {
		for _, warn := range r.Warnings {
			fmt.Printf("warning: %s\n", warn)
		}
	}
	return nil
}

func printStatuses(list []*orchestrator.EndpointStatus) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT\tKIND\tSTATE\tSTRATEGY\tUPDATED")
	for _, st := range list {
		strategy, updated := "-", "-"
		if st.Record != nil {
			strategy = orDash(string(st.Record.StrategyID))
			updated = st.Record.Timestamp.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", st.Key, orDash(string(st.Kind)), st.State, strategy, updated)
	}
	w.Flush()
}

func printDiagnostics(d *orchestrator.Diagnostics) {
	printStatuses([]*orchestrator.EndpointStatus{d.Status})

	if r := d.Report; r != nil {
		fmt.Printf("\nCapabilities (probed %s):\n", r.ProbedAt.Local().Format(time.DateTime))
		fmt.Printf("  direct file serving: %v\n", r.SupportsDirectFileServe)
		fmt.Printf("  application routing: %v\n", r.SupportsApplicationRouting)
		fmt.Printf("  server config:       %v\n", r.SupportsAuxiliaryServerConfig)
		fmt.Printf("  writable root:       %v\n", r.CanWriteFilesystem)
		fmt.Printf("  server family:       %s\n", r.ServerFamily)
		for _, e := range slices.Concat(r.DirectErrors, r.RoutingErrors) {
			fmt.Printf("  probe error:         %s\n", e)
		}
	}

	if len(d.History) > 0 {
		fmt.Println("\nAttempts:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, h := range d.History {
			outcome := "ok"
			if !h.Success {
				outcome = "failed"
				if h.RolledBack {
					outcome = "rolled back"
				}
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", h.Timestamp.Local().Format(time.DateTime), h.StrategyID, outcome, h.Error)
		}
		w.Flush()
	}

	if len(d.Events) > 0 {
		fmt.Println("\nEvents:")
		for _, e := range d.Events {
			fmt.Printf("  %s  %s -> %s  %s\n", e.Timestamp.Local().Format(time.DateTime), e.From, e.To, e.Message)
		}
	}

	for _, s := range d.Suggestions {
		fmt.Printf("\nAdd to %s (%s):\n%s\n", s.Target, s.ServerFamily, indent(s.Snippet))
	}

	for _, c := range d.Conflicts {
		fmt.Printf("\nConflict %s on %s: %s\n", c.ID, c.Path, c.Status)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func indent(s string) string {
	return "    " + strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n    ")
}
