package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/filesafety"
)

func newConflictsCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Review files aiready refused to overwrite",
		Long: `When a document would replace a file aiready did not write and the overwrite
policy defers to the operator, the proposed content is parked as a conflict.
Accepting a conflict backs up the existing file and writes the proposal;
rejecting it keeps the existing file.`,
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), version, func(ctx context.Context, rt *runtime) error {
				st := engine.ConflictStatus(status)
				if status == "all" {
					st = ""
				}
				conflicts, err := rt.files.ListConflicts(ctx, st)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(conflicts)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPATH\tSTATUS\tCREATED\tREASON")
				for _, c := range conflicts {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Path, c.Status, c.CreatedAt.Local().Format(time.DateTime), c.Reason)
				}
				return w.Flush()
			})
		},
	}
	list.Flags().StringVar(&status, "status", string(engine.ConflictPending), "pending, resolved, dismissed or all")

	var accept, reject bool
	resolve := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Accept or reject a conflict",
		Example: `  aiready conflicts resolve 5f0c... --accept
  aiready conflicts resolve 5f0c... --reject`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if accept == reject {
				return errors.New("exactly one of --accept or --reject is required")
			}
			return withRuntime(cmd.Context(), version, func(ctx context.Context, rt *runtime) error {
				return printFileResult(rt.files.ResolveConflict(ctx, args[0], accept))
			})
		},
	}
	resolve.Flags().BoolVar(&accept, "accept", false, "write the proposed content")
	resolve.Flags().BoolVar(&reject, "reject", false, "keep the existing file")

	cmd.AddCommand(list, resolve)
	return cmd
}

func newBackupsCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List and restore file backups",
	}

	var path string
	list := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), version, func(ctx context.Context, rt *runtime) error {
				backups, err := rt.files.ListBackups(ctx, path)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(backups)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPATH\tBACKUP\tCREATED")
				for _, b := range backups {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.ID, b.Path, b.BackupPath, b.CreatedAt.Local().Format(time.DateTime))
				}
				return w.Flush()
			})
		},
	}
	list.Flags().StringVar(&path, "path", "", "only backups of this file")

	restore := &cobra.Command{
		Use:   "restore <id>",
		Short: "Put a backed up file back in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), version, func(ctx context.Context, rt *runtime) error {
				return printFileResult(rt.files.Restore(ctx, args[0]))
			})
		},
	}

	cmd.AddCommand(list, restore)
	return cmd
}

func newSuggestionsCommand(version string) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "suggestions",
		Short: "Show server configuration snippets to apply by hand",
		Long: `When the host can only publish an endpoint through its server configuration
and aiready may not edit it, the snippet to add is recorded as a suggestion.
Suggestions are removed when the endpoint is deactivated or published another
way.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), version, func(ctx context.Context, rt *runtime) error {
				key := path
				if key != "" {
					key = engine.NormalizePath(key)
				}
				suggestions, err := rt.store.ListSuggestions(ctx, key)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(suggestions)
				}
				if len(suggestions) == 0 {
					fmt.Println("No suggestions.")
					return nil
				}
				for _, s := range suggestions {
					fmt.Printf("%s: add to %s (%s)\n%s\n\n", s.EndpointKey, s.Target, s.ServerFamily, indent(s.Snippet))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "only suggestions for this endpoint")
	return cmd
}

func printFileResult(res *filesafety.Result) error {
	if jsonOutput {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		fmt.Printf("%s: %s\n", res.Path, res.Action)
		for _, w := range res.Warnings {
			fmt.Printf("  warning: %s\n", w)
		}
	}
	if res.Success {
		return nil
	}
	if res.Err != nil {
		return res.Err
	}
	return fmt.Errorf("%s: %s", res.Path, res.Action)
}
