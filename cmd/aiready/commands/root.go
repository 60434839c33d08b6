package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kismet-tech/aiready/pkg/config"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "aiready",
		Short: "aiready - publish AI discovery documents on any host",
		Long: `aiready publishes ai-plugin.json, mcp.json, robots.txt, llms.txt and a chat
proxy endpoint for a website, whatever the hosting environment allows.

It probes the host for what it supports (serving files from the document
root, routing through the application, server configuration includes) and
falls back from one publishing strategy to the next until one works. Files
it did not write are never overwritten without a backup, an analysis or the
operator's consent.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newRegisterCommand(version))
	rootCmd.AddCommand(newDeactivateCommand(version))
	rootCmd.AddCommand(newRefreshCommand(version))
	rootCmd.AddCommand(newStatusCommand(version))
	rootCmd.AddCommand(newDiagnosticsCommand(version))
	rootCmd.AddCommand(newConflictsCommand(version))
	rootCmd.AddCommand(newBackupsCommand(version))
	rootCmd.AddCommand(newSuggestionsCommand(version))

	return rootCmd
}

// resolveConfigPath returns the --config flag or the per-user default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("config", cfg.Path()).Msg("Configuration loaded")
	return cfg, nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
