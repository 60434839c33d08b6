package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kismet-tech/aiready/pkg/config"
	"github.com/kismet-tech/aiready/pkg/policy"
)

// renderTimeout bounds rendering one document during validation.
const renderTimeout = 10 * time.Second

func newValidateCommand() *cobra.Command {
	var render bool

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file without touching the host.

This command checks:
  - YAML or CUE syntax, and the CUE schema for .cue files
  - Field constraints and cross-field rules
  - That every policy file compiles
  - With --render, that every endpoint body renders`,
		Example: `  # Validate the default configuration
  aiready validate

  # Validate a CUE file and render every document
  aiready validate ./aiready.cue --render`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			if len(args) > 0 {
				path = args[0]
			}
			problems, err := validateConfig(cmd.Context(), path, render)
			if jsonOutput {
				if perr := printJSON(problems); perr != nil {
					return perr
				}
			} else {
				for _, p := range problems {
					fmt.Println(p.String())
				}
			}
			if err != nil {
				return err
			}
			if len(problems) > 0 {
				return fmt.Errorf("%d problems found", len(problems))
			}
			if !jsonOutput {
				fmt.Printf("%s is valid\n", path)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&render, "render", false, "render every endpoint body")
	return cmd
}

// validateConfig returns the problems found in the configuration at path.
// The error is non-nil only when validation itself could not run.
func validateConfig(ctx context.Context, path string, render bool) ([]config.ValidationError, error) {
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if problems := config.NewCUEParser().Validate(data, path); len(problems) > 0 {
			return problems, nil
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		var le *config.LoadError
		if errors.As(err, &le) {
			return le.Errors, nil
		}
		return nil, err
	}

	var problems []config.ValidationError
	if len(cfg.Policies.Paths) > 0 {
		pe, err := policy.NewEngine(log.Logger)
		if err != nil {
			return nil, err
		}
		if err := pe.LoadPolicies(ctx, cfg.Policies.Paths); err != nil {
			problems = append(problems, config.ValidationError{
				File:     cfg.Path(),
				Path:     "policies.paths",
				Message:  err.Error(),
				Severity: "error",
			})
		}
	}

	var proxy http.Handler
	if cfg.Proxy.Upstream != "" {
		proxy = http.NotFoundHandler()
	}
	descs, err := cfg.Descriptors(proxy)
	if err != nil {
		problems = append(problems, config.ValidationError{
			File:     cfg.Path(),
			Path:     "endpoints",
			Message:  err.Error(),
			Severity: "error",
		})
		return problems, nil
	}
	if !render {
		return problems, nil
	}
	for _, d := range descs {
		if d.Generator == nil {
			continue
		}
		rctx, cancel := context.WithTimeout(ctx, renderTimeout)
		_, err := d.Generate(rctx)
		cancel()
		if err != nil {
			problems = append(problems, config.ValidationError{
				File:     cfg.Path(),
				Path:     d.Key(),
				Message:  err.Error(),
				Severity: "error",
			})
		}
	}
	return problems, nil
}
