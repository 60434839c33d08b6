package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/kismet-tech/aiready/pkg/config"
	"github.com/kismet-tech/aiready/pkg/wellknown"
)

// starterConfig is the file written by init. Only the fields an operator
// must decide are set; everything else takes its default.
type starterConfig struct {
	Site         wellknown.Site            `yaml:"site"`
	DocumentRoot config.DocumentRootConfig `yaml:"document_root"`
	Strategy     starterStrategy           `yaml:"strategy"`
	Store        config.StoreConfig        `yaml:"store"`
}

type starterStrategy struct {
	OverwritePolicy string `yaml:"overwrite_policy"`
}

func newInitCommand() *cobra.Command {
	var (
		siteName string
		siteURL  string
		docRoot  string
		force    bool
		keyPath  string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration",
		Long: `Initialize writes a starter configuration file and creates the state
database next to the user data directory.

With --ssh-key an ed25519 deploy key is generated for hosts whose document
root is reached over SFTP; add the printed public key to the host's
authorized_keys and set document_root.sftp.private_key to the key path.`,
		Example: `  # Local document root
  aiready init --name "Example" --url https://example.com --root /var/www/html

  # Generate a deploy key for an SFTP host
  aiready init --name "Example" --url https://example.com --root /htdocs --ssh-key ~/.config/aiready/deploy_ed25519`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			log.Info().Str("config", path).Msg("Initializing configuration")

			if ext := filepath.Ext(path); ext != ".yaml" && ext != ".yml" {
				return fmt.Errorf("init writes YAML; choose a .yaml path instead of %s", path)
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			root, err := filepath.Abs(docRoot)
			if err != nil {
				return fmt.Errorf("failed to resolve document root: %w", err)
			}
			starter := starterConfig{
				Site: wellknown.Site{
					Name:        siteName,
					URL:         siteURL,
					Description: siteName,
				},
				DocumentRoot: config.DocumentRootConfig{Type: "local", Path: root},
				Strategy:     starterStrategy{OverwritePolicy: "content_analysis"},
				Store:        config.StoreConfig{Driver: "sqlite", Path: config.DefaultStatePath()},
			}
			data, err := yaml.Marshal(starter)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			// Refuse to write a file the loader would reject.
			if _, err := config.Parse(data, path); err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := os.WriteFile(path, data, 0600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Printf("Created config file: %s\n", path)

			store, err := openStore(cmd.Context(), starter.Store)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Printf("Initialized state database: %s\n", starter.Store.Path)

			if keyPath != "" {
				pub, err := generateDeployKey(keyPath)
				if err != nil {
					return err
				}
				fmt.Printf("Generated deploy key: %s\n  %s", keyPath, pub)
			}

			fmt.Printf("\nNext steps:\n")
			fmt.Printf("  1. Review %s\n", path)
			fmt.Printf("  2. aiready validate --render\n")
			fmt.Printf("  3. aiready register\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&siteName, "name", "", "site name")
	cmd.Flags().StringVar(&siteURL, "url", "", "public site URL")
	cmd.Flags().StringVar(&docRoot, "root", ".", "document root directory")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	cmd.Flags().StringVar(&keyPath, "ssh-key", "", "generate an ed25519 deploy key at this path")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}

// generateDeployKey writes an OpenSSH ed25519 key pair and returns the
// authorized_keys line. An existing key is kept.
func generateDeployKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path + ".pub"); err == nil {
		return data, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	block, err := sshpkg.MarshalPrivateKey(privKey, "aiready deploy key")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPub, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	authorized := sshpkg.MarshalAuthorizedKey(sshPub)
	if err := os.WriteFile(path+".pub", authorized, 0644); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}
	return authorized, nil
}
