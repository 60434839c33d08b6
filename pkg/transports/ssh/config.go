package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config describes how to reach a remote document root. Password
// authentication is used when Password is set, otherwise the private key.
type Config struct {
	Host string
	Port int
	User string

	// Root is the absolute path of the document root on the remote host.
	Root string

	Password   string
	KeyPath    string
	Passphrase string

	// KnownHosts is checked unless InsecureHostKey is set.
	KnownHosts      string
	InsecureHostKey bool

	// Timeout bounds the TCP dial and the SSH handshake together.
	Timeout time.Duration

	// KeepAlive is the interval between keepalive requests; 0 disables
	// them. The connection is considered dead after keepAliveMisses
	// unanswered requests.
	KeepAlive time.Duration
}

const keepAliveMisses = 3

// defaultKeys are tried in order when no key path is configured.
var defaultKeys = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// DefaultConfig returns a config for user@host on port 22 that checks the
// user's known_hosts file.
func DefaultConfig(host, user string) *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Host:       host,
		Port:       22,
		User:       user,
		KnownHosts: filepath.Join(home, ".ssh", "known_hosts"),
		Timeout:    30 * time.Second,
		KeepAlive:  30 * time.Second,
	}
}

// Validate reports every problem with c at once. With neither a password
// nor a key path it falls back to the first default key found in ~/.ssh.
func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d is out of range", c.Port))
	}
	if c.User == "" {
		errs = append(errs, errors.New("user is required"))
	}
	if !path.IsAbs(c.Root) {
		errs = append(errs, fmt.Errorf("document root %q must be an absolute remote path", c.Root))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}

	if c.Password == "" {
		if c.KeyPath == "" {
			c.KeyPath = findDefaultKey()
		}
		if c.KeyPath == "" {
			errs = append(errs, errors.New("no password, private key or default key in ~/.ssh"))
		} else if _, err := os.Stat(c.KeyPath); err != nil {
			errs = append(errs, fmt.Errorf("private key: %w", err))
		}
	}
	return errors.Join(errs...)
}

func findDefaultKey() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range defaultKeys {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// clientConfig builds the handshake settings. Errors are authentication
// setup failures: an unreadable key or known_hosts file.
func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if !c.InsecureHostKey {
		if hostKey, err = knownhosts.New(c.KnownHosts); err != nil {
			return nil, fmt.Errorf("known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.Timeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	if c.Password != "" {
		// Shared hosts often only offer keyboard-interactive; answer every
		// prompt with the password.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil
	}

	pemBytes, err := os.ReadFile(c.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	var signer ssh.Signer
	if c.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(c.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pemBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", c.KeyPath, err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

// Address is host:port, bracketing IPv6 hosts.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
