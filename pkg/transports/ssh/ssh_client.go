package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Client holds an SSH connection and the SFTP session riding on it.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.RWMutex
	ssh         *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
	lastUsedAt  time.Time
	done        chan struct{}
}

// Dial connects to the configured host and opens an SFTP session. The
// context bounds the dial and the handshake.
func Dial(ctx context.Context, config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sftp config: %w", err)
	}
	clientConfig, err := config.clientConfig()
	if err != nil {
		return nil, &ConnError{Stage: StageAuth, Err: err}
	}

	address := config.Address()
	logger = logger.With().Str("component", "sftp").Str("host", address).Logger()

	dialer := &net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &ConnError{Stage: StageDial, Err: err}
	}

	deadline := time.Now().Add(config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, &ConnError{Stage: handshakeStage(err), Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(ncc, chans, reqs)
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, &ConnError{Stage: StageSFTP, Err: err}
	}

	now := time.Now()
	c := &Client{
		config:      config,
		logger:      logger,
		ssh:         sshClient,
		sftp:        sftpClient,
		connectedAt: now,
		lastUsedAt:  now,
		done:        make(chan struct{}),
	}
	if config.KeepAlive > 0 {
		go c.keepAlive()
	}

	logger.Info().Str("root", config.Root).Msg("SFTP document root connected")
	return c, nil
}

// handshakeStage separates rejected credentials and host keys from
// network trouble during the handshake.
func handshakeStage(err error) Stage {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) || strings.Contains(err.Error(), "unable to authenticate") {
		return StageAuth
	}
	return StageHandshake
}

// FileSystem returns the document root served over this connection.
func (c *Client) FileSystem() *FileSystem {
	fs := NewFileSystem(c.sftp, c.config.Root)
	fs.touch = c.touch
	return fs
}

// ConnectedAt reports when the connection was established.
func (c *Client) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// LastActivity reports the last successful file operation or keep-alive.
func (c *Client) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUsedAt
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastUsedAt = time.Now()
	c.mu.Unlock()
}

// Close ends the SFTP session and the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ssh == nil {
		return nil
	}
	close(c.done)

	_ = c.sftp.Close()
	err := c.ssh.Close()
	c.ssh = nil
	c.sftp = nil
	if err != nil {
		return &ConnError{Stage: StageClose, Err: err}
	}
	c.logger.Debug().Msg("SFTP document root disconnected")
	return nil
}

// keepAlive pings the server until Close. After keepAliveMisses
// consecutive failures it stops and leaves the dead connection to surface
// on the next file operation.
func (c *Client) keepAlive() {
	ticker := time.NewTicker(c.config.KeepAlive)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.mu.RLock()
		conn := c.ssh
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			misses++
			c.logger.Warn().Err(err).Int("misses", misses).Msg("Keepalive unanswered")
			if misses >= keepAliveMisses {
				c.logger.Error().Msg("SFTP connection presumed dead")
				return
			}
			continue
		}
		misses = 0
		c.touch()
	}
}
