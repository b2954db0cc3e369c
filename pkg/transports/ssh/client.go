package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client holds one SSH connection, optionally through a jump host.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	connectedAt time.Time
	lastUsedAt  time.Time
	stopKeep    chan struct{}
}

// NewClient creates a new SSH client. It does not connect.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes the SSH connection if it is not already up.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if err := healthCheck(c.client); err == nil {
			return nil
		}
		c.logger.Warn().Msg("Existing connection is dead, reconnecting")
		c.closeLocked()
	}

	targetConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	var conn net.Conn
	if proxyCfg := c.config.ProxyConfig(); proxyCfg != nil {
		proxyClientConfig, err := proxyCfg.BuildSSHClientConfig()
		if err != nil {
			return &TransportError{Op: "connect-proxy", Err: err, IsAuthError: true}
		}
		proxy, err := dial(ctx, proxyCfg.Address(), proxyClientConfig)
		if err != nil {
			return &TransportError{Op: "connect-proxy", Err: err, IsTemporary: true}
		}
		conn, err = proxy.DialContext(ctx, "tcp", c.config.Address())
		if err != nil {
			_ = proxy.Close()
			return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
		}
		c.proxy = proxy
	} else {
		d := net.Dialer{Timeout: c.config.ConnectionTimeout}
		conn, err = d.DialContext(ctx, "tcp", c.config.Address())
		if err != nil {
			return &TransportError{Op: "connect", Err: err, IsTemporary: true}
		}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, c.config.Address(), targetConfig)
	if err != nil {
		_ = conn.Close()
		if c.proxy != nil {
			_ = c.proxy.Close()
			c.proxy = nil
		}
		return &TransportError{Op: "handshake", Err: err, IsAuthError: true}
	}

	c.client = ssh.NewClient(ncc, chans, reqs)
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt

	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}

	c.logger.Info().Str("address", c.config.Address()).Msg("SSH connection established")
	return nil
}

func dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ssh.NewClient(ncc, chans, reqs), nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	var err error
	if c.client != nil {
		err = c.client.Close()
		c.client = nil
	}
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	return err
}

// IsConnected returns true if the client has an open connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// HealthCheck runs a trivial command to verify the connection.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}
	return healthCheck(client)
}

func healthCheck(client *ssh.Client) error {
	session, err := client.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

// Info returns information about the current connection.
func (c *Client) Info() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
		ViaProxy:     c.proxy != nil,
	}
}

// session opens a new session, connecting first if needed.
func (c *Client) session(ctx context.Context) (*ssh.Session, error) {
	client, err := c.conn(ctx, "session")
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "session", Err: err, IsTemporary: true}
	}
	return session, nil
}

// conn returns the underlying connection, connecting first if needed.
func (c *Client) conn(ctx context.Context, op string) (*ssh.Client, error) {
	if !c.IsConnected() {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	client := c.client
	c.lastUsedAt = time.Now()
	c.mu.Unlock()

	if client == nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("not connected"), IsTemporary: true}
	}
	return client, nil
}

func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				failures++
				c.logger.Warn().Err(err).Int("failures", failures).Msg("Keep-alive failed")
				if failures >= 3 {
					c.logger.Error().Msg("Keep-alive failed too many times, connection may be dead")
					return
				}
				continue
			}
			failures = 0
		}
	}
}
