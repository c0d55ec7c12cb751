// Package ssh runs host persistence commands on a remote machine.
package ssh

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/fgeck/hostsnap/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Service defines the interface for SSH operations.
type Service interface {
	Run(ctx context.Context, cfg models.SSHConfig, command string) (*models.SSHResult, error)
	TestConnection(ctx context.Context, cfg models.SSHConfig) (*models.SSHResult, error)
}

// SSHClient wraps ssh.Client for mocking.
type SSHClient interface {
	NewSession() (SSHSession, error)
	Close() error
}

// SSHSession wraps ssh.Session for mocking.
type SSHSession interface {
	CombinedOutput(cmd string) ([]byte, error)
	Close() error
}

// ClientFactory creates SSH clients.
type ClientFactory interface {
	NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

// DefaultClientFactory is the default SSH client factory.
type DefaultClientFactory struct{}

// NewClient creates a new SSH client.
func (f *DefaultClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return &defaultSSHClient{client: client}, nil
}

type defaultSSHClient struct {
	client *ssh.Client
}

func (c *defaultSSHClient) NewSession() (SSHSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (c *defaultSSHClient) Close() error {
	return c.client.Close()
}

// Impl implements the SSH Service interface.
type Impl struct {
	clientFactory ClientFactory
	logger        zerolog.Logger
}

// New creates a new SSH service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		clientFactory: &DefaultClientFactory{},
		logger:        logger,
	}
}

// NewWithClientFactory creates a new SSH service with a custom client factory (for testing).
func NewWithClientFactory(logger zerolog.Logger, factory ClientFactory) *Impl {
	return &Impl{
		clientFactory: factory,
		logger:        logger,
	}
}

func (s *Impl) buildConfig(cfg models.SSHConfig) (*ssh.ClientConfig, error) {
	var key []byte
	var err error

	// Load private key from file or use provided key
	if len(cfg.PrivateKey) > 0 {
		key = cfg.PrivateKey
	} else if cfg.KeyPath != "" {
		key, err = os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", cfg.KeyPath, err)
		}
	} else {
		return nil, fmt.Errorf("no private key provided")
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return &ssh.ClientConfig{
		User: cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // trusted LAN host
		Timeout:         30 * time.Second,
	}, nil
}

// connect dials the host, giving up when ctx is done.
func (s *Impl) connect(ctx context.Context, cfg models.SSHConfig) (SSHClient, error) {
	sshConfig, err := s.buildConfig(cfg)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	type dialResult struct {
		client SSHClient
		err    error
	}
	clientChan := make(chan dialResult, 1)

	go func() {
		client, err := s.clientFactory.NewClient("tcp", addr, sshConfig)
		clientChan <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-clientChan:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect: %w", res.err)
		}
		return res.client, nil
	}
}

// Run executes command on the remote host. A non-zero exit is reported in
// the result's Error with the command output.
func (s *Impl) Run(ctx context.Context, cfg models.SSHConfig, command string) (*models.SSHResult, error) {
	result := &models.SSHResult{}

	s.logger.Debug().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("user", cfg.Username).
		Str("command", command).
		Msg("running remote command")

	client, err := s.connect(ctx, cfg)
	if err != nil {
		result.Error = err
		return result, nil
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		result.Error = fmt.Errorf("failed to create session: %w", err)
		return result, nil
	}
	defer session.Close()

	output, err := session.CombinedOutput(command)
	result.Output = string(output)
	result.CommandRun = true

	if err != nil {
		if ctx.Err() != nil {
			result.Error = ctx.Err()
		} else {
			result.Error = fmt.Errorf("remote command failed: %w", err)
		}
		return result, nil
	}

	s.logger.Debug().
		Str("command", command).
		Str("output", result.Output).
		Msg("remote command completed")

	return result, nil
}

// TestConnection verifies SSH connectivity without touching the host.
func (s *Impl) TestConnection(ctx context.Context, cfg models.SSHConfig) (*models.SSHResult, error) {
	result := &models.SSHResult{}

	s.logger.Debug().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Msg("testing SSH connection")

	client, err := s.connect(ctx, cfg)
	if err != nil {
		result.Error = err
		return result, nil
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		result.Error = fmt.Errorf("failed to create session: %w", err)
		return result, nil
	}
	defer session.Close()

	// Run a simple command to verify connectivity
	output, err := session.CombinedOutput("echo OK")
	result.Output = string(output)
	result.CommandRun = true

	if err != nil {
		result.Error = fmt.Errorf("test command failed: %w", err)
	}

	return result, nil
}
