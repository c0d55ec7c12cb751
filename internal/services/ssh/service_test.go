package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/fgeck/hostsnap/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// Mock implementations
type mockSSHSession struct {
	combinedOutputFunc func(cmd string) ([]byte, error)
	closeFunc          func() error
}

func (m *mockSSHSession) CombinedOutput(cmd string) ([]byte, error) {
	if m.combinedOutputFunc != nil {
		return m.combinedOutputFunc(cmd)
	}
	return []byte(""), nil
}

func (m *mockSSHSession) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

type mockSSHClient struct {
	newSessionFunc func() (SSHSession, error)
	closeFunc      func() error
}

func (m *mockSSHClient) NewSession() (SSHSession, error) {
	if m.newSessionFunc != nil {
		return m.newSessionFunc()
	}
	return &mockSSHSession{}, nil
}

func (m *mockSSHClient) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

type mockClientFactory struct {
	newClientFunc func(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

func (m *mockClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	if m.newClientFunc != nil {
		return m.newClientFunc(network, addr, config)
	}
	return &mockSSHClient{}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// generateTestKey generates a valid ed25519 key for testing using crypto/ed25519.
func generateTestKey(t *testing.T) []byte {
	t.Helper()

	// Generate a real ed25519 key pair
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	// Marshal to OpenSSH format
	pemBlock, err := ssh.MarshalPrivateKey(privateKey, "")
	require.NoError(t, err)

	return pem.EncodeToMemory(pemBlock)
}

func testConfig(t *testing.T) models.SSHConfig {
	return models.SSHConfig{
		Host:       "192.168.1.100",
		Port:       22,
		Username:   "minecraft",
		PrivateKey: generateTestKey(t),
	}
}

func sessionFactory(run func(cmd string) ([]byte, error)) *mockClientFactory {
	return &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return &mockSSHClient{
				newSessionFunc: func() (SSHSession, error) {
					return &mockSSHSession{combinedOutputFunc: run}, nil
				},
			}, nil
		},
	}
}

func TestRun_Success(t *testing.T) {
	var capturedCommand string
	var capturedAddr string
	var capturedUser string

	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			capturedAddr = addr
			capturedUser = config.User
			return &mockSSHClient{
				newSessionFunc: func() (SSHSession, error) {
					return &mockSSHSession{
						combinedOutputFunc: func(cmd string) ([]byte, error) {
							capturedCommand = cmd
							return []byte("Saved the game"), nil
						},
					}, nil
				},
			}, nil
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.Run(context.Background(), testConfig(t), "rcon-cli save-all flush")

	require.NoError(t, err)
	assert.True(t, result.CommandRun)
	assert.Equal(t, "Saved the game", result.Output)
	assert.Nil(t, result.Error)

	assert.Equal(t, "rcon-cli save-all flush", capturedCommand)
	assert.Equal(t, "192.168.1.100:22", capturedAddr)
	assert.Equal(t, "minecraft", capturedUser)
}

func TestRun_CommandFailed(t *testing.T) {
	svc := NewWithClientFactory(testLogger(), sessionFactory(func(cmd string) ([]byte, error) {
		return []byte("rcon: connection refused"), errors.New("exit status 1")
	}))

	result, err := svc.Run(context.Background(), testConfig(t), "rcon-cli save-off")

	require.NoError(t, err)
	assert.True(t, result.CommandRun)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "remote command failed")
	assert.Equal(t, "rcon: connection refused", result.Output)
}

func TestRun_ConnectionFailed(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return nil, errors.New("connection refused")
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.Run(context.Background(), testConfig(t), "true")

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "failed to connect")
}

func TestRun_SessionFailed(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return &mockSSHClient{
				newSessionFunc: func() (SSHSession, error) {
					return nil, errors.New("session creation failed")
				},
			}, nil
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.Run(context.Background(), testConfig(t), "true")

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "failed to create session")
}

func TestRun_NoPrivateKey(t *testing.T) {
	svc := NewWithClientFactory(testLogger(), &mockClientFactory{})
	cfg := models.SSHConfig{
		Host:     "192.168.1.100",
		Port:     22,
		Username: "root",
	}

	result, err := svc.Run(context.Background(), cfg, "true")

	require.NoError(t, err)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "no private key provided")
}

func TestRun_InvalidPrivateKey(t *testing.T) {
	svc := NewWithClientFactory(testLogger(), &mockClientFactory{})
	cfg := testConfig(t)
	cfg.PrivateKey = []byte("not a key")

	result, err := svc.Run(context.Background(), cfg, "true")

	require.NoError(t, err)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "failed to parse private key")
}

func TestRun_KeyFromPath(t *testing.T) {
	cfg := testConfig(t)
	keyPath := t.TempDir() + "/id_ed25519"
	require.NoError(t, os.WriteFile(keyPath, cfg.PrivateKey, 0o600))
	cfg.PrivateKey = nil
	cfg.KeyPath = keyPath

	svc := NewWithClientFactory(testLogger(), sessionFactory(func(cmd string) ([]byte, error) {
		return []byte("ok"), nil
	}))

	result, err := svc.Run(context.Background(), cfg, "true")

	require.NoError(t, err)
	assert.True(t, result.CommandRun)
	assert.Nil(t, result.Error)
}

func TestRun_ContextCancelledWhileConnecting(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			<-block
			return nil, errors.New("too late")
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.Run(ctx, testConfig(t), "true")

	require.NoError(t, err)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

func TestTestConnection_Success(t *testing.T) {
	var capturedCommand string
	svc := NewWithClientFactory(testLogger(), sessionFactory(func(cmd string) ([]byte, error) {
		capturedCommand = cmd
		return []byte("OK\n"), nil
	}))

	result, err := svc.TestConnection(context.Background(), testConfig(t))

	require.NoError(t, err)
	assert.True(t, result.CommandRun)
	assert.Nil(t, result.Error)
	assert.Equal(t, "echo OK", capturedCommand)
}

func TestTestConnection_CommandFailed(t *testing.T) {
	svc := NewWithClientFactory(testLogger(), sessionFactory(func(cmd string) ([]byte, error) {
		return nil, errors.New("exit status 127")
	}))

	result, err := svc.TestConnection(context.Background(), testConfig(t))

	require.NoError(t, err)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "test command failed")
}
