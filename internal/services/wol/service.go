// Package wol wakes the machine that serves the backup destination before a
// run writes to it.
package wol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fgeck/hostsnap/internal/models"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

// Poll defaults applied when the config leaves them unset.
const (
	DefaultTimeout      = 2 * time.Minute
	DefaultPollInterval = 5 * time.Second
)

// Service defines the interface for Wake-on-LAN operations.
type Service interface {
	Wake(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error)
}

// Client wraps the wol library for mocking.
type Client interface {
	Wake(broadcastIP string, mac net.HardwareAddr) error
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultClient sends magic packets with mdlayher/wol over UDP port 9.
type DefaultClient struct{}

// Wake sends a magic packet to the specified MAC address.
func (c *DefaultClient) Wake(broadcastIP string, mac net.HardwareAddr) error {
	ip := net.ParseIP(broadcastIP)
	if ip == nil {
		return fmt.Errorf("invalid broadcast IP: %s", broadcastIP)
	}

	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Wake(net.JoinHostPort(ip.String(), "9"), mac); err != nil {
		return fmt.Errorf("failed to send WOL packet: %w", err)
	}
	return nil
}

// Impl implements the WOL Service interface.
type Impl struct {
	wolClient  Client
	httpClient HTTPClient
	logger     zerolog.Logger
}

// New creates a new WOL service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		wolClient: &DefaultClient{},
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// NewWithClients creates a new WOL service with custom clients (for testing).
func NewWithClients(logger zerolog.Logger, wolClient Client, httpClient HTTPClient) *Impl {
	return &Impl{
		wolClient:  wolClient,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Wake sends a magic packet to the storage host. With a PollURL it then
// waits until the URL answers, plus StabilizeWait. Failures are carried in
// the result.
func (s *Impl) Wake(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error) {
	result := &models.WOLResult{}
	start := time.Now()
	defer func() { result.WaitDuration = time.Since(start) }()

	mac, err := net.ParseMAC(cfg.MACAddress)
	if err != nil {
		result.Error = fmt.Errorf("invalid MAC address %q: %w", cfg.MACAddress, err)
		return result, nil
	}

	s.logger.Info().
		Str("mac", cfg.MACAddress).
		Str("broadcast", cfg.BroadcastIP).
		Msg("waking storage host")

	if err := s.wolClient.Wake(cfg.BroadcastIP, mac); err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // carried in the result
	}
	result.PacketSent = true

	if cfg.PollURL == "" {
		result.TargetReady = true
		return result, nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	s.logger.Info().
		Str("url", cfg.PollURL).
		Dur("timeout", timeout).
		Msg("waiting for storage host to become available")

	if err := s.waitForTarget(ctx, cfg.PollURL, timeout, cfg.PollInterval); err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // carried in the result
	}

	if cfg.StabilizeWait > 0 {
		s.logger.Debug().Dur("wait", cfg.StabilizeWait).Msg("waiting for storage host to stabilize")
		timer := time.NewTimer(cfg.StabilizeWait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			result.Error = ctx.Err()
			return result, nil
		case <-timer.C:
		}
	}

	result.TargetReady = true
	s.logger.Info().Dur("duration", time.Since(start)).Msg("storage host is ready")

	return result, nil
}

// waitForTarget polls url until any HTTP response arrives.
func (s *Impl) waitForTarget(ctx context.Context, url string, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(pollCtx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := s.httpClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			return nil
		}
		s.logger.Debug().Err(err).Msg("storage host not ready yet")

		select {
		case <-pollCtx.Done():
			if errors.Is(pollCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("timeout waiting for storage host at %s", url)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
