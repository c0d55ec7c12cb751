// Package telegram sends backup run summaries to a Telegram chat.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fgeck/hostsnap/internal/models"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// breakerTrips is the number of consecutive failed sends that open the breaker.
const breakerTrips = 3

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return NewWithClient(logger, &http.Client{Timeout: 30 * time.Second}, "https://api.telegram.org")
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	s := &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
	s.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "telegram",
		MaxRequests: 1,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTrips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("notification circuit breaker changed state")
		},
	})
	return s
}

// sendMessageRequest is the request body for Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendNotification sends a backup run summary via Telegram. Failures are
// reported in the result; while the breaker is open nothing is sent.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Info().
		Str("chat_id", cfg.ChatID).
		Str("run_id", msg.RunID).
		Bool("success", msg.Success).
		Msg("sending Telegram notification")

	jsonBody, err := json.Marshal(sendMessageRequest{
		ChatID:    cfg.ChatID,
		Text:      formatMessage(msg),
		ParseMode: "HTML",
	})
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)

	resp, err := s.breaker.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to send request: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("notification suppressed: %w", err)
		}
		result.Error = err
		return result, nil
	}
	_ = resp.Body.Close()

	result.MessageSent = true
	s.logger.Info().Msg("Telegram notification sent successfully")

	return result, nil
}

func formatMessage(msg models.TelegramMessage) string {
	var b strings.Builder

	title := msg.Kind
	if title != "" {
		title = strings.ToUpper(title[:1]) + title[1:]
	}
	if msg.Success {
		fmt.Fprintf(&b, "✅ <b>%s Backup Successful</b>\n\n", escapeHTML(title))
	} else {
		fmt.Fprintf(&b, "❌ <b>%s Backup Failed</b>\n\n", escapeHTML(title))
	}

	fmt.Fprintf(&b, "<b>Archive:</b> %s\n", escapeHTML(msg.Destination))
	fmt.Fprintf(&b, "<b>Run:</b> <code>%s</code>\n", escapeHTML(msg.RunID))
	fmt.Fprintf(&b, "<b>Started:</b> %s\n", msg.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "<b>Duration:</b> %s\n", msg.Duration.Round(time.Second))

	if msg.Success {
		b.WriteString("\n<b>Archive Statistics:</b>\n")
		fmt.Fprintf(&b, "  • Entries: %d\n", msg.Entries)
		fmt.Fprintf(&b, "  • Size: %s\n", formatBytes(msg.BytesWritten))
		fmt.Fprintf(&b, "  • Generations shifted: %d\n", msg.Shifted)
		if msg.MissingSources > 0 {
			fmt.Fprintf(&b, "  • Missing sources: %d\n", msg.MissingSources)
		}
		if msg.FailedEntries > 0 {
			fmt.Fprintf(&b, "  • Unreadable entries: %d\n", msg.FailedEntries)
		}
	} else {
		b.WriteString("\n<b>Error Details:</b>\n")
		fmt.Fprintf(&b, "  • Failed step: %s\n", escapeHTML(msg.FailedStep))
		fmt.Fprintf(&b, "  • Error: <code>%s</code>\n", escapeHTML(msg.ErrorMessage))
	}

	if msg.ResumeWarning != "" {
		fmt.Fprintf(&b, "\n⚠️ <b>Host not resumed:</b> <code>%s</code>\n", escapeHTML(msg.ResumeWarning))
	}

	return b.String()
}

// escapeHTML escapes HTML special characters.
func escapeHTML(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
