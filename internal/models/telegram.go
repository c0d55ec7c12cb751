package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string `validate:"required"`
	ChatID   string `validate:"required"`
}

// TelegramMessage holds the data for a backup notification.
type TelegramMessage struct {
	Success     bool
	Kind        string
	RunID       string
	Destination string
	StartTime   time.Time
	Duration    time.Duration

	// Archive stats (if successful).
	Entries        int
	BytesWritten   int64
	MissingSources int
	FailedEntries  int
	Shifted        int

	// Set when the host could not be resumed, even on success.
	ResumeWarning string

	// Error info (if failed).
	ErrorMessage string
	FailedStep   string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
