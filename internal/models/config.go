// Package models contains the data structures used throughout hostsnap.
package models

import "time"

// BackupConfig holds the complete configuration for the backup subsystem.
// It is loaded once at startup and treated as read-only afterwards.
type BackupConfig struct {
	Periodic   JobConfig
	Daily      JobConfig
	Sources    Sources
	VerboseLog bool
	Host       HostConfig
	Metrics    MetricsConfig
	WOL        *WOLConfig      // nil if not configured
	Telegram   *TelegramConfig // nil if not configured
}

// Job returns the job settings that apply to kind.
func (c BackupConfig) Job(kind JobKind) JobConfig {
	if kind == Daily {
		return c.Daily
	}
	return c.Periodic
}

// JobConfig holds the settings of one job kind.
type JobConfig struct {
	Disabled    bool
	Schedule    string // "<int><unit>" for periodic, "HH:MM:SS" for daily
	Destination string `validate:"required"`
	Keep        int    `validate:"gte=0"`
}

// Sources lists the paths archived by every job kind.
type Sources struct {
	Files   []string
	Folders []string
}

// Empty reports whether no source path is configured.
func (s Sources) Empty() bool {
	return len(s.Files) == 0 && len(s.Folders) == 0
}

// Host persistence control modes.
const (
	HostModeNone    = "none"
	HostModeCommand = "command"
	HostModeSSH     = "ssh"
)

// HostConfig describes how the host's persistence layer is paused and resumed.
type HostConfig struct {
	Mode           string        `validate:"oneof=none command ssh"`
	PauseCommands  []string      `validate:"required_unless=Mode none"`
	ResumeCommands []string      `validate:"required_unless=Mode none"`
	PauseTimeout   time.Duration `validate:"gt=0"`
	SSH            *SSHConfig    `validate:"required_if=Mode ssh"`
}

// MetricsConfig holds the prometheus exposition settings.
type MetricsConfig struct {
	Listen string // empty disables the endpoint
}
