// Package config provides configuration file parsing.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fgeck/hostsnap/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("periodic.frequency", "1h")
	v.SetDefault("periodic.destination", "backups/periodic.zip")
	v.SetDefault("periodic.keep", 5)
	v.SetDefault("daily.at", "03:00:00")
	v.SetDefault("daily.destination", "backups/daily.zip")
	v.SetDefault("daily.keep", 7)
	v.SetDefault("host.mode", models.HostModeNone)
	v.SetDefault("host.pause_timeout", "30s")

	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.BackupConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.BackupConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

func (p *Parser) parse() (*models.BackupConfig, error) {
	cfg := &models.BackupConfig{
		Periodic:   p.job("periodic", "frequency"),
		Daily:      p.job("daily", "at"),
		VerboseLog: p.v.GetBool("verbose_log"),
		Sources: models.Sources{
			Files:   p.expandAll(p.v.GetStringSlice("sources.files")),
			Folders: p.expandAll(p.v.GetStringSlice("sources.folders")),
		},
		Host: models.HostConfig{
			Mode:           strings.ToLower(p.v.GetString("host.mode")),
			PauseCommands:  p.expandAll(p.v.GetStringSlice("host.pause")),
			ResumeCommands: p.expandAll(p.v.GetStringSlice("host.resume")),
			PauseTimeout:   p.v.GetDuration("host.pause_timeout"),
		},
		Metrics: models.MetricsConfig{
			Listen: p.v.GetString("metrics.listen"),
		},
	}

	// Parse optional SSH config for remote persistence control.
	if p.v.IsSet("host.ssh") {
		cfg.Host.SSH = &models.SSHConfig{
			Host:     p.v.GetString("host.ssh.host"),
			Port:     p.v.GetInt("host.ssh.port"),
			Username: p.v.GetString("host.ssh.username"),
			KeyPath:  p.expandEnv(p.v.GetString("host.ssh.key_path")),
		}

		if cfg.Host.SSH.Port == 0 {
			cfg.Host.SSH.Port = 22
		}
		if cfg.Host.SSH.Username == "" {
			cfg.Host.SSH.Username = "root"
		}
		if cfg.Host.SSH.KeyPath == "" {
			return nil, fmt.Errorf("host.ssh.key_path is required when host.ssh is configured")
		}
	}

	// Parse optional WOL config.
	if p.v.IsSet("wol") {
		cfg.WOL = &models.WOLConfig{
			MACAddress:    p.v.GetString("wol.mac_address"),
			BroadcastIP:   p.v.GetString("wol.broadcast_ip"),
			PollURL:       p.v.GetString("wol.poll_url"),
			Timeout:       p.v.GetDuration("wol.timeout"),
			PollInterval:  p.v.GetDuration("wol.poll_interval"),
			StabilizeWait: p.v.GetDuration("wol.stabilize_wait"),
		}

		if cfg.WOL.BroadcastIP == "" {
			cfg.WOL.BroadcastIP = "255.255.255.255"
		}
		if cfg.WOL.Timeout == 0 {
			cfg.WOL.Timeout = 5 * time.Minute
		}
		if cfg.WOL.PollInterval == 0 {
			cfg.WOL.PollInterval = 10 * time.Second
		}
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// job reads one job section. The schedule string is kept raw; it is parsed
// when the job is scheduled so that a bad value disables only that job.
func (p *Parser) job(section, scheduleKey string) models.JobConfig {
	return models.JobConfig{
		Disabled:    p.v.GetBool(section + ".disabled"),
		Schedule:    p.v.GetString(section + "." + scheduleKey),
		Destination: p.expandEnv(p.v.GetString(section + ".destination")),
		Keep:        p.v.GetInt(section + ".keep"),
	}
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

func (p *Parser) expandAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, p.expandEnv(s))
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate performs structural validation on the loaded configuration.
func Validate(cfg *models.BackupConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "BackupConfig.")
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "mac":
		return field + " must be a MAC address"
	case "ip":
		return field + " must be an IP address"
	default:
		return fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param())
	}
}
