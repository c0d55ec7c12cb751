package main

import (
	"fmt"
	"os"

	"github.com/fgeck/hostsnap/internal/models"
	"github.com/fgeck/hostsnap/internal/services/scheduler"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file without executing any backup operations.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile != "" {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			log.Error().Str("file", configFile).Msg("config file not found")
			return fmt.Errorf("config file not found: %s", configFile)
		}
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Jobs:")
	for _, kind := range models.JobKinds {
		printJob(kind, cfg.Job(kind))
	}

	fmt.Println()
	fmt.Println("Sources:")
	fmt.Printf("  Files: %v\n", cfg.Sources.Files)
	fmt.Printf("  Folders: %v\n", cfg.Sources.Folders)
	if cfg.Sources.Empty() {
		fmt.Println("  WARNING: no sources configured, archives will be empty")
	}

	fmt.Println()
	fmt.Println("Host:")
	fmt.Printf("  Mode: %s\n", cfg.Host.Mode)
	fmt.Printf("  Pause timeout: %s\n", cfg.Host.PauseTimeout)
	if cfg.Host.Mode != models.HostModeNone {
		fmt.Printf("  Pause commands: %v\n", cfg.Host.PauseCommands)
		fmt.Printf("  Resume commands: %v\n", cfg.Host.ResumeCommands)
	}
	if cfg.Host.SSH != nil {
		fmt.Printf("  SSH: %s@%s:%d\n", cfg.Host.SSH.Username, cfg.Host.SSH.Host, cfg.Host.SSH.Port)
	}

	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Verbose log: %v\n", cfg.VerboseLog)
	fmt.Printf("  Wake-on-LAN: %v\n", cfg.WOL != nil)
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)
	fmt.Printf("  Metrics: %v\n", cfg.Metrics.Listen != "")

	if cfg.WOL != nil {
		fmt.Println()
		fmt.Println("WOL Configuration:")
		fmt.Printf("  MAC Address: %s\n", cfg.WOL.MACAddress)
		fmt.Printf("  Broadcast IP: %s\n", cfg.WOL.BroadcastIP)
		if cfg.WOL.PollURL != "" {
			fmt.Printf("  Poll URL: %s\n", cfg.WOL.PollURL)
		}
	}

	if cfg.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	if cfg.Metrics.Listen != "" {
		fmt.Println()
		fmt.Printf("Metrics: http://%s/metrics\n", cfg.Metrics.Listen)
	}

	return nil
}

func printJob(kind models.JobKind, job models.JobConfig) {
	if job.Disabled {
		fmt.Printf("  %s: disabled\n", kind)
		return
	}

	spec, err := scheduler.ParseSpec(kind, job.Schedule)
	switch {
	case err != nil:
		fmt.Printf("  %s: WARNING: %v (job will not be scheduled)\n", kind, err)
	case spec.IsDaily():
		fmt.Printf("  %s: at %s\n", kind, spec.DailyAt)
	default:
		fmt.Printf("  %s: every %s\n", kind, spec.Interval)
	}
	fmt.Printf("    Destination: %s (keep %d)\n", job.Destination, job.Keep)
}
