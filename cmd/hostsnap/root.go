package main

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/fgeck/hostsnap/internal/config"
	"github.com/fgeck/hostsnap/internal/models"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	envFile    string
	verbose    bool
	quiet      bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "hostsnap",
	Short: "Scheduled zip backups of a live host's data",
	Long: `hostsnap archives the files and folders of a running application into
rotated zip snapshots. Around every archive it asks the application to flush
and pause its own saving, and resumes it afterwards:
  - periodic backups on a fixed interval
  - a daily backup at a wall-clock time
  - generational rotation (backup.zip, backup.zip.1, ...)
  - optional Wake-on-LAN of the storage host
  - Telegram notifications and prometheus metrics

Use "run" to keep the scheduler alive, or "backup" for a one-shot run.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
		loadEnvFile()
	},
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (required)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(validateCmd)
}

func setupLogging() {
	// Set output format
	if jsonOutput {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set log level
	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// loadEnvFile loads envFile into the environment. Variables that are already
// set win. A missing file is not an error.
func loadEnvFile() {
	if envFile == "" {
		return
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("file", envFile).Msg("failed to load env file")
	}
}

// loadConfig loads and validates the file named by --config.
func loadConfig(cmd *cobra.Command) (*models.BackupConfig, error) {
	if configFile == "" {
		log.Error().Msg("config file is required")
		_ = cmd.Help()
		return nil, errors.New("config file is required")
	}

	cfg, err := config.NewParser().LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, err
	}

	return cfg, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
