package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/hostsnap/internal/models"
	"github.com/fgeck/hostsnap/internal/services/console"
	"github.com/fgeck/hostsnap/internal/services/host"
	"github.com/fgeck/hostsnap/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup periodic|daily",
	Short: "Run one backup now",
	Long: `Run one backup of the given job kind immediately and exit. The job kind
selects the destination and the number of generations kept.`,
	RunE: runOnce,
}

func runOnce(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		fmt.Println(console.Usage)
		return nil
	}
	kind, err := models.ParseJobKind(args[0])
	if err != nil {
		fmt.Println(console.Usage)
		return nil
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	persistence, err := host.NewPersistence(log.Logger, cfg.Host)
	if err != nil {
		log.Error().Err(err).Msg("invalid host configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The primary loop must be running for the pause/resume handshake.
	hostCtx, stopHost := context.WithCancel(context.Background())
	h := host.NewLocal(log.Logger, persistence)
	hostDone := make(chan error, 1)
	go func() { hostDone <- h.Run(hostCtx) }()
	defer func() {
		stopHost()
		<-hostDone
	}()

	// Progress lines are only forwarded when verbose_log is set.
	notifier := models.NotifierFunc(func(text string) { fmt.Println(text) })

	result, err := runner.New(log.Logger, *cfg, h).RunBackup(ctx, kind, notifier)
	if err != nil {
		log.Error().Err(err).Str("job", kind.String()).Msg("backup failed")
		return err
	}

	log.Info().
		Str("run_id", result.RunID).
		Str("destination", result.Archive.Destination).
		Int("entries", result.Archive.Entries).
		Msg("backup completed successfully")
	return nil
}
