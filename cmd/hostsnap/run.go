package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fgeck/hostsnap/internal/models"
	"github.com/fgeck/hostsnap/internal/services/console"
	"github.com/fgeck/hostsnap/internal/services/host"
	"github.com/fgeck/hostsnap/internal/services/runner"
	"github.com/fgeck/hostsnap/internal/services/scheduler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the backup scheduler",
	Long: `Run the backup scheduler until interrupted:
1. Arm the periodic and daily jobs (unless disabled)
2. Serve console commands from stdin ("backup periodic|daily")
3. Serve prometheus metrics (if metrics.listen is set)

Every backup wakes the storage host (if configured), pauses the host's
persistence, rotates older archives, writes a new archive and resumes.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	persistence, err := host.NewPersistence(log.Logger, cfg.Host)
	if err != nil {
		log.Error().Err(err).Msg("invalid host configuration")
		return err
	}

	log.Info().
		Str("config", configFile).
		Str("host_mode", cfg.Host.Mode).
		Int("files", len(cfg.Sources.Files)).
		Int("folders", len(cfg.Sources.Folders)).
		Msg("configuration loaded")
	if cfg.Sources.Empty() {
		log.Warn().Msg("no sources configured, archives will be empty")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := host.NewLocal(log.Logger, persistence)
	runnerSvc := runner.New(log.Logger, *cfg, h)
	schedulerSvc := scheduler.New(log.Logger, h)
	consoleSvc := console.New(log.Logger, runnerSvc)

	if schedulerSvc.Enable(*cfg, runnerSvc.Trigger) == 0 {
		log.Warn().Msg("no backup job scheduled, only console backups will run")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return h.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		schedulerSvc.CancelAll()
		return nil
	})

	g.Go(func() error {
		serveConsole(gctx, log.Logger, h, consoleSvc, os.Stdin, os.Stdout)
		return nil
	})

	if cfg.Metrics.Listen != "" {
		srv := newMetricsServer(cfg.Metrics.Listen)
		g.Go(func() error {
			log.Info().Str("listen", srv.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("scheduler stopped with error")
		return err
	}

	log.Info().Msg("scheduler stopped")
	return nil
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// serveConsole dispatches every line read from in onto the primary context
// until ctx is done. End of input stops reading but not the scheduler.
func serveConsole(ctx context.Context, logger zerolog.Logger, primary host.Primary, svc console.Service, in io.Reader, out io.Writer) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				logger.Debug().Msg("console input closed")
				return
			}
			dispatchLine(ctx, logger, primary, svc, line, out)
		}
	}
}

func dispatchLine(ctx context.Context, logger zerolog.Logger, primary host.Primary, svc console.Service, line string, out io.Writer) {
	ch, err := primary.RunOnPrimary(func(ctx context.Context) (models.Ack, error) {
		if err := svc.Execute(ctx, line, out); err != nil {
			return "", err
		}
		return models.AckOK, nil
	})
	if err != nil {
		logger.Warn().Err(err).Str("line", line).Msg("unable to dispatch console command")
		return
	}

	select {
	case res := <-ch:
		if res.Err != nil && !errors.Is(res.Err, console.ErrUnknownCommand) {
			logger.Warn().Err(res.Err).Str("line", line).Msg("console command failed")
		}
	case <-ctx.Done():
	}
}
