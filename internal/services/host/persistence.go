package host

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/fgeck/hostsnap/internal/models"
	"github.com/fgeck/hostsnap/internal/services/ssh"
	"github.com/rs/zerolog"
)

// NoopPersistence is used when the host has no save switch to operate.
type NoopPersistence struct {
	logger zerolog.Logger
}

// NewNoopPersistence creates a persistence controller that only logs.
func NewNoopPersistence(logger zerolog.Logger) *NoopPersistence {
	return &NoopPersistence{logger: logger}
}

// FlushAndPausePersistence implements Persistence.
func (p *NoopPersistence) FlushAndPausePersistence(_ context.Context) (models.Ack, error) {
	p.logger.Debug().Msg("no persistence control configured, nothing to pause")
	return models.AckOK, nil
}

// ResumePersistence implements Persistence.
func (p *NoopPersistence) ResumePersistence(_ context.Context) (models.Ack, error) {
	p.logger.Debug().Msg("no persistence control configured, nothing to resume")
	return models.AckOK, nil
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its output.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// CommandPersistence runs local commands to flush and pause, and to resume,
// the host's persistence. Commands are split on whitespace; no shell is used.
type CommandPersistence struct {
	executor CommandExecutor
	pause    []string
	resume   []string
	logger   zerolog.Logger
}

// NewCommandPersistence creates a command-driven persistence controller.
func NewCommandPersistence(logger zerolog.Logger, pause, resume []string) *CommandPersistence {
	return NewCommandPersistenceWithExecutor(logger, &DefaultExecutor{}, pause, resume)
}

// NewCommandPersistenceWithExecutor creates a command-driven persistence controller
// with a custom executor (for testing).
func NewCommandPersistenceWithExecutor(logger zerolog.Logger, executor CommandExecutor, pause, resume []string) *CommandPersistence {
	return &CommandPersistence{
		executor: executor,
		pause:    pause,
		resume:   resume,
		logger:   logger,
	}
}

// FlushAndPausePersistence implements Persistence.
func (p *CommandPersistence) FlushAndPausePersistence(ctx context.Context) (models.Ack, error) {
	return p.runAll(ctx, "pause", p.pause)
}

// ResumePersistence implements Persistence.
func (p *CommandPersistence) ResumePersistence(ctx context.Context) (models.Ack, error) {
	return p.runAll(ctx, "resume", p.resume)
}

func (p *CommandPersistence) runAll(ctx context.Context, phase string, commands []string) (models.Ack, error) {
	for _, command := range commands {
		argv := strings.Fields(command)
		if len(argv) == 0 {
			continue
		}

		p.logger.Debug().Str("phase", phase).Str("command", command).Msg("running persistence command")

		output, err := p.executor.Execute(ctx, argv[0], argv[1:]...)
		if err != nil {
			return "", fmt.Errorf("%s command %q failed: %w, output: %s", phase, command, err, strings.TrimSpace(string(output)))
		}
	}
	return models.AckOK, nil
}

// SSHPersistence runs the pause and resume commands on a remote machine.
type SSHPersistence struct {
	svc    ssh.Service
	cfg    models.SSHConfig
	pause  []string
	resume []string
	logger zerolog.Logger
}

// NewSSHPersistence creates a persistence controller that works over SSH.
func NewSSHPersistence(logger zerolog.Logger, svc ssh.Service, cfg models.SSHConfig, pause, resume []string) *SSHPersistence {
	return &SSHPersistence{
		svc:    svc,
		cfg:    cfg,
		pause:  pause,
		resume: resume,
		logger: logger,
	}
}

// FlushAndPausePersistence implements Persistence.
func (p *SSHPersistence) FlushAndPausePersistence(ctx context.Context) (models.Ack, error) {
	return p.runAll(ctx, "pause", p.pause)
}

// ResumePersistence implements Persistence.
func (p *SSHPersistence) ResumePersistence(ctx context.Context) (models.Ack, error) {
	return p.runAll(ctx, "resume", p.resume)
}

func (p *SSHPersistence) runAll(ctx context.Context, phase string, commands []string) (models.Ack, error) {
	for _, command := range commands {
		result, err := p.svc.Run(ctx, p.cfg, command)
		if err != nil {
			return "", fmt.Errorf("%s command %q failed: %w", phase, command, err)
		}
		if result.Error != nil {
			return "", fmt.Errorf("%s command %q failed: %w, output: %s", phase, command, result.Error, strings.TrimSpace(result.Output))
		}
	}
	return models.AckOK, nil
}

// NewPersistence builds the persistence controller selected by cfg.Mode.
func NewPersistence(logger zerolog.Logger, cfg models.HostConfig) (Persistence, error) {
	switch cfg.Mode {
	case "", models.HostModeNone:
		return NewNoopPersistence(logger), nil
	case models.HostModeCommand:
		return NewCommandPersistence(logger, cfg.PauseCommands, cfg.ResumeCommands), nil
	case models.HostModeSSH:
		if cfg.SSH == nil {
			return nil, fmt.Errorf("host.ssh is required when host.mode is ssh")
		}
		return NewSSHPersistence(logger, ssh.New(logger), *cfg.SSH, cfg.PauseCommands, cfg.ResumeCommands), nil
	default:
		return nil, fmt.Errorf("unknown host mode %q", cfg.Mode)
	}
}
