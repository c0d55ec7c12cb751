package runner

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fgeck/hostsnap/internal/models"
	"github.com/fgeck/hostsnap/internal/services/archive"
	"github.com/fgeck/hostsnap/internal/services/host"
	"github.com/fgeck/hostsnap/internal/services/host/hosttest"
	"github.com/fgeck/hostsnap/internal/services/pause"
	"github.com/fgeck/hostsnap/internal/services/rotate"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock implementations.
type mockRotateService struct {
	rotateFunc func(destination string, keep int) (*models.RotationResult, error)
}

func (m *mockRotateService) Rotate(destination string, keep int) (*models.RotationResult, error) {
	if m.rotateFunc != nil {
		return m.rotateFunc(destination, keep)
	}
	return &models.RotationResult{Shifted: 1}, nil
}

type mockArchiveService struct {
	createFunc func(ctx context.Context, sources models.Sources, destination string, notifier models.Notifier) (*models.ArchiveResult, error)
}

func (m *mockArchiveService) Create(ctx context.Context, sources models.Sources, destination string, notifier models.Notifier) (*models.ArchiveResult, error) {
	if m.createFunc != nil {
		return m.createFunc(ctx, sources, destination, notifier)
	}
	return &models.ArchiveResult{Destination: destination, Entries: 3, BytesWritten: 42}, nil
}

type mockWOLService struct {
	wakeFunc func(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error)
}

func (m *mockWOLService) Wake(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error) {
	if m.wakeFunc != nil {
		return m.wakeFunc(ctx, cfg)
	}
	return &models.WOLResult{PacketSent: true, TargetReady: true}, nil
}

type mockTelegramService struct {
	sendFunc func(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

func (m *mockTelegramService) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	if m.sendFunc != nil {
		return m.sendFunc(ctx, cfg, msg)
	}
	return &models.TelegramResult{MessageSent: true}, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	lines []string
}

func (n *recordingNotifier) Notify(text string) {
	n.mu.Lock()
	n.lines = append(n.lines, text)
	n.mu.Unlock()
}

func (n *recordingNotifier) Lines() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.lines...)
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() models.BackupConfig {
	return models.BackupConfig{
		Periodic: models.JobConfig{Schedule: "1h", Destination: "/backups/periodic.zip", Keep: 5},
		Daily:    models.JobConfig{Schedule: "03:00:00", Destination: "/backups/daily.zip", Keep: 7},
		Sources:  models.Sources{Files: []string{"/srv/server.properties"}, Folders: []string{"/srv/world"}},
	}
}

type testServices struct {
	rotator  *mockRotateService
	archiver *mockArchiveService
	wol      *mockWOLService
	telegram *mockTelegramService
}

func newTestRunner(cfg models.BackupConfig, fake *hosttest.Fake) (*Impl, *testServices) {
	svcs := &testServices{
		rotator:  &mockRotateService{},
		archiver: &mockArchiveService{},
		wol:      &mockWOLService{},
		telegram: &mockTelegramService{},
	}
	r := NewWithServices(
		testLogger(),
		cfg,
		fake,
		pause.New(testLogger(), fake, time.Second),
		svcs.rotator,
		svcs.archiver,
		svcs.wol,
		svcs.telegram,
	)
	return r, svcs
}

func TestRunBackup_Success(t *testing.T) {
	fake := &hosttest.Fake{}
	runner, svcs := newTestRunner(testConfig(), fake)

	svcs.rotator.rotateFunc = func(destination string, keep int) (*models.RotationResult, error) {
		fake.Record("rotate")
		return &models.RotationResult{Shifted: 2}, nil
	}
	svcs.archiver.createFunc = func(ctx context.Context, sources models.Sources, destination string, notifier models.Notifier) (*models.ArchiveResult, error) {
		fake.Record("archive")
		assert.False(t, host.OnPrimary(ctx), "archive must run off the primary context")
		return &models.ArchiveResult{Destination: destination, Entries: 7, BytesWritten: 1024}, nil
	}

	result, err := runner.RunBackup(context.Background(), models.Periodic, nil)

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Accepted)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, models.Periodic, result.Kind)
	assert.Equal(t, 7, result.Archive.Entries)
	assert.Equal(t, 2, result.Rotation.Shifted)
	assert.True(t, result.Guard.Paused)
	assert.True(t, result.Guard.Resumed)
	assert.Equal(t, []string{"pause", "rotate", "archive", "resume"}, fake.Events())
}

func TestRunBackup_KindSelectsDestinationAndKeep(t *testing.T) {
	fake := &hosttest.Fake{}
	runner, svcs := newTestRunner(testConfig(), fake)

	var gotDest string
	var gotKeep int
	var gotSources models.Sources
	svcs.rotator.rotateFunc = func(destination string, keep int) (*models.RotationResult, error) {
		gotKeep = keep
		return &models.RotationResult{}, nil
	}
	svcs.archiver.createFunc = func(ctx context.Context, sources models.Sources, destination string, notifier models.Notifier) (*models.ArchiveResult, error) {
		gotDest = destination
		gotSources = sources
		return &models.ArchiveResult{}, nil
	}

	_, err := runner.RunBackup(context.Background(), models.Daily, nil)

	require.NoError(t, err)
	assert.Equal(t, "/backups/daily.zip", gotDest)
	assert.Equal(t, 7, gotKeep)
	assert.Equal(t, testConfig().Sources, gotSources)
}

func TestRunBackup_ResumeExactlyOnce(t *testing.T) {
	tests := []struct {
		name      string
		pauseErr  error
		rotateErr error
		archErr   error
		archPanic bool
		wantRun   []string
	}{
		{name: "success", wantRun: []string{"pause", "rotate", "archive", "resume"}},
		{name: "pause fails", pauseErr: errors.New("busy"), wantRun: []string{"pause", "resume"}},
		{name: "rotation fails", rotateErr: errors.New("disk"), wantRun: []string{"pause", "rotate", "resume"}},
		{name: "archive fails", archErr: models.ErrArchiveCreate, wantRun: []string{"pause", "rotate", "archive", "resume"}},
		{name: "archive panics", archPanic: true, wantRun: []string{"pause", "rotate", "archive", "resume"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &hosttest.Fake{}
			if tt.pauseErr != nil {
				fake.PauseFunc = func(ctx context.Context) (models.Ack, error) { return "", tt.pauseErr }
			}
			runner, svcs := newTestRunner(testConfig(), fake)

			svcs.rotator.rotateFunc = func(destination string, keep int) (*models.RotationResult, error) {
				fake.Record("rotate")
				if tt.rotateErr != nil {
					return nil, tt.rotateErr
				}
				return &models.RotationResult{}, nil
			}
			svcs.archiver.createFunc = func(ctx context.Context, sources models.Sources, destination string, notifier models.Notifier) (*models.ArchiveResult, error) {
				fake.Record("archive")
				if tt.archPanic {
					panic("boom")
				}
				return &models.ArchiveResult{Error: tt.archErr}, nil
			}

			result, err := runner.RunBackup(context.Background(), models.Periodic, nil)

			assert.Equal(t, tt.wantRun, fake.Events())
			assert.Equal(t, 1, fake.Count("resume"))
			require.NotNil(t, result)
			assert.Equal(t, err, result.Error)
			if tt.name == "success" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRunBackup_PauseFailureIsReported(t *testing.T) {
	fake := &hosttest.Fake{
		PauseFunc: func(ctx context.Context) (models.Ack, error) { return "saving", nil },
	}
	runner, _ := newTestRunner(testConfig(), fake)

	result, err := runner.RunBackup(context.Background(), models.Daily, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrHostPause)
	assert.False(t, result.Guard.Paused)
	assert.True(t, result.Guard.Resumed)
	assert.Nil(t, result.Archive)
}

func TestRunBackup_ResumeFailureDoesNotFailRun(t *testing.T) {
	fake := &hosttest.Fake{
		ResumeFunc: func(ctx context.Context) (models.Ack, error) { return "", errors.New("host gone") },
	}
	runner, svcs := newTestRunner(testConfig(), fake)
	cfg := testConfig()
	cfg.Telegram = &models.TelegramConfig{BotToken: "t", ChatID: "c"}
	runner.cfg = cfg

	var sent models.TelegramMessage
	svcs.telegram.sendFunc = func(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
		sent = msg
		return &models.TelegramResult{MessageSent: true}, nil
	}

	result, err := runner.RunBackup(context.Background(), models.Periodic, nil)

	require.NoError(t, err)
	assert.ErrorIs(t, result.Guard.ResumeError, models.ErrHostResume)
	assert.True(t, sent.Success)
	assert.Contains(t, sent.ResumeWarning, "host gone")
}

func TestRunBackup_HeldDestinationIsNotOverwritten(t *testing.T) {
	fake := &hosttest.Fake{}
	runner, svcs := newTestRunner(testConfig(), fake)

	svcs.rotator.rotateFunc = func(destination string, keep int) (*models.RotationResult, error) {
		return &models.RotationResult{
			Errors:          []error{models.ErrRotation},
			DestinationHeld: true,
		}, nil
	}
	archived := false
	svcs.archiver.createFunc = func(ctx context.Context, sources models.Sources, destination string, notifier models.Notifier) (*models.ArchiveResult, error) {
		archived = true
		return &models.ArchiveResult{}, nil
	}

	result, err := runner.RunBackup(context.Background(), models.Periodic, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrRotation)
	assert.False(t, archived)
	assert.Equal(t, 1, fake.Count("resume"))
	assert.NotNil(t, result.Rotation)
}

func TestRunBackup_OnPrimaryRedispatchesToWorker(t *testing.T) {
	fake := &hosttest.Fake{}
	runner, svcs := newTestRunner(testConfig(), fake)

	var archivedOn context.Context
	svcs.archiver.createFunc = func(ctx context.Context, sources models.Sources, destination string, notifier models.Notifier) (*models.ArchiveResult, error) {
		archivedOn = ctx
		return &models.ArchiveResult{}, nil
	}

	notifier := &recordingNotifier{}
	result, err := runner.RunBackup(host.WithPrimary(context.Background()), models.Daily, notifier)

	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, models.Daily, result.Kind)
	assert.Empty(t, fake.Events(), "nothing may run on the primary context")
	assert.Equal(t, []string{"Scheduled immediate daily backup"}, notifier.Lines())

	tasks := fake.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, RedispatchDelay, tasks[0].Delay)
	assert.Zero(t, tasks[0].Period)

	tasks[0].Fire()

	assert.Equal(t, []string{"pause", "resume"}, fake.Events())
	require.NotNil(t, archivedOn)
	assert.False(t, host.OnPrimary(archivedOn))
}

func TestRunBackup_RedispatchCarriesNotifier(t *testing.T) {
	fake := &hosttest.Fake{}
	cfg := testConfig()
	cfg.VerboseLog = true
	runner, svcs := newTestRunner(cfg, fake)

	notifier := &recordingNotifier{}
	var got models.Notifier
	svcs.archiver.createFunc = func(ctx context.Context, sources models.Sources, destination string, n models.Notifier) (*models.ArchiveResult, error) {
		got = n
		return &models.ArchiveResult{}, nil
	}

	_, err := runner.RunBackup(host.WithPrimary(context.Background()), models.Periodic, notifier)
	require.NoError(t, err)

	fake.Tasks()[0].Fire()

	assert.Same(t, notifier, got)
}

func TestRunBackup_RedispatchOnStoppedHost(t *testing.T) {
	fake := &hosttest.Fake{Stopped: true}
	runner, _ := newTestRunner(testConfig(), fake)

	notifier := &recordingNotifier{}
	result, err := runner.RunBackup(host.WithPrimary(context.Background()), models.Daily, notifier)

	require.Error(t, err)
	assert.ErrorIs(t, err, host.ErrStopped)
	assert.Nil(t, result)
	assert.Empty(t, notifier.Lines())
}

func TestRunBackup_VerboseLogGatesProgress(t *testing.T) {
	tests := []struct {
		name     string
		verbose  bool
		notifier *recordingNotifier
		wantNil  bool
	}{
		{"verbose with notifier", true, &recordingNotifier{}, false},
		{"quiet with notifier", false, &recordingNotifier{}, true},
		{"verbose without notifier", true, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.VerboseLog = tt.verbose
			runner, svcs := newTestRunner(cfg, &hosttest.Fake{})

			var got models.Notifier
			svcs.archiver.createFunc = func(ctx context.Context, sources models.Sources, destination string, n models.Notifier) (*models.ArchiveResult, error) {
				got = n
				return &models.ArchiveResult{}, nil
			}

			var n models.Notifier
			if tt.notifier != nil {
				n = tt.notifier
			}
			_, err := runner.RunBackup(context.Background(), models.Periodic, n)
			require.NoError(t, err)

			if tt.wantNil {
				assert.Nil(t, got)
			} else {
				assert.NotNil(t, got)
			}
		})
	}
}

func TestRunBackup_SameKindIsRejectedWhileRunning(t *testing.T) {
	fake := &hosttest.Fake{}
	runner, svcs := newTestRunner(testConfig(), fake)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	svcs.archiver.createFunc = func(ctx context.Context, sources models.Sources, destination string, notifier models.Notifier) (*models.ArchiveResult, error) {
		once.Do(func() {
			close(started)
			<-release
		})
		return &models.ArchiveResult{}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := runner.RunBackup(context.Background(), models.Periodic, nil)
		done <- err
	}()
	<-started

	result, err := runner.RunBackup(context.Background(), models.Periodic, nil)
	require.ErrorIs(t, err, models.ErrRunInProgress)
	assert.Nil(t, result)

	close(release)
	require.NoError(t, <-done)

	// The lock is released afterwards.
	_, err = runner.RunBackup(context.Background(), models.Periodic, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.Count("resume"))
}

func TestRunBackup_OtherKindWaitsForResume(t *testing.T) {
	fake := &hosttest.Fake{}
	runner, svcs := newTestRunner(testConfig(), fake)

	started := make(chan struct{})
	release := make(chan struct{})
	svcs.archiver.createFunc = func(ctx context.Context, sources models.Sources, destination string, notifier models.Notifier) (*models.ArchiveResult, error) {
		if destination == "/backups/periodic.zip" {
			close(started)
			<-release
		}
		fake.Record("archived " + destination)
		return &models.ArchiveResult{}, nil
	}

	periodicDone := make(chan error, 1)
	go func() {
		_, err := runner.RunBackup(context.Background(), models.Periodic, nil)
		periodicDone <- err
	}()
	<-started

	dailyDone := make(chan error, 1)
	go func() {
		_, err := runner.RunBackup(context.Background(), models.Daily, nil)
		dailyDone <- err
	}()

	// Daily is not rejected, it waits while the host is paused.
	select {
	case err := <-dailyDone:
		t.Fatalf("daily run finished while periodic held the host paused: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, []string{"pause"}, fake.Events())

	close(release)
	require.NoError(t, <-periodicDone)
	require.NoError(t, <-dailyDone)

	assert.Equal(t, []string{
		"pause",
		"archived /backups/periodic.zip",
		"resume",
		"pause",
		"archived /backups/daily.zip",
		"resume",
	}, fake.Events())
}

func TestRunBackup_WOLFailureDoesNotAbort(t *testing.T) {
	fake := &hosttest.Fake{}
	cfg := testConfig()
	cfg.WOL = &models.WOLConfig{MACAddress: "AA:BB:CC:DD:EE:FF", BroadcastIP: "192.168.1.255"}
	runner, svcs := newTestRunner(cfg, fake)

	woken := false
	svcs.wol.wakeFunc = func(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error) {
		woken = true
		return &models.WOLResult{Error: errors.New("no route")}, nil
	}

	_, err := runner.RunBackup(context.Background(), models.Periodic, nil)

	require.NoError(t, err)
	assert.True(t, woken)
	assert.Equal(t, 1, fake.Count("pause"))
	assert.Equal(t, 1, fake.Count("resume"))
}

func TestRunBackup_TelegramOnFailure(t *testing.T) {
	fake := &hosttest.Fake{}
	cfg := testConfig()
	cfg.Telegram = &models.TelegramConfig{BotToken: "t", ChatID: "c"}
	runner, svcs := newTestRunner(cfg, fake)

	svcs.archiver.createFunc = func(ctx context.Context, sources models.Sources, destination string, notifier models.Notifier) (*models.ArchiveResult, error) {
		return &models.ArchiveResult{Error: models.ErrArchiveCreate}, nil
	}
	var sent models.TelegramMessage
	svcs.telegram.sendFunc = func(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
		sent = msg
		return &models.TelegramResult{Error: errors.New("chat not found")}, nil
	}

	result, err := runner.RunBackup(context.Background(), models.Daily, nil)

	require.ErrorIs(t, err, models.ErrArchiveCreate)
	assert.False(t, sent.Success)
	assert.Equal(t, "archive", sent.FailedStep)
	assert.Equal(t, "daily", sent.Kind)
	assert.Equal(t, result.RunID, sent.RunID)
	assert.Equal(t, "/backups/daily.zip", sent.Destination)
}

func TestTrigger_SwallowsErrorsAndPanics(t *testing.T) {
	var logs bytes.Buffer
	fake := &hosttest.Fake{}
	_, svcs := newTestRunner(testConfig(), fake)
	runner := NewWithServices(
		zerolog.New(&logs),
		testConfig(),
		fake,
		&panickingGuard{},
		svcs.rotator,
		svcs.archiver,
		svcs.wol,
		svcs.telegram,
	)

	assert.NotPanics(t, func() { runner.Trigger(context.Background(), models.Periodic) })
	assert.Contains(t, logs.String(), "backup run panicked")
}

type panickingGuard struct{}

func (g *panickingGuard) Pause(ctx context.Context) (models.Ack, error)  { return models.AckOK, nil }
func (g *panickingGuard) Resume(ctx context.Context) (models.Ack, error) { return models.AckOK, nil }
func (g *panickingGuard) Do(ctx context.Context, fn func(ctx context.Context) error) (*models.GuardResult, error) {
	panic("guard exploded")
}

func TestTrigger_LogsFailure(t *testing.T) {
	var logs bytes.Buffer
	fake := &hosttest.Fake{
		PauseFunc: func(ctx context.Context) (models.Ack, error) { return "", errors.New("refused") },
	}
	runner := New(zerolog.New(&logs), testConfig(), fake)

	runner.Trigger(context.Background(), models.Daily)

	assert.Contains(t, logs.String(), "backup run failed")
	assert.Contains(t, logs.String(), "refused")
}

func TestRunBackup_EndToEndOnMemFs(t *testing.T) {
	mem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(mem, "/srv/server.properties", []byte("motd=hi"), 0o644))
	require.NoError(t, afero.WriteFile(mem, "/srv/world/level.dat", []byte("level"), 0o644))

	cfg := testConfig()
	cfg.Periodic.Keep = 2
	cfg.Sources.Folders = append(cfg.Sources.Folders, "/srv/missing")

	fake := &hosttest.Fake{}
	runner := NewWithServices(
		testLogger(),
		cfg,
		fake,
		pause.New(testLogger(), fake, time.Second),
		rotate.NewWithFs(testLogger(), mem),
		archive.NewWithFs(testLogger(), mem),
		&mockWOLService{},
		&mockTelegramService{},
	)

	for i := 0; i < 3; i++ {
		result, err := runner.RunBackup(context.Background(), models.Periodic, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Archive.Entries)
		assert.Equal(t, 1, result.Archive.MissingSources)
	}

	for _, name := range []string{"/backups/periodic.zip", "/backups/periodic.zip.1", "/backups/periodic.zip.2"} {
		exists, err := afero.Exists(mem, name)
		require.NoError(t, err)
		assert.True(t, exists, name)
	}
	exists, err := afero.Exists(mem, "/backups/periodic.zip.3")
	require.NoError(t, err)
	assert.False(t, exists)

	data, err := afero.ReadFile(mem, "/backups/periodic.zip")
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"/srv/server.properties", "/srv/world/level.dat"}, names)
	assert.Equal(t, 3, fake.Count("resume"))
}
