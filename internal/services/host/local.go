package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fgeck/hostsnap/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type primaryTask struct {
	fn     PrimaryFunc
	result chan PrimaryResult
}

// Local is an in-process host. One goroutine started by Run acts as the
// primary context; worker tasks run on cron-managed goroutines.
type Local struct {
	persistence Persistence
	logger      zerolog.Logger
	cron        *cron.Cron
	tasks       chan primaryTask
	done        chan struct{}
	workerCtx   context.Context
	stopWorkers context.CancelFunc

	mu       sync.RWMutex
	draining bool // no new worker tasks
	stopped  bool // no new primary tasks
}

// NewLocal creates a local host that delegates persistence control to p.
// The worker scheduler starts immediately; the primary context starts with Run.
func NewLocal(logger zerolog.Logger, p Persistence) *Local {
	workerCtx, stop := context.WithCancel(context.Background())
	h := &Local{
		persistence: p,
		logger:      logger,
		cron:        cron.New(cron.WithChain(cron.Recover(cronLogger{logger: logger}))),
		tasks:       make(chan primaryTask, 16),
		done:        make(chan struct{}),
		workerCtx:   workerCtx,
		stopWorkers: stop,
	}
	h.cron.Start()
	return h
}

// Run executes queued primary work until ctx is cancelled. On cancellation
// the worker context is cancelled and running worker tasks are waited for
// while primary work is still served, so a task can finish its handshake
// with the primary context. Work queued after that is answered with
// ErrStopped.
func (h *Local) Run(ctx context.Context) error {
	primaryCtx := WithPrimary(ctx)
	h.logger.Debug().Msg("primary context started")

	for {
		select {
		case <-ctx.Done():
			h.drain(WithPrimary(context.WithoutCancel(ctx)))
			h.shutdown()
			return nil
		case t := <-h.tasks:
			t.result <- h.runPrimary(primaryCtx, t.fn)
		}
	}
}

func (h *Local) drain(primaryCtx context.Context) {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()

	h.stopWorkers()
	workersDone := h.cron.Stop().Done()

	for {
		select {
		case <-workersDone:
			return
		case t := <-h.tasks:
			t.result <- h.runPrimary(primaryCtx, t.fn)
		}
	}
}

func (h *Local) runPrimary(ctx context.Context, fn PrimaryFunc) (res PrimaryResult) {
	defer func() {
		if r := recover(); r != nil {
			res = PrimaryResult{Err: fmt.Errorf("primary task panicked: %v", r)}
		}
	}()
	ack, err := fn(ctx)
	return PrimaryResult{Ack: ack, Err: err}
}

func (h *Local) shutdown() {
	// Closing done first releases senders blocked on a full queue; taking the
	// write lock then waits for every in-flight sender to leave.
	close(h.done)
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()

	for {
		select {
		case t := <-h.tasks:
			t.result <- PrimaryResult{Err: ErrStopped}
		default:
			h.logger.Debug().Msg("host stopped")
			return
		}
	}
}

// IsPrimary implements Primary.
func (h *Local) IsPrimary(ctx context.Context) bool {
	return OnPrimary(ctx)
}

// RunOnPrimary implements Primary.
func (h *Local) RunOnPrimary(fn PrimaryFunc) (<-chan PrimaryResult, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return nil, ErrStopped
	}

	t := primaryTask{fn: fn, result: make(chan PrimaryResult, 1)}
	select {
	case h.tasks <- t:
		return t.result, nil
	case <-h.done:
		return nil, ErrStopped
	}
}

// RunOnWorkerDelayed implements Worker.
func (h *Local) RunOnWorkerDelayed(fn func(ctx context.Context), delay time.Duration) (Task, error) {
	return h.schedule(fn, delay, 0)
}

// RunOnWorkerRepeating implements Worker.
func (h *Local) RunOnWorkerRepeating(fn func(ctx context.Context), initialDelay, period time.Duration) (Task, error) {
	if period <= 0 {
		return nil, fmt.Errorf("repeating task needs a positive period, got %s", period)
	}
	return h.schedule(fn, initialDelay, period)
}

func (h *Local) schedule(fn func(ctx context.Context), delay, period time.Duration) (Task, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.draining || h.stopped {
		return nil, ErrStopped
	}
	if delay < 0 {
		delay = 0
	}

	t := &cronTask{cron: h.cron, oneShot: period == 0}
	sched := &delaySchedule{first: time.Now().Add(delay), period: period}
	job := cron.FuncJob(func() {
		fn(h.workerCtx)
		if t.oneShot {
			t.Cancel()
		}
	})

	// The job cannot observe t.id before it is assigned; Cancel waits on t.mu.
	t.mu.Lock()
	t.id = h.cron.Schedule(sched, job)
	t.mu.Unlock()
	return t, nil
}

// FlushAndPausePersistence implements Persistence.
func (h *Local) FlushAndPausePersistence(ctx context.Context) (models.Ack, error) {
	if !h.IsPrimary(ctx) {
		h.logger.Warn().Msg("pause persistence called off the primary context")
	}
	return h.persistence.FlushAndPausePersistence(ctx)
}

// ResumePersistence implements Persistence.
func (h *Local) ResumePersistence(ctx context.Context) (models.Ack, error) {
	if !h.IsPrimary(ctx) {
		h.logger.Warn().Msg("resume persistence called off the primary context")
	}
	return h.persistence.ResumePersistence(ctx)
}
