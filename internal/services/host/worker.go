package host

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// cronTask is a Task backed by a cron entry.
type cronTask struct {
	cron    *cron.Cron
	oneShot bool

	mu   sync.Mutex
	id   cron.EntryID
	once sync.Once
}

// Cancel removes the entry. Removing twice or after the cron stopped is a no-op.
func (t *cronTask) Cancel() {
	t.once.Do(func() {
		t.mu.Lock()
		id := t.id
		t.mu.Unlock()
		t.cron.Remove(id)
	})
}

// delaySchedule fires first at an absolute instant, then every period aligned
// to that instant. A zero period fires once.
//
// cron calls Next from its run goroutine only: once when the entry is added
// and once after every activation.
type delaySchedule struct {
	first  time.Time
	period time.Duration
	armed  bool
}

// Next implements cron.Schedule.
func (s *delaySchedule) Next(now time.Time) time.Time {
	if !s.armed {
		s.armed = true
		return s.first
	}
	if s.period <= 0 {
		return time.Time{}
	}
	if now.Before(s.first) {
		// Wall clock went backwards.
		return s.first
	}
	n := now.Sub(s.first)/s.period + 1
	return s.first.Add(n * s.period)
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
