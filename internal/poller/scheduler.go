// Package poller refreshes the dashboard on a fixed interval. It is the only
// refresh source while the push channel is down and a slow safety net while
// the channel is live.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fleet-dashboard/internal/logger"
)

const (
	DefaultDegradedInterval = 30 * time.Second
	DefaultLiveInterval     = 5 * time.Minute
)

// Refresher is the part of the fetch coordinator the scheduler drives.
type Refresher interface {
	FetchAll(ctx context.Context, manual bool) error
}

// Scheduler manages the polling cron entry
type Scheduler struct {
	cron      *cron.Cron
	refresher Refresher
	log       *slog.Logger

	degradedInterval time.Duration
	liveInterval     time.Duration

	mu      sync.Mutex
	entry   cron.EntryID
	live    bool
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler polling every degraded interval until told the push
// channel is live.
func New(r Refresher, degradedInterval, liveInterval time.Duration) *Scheduler {
	if degradedInterval <= 0 {
		degradedInterval = DefaultDegradedInterval
	}
	if liveInterval < degradedInterval {
		liveInterval = DefaultLiveInterval
	}
	log := logger.WithComponent("poller")
	cl := cronLogger{log}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Scheduler{
		cron:             c,
		refresher:        r,
		log:              log,
		degradedInterval: degradedInterval,
		liveInterval:     liveInterval,
	}
}

// Start begins polling. Ticks are cancelled through ctx or Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.reschedule()
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("Polling started", "interval", s.Interval())
}

// Stop removes the polling entry and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.log.Info("Polling stopped")
}

// SetLive switches between the degraded and the live interval.
func (s *Scheduler) SetLive(live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == live {
		return
	}
	s.live = live
	if s.running {
		s.reschedule()
		s.log.Info("Polling interval changed", "live", live, "interval", s.intervalLocked())
	}
}

// Interval is the interval currently in effect.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervalLocked()
}

func (s *Scheduler) intervalLocked() time.Duration {
	if s.live {
		return s.liveInterval
	}
	return s.degradedInterval
}

// reschedule replaces the polling entry. Caller holds s.mu.
func (s *Scheduler) reschedule() {
	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.intervalLocked()), s.tick)
	if err != nil {
		logger.Error("Failed to register polling job", "error", err)
		return
	}
	s.entry = id
}

// tick runs one non-manual refresh, so collections that are still fresh are
// not read again.
func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.log.Debug("Polling tick")
	if err := s.refresher.FetchAll(ctx, false); err != nil {
		s.log.Warn("Polling refresh failed", "error", err)
	}
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
