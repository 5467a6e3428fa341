package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is how often the timer runs when none is configured.
const DefaultInterval = time.Minute

// maxBackoff caps how far consecutive failing runs stretch the interval.
const maxBackoff = 8

// Timer drives a Runner on an interval. Runs that fail, or leave commits
// failing, double the wait up to maxBackoff times the interval; a clean run
// restores it.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	streak   atomic.Int32 // consecutive unhealthy runs
}

// NewTimer creates a timer for runner.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether Start is looping.
func (t *Timer) Running() bool { return t.running.Load() }

// Start loops until ctx is done or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	wait := time.NewTimer(t.interval)
	defer wait.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-wait.C:
			if t.runOnce(ctx) {
				t.streak.Store(0)
			} else {
				t.streak.Add(1)
			}
			wait.Reset(backoff(t.interval, int(t.streak.Load())))
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// runOnce reports whether the run was healthy.
func (t *Timer) runOnce(ctx context.Context) (healthy bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
			healthy = false
		}
	}()

	report, err := t.runner.RunAll(ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		return true
	case err != nil:
		t.logger.Warn("reconciliation run failed", "error", err)
		return false
	case report.Failed > 0:
		t.logger.Warn("reconciliation left commits open",
			"failed", report.Failed, "remaining", report.Remaining)
		return false
	}
	return true
}

func backoff(interval time.Duration, streak int) time.Duration {
	mult := 1
	for i := 0; i < streak && mult < maxBackoff; i++ {
		mult *= 2
	}
	return interval * time.Duration(mult)
}
