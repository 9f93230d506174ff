/*
scheduler.go - Periodic overdue sweep

PURPOSE:
  Reads already refresh bill status lazily, so an unpaid bill past its due
  date is reported overdue whenever it is looked at. The scheduler makes
  the stored status converge for bills nobody reads, so reports and
  exports taken straight from the database agree with the API.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Runs once immediately on start
  - Each run is one Engine.RefreshOverdue call (one transaction)
  - Errors are logged; the next tick tries again

CONFIGURATION:
  - scheduler.enabled  (default: false)
  - scheduler.interval (default: 1h)

USAGE:
  s := NewOverdueScheduler(engine, log)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - billing/engine.go: RefreshOverdue
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coopdesk/waterbilling/billing"
)

// OverdueScheduler periodically marks unpaid bills past due as overdue.
type OverdueScheduler struct {
	Engine        *billing.Engine
	CheckInterval time.Duration
	Enabled       bool
	Log           *zap.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex

	// Guarded separately: Stop holds mu while a sweep may still be finishing.
	runMu   sync.Mutex
	lastRun time.Time
}

// NewOverdueScheduler creates a new scheduler.
func NewOverdueScheduler(engine *billing.Engine, log *zap.Logger) *OverdueScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &OverdueScheduler{
		Engine:        engine,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Log:           log.Named("scheduler"),
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (s *OverdueScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run()

	s.Log.Info("started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *OverdueScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Log.Info("stopped")
	}
}

func (s *OverdueScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(context.Background())
		case <-s.stop:
			return
		}
	}
}

// RunNow performs one sweep and returns how many bills became overdue.
func (s *OverdueScheduler) RunNow(ctx context.Context) int {
	started := time.Now()
	n, err := s.Engine.RefreshOverdue(ctx)
	if err != nil {
		s.Log.Error("overdue sweep failed", zap.Error(err))
		return 0
	}

	s.runMu.Lock()
	s.lastRun = started
	s.runMu.Unlock()

	if n > 0 {
		s.Log.Info("overdue sweep completed",
			zap.Int("transitioned", n),
			zap.Duration("took", time.Since(started)))
	}
	return n
}

// LastRun returns when the last successful sweep started.
func (s *OverdueScheduler) LastRun() time.Time {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.lastRun
}
