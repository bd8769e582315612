/*
scheduler.go - Background reconciliation sweeper

PURPOSE:

	Periodically folds every account's entry log and compares it against the
	cached balance projection, repairing the cache where they disagree. The
	manual trigger (POST /api/admin/reconcile) runs the same sweep on demand.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - One sweep on start, then on every tick
  - A sweep that errors is logged and retried on the next tick

USAGE:

	sweeper := NewSweeper(reconciler, time.Hour, logger)
	sweeper.Start()
	// ... on shutdown
	sweeper.Stop()

SEE ALSO:
  - ledger/reconcile.go: The fold-vs-cache pass itself
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clipearn/ledger-engine/ledger"
)

// Sweeper runs the reconciler on a fixed interval.
type Sweeper struct {
	Reconciler *ledger.Reconciler
	Interval   time.Duration
	Log        *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweeper creates a sweeper. An interval of zero disables it.
func NewSweeper(rec *ledger.Reconciler, interval time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{
		Reconciler: rec,
		Interval:   interval,
		Log:        log,
		stop:       make(chan struct{}),
	}
}

// Start begins the background sweep.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Interval <= 0 {
		s.Log.Info("reconcile sweeper disabled")
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)
	go s.run()

	s.Log.Info("reconcile sweeper started", "interval", s.Interval)
}

// Stop halts the sweeper and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.Log.Info("reconcile sweeper stopped")
	}
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	s.sweep()
	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	report, err := s.Reconciler.Run(context.Background())
	if err != nil {
		s.Log.Error("reconcile sweep failed", "error", err)
		return
	}
	s.Log.Info("reconcile sweep finished",
		"accounts", report.Accounts,
		"drifts", len(report.Drifts),
		"took", report.FinishedAt.Sub(report.StartedAt))
}
