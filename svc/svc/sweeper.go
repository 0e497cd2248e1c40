package svc

import (
	"context"
	"sync"
	"time"

	"pingnote/metrics"
	"pingnote/svc/db"
	"pingnote/svc/util"
)

// Sweeper periodically reclaims notes that can no longer be read from
// stores without native expiry. Readers never depend on it having run.
type Sweeper struct {
	cleaner  db.Cleaner
	interval time.Duration
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper returns nil when store expires notes on its own.
func NewSweeper(store db.Store, interval time.Duration) *Sweeper {
	cleaner, ok := store.(db.Cleaner)
	if !ok {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{cleaner: cleaner, interval: interval}
}

func (s *Sweeper) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop ends the loop and waits for an in-flight cycle. Safe to call twice.
func (s *Sweeper) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	sweepID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, sweepID)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", sweepID).
		Dur("interval", s.interval).
		Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", sweepID).
				Msg("sweeper shutting down")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single cycle and returns how many notes it removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	metrics.SweepCycles.Inc()
	removed, err := s.cleaner.Cleanup(ctx)
	metrics.SweptNotes.Add(float64(removed))
	if err != nil {
		if ctx.Err() == nil {
			metrics.StoreErrors.WithLabelValues("sweep").Inc()
			util.Error().
				Err(err).
				Str("request_id", util.GetRequestID(ctx)).
				Msg("sweep failed")
		}
		return removed
	}
	if removed > 0 {
		util.Info().
			Int("removed", removed).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("sweep completed")
	}
	return removed
}
