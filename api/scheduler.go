/*
scheduler.go - Payment expiry sweeper

PURPOSE:
  Periodically expires PendingPayment appointments whose payment deadline
  has passed. Each expiry releases the slot and promotes the waitlist in the
  same transaction. Operations also expire lazily, so the sweep only bounds
  how long an abandoned hold can block a slot nobody is looking at.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Runs once immediately on start
  - Errors are logged; the next tick retries

USAGE:
  sweeper := NewExpirySweeper(clinic, log)
  sweeper.Interval = cfg.SweepInterval
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: Sweep endpoint (manual run)
  - clinic/appointment.go: ExpireOverdue
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/clinic-engine/clinic"
	"github.com/warp/clinic-engine/observability"
)

// ExpirySweeper runs ExpireOverdue on a ticker.
type ExpirySweeper struct {
	Clinic   *clinic.Clinic
	Metrics  *observability.Metrics
	Interval time.Duration
	Enabled  bool

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpirySweeper creates a sweeper with a one-minute interval.
func NewExpirySweeper(c *clinic.Clinic, log zerolog.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		Clinic:   c,
		Interval: time.Minute,
		Enabled:  true,
		log:      log,
	}
}

// Start begins the sweeper.
func (s *ExpirySweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info().Msg("expiry sweeper disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.log.Info().Dur("interval", s.Interval).Msg("expiry sweeper started")
}

// Stop stops the sweeper and waits for an in-flight run.
func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info().Msg("expiry sweeper stopped")
}

func (s *ExpirySweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.RunNow(context.Background())
	for {
		select {
		case <-ticker.C:
			s.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep and returns how many holds expired.
func (s *ExpirySweeper) RunNow(ctx context.Context) int {
	n, err := s.Clinic.Appointments.ExpireOverdue(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("expiry sweep failed")
	}
	if n > 0 {
		s.log.Info().Int("expired", n).Msg("expired overdue payment holds")
	}
	if s.Metrics != nil {
		s.Metrics.RecordExpired(ctx, n)
	}
	return n
}
