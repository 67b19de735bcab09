package driver

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/draftworks/listing-api/internal/sanitize"
)

// Poller claims pending jobs and hands them to the driver, one at a time.
// Sequential execution is deliberate: provider rate limits are shared across
// runs, so at most one job is in flight per process.
type Poller struct {
	driver   *Driver
	interval time.Duration
	notify   chan struct{}
	logger   zerolog.Logger
}

func NewPoller(d *Driver, interval time.Duration, logger zerolog.Logger) *Poller {
	return &Poller{
		driver:   d,
		interval: interval,
		notify:   make(chan struct{}, 1),
		logger:   logger.With().Str("component", "poller").Logger(),
	}
}

// Notify wakes the poll loop without waiting for the next tick. Safe to call
// from any goroutine; a wake-up already queued is enough.
func (p *Poller) Notify() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Start runs the poll loop until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info().Dur("interval", p.interval).Msg("job poller started")
	for {
		p.drain(ctx)
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("job poller stopped")
			return
		case <-ticker.C:
		case <-p.notify:
		}
	}
}

// drain claims and runs pending jobs until the queue is empty or ctx ends.
func (p *Poller) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.driver.store.ClaimPending(ctx)
		if err != nil {
			p.logger.Error().Str("error", sanitize.Error(err)).Msg("claiming pending job failed")
			return
		}
		if job == nil {
			return
		}
		p.logger.Info().Str("job_id", job.ID).Msg("claimed pending job")
		if err := p.driver.Run(ctx, job.ID); err != nil {
			p.logger.Error().Str("job_id", job.ID).Str("error", sanitize.Error(err)).Msg("job run ended with error")
		}
	}
}
