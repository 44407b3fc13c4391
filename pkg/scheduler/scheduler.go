// Package scheduler drives periodic CDC runs. Each tick invokes the run
// callback and retries it with exponential backoff per the scheduling
// configuration before waiting out the next interval.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/driftlake/driftlake/pkg/config"
)

// Scheduler serializes runs: a tick never starts while the previous one is
// still in flight, so concurrent runs over the same table cannot happen.
type Scheduler struct {
	log        *slog.Logger
	clock      clockwork.Clock
	scheduling config.SchedulingConfig
	run        func(ctx context.Context) error
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Scheduling config.SchedulingConfig
	Run        func(ctx context.Context) error
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Run == nil {
		return errors.New("run callback is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		log:        cfg.Logger,
		clock:      cfg.Clock,
		scheduling: cfg.Scheduling,
		run:        cfg.Run,
	}, nil
}

// Run loops until the context is done. The first tick fires immediately.
// A tick that exhausts its retries is logged and the loop continues; only
// cancellation stops the scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.scheduling.IsEnabled() {
		s.log.Info("scheduling disabled, running once")
		return s.tick(ctx)
	}

	interval := time.Duration(s.scheduling.IntervalSeconds) * time.Second
	s.log.Info("scheduler starting", "interval", interval, "max_retries", s.scheduling.MaxRetries)

	for {
		if err := s.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Error("run failed after retries", "error", err)
		}

		timer := s.clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}
	}
}

// tick executes one run with the configured retry policy. The delays come
// from the backoff policy but the waits run on the injected clock, like the
// interval waits, so a fake clock can drive them in tests.
func (s *Scheduler) tick(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(s.scheduling.RetryDelaySeconds) * time.Second
	policy.MaxElapsedTime = 0

	var err error
	for attempt := 0; ; attempt++ {
		if err = s.run(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt >= s.scheduling.MaxRetries {
			return err
		}
		delay := policy.NextBackOff()
		s.log.Warn("run attempt failed, retrying", "attempt", attempt+1, "retry_in", delay, "error", err)
		timer := s.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.Chan():
		}
	}
}
