// Package client runs the device-side check loops. The server never trusts
// these loops; they only keep evidence flowing on schedule.
package client

import (
	"context"
	"log"
	"time"
)

// Default cadences. Presence has a wide window so an hourly check always
// lands at least once per night; movement sampling covers each quarter-day
// window twice; seed refresh stays ahead of the rotation.
const (
	PresenceInterval = 1 * time.Hour
	MovementInterval = 4 * time.Hour
	SeedInterval     = 30 * time.Second
)

// Checks are the callbacks a Runner drives. Any nil check is skipped.
type Checks struct {
	Presence func(ctx context.Context) error
	Movement func(ctx context.Context) error
	Seed     func(ctx context.Context) error
}

// Runner schedules the periodic checks until its context is canceled.
type Runner struct {
	checks Checks

	presenceEvery time.Duration
	movementEvery time.Duration
	seedEvery     time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithIntervals overrides the default cadences (useful for tests). Zero
// values keep the defaults.
func WithIntervals(presence, movement, seed time.Duration) Option {
	return func(r *Runner) {
		if presence > 0 {
			r.presenceEvery = presence
		}
		if movement > 0 {
			r.movementEvery = movement
		}
		if seed > 0 {
			r.seedEvery = seed
		}
	}
}

func NewRunner(checks Checks, opts ...Option) *Runner {
	r := &Runner{
		checks:        checks,
		presenceEvery: PresenceInterval,
		movementEvery: MovementInterval,
		seedEvery:     SeedInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts one goroutine per check and blocks until ctx is canceled and
// all loops have drained. Check errors are logged and the loop keeps going;
// a missed cycle is recoverable, a dead loop is not.
func (r *Runner) Run(ctx context.Context) {
	done := make(chan struct{}, 3)
	loops := 0

	start := func(name string, every time.Duration, check func(ctx context.Context) error) {
		if check == nil {
			return
		}
		loops++
		go func() {
			defer func() { done <- struct{}{} }()
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := check(ctx); err != nil && ctx.Err() == nil {
						log.Printf("%s check: %v", name, err)
					}
				}
			}
		}()
	}

	start("presence", r.presenceEvery, r.checks.Presence)
	start("movement", r.movementEvery, r.checks.Movement)
	start("seed", r.seedEvery, r.checks.Seed)

	for i := 0; i < loops; i++ {
		<-done
	}
}
