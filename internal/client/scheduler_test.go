package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerFiresAllLoops(t *testing.T) {
	var presence, movement, seed atomic.Int64

	r := NewRunner(Checks{
		Presence: func(ctx context.Context) error { presence.Add(1); return nil },
		Movement: func(ctx context.Context) error { movement.Add(1); return nil },
		Seed:     func(ctx context.Context) error { seed.Add(1); return nil },
	}, WithIntervals(5*time.Millisecond, 5*time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for presence.Load() == 0 || movement.Load() == 0 || seed.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("loops did not all fire: presence=%d movement=%d seed=%d",
				presence.Load(), movement.Load(), seed.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunnerSurvivesCheckErrors(t *testing.T) {
	var calls atomic.Int64
	r := NewRunner(Checks{
		Presence: func(ctx context.Context) error {
			calls.Add(1)
			return errors.New("transient")
		},
	}, WithIntervals(5*time.Millisecond, 0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("loop stopped after errors: calls=%d", calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestRunnerWithNoChecksReturnsImmediately(t *testing.T) {
	r := NewRunner(Checks{})
	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with no checks should return at once")
	}
}
