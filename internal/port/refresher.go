package port

import (
	"context"
	"sync"
	"time"
)

// Refresher runs a tick function on a fixed interval in its own goroutine.
//
// A failing tick is reported to onError and the schedule continues; there is
// no backoff because each tick is already bounded by the lock timeout.
// Stop prevents further ticks and waits for an in-flight tick to finish on
// its own. It never cancels the tick.
type Refresher struct {
	interval time.Duration
	tick     func(context.Context) error
	onError  func(error)

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRefresher creates a Refresher. onError may be nil.
func NewRefresher(interval time.Duration, tick func(context.Context) error, onError func(error)) *Refresher {
	if onError == nil {
		onError = func(error) {}
	}
	return &Refresher{interval: interval, tick: tick, onError: onError}
}

// Start launches the background loop. Calling Start more than once, or
// after Stop, does nothing.
func (r *Refresher) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped || r.interval <= 0 {
		return
	}
	r.started = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx)
}

func (r *Refresher) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// The tick runs to completion even if Stop is called meanwhile.
			if err := r.tick(context.WithoutCancel(ctx)); err != nil {
				r.onError(err)
			}
		}
	}
}

// Stop halts the loop and blocks until any in-flight tick has returned.
// It is idempotent and safe to call without Start.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
