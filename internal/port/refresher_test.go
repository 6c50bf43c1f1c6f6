package port

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRefresher_TicksAndSurvivesErrors(t *testing.T) {
	var ticks, failures atomic.Int32
	r := NewRefresher(5*time.Millisecond, func(context.Context) error {
		if ticks.Add(1)%2 == 0 {
			return errors.New("transient")
		}
		return nil
	}, func(error) { failures.Add(1) })

	r.Start()
	assert.Eventually(t, func() bool { return ticks.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	r.Stop()

	assert.GreaterOrEqual(t, failures.Load(), int32(2), "failed ticks are reported and the loop continues")

	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, ticks.Load(), "no ticks after Stop")
}

func TestRefresher_StopWithoutStart(t *testing.T) {
	r := NewRefresher(time.Millisecond, func(context.Context) error { return nil }, nil)
	assert.NotPanics(t, func() {
		r.Stop()
		r.Stop()
	})
	r.Start() // after Stop: no-op
}

func TestRefresher_StopWaitsForInFlightTick(t *testing.T) {
	entered := make(chan struct{})
	var finished atomic.Bool
	r := NewRefresher(time.Millisecond, func(ctx context.Context) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		time.Sleep(30 * time.Millisecond)
		finished.Store(ctx.Err() == nil)
		return nil
	}, nil)

	r.Start()
	<-entered
	r.Stop()
	assert.True(t, finished.Load(), "the in-flight tick ran to completion with a live context")
}

func TestRefresher_DisabledInterval(t *testing.T) {
	var ticks atomic.Int32
	r := NewRefresher(0, func(context.Context) error { ticks.Add(1); return nil }, nil)
	r.Start()
	time.Sleep(10 * time.Millisecond)
	r.Stop()
	assert.Zero(t, ticks.Load())
}
