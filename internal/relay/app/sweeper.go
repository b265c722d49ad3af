package app

import (
	"context"
	"log"
	"time"
)

// Sweeper periodically expires overdue attempts so abandoned slots return
// to the allocation pool without waiting for user action.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	waker    *Waker
}

// NewSweeper creates a sweeper that runs every interval and additionally
// whenever waker fires. waker may be nil.
func NewSweeper(engine *Engine, interval time.Duration, waker *Waker) *Sweeper {
	return &Sweeper{engine: engine, interval: interval, waker: waker}
}

// Run sweeps until ctx is cancelled. Errors are logged and the loop keeps
// going; a failed sweep is retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if s.waker != nil {
		wake = s.waker.C()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}

		count, err := s.engine.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("sweep failed: %v", err)
			continue
		}
		if count > 0 {
			log.Printf("expired %d overdue attempts", count)
		}
	}
}
