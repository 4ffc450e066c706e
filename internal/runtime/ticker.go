package runtime

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Ticker delivers periodic tick envelopes to one engine address. Publishers
// drive their retry scan and heartbeats off these ticks instead of owning
// their own timers, which keeps the engines single-threaded.
type Ticker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartTicker sends a tick envelope from source to target every interval
// until Stop is called or ctx is cancelled.
func StartTicker(ctx context.Context, bus *Bus, clk clock.Clock, source, target Address, interval time.Duration) *Ticker {
	tctx, cancel := context.WithCancel(ctx)
	t := &Ticker{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		ticker := clk.Ticker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tctx.Done():
				return
			case now := <-ticker.C:
				env, err := NewEnvelope(KindTick, source).WithBody(TickBody{Timestamp: now.Unix()})
				if err != nil {
					continue
				}
				bus.Send(target, env)
			}
		}
	}()
	return t
}

// Stop halts the ticker and waits for the sending goroutine to exit.
func (t *Ticker) Stop() {
	t.cancel()
	<-t.done
}
