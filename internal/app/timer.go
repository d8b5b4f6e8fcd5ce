package app

import (
	"context"
	"time"
)

// Ticker is the scheduling primitive behind a countdown.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type stdTicker struct{ t *time.Ticker }

func (s stdTicker) C() <-chan time.Time { return s.t.C }
func (s stdTicker) Stop()               { s.t.Stop() }

// NewStdTicker wraps time.NewTicker.
func NewStdTicker(d time.Duration) Ticker {
	return stdTicker{t: time.NewTicker(d)}
}

// countdown owns the goroutine that ticks a session timer. It is only touched with the
// session lock held. gen changes on every start and stop, so a tick that raced a
// re-arm is recognised as stale and dropped.
type countdown struct {
	newTicker TickerFunc
	gen       uint64
	cancel    context.CancelFunc
}

func (c *countdown) running() bool {
	return c.cancel != nil
}

// start launches a new countdown; onTick runs for every tick and returns false to end it.
func (c *countdown) start(onTick func(gen uint64) bool) {
	c.stop()
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	ticker := c.newTicker(time.Second)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				if !onTick(gen) {
					return
				}
			}
		}
	}()
}

func (c *countdown) stop() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
}
