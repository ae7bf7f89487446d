package policylist

import (
	"log/slog"
	"sync"
	"time"
)

// Defaults for Coalescer; both are configuration, not contract.
const (
	DefaultPollInterval = 200 * time.Millisecond
	DefaultMaxDelay     = 3 * time.Second
)

// Coalescer collapses bursts of change-notification markers into single
// batch-ready triggers. It guarantees two things: after notifications stop,
// the trigger fires within roughly one poll interval of the last marker; and
// under continuous traffic the trigger still fires at least once per
// MaxDelay, so reconciliation can never be starved.
//
// A Notify during an active wait only replaces the watched marker; it does
// not reset the wait's timer, which is what bounds worst-case latency.
type Coalescer struct {
	Logger *slog.Logger
	// PollInterval is the quiescence granularity: the marker must hold still
	// for one full interval before the trigger fires early.
	PollInterval time.Duration
	// MaxDelay is the ceiling on how long a wait may run before firing
	// regardless of traffic.
	MaxDelay time.Duration

	trigger func()

	mu      sync.Mutex
	waiting bool
	latest  string
}

// NewCoalescer returns a coalescer firing fn on every batch-ready trigger.
// Zero durations fall back to the defaults.
func NewCoalescer(poll, maxDelay time.Duration, fn func()) *Coalescer {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return &Coalescer{
		Logger:       slog.Default(),
		PollInterval: poll,
		MaxDelay:     maxDelay,
		trigger:      fn,
	}
}

// Notify records that something changed, identified by an opaque marker.
// When idle, it starts a wait; when already waiting, it only replaces the
// watched marker.
func (c *Coalescer) Notify(marker string) {
	c.mu.Lock()
	if c.waiting {
		c.latest = marker
		c.mu.Unlock()
		return
	}
	c.waiting = true
	c.latest = marker
	c.mu.Unlock()
	go c.wait(marker)
}

func (c *Coalescer) wait(marker string) {
	start := time.Now()
	lastSeen := marker
	for {
		time.Sleep(c.PollInterval)
		c.mu.Lock()
		quiescent := c.latest == lastSeen
		expired := time.Since(start) >= c.MaxDelay
		if quiescent || expired {
			c.waiting = false
			c.latest = ""
			c.mu.Unlock()
			if expired && !quiescent {
				c.Logger.Debug("coalescer hit max delay under continuous traffic", "elapsed", time.Since(start))
			}
			coalescerBatchCount.Inc()
			c.trigger()
			return
		}
		lastSeen = c.latest
		c.mu.Unlock()
	}
}
