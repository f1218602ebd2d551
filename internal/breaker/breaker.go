// Package breaker implements the gateway's two circuit breakers: a
// failure-window breaker guarding the primary provider (and, by policy,
// the moderation path) and a process-wide burst breaker that sheds load
// when the inbound request rate explodes.
package breaker

import (
	"sync"
	"time"
)

const (
	tripDuration = 60 * time.Second
	tickInterval = 10 * time.Second
)

// Breaker is the per-provider failure-window breaker. Failures within
// ErrorWindow accumulate; once the count passes MaxErrors the breaker
// trips for a fixed 60 seconds. Expired trips and stale failure counts
// are cleared lazily on access and by a background tick.
type Breaker struct {
	mu              sync.Mutex
	failureCount    int
	lastFailureTime time.Time
	tripped         bool
	resetTime       time.Time

	maxErrors   int
	errorWindow time.Duration
	now         func() time.Time

	ticker   *time.Ticker
	stop     chan struct{}
	stopOnce sync.Once
}

// Config sets the trip policy. Now overrides the clock in tests.
type Config struct {
	MaxErrors   int
	ErrorWindow time.Duration
	Now         func() time.Time
}

// New creates the breaker and starts its maintenance tick. Callers must
// Stop it on shutdown.
func New(cfg Config) *Breaker {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	b := &Breaker{
		maxErrors:   cfg.MaxErrors,
		errorWindow: cfg.ErrorWindow,
		now:         now,
		ticker:      time.NewTicker(tickInterval),
		stop:        make(chan struct{}),
	}
	go b.tickLoop()
	return b
}

// Stop halts the maintenance goroutine. Safe to call more than once.
func (b *Breaker) Stop() {
	b.stopOnce.Do(func() {
		b.ticker.Stop()
		close(b.stop)
	})
}

// Allow reports whether calls to the provider may proceed. An expired trip
// is cleared here rather than waiting for the background tick.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maintain(b.now())
	return !b.tripped
}

// RecordFailure counts one provider failure, restarting the count when the
// previous failure fell outside the error window. Crossing MaxErrors trips
// the breaker for 60 seconds and clears the count.
func (b *Breaker) RecordFailure() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.lastFailureTime.IsZero() && now.Sub(b.lastFailureTime) > b.errorWindow {
		b.failureCount = 0
	}
	b.failureCount++
	b.lastFailureTime = now

	if b.failureCount > b.maxErrors {
		b.tripped = true
		b.resetTime = now.Add(tripDuration)
		b.failureCount = 0
	}
}

// Snapshot is the breaker state surfaced by health and metrics.
type Snapshot struct {
	FailureCount int
	Tripped      bool
	ResetTime    time.Time
}

// State returns the current state after lazy maintenance.
func (b *Breaker) State() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maintain(b.now())
	return Snapshot{
		FailureCount: b.failureCount,
		Tripped:      b.tripped,
		ResetTime:    b.resetTime,
	}
}

// maintain clears expired trips and stale failure counts. Caller holds b.mu.
func (b *Breaker) maintain(now time.Time) {
	if b.tripped && !now.Before(b.resetTime) {
		b.tripped = false
		b.failureCount = 0
	}
	if b.failureCount > 0 && now.Sub(b.lastFailureTime) > b.errorWindow {
		b.failureCount = 0
	}
}

func (b *Breaker) tickLoop() {
	for {
		select {
		case <-b.ticker.C:
			b.mu.Lock()
			b.maintain(b.now())
			b.mu.Unlock()
		case <-b.stop:
			return
		}
	}
}
