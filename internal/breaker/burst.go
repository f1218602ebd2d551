package breaker

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Burst is the process-wide request-rate breaker consulted by the
// dispatcher before any other gate. Admission runs through a token bucket
// sized to the configured requests-per-second; the first denied admission
// trips the breaker for 60 seconds, during which every request is shed.
type Burst struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	tripped   bool
	resetTime time.Time
	now       func() time.Time
}

// NewBurst creates the breaker admitting at most rps requests per second.
// A zero or negative rps disables the breaker.
func NewBurst(rps int) *Burst {
	return newBurst(rps, time.Now)
}

func newBurst(rps int, now func() time.Time) *Burst {
	if rps <= 0 {
		return &Burst{
			limiter: rate.NewLimiter(rate.Inf, 0),
			now:     now,
		}
	}
	return &Burst{
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		now:     now,
	}
}

// Allow admits or sheds one request.
func (b *Burst) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.tripped {
		if now.Before(b.resetTime) {
			return false
		}
		b.tripped = false
	}
	if !b.limiter.AllowN(now, 1) {
		b.tripped = true
		b.resetTime = now.Add(tripDuration)
		return false
	}
	return true
}

// Tripped reports whether the breaker is currently open.
func (b *Burst) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped && b.now().Before(b.resetTime)
}
