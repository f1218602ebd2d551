// Package ratelimit implements the three-tier fixed-window rate limiter.
// Every inbound request is counted against a route window shared by all
// clients, a route+IP window, and a global per-IP window; the request is
// limited if any tier overflows. Windows are one minute long and reset
// lazily on access; a background sweep resets expired windows and reclaims
// idle per-IP entries.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

const (
	windowLength  = time.Minute
	sweepInterval = time.Minute
	idleTTL       = 5 * time.Minute

	// ipRouteShare is the fraction of a route's budget a single IP may
	// consume. Applied with floor at enforcement and header reporting
	// alike; a share that floors to zero disables the tier.
	ipRouteShare = 0.25
)

// Tier names used in headers and the 429 breakdown.
const (
	TierRoute    = "route"
	TierRouteIP  = "routeIp"
	TierGlobalIP = "globalIp"
)

type kind uint8

const (
	kindRoute kind = iota
	kindRouteIP
	kindGlobalIP
)

// counterKey addresses one window: the tier kind plus whichever of route
// and ip the tier is keyed by.
type counterKey struct {
	kind  kind
	route string
	ip    string
}

type window struct {
	count       int
	windowStart time.Time
	lastAccess  time.Time
}

// Tier reports one window's state after the current request was counted.
type Tier struct {
	Name      string
	Limit     int
	Remaining int
	Reset     int64 // unix seconds at which the window expires

	exceeded bool // count passed the limit on this request
}

// Result is the verdict for one request across all active tiers. Limit,
// Remaining and Reset mirror the X-RateLimit-* headers: the binding tier's
// limit, the minimum remaining, and the earliest window expiry.
type Result struct {
	Limited   bool
	Limit     int
	Remaining int
	Reset     int64
	Tiers     []Tier
}

// LimitedBy names the first tier that rejected the request, or "" when
// the request was allowed.
func (r Result) LimitedBy() string {
	for _, t := range r.Tiers {
		if t.exceeded {
			return t.Name
		}
	}
	return ""
}

// Breakdown renders the per-tier state for the 429 error details.
func (r Result) Breakdown() map[string]any {
	tiers := make(map[string]any, len(r.Tiers))
	for _, t := range r.Tiers {
		tiers[t.Name] = map[string]any{
			"limit":     t.Limit,
			"remaining": t.Remaining,
			"reset":     t.Reset,
		}
	}
	return map[string]any{"tiers": tiers}
}

// Config sets the per-minute budgets. A zero or negative limit disables
// that tier rather than blocking everything.
type Config struct {
	Routes   map[string]int // route name → requests per minute
	GlobalIP int            // per-IP requests per minute across all routes

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Limiter holds all window counters behind a single mutex. The critical
// section is a few map operations; nothing blocks while it is held.
type Limiter struct {
	mu       sync.Mutex
	counters map[counterKey]*window

	routes   map[string]int
	globalIP int
	now      func() time.Time

	ticker   *time.Ticker
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates the limiter and starts its sweep goroutine. Callers must
// Stop it on shutdown.
func New(cfg Config) *Limiter {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	routes := make(map[string]int, len(cfg.Routes))
	for name, rpm := range cfg.Routes {
		routes[name] = rpm
	}
	l := &Limiter{
		counters: make(map[counterKey]*window),
		routes:   routes,
		globalIP: cfg.GlobalIP,
		now:      now,
		ticker:   time.NewTicker(sweepInterval),
		stop:     make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Stop halts the sweep goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		l.ticker.Stop()
		close(l.stop)
	})
}

// Check counts one request against all tiers and returns the combined
// verdict. Called exactly once per inbound request before any downstream
// work; the count is consumed even when the request is later rejected by
// auth, matching the front-of-pipeline placement.
func (l *Limiter) Check(route, clientIP string) Result {
	routeLimit := l.routes[route]
	ipRouteLimit := int(math.Floor(float64(routeLimit) * ipRouteShare))
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	tiers := make([]Tier, 0, 3)
	if routeLimit > 0 {
		tiers = append(tiers, l.bump(counterKey{kindRoute, route, ""}, TierRoute, routeLimit, now))
	}
	if ipRouteLimit > 0 {
		tiers = append(tiers, l.bump(counterKey{kindRouteIP, route, clientIP}, TierRouteIP, ipRouteLimit, now))
	}
	if l.globalIP > 0 {
		tiers = append(tiers, l.bump(counterKey{kindGlobalIP, "", clientIP}, TierGlobalIP, l.globalIP, now))
	}
	return combine(tiers)
}

// bump expires, increments and reads one window. Caller holds l.mu.
func (l *Limiter) bump(key counterKey, name string, limit int, now time.Time) Tier {
	w := l.counters[key]
	if w == nil {
		w = &window{windowStart: now}
		l.counters[key] = w
	}
	if now.Sub(w.windowStart) > windowLength {
		w.count = 0
		w.windowStart = now
	}
	w.count++
	w.lastAccess = now

	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Tier{
		Name:      name,
		Limit:     limit,
		Remaining: remaining,
		Reset:     w.windowStart.Add(windowLength).Unix(),
		exceeded:  w.count > limit,
	}
}

func combine(tiers []Tier) Result {
	if len(tiers) == 0 {
		return Result{}
	}
	res := Result{
		Limit:     tiers[0].Limit,
		Remaining: tiers[0].Remaining,
		Reset:     tiers[0].Reset,
		Tiers:     tiers,
	}
	for _, t := range tiers {
		if t.Remaining < res.Remaining {
			res.Remaining = t.Remaining
			res.Limit = t.Limit
		}
		if t.Reset < res.Reset {
			res.Reset = t.Reset
		}
		if t.exceeded {
			res.Limited = true
		}
	}
	return res
}

func (l *Limiter) sweepLoop() {
	for {
		select {
		case <-l.ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// sweep resets expired windows and drops per-IP entries idle for idleTTL.
// Route-keyed windows are never dropped; there is a fixed number of them.
func (l *Limiter) sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.counters {
		if key.ip != "" && now.Sub(w.lastAccess) >= idleTTL {
			delete(l.counters, key)
			continue
		}
		if now.Sub(w.windowStart) > windowLength {
			w.count = 0
			w.windowStart = now
		}
	}
}
