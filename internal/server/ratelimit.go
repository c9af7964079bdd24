package server

import (
	"math"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a global and a per-caller request budget with token
// buckets. Per-caller buckets are created lazily on first use.
type RateLimiter struct {
	mu        sync.Mutex
	global    *rate.Limiter
	callers   map[string]*rate.Limiter
	perCaller rate.Limit
	burst     int
}

// NewRateLimiter creates a limiter from requests-per-minute settings.
func NewRateLimiter(globalRPM, perCallerRPM int) *RateLimiter {
	globalBurst := globalRPM
	if globalBurst < 1 {
		globalBurst = 1
	}
	callerBurst := perCallerRPM
	if callerBurst < 1 {
		callerBurst = 1
	}
	return &RateLimiter{
		global:    rate.NewLimiter(rate.Limit(float64(globalRPM)/60.0), globalBurst),
		callers:   make(map[string]*rate.Limiter),
		perCaller: rate.Limit(float64(perCallerRPM) / 60.0),
		burst:     callerBurst,
	}
}

// Allow reports whether a request from the given caller is within limits.
// On rejection it also returns how long the caller should wait before the
// next token becomes available. A rejected request consumes no tokens.
func (rl *RateLimiter) Allow(callerName string) (bool, time.Duration) {
	global := rl.global.Reserve()
	if d := global.Delay(); d > 0 {
		global.Cancel()
		return false, d
	}

	caller := rl.callerLimiter(callerName).Reserve()
	if d := caller.Delay(); d > 0 {
		caller.Cancel()
		global.Cancel()
		return false, d
	}
	return true, 0
}

func (rl *RateLimiter) callerLimiter(callerName string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	limiter, ok := rl.callers[callerName]
	if !ok {
		limiter = rate.NewLimiter(rl.perCaller, rl.burst)
		rl.callers[callerName] = limiter
	}
	return limiter
}

// retryAfterSeconds renders a wait duration as a Retry-After header value,
// rounded up to whole seconds with a floor of 1.
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
