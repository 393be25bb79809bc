package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter hands out a per-path token bucket, backing the 429
// RATE_LIMITED / Retry-After contract in §7. Each path gets its own
// bucket so one hot stream cannot starve requests to another.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// newRateLimiter constructs a limiter allowing ratePerSecond sustained
// requests per path with the given burst.
func newRateLimiter(ratePerSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(ratePerSecond),
		burst:    burst,
	}
}

func (rl *rateLimiter) forPath(path string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.limiters[path]
	if !ok {
		lim = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[path] = lim
	}
	return lim
}

// allow reports whether a request to path may proceed, setting the
// X-RateLimit-* response headers either way (§9 Dynamic headers).
func (rl *rateLimiter) allow(w http.ResponseWriter, path string) bool {
	lim := rl.forPath(path)
	res := lim.ReserveN(time.Now(), 1)
	if !res.OK() {
		return false
	}
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
		w.Header().Set("Retry-After", strconv.Itoa(int(delay.Seconds()+1)))
		return false
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(float64(rl.rps), 'f', 0, 64))
	return true
}
