package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rcliao/tiered-memory/internal/api/response"
)

// idleAfter is how long a client's limiter may sit unused before it is dropped.
const idleAfter = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

// NewRateLimiter allows requestsPerSecond per client with the given burst.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		now:      time.Now,
	}
}

func (rl *RateLimiter) getLimiter(clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for id, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) > idleAfter {
			delete(rl.limiters, id)
		}
	}
	cl, ok := rl.limiters[clientID]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[clientID] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// Handler rejects requests over the limit with 429 and a Retry-After hint.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := rl.getLimiter(clientID(r))
		if !limiter.Allow() {
			res := limiter.Reserve()
			retry := res.Delay()
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			response.Error(w, http.StatusTooManyRequests, response.ErrCodeTooManyRequests,
				"rate limit exceeded", GetRequestID(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientID prefers the collaborator's session header over the remote host.
func clientID(r *http.Request) string {
	if id := r.Header.Get("X-Session-ID"); id != "" {
		return "session:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
