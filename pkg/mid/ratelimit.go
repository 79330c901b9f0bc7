package mid

import (
	"net"
	"net/http"
	"sync"

	"github.com/LotLogicAI/lotlogic/pkg/resilience"
)

// RateLimit returns middleware enforcing perMinute requests per client IP
// with the given burst, one resilience.Limiter token bucket per client.
// Over-limit requests get 429.
func RateLimit(perMinute, burst int) Middleware {
	var mu sync.Mutex
	limiters := make(map[string]*resilience.Limiter)

	limiterFor := func(ip string) *resilience.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[ip]
		if !ok {
			l = resilience.NewLimiter(resilience.LimiterOpts{
				Rate:  float64(perMinute) / 60.0,
				Burst: burst,
			})
			limiters[ip] = l
		}
		return l
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if !limiterFor(ip).Allow() {
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
