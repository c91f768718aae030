package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/tripled/internal/config"
)

type clientLimiters struct {
	read  *rate.Limiter
	write *rate.Limiter
	last  time.Time
}

// rateLimiter keeps one read and one write token bucket per client.
type rateLimiter struct {
	mu        sync.Mutex
	cfg       config.RateLimitConfig
	clients   map[string]*clientLimiters
	ttl       time.Duration
	stop      chan struct{}
	closeOnce sync.Once
}

func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	if cfg.ReadRPS <= 0 {
		cfg.ReadRPS = 2000
	}
	if cfg.ReadBurst <= 0 {
		cfg.ReadBurst = 4000
	}
	if cfg.WriteRPS <= 0 {
		cfg.WriteRPS = 1000
	}
	if cfg.WriteBurst <= 0 {
		cfg.WriteBurst = 2000
	}
	rl := &rateLimiter{
		cfg:     cfg,
		clients: map[string]*clientLimiters{},
		ttl:     10 * time.Minute,
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (r *rateLimiter) cleanupLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			r.evict(time.Now())
		}
	}
}

func (r *rateLimiter) evict(now time.Time) {
	cutoff := now.Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.clients {
		if v.last.Before(cutoff) {
			delete(r.clients, k)
		}
	}
}

func (r *rateLimiter) close() {
	r.closeOnce.Do(func() { close(r.stop) })
}

// allow consumes one token from the client's read or write bucket.
func (r *rateLimiter) allow(key string, isWrite bool, now time.Time) bool {
	r.mu.Lock()
	c, ok := r.clients[key]
	if !ok {
		c = &clientLimiters{
			read:  rate.NewLimiter(rate.Limit(r.cfg.ReadRPS), r.cfg.ReadBurst),
			write: rate.NewLimiter(rate.Limit(r.cfg.WriteRPS), r.cfg.WriteBurst),
		}
		r.clients[key] = c
	}
	c.last = now
	r.mu.Unlock()
	if isWrite {
		return c.write.AllowN(now, 1)
	}
	return c.read.AllowN(now, 1)
}

func (r *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !isRateLimitedPath(req.URL.Path) {
			next.ServeHTTP(w, req)
			return
		}
		isWrite := isWriteRequest(req)
		if !r.allow(rateLimitClientKey(req), isWrite, time.Now()) {
			rps := r.cfg.ReadRPS
			if isWrite {
				rps = r.cfg.WriteRPS
			}
			retry := 1
			if rps > 0 && rps < 1 {
				retry = int(1/rps) + 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "RATE_LIMITED")
			return
		}
		next.ServeHTTP(w, req)
	})
}

// isWriteRequest counts POST /api/v1/query against the read bucket since it
// never takes the write lease.
func isWriteRequest(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return r.URL.Path != "/api/v1/query"
}

func isRateLimitedPath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

func rateLimitClientKey(r *http.Request) string {
	if r == nil {
		return "unknown"
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return "ip:" + host
	}
	if addr != "" {
		return "ip:" + addr
	}
	return "unknown"
}
