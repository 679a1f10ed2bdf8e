package server

import (
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/koltyakov/circlejoin/internal/netutil"
)

const (
	limiterIdleTTL = 5 * time.Minute
	limiterMaxIPs  = 10000
	defaultRPS     = 1.0
	defaultBurst   = 5
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			// The upgrade hijacks the connection; the registry logs its lifetime.
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				s.log.Error("panic recovered", "err", err, "stack", string(debug.Stack()))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := netutil.ClientIP(r, s.cfg.TrustProxy)
		if !s.limiter.allow(ip, time.Now()) {
			s.allowCredentialedOrigin(w, r)
			s.log.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowCredentialedOrigin echoes an allowed caller origin so browser scripts
// on the game page can send the session cookie.
func (s *Server) allowCredentialedOrigin(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !s.originAllowed(r) {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Add("Vary", "Origin")
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter keeps one token bucket per client IP.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
}

func newIPRateLimiter(rps float64, burst int) *ipRateLimiter {
	if rps <= 0 {
		rps = defaultRPS
	}
	if burst < 1 {
		burst = defaultBurst
	}
	return &ipRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (l *ipRateLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		if len(l.limiters) >= limiterMaxIPs {
			l.evictOldestLocked()
		}
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

// cleanup drops buckets idle since before now minus the idle TTL.
func (l *ipRateLimiter) cleanup(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.limiters, ip)
			removed++
		}
	}
	return removed
}

func (l *ipRateLimiter) evictOldestLocked() {
	var oldestIP string
	var oldest time.Time
	for ip, entry := range l.limiters {
		if oldestIP == "" || entry.lastSeen.Before(oldest) {
			oldestIP = ip
			oldest = entry.lastSeen
		}
	}
	if oldestIP != "" {
		delete(l.limiters, oldestIP)
	}
}
