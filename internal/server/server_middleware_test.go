package server

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/koltyakov/circlejoin/internal/config"
)

func TestIPRateLimiterBurstThenRefill(t *testing.T) {
	t.Parallel()
	l := newIPRateLimiter(1, 2)
	now := time.Now()

	if !l.allow("192.0.2.1", now) || !l.allow("192.0.2.1", now) {
		t.Fatal("burst requests rejected")
	}
	if l.allow("192.0.2.1", now) {
		t.Fatal("request past burst allowed")
	}
	if !l.allow("192.0.2.2", now) {
		t.Fatal("other IP shares the bucket")
	}
	if !l.allow("192.0.2.1", now.Add(1100*time.Millisecond)) {
		t.Fatal("bucket did not refill")
	}
}

func TestIPRateLimiterDefaults(t *testing.T) {
	t.Parallel()
	l := newIPRateLimiter(0, 0)
	if l.rate != defaultRPS || l.burst != defaultBurst {
		t.Fatalf("defaults = %v/%d", l.rate, l.burst)
	}
}

func TestIPRateLimiterCleanupAndEviction(t *testing.T) {
	t.Parallel()
	l := newIPRateLimiter(1, 1)
	now := time.Now()
	l.allow("192.0.2.1", now.Add(-time.Hour))
	l.allow("192.0.2.2", now)

	if removed := l.cleanup(now); removed != 1 {
		t.Fatalf("cleanup removed %d, want 1", removed)
	}
	if _, ok := l.limiters["192.0.2.2"]; !ok {
		t.Fatal("active bucket dropped")
	}

	for i := 0; i < limiterMaxIPs+10; i++ {
		l.allow("10.0.0."+strconv.Itoa(i), now.Add(time.Duration(i)*time.Millisecond))
	}
	if len(l.limiters) > limiterMaxIPs {
		t.Fatalf("limiter holds %d buckets, cap %d", len(l.limiters), limiterMaxIPs)
	}
}

func TestRequestCircleIsRateLimited(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(cfg *config.ServerConfig) {
		cfg.RateLimitRPS = 0.001
		cfg.RateLimitBurst = 1
	})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/request-circle", strings.NewReader("url=x&key=y"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Origin", "https://www.reddit.com")
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusUnauthorized {
		t.Fatalf("first request = %d, want 401", rec.Code)
	}
	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://www.reddit.com" {
		t.Fatalf("429 without CORS headers: %q", got)
	}

	if rec := env.do(http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("other routes limited: %d", rec.Code)
	}
}

func TestRecoverPanics(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	h := env.srv.recoverPanics(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	if rec := env.do(http.MethodGet, "/nope", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown route = %d", rec.Code)
	}
	if rec := env.do(http.MethodPut, "/bans", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method = %d", rec.Code)
	}
}

func TestHTTPSErrorLogWriterDemotesScannerNoise(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	w := newHTTPSErrorLogWriter(logger)

	_, _ = w.Write([]byte("http: TLS handshake error from 198.51.100.7:5555: EOF\n"))
	_, _ = w.Write([]byte("http: TLS handshake error from 198.51.100.7:5555: acme/autocert: host not allowed\n"))
	if buf.Len() != 0 {
		t.Fatalf("scanner noise logged at info: %s", buf.String())
	}

	_, _ = w.Write([]byte("http: TLS handshake error from 198.51.100.7:5555: remote error: tls: bad certificate\n"))
	if !strings.Contains(buf.String(), "tls handshake failed") {
		t.Fatalf("handshake failure not logged: %s", buf.String())
	}

	buf.Reset()
	_, _ = w.Write([]byte("http: Accept error: too many open files"))
	if !strings.Contains(buf.String(), "https server error") {
		t.Fatalf("server error not logged: %s", buf.String())
	}
}

func TestFilterBlocksProbes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	if rec := env.do(http.MethodGet, "/.env", "", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("probe with filter = %d, want 403", rec.Code)
	}

	off := newTestEnv(t, func(cfg *config.ServerConfig) { cfg.WAFEnabled = false })
	if rec := off.do(http.MethodGet, "/.env", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("probe without filter = %d, want 404", rec.Code)
	}
}
