// Package waf is a small request filter placed in front of the circlejoin
// routes. It rejects obvious probes and injection attempts before they reach
// session lookups or the store.
package waf

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/koltyakov/circlejoin/internal/netutil"
)

const (
	maxURILength   = 8192
	maxHeaderCount = 64
)

// BlockEvent describes a request that matched a rule.
type BlockEvent struct {
	Rule       string
	Method     string
	Path       string
	RemoteAddr string
	UserAgent  string
}

// Config controls the filter. The zero value is disabled.
type Config struct {
	Enabled bool
	// AuditOnly logs matches and lets the request through.
	AuditOnly  bool
	TrustProxy bool
	OnBlock    func(BlockEvent)
}

var forbiddenJSONBody = []byte(`{"error":"Forbidden","error_code":"forbidden"}` + "\n")

// skipHeaders are set by browsers or the WebSocket handshake and only cause
// false positives.
var skipHeaders = map[string]struct{}{
	"accept":                   {},
	"accept-encoding":          {},
	"accept-language":          {},
	"cache-control":            {},
	"connection":               {},
	"content-length":           {},
	"content-type":             {},
	"cookie":                   {},
	"sec-ch-ua":                {},
	"sec-ch-ua-mobile":         {},
	"sec-ch-ua-platform":       {},
	"sec-fetch-dest":           {},
	"sec-fetch-mode":           {},
	"sec-fetch-site":           {},
	"sec-fetch-user":           {},
	"sec-websocket-extensions": {},
	"sec-websocket-key":        {},
	"sec-websocket-protocol":   {},
	"sec-websocket-version":    {},
	"upgrade":                  {},
}

type filter struct {
	rules []rule
	log   *slog.Logger
	cfg   Config
}

// NewMiddleware wraps a handler with the filter. /healthz is never
// inspected. A disabled config returns next unchanged.
func NewMiddleware(cfg Config, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		if logger == nil {
			logger = slog.Default()
		}
		f := &filter{rules: defaultRules(), log: logger, cfg: cfg}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
			name, matched := f.check(r)
			if !matched {
				next.ServeHTTP(w, r)
				return
			}
			f.report(r, name)
			if cfg.AuditOnly {
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Set("Content-Type", "application/json")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write(forbiddenJSONBody)
		})
	}
}

func (f *filter) report(r *http.Request, name string) {
	event := BlockEvent{
		Rule:       name,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: netutil.ClientIP(r, f.cfg.TrustProxy),
		UserAgent:  r.UserAgent(),
	}
	msg := "waf blocked request"
	if f.cfg.AuditOnly {
		msg = "waf matched request (audit)"
	}
	f.log.Warn(msg,
		"rule", event.Rule,
		"method", event.Method,
		"path", event.Path,
		"remote", event.RemoteAddr,
		"ua", event.UserAgent,
	)
	if f.cfg.OnBlock != nil {
		f.cfg.OnBlock(event)
	}
}

// check returns the first rule r matches.
func (f *filter) check(r *http.Request) (string, bool) {
	if len(r.RequestURI) > maxURILength {
		return "uri-too-long", true
	}
	headers := headerValues(r.Header)
	if len(headers) > maxHeaderCount {
		return "too-many-headers", true
	}
	queries := queryForms(r.URL.RawQuery)

	for i := range f.rules {
		rl := &f.rules[i]
		switch {
		case rl.targets&targetURI != 0 && rl.pattern.MatchString(r.RequestURI),
			rl.targets&targetPath != 0 && rl.pattern.MatchString(r.URL.Path),
			rl.targets&targetQuery != 0 && slices.ContainsFunc(queries, rl.pattern.MatchString),
			rl.targets&targetUA != 0 && rl.pattern.MatchString(r.UserAgent()),
			rl.targets&targetHeaders != 0 && slices.ContainsFunc(headers, rl.pattern.MatchString):
			return rl.name, true
		}
	}
	return "", false
}

func headerValues(h http.Header) []string {
	out := make([]string, 0, len(h))
	for name, values := range h {
		if _, skip := skipHeaders[strings.ToLower(name)]; skip {
			continue
		}
		out = append(out, values...)
	}
	return out
}

// queryForms returns the raw query plus its decoded and double-decoded
// forms, so encoded payloads match the same patterns.
func queryForms(raw string) []string {
	if raw == "" {
		return nil
	}
	forms := []string{raw, strings.ReplaceAll(raw, "+", " ")}
	decoded := raw
	for range 2 {
		if !strings.Contains(decoded, "%") {
			break
		}
		d, err := url.QueryUnescape(decoded)
		if err != nil || d == decoded {
			break
		}
		decoded = d
		forms = append(forms, decoded)
	}
	return forms
}
