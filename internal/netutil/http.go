// Package netutil provides shared HTTP/network normalization helpers.
package netutil

import (
	"net"
	"net/http"
	"strings"
)

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// ClientIP returns the caller's IP address without port. When trustProxy is
// set the first X-Forwarded-For entry wins over the socket address.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// UserAgentTransport sets a fixed User-Agent on every outgoing request.
// Reddit rejects API calls that carry a generic client string.
type UserAgentTransport struct {
	UserAgent string
	Base      http.RoundTripper
}

func (t *UserAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.UserAgent == "" {
		return base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.UserAgent)
	return base.RoundTrip(clone)
}

// NewClient returns an HTTP client that identifies itself as userAgent.
func NewClient(userAgent string, base *http.Client) *http.Client {
	c := &http.Client{}
	if base != nil {
		*c = *base
	}
	c.Transport = &UserAgentTransport{UserAgent: userAgent, Base: c.Transport}
	return c
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
