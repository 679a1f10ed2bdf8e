package session

import (
	"net/http"
	"strings"
	"time"
)

// CookieName is the cookie carrying the opaque session id, on plain requests
// and on the WebSocket upgrade handshake alike.
const CookieName = "session"

// CookieOptions defines how session cookies are issued.
type CookieOptions struct {
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

func (o CookieOptions) normalize() CookieOptions {
	if o.Path == "" {
		o.Path = "/"
	}
	if o.SameSite == 0 {
		o.SameSite = http.SameSiteLaxMode
	}
	// Browsers drop SameSite=None cookies that are not Secure.
	if o.SameSite == http.SameSiteNoneMode && !o.Secure {
		o.SameSite = http.SameSiteLaxMode
	}
	return o
}

// SetCookie issues the session cookie to the client.
func SetCookie(w http.ResponseWriter, sessionID string, expiresAt time.Time, opts CookieOptions) {
	opts = opts.normalize()
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sessionID,
		Path:     opts.Path,
		Domain:   opts.Domain,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: opts.SameSite,
	})
}

// ClearCookie removes the session cookie from the client.
func ClearCookie(w http.ResponseWriter, opts CookieOptions) {
	opts = opts.normalize()
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     opts.Path,
		Domain:   opts.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: opts.SameSite,
	})
}

// IDFromRequest returns the session id carried by r, or "".
func IDFromRequest(r *http.Request) string {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}
