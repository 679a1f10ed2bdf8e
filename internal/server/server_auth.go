package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/koltyakov/circlejoin/internal/auth"
	"github.com/koltyakov/circlejoin/internal/domain"
	"github.com/koltyakov/circlejoin/internal/session"
)

// currentSession returns the caller's session or nil when there is none.
func (s *Server) currentSession(r *http.Request) (*session.Session, error) {
	id := session.IDFromRequest(r)
	if id == "" {
		return nil, nil
	}
	sess, err := s.sessions.Get(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w: %w", domain.ErrUpstreamUnavailable, err)
	}
	return sess, nil
}

// requireIdentity resolves an authenticated caller or fails with
// domain.ErrUnauthorized.
func (s *Server) requireIdentity(r *http.Request) (*session.Session, error) {
	sess, err := s.currentSession(r)
	if err != nil {
		return nil, err
	}
	if !sess.Authenticated() {
		return nil, domain.ErrUnauthorized
	}
	return sess, nil
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	sess, err := s.currentSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sess == nil {
		if sess, err = session.New(s.cfg.SessionTTL); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	sess.State = uuid.NewString()
	if err := s.sessions.Put(r.Context(), sess); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err))
		return
	}
	session.SetCookie(w, sess.ID, sess.ExpiresAt, s.cookie)
	http.Redirect(w, r, s.login.AuthCodeURL(sess.State), http.StatusFound)
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	sess, err := s.currentSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	state := strings.TrimSpace(q.Get("state"))
	if sess == nil || sess.State == "" || state == "" || !auth.ConstantTimeEquals(state, sess.State) {
		http.Error(w, "invalid state", http.StatusUnauthorized)
		return
	}
	if q.Get("error") != "" {
		http.Error(w, "permission was declined, try again", http.StatusUnauthorized)
		return
	}

	identity, token, err := s.login.Login(r.Context(), q.Get("code"))
	if err != nil {
		s.log.Warn("oauth login failed", "err", err)
		s.writeError(w, r, fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err))
		return
	}

	sess.Name = identity.Name
	sess.AccessToken = token
	sess.State = ""
	if err := s.sessions.Put(r.Context(), sess); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err))
		return
	}
	s.log.Info("user authenticated", "name", identity.Name)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("You may close this tab."))
}

func (s *Server) handleAuthenticated(w http.ResponseWriter, r *http.Request) {
	s.allowCredentialedOrigin(w, r)
	sess, err := s.currentSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := domain.AuthenticatedResponse{}
	if sess.Authenticated() {
		resp.AccessToken = sess.AccessToken
		resp.Authenticated = true
	}
	writeJSON(w, http.StatusOK, resp)
}
