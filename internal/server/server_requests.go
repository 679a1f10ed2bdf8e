package server

import (
	"net/http"
	"strings"

	"github.com/koltyakov/circlejoin/internal/domain"
)

func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, domain.ErrInvalidParams)
		return false
	}
	return true
}

func (s *Server) handleRequestCircle(w http.ResponseWriter, r *http.Request) {
	s.allowCredentialedOrigin(w, r)
	sess, err := s.requireIdentity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.parseForm(w, r) {
		return
	}
	if err := s.workflow.SubmitRequest(r.Context(), sess.Name, r.PostForm.Get("url"), r.PostForm.Get("key")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Success!"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.allowCredentialedOrigin(w, r)
	sess, err := s.requireIdentity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.workflow.Status(r.Context(), sess.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.StatusResponse{Status: status})
}

// requireAdmin resolves the caller and rejects non-administrators.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	sess, err := s.requireIdentity(r)
	if err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	if !s.workflow.IsAdmin(sess.Name) {
		s.writeError(w, r, domain.ErrForbidden)
		return "", false
	}
	return sess.Name, true
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	pending, err := s.workflow.ListPending(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if pending == nil {
		pending = []domain.PendingRequest{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireAdmin(w, r)
	if !ok || !s.parseForm(w, r) {
		return
	}
	target := strings.TrimSpace(r.PostForm.Get("username"))
	action := strings.TrimSpace(r.PostForm.Get("action"))
	if err := s.workflow.Decide(r.Context(), actor, target, action); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleListRequests(w, r)
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireAdmin(w, r)
	if !ok || !s.parseForm(w, r) {
		return
	}
	target := strings.TrimSpace(r.PostForm.Get("username"))
	n, err := s.workflow.Ban(r.Context(), actor, target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.BanResponse{Username: target, Disconnected: n})
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	target := strings.TrimSpace(r.PathValue("username"))
	if err := s.workflow.Unban(r.Context(), actor, target); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
