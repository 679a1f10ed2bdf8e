package server

import (
	"net/http"

	"github.com/koltyakov/circlejoin/internal/session"
)

// handleWS upgrades first and lets the registry decide: a rejected client
// sees a close frame rather than an HTTP error.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	if err := s.registry.Admit(r.Context(), conn, session.IDFromRequest(r)); err != nil {
		s.log.Debug("websocket admission failed", "err", err)
	}
}
