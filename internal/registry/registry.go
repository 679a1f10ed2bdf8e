// Package registry tracks the live client WebSocket connections of the
// circlejoin server, grouped by the identity that opened them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/circlejoin/internal/circleproto"
	"github.com/koltyakov/circlejoin/internal/domain"
	"github.com/koltyakov/circlejoin/internal/keylock"
	"github.com/koltyakov/circlejoin/internal/session"
)

const (
	DefaultKeepAliveInterval = 90 * time.Second
	defaultReadLimit         = 4096
	closeFrameTimeout        = time.Second
	closeAllWait             = 5 * time.Second
)

// BanChecker reports whether an identity may hold live connections.
type BanChecker interface {
	IsBanned(ctx context.Context, name string) (bool, error)
}

// BanCheckerFunc adapts a function to [BanChecker].
type BanCheckerFunc func(ctx context.Context, name string) (bool, error)

func (f BanCheckerFunc) IsBanned(ctx context.Context, name string) (bool, error) {
	return f(ctx, name)
}

// Options tunes connection handling. Zero values select defaults.
type Options struct {
	KeepAliveInterval time.Duration
	WriteTimeout      time.Duration
	SendQueueSize     int
	ReadLimit         int64
}

// Registry owns every admitted connection. It is created once per process
// and shared by the HTTP layer and the moderation workflow.
type Registry struct {
	sessions session.Store
	bans     BanChecker
	log      *slog.Logger
	opts     Options

	// locks orders admission against disconnects for the same identity.
	locks *keylock.Map

	mu    sync.RWMutex
	conns map[string]map[*conn]struct{}
	wg    sync.WaitGroup
}

type conn struct {
	name      string
	ws        *websocket.Conn
	pump      *circleproto.WritePump
	closeOnce sync.Once
}

func New(sessions session.Store, bans BanChecker, logger *slog.Logger, opts Options) *Registry {
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: sessions,
		bans:     bans,
		log:      logger,
		opts:     opts,
		locks:    keylock.New(),
		conns:    make(map[string]map[*conn]struct{}),
	}
}

// Admit resolves sessionID and either registers ws under the session's
// identity or closes it. A rejected socket is always closed before Admit
// returns; the returned error wraps domain.ErrUnauthorized,
// domain.ErrForbidden or domain.ErrUpstreamUnavailable.
func (r *Registry) Admit(ctx context.Context, ws *websocket.Conn, sessionID string) error {
	sess, err := r.lookupSession(ctx, sessionID)
	if err != nil {
		r.reject(ws, "", err)
		return err
	}
	name := sess.Name

	unlock := r.locks.Lock(name)
	defer unlock()

	banned, err := r.bans.IsBanned(ctx, name)
	if err != nil {
		err = fmt.Errorf("ban lookup: %w: %w", domain.ErrUpstreamUnavailable, err)
		r.reject(ws, name, err)
		return err
	}
	if banned {
		err = fmt.Errorf("identity is banned: %w", domain.ErrForbidden)
		r.reject(ws, name, err)
		return err
	}

	c := &conn{
		name: name,
		ws:   ws,
		pump: circleproto.NewWritePump(ws, r.opts.WriteTimeout, r.opts.SendQueueSize),
	}
	ws.SetReadLimit(r.opts.ReadLimit)

	r.mu.Lock()
	set, ok := r.conns[name]
	if !ok {
		set = make(map[*conn]struct{})
		r.conns[name] = set
	}
	set[c] = struct{}{}
	r.mu.Unlock()

	r.log.Info("client connected", "name", name, "remote", ws.RemoteAddr().String())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.readLoop(c)
	}()
	return nil
}

func (r *Registry) lookupSession(ctx context.Context, sessionID string) (*session.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("missing session: %w", domain.ErrUnauthorized)
	}
	sess, err := r.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("unknown session: %w", domain.ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w: %w", domain.ErrUpstreamUnavailable, err)
	}
	if !sess.Authenticated() {
		return nil, fmt.Errorf("session not authenticated: %w", domain.ErrUnauthorized)
	}
	return sess, nil
}

func (r *Registry) reject(ws *websocket.Conn, name string, reason error) {
	code := websocket.ClosePolicyViolation
	text := "unauthorized"
	switch {
	case errors.Is(reason, domain.ErrForbidden):
		text = "forbidden"
	case errors.Is(reason, domain.ErrUpstreamUnavailable):
		code = websocket.CloseTryAgainLater
		text = "unavailable"
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(closeFrameTimeout))
	_ = ws.Close()
	r.log.Warn("client connection rejected", "name", name, "err", reason)
}

// readLoop discards inbound frames until the socket fails, then removes the
// connection.
func (r *Registry) readLoop(c *conn) {
	defer func() {
		r.remove(c)
		c.close(websocket.CloseNormalClosure, "")
		r.log.Info("client disconnected", "name", c.name)
	}()

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				r.log.Debug("client read error", "name", c.name, "err", err)
			}
			return
		}
	}
}

func (r *Registry) remove(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[c.name]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.conns, c.name)
	}
}

// close sends a best-effort close frame and releases the socket. Safe to
// call from any goroutine, any number of times.
func (c *conn) close(code int, text string) {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(closeFrameTimeout))
		_ = c.ws.Close()
		c.pump.Close()
	})
}

// DisconnectIdentity closes every connection held by name and returns how
// many were closed.
func (r *Registry) DisconnectIdentity(name string) int {
	unlock := r.locks.Lock(name)
	defer unlock()

	r.mu.Lock()
	set := r.conns[name]
	delete(r.conns, name)
	r.mu.Unlock()

	for c := range set {
		c.close(websocket.ClosePolicyViolation, "disconnected")
	}
	if len(set) > 0 {
		r.log.Info("identity disconnected", "name", name, "connections", len(set))
	}
	return len(set)
}

// Broadcast encodes e once and queues it on every live connection. It never
// blocks on a peer; a connection whose queue is full is closed. It returns
// the number of connections the event was queued on.
func (r *Registry) Broadcast(e circleproto.Event) int {
	msg, err := circleproto.Prepare(e)
	if err != nil {
		r.log.Error("failed to encode event", "type", e.Type, "err", err)
		return 0
	}

	targets := r.snapshot()
	sent := 0
	for _, c := range targets {
		switch err := c.pump.TrySend(msg); {
		case err == nil:
			sent++
		case errors.Is(err, circleproto.ErrWritePumpBackpressure):
			r.log.Warn("closing stalled client", "name", c.name, "type", e.Type)
		default:
			r.log.Debug("skipped closed client", "name", c.name, "type", e.Type)
		}
	}
	return sent
}

// Run sends a ping to every connection each keep-alive interval until ctx is
// cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := r.Broadcast(circleproto.NewPing())
			r.log.Debug("keep-alive sent", "connections", n)
		}
	}
}

// Count returns the number of live connections for name.
func (r *Registry) Count(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[name])
}

// Len returns the number of live connections across all identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.conns {
		n += len(set)
	}
	return n
}

// CloseAll closes every connection and waits briefly for their read loops to
// finish.
func (r *Registry) CloseAll() {
	for _, c := range r.snapshot() {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	waitGroupWait(&r.wg, closeAllWait)
}

func (r *Registry) snapshot() []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*conn, 0, len(r.conns))
	for _, set := range r.conns {
		for c := range set {
			out = append(out, c)
		}
	}
	return out
}

func waitGroupWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
