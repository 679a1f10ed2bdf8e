package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/circlejoin/internal/circleproto"
	"github.com/koltyakov/circlejoin/internal/domain"
	"github.com/koltyakov/circlejoin/internal/session"
)

type fakeBans struct {
	mu      sync.Mutex
	banned  map[string]bool
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeBans) IsBanned(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banned[name], f.err
}

func (f *fakeBans) ban(name string) {
	f.mu.Lock()
	f.banned[name] = true
	f.mu.Unlock()
}

func (f *fakeBans) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// hold makes every ban check block until the returned release is called.
func (f *fakeBans) hold() (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.gate = gate
	f.entered = ch
	f.mu.Unlock()
	return ch, func() { close(gate) }
}

type testEnv struct {
	reg      *Registry
	sessions *session.MemoryStore
	bans     *fakeBans
	srv      *httptest.Server
	admitted chan error
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{
		sessions: session.NewMemoryStore(),
		bans:     &fakeBans{banned: map[string]bool{}},
		admitted: make(chan error, 16),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.reg = New(env.sessions, env.bans, logger, opts)

	upgrader := websocket.Upgrader{}
	env.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		env.admitted <- env.reg.Admit(r.Context(), ws, session.IDFromRequest(r))
	}))
	t.Cleanup(func() {
		env.reg.CloseAll()
		env.srv.Close()
	})
	return env
}

func (env *testEnv) login(t *testing.T, name string) string {
	t.Helper()
	sess, err := session.New(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	sess.Name = name
	sess.AccessToken = "token-" + name
	if err := env.sessions.Put(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	return sess.ID
}

func (env *testEnv) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if sessionID != "" {
		header.Set("Cookie", session.CookieName+"="+sessionID)
	}
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (env *testEnv) admitResult(t *testing.T) error {
	t.Helper()
	select {
	case err := <-env.admitted:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for admission")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readEvent(t *testing.T, ws *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return out
}

func expectClosed(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("expected connection to be closed, read timed out")
			}
			return
		}
	}
}

func TestAdmitRejectsUnknownSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	ws := env.dial(t, "does-not-exist")
	if err := env.admitResult(t); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	expectClosed(t, ws)
	if got := env.reg.Len(); got != 0 {
		t.Fatalf("expected no live connections, got %d", got)
	}
}

func TestAdmitRejectsMissingCookie(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	ws := env.dial(t, "")
	if err := env.admitResult(t); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	expectClosed(t, ws)
}

func TestAdmitRejectsUnauthenticatedSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	sess, _ := session.New(time.Hour)
	sess.Name = "alice"
	if err := env.sessions.Put(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	ws := env.dial(t, sess.ID)
	if err := env.admitResult(t); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	expectClosed(t, ws)
	if got := env.reg.Count("alice"); got != 0 {
		t.Fatalf("expected alice to have no connections, got %d", got)
	}
}

func TestAdmitRejectsBannedIdentity(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	env.bans.ban("mallory")

	ws := env.dial(t, env.login(t, "mallory"))
	if err := env.admitResult(t); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	expectClosed(t, ws)
	if got := env.reg.Count("mallory"); got != 0 {
		t.Fatalf("expected banned identity to hold no connections, got %d", got)
	}
}

func TestAdmitRejectsWhenBanLookupFails(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	env.bans.fail(errors.New("store down"))

	ws := env.dial(t, env.login(t, "alice"))
	if err := env.admitResult(t); !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	expectClosed(t, ws)
}

func TestBroadcastReachesEveryConnection(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	alice1 := env.dial(t, env.login(t, "alice"))
	if err := env.admitResult(t); err != nil {
		t.Fatal(err)
	}
	alice2 := env.dial(t, env.login(t, "alice"))
	if err := env.admitResult(t); err != nil {
		t.Fatal(err)
	}
	bob := env.dial(t, env.login(t, "bob"))
	if err := env.admitResult(t); err != nil {
		t.Fatal(err)
	}

	if got := env.reg.Count("alice"); got != 2 {
		t.Fatalf("expected 2 alice connections, got %d", got)
	}
	if got := env.reg.Len(); got != 3 {
		t.Fatalf("expected 3 live connections, got %d", got)
	}

	if n := env.reg.Broadcast(circleproto.NewJoinCircle("t3_abc123", "k1")); n != 3 {
		t.Fatalf("expected event queued on 3 connections, got %d", n)
	}
	for _, ws := range []*websocket.Conn{alice1, alice2, bob} {
		evt := readEvent(t, ws)
		if string(evt["type"]) != `"join_circle"` {
			t.Fatalf("unexpected event type %s", evt["type"])
		}
		var payload circleproto.JoinCircle
		if err := json.Unmarshal(evt["payload"], &payload); err != nil {
			t.Fatal(err)
		}
		if payload.ID != "t3_abc123" || payload.Key != "k1" {
			t.Fatalf("unexpected payload %+v", payload)
		}
	}
}

func TestBroadcastSurvivesStalledConnection(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{SendQueueSize: 1, WriteTimeout: 200 * time.Millisecond})

	// Never read from this socket so its TCP buffers fill up.
	_ = env.dial(t, env.login(t, "stalled"))
	if err := env.admitResult(t); err != nil {
		t.Fatal(err)
	}
	healthy := env.dial(t, env.login(t, "healthy"))
	if err := env.admitResult(t); err != nil {
		t.Fatal(err)
	}

	received := make(chan string, 64)
	go func() {
		defer close(received)
		for {
			_, data, err := healthy.ReadMessage()
			if err != nil {
				return
			}
			var evt struct {
				Payload circleproto.JoinCircle `json:"payload"`
			}
			if json.Unmarshal(data, &evt) == nil {
				received <- evt.Payload.ID
			}
		}
	}()

	key := strings.Repeat("k", 1<<20)
	const rounds = 40
	for i := 0; i < rounds; i++ {
		id := fmt.Sprintf("t3_%d", i)
		env.reg.Broadcast(circleproto.NewJoinCircle(id, key))
		select {
		case got, ok := <-received:
			if !ok {
				t.Fatalf("healthy connection closed after %d events", i)
			}
			if got != id {
				t.Fatalf("event %d: got id %q, want %q", i, got, id)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("healthy connection did not receive event %d", i)
		}
	}

	waitFor(t, "stalled connection eviction", func() bool { return env.reg.Count("stalled") == 0 })
	if got := env.reg.Count("healthy"); got != 1 {
		t.Fatalf("expected healthy connection to stay registered, got %d", got)
	}
}

func TestBroadcastWithNoConnections(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	if n := env.reg.Broadcast(circleproto.NewPing()); n != 0 {
		t.Fatalf("expected no deliveries, got %d", n)
	}
}

func TestClientCloseRemovesConnection(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	ws := env.dial(t, env.login(t, "alice"))
	if err := env.admitResult(t); err != nil {
		t.Fatal(err)
	}
	if got := env.reg.Count("alice"); got != 1 {
		t.Fatalf("expected 1 connection, got %d", got)
	}

	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = ws.Close()

	waitFor(t, "connection removal", func() bool { return env.reg.Count("alice") == 0 })
	if got := env.reg.Len(); got != 0 {
		t.Fatalf("expected empty registry, got %d", got)
	}
	if n := env.reg.Broadcast(circleproto.NewPing()); n != 0 {
		t.Fatalf("expected no deliveries after close, got %d", n)
	}
}

func TestDisconnectIdentityClosesOnlyThatIdentity(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	var aliceConns []*websocket.Conn
	for i := 0; i < 2; i++ {
		aliceConns = append(aliceConns, env.dial(t, env.login(t, "alice")))
		if err := env.admitResult(t); err != nil {
			t.Fatal(err)
		}
	}
	bob := env.dial(t, env.login(t, "bob"))
	if err := env.admitResult(t); err != nil {
		t.Fatal(err)
	}

	if n := env.reg.DisconnectIdentity("alice"); n != 2 {
		t.Fatalf("expected 2 closed connections, got %d", n)
	}
	for _, ws := range aliceConns {
		expectClosed(t, ws)
	}
	if got := env.reg.Count("alice"); got != 0 {
		t.Fatalf("expected alice to have no connections, got %d", got)
	}
	if got := env.reg.Count("bob"); got != 1 {
		t.Fatalf("expected bob to keep his connection, got %d", got)
	}

	env.reg.Broadcast(circleproto.NewJoinCircle("t3_abc123", "k"))
	if evt := readEvent(t, bob); string(evt["type"]) != `"join_circle"` {
		t.Fatalf("expected bob to receive join_circle, got %s", evt["type"])
	}
}

func TestDisconnectUnknownIdentityIsNoop(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	if n := env.reg.DisconnectIdentity("nobody"); n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
}

func TestDisconnectWaitsForInFlightAdmission(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	entered, release := env.bans.hold()

	ws := env.dial(t, env.login(t, "alice"))
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("admission never reached the ban check")
	}

	disconnected := make(chan int, 1)
	go func() { disconnected <- env.reg.DisconnectIdentity("alice") }()

	select {
	case <-disconnected:
		t.Fatal("disconnect returned while admission was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	release()
	if err := env.admitResult(t); err != nil {
		t.Fatal(err)
	}
	select {
	case n := <-disconnected:
		if n != 1 {
			t.Fatalf("expected disconnect to close the admitted connection, got %d", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect never completed")
	}
	expectClosed(t, ws)
	if got := env.reg.Count("alice"); got != 0 {
		t.Fatalf("expected no alice connections, got %d", got)
	}
}

func TestRunSendsKeepAlivePings(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{KeepAliveInterval: 20 * time.Millisecond})

	ws := env.dial(t, env.login(t, "alice"))
	if err := env.admitResult(t); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.reg.Run(ctx)

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"ping","payload":{}}` {
		t.Fatalf("unexpected keep-alive frame %s", data)
	}
}

func TestCloseAllDrainsRegistry(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	ws := env.dial(t, env.login(t, "alice"))
	if err := env.admitResult(t); err != nil {
		t.Fatal(err)
	}
	env.reg.CloseAll()
	expectClosed(t, ws)
	waitFor(t, "empty registry", func() bool { return env.reg.Len() == 0 })
}
