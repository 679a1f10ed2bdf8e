package circleproto

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func mustPrepare(t *testing.T, e Event) *websocket.PreparedMessage {
	t.Helper()
	msg, err := Prepare(e)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestWritePumpDeliversInOrder(t *testing.T) {
	t.Parallel()

	first := mustPrepare(t, NewJoinCircle("t3_aaaaaa", "1"))
	second := mustPrepare(t, NewJoinCircle("t3_bbbbbb", "2"))

	var mu sync.Mutex
	var got []*websocket.PreparedMessage
	wrote := make(chan struct{}, 2)
	pump := newWritePumpWithWriter(func(msg *websocket.PreparedMessage) error {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		wrote <- struct{}{}
		return nil
	}, nil, 4)
	defer pump.Close()

	if err := pump.TrySend(first); err != nil {
		t.Fatal(err)
	}
	if err := pump.TrySend(second); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		select {
		case <-wrote:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for writes")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != first || got[1] != second {
		t.Fatalf("unexpected write order: %v", got)
	}
}

func TestWritePumpBackpressureClosesConnection(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var startOnce sync.Once
	var closed atomic.Int32

	pump := newWritePumpWithWriter(func(*websocket.PreparedMessage) error {
		startOnce.Do(func() { close(started) })
		<-release
		return nil
	}, func() {
		closed.Add(1)
	}, 1)

	msg := mustPrepare(t, NewPing())
	if err := pump.TrySend(msg); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := pump.TrySend(msg); err != nil {
		t.Fatalf("expected queued send, got %v", err)
	}
	if err := pump.TrySend(msg); !errors.Is(err, ErrWritePumpBackpressure) {
		t.Fatalf("expected backpressure error, got %v", err)
	}
	if closed.Load() != 1 {
		t.Fatalf("expected close callback once, got %d", closed.Load())
	}
	if err := pump.TrySend(msg); !errors.Is(err, ErrWritePumpClosed) {
		t.Fatalf("expected closed error after backpressure, got %v", err)
	}

	close(release)
	pump.Close()
	if closed.Load() != 1 {
		t.Fatalf("expected close callback to run once, got %d", closed.Load())
	}
}

func TestWritePumpStopsOnWriteError(t *testing.T) {
	t.Parallel()

	pump := newWritePumpWithWriter(func(*websocket.PreparedMessage) error {
		return errors.New("broken pipe")
	}, nil, 2)

	if err := pump.TrySend(mustPrepare(t, NewPing())); err != nil {
		t.Fatal(err)
	}
	select {
	case <-pump.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected pump to exit after write error")
	}
	if err := pump.TrySend(mustPrepare(t, NewPing())); !errors.Is(err, ErrWritePumpClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestWritePumpCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	pump := newWritePumpWithWriter(func(*websocket.PreparedMessage) error { return nil }, nil, 1)
	pump.Close()
	pump.Close()
	if err := pump.TrySend(mustPrepare(t, NewPing())); !errors.Is(err, ErrWritePumpClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}
