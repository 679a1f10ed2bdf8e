package circleproto

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var ErrWritePumpClosed = errors.New("websocket write pump closed")
var ErrWritePumpBackpressure = errors.New("websocket write pump backpressure")

const (
	defaultWriteTimeout = 10 * time.Second
	defaultQueueCap     = 16
)

// WritePump serializes writes to a single websocket connection. Callers
// never block: a message that does not fit in the queue marks the peer as
// stalled and closes the connection.
type WritePump struct {
	writeFn  func(*websocket.PreparedMessage) error
	closeFn  func()
	queue    chan *websocket.PreparedMessage
	stop     chan struct{}
	done     chan struct{}
	closed   atomic.Bool
	stopOnce sync.Once
}

func NewWritePump(conn *websocket.Conn, writeTimeout time.Duration, queueCap int) *WritePump {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return newWritePumpWithWriter(func(msg *websocket.PreparedMessage) error {
		if conn == nil {
			return ErrWritePumpClosed
		}
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			_ = conn.Close()
			return err
		}
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()

		err := conn.WritePreparedMessage(msg)
		if err != nil {
			_ = conn.Close()
		}
		return err
	}, func() {
		if conn != nil {
			_ = conn.Close()
		}
	}, queueCap)
}

func newWritePumpWithWriter(
	writeFn func(*websocket.PreparedMessage) error,
	closeFn func(),
	queueCap int,
) *WritePump {
	if queueCap <= 0 {
		queueCap = defaultQueueCap
	}
	p := &WritePump{
		writeFn: writeFn,
		closeFn: closeFn,
		queue:   make(chan *websocket.PreparedMessage, queueCap),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// TrySend enqueues msg without blocking.
func (p *WritePump) TrySend(msg *websocket.PreparedMessage) error {
	if p.closed.Load() {
		return ErrWritePumpClosed
	}
	select {
	case <-p.stop:
		return ErrWritePumpClosed
	default:
	}

	select {
	case p.queue <- msg:
		return nil
	default:
		p.triggerBackpressure()
		return ErrWritePumpBackpressure
	}
}

// Close stops the pump and waits for the writer goroutine to exit. Queued
// messages are dropped.
func (p *WritePump) Close() {
	p.closed.Store(true)
	p.signalStop()
	<-p.done
}

// Done is closed once the writer goroutine has exited.
func (p *WritePump) Done() <-chan struct{} {
	return p.done
}

func (p *WritePump) run() {
	defer close(p.done)

	for {
		select {
		case <-p.stop:
			p.drain()
			return
		case msg := <-p.queue:
			if err := p.write(msg); err != nil {
				p.closed.Store(true)
				p.signalStop()
				p.drain()
				return
			}
		}
	}
}

func (p *WritePump) write(msg *websocket.PreparedMessage) error {
	if p.writeFn == nil {
		return io.ErrClosedPipe
	}
	return p.writeFn(msg)
}

func (p *WritePump) drain() {
	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}

func (p *WritePump) signalStop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

func (p *WritePump) triggerBackpressure() {
	if p.closed.Swap(true) {
		return
	}
	if p.closeFn != nil {
		p.closeFn()
	}
	p.signalStop()
}
