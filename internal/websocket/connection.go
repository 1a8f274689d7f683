package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned when writing to a closed connection.
var ErrConnectionClosed = errors.New("websocket connection closed")

// Connection serializes every write through one goroutine. gorilla/websocket
// allows only one concurrent writer, and hub events arrive from other goroutines.
type Connection struct {
	conn      *websocket.Conn
	writeCh   chan interface{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection wraps conn and starts its writer.
func NewConnection(conn *websocket.Conn) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		writeCh: make(chan interface{}, 64),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	defer close(c.done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case v := <-c.writeCh:
			if err := WriteTyped(c.conn, v); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues v for writing. It never blocks longer than the write wait.
func (c *Connection) Send(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- v:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	case <-time.After(writeWait):
		return ErrConnectionClosed
	}
}

// SendError queues an error event.
func (c *Connection) SendError(msg string) error {
	return c.Send(ErrorResponse{Event: EventError, Error: msg})
}

// ReadJSON reads the next message. The read side has a single owner, so it
// bypasses the writer. Pongs extend the read deadline.
func (c *Connection) ReadJSON(v interface{}) error {
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})
	return ReadJSON(c.conn, v)
}

// Done is closed once the connection stops writing.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Flush waits until queued messages are written or timeout passes.
func (c *Connection) Flush(timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		if len(c.writeCh) == 0 {
			return
		}
		select {
		case <-deadline:
			return
		case <-c.ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Close stops the writer and closes the socket. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
