package ws

import (
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write; a peer that cannot accept a
	// frame within it is torn down.
	writeWait = 5 * time.Second

	// sendBacklog is the number of frames a client may fall behind before
	// it is treated as stalled.
	sendBacklog = 32
)

// ErrSlowConsumer reports a client whose send queue overflowed because the
// peer stopped draining frames.
var ErrSlowConsumer = errors.New("ws: slow consumer")

var errClientClosed = errors.New("ws: client closed")

// wireConn is the slice of *websocket.Conn the write loop needs. Narrowed
// for tests.
type wireConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client pushes event frames to one websocket connection. Frames are queued
// and written by a dedicated goroutine with a write deadline, so producers
// hand frames off without ever waiting on the peer's pace.
type Client struct {
	conn  wireConn
	log   *slog.Logger
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

// NewClient wraps conn and starts its write loop.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return newClient(conn, logger)
}

func newClient(conn wireConn, logger *slog.Logger) *Client {
	c := &Client{
		conn:  conn,
		log:   logger,
		queue: make(chan []byte, sendBacklog),
		done:  make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Enqueue hands a frame to the write loop. It never blocks: a full queue
// means the peer stopped reading, and the returned ErrSlowConsumer tells the
// hub to evict the client.
func (c *Client) Enqueue(payload []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.queue <- payload:
		return nil
	default:
		c.log.Warn("websocket client too slow, dropping it")
		return ErrSlowConsumer
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("websocket send failed", "error", err)
				c.Close()
				return
			}
		}
	}
}

// Close stops the write loop and closes the connection. Safe to call more
// than once and from multiple goroutines.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
