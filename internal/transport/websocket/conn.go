// Package websocket carries signaling envelopes over gorilla/websocket: a server
// side mounted on echo routes and a client side implementing session.Transport.
package websocket

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Timing shared by both sides of a connection.
type Timing struct {
	// WriteWait bounds each write.
	WriteWait time.Duration
	// PongWait is how long the connection may stay silent. Pings are sent every
	// 9/10 of it.
	PongWait time.Duration
	// ReadLimit is the maximum inbound message size in bytes.
	ReadLimit int64
}

// DefaultTiming matches the server defaults.
var DefaultTiming = Timing{WriteWait: 10 * time.Second, PongWait: 60 * time.Second, ReadLimit: 64 * 1024}

func (t Timing) pingPeriod() time.Duration {
	return (t.PongWait * 9) / 10
}

// Conn adapts a websocket connection to the framed message stream the signaling
// server reads. Pings are sent as control frames from a separate goroutine;
// gorilla permits WriteControl concurrently with the single data writer.
type Conn struct {
	ws     *websocket.Conn
	timing Timing

	once sync.Once
	done chan struct{}
}

// NewConn wraps ws and starts its ping loop.
//
// Postcondition: Close must be called to stop the ping loop.
func NewConn(ws *websocket.Conn, timing Timing) *Conn {
	c := &Conn{ws: ws, timing: timing, done: make(chan struct{})}
	ws.SetReadLimit(timing.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(timing.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(timing.PongWait))
	})
	go c.pingLoop()
	return c
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.timing.pingPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.timing.WriteWait)); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// ReadMessage returns the next text or binary message. A normal close from the
// peer, or a local Close, yields io.EOF.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil, io.EOF
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteMessage sends data as one text message.
func (c *Conn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.timing.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// RemoteAddr names the peer.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Close sends a close frame and closes the connection. It is safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.timing.WriteWait))
		err = c.ws.Close()
	})
	return err
}

var errClosed = errors.New("websocket: connection closed")
