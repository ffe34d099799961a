package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClientClosed is returned by Send after the client has closed.
var ErrClientClosed = errors.New("websocket client closed")

// Client is a signaling connection to a server. It implements session.Transport.
// Inbound messages are held until OnReceive registers a callback.
type Client struct {
	conn   *Conn
	send   chan []byte
	logger *zap.Logger

	mu    sync.Mutex
	recv  func([]byte)
	ready chan struct{}

	quitOnce  sync.Once
	quit      chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	err       error
	wg        sync.WaitGroup
}

// Dial connects to url, e.g. ws://localhost:8080/ws.
//
// Postcondition: On success the read and write pumps are running; Close stops them.
func Dial(ctx context.Context, url string, timing Timing, logger *zap.Logger) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	c := &Client{
		conn:   NewConn(ws, timing),
		send:   make(chan []byte, 16),
		logger: logger,
		ready:  make(chan struct{}),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readPump()
	go c.writePump()
	return c, nil
}

// Send queues data for the write pump.
func (c *Client) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.quit:
		return ErrClientClosed
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.quit:
		return ErrClientClosed
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnReceive registers fn for inbound messages and releases the read pump. fn runs
// on the read pump goroutine.
func (c *Client) OnReceive(fn func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	first := c.recv == nil
	c.recv = fn
	if first {
		close(c.ready)
	}
}

func (c *Client) callback() func([]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recv
}

func (c *Client) readPump() {
	defer c.wg.Done()
	defer c.shutdown(nil)

	select {
	case <-c.ready:
	case <-c.done:
		return
	}
	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.shutdown(err)
			}
			return
		}
		c.callback()(data)
	}
}

func (c *Client) writePump() {
	defer c.wg.Done()
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(data); err != nil {
				c.shutdown(err)
				return
			}
		case <-c.quit:
			c.flush()
			c.shutdown(nil)
			return
		case <-c.done:
			return
		}
	}
}

// flush writes whatever Send queued before Close.
func (c *Client) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(data); err != nil {
				c.shutdown(err)
				return
			}
		default:
			return
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.conn.Close()
		if err != nil {
			c.logger.Debug("websocket client stopped", zap.Error(err))
		}
	})
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, or nil for a clean close.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Close writes any queued messages, ends the connection, and waits for both pumps.
func (c *Client) Close() error {
	c.quitOnce.Do(func() { close(c.quit) })
	c.wg.Wait()
	return nil
}
