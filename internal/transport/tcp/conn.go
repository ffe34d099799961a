// Package tcp serves signaling connections carrying newline-delimited JSON
// envelopes over plain TCP.
package tcp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// MaxLineSize bounds one inbound envelope.
const MaxLineSize = 64 * 1024

// Conn frames a TCP connection as one envelope per line.
type Conn struct {
	raw     net.Conn
	scanner *bufio.Scanner
	mu      sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// NewConn wraps raw. Zero timeouts disable the matching deadline.
//
// Precondition: raw must be a valid, open network connection.
func NewConn(raw net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	s := bufio.NewScanner(raw)
	s.Buffer(make([]byte, 4096), MaxLineSize)
	return &Conn{
		raw:          raw,
		scanner:      s,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// ReadMessage returns the next non-blank line without its line ending.
//
// Postcondition: Returns io.EOF when the peer closes the connection.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		if c.readTimeout > 0 {
			_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				return nil, fmt.Errorf("reading line: %w", err)
			}
			return nil, io.EOF
		}
		line := bytes.TrimRight(c.scanner.Bytes(), "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
}

// WriteMessage writes data followed by a newline.
func (c *Conn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	buf := make([]byte, 0, len(data)+1)
	buf = append(append(buf, data...), '\n')
	_, err := c.raw.Write(buf)
	return err
}

// RemoteAddr names the peer.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.raw.Close() })
	return err
}
