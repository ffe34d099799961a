package testutil

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"
)

// LineClient speaks newline-delimited JSON to a TCP signaling listener.
type LineClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

// NewLineClient dials addr and returns a test client closed at test cleanup.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected LineClient or fails the test.
func NewLineClient(t *testing.T, addr string) *LineClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}
	t.Cleanup(func() { _ = conn.Close() })

	t.Logf("line client connected to %s [%s]", addr, time.Since(start))
	return &LineClient{conn: conn, reader: bufio.NewReader(conn), t: t}
}

// Send writes line followed by a newline.
//
// Precondition: line should not contain a newline.
func (c *LineClient) Send(line string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprintf(c.conn, "%s\n", line); err != nil {
		c.t.Fatalf("sending %q: %v", line, err)
	}
}

// ReadLine returns the next line without its newline, failing the test on timeout.
func (c *LineClient) ReadLine(timeout time.Duration) string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("reading line: got %q, error: %v", line, err)
	}
	return line[:len(line)-1]
}

// ReadJSON reads the next line and decodes it as a JSON object.
//
// Postcondition: Returns the decoded object or fails the test.
func (c *LineClient) ReadJSON(timeout time.Duration) map[string]any {
	c.t.Helper()
	line := c.ReadLine(timeout)
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		c.t.Fatalf("decoding %q: %v", line, err)
	}
	return m
}

// Close closes the underlying connection.
func (c *LineClient) Close() {
	_ = c.conn.Close()
}
