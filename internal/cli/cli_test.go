package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const fixtureYAML = `
identity:
  app_id: demo
  user_id: alice
  room_id: "123456"
envelopes:
  - signal: room_msg
    room_msg:
      cmd: hello
  - signal: call_cmd
    user_id: carol
    call_cmd:
      cmd: ring
      user_id: bob
      room_id: "123456"
`

func writeFixture(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// fakeConn echoes every sent message back as an inbound message.
type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	recv   func([]byte)
	closed bool
}

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, data)
	fn := c.recv
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
	return nil
}

func (c *fakeConn) OnReceive(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recv = fn
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func run(t *testing.T, conn *fakeConn, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	deps := &Dependencies{
		Out:    &out,
		Logger: zaptest.NewLogger(t),
		Dial: func(context.Context, string) (Connection, error) {
			return conn, nil
		},
	}
	cmd := NewRootCmd(deps)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func lines(out string) []map[string]any {
	var res []map[string]any
	for _, l := range strings.Split(strings.TrimSpace(out), "\n") {
		if l == "" {
			continue
		}
		var m map[string]any
		if json.Unmarshal([]byte(l), &m) == nil {
			res = append(res, m)
		}
	}
	return res
}

func TestParseFixture_RequiresEnvelopes(t *testing.T) {
	_, err := ParseFixture([]byte("identity: {user_id: a}\n"))
	assert.ErrorContains(t, err, "no envelopes")

	_, err = ParseFixture([]byte("envelopes: [\n"))
	assert.Error(t, err)
}

func TestValidate_StampsIdentityWithoutOverwriting(t *testing.T) {
	out, err := run(t, nil, "validate", writeFixture(t, fixtureYAML))
	require.NoError(t, err)

	got := lines(out)
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[0]["user_id"])
	assert.Equal(t, "demo", got[0]["app_id"])
	assert.Equal(t, "carol", got[1]["user_id"])
	assert.Equal(t, "bob", got[1]["call_cmd"].(map[string]any)["user_id"])
}

func TestValidate_FlagIdentityWins(t *testing.T) {
	out, err := run(t, nil, "validate", "--user", "zed", writeFixture(t, fixtureYAML))
	require.NoError(t, err)
	assert.Equal(t, "zed", lines(out)[0]["user_id"])
}

func TestValidate_RejectsInvalidEnvelope(t *testing.T) {
	path := writeFixture(t, `
envelopes:
  - signal: room_msg
    room_msg: {message: no cmd}
`)
	_, err := run(t, nil, "validate", path)
	assert.ErrorContains(t, err, "envelope 0")
}

func TestValidate_UnknownSignalPolicy(t *testing.T) {
	path := writeFixture(t, `
envelopes:
  - signal: custom_thing
    custom: {a: 1}
`)
	out, err := run(t, nil, "validate", path)
	require.NoError(t, err)
	assert.Equal(t, "custom_thing", lines(out)[0]["signal"])

	_, err = run(t, nil, "validate", "--unknown-signal", "reject", path)
	assert.Error(t, err)
}

func TestSend_SendsAndPrintsReplies(t *testing.T) {
	conn := &fakeConn{}
	out, err := run(t, conn, "send", "--wait", "0s", writeFixture(t, fixtureYAML))
	require.NoError(t, err)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.sent, 2)
	assert.True(t, conn.closed)
	assert.Len(t, lines(out), 2)
}

func TestListen_RequiresUserAndRoom(t *testing.T) {
	_, err := run(t, &fakeConn{}, "listen", "--duration", "10ms")
	assert.ErrorContains(t, err, "--user and --room")
}

func TestListen_SendsGreeting(t *testing.T) {
	conn := &fakeConn{}
	_, err := run(t, conn, "listen", "--user", "u1", "--room", "r1", "--duration", "10ms")
	require.NoError(t, err)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.sent, 1)
	var m map[string]any
	require.NoError(t, json.Unmarshal(conn.sent[0], &m))
	assert.Equal(t, "u1", m["user_id"])
	assert.Equal(t, "r1", m["room_id"])
	assert.Equal(t, "hello", m["room_msg"].(map[string]any)["cmd"])
}

func TestCall_SendsCallCommand(t *testing.T) {
	conn := &fakeConn{}
	out, err := run(t, conn, "call", "--user", "u1", "--room", "r1", "--cmd", "ring", "--wait", "0s", "u2")
	require.NoError(t, err)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.sent, 1)
	var m map[string]any
	require.NoError(t, json.Unmarshal(conn.sent[0], &m))
	assert.Equal(t, "call_cmd", m["signal"])
	assert.Equal(t, "u1", m["user_id"])
	call := m["call_cmd"].(map[string]any)
	assert.Equal(t, "ring", call["cmd"])
	assert.Equal(t, "u2", call["user_id"])
	assert.Equal(t, "r1", call["room_id"])
	assert.Len(t, lines(out), 1)
}

func TestCall_RequiresUserAndRoom(t *testing.T) {
	_, err := run(t, &fakeConn{}, "call", "u2")
	assert.ErrorContains(t, err, "--user and --room")
}
