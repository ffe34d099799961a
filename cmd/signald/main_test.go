package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/roomsignal/internal/command"
	"github.com/cory-johannsen/roomsignal/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.LoadFromViper(config.New())
	require.NoError(t, err)
	return cfg
}

func TestBuildCatalog_ExtraSignals(t *testing.T) {
	catalog, err := buildCatalog(map[string]string{"call_invite": "call_cmd"})
	require.NoError(t, err)
	v, ok := catalog.Lookup("call_invite")
	require.True(t, ok)
	assert.Equal(t, "call_cmd", v.WireKey())

	_, err = buildCatalog(map[string]string{"x": "no_such_payload"})
	assert.ErrorContains(t, err, "unknown payload key")
}

func TestBuild_DefaultsUseMemoryStore(t *testing.T) {
	d, err := build(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(d.close)

	assert.Equal(t, []string{"health", "websocket"}, d.lifecycle.Names())
	assert.ElementsMatch(t, []command.Signal{
		command.SignalRoomMsg, command.SignalCallCmd, command.SignalRecordCmd, command.SignalProcessCmdList,
	}, d.dispatcher.Signals())

	body := d.status()
	assert.Equal(t, d.dispatcher.Signals(), body["handlers"])
	assert.Equal(t, 0, body["peers"])
	assert.NotContains(t, body, "tcp_connections")
}

func TestBuild_ListenerAddsTCPService(t *testing.T) {
	cfg := testConfig(t)
	cfg.Listener.Enabled = true
	d, err := build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(d.close)
	assert.Equal(t, []string{"health", "tcp", "websocket"}, d.lifecycle.Names())
	assert.Equal(t, 0, d.status()["tcp_connections"])
}

func TestBuild_ScriptsServeUnhandledSignals(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hooks.lua"), []byte(`
function on_call_invite(env)
  return "blocked " .. env.user_id
end
`), 0o644))

	cfg := testConfig(t)
	cfg.Scripting.Dir = dir
	cfg.Signaling.ExtraSignals = map[string]string{"call_invite": "call_cmd"}
	d, err := build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(d.close)

	env := command.New("call_invite",
		command.Header{UserID: command.Ptr("u1"), RoomID: command.Ptr("r1")},
		command.CallCommand{Cmd: command.Ptr("ring"), UserID: command.Ptr("u2")})
	out := d.dispatcher.Dispatch(context.Background(), env)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "blocked u1")
	assert.Equal(t, 1, d.errors.Snapshot()["call_invite"].Count)
}

func TestBuild_RejectsBadPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Signaling.Unhandled = "explode"
	_, err := build(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}
