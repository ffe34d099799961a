package scripting_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/roomsignal/internal/codec"
	"github.com/cory-johannsen/roomsignal/internal/command"
	"github.com/cory-johannsen/roomsignal/internal/dispatch"
	"github.com/cory-johannsen/roomsignal/internal/scripting"
)

func TestHookName(t *testing.T) {
	assert.Equal(t, "on_heartbeat", scripting.HookName("heartbeat"))
	assert.Equal(t, "on_call_invite", scripting.HookName("call_invite"))
	assert.Equal(t, "on_x_y_z", scripting.HookName("x-y.z"))
}

func TestHandler_AsDispatcherDefault(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	var sent []string
	mgr.SendRoom = func(roomID, cmd, message string) error {
		sent = append(sent, roomID+"|"+cmd+"|"+message)
		return nil
	}
	require.NoError(t, mgr.LoadGlobal(writeTempLua(t, "hooks.lua", `
		function on_heartbeat(env)
			signal.send_room(env.room_id, "beat", env.user_id .. ":" .. env.fields.seq)
		end
		function on_reject(env)
			return "not allowed"
		end
	`)))

	d := dispatch.New(zaptest.NewLogger(t),
		dispatch.WithDefault(scripting.NewHandler(mgr, true)))
	c := codec.New(command.DefaultCatalog(), codec.PassThroughUnknown)

	env, err := c.Decode([]byte(`{"signal":"heartbeat","room_id":"r1","user_id":"u1","seq":7}`))
	require.NoError(t, err)
	out := d.Dispatch(context.Background(), env)
	require.NoError(t, out.Err)
	assert.Equal(t, []string{"r1|beat|u1:7"}, sent)

	env, err = c.Decode([]byte(`{"signal":"reject"}`))
	require.NoError(t, err)
	out = d.Dispatch(context.Background(), env)
	assert.ErrorContains(t, out.Err, "not allowed")

	env, err = c.Decode([]byte(`{"signal":"nohook"}`))
	require.NoError(t, err)
	out = d.Dispatch(context.Background(), env)
	assert.ErrorIs(t, out.Err, dispatch.ErrUnhandledSignal)
}

func TestHandler_LenientWithoutHook(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	h := scripting.NewHandler(mgr, false)
	err := h.Serve(context.Background(), dispatch.Request{Envelope: command.Envelope{Signal: "quiet"}, Index: -1})
	assert.NoError(t, err)
}
