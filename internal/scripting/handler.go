package scripting

import (
	"context"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/cory-johannsen/roomsignal/internal/command"
	"github.com/cory-johannsen/roomsignal/internal/dispatch"
)

// HookName returns the Lua function called for sig: "on_" followed by the signal
// with every byte outside [A-Za-z0-9_] replaced by '_'.
func HookName(sig command.Signal) string {
	var b strings.Builder
	b.WriteString("on_")
	for _, r := range string(sig) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Handler serves envelopes through on_<signal> hooks. It is meant to be the
// dispatcher's default handler.
type Handler struct {
	mgr *Manager
	// Strict makes envelopes without a hook fail with dispatch.ErrUnhandledSignal.
	Strict bool
}

// NewHandler creates a Handler over mgr.
//
// Precondition: mgr must be non-nil.
func NewHandler(mgr *Manager, strict bool) *Handler {
	return &Handler{mgr: mgr, Strict: strict}
}

// Serve calls the envelope's hook with a table describing it. A hook returning a
// string fails the request with that message.
func (h *Handler) Serve(ctx context.Context, req dispatch.Request) error {
	env := req.Envelope
	roomID := command.Deref(env.RoomID)
	hook := HookName(env.Signal)

	ret, ran, err := h.mgr.call(ctx, roomID, hook, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{envelopeTable(L, env)}
	})
	if err != nil {
		return err
	}
	if !ran {
		if h.Strict {
			return fmt.Errorf("%w: no hook %s", dispatch.ErrUnhandledSignal, hook)
		}
		return nil
	}
	if s, ok := ret.(lua.LString); ok && s != "" {
		return fmt.Errorf("%s: %s", hook, string(s))
	}
	return nil
}

// envelopeTable renders env as {signal, app_id, room_id, user_id, fields}. fields
// maps every preserved key to its raw JSON text.
func envelopeTable(L *lua.LState, env command.Envelope) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("signal", lua.LString(env.Signal))
	for key, val := range map[string]*string{
		command.KeyAppID:  env.AppID,
		command.KeyRoomID: env.RoomID,
		command.KeyUserID: env.UserID,
	} {
		if val != nil {
			t.RawSetString(key, lua.LString(*val))
		}
	}
	fields := L.NewTable()
	for k, raw := range env.Unknown {
		fields.RawSetString(k, lua.LString(raw))
	}
	t.RawSetString("fields", fields)
	return t
}
