package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// RegisterModules defines the signal global in L:
//
//	signal.send_room(room_id, cmd, message) -> ok, err
//	signal.send_to(user_id, cmd, message)   -> ok, err
//	signal.members(room_id)                 -> {user_id, ...}
//	signal.log(message)
//
// Precondition: L must be from NewSandboxedState.
func (m *Manager) RegisterModules(L *lua.LState, scope string) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"send_room": m.sendVia(func() func(string, string, string) error { return m.SendRoom }),
		"send_to":   m.sendVia(func() func(string, string, string) error { return m.SendTo }),
		"members": func(L *lua.LState) int {
			roomID := L.CheckString(1)
			out := L.NewTable()
			if m.Members != nil {
				for _, uid := range m.Members(roomID) {
					out.Append(lua.LString(uid))
				}
			}
			L.Push(out)
			return 1
		},
		"log": func(L *lua.LState) int {
			m.logger.Info("scripting: log",
				zap.String("scope", scope),
				zap.String("message", L.CheckString(1)),
			)
			return 0
		},
	})
	L.SetGlobal("signal", mod)
}

// sendVia reads the callback at call time so it may be injected after loading.
func (m *Manager) sendVia(get func() func(target, cmd, message string) error) lua.LGFunction {
	return func(L *lua.LState) int {
		target := L.CheckString(1)
		cmd := L.CheckString(2)
		message := L.OptString(3, "")
		fn := get()
		if fn == nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString("not available"))
			return 2
		}
		if err := fn(target, cmd, message); err != nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}
}
