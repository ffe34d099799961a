package scripting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// globalScope is the reserved key for scripts shared by every room. CallHook falls
// back to it when a room has no VM of its own.
const globalScope = "__global__"

// roomsDir is the subdirectory of a script root holding one directory per room.
const roomsDir = "rooms"

type vm struct {
	mu     sync.Mutex
	L      *lua.LState
	cancel context.CancelFunc
}

// Manager owns one sandboxed LState per scope (room id or global) and calls hooks
// in them. An LState is single-threaded: calls into the same scope are serialized,
// different scopes run concurrently.
type Manager struct {
	mu        sync.RWMutex
	vms       map[string]*vm
	instLimit int
	logger    *zap.Logger

	// Injected after construction. nil makes the matching signal.* function a no-op.
	SendRoom func(roomID, cmd, message string) error
	SendTo   func(userID, cmd, message string) error
	Members  func(roomID string) []string
}

// NewManager creates a Manager whose hook calls may each run instLimit opcodes.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a Manager with no VMs.
func NewManager(instLimit int, logger *zap.Logger) *Manager {
	return &Manager{
		vms:       make(map[string]*vm),
		instLimit: instLimit,
		logger:    logger,
	}
}

// LoadDir loads root/*.lua into the global VM and root/rooms/<room id>/*.lua into
// one VM per room. A missing rooms directory is not an error.
//
// Precondition: root must be a readable directory.
func (m *Manager) LoadDir(root string) error {
	if err := m.LoadGlobal(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(filepath.Join(root, roomsDir))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scripting: reading rooms dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := m.LoadRoom(e.Name(), filepath.Join(root, roomsDir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// LoadGlobal creates the shared VM from every *.lua file in scriptDir.
func (m *Manager) LoadGlobal(scriptDir string) error {
	return m.loadInto(globalScope, scriptDir)
}

// LoadRoom creates roomID's VM from every *.lua file in scriptDir, replacing any
// earlier VM for that room.
//
// Precondition: roomID must be non-empty.
func (m *Manager) LoadRoom(roomID, scriptDir string) error {
	return m.loadInto(roomID, scriptDir)
}

func (m *Manager) loadInto(key, scriptDir string) error {
	L, cancel := NewSandboxedState(m.instLimit)
	m.RegisterModules(L, key)

	entries, err := os.ReadDir(scriptDir)
	if err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("scripting: reading script dir %q for %q: %w", scriptDir, key, err)
	}

	var luaFiles []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			luaFiles = append(luaFiles, filepath.Join(scriptDir, e.Name()))
		}
	}
	sort.Strings(luaFiles)

	for _, path := range luaFiles {
		if err := L.DoFile(path); err != nil {
			cancel()
			L.Close()
			return fmt.Errorf("scripting: loading %q for %q: %w", path, key, err)
		}
	}

	m.mu.Lock()
	old := m.vms[key]
	m.vms[key] = &vm{L: L, cancel: cancel}
	m.mu.Unlock()

	if old != nil {
		old.mu.Lock()
		old.cancel()
		old.L.Close()
		old.mu.Unlock()
	}
	m.logger.Debug("scripting: loaded", zap.String("scope", key), zap.Int("files", len(luaFiles)))
	return nil
}

func (m *Manager) scope(roomID string) *vm {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.vms[roomID]; ok {
		return v
	}
	return m.vms[globalScope]
}

// HasHook reports whether roomID's VM, or the global VM, defines hook.
func (m *Manager) HasHook(roomID, hook string) bool {
	v := m.scope(roomID)
	if v == nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.L.GetGlobal(hook).Type() == lua.LTFunction
}

// CallHook calls the global function hook in roomID's VM, falling back to the
// global VM. Each call gets a fresh instruction budget bounded by ctx.
//
// Postcondition: Returns (value, true, nil) when the hook ran; (LNil, false, nil)
// when no VM defines it; a non-nil error on Lua runtime failure.
func (m *Manager) CallHook(ctx context.Context, roomID, hook string, args ...lua.LValue) (lua.LValue, bool, error) {
	return m.call(ctx, roomID, hook, func(*lua.LState) []lua.LValue { return args })
}

// call builds the arguments inside the VM lock, so tables belong to the VM that runs the hook.
func (m *Manager) call(ctx context.Context, roomID, hook string, build func(L *lua.LState) []lua.LValue) (lua.LValue, bool, error) {
	v := m.scope(roomID)
	if v == nil {
		return lua.LNil, false, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	fn := v.L.GetGlobal(hook)
	if fn.Type() != lua.LTFunction {
		return lua.LNil, false, nil
	}

	cancel := arm(v.L, ctx, m.instLimit)
	defer cancel()

	if err := v.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, build(v.L)...); err != nil {
		m.logger.Warn("scripting: Lua runtime error",
			zap.String("room", roomID),
			zap.String("hook", hook),
			zap.Error(err),
		)
		return lua.LNil, true, fmt.Errorf("scripting: %s: %w", hook, err)
	}
	ret := v.L.Get(-1)
	v.L.Pop(1)
	return ret, true, nil
}

// Close releases every VM.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, v := range m.vms {
		v.mu.Lock()
		v.cancel()
		v.L.Close()
		v.mu.Unlock()
		delete(m.vms, key)
	}
}
