package scripting_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/roomsignal/internal/scripting"
)

func newTestManager(t testing.TB, instLimit int) (*scripting.Manager, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	mgr := scripting.NewManager(instLimit, zap.New(core))
	t.Cleanup(mgr.Close)
	return mgr, logs
}

func writeTempLua(t testing.TB, filename, src string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(src), 0644))
	return dir
}

func TestManager_LoadGlobal_CallsHook(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	dir := writeTempLua(t, "hooks.lua", `
		function test_hook(a, b)
			return a + b
		end
	`)
	require.NoError(t, mgr.LoadGlobal(dir))
	ret, ran, err := mgr.CallHook(context.Background(), "any-room", "test_hook", lua.LNumber(3), lua.LNumber(4))
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, lua.LNumber(7), ret)
	assert.True(t, mgr.HasHook("any-room", "test_hook"))
	assert.False(t, mgr.HasHook("any-room", "other_hook"))
}

func TestManager_CallHook_MissingHook(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	require.NoError(t, mgr.LoadGlobal(writeTempLua(t, "empty.lua", `-- no functions`)))
	ret, ran, err := mgr.CallHook(context.Background(), "", "nonexistent_hook")
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, lua.LNil, ret)
}

func TestManager_CallHook_NoVM(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	_, ran, err := mgr.CallHook(context.Background(), "r1", "some_hook")
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestManager_CallHook_RuntimeErrorReturnedAndLogged(t *testing.T) {
	mgr, logs := newTestManager(t, 0)
	require.NoError(t, mgr.LoadGlobal(writeTempLua(t, "bad.lua", `
		function bad_hook()
			error("intentional error")
		end
	`)))
	_, ran, err := mgr.CallHook(context.Background(), "", "bad_hook")
	assert.True(t, ran)
	assert.ErrorContains(t, err, "intentional error")
	assert.Equal(t, 1, logs.FilterLevelExact(zap.WarnLevel).Len())
}

func TestManager_RoomVMShadowsGlobal(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "global.lua"), []byte(`function who() return "global" end`), 0644))
	roomDir := filepath.Join(root, "rooms", "r1")
	require.NoError(t, os.MkdirAll(roomDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(roomDir, "room.lua"), []byte(`function who() return "r1" end`), 0644))
	require.NoError(t, mgr.LoadDir(root))

	ret, _, err := mgr.CallHook(context.Background(), "r1", "who")
	require.NoError(t, err)
	assert.Equal(t, lua.LString("r1"), ret)
	ret, _, err = mgr.CallHook(context.Background(), "r2", "who")
	require.NoError(t, err)
	assert.Equal(t, lua.LString("global"), ret)
}

func TestManager_LoadDir_WithoutRooms(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	require.NoError(t, mgr.LoadDir(t.TempDir()))
}

func TestManager_LoadGlobal_InvalidLua(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	assert.Error(t, mgr.LoadGlobal(writeTempLua(t, "bad.lua", `this is not valid lua @@@@`)))
	assert.Error(t, mgr.LoadGlobal(filepath.Join(t.TempDir(), "missing")))
}

func TestManager_InstructionBudgetIsPerCall(t *testing.T) {
	mgr, _ := newTestManager(t, 500)
	require.NoError(t, mgr.LoadGlobal(writeTempLua(t, "hooks.lua", `
		function small() local x = 0 for i = 1, 10 do x = x + i end return x end
		function spin() while true do end end
	`)))
	for i := 0; i < 100; i++ {
		ret, _, err := mgr.CallHook(context.Background(), "", "small")
		require.NoError(t, err)
		assert.Equal(t, lua.LNumber(55), ret)
	}
	_, _, err := mgr.CallHook(context.Background(), "", "spin")
	assert.Error(t, err)
	ret, _, err := mgr.CallHook(context.Background(), "", "small")
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(55), ret)
}

func TestManager_MultipleFilesOrderedByName(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.lua"), []byte(`base_val = 10`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.lua"), []byte(`function get_val() return base_val end`), 0644))
	require.NoError(t, mgr.LoadRoom("ordered", dir))
	ret, _, err := mgr.CallHook(context.Background(), "ordered", "get_val")
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(10), ret)
}

func TestManager_SignalModule(t *testing.T) {
	mgr, logs := newTestManager(t, 0)
	var sent []string
	mgr.SendRoom = func(roomID, cmd, message string) error {
		sent = append(sent, roomID+"|"+cmd+"|"+message)
		return nil
	}
	mgr.Members = func(string) []string { return []string{"a", "b"} }
	require.NoError(t, mgr.LoadGlobal(writeTempLua(t, "mod.lua", `
		function relay(room)
			signal.log("relaying")
			local ok, err = signal.send_room(room, "note", "#" .. #signal.members(room))
			assert(ok, err)
			local ok2, err2 = signal.send_to("x", "note")
			return err2
		end
	`)))
	ret, _, err := mgr.CallHook(context.Background(), "", "relay", lua.LString("r1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"r1|note|#2"}, sent)
	assert.Equal(t, lua.LString("not available"), ret)
	assert.Equal(t, 1, logs.FilterMessage("scripting: log").Len())
}

func TestManager_CloseReleasesVMs(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	require.NoError(t, mgr.LoadRoom("closezone", writeTempLua(t, "init.lua", `function get_x() return 1 end`)))
	mgr.Close()
	_, ran, err := mgr.CallHook(context.Background(), "closezone", "get_x")
	assert.NoError(t, err)
	assert.False(t, ran)
}

func TestManager_ConcurrentCallsSameVM(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	require.NoError(t, mgr.LoadGlobal(writeTempLua(t, "hooks.lua", `
		function add(a, b) return a + b end
	`)))
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				ret, _, err := mgr.CallHook(context.Background(), "", "add", lua.LNumber(1), lua.LNumber(2))
				assert.NoError(t, err)
				assert.Equal(t, lua.LNumber(3), ret)
			}
		}()
	}
	wg.Wait()
}

func TestProperty_CallHookMissingScopeNeverPanics(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	rapid.Check(t, func(rt *rapid.T) {
		room := rapid.StringMatching(`[a-z]{1,10}`).Draw(rt, "room")
		hook := rapid.StringMatching(`[a-z]{1,10}`).Draw(rt, "hook")
		_, ran, err := mgr.CallHook(context.Background(), room, hook)
		if ran || err != nil {
			rt.Fatalf("unexpected ran=%v err=%v", ran, err)
		}
	})
}
