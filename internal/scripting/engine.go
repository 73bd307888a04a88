package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Engine owns one sandboxed LState loaded from a script directory.
//
// An LState is single-threaded; Engine serializes every call into it, so
// Engine is safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	L         *lua.LState
	instLimit int
	logger    *zap.Logger
}

// NewEngine creates a sandboxed VM and executes every *.lua file in
// scriptDir in lexicographic order.
//
// Precondition: scriptDir must be a readable directory; logger must be non-nil.
// Postcondition: Returns a loaded Engine, or an error on read or Lua load failure.
func NewEngine(scriptDir string, instLimit int, logger *zap.Logger) (*Engine, error) {
	entries, err := os.ReadDir(scriptDir)
	if err != nil {
		return nil, fmt.Errorf("scripting: reading script dir %q: %w", scriptDir, err)
	}

	var luaFiles []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			luaFiles = append(luaFiles, filepath.Join(scriptDir, e.Name()))
		}
	}
	sort.Strings(luaFiles)

	L := NewSandboxedState()
	for _, path := range luaFiles {
		err := WithBudget(L, instLimit, func() error { return L.DoFile(path) })
		if err != nil {
			L.Close()
			return nil, fmt.Errorf("scripting: loading %q: %w", path, err)
		}
	}

	logger.Info("scripting: engine loaded",
		zap.String("dir", scriptDir),
		zap.Int("files", len(luaFiles)),
	)

	return &Engine{L: L, instLimit: instLimit, logger: logger}, nil
}

// HasFunction reports whether name is a global function in the VM.
func (e *Engine) HasFunction(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.L.GetGlobal(name).(*lua.LFunction)
	return ok
}

// Call invokes the named global function with args built by the supplied
// constructor, which runs on the engine's LState under its lock, and hands
// the first return value to collect, also under the lock.
//
// Postcondition: Returns an error if the function is missing, raises, or
// exceeds the instruction budget.
func (e *Engine) Call(name string, build func(L *lua.LState) []lua.LValue, collect func(ret lua.LValue) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn, ok := e.L.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return fmt.Errorf("scripting: function %q is not defined", name)
	}

	var args []lua.LValue
	if build != nil {
		args = build(e.L)
	}

	err := WithBudget(e.L, e.instLimit, func() error {
		return e.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...)
	})
	if err != nil {
		return fmt.Errorf("scripting: calling %q: %w", name, err)
	}

	ret := e.L.Get(-1)
	e.L.Pop(1)
	if collect == nil {
		return nil
	}
	return collect(ret)
}

// Close releases the VM.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.L.Close()
}
