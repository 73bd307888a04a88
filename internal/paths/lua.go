package paths

import (
	"bytes"
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/cory-johannsen/elitecast/internal/event"
	"github.com/cory-johannsen/elitecast/internal/scripting"
)

// LuaFunction is the global a translation script must define:
//
//	function to_paths(event_type, fields) return { "/a", "/b" } end
//
// fields is the decoded event object as a Lua table.
const LuaFunction = "to_paths"

// LuaTranslator delegates translation to a sandboxed Lua script.
type LuaTranslator struct {
	engine *scripting.Engine
}

// NewLuaTranslator wraps a loaded engine.
//
// Precondition: engine must define LuaFunction.
// Postcondition: Returns a LuaTranslator, or an error if the function is missing.
func NewLuaTranslator(engine *scripting.Engine) (*LuaTranslator, error) {
	if !engine.HasFunction(LuaFunction) {
		return nil, fmt.Errorf("translation script does not define %s", LuaFunction)
	}
	return &LuaTranslator{engine: engine}, nil
}

// ToPaths calls to_paths(event_type, fields) and returns its string list.
func (t *LuaTranslator) ToPaths(e event.Event) (PathSet, error) {
	dec := json.NewDecoder(bytes.NewReader(e.Raw))
	var fields any
	if err := dec.Decode(&fields); err != nil {
		return nil, translationError(e, fmt.Errorf("decoding event body: %w", err))
	}

	var out PathSet
	err := t.engine.Call(LuaFunction,
		func(L *lua.LState) []lua.LValue {
			return []lua.LValue{lua.LString(e.Type), scripting.ToLValue(L, fields)}
		},
		func(ret lua.LValue) error {
			list, err := scripting.StringList(ret)
			if err != nil {
				return fmt.Errorf("%s result: %w", LuaFunction, err)
			}
			out = list
			return nil
		},
	)
	if err != nil {
		return nil, translationError(e, err)
	}
	if out == nil {
		out = PathSet{}
	}
	return out, nil
}
