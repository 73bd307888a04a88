package scripting

import (
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// ToLValue converts a value produced by encoding/json decoding into a Lua
// value. Objects become tables keyed by string, arrays become 1-based
// sequences, and nil becomes LNil. A null array element leaves a nil at its
// index, so later elements keep their positions.
func ToLValue(L *lua.LState, v any) lua.LValue {
	switch tv := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(tv)
	case float64:
		return lua.LNumber(tv)
	case string:
		return lua.LString(tv)
	case []any:
		t := L.CreateTable(len(tv), 0)
		for i, item := range tv {
			// Append drops nil; set by index so null keeps its slot.
			t.RawSetInt(i+1, ToLValue(L, item))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(tv))
		keys := make([]string, 0, len(tv))
		for k := range tv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, ToLValue(L, tv[k]))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(tv))
	}
}

// StringList converts a Lua sequence of strings into a Go slice. Numbers are
// formatted; any other element type is an error.
func StringList(v lua.LValue) ([]string, error) {
	if v == lua.LNil {
		return nil, nil
	}
	t, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("expected table, got %s", v.Type())
	}
	out := make([]string, 0, t.Len())
	for i := 1; i <= t.Len(); i++ {
		switch item := t.RawGetInt(i).(type) {
		case lua.LString:
			out = append(out, string(item))
		case lua.LNumber:
			out = append(out, item.String())
		default:
			return nil, fmt.Errorf("element %d: expected string, got %s", i, item.Type())
		}
	}
	return out, nil
}
