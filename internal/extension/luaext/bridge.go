package luaext

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// ToLua converts a Go value into a Lua value owned by L. Maps become
// tables, slices become arrays, and unsupported types become nil.
func ToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case []any:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, ToLua(L, item))
		}
		return t
	case []string:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, lua.LString(item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, ToLua(L, item))
		}
		return t
	case lua.LValue:
		return val
	default:
		return lua.LNil
	}
}

// ToGo converts a Lua value to its Go counterpart. Tables with contiguous
// 1..n integer keys become []any, all other tables become map[string]any.
// Functions and userdata become nil; cycles are broken with nil.
func ToGo(v lua.LValue) any {
	return toGo(v, map[*lua.LTable]bool{})
}

func toGo(v lua.LValue, seen map[*lua.LTable]bool) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		f := float64(val)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if seen[val] {
			return nil
		}
		seen[val] = true
		defer delete(seen, val)
		return tableToGo(val, seen)
	case *lua.LUserData:
		return val.Value
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable, seen map[*lua.LTable]bool) any {
	length := t.Len()
	total := 0
	t.ForEach(func(lua.LValue, lua.LValue) { total++ })

	// Contiguous integer keys only: treat as an array.
	if length > 0 && length == total {
		arr := make([]any, length)
		for i := 1; i <= length; i++ {
			arr[i-1] = toGo(t.RawGetInt(i), seen)
		}
		return arr
	}

	m := make(map[string]any, total)
	t.ForEach(func(k, v lua.LValue) {
		switch key := k.(type) {
		case lua.LString:
			m[string(key)] = toGo(v, seen)
		case lua.LNumber:
			m[fmt.Sprintf("%v", float64(key))] = toGo(v, seen)
		default:
			m[k.String()] = toGo(v, seen)
		}
	})
	return m
}

// TableString returns the string field of a table, or "" when absent.
func TableString(t *lua.LTable, key string) string {
	if s, ok := t.RawGetString(key).(lua.LString); ok {
		return string(s)
	}
	return ""
}

// TableBool returns the boolean field of a table, or false when absent.
func TableBool(t *lua.LTable, key string) bool {
	if b, ok := t.RawGetString(key).(lua.LBool); ok {
		return bool(b)
	}
	return false
}

// TableFunc returns the function field of a table, or nil when absent.
func TableFunc(t *lua.LTable, key string) *lua.LFunction {
	if fn, ok := t.RawGetString(key).(*lua.LFunction); ok {
		return fn
	}
	return nil
}
