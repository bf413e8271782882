// Package luaext hosts extension entry points in sandboxed Lua states.
//
// Each extension gets its own Env for the lifetime of the process. Only the
// base, table, string, and math libraries are opened; io, os, debug, and
// package stay closed so extension code cannot reach outside the host API
// it was handed.
//
// gopher-lua states are not goroutine-safe. Env serializes all access with
// an internal mutex so bridged callbacks (publish methods, web handlers)
// can be invoked from request goroutines.
package luaext

import (
	"errors"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// ErrClosed is returned when using an Env after Close.
var ErrClosed = errors.New("lua state is closed")

// Env is a sandboxed Lua environment for one extension.
type Env struct {
	mu     sync.Mutex
	L      *lua.LState
	closed bool
}

// NewEnv creates a sandboxed Lua environment.
func NewEnv() *Env {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	return &Env{L: L}
}

// RunFile executes the Lua file and returns the chunk's first return value
// (LNil when the chunk returns nothing). Panics inside the VM are converted
// to errors.
func (e *Env) RunFile(path string) (ret lua.LValue, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return lua.LNil, ErrClosed
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()

	fn, err := e.L.LoadFile(path)
	if err != nil {
		return lua.LNil, err
	}

	top := e.L.GetTop()
	e.L.Push(fn)
	if err := e.L.PCall(0, lua.MultRet, nil); err != nil {
		return lua.LNil, err
	}

	nret := e.L.GetTop() - top
	if nret <= 0 {
		return lua.LNil, nil
	}
	ret = e.L.Get(top + 1)
	e.L.Pop(nret)
	return ret, nil
}

// CallValue invokes fn, which must be a Lua function value owned by this
// environment, and returns its results.
func (e *Env) CallValue(fn lua.LValue, args ...lua.LValue) ([]lua.LValue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callLocked(fn, args)
}

// Call invokes fn with Go arguments, converting each to a Lua value inside
// the environment lock. Use this from goroutines that do not already own a
// Lua value for the argument; building tables on the state outside the lock
// is not safe.
func (e *Env) Call(fn lua.LValue, args ...any) ([]lua.LValue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	largs := make([]lua.LValue, len(args))
	for i, arg := range args {
		largs[i] = ToLua(e.L, arg)
	}
	return e.callLocked(fn, largs)
}

// callLocked runs fn on the state. Callers must hold mu.
func (e *Env) callLocked(fn lua.LValue, args []lua.LValue) (results []lua.LValue, err error) {
	if e.closed {
		return nil, ErrClosed
	}
	if fn == nil || fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("value is not a function (got %s)", luaTypeName(fn))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()

	top := e.L.GetTop()
	e.L.Push(fn)
	for _, arg := range args {
		e.L.Push(arg)
	}
	if err := e.L.PCall(len(args), lua.MultRet, nil); err != nil {
		return nil, err
	}

	nret := e.L.GetTop() - top
	results = make([]lua.LValue, nret)
	for i := 0; i < nret; i++ {
		results[i] = e.L.Get(top + i + 1)
	}
	e.L.Pop(nret)
	return results, nil
}

// GetGlobal returns a global from the environment.
func (e *Env) GetGlobal(name string) lua.LValue {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return lua.LNil
	}
	return e.L.GetGlobal(name)
}

// SetGlobal sets a global in the environment.
func (e *Env) SetGlobal(name string, value lua.LValue) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.L.SetGlobal(name, value)
}

// State exposes the raw LState for building bound tables. The caller must
// not retain it across goroutines; use CallValue for invocation.
func (e *Env) State() *lua.LState {
	return e.L
}

// Close releases the Lua state. Further use returns ErrClosed.
func (e *Env) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.L.Close()
	e.closed = true
}

func luaTypeName(v lua.LValue) string {
	if v == nil {
		return "nil"
	}
	return v.Type().String()
}
