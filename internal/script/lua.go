//go:build !noscript

package script

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/novelshelf/catalogd/internal/domain"
)

// LuaEngine runs Lua plugins on gopher-lua. A plugin chunk returns its
// catalog table; host capabilities live in the global "host" table.
type LuaEngine struct {
	opts Options
}

// NewLuaEngine creates a Lua engine.
func NewLuaEngine(opts Options) *LuaEngine {
	return &LuaEngine{opts: opts}
}

func (e *LuaEngine) Name() string { return "gopher-lua" }

// unsafeGlobals are removed after the base library is opened.
var unsafeGlobals = []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "collectgarbage"}

// LoadPlugin evaluates payload and returns the plugin table it yields.
func (e *LuaEngine) LoadPlugin(ctx context.Context, payload []byte, pluginID string, bridge Bridge) (p Plugin, err error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	v := &luaVM{L: L, bridge: bridge, ctx: ctx}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: panic during load: %v", domain.ErrSandboxEvaluationFailed, pluginID, r)
		}
		if err != nil {
			v.close()
			p = nil
		}
	}()

	openSafeLibraries(L)
	v.installHost()

	ctx, cancel := context.WithTimeout(ctx, e.opts.timeout())
	defer cancel()
	v.ctx = ctx
	L.SetContext(ctx)
	defer L.RemoveContext()

	fn, loadErr := L.Load(bytes.NewReader(payload), pluginID)
	if loadErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrSandboxEvaluationFailed, pluginID, loadErr)
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		return nil, v.wrap(ctx, pluginID, "load", err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	module, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%w: %s: chunk must return a table, got %s",
			domain.ErrSandboxEvaluationFailed, pluginID, ret.Type())
	}
	v.module = module

	m, _ := toGoValue(module, make(map[*lua.LTable]bool)).(map[string]any)
	sp, err := newSandboxPlugin(pluginID, v, metadataFrom(m), e.opts.timeout())
	if err != nil {
		return nil, err
	}
	return sp, nil
}

func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range unsafeGlobals {
		L.SetGlobal(name, lua.LNil)
	}
}

type luaVM struct {
	L      *lua.LState
	module *lua.LTable
	bridge Bridge
	ctx    context.Context
	broken bool
}

func (v *luaVM) installHost() {
	L := v.L
	host := L.NewTable()

	L.SetField(host, "fetch", L.NewFunction(v.fetch))

	cookies := L.NewTable()
	L.SetField(cookies, "get", L.NewFunction(func(L *lua.LState) int {
		header, err := v.bridge.CookieGet(L.CheckString(1))
		if err != nil {
			L.RaiseError("cookies.get: %s", err.Error())
			return 0
		}
		L.Push(lua.LString(header))
		return 1
	}))
	L.SetField(cookies, "set", L.NewFunction(func(L *lua.LState) int {
		if err := v.bridge.CookieSet(L.CheckString(1), L.CheckString(2)); err != nil {
			L.RaiseError("cookies.set: %s", err.Error())
		}
		return 0
	}))
	L.SetField(host, "cookies", cookies)

	logger := L.NewTable()
	for _, level := range []string{"debug", "info", "warn", "error"} {
		L.SetField(logger, level, L.NewFunction(func(L *lua.LState) int {
			v.bridge.Log(level, L.CheckString(1))
			return 0
		}))
	}
	L.SetField(host, "log", logger)

	L.SetGlobal("host", host)

	// The base library print writes to the process stdout.
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, L.GetTop())
		for i := range parts {
			parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
		}
		v.bridge.Log("info", strings.Join(parts, "\t"))
		return 0
	}))
}

func (v *luaVM) fetch(L *lua.LState) int {
	req := FetchRequest{URL: L.CheckString(1)}
	if opts, ok := L.Get(2).(*lua.LTable); ok {
		req.Method = lua.LVAsString(opts.RawGetString("method"))
		req.Body = lua.LVAsString(opts.RawGetString("body"))
		if h, ok := opts.RawGetString("headers").(*lua.LTable); ok {
			req.Headers = make(map[string]string)
			h.ForEach(func(k, val lua.LValue) {
				req.Headers[k.String()] = val.String()
			})
		}
	}

	resp, err := v.bridge.Fetch(v.ctx, req)
	if err != nil {
		L.RaiseError("fetch: %s", err.Error())
		return 0
	}

	out := L.NewTable()
	out.RawSetString("status", lua.LNumber(resp.Status))
	out.RawSetString("ok", lua.LBool(resp.OK()))
	out.RawSetString("url", lua.LString(resp.URL))
	out.RawSetString("body", lua.LString(resp.Body))
	headers := L.NewTable()
	for k, val := range resp.Headers {
		headers.RawSetString(k, lua.LString(val))
	}
	out.RawSetString("headers", headers)
	L.Push(out)
	return 1
}

func (v *luaVM) has(fn string) bool {
	if v.module == nil {
		return false
	}
	return v.module.RawGetString(fn).Type() == lua.LTFunction
}

func (v *luaVM) call(ctx context.Context, fn string, args ...any) (any, error) {
	f := v.module.RawGetString(fn)
	if f.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %s is not a function", domain.ErrSandboxEvaluationFailed, fn)
	}

	largs := make([]lua.LValue, len(args))
	for i, a := range args {
		largs[i] = toLuaValue(v.L, a)
	}

	v.ctx = ctx
	v.L.SetContext(ctx)
	defer v.L.RemoveContext()

	top := v.L.GetTop()
	if err := v.L.CallByParam(lua.P{Fn: f, NRet: 1, Protect: true}, largs...); err != nil {
		v.L.SetTop(top)
		return nil, v.wrap(ctx, "", fn, err)
	}
	ret := v.L.Get(-1)
	v.L.Pop(1)

	return toGoValue(ret, make(map[*lua.LTable]bool)), nil
}

func (v *luaVM) wrap(ctx context.Context, id, fn string, err error) error {
	where := fn
	if id != "" {
		where = id + ": " + fn
	}
	if ctx.Err() != nil {
		// A state cancelled mid-call may hold a half-unwound stack
		v.broken = true
		return fmt.Errorf("%w: %s: %w", domain.ErrSandboxEvaluationFailed, where, ctx.Err())
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrSandboxEvaluationFailed, where, err)
}

func (v *luaVM) alive() bool { return v.L != nil && !v.L.IsClosed() && !v.broken }

func (v *luaVM) close() {
	if v.L != nil && !v.L.IsClosed() {
		v.L.Close()
	}
	v.module = nil
}

// toGoValue converts a Lua value into plain Go data. Tables with keys
// 1..n become slices, other tables maps; empty tables become nil.
func toGoValue(lv lua.LValue, visited map[*lua.LTable]bool) any {
	switch val := lv.(type) {
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
		if visited[val] {
			return nil
		}
		visited[val] = true
		defer delete(visited, val)
		return tableToGo(val, visited)
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) any {
	n := t.MaxN()
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })
	if count == 0 {
		return nil
	}

	if n == count {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			out = append(out, toGoValue(t.RawGetInt(i), visited))
		}
		return out
	}

	out := make(map[string]any, count)
	t.ForEach(func(k, val lua.LValue) {
		if val.Type() == lua.LTFunction {
			out[k.String()] = true
			return
		}
		out[k.String()] = toGoValue(val, visited)
	})
	return out
}

func toLuaValue(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case domain.Filters:
		return toLuaValue(L, map[string]any(val))
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, toLuaValue(L, item))
		}
		return t
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(toLuaValue(L, item))
		}
		return t
	case []string:
		t := L.NewTable()
		for _, item := range val {
			t.Append(lua.LString(item))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}
