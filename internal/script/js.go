//go:build !noscript

package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/novelshelf/catalogd/internal/domain"
)

// JSEngine runs CommonJS plugins on goja. A plugin assigns its catalog
// object to module.exports; async functions are supported as long as
// every awaited value settles without timers.
type JSEngine struct {
	opts Options
}

// NewJSEngine creates a JavaScript engine.
func NewJSEngine(opts Options) *JSEngine {
	return &JSEngine{opts: opts}
}

func (e *JSEngine) Name() string { return "goja" }

// LoadPlugin evaluates payload and returns the plugin it exports.
func (e *JSEngine) LoadPlugin(ctx context.Context, payload []byte, pluginID string, bridge Bridge) (p Plugin, err error) {
	v := &jsVM{rt: goja.New(), bridge: bridge, ctx: ctx}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: panic during load: %v", domain.ErrSandboxEvaluationFailed, pluginID, r)
		}
		if err != nil {
			v.close()
			p = nil
		}
	}()

	if err := v.install(); err != nil {
		return nil, fmt.Errorf("%w: %s: installing host bindings: %v", domain.ErrSandboxEvaluationFailed, pluginID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.timeout())
	defer cancel()
	v.ctx = ctx
	release := v.interruptOn(ctx)
	_, runErr := v.rt.RunScript(pluginID, string(payload))
	release()
	if runErr != nil {
		return nil, v.wrap(ctx, pluginID, "load", runErr)
	}

	exports := v.rt.Get("module").ToObject(v.rt).Get("exports")
	if exports == nil || goja.IsUndefined(exports) || goja.IsNull(exports) {
		return nil, fmt.Errorf("%w: %s: module.exports is empty", domain.ErrSandboxEvaluationFailed, pluginID)
	}
	obj := exports.ToObject(v.rt)
	if def := obj.Get("default"); def != nil && !goja.IsUndefined(def) && !goja.IsNull(def) {
		if d, ok := def.(*goja.Object); ok && d.Get("id") != nil {
			obj = d
		}
	}
	v.exports = obj

	m, _ := obj.Export().(map[string]any)
	sp, err := newSandboxPlugin(pluginID, v, metadataFrom(m), e.opts.timeout())
	if err != nil {
		return nil, err
	}
	return sp, nil
}

type jsVM struct {
	rt      *goja.Runtime
	exports *goja.Object
	bridge  Bridge
	ctx     context.Context

	promise *goja.Object
	resolve goja.Callable
	reject  goja.Callable
}

// install binds the host capabilities and the CommonJS module object.
func (v *jsVM) install() error {
	module := v.rt.NewObject()
	exports := v.rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return err
	}
	if err := v.rt.Set("module", module); err != nil {
		return err
	}
	if err := v.rt.Set("exports", exports); err != nil {
		return err
	}

	v.promise = v.rt.Get("Promise").ToObject(v.rt)
	var ok bool
	if v.resolve, ok = goja.AssertFunction(v.promise.Get("resolve")); !ok {
		return errors.New("Promise.resolve missing")
	}
	if v.reject, ok = goja.AssertFunction(v.promise.Get("reject")); !ok {
		return errors.New("Promise.reject missing")
	}

	if err := v.rt.Set("fetch", v.fetch); err != nil {
		return err
	}

	cookies := v.rt.NewObject()
	if err := cookies.Set("get", v.cookieGet); err != nil {
		return err
	}
	if err := cookies.Set("set", v.cookieSet); err != nil {
		return err
	}
	if err := v.rt.Set("cookies", cookies); err != nil {
		return err
	}

	log := v.rt.NewObject()
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if err := log.Set(level, v.logFunc(level)); err != nil {
			return err
		}
	}
	if err := log.Set("log", v.logFunc("info")); err != nil {
		return err
	}
	if err := v.rt.Set("log", log); err != nil {
		return err
	}
	// console is the same logger under the name most plugins already use
	return v.rt.Set("console", log)
}

func (v *jsVM) fetch(call goja.FunctionCall) goja.Value {
	req := FetchRequest{URL: call.Argument(0).String()}
	if init, ok := call.Argument(1).Export().(map[string]any); ok {
		req.Method = stringify(init["method"])
		req.Body = stringify(init["body"])
		if h, ok := init["headers"].(map[string]any); ok {
			req.Headers = make(map[string]string, len(h))
			for k, val := range h {
				req.Headers[k] = stringify(val)
			}
		}
	}

	resp, err := v.bridge.Fetch(v.ctx, req)
	if err != nil {
		return v.rejected(err)
	}
	return v.resolved(v.response(resp))
}

func (v *jsVM) response(resp *FetchResponse) *goja.Object {
	obj := v.rt.NewObject()
	_ = obj.Set("status", resp.Status)
	_ = obj.Set("ok", resp.OK())
	_ = obj.Set("url", resp.URL)
	_ = obj.Set("headers", resp.Headers)
	_ = obj.Set("text", func(goja.FunctionCall) goja.Value {
		return v.resolved(v.rt.ToValue(resp.Body))
	})
	_ = obj.Set("json", func(goja.FunctionCall) goja.Value {
		var parsed any
		if err := json.Unmarshal([]byte(resp.Body), &parsed); err != nil {
			return v.rejected(fmt.Errorf("invalid json: %w", err))
		}
		return v.resolved(v.rt.ToValue(parsed))
	})
	return obj
}

func (v *jsVM) cookieGet(call goja.FunctionCall) goja.Value {
	header, err := v.bridge.CookieGet(call.Argument(0).String())
	if err != nil {
		panic(v.rt.NewGoError(err))
	}
	return v.rt.ToValue(header)
}

func (v *jsVM) cookieSet(call goja.FunctionCall) goja.Value {
	if err := v.bridge.CookieSet(call.Argument(0).String(), call.Argument(1).String()); err != nil {
		panic(v.rt.NewGoError(err))
	}
	return goja.Undefined()
}

func (v *jsVM) logFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		msg := ""
		for i, arg := range call.Arguments {
			if i > 0 {
				msg += " "
			}
			msg += arg.String()
		}
		v.bridge.Log(level, msg)
		return goja.Undefined()
	}
}

func (v *jsVM) resolved(val any) goja.Value {
	p, err := v.resolve(v.promise, v.rt.ToValue(val))
	if err != nil {
		panic(err)
	}
	return p
}

func (v *jsVM) rejected(cause error) goja.Value {
	p, err := v.reject(v.promise, v.rt.NewGoError(cause))
	if err != nil {
		panic(err)
	}
	return p
}

// interruptOn stops the VM when ctx ends. The returned func must be called
// once the guarded call has returned.
func (v *jsVM) interruptOn(ctx context.Context) func() {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		v.rt.Interrupt(ctx.Err())
		close(fired)
	})
	return func() {
		if !stop() {
			<-fired
		}
		v.rt.ClearInterrupt()
	}
}

func (v *jsVM) has(fn string) bool {
	if v.exports == nil {
		return false
	}
	_, ok := goja.AssertFunction(v.exports.Get(fn))
	return ok
}

func (v *jsVM) call(ctx context.Context, fn string, args ...any) (any, error) {
	f, ok := goja.AssertFunction(v.exports.Get(fn))
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a function", domain.ErrSandboxEvaluationFailed, fn)
	}

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = v.rt.ToValue(a)
	}

	v.ctx = ctx
	release := v.interruptOn(ctx)
	res, err := f(v.exports, jsArgs...)
	release()
	if err != nil {
		return nil, v.wrap(ctx, "", fn, err)
	}
	return v.settle(fn, res)
}

func (v *jsVM) settle(fn string, res goja.Value) (any, error) {
	if res == nil {
		return nil, nil
	}
	p, ok := res.Export().(*goja.Promise)
	if !ok {
		return res.Export(), nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		if p.Result() == nil {
			return nil, nil
		}
		return p.Result().Export(), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("%w: %s rejected: %v", domain.ErrSandboxEvaluationFailed, fn, p.Result())
	default:
		return nil, fmt.Errorf("%w: %s returned a promise that never settled", domain.ErrSandboxEvaluationFailed, fn)
	}
}

func (v *jsVM) wrap(ctx context.Context, id, fn string, err error) error {
	where := fn
	if id != "" {
		where = id + ": " + fn
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) && ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrSandboxEvaluationFailed, where, ctx.Err())
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrSandboxEvaluationFailed, where, err)
}

func (v *jsVM) alive() bool { return v.rt != nil }

func (v *jsVM) close() {
	if v.rt != nil {
		v.rt.ClearInterrupt()
	}
	v.exports = nil
	v.rt = nil
}
