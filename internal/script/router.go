//go:build !noscript

package script

// NewRouter returns a router serving JavaScript through goja and Lua
// through gopher-lua.
func NewRouter(opts Options) *Router {
	return &Router{engines: map[string]Engine{
		".js":  NewJSEngine(opts),
		".lua": NewLuaEngine(opts),
	}}
}
