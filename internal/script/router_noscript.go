//go:build noscript

package script

// NewRouter returns a router whose engines all report ErrEngineUnavailable.
func NewRouter(_ Options) *Router {
	stub := UnavailableEngine{Reason: "built with -tags noscript"}
	return &Router{engines: map[string]Engine{".js": stub, ".lua": stub}}
}
