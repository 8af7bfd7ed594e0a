// Package script runs catalog plugins written in JavaScript or Lua inside
// an embedded sandbox. The only host capabilities a plugin can reach are
// the ones on Bridge.
package script

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/novelshelf/catalogd/internal/domain"
)

// MinAPIVersion is the oldest plugin API the engines accept.
const MinAPIVersion = 1

// DefaultTimeout bounds a single plugin call.
const DefaultTimeout = 30 * time.Second

// Metadata is what a plugin declares about itself.
type Metadata struct {
	ID          string
	Name        string
	Site        string
	Version     string
	Lang        string
	Icon        string
	Description string
	APIVersion  int
	NSFW        bool
}

// Plugin is a loaded script plugin. Calls are serialized; Close releases
// the sandbox and is safe to call more than once.
type Plugin interface {
	PopularNovels(ctx context.Context, page int, filters domain.Filters) (*domain.NovelsPage, error)
	SearchNovels(ctx context.Context, query string, page int) (*domain.NovelsPage, error)
	LatestNovels(ctx context.Context, page int) (*domain.NovelsPage, error)
	GetNovelDetails(ctx context.Context, url string) (*domain.Novel, error)
	GetChapters(ctx context.Context, url string) ([]domain.Chapter, error)
	GetChapterContent(ctx context.Context, url string) (string, error)

	Metadata() Metadata
	IsLoaded() bool
	Close() error
}

// Engine evaluates a script payload into a Plugin.
type Engine interface {
	Name() string
	LoadPlugin(ctx context.Context, payload []byte, pluginID string, bridge Bridge) (Plugin, error)
}

// Options configures the engines.
type Options struct {
	Timeout time.Duration // Per call; DefaultTimeout when zero
	Log     zerolog.Logger
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// Router picks the engine for a payload by file extension.
type Router struct {
	engines map[string]Engine
}

// EngineFor returns the engine registered for ext (".js", ".lua").
func (r *Router) EngineFor(ext string) (Engine, error) {
	e, ok := r.engines[strings.ToLower(ext)]
	if !ok {
		return nil, fmt.Errorf("%w: no engine for %q", domain.ErrEngineUnavailable, ext)
	}
	return e, nil
}

// Extensions lists the payload extensions the router can run.
func (r *Router) Extensions() []string {
	exts := make([]string, 0, len(r.engines))
	for ext := range r.engines {
		exts = append(exts, ext)
	}
	return exts
}

// required functions every plugin module must export
var requiredFunctions = []string{"popularNovels", "searchNovels", "parseNovel", "parseChapter"}

// vm is a single evaluated script. It is not safe for concurrent use.
type vm interface {
	call(ctx context.Context, fn string, args ...any) (any, error)
	has(fn string) bool
	alive() bool
	close()
}

// sandboxPlugin maps the catalog capability calls onto plugin functions.
type sandboxPlugin struct {
	mu      sync.Mutex
	vm      vm
	meta    Metadata
	id      string
	timeout time.Duration
	closed  bool
}

func newSandboxPlugin(id string, v vm, meta Metadata, timeout time.Duration) (*sandboxPlugin, error) {
	if meta.ID == "" || meta.Name == "" {
		return nil, fmt.Errorf("%w: %s: plugin must export id and name", domain.ErrSandboxEvaluationFailed, id)
	}
	for _, fn := range requiredFunctions {
		if !v.has(fn) {
			return nil, fmt.Errorf("%w: %s: missing function %s", domain.ErrSandboxEvaluationFailed, id, fn)
		}
	}
	if meta.APIVersion < MinAPIVersion {
		return nil, fmt.Errorf("%w: %s declares api %d, need >= %d",
			domain.ErrIncompatibleVersion, id, meta.APIVersion, MinAPIVersion)
	}
	return &sandboxPlugin{vm: v, meta: meta, id: id, timeout: timeout}, nil
}

// call is one plugin function with its arguments.
type call struct {
	fn   string
	args []any
}

func (p *sandboxPlugin) invoke(ctx context.Context, fn string, args ...any) (any, error) {
	return p.invokeFirst(ctx, call{fn: fn, args: args})
}

// invokeFirst runs the first of calls the plugin exports. The last call is
// made when none of the others is exported.
func (p *sandboxPlugin) invokeFirst(ctx context.Context, calls ...call) (result any, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, domain.ErrPluginClosed
	}

	c := calls[len(calls)-1]
	for _, candidate := range calls[:len(calls)-1] {
		if p.vm.has(candidate.fn) {
			c = candidate
			break
		}
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %s.%s: panic: %v", domain.ErrSandboxEvaluationFailed, p.id, c.fn, r)
		}
	}()

	return p.vm.call(ctx, c.fn, c.args...)
}

func (p *sandboxPlugin) PopularNovels(ctx context.Context, page int, filters domain.Filters) (*domain.NovelsPage, error) {
	if filters == nil {
		filters = domain.Filters{}
	}
	v, err := p.invoke(ctx, "popularNovels", page, map[string]any{
		"showLatestNovels": false,
		"filters":          map[string]any(filters),
	})
	if err != nil {
		return nil, err
	}
	return decodePage("popularNovels", v)
}

func (p *sandboxPlugin) SearchNovels(ctx context.Context, query string, page int) (*domain.NovelsPage, error) {
	v, err := p.invoke(ctx, "searchNovels", query, page)
	if err != nil {
		return nil, err
	}
	return decodePage("searchNovels", v)
}

func (p *sandboxPlugin) LatestNovels(ctx context.Context, page int) (*domain.NovelsPage, error) {
	v, err := p.invokeFirst(ctx,
		call{fn: "latestNovels", args: []any{page}},
		call{fn: "popularNovels", args: []any{page, map[string]any{
			"showLatestNovels": true,
			"filters":          map[string]any{},
		}}},
	)
	if err != nil {
		return nil, err
	}
	return decodePage("latestNovels", v)
}

func (p *sandboxPlugin) GetNovelDetails(ctx context.Context, url string) (*domain.Novel, error) {
	v, err := p.invoke(ctx, "parseNovel", url)
	if err != nil {
		return nil, err
	}
	novel, _, err := decodeNovel("parseNovel", url, v)
	return novel, err
}

func (p *sandboxPlugin) GetChapters(ctx context.Context, url string) ([]domain.Chapter, error) {
	v, err := p.invoke(ctx, "parseNovel", url)
	if err != nil {
		return nil, err
	}
	_, chapters, err := decodeNovel("parseNovel", url, v)
	return chapters, err
}

func (p *sandboxPlugin) GetChapterContent(ctx context.Context, url string) (string, error) {
	v, err := p.invoke(ctx, "parseChapter", url)
	if err != nil {
		return "", err
	}
	return decodeText("parseChapter", v)
}

func (p *sandboxPlugin) Metadata() Metadata {
	return p.meta
}

func (p *sandboxPlugin) IsLoaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.vm.alive()
}

func (p *sandboxPlugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.vm.close()
	return nil
}
