package core_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/novelshelf/catalogd/internal/domain"
	"github.com/novelshelf/catalogd/internal/native"
	"github.com/novelshelf/catalogd/internal/pkgmgr"
)

const jsPluginTemplate = `
module.exports = {
  id: "ID",
  name: "NAME",
  site: "https://example.org",
  version: "VERSION",
  lang: "en",
  apiVersion: 1,
  popularNovels: function (page) { return [{ name: "NAME novel " + page, path: "/novel/" + page }]; },
  searchNovels: function (query, page) { return [{ name: query, path: "/search/" + page }]; },
  parseNovel: function (url) {
    return { path: url, name: "NAME detail", chapters: [{ name: "One", path: url + "/1" }] };
  },
  parseChapter: function (url) { return "VERSION:" + url; }
};
`

func jsPlugin(id, name, version string) string {
	return strings.NewReplacer("ID", id, "NAME", name, "VERSION", version).Replace(jsPluginTemplate)
}

const manifestTemplate = "pkg: %s\nname: %s\nversion_name: 2.0.0\nversion_code: %d\nlang: en\n"

// writeNativePkg lays out an unpacked native package in dir.
func writeNativePkg(t *testing.T, dir, pkg, name string, code int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, native.ManifestFile),
		[]byte(fmt.Sprintf(manifestTemplate, pkg, name, code)), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, native.ModuleFile), []byte("\x00asm"), 0644))
}

// buildArchive packs a native package into a .cpkg and returns its bytes.
func buildArchive(t *testing.T, pkg, name string, code int) []byte {
	t.Helper()
	src := filepath.Join(t.TempDir(), "src")
	writeNativePkg(t, src, pkg, name, code)

	var buf bytes.Buffer
	require.NoError(t, native.Pack(src, &buf))
	return buf.Bytes()
}

// fakeSource is a domain.Source with canned answers.
type fakeSource struct {
	mu     sync.Mutex
	id     int64
	name   string
	loaded bool
	closed int
	panics bool
	err    error
}

func newFakeSource(id int64, name string) *fakeSource {
	return &fakeSource{id: id, name: name, loaded: true}
}

func (s *fakeSource) ID() int64    { return s.id }
func (s *fakeSource) Name() string { return s.name }
func (s *fakeSource) Lang() string { return "en" }

func (s *fakeSource) IsLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded && s.closed == 0
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSource) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSource) Unload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
}

func (s *fakeSource) PopularNovels(_ context.Context, page int, _ domain.Filters) (*domain.NovelsPage, error) {
	if s.panics {
		panic("boom")
	}
	if s.err != nil {
		return nil, s.err
	}
	return &domain.NovelsPage{Items: []domain.NovelItem{{Name: fmt.Sprintf("%s %d", s.name, page)}}}, nil
}

func (s *fakeSource) SearchNovels(context.Context, string, int) (*domain.NovelsPage, error) {
	return &domain.NovelsPage{}, s.err
}

func (s *fakeSource) LatestNovels(context.Context, int) (*domain.NovelsPage, error) {
	return &domain.NovelsPage{}, s.err
}

func (s *fakeSource) GetNovelDetails(_ context.Context, url string) (*domain.Novel, error) {
	return &domain.Novel{URL: url, Name: s.name}, s.err
}

func (s *fakeSource) GetChapters(context.Context, string) ([]domain.Chapter, error) {
	return nil, s.err
}

func (s *fakeSource) GetChapterContent(_ context.Context, url string) (string, error) {
	return s.name + ":" + url, s.err
}

// fakeInstance is a native.Instance built from a real manifest.
type fakeInstance struct {
	*fakeSource
	manifest native.Manifest
}

func (i *fakeInstance) Manifest() native.Manifest { return i.manifest }

// fakeNative is a native.Loader that reads manifests from disk and caches
// them per pkg until ClearCache, like the WASM loader does.
type fakeNative struct {
	mu      sync.Mutex
	cache   map[string]*native.Manifest
	loads   int
	cleared []string
	fail    error
}

func newFakeNative() *fakeNative {
	return &fakeNative{cache: make(map[string]*native.Manifest)}
}

func (n *fakeNative) Load(_ context.Context, pkg, dir string) (native.Instance, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return nil, n.fail
	}
	m, ok := n.cache[pkg]
	if !ok {
		var err error
		if m, err = native.ReadManifest(dir); err != nil {
			return nil, err
		}
		n.cache[pkg] = m
	}
	n.loads++
	return &fakeInstance{fakeSource: newFakeSource(m.ResolvedSourceID(), m.Name), manifest: *m}, nil
}

func (n *fakeNative) ClearCache(pkg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cache, pkg)
	n.cleared = append(n.cleared, pkg)
}

func (n *fakeNative) Close(context.Context) error { return nil }

func (n *fakeNative) Loads() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loads
}

// fakeManager is a pkgmgr.Manager whose operations are answered by the
// test through respond, or never.
type fakeManager struct {
	mu        sync.Mutex
	root      string
	installed map[string]bool
	listeners map[int]func(pkgmgr.Event)
	next      int
	respond   func(op, pkg, archive string) *pkgmgr.Event
	requests  chan string
}

func newFakeManager(t *testing.T) *fakeManager {
	return &fakeManager{
		root:      t.TempDir(),
		installed: make(map[string]bool),
		listeners: make(map[int]func(pkgmgr.Event)),
		requests:  make(chan string, 8),
	}
}

// put registers an already unpacked package.
func (m *fakeManager) put(t *testing.T, pkg, name string, code int) {
	writeNativePkg(t, filepath.Join(m.root, pkg), pkg, name, code)
	m.mu.Lock()
	m.installed[pkg] = true
	m.mu.Unlock()
}

func (m *fakeManager) Installed() ([]pkgmgr.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pkgmgr.Package
	for pkg := range m.installed {
		out = append(out, pkgmgr.Package{Name: pkg, Dir: filepath.Join(m.root, pkg)})
	}
	return out, nil
}

func (m *fakeManager) Info(pkg string) (pkgmgr.Package, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.installed[pkg] {
		return pkgmgr.Package{}, false
	}
	return pkgmgr.Package{Name: pkg, Dir: filepath.Join(m.root, pkg)}, true
}

func (m *fakeManager) Install(_ context.Context, pkg, archive string) error {
	return m.request("install", pkg, archive)
}

func (m *fakeManager) Uninstall(_ context.Context, pkg string) error {
	return m.request("uninstall", pkg, "")
}

func (m *fakeManager) request(op, pkg, archive string) error {
	m.requests <- op + ":" + pkg
	m.mu.Lock()
	respond := m.respond
	m.mu.Unlock()
	if respond == nil {
		return nil
	}
	if ev := respond(op, pkg, archive); ev != nil {
		go m.emit(*ev)
	}
	return nil
}

func (m *fakeManager) emit(ev pkgmgr.Event) {
	m.mu.Lock()
	switch ev.Kind {
	case pkgmgr.EventInstalled:
		m.installed[ev.Pkg] = true
	case pkgmgr.EventUninstalled:
		delete(m.installed, ev.Pkg)
	}
	fns := make([]func(pkgmgr.Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (m *fakeManager) Subscribe(fn func(pkgmgr.Event)) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *fakeManager) Listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// collect drains an install stream.
func collect(steps <-chan domain.InstallStep) []domain.InstallStep {
	var out []domain.InstallStep
	for s := range steps {
		out = append(out, s)
	}
	return out
}

func states(steps []domain.InstallStep) []domain.InstallState {
	out := make([]domain.InstallState, len(steps))
	for i, s := range steps {
		out[i] = s.State
	}
	return out
}
