package script

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// recordingBridge wraps a HostBridge and keeps what plugins logged and
// which cookies they set.
type recordingBridge struct {
	*HostBridge

	mu      sync.Mutex
	logs    []string
	cookies map[string]string
}

func (b *recordingBridge) Log(level, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs = append(b.logs, level+": "+msg)
}

func (b *recordingBridge) CookieGet(rawURL string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cookies[rawURL], nil
}

func (b *recordingBridge) CookieSet(rawURL, setCookie string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cookies[rawURL] = setCookie
	return nil
}

func (b *recordingBridge) Logs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.logs...)
}

func newTestBridge(t *testing.T) (*recordingBridge, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/popular":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"name":"Novel A","path":"/novel/a"},{"name":"Novel B","path":"/novel/b"}]`))
		case "/echo":
			_, _ = w.Write([]byte(r.Method + " " + r.URL.Query().Get("q")))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	return &recordingBridge{
		HostBridge: NewHostBridge(server.Client(), nil, zerolog.Nop()),
		cookies:    make(map[string]string),
	}, server
}

func loadPlugin(t *testing.T, e Engine, src string, bridge Bridge) (Plugin, error) {
	t.Helper()
	p, err := e.LoadPlugin(context.Background(), []byte(src), "test-plugin", bridge)
	if p != nil {
		t.Cleanup(func() { _ = p.Close() })
	}
	return p, err
}
