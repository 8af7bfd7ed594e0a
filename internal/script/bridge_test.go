package script

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapJar map[string]string

func (j mapJar) Get(rawURL string) (string, error) { return j[rawURL], nil }

func (j mapJar) Set(rawURL, setCookie string) error {
	j[rawURL] = setCookie
	return nil
}

func TestHostBridge_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "yes", r.Header.Get("X-Plugin"))
		w.Header().Set("X-Reply", "ok")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	defer server.Close()

	b := NewHostBridge(server.Client(), nil, zerolog.Nop())
	resp, err := b.Fetch(context.Background(), FetchRequest{
		URL:     server.URL + "/pot",
		Headers: map[string]string{"X-Plugin": "yes"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.Status)
	assert.False(t, resp.OK())
	assert.Equal(t, "ok", resp.Headers["x-reply"])
	assert.Equal(t, "short and stout", resp.Body)
	assert.Equal(t, server.URL+"/pot", resp.URL)
}

func TestHostBridge_RejectsSchemes(t *testing.T) {
	b := NewHostBridge(nil, nil, zerolog.Nop())
	for _, u := range []string{"file:///etc/passwd", "ftp://example.com/x", "://bad"} {
		_, err := b.Fetch(context.Background(), FetchRequest{URL: u})
		assert.Error(t, err, u)
	}
}

func TestHostBridge_Bind(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer server.Close()

	b := NewHostBridge(http.DefaultClient, nil, zerolog.Nop())
	b.Bind(nil)
	b.Bind(server.Client())

	_, err := b.Fetch(context.Background(), FetchRequest{URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}

func TestHostBridge_Cookies(t *testing.T) {
	b := NewHostBridge(nil, nil, zerolog.Nop())
	got, err := b.CookieGet("https://example.com")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, b.CookieSet("https://example.com", "a=b"))

	jar := mapJar{}
	b = NewHostBridge(nil, jar, zerolog.Nop())
	require.NoError(t, b.CookieSet("https://example.com", "a=b"))
	got, err = b.CookieGet("https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "a=b", got)
}
