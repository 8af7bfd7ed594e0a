package script

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// maxResponseBody caps what a single fetch may read into the sandbox.
const maxResponseBody = 16 << 20

// Bridge is everything a sandboxed plugin may ask of the host.
type Bridge interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error)
	CookieGet(rawURL string) (string, error)
	CookieSet(rawURL, setCookie string) error
	Log(level, msg string)
}

// FetchRequest is a plugin-initiated HTTP request.
type FetchRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string
}

// FetchResponse is what a plugin sees of an HTTP response.
type FetchResponse struct {
	Status  int
	URL     string // Final URL after redirects
	Headers map[string]string
	Body    string
}

// OK reports a 2xx status.
func (r *FetchResponse) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// CookieJar reads and writes cookies in header syntax.
type CookieJar interface {
	Get(rawURL string) (string, error)
	Set(rawURL, setCookie string) error
}

// HostBridge implements Bridge over an http.Client and a cookie jar.
type HostBridge struct {
	client  atomic.Pointer[http.Client]
	cookies CookieJar
	log     zerolog.Logger
}

// NewHostBridge creates a bridge. cookies may be nil.
func NewHostBridge(client *http.Client, cookies CookieJar, log zerolog.Logger) *HostBridge {
	if client == nil {
		client = http.DefaultClient
	}
	b := &HostBridge{cookies: cookies, log: log}
	b.client.Store(client)
	return b
}

// Bind swaps the client used for fetches, e.g. once the source id is known
// and a rate-limited client can be built for it.
func (b *HostBridge) Bind(client *http.Client) {
	if client != nil {
		b.client.Store(client)
	}
}

// Fetch implements Bridge.
func (b *HostBridge) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch: parsing url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("fetch: scheme %q not allowed", u.Scheme)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("fetch: creating request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := b.client.Load().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: reading body: %w", u.Host, err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}

	return &FetchResponse{
		Status:  resp.StatusCode,
		URL:     resp.Request.URL.String(),
		Headers: headers,
		Body:    string(data),
	}, nil
}

// CookieGet implements Bridge.
func (b *HostBridge) CookieGet(rawURL string) (string, error) {
	if b.cookies == nil {
		return "", nil
	}
	return b.cookies.Get(rawURL)
}

// CookieSet implements Bridge.
func (b *HostBridge) CookieSet(rawURL, setCookie string) error {
	if b.cookies == nil {
		return nil
	}
	return b.cookies.Set(rawURL, setCookie)
}

// Log implements Bridge.
func (b *HostBridge) Log(level, msg string) {
	var ev *zerolog.Event
	switch level {
	case "debug":
		ev = b.log.Debug()
	case "warn":
		ev = b.log.Warn()
	case "error":
		ev = b.log.Error()
	default:
		ev = b.log.Info()
	}
	ev.Msg(msg)
}
