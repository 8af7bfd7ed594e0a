// Package jsonindex reads the remote catalog index from a static JSON
// document: an array of catalog entries.
package jsonindex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/novelshelf/catalogd/internal/domain"
)

// maxIndexSize caps the size of an index document.
const maxIndexSize = 8 << 20

// Client fetches a JSON catalog index
type Client struct {
	httpClient *http.Client
	indexURL   string
}

// NewClient creates a new index client
func NewClient(httpClient *http.Client, indexURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		indexURL:   indexURL,
	}
}

// Name identifies the index in logs and errors
func (c *Client) Name() string {
	return "json:" + c.indexURL
}

// Fetch downloads and decodes the index. Relative package and icon URLs
// are resolved against the index URL.
func (c *Client) Fetch(ctx context.Context) (remotes []domain.CatalogRemote, err error) {
	base, err := url.Parse(c.indexURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing index url: %v", domain.ErrIndexUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.indexURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrIndexUnavailable, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("closing response body: %w", cerr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: index answered 429", domain.ErrRateLimited)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: index not found", domain.ErrIndexUnavailable)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrIndexUnavailable, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIndexSize)).Decode(&remotes); err != nil {
		return nil, fmt.Errorf("%w: decoding index: %v", domain.ErrIndexUnavailable, err)
	}

	for i := range remotes {
		remotes[i].PkgURL = resolve(base, remotes[i].PkgURL)
		remotes[i].IconURL = resolve(base, remotes[i].IconURL)
	}
	return remotes, nil
}

func resolve(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
