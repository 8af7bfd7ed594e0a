// Package gqlindex reads the remote catalog index from a GraphQL endpoint.
package gqlindex

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hasura/go-graphql-client"

	"github.com/novelshelf/catalogd/internal/domain"
)

// Client wraps a GraphQL catalog index
type Client struct {
	gql      *graphql.Client
	endpoint string
	minLib   int
}

// NewClient creates a new GraphQL index client. Only catalogs built for
// library version minLib or later are requested.
func NewClient(httpClient *http.Client, endpoint string, minLib int) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		gql:      graphql.NewClient(endpoint, httpClient),
		endpoint: endpoint,
		minLib:   minLib,
	}
}

// Name identifies the index in logs and errors
func (c *Client) Name() string {
	return "graphql:" + c.endpoint
}

// Fetch queries every catalog of the index
func (c *Client) Fetch(ctx context.Context) ([]domain.CatalogRemote, error) {
	var query struct {
		Catalogs []domain.CatalogRemote `graphql:"catalogs(minLibVersion: $minLib)"`
	}

	variables := map[string]interface{}{
		"minLib": graphql.Int(c.minLib),
	}

	if err := c.gql.Query(ctx, &query, variables); err != nil {
		return nil, fmt.Errorf("%w: querying catalogs: %w", domain.ErrIndexUnavailable, err)
	}

	return query.Catalogs, nil
}
