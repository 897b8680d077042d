package query

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/k2so/catsync/internal/api"
)

// Fetcher retrieves the raw collection backing one cache entry.
type Fetcher interface {
	Fetch(ctx context.Context, spec ResourceSpec, params map[string]string) (json.RawMessage, error)
}

// FetchFunc adapts a plain function to the Fetcher interface.
type FetchFunc func(ctx context.Context, spec ResourceSpec, params map[string]string) (json.RawMessage, error)

// Fetch implements Fetcher.
func (f FetchFunc) Fetch(ctx context.Context, spec ResourceSpec, params map[string]string) (json.RawMessage, error) {
	return f(ctx, spec, params)
}

type apiFetcher struct {
	client *api.Client
}

// NewAPIFetcher builds resource requests against the upstream catalog API.
// Path placeholders (`/datasets/{id}/columns`) are substituted from params;
// every remaining parameter travels as a query-string filter.
func NewAPIFetcher(client *api.Client) Fetcher {
	return &apiFetcher{client: client}
}

func (f *apiFetcher) Fetch(ctx context.Context, spec ResourceSpec, params map[string]string) (json.RawMessage, error) {
	if f == nil || f.client == nil {
		return nil, fmt.Errorf("query: api fetcher not initialized")
	}
	path, query, err := buildRequest(spec.Path, params)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Get(ctx, path, query)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func buildRequest(template string, params map[string]string) (string, url.Values, error) {
	used := make(map[string]struct{}, len(params))
	path := template
	for name, value := range params {
		placeholder := "{" + name + "}"
		if !strings.Contains(path, placeholder) {
			continue
		}
		path = strings.ReplaceAll(path, placeholder, url.PathEscape(value))
		used[name] = struct{}{}
	}
	if idx := strings.IndexByte(path, '{'); idx >= 0 {
		return "", nil, fmt.Errorf("query: path %s has unresolved placeholder", template)
	}
	query := url.Values{}
	for name, value := range params {
		if _, ok := used[name]; ok {
			continue
		}
		if strings.TrimSpace(value) == "" {
			continue
		}
		query.Set(name, value)
	}
	return path, query, nil
}
