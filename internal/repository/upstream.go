package repository

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shogo82148/go-sfv"
)

// SourceURLsHeader carries origin URLs an upstream may fill a miss from, encoded as a
// structured-field list of strings.
const SourceURLsHeader = "X-Source-Urls"

// UpstreamRepository accesses another disklru server.
//
// It allows for cache tiering by delegating requests to other servers.
type UpstreamRepository struct {
	BaseURL string
	Client  *http.Client
}

func NewUpstreamRepository(baseURL string, client *http.Client) *UpstreamRepository {
	if client == nil {
		client = http.DefaultClient
	}
	return &UpstreamRepository{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  client,
	}
}

func (r *UpstreamRepository) url(key string) string {
	return fmt.Sprintf("%s/cache/%s", r.BaseURL, url.PathEscape(key))
}

// Exists checks if the blob exists on the upstream server using a HEAD request.
func (r *UpstreamRepository) Exists(ctx context.Context, key string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.url(key), nil)
	if err != nil {
		return false, err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK, nil
}

func (r *UpstreamRepository) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	return r.Fetch(ctx, key, nil)
}

// Fetch is Get with origin URLs the upstream may fill a miss from.
func (r *UpstreamRepository) Fetch(ctx context.Context, key string, sources []string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url(key), nil)
	if err != nil {
		return nil, 0, err
	}

	if len(sources) > 0 {
		list := make(sfv.List, len(sources))
		for i, u := range sources {
			list[i] = sfv.Item{Value: u}
		}
		val, err := sfv.EncodeList(list)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode source urls: %w", err)
		}
		req.Header.Set(SourceURLsHeader, val)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

// ParseSourceURLs decodes a SourceURLsHeader value. Non-string members are ignored.
func ParseSourceURLs(h http.Header) ([]string, error) {
	values := h.Values(SourceURLsHeader)
	if len(values) == 0 {
		return nil, nil
	}
	list, err := sfv.DecodeList(values)
	if err != nil {
		return nil, fmt.Errorf("invalid %s header: %w", SourceURLsHeader, err)
	}
	var urls []string
	for _, item := range list {
		if s, ok := item.Value.(string); ok {
			urls = append(urls, s)
		}
	}
	return urls, nil
}
