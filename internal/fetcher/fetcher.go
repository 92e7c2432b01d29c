// Package fetcher fills cache misses from upstream disklru servers and origin URLs.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/lucasew/disklru/internal/repository"
)

// ErrAllSourcesFailed is returned when no upstream or origin URL served the blob.
var ErrAllSourcesFailed = errors.New("failed to fetch from any source")

// HTTPStatusError reports a non-200 response from an origin.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s: status %d", e.URL, e.StatusCode)
}

// Service tries upstream servers first, then the origin URLs, in order.
type Service struct {
	Client    *http.Client
	Upstreams []*repository.UpstreamRepository
}

func NewService(client *http.Client, upstreams []*repository.UpstreamRepository) *Service {
	if client == nil {
		client = http.DefaultClient
	}
	return &Service{
		Client:    client,
		Upstreams: upstreams,
	}
}

// Fetcher binds Open to a key and its origin URLs.
func (s *Service) Fetcher(ctx context.Context, key string, urls []string) repository.Fetcher {
	return func() (io.ReadCloser, int64, error) {
		return s.Open(ctx, key, urls)
	}
}

// Open returns the body of the first source that answers with 200. Upstreams are
// passed the origin URLs so they can fill the miss themselves.
func (s *Service) Open(ctx context.Context, key string, urls []string) (io.ReadCloser, int64, error) {
	var errs []error

	for _, upstream := range s.Upstreams {
		body, size, err := upstream.Fetch(ctx, key, urls)
		if err == nil {
			slog.Debug("Fetched from upstream", "upstream", upstream.BaseURL, "key", key)
			return body, size, nil
		}
		slog.Warn("Failed to fetch from upstream", "upstream", upstream.BaseURL, "key", key, "error", err)
		errs = append(errs, err)
	}

	for _, u := range urls {
		body, size, err := s.fetchDirect(ctx, u)
		if err == nil {
			slog.Info("Downloading from source", "url", u, "key", key)
			return body, size, nil
		}
		slog.Warn("Failed to fetch from source", "url", u, "error", err)
		errs = append(errs, err)
	}

	return nil, 0, fmt.Errorf("%w: %w", ErrAllSourcesFailed, errors.Join(errs...))
}

func (s *Service) fetchDirect(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, 0, &HTTPStatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp.Body, resp.ContentLength, nil
}
