package crawl

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

const maxBodyBytes = 10 * 1024 * 1024

// Page is the raw result of one fetch. Non-2xx responses are returned as
// pages, not errors; the engine decides what a status means.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
}

// Fetcher retrieves one URL. Errors are reserved for transport failures.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

func NewHTTPFetcher(client *http.Client, userAgent string) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{client: client, userAgent: userAgent}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Page{URL: url, StatusCode: resp.StatusCode, Body: body}, nil
}
