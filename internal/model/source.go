package model

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// Fetcher retrieves a model artifact by URI.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// ArtifactFetcher reads artifacts from http(s) URLs, file:// URLs or plain
// filesystem paths.
type ArtifactFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewArtifactFetcher creates a fetcher that refuses artifacts larger than maxBytes.
func NewArtifactFetcher(client *http.Client, maxBytes int64) *ArtifactFetcher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &ArtifactFetcher{client: client, maxBytes: maxBytes}
}

func (f *ArtifactFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err == nil {
		switch u.Scheme {
		case "http", "https":
			return f.fetchHTTP(ctx, uri)
		case "file":
			return f.readFile(u.Path)
		}
	}
	return f.readFile(uri)
}

func (f *ArtifactFetcher) fetchHTTP(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: status %d", uri, resp.StatusCode)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%s is %d bytes, limit is %d", uri, resp.ContentLength, f.maxBytes)
	}

	return f.readLimited(resp.Body, uri)
}

func (f *ArtifactFetcher) readFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	return f.readLimited(file, path)
}

func (f *ArtifactFetcher) readLimited(r io.Reader, name string) ([]byte, error) {
	if f.maxBytes > 0 {
		r = io.LimitReader(r, f.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%s exceeds the %d byte limit", name, f.maxBytes)
	}
	return data, nil
}
