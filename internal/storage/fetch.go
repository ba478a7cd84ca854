package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"productlab/internal/providers"
)

const defaultMaxImageBytes = 20 << 20

// Fetcher downloads source images. Sources may be data URLs, absolute
// http(s) URLs, or keys relative to the public storage base URL.
type Fetcher struct {
	client   *http.Client
	baseURL  string
	maxBytes int64
}

func NewFetcher(client *http.Client, baseURL string) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Fetcher{client: client, baseURL: strings.TrimRight(baseURL, "/"), maxBytes: defaultMaxImageBytes}
}

// Fetch returns the bytes and content type of src.
func (f *Fetcher) Fetch(ctx context.Context, src string) ([]byte, string, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, "", errors.New("storage: empty image source")
	}
	if providers.IsDataURL(src) {
		mimeType, data, err := providers.DecodeDataURL(src)
		return data, mimeType, err
	}
	target := f.resolve(src)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("storage: build fetch request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("storage: fetch %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", &providers.StatusError{Provider: "storage", StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("storage: read %s: %w", target, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", fmt.Errorf("storage: image %s exceeds %d bytes", target, f.maxBytes)
	}
	mimeType := strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	if mimeType == "" || mimeType == "application/octet-stream" || mimeType == "binary/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

func (f *Fetcher) resolve(src string) string {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") || f.baseURL == "" {
		return src
	}
	return f.baseURL + "/" + strings.TrimLeft(src, "/")
}
