package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/wolfman30/chat-session-engine/internal/clock"
)

// DefaultURLLifetime applies when a URL carries no Expires parameter.
const DefaultURLLifetime = 60 * time.Second

var expiresParam = regexp.MustCompile(`[?&]Expires=(\d+)`)

// ExpiresAt extracts the epoch seconds from an Expires=<n> query parameter.
func ExpiresAt(u string) (int64, bool) {
	m := expiresParam.FindStringSubmatch(u)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

type cachedURL struct {
	url     string
	expires int64
}

// URLCache memoizes retrieval URLs per file key until they expire.
type URLCache struct {
	clock    clock.Clock
	lifetime time.Duration

	mu      sync.Mutex
	entries map[string]cachedURL
}

// NewURLCache builds a cache. A nil clock uses wall time; lifetime <= 0 uses
// DefaultURLLifetime.
func NewURLCache(c clock.Clock, lifetime time.Duration) *URLCache {
	if c == nil {
		c = clock.Real{}
	}
	if lifetime <= 0 {
		lifetime = DefaultURLLifetime
	}
	return &URLCache{clock: c, lifetime: lifetime, entries: map[string]cachedURL{}}
}

// Resolve returns the cached URL for key while now < expiry, otherwise calls
// fetch and caches its result.
func (c *URLCache) Resolve(ctx context.Context, key string, fetch func(context.Context) (string, error)) (string, error) {
	now := c.clock.Now().Unix()
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && entry.expires > now {
		return entry.url, nil
	}

	u, err := fetch(ctx)
	if err != nil {
		return "", err
	}
	if u == "" {
		return "", ErrEmptyURL
	}
	expires, ok := ExpiresAt(u)
	if !ok {
		expires = c.clock.Now().Add(c.lifetime).Unix()
	}
	c.mu.Lock()
	c.entries[key] = cachedURL{url: u, expires: expires}
	c.mu.Unlock()
	return u, nil
}

// Forget drops key from the cache.
func (c *URLCache) Forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Downloader fetches attachment bytes through the URL cache.
type Downloader struct {
	issuer LinkIssuer
	cache  *URLCache
	http   *http.Client
}

func NewDownloader(issuer LinkIssuer, cache *URLCache, httpClient *http.Client) *Downloader {
	if cache == nil {
		cache = NewURLCache(nil, 0)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Downloader{issuer: issuer, cache: cache, http: httpClient}
}

// URL resolves the retrieval URL for fileKey.
func (d *Downloader) URL(ctx context.Context, protocol, fileKey string) (string, error) {
	return d.cache.Resolve(ctx, fileKey, func(ctx context.Context) (string, error) {
		return d.issuer.RequestDownloadLink(ctx, protocol, fileKey)
	})
}

// Download fetches the bytes behind fileKey.
func (d *Downloader) Download(ctx context.Context, protocol, fileKey string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "upload.download")
	defer span.End()

	u, err := d.URL(ctx, protocol, fileKey)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("upload: build download request: %w", err)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload: download %s: %w", fileKey, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusForbidden {
			// a rejected signature means the cached URL is stale
			d.cache.Forget(fileKey)
		}
		return nil, &TransferStatusError{StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upload: read %s: %w", fileKey, err)
	}
	return data, nil
}

// FileName is the last path segment of a file key.
func FileName(fileKey string) string {
	if fileKey == "" {
		return "Arquivo"
	}
	for i := len(fileKey) - 1; i >= 0; i-- {
		if fileKey[i] == '/' {
			if i == len(fileKey)-1 {
				return fileKey
			}
			return fileKey[i+1:]
		}
	}
	return fileKey
}
