// Package offline keeps a versioned, cache-first copy of the reader shell and
// of every document payload fetched successfully.
package offline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrMiss is returned by a Backend when the key is not cached.
var ErrMiss = errors.New("cache miss")

const DefaultMaxEntryBytes = 64 << 20

// Entry is one cached response body.
type Entry struct {
	ContentType string    `json:"contentType"`
	StoredAt    time.Time `json:"storedAt"`
	Body        []byte    `json:"-"`
}

// Backend stores entries grouped by cache generation.
type Backend interface {
	Get(ctx context.Context, generation, key string) (Entry, error)
	Put(ctx context.Context, generation, key string, e Entry) error
	Generations(ctx context.Context) ([]string, error)
	DropGeneration(ctx context.Context, generation string) error
}

type Config struct {
	Backend Backend
	// Version names the live generation. Other generations are purged by Activate.
	Version string
	// Upstream fetches misses. Defaults to http.DefaultTransport.
	Upstream      http.RoundTripper
	MaxEntryBytes int64
	Logger        *slog.Logger
}

type Cache struct {
	backend  Backend
	version  string
	upstream http.RoundTripper
	maxBytes int64
	logger   *slog.Logger
}

func New(cfg Config) (*Cache, error) {
	if cfg.Backend == nil {
		return nil, errors.New("offline cache backend required")
	}
	version := strings.TrimSpace(cfg.Version)
	if version == "" || strings.ContainsAny(version, `/\`) {
		return nil, fmt.Errorf("invalid cache version %q", cfg.Version)
	}
	if cfg.Upstream == nil {
		cfg.Upstream = http.DefaultTransport
	}
	if cfg.MaxEntryBytes <= 0 {
		cfg.MaxEntryBytes = DefaultMaxEntryBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		backend:  cfg.Backend,
		version:  version,
		upstream: cfg.Upstream,
		maxBytes: cfg.MaxEntryBytes,
		logger:   cfg.Logger,
	}, nil
}

func (c *Cache) Version() string { return c.version }

// Key derives the storage key for a request URL.
func Key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Install fetches every shell asset into the live generation. Any failure
// aborts the install.
func (c *Cache) Install(ctx context.Context, assets []string) error {
	for _, url := range assets {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("precache %s: %w", url, err)
		}
		resp, err := c.upstream.RoundTrip(req)
		if err != nil {
			return fmt.Errorf("precache %s: %w", url, err)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("precache %s: %w", url, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("precache %s: %s", url, resp.Status)
		}
		if err := c.backend.Put(ctx, c.version, Key(url), Entry{
			ContentType: resp.Header.Get("Content-Type"),
			StoredAt:    time.Now().UTC(),
			Body:        body,
		}); err != nil {
			return fmt.Errorf("precache %s: %w", url, err)
		}
	}
	c.logger.Info("offline_cache_installed", "version", c.version, "assets", len(assets))
	return nil
}

// Activate purges every generation other than the live one.
func (c *Cache) Activate(ctx context.Context) ([]string, error) {
	gens, err := c.backend.Generations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	var dropped []string
	for _, g := range gens {
		if g == c.version {
			continue
		}
		if err := c.backend.DropGeneration(ctx, g); err != nil {
			return dropped, fmt.Errorf("drop generation %s: %w", g, err)
		}
		dropped = append(dropped, g)
	}
	if len(dropped) > 0 {
		c.logger.Info("offline_cache_purged", "version", c.version, "dropped", dropped)
	}
	return dropped, nil
}

// Lookup returns the cached entry for url in the live generation.
func (c *Cache) Lookup(ctx context.Context, url string) (Entry, bool) {
	e, err := c.backend.Get(ctx, c.version, Key(url))
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Warn("offline_cache_read_failed", "url", url, "err", err)
		}
		return Entry{}, false
	}
	return e, true
}

// Transport returns a cache-first RoundTripper. Only GETs are served from
// the cache; successful document responses are stored on the way through.
func (c *Cache) Transport() http.RoundTripper {
	return roundTripper{cache: c}
}

type roundTripper struct {
	cache *Cache
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	c := rt.cache
	if req.Method != http.MethodGet {
		return c.upstream.RoundTrip(req)
	}
	url := req.URL.String()
	if e, ok := c.Lookup(req.Context(), url); ok {
		return cachedResponse(req, e), nil
	}

	resp, err := c.upstream.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !isDocument(req, resp) {
		return resp, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	if int64(len(body)) > c.maxBytes {
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return resp, nil
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	if err := c.backend.Put(req.Context(), c.version, Key(url), Entry{
		ContentType: resp.Header.Get("Content-Type"),
		StoredAt:    time.Now().UTC(),
		Body:        body,
	}); err != nil {
		c.logger.Warn("offline_cache_write_failed", "url", url, "err", err)
	} else {
		c.logger.Debug("offline_cache_stored", "url", url, "bytes", len(body))
	}
	return resp, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func isDocument(req *http.Request, resp *http.Response) bool {
	if strings.HasSuffix(strings.ToLower(req.URL.Path), ".pdf") {
		return true
	}
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mt == "application/pdf"
}

func cachedResponse(req *http.Request, e Entry) *http.Response {
	h := make(http.Header)
	if e.ContentType != "" {
		h.Set("Content-Type", e.ContentType)
	}
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	h.Set("X-Cache", "HIT")
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}
