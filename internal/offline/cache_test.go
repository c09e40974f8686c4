package offline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
)

func newOrigin(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/story.pdf":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = io.WriteString(w, "%PDF-1.4 story")
		case "/uc":
			w.Header().Set("Content-Type", "application/pdf; charset=binary")
			_, _ = io.WriteString(w, "%PDF-1.4 drive")
		case "/big.pdf":
			_, _ = io.WriteString(w, strings.Repeat("x", 100))
		case "/index.html", "/manifest.json":
			_, _ = io.WriteString(w, "shell:"+r.URL.Path)
		case "/page.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html></html>")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestCache(t *testing.T, dir, version string, max int64) *Cache {
	t.Helper()
	backend, err := NewDiskBackend(dir)
	if err != nil {
		t.Fatalf("new disk backend: %v", err)
	}
	c, err := New(Config{Backend: backend, Version: version, MaxEntryBytes: max})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func get(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	return resp, string(body)
}

func TestTransportCachesDocuments(t *testing.T) {
	srv, hits := newOrigin(t)
	c := newTestCache(t, t.TempDir(), "v1", 0)
	client := &http.Client{Transport: c.Transport()}

	for _, path := range []string{"/story.pdf", "/uc?export=download&id=abc"} {
		first, body := get(t, client, srv.URL+path)
		if first.Header.Get("X-Cache") != "" {
			t.Fatalf("%s: first fetch served from cache", path)
		}
		before := hits.Load()
		second, cached := get(t, client, srv.URL+path)
		if second.Header.Get("X-Cache") != "HIT" || cached != body {
			t.Fatalf("%s: second fetch not a cache hit: %q", path, cached)
		}
		if hits.Load() != before {
			t.Fatalf("%s: cache hit reached origin", path)
		}
	}
}

func TestTransportSkipsOtherResponses(t *testing.T) {
	srv, hits := newOrigin(t)
	c := newTestCache(t, t.TempDir(), "v1", 0)
	client := &http.Client{Transport: c.Transport()}

	for _, path := range []string{"/page.html", "/missing.pdf"} {
		get(t, client, srv.URL+path)
		get(t, client, srv.URL+path)
	}
	if got := hits.Load(); got != 4 {
		t.Fatalf("origin hits = %d, want 4", got)
	}

	resp, err := client.Post(srv.URL+"/story.pdf", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if _, ok := c.Lookup(context.Background(), srv.URL+"/story.pdf"); ok {
		t.Fatalf("POST response was cached")
	}
}

func TestTransportPassesOversizeBodyThrough(t *testing.T) {
	srv, _ := newOrigin(t)
	c := newTestCache(t, t.TempDir(), "v1", 10)
	client := &http.Client{Transport: c.Transport()}

	_, body := get(t, client, srv.URL+"/big.pdf")
	if len(body) != 100 {
		t.Fatalf("body length = %d, want 100", len(body))
	}
	if _, ok := c.Lookup(context.Background(), srv.URL+"/big.pdf"); ok {
		t.Fatalf("oversize body was cached")
	}
}

func TestInstallAndActivate(t *testing.T) {
	srv, hits := newOrigin(t)
	dir := t.TempDir()
	ctx := context.Background()
	assets := []string{srv.URL + "/index.html", srv.URL + "/manifest.json"}

	old := newTestCache(t, dir, "v1", 0)
	if err := old.Install(ctx, assets); err != nil {
		t.Fatalf("install v1: %v", err)
	}

	next := newTestCache(t, dir, "v2", 0)
	if err := next.Install(ctx, assets); err != nil {
		t.Fatalf("install v2: %v", err)
	}
	dropped, err := next.Activate(ctx)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if len(dropped) != 1 || dropped[0] != "v1" {
		t.Fatalf("dropped = %v, want [v1]", dropped)
	}
	gens, _ := next.backend.Generations(ctx)
	sort.Strings(gens)
	if len(gens) != 1 || gens[0] != "v2" {
		t.Fatalf("generations = %v", gens)
	}

	before := hits.Load()
	_, body := get(t, &http.Client{Transport: next.Transport()}, srv.URL+"/index.html")
	if body != "shell:/index.html" || hits.Load() != before {
		t.Fatalf("precached asset not served from cache: %q", body)
	}
	if _, ok := old.Lookup(ctx, srv.URL+"/index.html"); ok {
		t.Fatalf("purged generation still readable")
	}
}

func TestInstallFailsOnMissingAsset(t *testing.T) {
	srv, _ := newOrigin(t)
	c := newTestCache(t, t.TempDir(), "v1", 0)
	if err := c.Install(context.Background(), []string{srv.URL + "/nope"}); err == nil {
		t.Fatalf("expected install error")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	backend, _ := NewDiskBackend(t.TempDir())
	if _, err := New(Config{Backend: backend}); err == nil {
		t.Fatalf("expected missing version error")
	}
	if _, err := New(Config{Backend: backend, Version: "../x"}); err == nil {
		t.Fatalf("expected path-like version error")
	}
	if _, err := New(Config{Version: "v1"}); err == nil {
		t.Fatalf("expected missing backend error")
	}
}

func TestOpenBackend(t *testing.T) {
	b, err := OpenBackend(BackendConfig{Backend: "disk", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("open disk: %v", err)
	}
	if _, ok := b.(*DiskBackend); !ok {
		t.Fatalf("backend = %T, want *DiskBackend", b)
	}
	if _, err := OpenBackend(BackendConfig{Backend: "tape"}); err == nil {
		t.Fatalf("expected unknown backend error")
	}
	if _, err := OpenBackend(BackendConfig{Backend: "disk"}); err == nil {
		t.Fatalf("expected missing dir error")
	}
}
