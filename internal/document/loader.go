package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"storyverse/internal/source"
)

const (
	defaultMaxBytes     = 64 << 20
	defaultFetchTimeout = 60 * time.Second
	maxInterstitialSize = 1 << 20
)

// Mode is the rendering strategy chosen for a loaded story.
type Mode string

const (
	ModeCanvas Mode = "canvas"
	ModeEmbed  Mode = "embed"
)

// Result is the outcome of a load. In ModeEmbed, Handle is nil and Err holds
// the cause; the caller shows PreviewURL in an embedded frame.
type Result struct {
	Mode       Mode
	Handle     Handle
	PreviewURL string
	Err        error
}

// LoaderConfig wires the loader.
type LoaderConfig struct {
	// Transport is used for document fetches, normally the offline cache.
	Transport http.RoundTripper
	Engine    Engine
	MaxBytes  int64
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Loader fetches and decodes documents.
type Loader struct {
	client   *http.Client
	engine   Engine
	maxBytes int64
	timeout  time.Duration
	logger   *slog.Logger
	group    singleflight.Group
}

// NewLoader constructs a loader; missing fields get defaults.
func NewLoader(cfg LoaderConfig) *Loader {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	engine := cfg.Engine
	if engine == nil {
		engine = PDFEngine{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		client:   &http.Client{Transport: cfg.Transport, Timeout: timeout},
		engine:   engine,
		maxBytes: maxBytes,
		timeout:  timeout,
		logger:   logger,
	}
}

// Load fetches urls.DownloadURL and opens it. Any failure yields ModeEmbed;
// it is never retried.
func (l *Loader) Load(ctx context.Context, urls source.URLs) Result {
	embed := func(err error) Result {
		l.logger.Warn("document_fallback_to_embed",
			"download_url", urls.DownloadURL,
			"preview_url", urls.PreviewURL,
			"err", err,
		)
		return Result{Mode: ModeEmbed, PreviewURL: urls.PreviewURL, Err: err}
	}

	// The shared fetch outlives any one caller; each caller stops waiting
	// when its own context ends.
	ch := l.group.DoChan(urls.DownloadURL, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()
		return l.fetch(fetchCtx, urls.DownloadURL, true)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return embed(fmt.Errorf("document fetch: %w", ctx.Err()))
	}
	if res.Err != nil {
		return embed(res.Err)
	}
	data, shared := res.Val.([]byte), res.Shared
	handle, err := l.engine.Open(data)
	if err != nil {
		return embed(fmt.Errorf("decode document: %w", err))
	}
	l.logger.Info("document_loaded",
		"download_url", urls.DownloadURL,
		"pages", handle.PageCount(),
		"bytes", len(data),
		"shared_fetch", shared,
	)
	return Result{Mode: ModeCanvas, Handle: handle, PreviewURL: urls.PreviewURL}
}

func (l *Loader) fetch(ctx context.Context, url string, allowConfirm bool) ([]byte, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("document fetch: empty url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("document fetch: %w", err)
	}
	req.Header.Set("Accept", "application/pdf, */*;q=0.5")
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("document fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	if isHTML(resp.Header.Get("Content-Type")) {
		if !allowConfirm {
			return nil, ErrNoConfirmLink
		}
		confirmURL, err := confirmDownloadURL(resp.Request.URL, io.LimitReader(resp.Body, maxInterstitialSize))
		if err != nil {
			return nil, err
		}
		l.logger.Debug("document_confirm_interstitial", "url", url, "confirm_url", confirmURL)
		return l.fetch(ctx, confirmURL, false)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("document read: %w", err)
	}
	if int64(len(data)) > l.maxBytes {
		return nil, ErrPayloadTooLarge
	}
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	return data, nil
}

func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/html"
}
