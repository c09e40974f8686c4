package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"storyverse/internal/config"
	"storyverse/internal/document"
	"storyverse/internal/engagement"
	"storyverse/internal/offline"
	"storyverse/internal/progress"
	"storyverse/internal/ratelimit"
	"storyverse/internal/render"
	"storyverse/pkg/ai"
)

// resources collects what must be closed on shutdown.
type resources struct {
	closers []io.Closer
}

func (r *resources) add(c io.Closer) {
	r.closers = append(r.closers, c)
}

func (r *resources) close(logger *slog.Logger) {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			logger.Warn("resource_close_failed", "err", err)
		}
	}
}

func (r *resources) progressStore(cfg config.FileConfig, logger *slog.Logger) (*progress.Store, error) {
	kv, closer, err := progress.OpenKV(cfg.ProgressBackend())
	if err != nil {
		return nil, err
	}
	r.add(closer)
	logger.Info("progress_store_ready", "backend", cfg.Progress.Backend)
	return progress.NewStore(kv, logger), nil
}

// documentLoader builds the loader, fronted by the offline cache when enabled.
func (r *resources) documentLoader(ctx context.Context, cfg config.FileConfig, logger *slog.Logger) (*document.Loader, error) {
	var transport http.RoundTripper
	if cfg.Offline.Enabled {
		backend, err := offline.OpenBackend(cfg.OfflineBackend())
		if err != nil {
			return nil, err
		}
		cache, err := offline.New(offline.Config{
			Backend:       backend,
			Version:       cfg.Offline.Version,
			MaxEntryBytes: cfg.Reader.MaxDocumentBytes,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		if err := cache.Install(ctx, cfg.Offline.ShellAssets); err != nil {
			logger.Warn("offline_install_incomplete", "err", err)
		}
		if _, err := cache.Activate(ctx); err != nil {
			logger.Warn("offline_activate_failed", "err", err)
		}
		transport = cache.Transport()
	}
	return document.NewLoader(document.LoaderConfig{
		Transport: transport,
		MaxBytes:  cfg.Reader.MaxDocumentBytes,
		Timeout:   time.Duration(cfg.Reader.FetchTimeoutSeconds) * time.Second,
		Logger:    logger,
	}), nil
}

func (r *resources) engagementBeacon(cfg config.FileConfig, logger *slog.Logger) (*engagement.Beacon, error) {
	ec := cfg.Engagement
	var sender engagement.Sender
	switch ec.Transport {
	case "http":
		var signer *engagement.Signer
		if ec.Secret != "" {
			s, err := engagement.NewSigner(ec.Secret, ec.Issuer, 0)
			if err != nil {
				return nil, err
			}
			signer = s
		}
		sender = engagement.NewHTTPSender(ec.URL, &http.Client{Timeout: 15 * time.Second}, signer)
	case "redis":
		rs, err := engagement.NewRedisStreamSender(engagement.RedisStreamConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			Stream:   ec.Stream,
		})
		if err != nil {
			return nil, err
		}
		r.add(rs)
		sender = rs
	case "amqp":
		as, err := engagement.NewAMQPSender(ec.AMQPURL, ec.Exchange)
		if err != nil {
			return nil, err
		}
		r.add(as)
		sender = as
	case "nats":
		ns, err := engagement.NewNATSSender(ec.NATSURL, ec.Subject)
		if err != nil {
			return nil, err
		}
		r.add(ns)
		sender = ns
	default:
		sender = engagement.Nop{}
	}
	logger.Info("engagement_transport_ready", "transport", ec.Transport)
	return engagement.NewBeacon(sender, logger, 0), nil
}

// chatLimiter shares quota across processes when Redis is configured and
// falls back to in-process buckets otherwise.
func (r *resources) chatLimiter(cfg config.FileConfig) (ratelimit.Limiter, error) {
	perMinute := cfg.Chat.RateLimitPerMinute
	if perMinute <= 0 {
		return nil, nil
	}
	if cfg.Redis.Addr == "" {
		return ratelimit.NewLocal(perMinute, time.Minute)
	}
	l, err := ratelimit.NewFixedWindow(cfg.Redis.Addr, cfg.Redis.Password, "reader:ratelimit:chat", perMinute, time.Minute)
	if err != nil {
		return nil, err
	}
	r.add(l)
	return l, nil
}

func newCompleter(cc config.ChatConfig) (ai.Completer, error) {
	switch cc.Provider {
	case "ollama":
		return ai.NewOllamaGenerator(cc.BaseURL, cc.Model), nil
	case "openai-compat":
		return ai.NewOpenAICompatGenerator(cc.BaseURL, cc.APIKey, cc.Model), nil
	default:
		if cc.APIKey == "" {
			// Sends fail with the invalid-credential notice until a key is set.
			return nil, nil
		}
		var opts []ai.GeminiOption
		if cc.BaseURL != "" {
			opts = append(opts, ai.WithGeminiBaseURL(cc.BaseURL))
		}
		client, err := ai.NewGeminiClient(cc.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return ai.NewGeminiGenerator(client, cc.Model), nil
	}
}

func generationConfig(cc config.ChatConfig) ai.GenerationConfig {
	return ai.GenerationConfig{Temperature: cc.Temperature, TopP: cc.TopP, TopK: cc.TopK}
}

func renderConfig(rc config.ReaderConfig, logger *slog.Logger) render.Config {
	return render.Config{
		Scale:          rc.DefaultZoom,
		PrefetchMargin: rc.PrefetchMargin,
		Workers:        rc.RenderWorkers,
		Logger:         logger,
	}
}
