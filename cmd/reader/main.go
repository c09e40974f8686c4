package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"storyverse/internal/app"
	"storyverse/internal/catalog"
	"storyverse/internal/chat"
	"storyverse/internal/config"
	"storyverse/internal/server"
	"storyverse/internal/util"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		util.Fatal("reader exited", "err", err)
	}
}

// run wires the reader and serves until ctx ends. Every resource it opens is
// released before it returns.
func run(ctx context.Context, cfg config.FileConfig, logger *slog.Logger) error {
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	res := &resources{}
	defer res.close(logger)

	store, err := res.progressStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("init progress store: %w", err)
	}
	loader, err := res.documentLoader(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init document loader: %w", err)
	}
	beacon, err := res.engagementBeacon(cfg, logger)
	if err != nil {
		return fmt.Errorf("init engagement beacon: %w", err)
	}
	completer, err := newCompleter(cfg.Chat)
	if err != nil {
		return fmt.Errorf("init completion provider: %w", err)
	}
	limiter, err := res.chatLimiter(cfg)
	if err != nil {
		return fmt.Errorf("init chat rate limiter: %w", err)
	}
	proxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid trustedProxies: %w", err)
	}

	reader, err := app.New(app.Config{
		Catalog: cat,
		Store:   store,
		Loader:  loader,
		Beacon:  beacon,
		Render:  renderConfig(cfg.Reader, logger),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer reader.Close()
	if err := reader.Restore(ctx); err != nil {
		return fmt.Errorf("restore progress: %w", err)
	}

	chats := chat.NewManager(reader, chat.Config{
		Completer:     completer,
		Generation:    generationConfig(cfg.Chat),
		HistoryWindow: cfg.Chat.HistoryWindow,
		RetryDelay:    time.Duration(cfg.Chat.RetryDelayMs) * time.Millisecond,
		Logger:        logger,
	})

	httpServer := server.New(server.Config{
		App:            reader,
		Chat:           chats,
		Limiter:        limiter,
		TrustedProxies: proxies,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      util.WithRequestID(util.WithRequestLog("reader", httpServer.Router())),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("reader server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("reader server stopped")
	return nil
}
