// Package app composes navigation state with the progress record and
// dispatches reader actions to the document, render, progress and engagement
// services.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"storyverse/internal/catalog"
	"storyverse/internal/document"
	"storyverse/internal/engagement"
	"storyverse/internal/progress"
	"storyverse/internal/render"
	"storyverse/internal/source"
)

const (
	MinZoom = 0.25
	MaxZoom = 5.0
)

// Loader is the document acquisition service.
type Loader interface {
	Load(ctx context.Context, urls source.URLs) document.Result
}

// Config wires the coordinator. Catalog and Store are required.
type Config struct {
	Catalog *catalog.Catalog
	Store   *progress.Store
	Loader  Loader
	Beacon  *engagement.Beacon
	Render  render.Config
	Logger  *slog.Logger
}

// App is the top-level coordinator. stateMu guards the progress snapshot and
// serialises read-modify-write cycles; viewMu guards navigation and the
// mounted reader.
type App struct {
	catalog *catalog.Catalog
	store   *progress.Store
	loader  Loader
	beacon  *engagement.Beacon
	render  render.Config
	logger  *slog.Logger

	stateMu  sync.Mutex
	state    progress.UserProgress
	restored bool

	viewMu    sync.Mutex
	nav       navigation
	zoom      float64
	mount     *mount
	selectGen uint64
}

func New(cfg Config) (*App, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("app: catalog is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("app: progress store is required")
	}
	if cfg.Loader == nil {
		cfg.Loader = document.NewLoader(document.LoaderConfig{Logger: cfg.Logger})
	}
	if cfg.Beacon == nil {
		cfg.Beacon = engagement.NewBeacon(engagement.Nop{}, cfg.Logger, 0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	zoom := cfg.Render.Scale
	if zoom <= 0 {
		zoom = render.DefaultScale
	}
	return &App{
		catalog: cfg.Catalog,
		store:   cfg.Store,
		loader:  cfg.Loader,
		beacon:  cfg.Beacon,
		render:  cfg.Render,
		logger:  cfg.Logger,
		nav:     defaultNavigation(),
		zoom:    zoom,
	}, nil
}

// Catalog returns the story catalogue.
func (a *App) Catalog() *catalog.Catalog { return a.catalog }

// Restore loads the persisted record and reopens the last story if the
// catalogue still has it. A story that fails to load stays open in embed mode.
func (a *App) Restore(ctx context.Context) error {
	p, err := a.store.Load(ctx)
	if err != nil {
		return err
	}
	a.stateMu.Lock()
	a.state = p
	a.restored = true
	a.stateMu.Unlock()

	if p.LastStoryID == "" {
		return nil
	}
	story, err := a.catalog.Story(p.LastStoryID)
	if err != nil {
		a.logger.Info("last_story_unavailable", "story_id", p.LastStoryID)
		return nil
	}
	_, err = a.open(ctx, story, p.ScrollPosition)
	return err
}

// Snapshot returns a deep copy of the in-memory record.
func (a *App) Snapshot() progress.UserProgress {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state.Clone()
}

// Update applies fn to a copy of the record, persists the full result and
// publishes it. The published snapshot is left untouched if fn or the save
// fails.
func (a *App) Update(ctx context.Context, fn func(p *progress.UserProgress) error) (progress.UserProgress, error) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if !a.restored {
		return progress.UserProgress{}, ErrProgressMissing
	}
	next := a.state.Clone()
	if err := fn(&next); err != nil {
		return progress.UserProgress{}, err
	}
	if err := a.store.Save(ctx, next); err != nil {
		return progress.UserProgress{}, err
	}
	a.state = next
	return next.Clone(), nil
}

// Close unmounts the reader and waits for pending beacon sends.
func (a *App) Close() {
	a.viewMu.Lock()
	a.unmountLocked()
	a.viewMu.Unlock()
	a.beacon.Wait()
}
