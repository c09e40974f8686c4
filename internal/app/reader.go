package app

import (
	"context"
	"errors"
	"image"
	"strconv"
	"strings"

	"storyverse/internal/catalog"
	"storyverse/internal/document"
	"storyverse/internal/progress"
	"storyverse/internal/render"
	"storyverse/internal/source"
)

type mount struct {
	story         catalog.Story
	result        document.Result
	scheduler     *render.Scheduler
	initialScroll float64
}

// ReaderView describes the open story.
type ReaderView struct {
	Story          catalog.Story `json:"story"`
	Mode           document.Mode `json:"mode"`
	PreviewURL     string        `json:"previewUrl"`
	FallbackReason string        `json:"fallbackReason,omitempty"`
	InitialScroll  float64       `json:"initialScroll"`
	Liked          bool          `json:"liked"`
	Rating         int           `json:"rating"`
	Bookmarks      []int         `json:"bookmarks"`
	Render         *render.State `json:"render,omitempty"`
}

// SelectStory opens a story. lastStoryId is persisted, and the saved scroll
// position reset, only when the story differs from the last one opened.
func (a *App) SelectStory(ctx context.Context, id string) (ReaderView, error) {
	story, err := a.catalog.Story(id)
	if err != nil {
		return ReaderView{}, err
	}
	a.viewMu.Lock()
	a.afterNavigateLocked()
	a.viewMu.Unlock()

	var scroll float64
	_, err = a.Update(ctx, func(p *progress.UserProgress) error {
		if p.LastStoryID == story.ID {
			scroll = p.ScrollPosition
			return nil
		}
		p.LastStoryID = story.ID
		p.ScrollPosition = 0
		return nil
	})
	if err != nil {
		return ReaderView{}, err
	}
	return a.open(ctx, story, scroll)
}

func (a *App) open(ctx context.Context, story catalog.Story, scroll float64) (ReaderView, error) {
	a.viewMu.Lock()
	a.selectGen++
	gen := a.selectGen
	zoom := a.zoom
	a.viewMu.Unlock()

	res := a.loader.Load(ctx, source.Resolve(story.SourcePath))

	a.viewMu.Lock()
	defer a.viewMu.Unlock()
	if gen != a.selectGen {
		if res.Handle != nil {
			_ = res.Handle.Close()
		}
		return ReaderView{}, ErrSelectionStale
	}
	a.unmountLocked()
	m := &mount{story: story, result: res, initialScroll: scroll}
	if res.Mode == document.ModeCanvas {
		cfg := a.render
		cfg.Scale = zoom
		if cfg.Logger == nil {
			cfg.Logger = a.logger
		}
		m.scheduler = render.New(res.Handle, cfg)
	}
	a.mount = m
	a.logger.Info("story_opened", "story_id", story.ID, "mode", res.Mode)
	return a.readerViewLocked(), nil
}

// unmountLocked closes the scheduler and releases the document once its
// in-flight renders have returned.
func (a *App) unmountLocked() {
	m := a.mount
	if m == nil {
		return
	}
	a.mount = nil
	if m.scheduler == nil {
		return
	}
	m.scheduler.Close()
	go func() {
		m.scheduler.Wait()
		if err := m.result.Handle.Close(); err != nil {
			a.logger.Debug("document_close_failed", "story_id", m.story.ID, "err", err)
		}
	}()
}

func (a *App) readerViewLocked() ReaderView {
	m := a.mount
	p := a.Snapshot()
	v := ReaderView{
		Story:         m.story,
		Mode:          m.result.Mode,
		PreviewURL:    m.result.PreviewURL,
		InitialScroll: m.initialScroll,
		Liked:         p.Likes.Has(m.story.ID),
		Rating:        p.Ratings[m.story.ID],
		Bookmarks:     p.Bookmarks[m.story.ID],
	}
	if v.Bookmarks == nil {
		v.Bookmarks = []int{}
	}
	if m.result.Err != nil {
		v.FallbackReason = m.result.Err.Error()
	}
	if m.scheduler != nil {
		st := m.scheduler.Snapshot()
		v.Render = &st
	}
	return v
}

// Reader returns the open story's view.
func (a *App) Reader() (ReaderView, error) {
	a.viewMu.Lock()
	defer a.viewMu.Unlock()
	if a.mount == nil {
		return ReaderView{}, ErrNoStoryOpen
	}
	return a.readerViewLocked(), nil
}

func (a *App) scheduler() (*render.Scheduler, error) {
	a.viewMu.Lock()
	defer a.viewMu.Unlock()
	if a.mount == nil {
		return nil, ErrNoStoryOpen
	}
	if a.mount.scheduler == nil {
		return nil, ErrNotRendering
	}
	return a.mount.scheduler, nil
}

// Observe reports the viewport to the render scheduler.
func (a *App) Observe(vp render.Viewport) (render.State, error) {
	s, err := a.scheduler()
	if err != nil {
		return render.State{}, err
	}
	s.Observe(vp)
	return s.Snapshot(), nil
}

// SetZoom changes the zoom used for this and later mounts. The open
// document is remounted at the new scale; it returns the current page.
func (a *App) SetZoom(scale float64) (int, error) {
	if scale < MinZoom || scale > MaxZoom {
		return 0, ErrInvalidZoom
	}
	a.viewMu.Lock()
	a.zoom = scale
	var s *render.Scheduler
	if a.mount != nil {
		s = a.mount.scheduler
	}
	a.viewMu.Unlock()
	if s == nil {
		return 0, nil
	}
	return s.SetScale(scale), nil
}

func (a *App) JumpTo(page int) (render.Jump, error) {
	s, err := a.scheduler()
	if err != nil {
		return render.Jump{}, err
	}
	j, ok := s.JumpTo(page)
	if !ok {
		return render.Jump{}, ErrInvalidPage
	}
	return j, nil
}

// JumpToInput parses free-form page input such as "12".
func (a *App) JumpToInput(input string) (render.Jump, error) {
	n, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil {
		return render.Jump{}, ErrInvalidPage
	}
	return a.JumpTo(n)
}

// PageImage returns the rendered bitmap of page n.
func (a *App) PageImage(n int) (*image.RGBA, render.PageState, error) {
	s, err := a.scheduler()
	if err != nil {
		return nil, render.Unobserved, err
	}
	if n < 1 || n > s.PageCount() {
		return nil, render.Unobserved, ErrInvalidPage
	}
	surface, state, ok := s.Surface(n)
	if !ok {
		return nil, state, nil
	}
	return surface.Image(), state, nil
}

// UpdateScroll persists the reading position of the open story. It is not
// synced remotely.
func (a *App) UpdateScroll(ctx context.Context, pos float64) error {
	id, err := a.openStoryID()
	if err != nil {
		return err
	}
	if pos < 0 {
		pos = 0
	}
	_, err = a.Update(ctx, func(p *progress.UserProgress) error {
		// A newer selection owns the saved position now.
		if p.LastStoryID != id {
			return errScrollSuperseded
		}
		p.ScrollPosition = pos
		return nil
	})
	if errors.Is(err, errScrollSuperseded) {
		a.logger.Debug("scroll_update_dropped", "story_id", id)
		return nil
	}
	return err
}

func (a *App) openStoryID() (string, error) {
	a.viewMu.Lock()
	defer a.viewMu.Unlock()
	if a.mount == nil {
		return "", ErrNoStoryOpen
	}
	return a.mount.story.ID, nil
}
