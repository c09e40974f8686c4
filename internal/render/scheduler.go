// Package render schedules lazy page rasterization for an open document.
//
// The UI reports its viewport (scroll offset and height) whenever it scrolls.
// Each page placeholder is checked once against a generous prefetch band
// around the viewport; the first hit queues exactly one render for that page
// and the page is never checked again for the life of the mount. The same
// report drives current-page tracking, which fires whenever a placeholder
// rises to half visibility.
//
// Zoom changes remount the document: every surface is discarded, every page
// returns to Unobserved and renders still in flight for the old mount are
// dropped when they finish.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"storyverse/internal/document"
)

const (
	DefaultScale          = 1.4
	DefaultPrefetchMargin = 1000
	DefaultMinPageHeight  = 600
	DefaultGap            = 64
	DefaultThreshold      = 0.5
	DefaultWorkers        = 2
)

type PageState int

const (
	Unobserved PageState = iota
	Pending
	Rendered
	// Failed is terminal for the mount: the page stays blank and is not retried.
	Failed
)

func (s PageState) String() string {
	switch s {
	case Unobserved:
		return "unobserved"
	case Pending:
		return "pending"
	case Rendered:
		return "rendered"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s PageState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Viewport is the scroll container's visible band in layout pixels.
type Viewport struct {
	ScrollTop float64 `json:"scrollTop"`
	Height    float64 `json:"height"`
}

// Config tunes the scheduler. Zero values take the defaults above.
type Config struct {
	Scale          float64
	PrefetchMargin float64
	MinPageHeight  float64
	Gap            float64
	HeaderOffset   float64
	Threshold      float64
	Workers        int
	Logger         *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Scale <= 0 {
		c.Scale = DefaultScale
	}
	if c.PrefetchMargin <= 0 {
		c.PrefetchMargin = DefaultPrefetchMargin
	}
	if c.MinPageHeight <= 0 {
		c.MinPageHeight = DefaultMinPageHeight
	}
	if c.Gap < 0 {
		c.Gap = 0
	} else if c.Gap == 0 {
		c.Gap = DefaultGap
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = DefaultThreshold
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type slot struct {
	number  int
	top     float64
	height  float64
	state   PageState
	visible bool
	surface *document.Surface
	err     error
}

// Scheduler owns the page placeholders of one mounted document.
type Scheduler struct {
	doc    document.Handle
	cfg    Config
	logger *slog.Logger
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// unscaled page heights, read once at construction
	baseHeights []float64

	mu           sync.Mutex
	gen          uint64
	scale        float64
	slots        []*slot
	current      int
	last         Viewport
	hasViewport  bool
	scrollTarget float64
	closed       bool
}

// New mounts doc. The handle stays owned by the caller.
func New(doc document.Handle, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		doc:    doc,
		cfg:    cfg,
		logger: cfg.Logger,
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:    ctx,
		cancel: cancel,
		scale:  cfg.Scale,
	}
	count := doc.PageCount()
	s.baseHeights = make([]float64, count)
	for i := range s.baseHeights {
		page, err := doc.Page(ctx, i+1)
		if err != nil {
			s.logger.Warn("page_size_unknown", "page", i+1, "err", err)
			continue
		}
		s.baseHeights[i] = page.Viewport(1).Height
	}
	s.slots = make([]*slot, count)
	for i := range s.slots {
		s.slots[i] = &slot{number: i + 1}
	}
	if count > 0 {
		s.current = 1
	}
	s.layoutLocked()
	return s
}

func (s *Scheduler) layoutLocked() {
	top := s.cfg.HeaderOffset
	for i, sl := range s.slots {
		h := s.baseHeights[i] * s.scale
		if h < s.cfg.MinPageHeight {
			h = s.cfg.MinPageHeight
		}
		sl.top = top
		sl.height = h
		top += h + s.cfg.Gap
	}
}

// PageCount returns the number of placeholders.
func (s *Scheduler) PageCount() int { return len(s.slots) }

// Observe evaluates both observers against vp and returns the current page.
func (s *Scheduler) Observe(vp Viewport) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observeLocked(vp)
}

func (s *Scheduler) observeLocked(vp Viewport) int {
	if s.closed {
		return s.current
	}
	if vp.Height < 0 {
		vp.Height = 0
	}
	s.last, s.hasViewport = vp, true

	viewTop, viewBottom := vp.ScrollTop, vp.ScrollTop+vp.Height
	bandTop, bandBottom := viewTop-s.cfg.PrefetchMargin, viewBottom+s.cfg.PrefetchMargin

	var queue []int
	for _, sl := range s.slots {
		bottom := sl.top + sl.height
		if sl.state == Unobserved && sl.top <= bandBottom && bottom >= bandTop {
			sl.state = Pending
			queue = append(queue, sl.number)
		}

		overlap := math.Min(bottom, viewBottom) - math.Max(sl.top, viewTop)
		visible := sl.height > 0 && overlap/sl.height >= s.cfg.Threshold
		if visible && !sl.visible {
			s.current = sl.number
		}
		sl.visible = visible
	}
	for _, n := range queue {
		s.dispatchLocked(n)
	}
	return s.current
}

func (s *Scheduler) dispatchLocked(n int) {
	gen, scale := s.gen, s.scale
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		if !s.isLive(gen) {
			return
		}
		surface, err := s.renderPage(n, scale)
		s.finish(gen, n, surface, err)
	}()
}

func (s *Scheduler) isLive(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && gen == s.gen
}

func (s *Scheduler) renderPage(n int, scale float64) (surface *document.Surface, err error) {
	defer func() {
		if r := recover(); r != nil {
			surface, err = nil, fmt.Errorf("render page %d: %v", n, r)
		}
	}()
	page, err := s.doc.Page(s.ctx, n)
	if err != nil {
		return nil, err
	}
	vp := page.Viewport(scale)
	surface = document.NewSurface(n)
	w, h := vp.PixelSize()
	surface.Resize(w, h)
	if err := page.Render(s.ctx, surface, vp); err != nil {
		return nil, err
	}
	return surface, nil
}

func (s *Scheduler) finish(gen uint64, n int, surface *document.Surface, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen {
		s.logger.Debug("page_render_discarded", "page", n, "generation", gen)
		return
	}
	sl := s.slots[n-1]
	if err != nil {
		sl.state, sl.err = Failed, err
		s.logger.Error("page_render_failed", "page", n, "scale", s.scale, "err", err)
		return
	}
	sl.state, sl.surface = Rendered, surface
}

// SetScale remounts every page at the new zoom. The last reported viewport is
// re-evaluated with its scroll offset scaled so the reading position holds.
func (s *Scheduler) SetScale(scale float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || scale <= 0 || scale == s.scale {
		return s.current
	}
	ratio := scale / s.scale
	s.gen++
	s.scale = scale
	for _, sl := range s.slots {
		sl.state, sl.visible, sl.surface, sl.err = Unobserved, false, nil, nil
	}
	s.layoutLocked()
	s.logger.Info("reader_remount", "scale", scale, "generation", s.gen)
	if !s.hasViewport {
		return s.current
	}
	vp := s.last
	vp.ScrollTop *= ratio
	return s.observeLocked(vp)
}

// Scale returns the current zoom.
func (s *Scheduler) Scale() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scale
}

// Jump is the result of a jump-to-page request.
type Jump struct {
	Page      int     `json:"page"`
	ScrollTop float64 `json:"scrollTop"`
}

// JumpTo clamps page into [1, PageCount], records the placeholder offset as
// the smooth-scroll target and observes the viewport at that offset.
func (s *Scheduler) JumpTo(page int) (Jump, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.slots) == 0 {
		return Jump{}, false
	}
	if page < 1 {
		page = 1
	}
	if page > len(s.slots) {
		page = len(s.slots)
	}
	top := s.slots[page-1].top
	s.scrollTarget = top
	if s.hasViewport {
		s.observeLocked(Viewport{ScrollTop: top, Height: s.last.Height})
	}
	return Jump{Page: page, ScrollTop: top}, true
}

// JumpToInput parses free-form page input. Non-numeric input is a no-op.
func (s *Scheduler) JumpToInput(input string) (Jump, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil {
		return Jump{}, false
	}
	return s.JumpTo(n)
}

// Surface returns the rendered surface of page n, if any.
func (s *Scheduler) Surface(n int) (*document.Surface, PageState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 || n > len(s.slots) {
		return nil, Unobserved, false
	}
	sl := s.slots[n-1]
	return sl.surface, sl.state, sl.surface != nil
}

// PageInfo describes one placeholder.
type PageInfo struct {
	Number int       `json:"number"`
	State  PageState `json:"state"`
	Top    float64   `json:"top"`
	Height float64   `json:"height"`
	Error  string    `json:"error,omitempty"`
}

// State is a point-in-time view of the mount.
type State struct {
	Scale         float64    `json:"scale"`
	PageCount     int        `json:"pageCount"`
	CurrentPage   int        `json:"currentPage"`
	ScrollTarget  float64    `json:"scrollTarget"`
	ContentHeight float64    `json:"contentHeight"`
	Pages         []PageInfo `json:"pages"`
}

// Snapshot reports the current state.
func (s *Scheduler) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Scale:        s.scale,
		PageCount:    len(s.slots),
		CurrentPage:  s.current,
		ScrollTarget: s.scrollTarget,
		Pages:        make([]PageInfo, 0, len(s.slots)),
	}
	for _, sl := range s.slots {
		info := PageInfo{Number: sl.number, State: sl.state, Top: sl.top, Height: sl.height}
		if sl.err != nil {
			info.Error = sl.err.Error()
		}
		st.Pages = append(st.Pages, info)
		st.ContentHeight = sl.top + sl.height
	}
	return st
}

// Close unmounts the scheduler. Renders still in flight are cancelled and
// their results dropped.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	for _, sl := range s.slots {
		sl.surface = nil
	}
	s.mu.Unlock()
	s.cancel()
}

// Wait blocks until every dispatched render has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
