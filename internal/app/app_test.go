package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"storyverse/internal/catalog"
	"storyverse/internal/chat"
	"storyverse/internal/document"
	"storyverse/internal/engagement"
	"storyverse/internal/progress"
	"storyverse/internal/render"
	"storyverse/internal/source"
	"storyverse/internal/testsupport"
)

type recordingSender struct {
	mu     sync.Mutex
	events []engagement.Event
	err    error
}

func (s *recordingSender) Send(_ context.Context, ev engagement.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSender) all() []engagement.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engagement.Event(nil), s.events...)
}

func newDocServer(t *testing.T) *httptest.Server {
	t.Helper()
	pdf := testsupport.BuildPDF(6)
	mux := http.NewServeMux()
	mux.HandleFunc("/docs/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(pdf)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newCatalog(t *testing.T, base string) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]catalog.Universe{{
		ID:   "legend",
		Name: "Legend Verse",
		StandaloneStories: []catalog.Story{
			{ID: "s1", Title: "Arjun", SourcePath: base + "/docs/s1.pdf", Order: 1},
			{ID: "s2", Title: "Veer", SourcePath: base + "/docs/s2.pdf", Order: 2},
			{ID: "broken", Title: "Lost Scroll", SourcePath: base + "/missing/broken.pdf", Order: 3},
		},
	}})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return c
}

type fixture struct {
	app    *App
	kv     *progress.MemoryKV
	sender *recordingSender
	cat    *catalog.Catalog
}

func newFixture(t *testing.T, kv *progress.MemoryKV, loader Loader) *fixture {
	t.Helper()
	srv := newDocServer(t)
	if kv == nil {
		kv = progress.NewMemoryKV()
	}
	sender := &recordingSender{}
	cat := newCatalog(t, srv.URL)
	a, err := New(Config{
		Catalog: cat,
		Store:   progress.NewStore(kv, nil),
		Loader:  loader,
		Beacon:  engagement.NewBeacon(sender, nil, time.Second),
		Render:  render.Config{Workers: 2},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := a.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	t.Cleanup(a.Close)
	return &fixture{app: a, kv: kv, sender: sender, cat: cat}
}

func TestNewRequiresCatalogAndStore(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without catalog")
	}
	cat, _ := catalog.New(nil)
	if _, err := New(Config{Catalog: cat}); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestUpdateBeforeRestore(t *testing.T) {
	cat, _ := catalog.New(nil)
	a, err := New(Config{Catalog: cat, Store: progress.NewStore(progress.NewMemoryKV(), nil)})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	_, err = a.Update(context.Background(), func(*progress.UserProgress) error { return nil })
	if !errors.Is(err, ErrProgressMissing) {
		t.Fatalf("err = %v, want ErrProgressMissing", err)
	}
}

func TestSelectStoryMountsCanvas(t *testing.T) {
	f := newFixture(t, nil, nil)
	view, err := f.app.SelectStory(context.Background(), "s1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if view.Mode != document.ModeCanvas {
		t.Fatalf("mode = %s, want canvas (%s)", view.Mode, view.FallbackReason)
	}
	if view.Render == nil || view.Render.PageCount != 6 {
		t.Fatalf("render state = %+v, want 6 pages", view.Render)
	}
	if got := f.app.Snapshot().LastStoryID; got != "s1" {
		t.Fatalf("lastStoryId = %q, want s1", got)
	}
}

func TestSelectStoryFallsBackToEmbed(t *testing.T) {
	f := newFixture(t, nil, nil)
	for i := 0; i < 2; i++ {
		view, err := f.app.SelectStory(context.Background(), "broken")
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if view.Mode != document.ModeEmbed || view.Render != nil {
			t.Fatalf("attempt %d: mode = %s, want embed without render state", i, view.Mode)
		}
		if view.PreviewURL == "" || view.FallbackReason == "" {
			t.Fatalf("attempt %d: missing preview url or reason: %+v", i, view)
		}
	}
	if _, err := f.app.Observe(render.Viewport{Height: 800}); !errors.Is(err, ErrNotRendering) {
		t.Fatalf("observe err = %v, want ErrNotRendering", err)
	}
	if _, err := f.app.ToggleLike(context.Background()); err != nil {
		t.Fatalf("like in embed mode: %v", err)
	}
}

func TestSelectUnknownStory(t *testing.T) {
	f := newFixture(t, nil, nil)
	if _, err := f.app.SelectStory(context.Background(), "nope"); !errors.Is(err, ErrStoryNotFound) {
		t.Fatalf("err = %v, want ErrStoryNotFound", err)
	}
}

func TestScrollResetOnlyWhenStoryChanges(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	if _, err := f.app.SelectStory(ctx, "s1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := f.app.UpdateScroll(ctx, 1234); err != nil {
		t.Fatalf("scroll: %v", err)
	}
	view, err := f.app.SelectStory(ctx, "s1")
	if err != nil {
		t.Fatalf("reselect: %v", err)
	}
	if view.InitialScroll != 1234 {
		t.Fatalf("initial scroll = %v, want 1234", view.InitialScroll)
	}
	if _, err := f.app.SelectStory(ctx, "s2"); err != nil {
		t.Fatalf("select s2: %v", err)
	}
	p := f.app.Snapshot()
	if p.LastStoryID != "s2" || p.ScrollPosition != 0 {
		t.Fatalf("progress = %+v, want s2 at 0", p)
	}
}

func TestUpdateScrollDroppedAfterStoryChanged(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	if _, err := f.app.SelectStory(ctx, "s1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	// s2 has been committed to progress but s1 is still mounted.
	if _, err := f.app.Update(ctx, func(p *progress.UserProgress) error {
		p.LastStoryID = "s2"
		p.ScrollPosition = 0
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := f.app.UpdateScroll(ctx, 900); err != nil {
		t.Fatalf("scroll: %v", err)
	}
	p := f.app.Snapshot()
	if p.LastStoryID != "s2" || p.ScrollPosition != 0 {
		t.Fatalf("progress = %+v, want s2 at 0", p)
	}
	stored, err := progress.NewStore(f.kv, nil).Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.ScrollPosition != 0 {
		t.Fatalf("stored scroll = %v, want 0", stored.ScrollPosition)
	}
}

func TestToggleLikeSavesOnceAndSyncsOnce(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	if _, err := f.app.SelectStory(ctx, "s1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	before := f.kv.Writes()
	liked, err := f.app.ToggleLike(ctx)
	if err != nil {
		t.Fatalf("like: %v", err)
	}
	if !liked {
		t.Fatalf("liked = false, want true")
	}
	if got := f.kv.Writes() - before; got != 1 {
		t.Fatalf("writes = %d, want 1", got)
	}
	f.app.beacon.Wait()
	events := f.sender.all()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.StoryID != "s1" || ev.Type != engagement.TypeLike || ev.Value != true {
		t.Fatalf("event = %+v", ev)
	}
	if ev.UserID != f.app.Snapshot().UserID {
		t.Fatalf("event user = %q, want %q", ev.UserID, f.app.Snapshot().UserID)
	}

	liked, err = f.app.ToggleLike(ctx)
	if err != nil || liked {
		t.Fatalf("second like = %v, %v; want false, nil", liked, err)
	}
	if f.app.Snapshot().Likes.Has("s1") {
		t.Fatalf("like not removed")
	}
}

func TestSyncFailureKeepsLocalState(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.sender.err = errors.New("collector down")
	ctx := context.Background()
	if _, err := f.app.SelectStory(ctx, "s1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := f.app.Rate(ctx, 3); err != nil {
		t.Fatalf("rate: %v", err)
	}
	f.app.beacon.Wait()
	if got := f.app.Snapshot().Ratings["s1"]; got != 3 {
		t.Fatalf("rating = %d, want 3", got)
	}
}

func TestRateValidation(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	if err := f.app.Rate(ctx, 4); !errors.Is(err, ErrNoStoryOpen) {
		t.Fatalf("err = %v, want ErrNoStoryOpen", err)
	}
	if _, err := f.app.SelectStory(ctx, "s1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	before := f.kv.Writes()
	for _, score := range []int{0, 6, -1} {
		if err := f.app.Rate(ctx, score); !errors.Is(err, ErrInvalidRating) {
			t.Fatalf("rate(%d) err = %v, want ErrInvalidRating", score, err)
		}
	}
	if f.kv.Writes() != before {
		t.Fatalf("invalid ratings were persisted")
	}
	_ = f.app.Rate(ctx, 2)
	_ = f.app.Rate(ctx, 5)
	if got := f.app.Snapshot().Ratings["s1"]; got != 5 {
		t.Fatalf("rating = %d, want 5", got)
	}
}

func TestToggleBookmarkKeepsInsertionOrder(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	if _, err := f.app.SelectStory(ctx, "s1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	for _, page := range []int{5, 2, 4} {
		if _, err := f.app.ToggleBookmark(ctx, page); err != nil {
			t.Fatalf("bookmark %d: %v", page, err)
		}
	}
	got, err := f.app.ToggleBookmark(ctx, 2)
	if err != nil {
		t.Fatalf("unbookmark: %v", err)
	}
	if want := []int{5, 4}; !reflect.DeepEqual(got, want) {
		t.Fatalf("bookmarks = %v, want %v", got, want)
	}
	if _, err := f.app.ToggleBookmark(ctx, 7); !errors.Is(err, ErrInvalidPage) {
		t.Fatalf("err = %v, want ErrInvalidPage for page past the end", err)
	}
	f.app.beacon.Wait()
	events := f.sender.all()
	last := events[len(events)-1]
	if last.Type != engagement.TypeBookmark || !reflect.DeepEqual(last.Value, []int{5, 4}) {
		t.Fatalf("last event = %+v", last)
	}
}

func TestReopenRestoresProgress(t *testing.T) {
	kv := progress.NewMemoryKV()
	f := newFixture(t, kv, nil)
	ctx := context.Background()
	if _, err := f.app.SelectStory(ctx, "s1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := f.app.JumpTo(5); err != nil {
		t.Fatalf("jump: %v", err)
	}
	if _, err := f.app.ToggleBookmark(ctx, 5); err != nil {
		t.Fatalf("bookmark: %v", err)
	}
	if err := f.app.Rate(ctx, 4); err != nil {
		t.Fatalf("rate: %v", err)
	}
	f.app.Close()

	again := newFixture(t, kv, nil)
	view, err := again.app.Reader()
	if err != nil {
		t.Fatalf("reader after restore: %v", err)
	}
	if view.Story.ID != "s1" {
		t.Fatalf("reopened story = %q, want s1", view.Story.ID)
	}
	p := again.app.Snapshot()
	if p.LastStoryID != "s1" || !reflect.DeepEqual(p.Bookmarks["s1"], []int{5}) || p.Ratings["s1"] != 4 {
		t.Fatalf("restored progress = %+v", p)
	}
	if p.UserID != f.app.Snapshot().UserID {
		t.Fatalf("user id changed across restarts")
	}
}

func TestNavigation(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	if _, err := f.app.SetOverlay(OverlayMap, true); err != nil {
		t.Fatalf("open map: %v", err)
	}
	if _, err := f.app.SetOverlay("atlas", true); !errors.Is(err, ErrUnknownOverlay) {
		t.Fatalf("err = %v, want ErrUnknownOverlay", err)
	}
	f.app.SetCompact(true)
	if _, err := f.app.SelectStory(ctx, "s1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	nav := f.app.Navigation()
	if nav.Map || nav.Sidebar {
		t.Fatalf("nav after select = %+v, want map and sidebar closed", nav)
	}
	if nav.StoryID != "s1" {
		t.Fatalf("nav story = %q, want s1", nav.StoryID)
	}
	if _, err := f.app.SetTheme("sepia"); !errors.Is(err, ErrUnknownTheme) {
		t.Fatalf("err = %v, want ErrUnknownTheme", err)
	}
	nav = f.app.GoHome()
	if nav.StoryID != "" {
		t.Fatalf("story still open after GoHome")
	}
	if _, err := f.app.Reader(); !errors.Is(err, ErrNoStoryOpen) {
		t.Fatalf("err = %v, want ErrNoStoryOpen", err)
	}
}

func TestZoomRemountsAndPersistsAcrossStories(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	if _, err := f.app.SetZoom(9); !errors.Is(err, ErrInvalidZoom) {
		t.Fatalf("err = %v, want ErrInvalidZoom", err)
	}
	if _, err := f.app.SelectStory(ctx, "s1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := f.app.Observe(render.Viewport{ScrollTop: 0, Height: 900}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if _, err := f.app.SetZoom(2); err != nil {
		t.Fatalf("zoom: %v", err)
	}
	view, _ := f.app.Reader()
	if view.Render.Scale != 2 {
		t.Fatalf("scale = %v, want 2", view.Render.Scale)
	}
	if _, err := f.app.SelectStory(ctx, "s2"); err != nil {
		t.Fatalf("select s2: %v", err)
	}
	view, _ = f.app.Reader()
	if view.Render.Scale != 2 {
		t.Fatalf("new mount scale = %v, want 2", view.Render.Scale)
	}
}

func TestPageImageAfterObserve(t *testing.T) {
	f := newFixture(t, nil, nil)
	if _, err := f.app.SelectStory(context.Background(), "s1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := f.app.Observe(render.Viewport{ScrollTop: 0, Height: 900}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	s, _ := f.app.scheduler()
	s.Wait()
	img, state, err := f.app.PageImage(1)
	if err != nil {
		t.Fatalf("page image: %v", err)
	}
	if state != render.Rendered || img == nil {
		t.Fatalf("state = %s, img nil = %v", state, img == nil)
	}
	if _, _, err := f.app.PageImage(99); !errors.Is(err, ErrInvalidPage) {
		t.Fatalf("err = %v, want ErrInvalidPage", err)
	}
	if _, err := f.app.JumpToInput("abc"); !errors.Is(err, ErrInvalidPage) {
		t.Fatalf("err = %v, want ErrInvalidPage", err)
	}
	j, err := f.app.JumpToInput(" 40 ")
	if err != nil || j.Page != 6 {
		t.Fatalf("jump = %+v, %v; want clamped to 6", j, err)
	}
}

type closeTracker struct {
	document.Handle
	mu     sync.Mutex
	closed bool
}

func (h *closeTracker) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return h.Handle.Close()
}

func (h *closeTracker) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type gatedLoader struct {
	gate    chan struct{}
	started chan struct{}
	handle  *closeTracker
}

func (l *gatedLoader) Load(_ context.Context, urls source.URLs) document.Result {
	close(l.started)
	<-l.gate
	return document.Result{Mode: document.ModeCanvas, Handle: l.handle, PreviewURL: urls.PreviewURL}
}

func TestGoHomeDiscardsInFlightLoad(t *testing.T) {
	h, err := document.PDFEngine{}.Open(testsupport.BuildPDF(2))
	if err != nil {
		t.Fatalf("open pdf: %v", err)
	}
	loader := &gatedLoader{gate: make(chan struct{}), started: make(chan struct{}), handle: &closeTracker{Handle: h}}
	f := newFixture(t, nil, loader)

	errc := make(chan error, 1)
	go func() {
		_, err := f.app.SelectStory(context.Background(), "s1")
		errc <- err
	}()
	<-loader.started
	f.app.GoHome()
	close(loader.gate)
	if err := <-errc; !errors.Is(err, ErrSelectionStale) {
		t.Fatalf("err = %v, want ErrSelectionStale", err)
	}
	if !loader.handle.isClosed() {
		t.Fatalf("stale handle was not closed")
	}
	if _, err := f.app.Reader(); !errors.Is(err, ErrNoStoryOpen) {
		t.Fatalf("err = %v, want ErrNoStoryOpen", err)
	}
}

func TestChatManagerPersistsThroughApp(t *testing.T) {
	f := newFixture(t, nil, nil)
	m := chat.NewManager(f.app, chat.Config{})
	s, err := m.NewSession(context.Background())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	again := newFixture(t, f.kv, nil)
	p := again.app.Snapshot()
	if len(p.Chats) != 1 || p.CurrentChatID != s.ID {
		t.Fatalf("restored chats = %+v, current = %q", p.Chats, p.CurrentChatID)
	}
}
