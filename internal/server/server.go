package server

import (
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"storyverse/internal/app"
	"storyverse/internal/catalog"
	"storyverse/internal/chat"
	"storyverse/internal/ratelimit"
	"storyverse/internal/render"
	"storyverse/internal/util"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App  *app.App
	Chat *chat.Manager
	// Limiter throttles chat sends per client IP. Nil disables it.
	Limiter        ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
	// AllowedOrigins restricts CORS. Empty allows any origin.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server exposes the reader API.
type Server struct {
	app     *app.App
	chat    *chat.Manager
	limiter ratelimit.Limiter
	proxies *util.TrustedProxies
	origins []string
	logger  *slog.Logger
	mux     *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		app:     cfg.App,
		chat:    cfg.Chat,
		limiter: cfg.Limiter,
		proxies: cfg.TrustedProxies,
		origins: cfg.AllowedOrigins,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(s.origins, s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("GET /api/catalog", s.handleCatalog)
	s.mux.HandleFunc("GET /api/catalog/search", s.handleSearch)
	s.mux.HandleFunc("GET /api/progress", s.handleProgress)

	s.mux.HandleFunc("GET /api/nav", s.handleNav)
	s.mux.HandleFunc("POST /api/nav/overlays", s.handleOverlay)
	s.mux.HandleFunc("POST /api/nav/theme", s.handleTheme)
	s.mux.HandleFunc("POST /api/nav/layout", s.handleLayout)

	s.mux.HandleFunc("POST /api/stories/{id}/open", s.handleOpenStory)
	s.mux.HandleFunc("POST /api/reader/close", s.handleCloseReader)
	s.mux.HandleFunc("GET /api/reader", s.handleReader)
	s.mux.HandleFunc("POST /api/reader/viewport", s.handleViewport)
	s.mux.HandleFunc("POST /api/reader/zoom", s.handleZoom)
	s.mux.HandleFunc("POST /api/reader/jump", s.handleJump)
	s.mux.HandleFunc("GET /api/reader/pages/{page}", s.handlePage)
	s.mux.HandleFunc("POST /api/reader/scroll", s.handleScroll)

	s.mux.HandleFunc("POST /api/engagement/like", s.handleLike)
	s.mux.HandleFunc("POST /api/engagement/rating", s.handleRating)
	s.mux.HandleFunc("POST /api/engagement/bookmark", s.handleBookmark)

	s.mux.HandleFunc("GET /api/chats", s.handleListChats)
	s.mux.HandleFunc("POST /api/chats", s.handleNewChat)
	s.mux.HandleFunc("POST /api/chats/{id}/select", s.handleSelectChat)
	s.mux.HandleFunc("PATCH /api/chats/{id}", s.handleRenameChat)
	s.mux.HandleFunc("DELETE /api/chats/{id}", s.handleDeleteChat)
	s.mux.HandleFunc("POST /api/chats/{id}/clear", s.handleClearChat)

	var send http.Handler = http.HandlerFunc(s.handleSendMessage)
	if s.limiter != nil {
		send = ratelimit.Middleware(s.limiter, func(r *http.Request) string {
			return util.ClientIP(r, s.proxies)
		}, s.logger, send)
	}
	s.mux.Handle("POST /api/chats/messages", send)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"universes": s.app.Catalog().Universes()})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	stories := s.app.Catalog().Search(r.URL.Query().Get("q"))
	if stories == nil {
		stories = []catalog.Story{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stories": stories})
}

func (s *Server) handleProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Snapshot())
}

func (s *Server) handleNav(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Navigation())
}

type overlayRequest struct {
	Overlay app.Overlay `json:"overlay"`
	Open    bool        `json:"open"`
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	var req overlayRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	nav, err := s.app.SetOverlay(req.Overlay, req.Open)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nav)
}

func (s *Server) handleTheme(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Theme app.Theme `json:"theme"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	nav, err := s.app.SetTheme(req.Theme)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nav)
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Compact bool `json:"compact"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.app.SetCompact(req.Compact))
}

func (s *Server) handleOpenStory(w http.ResponseWriter, r *http.Request) {
	view, err := s.app.SelectStory(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCloseReader(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.GoHome())
}

func (s *Server) handleReader(w http.ResponseWriter, r *http.Request) {
	view, err := s.app.Reader()
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request) {
	var vp render.Viewport
	if !decodeJSON(w, r, &vp) {
		return
	}
	if vp.Height <= 0 || vp.ScrollTop < 0 {
		writeError(w, http.StatusBadRequest, "viewport needs a positive height and non-negative scrollTop")
		return
	}
	st, err := s.app.Observe(vp)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleZoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Zoom float64 `json:"zoom"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	page, err := s.app.SetZoom(req.Zoom)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"zoom": req.Zoom, "currentPage": page})
}

// jumpRequest accepts either a page number or the raw text of a page box.
type jumpRequest struct {
	Page  *int   `json:"page"`
	Input string `json:"input"`
}

func (s *Server) handleJump(w http.ResponseWriter, r *http.Request) {
	var req jumpRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var (
		jump render.Jump
		err  error
	)
	if req.Page != nil {
		jump, err = s.app.JumpTo(*req.Page)
	} else {
		jump, err = s.app.JumpToInput(req.Input)
	}
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jump)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("page"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "page must be a number")
		return
	}
	img, state, err := s.app.PageImage(n)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if img == nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "page not rendered", "page": n, "state": state})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		s.logger.Warn("page_encode_failed", "page", n, "err", err)
	}
}

func (s *Server) handleScroll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Position float64 `json:"position"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.UpdateScroll(r.Context(), req.Position); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	liked, err := s.app.ToggleLike(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"liked": liked})
}

func (s *Server) handleRating(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Score int `json:"score"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.Rate(r.Context(), req.Score); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"rating": req.Score})
}

func (s *Server) handleBookmark(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Page int `json:"page"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	pages, err := s.app.ToggleBookmark(r.Context(), req.Page)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]int{"bookmarks": pages})
}

func (s *Server) handleListChats(w http.ResponseWriter, _ *http.Request) {
	p := s.app.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":      p.Chats,
		"currentChatId": p.CurrentChatID,
		"sending":       s.chat.Sending(),
	})
}

func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request) {
	session, err := s.chat.NewSession(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleSelectChat(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.SelectSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.chat.RenameSession(r.Context(), r.PathValue("id"), req.Title); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearChat(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.ClearSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	reply, err := s.chat.SendMessage(r.Context(), req.Text)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request_failed", "path", r.URL.Path, "err", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, app.ErrStoryNotFound),
		errors.Is(err, chat.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrInvalidRating),
		errors.Is(err, app.ErrInvalidPage),
		errors.Is(err, app.ErrInvalidZoom),
		errors.Is(err, app.ErrUnknownOverlay),
		errors.Is(err, app.ErrUnknownTheme),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrEmptyTitle):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrNoStoryOpen),
		errors.Is(err, app.ErrNotRendering),
		errors.Is(err, app.ErrSelectionStale),
		errors.Is(err, app.ErrProgressMissing),
		errors.Is(err, chat.ErrSendInFlight):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
