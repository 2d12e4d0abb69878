package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"bookbot/internal/app"
	"bookbot/internal/util"
	"bookbot/pkg/domain"
)

const userIDHeader = "X-User-ID"

// RateLimiter caps chat sends per user.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                *app.App
	ChatLimiter        RateLimiter
	CORSAllowedOrigins []string
}

// Server exposes the BookBot JSON API and its event streams.
type Server struct {
	app         *app.App
	chatLimiter RateLimiter
	cors        []string
	mux         *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	s := &Server{
		app:         cfg.App,
		chatLimiter: cfg.ChatLimiter,
		cors:        cfg.CORSAllowedOrigins,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("bookbot", util.WithSecurityHeaders(util.WithCORS(s.cors, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /api/users", s.handleRegister)
	s.mux.Handle("GET /api/users/me", s.withSession(s.handleMe))
	s.mux.HandleFunc("POST /api/users/signout", s.handleSignOut)

	s.mux.HandleFunc("GET /api/catalog", s.handleListBooks)
	s.mux.HandleFunc("GET /api/catalog/{id}", s.handleGetBook)

	s.mux.Handle("GET /api/favorites", s.withSession(s.handleListFavorites))
	s.mux.Handle("POST /api/favorites", s.withSession(s.handleAddFavorite))
	s.mux.Handle("POST /api/favorites/{id}/rate", s.withSession(s.handleRateFavorite))
	s.mux.Handle("DELETE /api/favorites/{id}", s.withSession(s.handleRemove(domain.KindFavorite)))
	s.mux.Handle("GET /api/favorites/stream", s.withSession(s.handleFavoritesStream))

	s.mux.Handle("GET /api/pending", s.withSession(s.handleListPending))
	s.mux.Handle("POST /api/pending", s.withSession(s.handleAddPending))
	s.mux.Handle("POST /api/pending/{id}/toggle", s.withSession(s.handleTogglePending))
	s.mux.Handle("DELETE /api/pending/{id}", s.withSession(s.handleRemove(domain.KindPending)))
	s.mux.Handle("GET /api/pending/stream", s.withSession(s.handlePendingStream))

	s.mux.Handle("GET /api/chat/messages", s.withSession(s.handleChatHistory))
	s.mux.Handle("POST /api/chat/messages", s.withSession(s.handleChatSend))
	s.mux.Handle("GET /api/chat/stream", s.withSession(s.handleChatStream))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionHandler func(http.ResponseWriter, *http.Request, domain.Session)

// withSession resolves the acting user from X-User-ID, falling back to the
// user remembered on this device.
func (s *Server) withSession(next sessionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := domain.Session{UserID: strings.TrimSpace(r.Header.Get(userIDHeader))}
		if !sess.Valid() {
			active, err := s.app.Accounts.ActiveSession(r.Context())
			if err != nil {
				s.writeAppError(w, r, err)
				return
			}
			sess = active
		}
		next(w, r, sess)
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req app.RegisterInput
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := s.app.Accounts.Register(r.Context(), req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, sess domain.Session) {
	user, err := s.app.Accounts.Profile(r.Context(), sess.UserID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Accounts.SignOut(r.Context()); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.app.Catalog.ListBooks(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": books, "count": len(books)})
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.app.Catalog.GetBook(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

type addRequest struct {
	BookID string `json:"bookId"`
}

func (s *Server) catalogBookFromBody(w http.ResponseWriter, r *http.Request) (domain.CatalogBook, bool) {
	var req addRequest
	if !decodeBody(w, r, &req) {
		return domain.CatalogBook{}, false
	}
	if strings.TrimSpace(req.BookID) == "" {
		writeError(w, http.StatusBadRequest, "bookId is required")
		return domain.CatalogBook{}, false
	}
	book, err := s.app.Catalog.GetBook(r.Context(), req.BookID)
	if err != nil {
		s.writeAppError(w, r, err)
		return domain.CatalogBook{}, false
	}
	return book, true
}

func (s *Server) handleListFavorites(w http.ResponseWriter, r *http.Request, sess domain.Session) {
	records, err := s.app.Library.Favorites(r.Context(), sess)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records, "count": len(records)})
}

func (s *Server) handleAddFavorite(w http.ResponseWriter, r *http.Request, sess domain.Session) {
	book, ok := s.catalogBookFromBody(w, r)
	if !ok {
		return
	}
	rec, err := s.app.Library.AddFavorite(r.Context(), sess, book)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleRateFavorite(w http.ResponseWriter, r *http.Request, sess domain.Session) {
	if err := s.app.Status.Rate(r.Context(), sess, r.PathValue("id")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemove(kind domain.RecordKind) sessionHandler {
	return func(w http.ResponseWriter, r *http.Request, sess domain.Session) {
		if err := s.app.Status.Remove(r.Context(), sess, kind, r.PathValue("id")); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type pendingView struct {
	Items []domain.LibraryRecord `json:"items"`
	Stats domain.PendingStats    `json:"stats"`
}

func newPendingView(records []domain.LibraryRecord) pendingView {
	if records == nil {
		records = []domain.LibraryRecord{}
	}
	return pendingView{Items: records, Stats: app.ComputePendingStats(records)}
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request, sess domain.Session) {
	records, err := s.app.Library.Pending(r.Context(), sess)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPendingView(records))
}

func (s *Server) handleAddPending(w http.ResponseWriter, r *http.Request, sess domain.Session) {
	book, ok := s.catalogBookFromBody(w, r)
	if !ok {
		return
	}
	rec, err := s.app.Library.AddPending(r.Context(), sess, book)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type toggleRequest struct {
	Status domain.PendingStatus `json:"status"`
}

func (s *Server) handleTogglePending(w http.ResponseWriter, r *http.Request, sess domain.Session) {
	var req toggleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	next, err := s.app.Status.Toggle(r.Context(), sess, r.PathValue("id"), req.Status)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "status": next})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request, _ domain.Session) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	msgs, err := s.app.Chat.History(r.Context(), limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": msgs, "count": len(msgs)})
}

type sendRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request, sess domain.Session) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if s.chatLimiter != nil && !s.chatLimiter.Allow(r.Context(), sess.UserID) {
		writeError(w, http.StatusTooManyRequests, "too many messages, try again later")
		return
	}
	prior, err := s.app.Chat.History(r.Context(), app.ContextWindow)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	reply, err := s.app.Chat.Send(r.Context(), sess, req.Content, prior)
	if errors.Is(err, app.ErrReplyNotPersisted) {
		util.LoggerFromContext(r.Context()).Warn("chat reply returned without being stored", "user_id", sess.UserID)
		writeJSON(w, http.StatusOK, map[string]any{"reply": reply, "persisted": false})
		return
	}
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reply": reply, "persisted": true})
}

func (s *Server) handleFavoritesStream(w http.ResponseWriter, r *http.Request, sess domain.Session) {
	s.serveStream(w, r, func(ctx context.Context, push func(any)) (*app.Subscription, error) {
		return s.app.Library.WatchFavorites(ctx, sess, func(records []domain.LibraryRecord) {
			if records == nil {
				records = []domain.LibraryRecord{}
			}
			push(map[string]any{"items": records})
		})
	})
}

func (s *Server) handlePendingStream(w http.ResponseWriter, r *http.Request, sess domain.Session) {
	s.serveStream(w, r, func(ctx context.Context, push func(any)) (*app.Subscription, error) {
		return s.app.Library.WatchPending(ctx, sess, func(records []domain.LibraryRecord) {
			push(newPendingView(records))
		})
	})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, _ domain.Session) {
	s.serveStream(w, r, func(ctx context.Context, push func(any)) (*app.Subscription, error) {
		return s.app.Chat.WatchMessages(ctx, func(msgs []domain.ChatMessage) {
			if msgs == nil {
				msgs = []domain.ChatMessage{}
			}
			push(map[string]any{"items": msgs})
		})
	})
}

type subscribeFunc func(ctx context.Context, push func(any)) (*app.Subscription, error)

// serveStream writes one server-sent "snapshot" event per delivery. A slow
// client only ever receives the newest pending snapshot.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, subscribe subscribeFunc) {
	logger := util.LoggerFromContext(r.Context())
	latest := make(chan any, 1)
	push := func(v any) {
		select {
		case latest <- v:
		default:
			select {
			case <-latest:
			default:
			}
			latest <- v
		}
	}
	sub, err := subscribe(r.Context(), push)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	defer sub.Unsubscribe()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Error("event stream not supported", "err", err)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				logger.Warn("event stream ended", "err", err)
				_, _ = fmt.Fprint(w, "event: error\ndata: {\"error\":\"subscription closed\"}\n\n")
				_ = rc.Flush()
			}
			return
		case v := <-latest:
			data, err := json.Marshal(v)
			if err != nil {
				logger.Error("encode snapshot failed", "err", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *app.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid input", "fields": verr.Fields})
		return
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		if status == http.StatusInternalServerError {
			writeJSON(w, status, errorResponse{
				Error:     "internal error",
				RequestID: util.RequestIDFromContext(r.Context()),
			})
			return
		}
	}
	writeError(w, status, rootMessage(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrEmptyMessage),
		errors.Is(err, app.ErrTitleRequired),
		errors.Is(err, app.ErrInvalidStatus),
		errors.Is(err, app.ErrInvalidKind):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrNoActiveUser):
		return http.StatusUnauthorized
	case errors.Is(err, app.ErrUserNotFound),
		errors.Is(err, app.ErrBookNotFound),
		errors.Is(err, app.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrAlreadyInFavorites),
		errors.Is(err, app.ErrAlreadyInPending),
		errors.Is(err, app.ErrEmailAlreadyExists),
		errors.Is(err, app.ErrBusy),
		errors.Is(err, app.ErrSendInFlight):
		return http.StatusConflict
	case errors.Is(err, app.ErrStoreUnavailable),
		errors.Is(err, app.ErrSubscribe):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// rootMessage keeps only the sentinel part of a wrapped error.
func rootMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i > 0 {
		return msg[:i]
	}
	return msg
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}
