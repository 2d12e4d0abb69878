package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"bookbot/internal/app"
	"bookbot/internal/ratelimit"
	"bookbot/internal/util"
	"bookbot/pkg/docstore"
	"bookbot/pkg/domain"
	"bookbot/pkg/kv"
)

type testEnv struct {
	app *app.App
	srv *httptest.Server
}

func newTestEnv(t *testing.T, completion http.HandlerFunc, limiter RateLimiter) *testEnv {
	t.Helper()
	upstream := httptest.NewServer(completion)
	t.Cleanup(upstream.Close)

	local, err := kv.NewSQLiteStore(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	t.Cleanup(func() { _ = local.Close() })

	a, err := app.New(app.Config{
		Store:             docstore.NewMemoryStore(),
		Local:             local,
		CompletionBaseURL: upstream.URL,
		CompletionModel:   "llama-3.1-8b-instant",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	s, err := New(Config{App: a, ChatLimiter: limiter})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{app: a, srv: srv}
}

func replyWith(text string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": text}}},
		})
	}
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want)
	}
}

func (e *testEnv) seed(t *testing.T, titles ...string) []domain.CatalogBook {
	t.Helper()
	entries := make([]app.SeedEntry, 0, len(titles))
	for _, title := range titles {
		entries = append(entries, app.SeedEntry{Title: title, Author: "Author of " + title})
	}
	if _, err := e.app.Catalog.SeedBooks(context.Background(), entries, ""); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	books, err := e.app.Catalog.ListBooks(context.Background())
	if err != nil {
		t.Fatalf("list catalog: %v", err)
	}
	return books
}

func TestRegisterAndActiveSession(t *testing.T) {
	env := newTestEnv(t, replyWith("hi"), nil)

	resp := env.do(t, http.MethodGet, "/api/users/me", "", nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	form := map[string]string{"name": "Ana", "email": "a@x.com", "password": "secret1", "confirmPassword": "secret1"}
	resp = env.do(t, http.MethodPost, "/api/users", "", form)
	expectStatus(t, resp, http.StatusCreated)
	user := decode[domain.UserProfile](t, resp)

	resp = env.do(t, http.MethodGet, "/api/users/me", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if me := decode[domain.UserProfile](t, resp); me.ID != user.ID || me.Email != "a@x.com" {
		t.Fatalf("unexpected profile %+v", me)
	}

	form["email"] = "A@X.com"
	resp = env.do(t, http.MethodPost, "/api/users", "", form)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/api/users", "", map[string]string{"name": "A", "email": "bad"})
	expectStatus(t, resp, http.StatusBadRequest)
	body := decode[map[string]any](t, resp)
	if fields, ok := body["fields"].(map[string]any); !ok || fields["email"] == nil {
		t.Fatalf("expected field errors, got %+v", body)
	}

	resp = env.do(t, http.MethodPost, "/api/users/signout", "", nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()
	resp = env.do(t, http.MethodGet, "/api/users/me", "", nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestFavoritesFlow(t *testing.T) {
	env := newTestEnv(t, replyWith("hi"), nil)
	books := env.seed(t, "Dune")

	resp := env.do(t, http.MethodPost, "/api/favorites", "u1", map[string]string{"bookId": books[0].ID})
	expectStatus(t, resp, http.StatusCreated)
	rec := decode[domain.LibraryRecord](t, resp)
	if rec.OriginalBookID != books[0].ID || rec.Title != "Dune" {
		t.Fatalf("unexpected record %+v", rec)
	}

	resp = env.do(t, http.MethodPost, "/api/favorites", "u1", map[string]string{"bookId": books[0].ID})
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/api/favorites/"+rec.ID+"/rate", "u1", nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/favorites", "u1", nil)
	expectStatus(t, resp, http.StatusOK)
	list := decode[struct {
		Items []domain.LibraryRecord `json:"items"`
	}](t, resp)
	if len(list.Items) != 1 || !list.Items[0].Recommended || list.Items[0].Rating != 5 {
		t.Fatalf("unexpected favorites %+v", list.Items)
	}

	resp = env.do(t, http.MethodDelete, "/api/favorites/"+rec.ID, "u1", nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/api/favorites", "u1", map[string]string{"bookId": "missing"})
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestPendingToggleAndStats(t *testing.T) {
	env := newTestEnv(t, replyWith("hi"), nil)
	books := env.seed(t, "Dune", "Emma", "Ulysses")

	ids := make([]string, 0, len(books))
	for _, b := range books {
		resp := env.do(t, http.MethodPost, "/api/pending", "u1", map[string]string{"bookId": b.ID})
		expectStatus(t, resp, http.StatusCreated)
		ids = append(ids, decode[domain.LibraryRecord](t, resp).ID)
	}
	for _, id := range ids[1:] {
		resp := env.do(t, http.MethodPost, "/api/pending/"+id+"/toggle", "u1", map[string]string{"status": "pending"})
		expectStatus(t, resp, http.StatusOK)
		if got := decode[map[string]string](t, resp); got["status"] != "read" {
			t.Fatalf("expected read, got %+v", got)
		}
	}

	resp := env.do(t, http.MethodGet, "/api/pending", "u1", nil)
	expectStatus(t, resp, http.StatusOK)
	view := decode[pendingView](t, resp)
	if view.Stats != (domain.PendingStats{Total: 3, Read: 2, Pending: 1}) {
		t.Fatalf("unexpected stats %+v", view.Stats)
	}

	resp = env.do(t, http.MethodPost, "/api/pending/"+ids[0]+"/toggle", "u1", map[string]string{"status": "done"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
	resp = env.do(t, http.MethodPost, "/api/pending/missing/toggle", "u1", map[string]string{"status": "read"})
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestChatSendAndHistory(t *testing.T) {
	env := newTestEnv(t, replyWith("Try Dune."), nil)

	resp := env.do(t, http.MethodPost, "/api/chat/messages", "u1", map[string]string{"content": "sci-fi?"})
	expectStatus(t, resp, http.StatusOK)
	if got := decode[map[string]any](t, resp); got["reply"] != "Try Dune." || got["persisted"] != true {
		t.Fatalf("unexpected send response %+v", got)
	}

	resp = env.do(t, http.MethodPost, "/api/chat/messages", "u1", map[string]string{"content": "   "})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/chat/messages", "u1", nil)
	expectStatus(t, resp, http.StatusOK)
	history := decode[struct {
		Items []domain.ChatMessage `json:"items"`
	}](t, resp)
	if len(history.Items) != 2 || history.Items[0].Role != domain.RoleUser || history.Items[1].Content != "Try Dune." {
		t.Fatalf("unexpected history %+v", history.Items)
	}
}

func TestChatSendFallsBackOnUpstreamError(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, nil)

	resp := env.do(t, http.MethodPost, "/api/chat/messages", "u1", map[string]string{"content": "hello"})
	expectStatus(t, resp, http.StatusOK)
	if got := decode[map[string]any](t, resp); got["reply"] != app.FallbackReply {
		t.Fatalf("expected fallback reply, got %+v", got)
	}
}

func TestChatSendRateLimited(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(redis.Addr(), "", "test:chat", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	defer limiter.Close()
	env := newTestEnv(t, replyWith("ok"), limiter)

	resp := env.do(t, http.MethodPost, "/api/chat/messages", "u1", map[string]string{"content": "one"})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	resp = env.do(t, http.MethodPost, "/api/chat/messages", "u1", map[string]string{"content": "two"})
	expectStatus(t, resp, http.StatusTooManyRequests)
	resp.Body.Close()
}

func TestChatStreamDeliversSnapshots(t *testing.T) {
	env := newTestEnv(t, replyWith("Try Emma."), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/chat/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-User-ID", "u1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := make(chan []domain.ChatMessage, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var payload struct {
				Items []domain.ChatMessage `json:"items"`
			}
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload) == nil {
				events <- payload.Items
			}
		}
		close(events)
	}()

	select {
	case initial := <-events:
		if len(initial) != 0 {
			t.Fatalf("expected empty initial snapshot, got %+v", initial)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no initial snapshot")
	}

	send := env.do(t, http.MethodPost, "/api/chat/messages", "u1", map[string]string{"content": "romance?"})
	expectStatus(t, send, http.StatusOK)
	send.Body.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msgs, ok := <-events:
			if !ok {
				t.Fatalf("stream closed early")
			}
			if len(msgs) == 2 {
				return
			}
		case <-deadline:
			t.Fatalf("stream never showed the exchange")
		}
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, replyWith("hi"), nil)
	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[map[string]string](t, resp); got["status"] != "ok" {
		t.Fatalf("unexpected health body %+v", got)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestInternalErrorCarriesRequestID(t *testing.T) {
	s := &Server{}
	h := util.WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeAppError(w, r, errors.New("disk on fire"))
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "internal error" || body["requestId"] != "req-42" {
		t.Fatalf("unexpected error body %+v", body)
	}
}
