package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bookbot/pkg/ai"
	"bookbot/pkg/docstore"
	"bookbot/pkg/domain"
)

var chatSession = domain.Session{UserID: "u1"}

func priorMessages(n int) []domain.ChatMessage {
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	out := make([]domain.ChatMessage, 0, n)
	for i := 0; i < n; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		out = append(out, domain.ChatMessage{
			ID:        fmt.Sprintf("m%d", i),
			Role:      role,
			Content:   fmt.Sprintf("turn %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return out
}

func TestSendPersistsUserThenAssistant(t *testing.T) {
	store := docstore.NewMemoryStore()
	completer := &stubCompleter{reply: "Try Dune."}
	chat := NewChatPipeline(store, completer, nil, nil)

	reply, err := chat.Send(context.Background(), chatSession, "  Something like Foundation?  ", priorMessages(8))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply != "Try Dune." {
		t.Fatalf("unexpected reply %q", reply)
	}

	msgs, err := chat.History(context.Background(), 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[0].Content != "Something like Foundation?" {
		t.Fatalf("unexpected user turn %+v", msgs[0])
	}
	if msgs[1].Role != domain.RoleAssistant || msgs[1].Content != "Try Dune." {
		t.Fatalf("unexpected assistant turn %+v", msgs[1])
	}

	sent := completer.messages[0]
	if len(sent) != ContextWindow+1 {
		t.Fatalf("expected %d context entries, got %d", ContextWindow+1, len(sent))
	}
	if sent[0].Content != "turn 2" || sent[5].Content != "turn 7" {
		t.Fatalf("expected last six prior turns oldest first, got %+v", sent)
	}
	if last := sent[len(sent)-1]; last.Role != "user" || last.Content != "Something like Foundation?" {
		t.Fatalf("expected new user turn last, got %+v", last)
	}
	if completer.sampling != (ai.Sampling{Temperature: 0.7, MaxTokens: 500, TopP: 0.9}) {
		t.Fatalf("unexpected sampling %+v", completer.sampling)
	}
}

func TestBuildContextSkipsInvalidPriorTurns(t *testing.T) {
	prior := []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "a"},
		{Role: "system", Content: "ignored"},
		{Role: domain.RoleAssistant, Content: "  "},
		{Role: domain.RoleAssistant, Content: "b"},
	}
	got := buildContext(prior, "c")
	if len(got) != 3 || got[0].Content != "a" || got[1].Content != "b" || got[2].Content != "c" {
		t.Fatalf("unexpected context %+v", got)
	}
}

func TestSendStoresFallbackWhenServiceFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := docstore.NewMemoryStore()
	chat := NewChatPipeline(store, ai.NewOpenAICompatClient(srv.URL, "k", "llama-3.1-8b-instant"), nil, nil)

	reply, err := chat.Send(context.Background(), chatSession, "hello", nil)
	if err != nil {
		t.Fatalf("service failure must not surface: %v", err)
	}
	if reply != FallbackReply {
		t.Fatalf("expected fallback reply, got %q", reply)
	}
	msgs, _ := chat.History(context.Background(), 0)
	if len(msgs) != 2 || msgs[0].Role != domain.RoleUser || msgs[1].Content != FallbackReply {
		t.Fatalf("expected user turn then fallback, got %+v", msgs)
	}
}

func TestSendIsSingleFlight(t *testing.T) {
	store := docstore.NewMemoryStore()
	completer := &stubCompleter{
		reply:   "ok",
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	chat := NewChatPipeline(store, completer, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := chat.Send(context.Background(), chatSession, "first", nil)
		done <- err
	}()
	waitFor(t, completer.entered)

	if _, err := chat.Send(context.Background(), chatSession, "second", nil); !errors.Is(err, ErrSendInFlight) {
		t.Fatalf("expected ErrSendInFlight, got %v", err)
	}
	close(completer.release)
	if err := waitFor(t, done); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if completer.callCount() != 1 {
		t.Fatalf("expected one service call, got %d", completer.callCount())
	}
	msgs, _ := chat.History(context.Background(), 0)
	if len(msgs) != 2 {
		t.Fatalf("expected only the first exchange stored, got %+v", msgs)
	}
}

func TestSendRefusesBlankText(t *testing.T) {
	store := docstore.NewMemoryStore()
	completer := &stubCompleter{reply: "ok"}
	chat := NewChatPipeline(store, completer, nil, nil)

	if _, err := chat.Send(context.Background(), chatSession, " \n\t", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if completer.callCount() != 0 {
		t.Fatalf("blank text must not reach the service")
	}
	if msgs, _ := chat.History(context.Background(), 0); len(msgs) != 0 {
		t.Fatalf("blank text must not be stored")
	}
}

func TestSendUserTurnWriteFailure(t *testing.T) {
	store := newFlakyStore()
	store.failInsert = func(int32) bool { return true }
	completer := &stubCompleter{reply: "ok"}
	chat := NewChatPipeline(store, completer, nil, nil)

	if _, err := chat.Send(context.Background(), chatSession, "hello", nil); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if completer.callCount() != 0 {
		t.Fatalf("service must not be called when the user turn was not stored")
	}
}

func TestSendAssistantTurnWriteFailure(t *testing.T) {
	store := newFlakyStore()
	store.failInsert = func(n int32) bool { return n == 2 }
	chat := NewChatPipeline(store, &stubCompleter{reply: "Read Emma."}, nil, nil)

	reply, err := chat.Send(context.Background(), chatSession, "hello", nil)
	if !errors.Is(err, ErrReplyNotPersisted) {
		t.Fatalf("expected ErrReplyNotPersisted, got %v", err)
	}
	if reply != "Read Emma." {
		t.Fatalf("reply should still be returned, got %q", reply)
	}
}

func TestHistoryReturnsMostRecentInOrder(t *testing.T) {
	store := docstore.NewMemoryStore()
	for _, m := range priorMessages(5) {
		if _, err := store.Insert(context.Background(), domain.CollectionChat, chatFields(m)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	chat := NewChatPipeline(store, &stubCompleter{}, nil, nil)

	msgs, err := chat.History(context.Background(), 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Content != "turn 2" || msgs[2].Content != "turn 4" {
		t.Fatalf("unexpected history %+v", msgs)
	}
}

func TestWatchMessagesDeliversTypedConversation(t *testing.T) {
	store := docstore.NewMemoryStore()
	chat := NewChatPipeline(store, &stubCompleter{reply: "Try Emma."}, NewSyncEngine(store, nil), nil)
	views := make(chan []domain.ChatMessage, 16)

	sub, err := chat.WatchMessages(context.Background(), func(msgs []domain.ChatMessage) {
		views <- msgs
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Unsubscribe()
	waitFor(t, views)

	if _, err := chat.Send(context.Background(), chatSession, "classic romance?", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msgs := <-views:
			if len(msgs) == 2 {
				if msgs[0].Role != domain.RoleUser || msgs[1].Role != domain.RoleAssistant {
					t.Fatalf("unexpected order %+v", msgs)
				}
				return
			}
		case <-deadline:
			t.Fatalf("conversation never reached two messages")
		}
	}
}

// cancellingCompleter cancels the caller's context mid-request, as a
// disconnecting HTTP client would.
type cancellingCompleter struct {
	cancel context.CancelFunc
}

func (c *cancellingCompleter) CompleteChat(context.Context, string, []ai.Message, ai.Sampling) (string, error) {
	c.cancel()
	return "", context.Canceled
}

func TestSendStoresReplyWhenCallerCancels(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chat := NewChatPipeline(store, &cancellingCompleter{cancel: cancel}, nil, nil)

	reply, err := chat.Send(ctx, chatSession, "anything like Rebecca?", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply != FallbackReply {
		t.Fatalf("expected fallback reply, got %q", reply)
	}
	msgs, err := chat.History(context.Background(), 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != domain.RoleUser || msgs[1].Role != domain.RoleAssistant || msgs[1].Content != FallbackReply {
		t.Fatalf("expected user turn then fallback, got %+v", msgs)
	}
}

func TestSendReplacesBlankReplyWithFallback(t *testing.T) {
	store := docstore.NewMemoryStore()
	chat := NewChatPipeline(store, &stubCompleter{reply: " \n "}, nil, nil)

	reply, err := chat.Send(context.Background(), chatSession, "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply != FallbackReply {
		t.Fatalf("expected fallback reply, got %q", reply)
	}
	msgs, _ := chat.History(context.Background(), 0)
	if len(msgs) != 2 || msgs[1].Content != FallbackReply {
		t.Fatalf("blank reply must not be stored, got %+v", msgs)
	}
}
