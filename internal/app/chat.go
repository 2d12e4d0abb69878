package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"bookbot/pkg/ai"
	"bookbot/pkg/docstore"
	"bookbot/pkg/domain"
)

const (
	// ContextWindow is the number of prior turns sent with each new message.
	ContextWindow = 6

	// FallbackReply is persisted as the assistant turn whenever the completion
	// service cannot produce one.
	FallbackReply = "Hi! I'm BookBot, your reading recommendation assistant. I'm having trouble connecting right now, but tell me what kind of books you enjoy and I'll have great suggestions for you as soon as I'm back. Which genre are you in the mood for? 📚"

	systemPrompt = `You are BookBot, an assistant specialized in book recommendations.
- Always answer in the language the user is writing in, in a friendly tone.
- Recommend specific titles whenever possible.
- Ask about the user's tastes to improve your recommendations.
- Be enthusiastic about reading.
- Keep answers clear and useful.
- Focus on mystery, romance, science fiction, fantasy, thriller and drama.
- If you do not know a book, say so honestly and suggest alternatives.`
)

var chatSampling = ai.Sampling{
	Temperature: 0.7,
	MaxTokens:   500,
	TopP:        0.9,
}

// ChatPipeline persists user turns, asks the completion service for a reply
// and persists that reply, or FallbackReply when the service fails.
type ChatPipeline struct {
	store     docstore.Store
	completer ai.ChatCompleter
	sync      *SyncEngine
	flights   *flightGroup
	logger    *slog.Logger
	now       func() time.Time
}

func NewChatPipeline(store docstore.Store, completer ai.ChatCompleter, sync *SyncEngine, logger *slog.Logger) *ChatPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatPipeline{
		store:     store,
		completer: completer,
		sync:      sync,
		flights:   newFlightGroup(),
		logger:    logger,
		now:       time.Now,
	}
}

// Send records userText, obtains the assistant turn and returns its text.
// prior is the conversation as the caller last saw it, oldest first.
//
// Blank text is refused with ErrEmptyMessage and a second Send while one is
// outstanding with ErrSendInFlight; neither writes anything. When the user
// turn cannot be stored the service is not called and ErrStoreUnavailable is
// returned. Service failures and blank replies never surface: the fallback
// text is stored and returned instead. If the assistant turn cannot be stored
// the reply is returned together with ErrReplyNotPersisted. Cancelling ctx
// after Send has started does not stop the exchange.
func (p *ChatPipeline) Send(ctx context.Context, sess domain.Session, userText string, prior []domain.ChatMessage) (string, error) {
	text := strings.TrimSpace(userText)
	if text == "" {
		return "", ErrEmptyMessage
	}
	release, ok := p.flights.begin(domain.CollectionChat)
	if !ok {
		return "", ErrSendInFlight
	}
	defer release()
	// An accepted turn always gets its reply stored, even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	if _, err := p.store.Insert(ctx, domain.CollectionChat, chatFields(domain.ChatMessage{
		Role:      domain.RoleUser,
		Content:   text,
		Timestamp: p.now(),
	})); err != nil {
		p.logger.Error("store user turn failed", "user_id", sess.UserID, "err", err)
		return "", fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	reply, err := p.completer.CompleteChat(ctx, systemPrompt, buildContext(prior, text), chatSampling)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty completion")
	}
	if err != nil {
		p.logger.Warn("completion failed, using fallback reply", "user_id", sess.UserID, "err", err)
		reply = FallbackReply
	}

	if _, err := p.store.Insert(ctx, domain.CollectionChat, chatFields(domain.ChatMessage{
		Role:      domain.RoleAssistant,
		Content:   reply,
		Timestamp: p.now(),
	})); err != nil {
		p.logger.Error("store assistant turn failed", "user_id", sess.UserID, "err", err)
		return reply, fmt.Errorf("%w: %w", ErrReplyNotPersisted, err)
	}
	return reply, nil
}

// buildContext keeps the last ContextWindow valid prior turns, oldest first,
// and appends the new user turn. Only role and content leave the pipeline.
func buildContext(prior []domain.ChatMessage, userText string) []ai.Message {
	valid := make([]ai.Message, 0, len(prior))
	for _, m := range prior {
		if !m.Role.Valid() || strings.TrimSpace(m.Content) == "" {
			continue
		}
		valid = append(valid, ai.Message{Role: string(m.Role), Content: m.Content})
	}
	if len(valid) > ContextWindow {
		valid = valid[len(valid)-ContextWindow:]
	}
	return append(valid, ai.Message{Role: string(domain.RoleUser), Content: userText})
}

// History returns up to limit most recent messages, oldest first. limit <= 0
// returns the whole log.
func (p *ChatPipeline) History(ctx context.Context, limit int) ([]domain.ChatMessage, error) {
	q := docstore.Query{OrderBy: fieldTimestamp, Descending: true}
	if limit > 0 {
		q.Limit = limit
	}
	docs, err := p.store.Query(ctx, domain.CollectionChat, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	msgs := decodeAll(p.logger, domain.CollectionChat, docs, decodeChatMessage)
	slices.Reverse(msgs)
	return msgs, nil
}

// WatchMessages delivers the whole conversation, ordered by timestamp, on
// every change.
func (p *ChatPipeline) WatchMessages(ctx context.Context, onChange func([]domain.ChatMessage)) (*Subscription, error) {
	if p.sync == nil {
		return nil, errors.New("sync engine not configured")
	}
	return watchDecoded(ctx, p.sync, domain.CollectionChat, docstore.Query{OrderBy: fieldTimestamp}, decodeChatMessage, onChange)
}
