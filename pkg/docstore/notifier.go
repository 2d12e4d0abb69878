package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Notifier fans out collection change events between processes.
type Notifier interface {
	Publish(ctx context.Context, collection string) error
	Watch(ctx context.Context, collection string) (*Watch, error)
}

// RedisNotifier publishes one pub/sub message per mutation on a channel
// derived from the collection name.
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

// NewRedisNotifier builds a Redis-backed notifier.
func NewRedisNotifier(addr, password, prefix string) (*RedisNotifier, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("notifier redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "bookbot:docs"
	}
	return &RedisNotifier{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}, nil
}

func (n *RedisNotifier) channel(collection string) string {
	return n.prefix + ":" + collection
}

// Publish announces a change to collection.
func (n *RedisNotifier) Publish(ctx context.Context, collection string) error {
	if err := n.client.Publish(ctx, n.channel(collection), time.Now().UTC().UnixNano()).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Watch subscribes to collection changes. It returns only after Redis has
// confirmed the subscription, so no later Publish is missed.
func (n *RedisNotifier) Watch(ctx context.Context, collection string) (*Watch, error) {
	pubsub := n.client.Subscribe(ctx, n.channel(collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}
	out := make(chan struct{}, 1)
	done := make(chan struct{})
	msgs := pubsub.Channel()
	go func() {
		for {
			select {
			case <-done:
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				signal(out)
			}
		}
	}()
	return newWatch(out, func() {
		close(done)
		_ = pubsub.Close()
	}), nil
}

// Close releases the Redis client.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
