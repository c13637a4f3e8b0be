package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalith-99/partyhub/internal/observ"
)

const (
	defaultTopicPrefix = "partyhub:"
	maxBackoffDelay    = 5 * time.Second
	channelSize        = 256
)

// RedisFeed fans changes out across server instances over Redis pub/sub.
// Each change goes to the topic partyhub:<collection>:<scope>.
type RedisFeed struct {
	client *redis.Client
	logger *zap.Logger

	topicPrefix string
}

func NewRedisFeed(client *redis.Client, logger *zap.Logger) *RedisFeed {
	return &RedisFeed{
		client:      client,
		logger:      logger,
		topicPrefix: defaultTopicPrefix,
	}
}

func (f *RedisFeed) topic(collection, scope string) string {
	return fmt.Sprintf("%s%s:%s", f.topicPrefix, collection, scope)
}

// Publish sends the change, retrying with backoff until ctx expires.
func (f *RedisFeed) Publish(ctx context.Context, change Change) error {
	if f == nil || f.client == nil {
		return errors.New("nil feed")
	}
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}

	encoded, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}

	topic := f.topic(change.Collection, change.Scope)
	backoff := 100 * time.Millisecond
	for {
		err := f.client.Publish(ctx, topic, encoded).Err()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		f.logger.Warn("redis publish failed, retrying",
			zap.String("topic", topic),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxBackoffDelay)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type redisSub struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
}

// Subscribe waits for Redis to confirm the subscription before returning, so
// a change published after Subscribe returns is delivered.
func (f *RedisFeed) Subscribe(ctx context.Context, collection, filter string, fn Handler) (Subscription, error) {
	if collection == "" || fn == nil {
		return nil, fmt.Errorf("subscribe: collection and handler are required")
	}

	var pubsub *redis.PubSub
	if filter == "" {
		pubsub = f.client.PSubscribe(ctx, f.topic(collection, "*"))
	} else {
		pubsub = f.client.Subscribe(ctx, f.topic(collection, filter))
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &redisSub{pubsub: pubsub, cancel: cancel}
	observ.ActiveSubscriptions.Inc()

	go f.consume(subCtx, s, collection, filter, fn)
	return s, nil
}

func (f *RedisFeed) consume(ctx context.Context, s *redisSub, collection, filter string, fn Handler) {
	defer s.Unsubscribe()

	ch := s.pubsub.Channel(redis.WithChannelSize(channelSize))
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				f.logger.Warn("dropping undecodable change",
					zap.String("channel", msg.Channel),
					zap.Error(err),
				)
				continue
			}
			if !matches(change, collection, filter) {
				continue
			}
			fn(change)
		}
	}
}

func (s *redisSub) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.pubsub.Close()
		observ.ActiveSubscriptions.Dec()
	})
}
