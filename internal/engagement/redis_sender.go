package engagement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStreamSender appends events to a Redis stream for a downstream
// collector to consume.
type RedisStreamSender struct {
	client *redis.Client
	stream string
	maxLen int64
}

type RedisStreamConfig struct {
	Addr     string
	Password string
	Stream   string
	MaxLen   int64
}

func NewRedisStreamSender(cfg RedisStreamConfig) (*RedisStreamSender, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "engagement"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStreamSender{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream: stream,
		maxLen: maxLen,
	}, nil
}

func (s *RedisStreamSender) Send(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev.Value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"user_id":   ev.UserID,
			"story_id":  ev.StoryID,
			"type":      string(ev.Type),
			"value":     string(value),
			"timestamp": ev.Timestamp,
		},
	}).Err()
}

func (s *RedisStreamSender) Close() error {
	return s.client.Close()
}
