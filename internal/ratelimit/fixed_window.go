package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const opTimeout = 2 * time.Second

// INCR the window counter; the first hit starts the expiry. Returns the
// count and the remaining TTL in milliseconds.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// FixedWindow limits each key to limit hits per window. Redis errors fail
// closed.
type FixedWindow struct {
	limit  int
	window time.Duration
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewFixedWindow connects to Redis at addr.
func NewFixedWindow(addr, password, prefix string, limit int, window time.Duration) (*FixedWindow, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	return NewFixedWindowWithClient(redis.NewClient(&redis.Options{Addr: addr, Password: password}), prefix, limit, window)
}

func NewFixedWindowWithClient(client *redis.Client, prefix string, limit int, window time.Duration) (*FixedWindow, error) {
	if limit <= 0 || window < time.Millisecond {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "reader:ratelimit"
	}
	return &FixedWindow{limit: limit, window: window, client: client, prefix: prefix, now: time.Now}, nil
}

// Allow counts one hit for key.
func (l *FixedWindow) Allow(ctx context.Context, key string) (Decision, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	slot := l.now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64Slice()
	if err != nil {
		return Decision{Limit: l.limit, RetryAfter: l.window}, fmt.Errorf("rate limit: %w", err)
	}
	count, ttl := res[0], res[1]
	d := Decision{Allowed: count <= int64(l.limit), Limit: l.limit}
	if rem := int64(l.limit) - count; rem > 0 {
		d.Remaining = int(rem)
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration(ttl) * time.Millisecond
		if d.RetryAfter <= 0 {
			d.RetryAfter = l.window
		}
	}
	return d, nil
}

func (l *FixedWindow) Close() error {
	return l.client.Close()
}
